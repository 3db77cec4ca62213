package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"satupdate/internal/hashchain"
)

// Origin is the ground station side of the update protocol. It reveals one
// chain element per round, masked with an HMAC only a holder of the
// previous element can compute.
type Origin struct {
	chain    *hashchain.Chain
	round    int
	current  hashchain.Digest
	previous hashchain.Digest
}

// NewOrigin positions an origin at round 0 over chain. The tail of the chain
// is the credential pre-provisioned to the entry node.
func NewOrigin(chain *hashchain.Chain) *Origin {
	return &Origin{chain: chain}
}

// Round returns the round the origin is currently positioned at.
func (o *Origin) Round() int {
	return o.round
}

// MaxRounds is the number of rounds the chain can serve.
func (o *Origin) MaxRounds() int {
	return o.chain.Len() - 1
}

// Advance positions the origin at round (1-indexed):
// current = chain[L-1-round], previous = chain[L-round].
func (o *Origin) Advance(round int) error {
	l := o.chain.Len()
	if round < 1 || round > l-1 {
		return fmt.Errorf("%w: round %d with chain length %d", ErrChainExhausted, round, l)
	}
	cur, err := o.chain.At(l - 1 - round)
	if err != nil {
		return err
	}
	prev, err := o.chain.At(l - round)
	if err != nil {
		return err
	}
	o.round, o.current, o.previous = round, cur, prev
	return nil
}

// Issue computes current XOR HMAC(previous, payload) for the current round.
// It does not change any state.
func (o *Origin) Issue(payload []byte) ([]byte, error) {
	if o.round == 0 {
		return nil, fmt.Errorf("%w: origin not advanced past round 0", ErrChainExhausted)
	}
	return maskToken(o.current, o.previous, payload)
}

// IssueRound advances to round and issues the transmission token for payload.
func (o *Origin) IssueRound(round int, payload []byte) ([]byte, error) {
	if err := o.Advance(round); err != nil {
		return nil, err
	}
	return o.Issue(payload)
}

func maskToken(secret, key hashchain.Digest, payload []byte) ([]byte, error) {
	return xorBytes(secret[:], payloadMAC(key, payload))
}

func payloadMAC(key hashchain.Digest, payload []byte) []byte {
	m := hmac.New(sha256.New, key[:])
	m.Write(payload)
	return m.Sum(nil)
}
