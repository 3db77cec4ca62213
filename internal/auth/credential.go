package auth

import (
	"fmt"
	"sync"

	"satupdate/internal/hashchain"
)

// CredentialStore is the origin-facing half of a node. It holds exactly one
// digest and replaces it only after a token verifies.
type CredentialStore struct {
	mu         sync.Mutex
	credential hashchain.Digest
	round      int
}

// NewCredentialStore provisions a store with the round-0 credential.
func NewCredentialStore(initial hashchain.Digest) *CredentialStore {
	return &CredentialStore{credential: initial}
}

// Credential returns the digest currently held.
func (s *CredentialStore) Credential() hashchain.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// Round returns the last round accepted from the origin.
func (s *CredentialStore) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Receive verifies an origin token for round. The candidate credential is
// token XOR HMAC(credential, payload); it is accepted iff its hash equals
// the credential currently held. On any error the store is unchanged.
func (s *CredentialStore) Receive(round int, payload, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if round != s.round+1 {
		return fmt.Errorf("%w: got round %d, expected %d", ErrRoundMismatch, round, s.round+1)
	}

	raw, err := xorBytes(token, payloadMAC(s.credential, payload))
	if err != nil {
		return err
	}
	var candidate hashchain.Digest
	copy(candidate[:], raw)

	if !hashchain.Hash(candidate[:]).Equal(s.credential) {
		return fmt.Errorf("%w: origin token for round %d", ErrVerificationFailure, round)
	}

	s.credential = candidate
	s.round = round
	return nil
}

// Adopt replaces the credential with a state accepted over the peer path.
func (s *CredentialStore) Adopt(state hashchain.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = state
}
