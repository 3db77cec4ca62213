// Package hashchain builds the one-way hash chain the origin draws its
// rolling update credentials from.
//
// Elements are consumed from the tail toward the head: the tail is
// pre-provisioned to the entry node, and each round reveals the element
// one step closer to the seed. Revealing chain[k] never exposes chain[k-1]
// because that would require inverting SHA-256.
package hashchain

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the length in bytes of every chain element.
const Size = sha256.Size

var (
	ErrInvalidLength   = errors.New("hashchain: length must be at least 1")
	ErrIndexOutOfRange = errors.New("hashchain: index out of range")
	ErrBroken          = errors.New("hashchain: link verification failed")
)

// Digest is a single chain element.
type Digest [Size]byte

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) Digest {
	return sha256.Sum256(b)
}

// Equal compares two digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return hmac.Equal(d[:], other[:])
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Chain is an immutable hash chain. chain[0] = H(seed), chain[k] = H(chain[k-1]).
type Chain struct {
	elems []Digest
}

// Build derives a chain of the given length from seed.
func Build(seed []byte, length int) (*Chain, error) {
	if length < 1 {
		return nil, ErrInvalidLength
	}
	elems := make([]Digest, length)
	elems[0] = Hash(seed)
	for k := 1; k < length; k++ {
		elems[k] = Hash(elems[k-1][:])
	}
	return &Chain{elems: elems}, nil
}

// Len returns the number of elements in the chain.
func (c *Chain) Len() int {
	return len(c.elems)
}

// At returns chain[k].
func (c *Chain) At(k int) (Digest, error) {
	if k < 0 || k >= len(c.elems) {
		return Digest{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, k, len(c.elems))
	}
	return c.elems[k], nil
}

// Tail returns the last element, the credential every node starts with.
func (c *Chain) Tail() Digest {
	return c.elems[len(c.elems)-1]
}

// Verify checks H(chain[k]) == chain[k+1] for every link.
func (c *Chain) Verify() error {
	for k := 0; k+1 < len(c.elems); k++ {
		next := Hash(c.elems[k][:])
		if !next.Equal(c.elems[k+1]) {
			return fmt.Errorf("%w: between %d and %d", ErrBroken, k, k+1)
		}
	}
	return nil
}

// NewSeed returns n random bytes suitable as a chain seed or cluster secret.
func NewSeed(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
