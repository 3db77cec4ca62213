package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrVerificationFailure means a recomputed digest or HMAC did not match.
	// Recoverable: the attempt is rejected and nothing else changes.
	ErrVerificationFailure = errors.New("auth: verification failed")

	// ErrExpired means a broadcast tag arrived after its freshness window.
	ErrExpired = errors.New("auth: token expired")

	// ErrMalformedInput means a fixed-width combination step received buffers
	// of different lengths. It is a contract violation and must not be
	// swallowed as a rejection.
	ErrMalformedInput = errors.New("auth: malformed input")

	// ErrRoundMismatch means the caller's round index is not the one the
	// credential store expects next.
	ErrRoundMismatch = errors.New("auth: round out of sync")

	// ErrChainExhausted means the requested round has no chain element left.
	ErrChainExhausted = errors.New("auth: hash chain exhausted")
)

// IsRecoverable reports whether err is a protocol-level rejection that
// should be recorded against an attempt rather than abort the caller.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrVerificationFailure) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrRoundMismatch)
}

// xorBytes returns a XOR b. Both inputs must have the same length.
func xorBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: xor of %d and %d bytes", ErrMalformedInput, len(a), len(b))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}
