package utils

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// DeriveSeed turns a configured seed string into an RNG seed for label, so
// each experiment gets its own reproducible stream. An empty base draws a
// fresh seed.
func DeriveSeed(base, label string) int64 {
	if base == "" {
		var b [8]byte
		if _, err := rand.Read(b[:]); err == nil {
			return int64(binary.BigEndian.Uint64(b[:]))
		}
		return int64(xxhash.Sum64String(label))
	}
	return int64(xxhash.Sum64String(base + "/" + label))
}
