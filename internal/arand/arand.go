// Package arand reconstructs the core/crypto/rand helpers this codebase
// leans on (rand.Reader, rand.NewMath() in client2/connection.go's
// getDescriptor, which picks a uniformly random provider index). The
// upstream package's source wasn't retrieved into the pack; only its call
// sites were, so this is a minimal from-scratch reconstruction of the same
// two entry points.
package arand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	mathrand "math/rand"
)

// Reader is the CSPRNG used for key material, nonces and AfcIds.
var Reader io.Reader = cryptorand.Reader

// Math returns a math/rand source seeded from the CSPRNG, for
// non-cryptographic uses such as picking a random round-robin start index.
func Math() *mathrand.Rand {
	var buf [8]byte
	seed := int64(1)
	if _, err := io.ReadFull(Reader, buf[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(buf[:]))
	}
	return mathrand.New(mathrand.NewSource(seed))
}
