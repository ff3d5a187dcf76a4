// Package hash wraps blake3 for the two hashing needs the overlay has:
// deriving an Identity from a signing public key, and deriving a proof
// context for vault-write actions from the vault contents being written.
package hash

import (
	"github.com/zeebo/blake3"
)

// Size is the length in bytes of a hash produced by Sum.
const Size = 32

// Sum returns the blake3-256 hash of data.
func Sum(data []byte) [Size]byte {
	return blake3.Sum256(data)
}

// SumMulti hashes the concatenation of parts without allocating an
// intermediate joined slice, matching how a domain-separated proof
// context is built from several independent fields.
func SumMulti(parts ...[]byte) [Size]byte {
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
