// Package crypto wraps the primitives used by the Weave security handshakes:
// hashing, HMAC, HKDF, PBKDF2, AES-CTR and elliptic-curve ECDH/ECDSA.
package crypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// HashAlg selects a hash function.
type HashAlg uint8

const (
	SHA1 HashAlg = iota + 1
	SHA256
)

// New returns a new hash.Hash for the algorithm.
func (a HashAlg) New() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	default:
		return sha256.New()
	}
}

// Size returns the digest length in bytes.
func (a HashAlg) Size() int {
	if a == SHA1 {
		return sha1.Size
	}
	return sha256.Size
}

// Sum hashes the concatenation of parts.
func (a HashAlg) Sum(parts ...[]byte) []byte {
	h := a.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func (a HashAlg) String() string {
	switch a {
	case SHA1:
		return "SHA-1"
	case SHA256:
		return "SHA-256"
	default:
		return fmt.Sprintf("HashAlg(%d)", uint8(a))
	}
}
