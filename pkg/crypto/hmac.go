package crypto

import (
	"crypto/hmac"
)

// HMAC computes HMAC over the concatenation of parts.
func HMAC(alg HashAlg, key []byte, parts ...[]byte) []byte {
	h := hmac.New(alg.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
