package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// HKDF derives length bytes from inputKey using HKDF with the given hash.
func HKDF(alg HashAlg, inputKey, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(alg.New, inputKey, salt, info)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}

// PBKDF2SHA256 derives keyLen bytes from password using PBKDF2-HMAC-SHA256.
func PBKDF2SHA256(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// Zeroize overwrites b with zeros.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
