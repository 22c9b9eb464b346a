package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

const (
	// AESCTRKeySize is the AES-128 key size.
	AESCTRKeySize = 16

	// AESCTRIVSize is the initial counter block size.
	AESCTRIVSize = aes.BlockSize
)

var (
	ErrAESCTRInvalidKeySize = errors.New("aesctr: invalid key size, must be 16 bytes")
	ErrAESCTRInvalidIVSize  = errors.New("aesctr: invalid IV size, must be 16 bytes")
)

// AESCTRXOR encrypts or decrypts data with AES-128-CTR. The operation is its
// own inverse.
func AESCTRXOR(key, iv, data []byte) ([]byte, error) {
	if len(key) != AESCTRKeySize {
		return nil, ErrAESCTRInvalidKeySize
	}
	if len(iv) != AESCTRIVSize {
		return nil, ErrAESCTRInvalidIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}
