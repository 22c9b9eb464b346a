package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Curve identifies an elliptic curve by its Weave curve id.
type Curve uint32

const (
	CurveP256 Curve = 0x0007
	CurveP384 Curve = 0x0022
)

var (
	ErrUnsupportedCurve = errors.New("crypto: unsupported elliptic curve")
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
	ErrInvalidSignature = errors.New("crypto: invalid signature")
)

// IsValid reports whether the curve is supported.
func (c Curve) IsValid() bool {
	return c == CurveP256 || c == CurveP384
}

func (c Curve) String() string {
	switch c {
	case CurveP256:
		return "P-256"
	case CurveP384:
		return "P-384"
	default:
		return fmt.Sprintf("Curve(0x%x)", uint32(c))
	}
}

func (c Curve) ecdh() ecdh.Curve {
	if c == CurveP384 {
		return ecdh.P384()
	}
	return ecdh.P256()
}

func (c Curve) elliptic() elliptic.Curve {
	if c == CurveP384 {
		return elliptic.P384()
	}
	return elliptic.P256()
}

// ScalarSize returns the byte length of a field element.
func (c Curve) ScalarSize() int {
	return (c.elliptic().Params().BitSize + 7) / 8
}

// PublicKeySize returns the uncompressed point length (0x04 || X || Y).
func (c Curve) PublicKeySize() int {
	return 1 + 2*c.ScalarSize()
}

// SignatureSize returns the raw r || s signature length.
func (c Curve) SignatureSize() int {
	return 2 * c.ScalarSize()
}

// GenerateECDHKey creates an ephemeral key pair on curve c.
// If rng is nil, crypto/rand is used.
func GenerateECDHKey(c Curve, rng io.Reader) (*ecdh.PrivateKey, error) {
	if !c.IsValid() {
		return nil, ErrUnsupportedCurve
	}
	if rng == nil {
		rng = rand.Reader
	}
	return c.ecdh().GenerateKey(rng)
}

// ECDH computes the shared secret between priv and an uncompressed peer
// public key. The peer key is validated.
func ECDH(c Curve, priv *ecdh.PrivateKey, peerPublicKey []byte) ([]byte, error) {
	if !c.IsValid() {
		return nil, ErrUnsupportedCurve
	}
	pub, err := c.ecdh().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return priv.ECDH(pub)
}

// SigningKey is an ECDSA private key.
type SigningKey struct {
	curve Curve
	priv  *ecdsa.PrivateKey
}

// GenerateSigningKey creates a new ECDSA key on curve c.
func GenerateSigningKey(c Curve) (*SigningKey, error) {
	if !c.IsValid() {
		return nil, ErrUnsupportedCurve
	}
	priv, err := ecdsa.GenerateKey(c.elliptic(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKey{curve: c, priv: priv}, nil
}

// Curve returns the key's curve.
func (k *SigningKey) Curve() Curve {
	return k.curve
}

// PublicKey returns the uncompressed public key.
func (k *SigningKey) PublicKey() []byte {
	size := k.curve.ScalarSize()
	out := make([]byte, 1+2*size)
	out[0] = 0x04
	k.priv.PublicKey.X.FillBytes(out[1 : 1+size])
	k.priv.PublicKey.Y.FillBytes(out[1+size:])
	return out
}

// Sign hashes msg with alg and returns a raw r || s signature.
func (k *SigningKey) Sign(alg HashAlg, msg []byte) ([]byte, error) {
	digest := alg.Sum(msg)
	r, s, err := ecdsa.Sign(rand.Reader, k.priv, digest)
	if err != nil {
		return nil, err
	}
	size := k.curve.ScalarSize()
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig, nil
}

// Verify checks a raw r || s signature over msg made by publicKey.
func Verify(c Curve, publicKey []byte, alg HashAlg, msg, signature []byte) error {
	if !c.IsValid() {
		return ErrUnsupportedCurve
	}
	size := c.ScalarSize()
	if len(publicKey) != 1+2*size || publicKey[0] != 0x04 {
		return ErrInvalidPublicKey
	}
	curve := c.elliptic()
	x := new(big.Int).SetBytes(publicKey[1 : 1+size])
	y := new(big.Int).SetBytes(publicKey[1+size:])
	if !curve.IsOnCurve(x, y) {
		return ErrInvalidPublicKey
	}
	if len(signature) != 2*size {
		return ErrInvalidSignature
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	r := new(big.Int).SetBytes(signature[:size])
	s := new(big.Int).SetBytes(signature[size:])
	if !ecdsa.Verify(pub, alg.Sum(msg), r, s) {
		return ErrInvalidSignature
	}
	return nil
}
