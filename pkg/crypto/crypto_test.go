package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// RFC 5869 Test Case 1.
func TestHKDF_RFC5869(t *testing.T) {
	ikm := mustHex(t, "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b")
	salt := mustHex(t, "000102030405060708090a0b0c")
	info := mustHex(t, "f0f1f2f3f4f5f6f7f8f9")
	want := mustHex(t, "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865")

	got, err := HKDF(SHA256, ikm, salt, info, 42)
	if err != nil {
		t.Fatalf("HKDF() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("HKDF() = %x, want %x", got, want)
	}

	sha1Out, err := HKDF(SHA1, ikm, salt, info, 42)
	if err != nil {
		t.Fatalf("HKDF(SHA1) error = %v", err)
	}
	if bytes.Equal(sha1Out, want) {
		t.Error("HKDF(SHA1) matched the SHA-256 output")
	}
}

// RFC 4231 Test Case 2.
func TestHMAC_RFC4231(t *testing.T) {
	want := mustHex(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843")
	got := HMAC(SHA256, []byte("Jefe"), []byte("what do ya "), []byte("want for nothing?"))
	if !bytes.Equal(got, want) {
		t.Errorf("HMAC() = %x, want %x", got, want)
	}
	if !HMACEqual(got, want) {
		t.Error("HMACEqual() = false for equal MACs")
	}
	got[0] ^= 1
	if HMACEqual(got, want) {
		t.Error("HMACEqual() = true for different MACs")
	}
}

// NIST SP 800-38A F.5.1, first block.
func TestAESCTRXOR(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := mustHex(t, "f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff")
	pt := mustHex(t, "6bc1bee22e409f96e93d7e117393172a")
	want := mustHex(t, "874d6191b620e3261bef6864990db6ce")

	ct, err := AESCTRXOR(key, iv, pt)
	if err != nil {
		t.Fatalf("AESCTRXOR() error = %v", err)
	}
	if !bytes.Equal(ct, want) {
		t.Errorf("AESCTRXOR() = %x, want %x", ct, want)
	}
	back, err := AESCTRXOR(key, iv, ct)
	if err != nil {
		t.Fatalf("AESCTRXOR() error = %v", err)
	}
	if !bytes.Equal(back, pt) {
		t.Errorf("round trip = %x, want %x", back, pt)
	}

	if _, err := AESCTRXOR(key[:8], iv, pt); err != ErrAESCTRInvalidKeySize {
		t.Errorf("short key error = %v, want %v", err, ErrAESCTRInvalidKeySize)
	}
	if _, err := AESCTRXOR(key, iv[:12], pt); err != ErrAESCTRInvalidIVSize {
		t.Errorf("short IV error = %v, want %v", err, ErrAESCTRInvalidIVSize)
	}
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3}
	Zeroize(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("Zeroize() left %x", b)
	}
}

func TestCurves_SignAndECDH(t *testing.T) {
	for _, c := range []Curve{CurveP256, CurveP384} {
		t.Run(c.String(), func(t *testing.T) {
			k, err := GenerateSigningKey(c)
			if err != nil {
				t.Fatalf("GenerateSigningKey() error = %v", err)
			}
			pub := k.PublicKey()
			if len(pub) != c.PublicKeySize() {
				t.Fatalf("PublicKey() length = %d, want %d", len(pub), c.PublicKeySize())
			}
			msg := []byte("begin session")
			sig, err := k.Sign(SHA256, msg)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if err := Verify(c, pub, SHA256, msg, sig); err != nil {
				t.Errorf("Verify() error = %v", err)
			}
			if err := Verify(c, pub, SHA256, []byte("other"), sig); err != ErrInvalidSignature {
				t.Errorf("Verify(other msg) error = %v, want %v", err, ErrInvalidSignature)
			}

			a, err := GenerateECDHKey(c, nil)
			if err != nil {
				t.Fatalf("GenerateECDHKey() error = %v", err)
			}
			b, err := GenerateECDHKey(c, nil)
			if err != nil {
				t.Fatalf("GenerateECDHKey() error = %v", err)
			}
			s1, err := ECDH(c, a, b.PublicKey().Bytes())
			if err != nil {
				t.Fatalf("ECDH() error = %v", err)
			}
			s2, err := ECDH(c, b, a.PublicKey().Bytes())
			if err != nil {
				t.Fatalf("ECDH() error = %v", err)
			}
			if !bytes.Equal(s1, s2) {
				t.Error("ECDH secrets differ")
			}
		})
	}

	if _, err := GenerateSigningKey(Curve(1)); err != ErrUnsupportedCurve {
		t.Errorf("GenerateSigningKey(bad) error = %v, want %v", err, ErrUnsupportedCurve)
	}
}
