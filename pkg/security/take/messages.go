package take

import (
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// IdentifyToken opens a TAKE handshake.
type IdentifyToken struct {
	Flags              Flags
	Config             Config
	KeyID              uint16
	EncryptionType     message.EncryptionType
	ChallengerID       []byte
	Nonce              []byte
	EphemeralPublicKey []byte
}

// Encode returns the wire form.
func (m *IdentifyToken) Encode() []byte {
	return handshake.NewWriter(16+len(m.ChallengerID)+len(m.Nonce)+len(m.EphemeralPublicKey)).
		PutUint8(uint8(m.Flags)).
		PutUint32(uint32(m.Config)).
		PutUint16(m.KeyID).
		PutUint8(uint8(m.EncryptionType)).
		PutBytes(m.ChallengerID).
		PutBytes(m.Nonce).
		PutBytes(m.EphemeralPublicKey).
		Bytes()
}

// DecodeIdentifyToken parses an IdentifyToken message.
func DecodeIdentifyToken(data []byte) (*IdentifyToken, error) {
	r := handshake.NewReader(data)
	m := &IdentifyToken{
		Flags:              Flags(r.Uint8()),
		Config:             Config(r.Uint32()),
		KeyID:              r.Uint16(),
		EncryptionType:     message.EncryptionType(r.Uint8()),
		ChallengerID:       r.Bytes(),
		Nonce:              r.Bytes(),
		EphemeralPublicKey: r.Bytes(),
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(m.Nonce) != NonceSize {
		return nil, handshake.Errorf(handshake.ErrInvalidMessage, "nonce length %d", len(m.Nonce))
	}
	return m, nil
}

// IdentifyTokenResponse carries the token's ephemeral key and its proof
// of IK possession over the transcript.
type IdentifyTokenResponse struct {
	Config             Config
	Nonce              []byte
	EphemeralPublicKey []byte
	Proof              []byte
}

func (m *IdentifyTokenResponse) body() []byte {
	return handshake.NewWriter(8+len(m.Nonce)+len(m.EphemeralPublicKey)).
		PutUint32(uint32(m.Config)).
		PutBytes(m.Nonce).
		PutBytes(m.EphemeralPublicKey).
		Bytes()
}

// Encode returns the wire form.
func (m *IdentifyTokenResponse) Encode() []byte {
	body := m.body()
	return handshake.NewWriter(len(body)+len(m.Proof)+4).PutBytes(body).PutBytes(m.Proof).Bytes()
}

// DecodeIdentifyTokenResponse parses the message and returns the body
// covered by the transcript.
func DecodeIdentifyTokenResponse(data []byte) (*IdentifyTokenResponse, []byte, error) {
	outer := handshake.NewReader(data)
	body := outer.Bytes()
	proof := outer.Bytes()
	if err := outer.Done(); err != nil {
		return nil, nil, err
	}
	r := handshake.NewReader(body)
	m := &IdentifyTokenResponse{
		Config:             Config(r.Uint32()),
		Nonce:              r.Bytes(),
		EphemeralPublicKey: r.Bytes(),
		Proof:              proof,
	}
	if err := r.Done(); err != nil {
		return nil, nil, err
	}
	if len(m.Nonce) != NonceSize || len(m.Proof) != ProofSize {
		return nil, nil, handshake.ErrInvalidMessage
	}
	return m, body, nil
}

// AuthenticateTokenResponse proves the token's identity on first contact
// and hands out the wrapped AK.
type AuthenticateTokenResponse struct {
	Signature      []byte
	WrappedAuthKey []byte
}

func (m *AuthenticateTokenResponse) encode() []byte {
	return handshake.NewWriter(len(m.Signature)+len(m.WrappedAuthKey)+4).
		PutBytes(m.Signature).
		PutBytes(m.WrappedAuthKey).
		Bytes()
}

func decodeAuthenticateTokenResponse(data []byte) (*AuthenticateTokenResponse, error) {
	r := handshake.NewReader(data)
	m := &AuthenticateTokenResponse{
		Signature:      r.Bytes(),
		WrappedAuthKey: r.Bytes(),
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(m.WrappedAuthKey) != AuthKeySize {
		return nil, handshake.ErrInvalidMessage
	}
	return m, nil
}

func encodeProof(proof []byte) []byte {
	return handshake.NewWriter(len(proof) + 1).PutBytes(proof).Bytes()
}

func decodeProof(data []byte) ([]byte, error) {
	r := handshake.NewReader(data)
	proof := r.Bytes()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(proof) != ProofSize {
		return nil, handshake.ErrInvalidMessage
	}
	return proof, nil
}

func encodeConfig(c Config) []byte {
	return handshake.NewWriter(4).PutUint32(uint32(c)).Bytes()
}

func decodeConfig(data []byte) (Config, error) {
	r := handshake.NewReader(data)
	c := Config(r.Uint32())
	if err := r.Done(); err != nil {
		return 0, err
	}
	return c, nil
}
