package casesession

import (
	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// BeginSessionRequest is the initiator's opening message.
type BeginSessionRequest struct {
	Config             Config
	Curve              crypto.Curve
	AltConfigs         []Config
	AltCurves          []crypto.Curve
	KeyID              uint16
	EncryptionType     message.EncryptionType
	PerformKeyConfirm  bool
	InitiatorNodeID    uint64
	EphemeralPublicKey []byte
	CertInfo           []byte
	Signature          []byte
}

// body encodes every field covered by the signature.
func (m *BeginSessionRequest) body() []byte {
	alts := make([]uint32, len(m.AltConfigs))
	for i, c := range m.AltConfigs {
		alts[i] = uint32(c)
	}
	curves := make([]uint32, len(m.AltCurves))
	for i, c := range m.AltCurves {
		curves[i] = uint32(c)
	}
	return handshake.NewWriter(64+len(m.EphemeralPublicKey)+len(m.CertInfo)).
		PutUint32(uint32(m.Config)).
		PutUint32(uint32(m.Curve)).
		PutUint32List(alts).
		PutUint32List(curves).
		PutUint16(m.KeyID).
		PutUint8(uint8(m.EncryptionType)).
		PutBool(m.PerformKeyConfirm).
		PutUint64(m.InitiatorNodeID).
		PutBytes(m.EphemeralPublicKey).
		PutBytes(m.CertInfo).
		Bytes()
}

// Encode returns the wire form.
func (m *BeginSessionRequest) Encode() []byte {
	body := m.body()
	return handshake.NewWriter(len(body)+len(m.Signature)+2).
		PutBytes(body).
		PutBytes(m.Signature).
		Bytes()
}

// DecodeBeginSessionRequest parses a BeginSessionRequest. The signed body
// is returned alongside.
func DecodeBeginSessionRequest(data []byte) (*BeginSessionRequest, []byte, error) {
	outer := handshake.NewReader(data)
	body := outer.Bytes()
	sig := outer.Bytes()
	if err := outer.Done(); err != nil {
		return nil, nil, err
	}

	r := handshake.NewReader(body)
	m := &BeginSessionRequest{
		Config: Config(r.Uint32()),
		Curve:  crypto.Curve(r.Uint32()),
	}
	for _, c := range r.Uint32List() {
		m.AltConfigs = append(m.AltConfigs, Config(c))
	}
	for _, c := range r.Uint32List() {
		m.AltCurves = append(m.AltCurves, crypto.Curve(c))
	}
	m.KeyID = r.Uint16()
	m.EncryptionType = message.EncryptionType(r.Uint8())
	m.PerformKeyConfirm = r.Bool()
	m.InitiatorNodeID = r.Uint64()
	m.EphemeralPublicKey = r.Bytes()
	m.CertInfo = r.Bytes()
	if err := r.Done(); err != nil {
		return nil, nil, err
	}
	m.Signature = sig
	return m, body, nil
}

// BeginSessionResponse is the responder's answer.
type BeginSessionResponse struct {
	EphemeralPublicKey []byte
	CertInfo           []byte
	KeyConfirmHash     []byte
	Signature          []byte
}

func (m *BeginSessionResponse) body() []byte {
	return handshake.NewWriter(len(m.EphemeralPublicKey)+len(m.CertInfo)+len(m.KeyConfirmHash)+8).
		PutBytes(m.EphemeralPublicKey).
		PutBytes(m.CertInfo).
		PutBytes(m.KeyConfirmHash).
		Bytes()
}

// Encode returns the wire form.
func (m *BeginSessionResponse) Encode() []byte {
	body := m.body()
	return handshake.NewWriter(len(body)+len(m.Signature)+4).
		PutBytes(body).
		PutBytes(m.Signature).
		Bytes()
}

// DecodeBeginSessionResponse parses a BeginSessionResponse and returns the
// signed body alongside.
func DecodeBeginSessionResponse(data []byte) (*BeginSessionResponse, []byte, error) {
	outer := handshake.NewReader(data)
	body := outer.Bytes()
	sig := outer.Bytes()
	if err := outer.Done(); err != nil {
		return nil, nil, err
	}
	r := handshake.NewReader(body)
	m := &BeginSessionResponse{
		EphemeralPublicKey: r.Bytes(),
		CertInfo:           r.Bytes(),
		KeyConfirmHash:     r.Bytes(),
		Signature:          sig,
	}
	if err := r.Done(); err != nil {
		return nil, nil, err
	}
	return m, body, nil
}

func encodeReconfigure(c Config, curve crypto.Curve) []byte {
	return handshake.NewWriter(8).PutUint32(uint32(c)).PutUint32(uint32(curve)).Bytes()
}

func decodeReconfigure(data []byte) (Config, crypto.Curve, error) {
	r := handshake.NewReader(data)
	c := Config(r.Uint32())
	curve := crypto.Curve(r.Uint32())
	if err := r.Done(); err != nil {
		return 0, 0, err
	}
	return c, curve, nil
}
