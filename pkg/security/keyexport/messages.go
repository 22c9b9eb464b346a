package keyexport

import "github.com/mrjerryjohns/openweave-core/pkg/security/handshake"

// Request asks the peer to export a key.
type Request struct {
	Config             Config
	AltConfigs         []Config
	KeyID              uint32
	SignMessages       bool
	EphemeralPublicKey []byte
	Signature          []byte
}

func (m *Request) body() []byte {
	alts := make([]uint32, len(m.AltConfigs))
	for i, c := range m.AltConfigs {
		alts[i] = uint32(c)
	}
	return handshake.NewWriter(16+len(m.EphemeralPublicKey)).
		PutUint32(uint32(m.Config)).
		PutUint32List(alts).
		PutUint32(m.KeyID).
		PutBool(m.SignMessages).
		PutBytes(m.EphemeralPublicKey).
		Bytes()
}

// Encode returns the wire form.
func (m *Request) Encode() []byte {
	body := m.body()
	return handshake.NewWriter(len(body)+len(m.Signature)+4).PutBytes(body).PutBytes(m.Signature).Bytes()
}

// DecodeRequest parses a Request and returns its signed body.
func DecodeRequest(data []byte) (*Request, []byte, error) {
	outer := handshake.NewReader(data)
	body := outer.Bytes()
	sig := outer.Bytes()
	if err := outer.Done(); err != nil {
		return nil, nil, err
	}
	r := handshake.NewReader(body)
	m := &Request{Config: Config(r.Uint32())}
	for _, c := range r.Uint32List() {
		m.AltConfigs = append(m.AltConfigs, Config(c))
	}
	m.KeyID = r.Uint32()
	m.SignMessages = r.Bool()
	m.EphemeralPublicKey = r.Bytes()
	if err := r.Done(); err != nil {
		return nil, nil, err
	}
	m.Signature = sig
	return m, body, nil
}

// Response carries the exported key.
type Response struct {
	ExportedKeyID      uint32
	EphemeralPublicKey []byte
	EncryptedKey       []byte
	MAC                []byte
	Signature          []byte
}

// macBody encodes the fields covered by the MAC.
func (m *Response) macBody() []byte {
	return handshake.NewWriter(8+len(m.EphemeralPublicKey)+len(m.EncryptedKey)).
		PutUint32(m.ExportedKeyID).
		PutBytes(m.EphemeralPublicKey).
		PutBytes(m.EncryptedKey).
		Bytes()
}

func (m *Response) body() []byte {
	mb := m.macBody()
	return handshake.NewWriter(len(mb)+len(m.MAC)+4).PutBytes(mb).PutBytes(m.MAC).Bytes()
}

// Encode returns the wire form.
func (m *Response) Encode() []byte {
	body := m.body()
	return handshake.NewWriter(len(body)+len(m.Signature)+4).PutBytes(body).PutBytes(m.Signature).Bytes()
}

// DecodeResponse parses a Response and returns its signed body.
func DecodeResponse(data []byte) (*Response, []byte, error) {
	outer := handshake.NewReader(data)
	body := outer.Bytes()
	sig := outer.Bytes()
	if err := outer.Done(); err != nil {
		return nil, nil, err
	}
	mid := handshake.NewReader(body)
	macBody := mid.Bytes()
	mac := mid.Bytes()
	if err := mid.Done(); err != nil {
		return nil, nil, err
	}
	r := handshake.NewReader(macBody)
	m := &Response{
		ExportedKeyID:      r.Uint32(),
		EphemeralPublicKey: r.Bytes(),
		EncryptedKey:       r.Bytes(),
		MAC:                mac,
		Signature:          sig,
	}
	if err := r.Done(); err != nil {
		return nil, nil, err
	}
	return m, body, nil
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
