package pase

import (
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// InitiatorStep1 opens the handshake.
type InitiatorStep1 struct {
	Config         Config
	AltConfigs     []Config
	KeyID          uint16
	EncryptionType message.EncryptionType
	PasswordSource uint8
	Random         []byte
}

// Encode serializes the message.
func (m *InitiatorStep1) Encode() []byte {
	alts := make([]uint32, len(m.AltConfigs))
	for i, c := range m.AltConfigs {
		alts[i] = uint32(c)
	}
	return handshake.NewWriter(32 + 4*len(alts)).
		PutUint32(uint32(m.Config)).
		PutUint32List(alts).
		PutUint16(m.KeyID).
		PutUint8(uint8(m.EncryptionType)).
		PutUint8(m.PasswordSource).
		PutBytes(m.Random).
		Bytes()
}

// DecodeInitiatorStep1 parses an InitiatorStep1.
func DecodeInitiatorStep1(data []byte) (*InitiatorStep1, error) {
	r := handshake.NewReader(data)
	m := &InitiatorStep1{Config: Config(r.Uint32())}
	for _, c := range r.Uint32List() {
		m.AltConfigs = append(m.AltConfigs, Config(c))
	}
	m.KeyID = r.Uint16()
	m.EncryptionType = message.EncryptionType(r.Uint8())
	m.PasswordSource = r.Uint8()
	m.Random = r.Bytes()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(m.Random) != RandomSize {
		return nil, handshake.Errorf(handshake.ErrInvalidMessage, "random size %d", len(m.Random))
	}
	return m, nil
}

func encodeConfig(c Config) []byte {
	return handshake.NewWriter(4).PutUint32(uint32(c)).Bytes()
}

func decodeConfig(data []byte) (Config, error) {
	r := handshake.NewReader(data)
	c := Config(r.Uint32())
	return c, r.Done()
}

// encodeField and decodeField carry the single byte-string body of
// ResponderStep1, ResponderStep2 and ResponderKeyConfirm.
func encodeField(b []byte) []byte {
	return handshake.NewWriter(len(b) + 2).PutBytes(b).Bytes()
}

func decodeField(data []byte, size int) ([]byte, error) {
	r := handshake.NewReader(data)
	b := r.Bytes()
	if err := r.Done(); err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, handshake.Errorf(handshake.ErrInvalidMessage, "field size %d, want %d", len(b), size)
	}
	return b, nil
}

func encodeInitiatorStep2(pA, cA []byte) []byte {
	return handshake.NewWriter(len(pA) + len(cA) + 4).PutBytes(pA).PutBytes(cA).Bytes()
}

func decodeInitiatorStep2(data []byte, pointSize, confSize int) (pA, cA []byte, err error) {
	r := handshake.NewReader(data)
	pA = r.Bytes()
	cA = r.Bytes()
	if err := r.Done(); err != nil {
		return nil, nil, err
	}
	if len(pA) != pointSize || len(cA) != confSize {
		return nil, nil, handshake.Errorf(handshake.ErrInvalidMessage, "step 2 field sizes %d/%d", len(pA), len(cA))
	}
	return pA, cA, nil
}
