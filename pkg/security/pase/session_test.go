package pase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake/handshaketest"
)

const (
	initiatorNode uint64 = 0x18B4300000000001
	responderNode uint64 = 0x18B4300000000002
)

func newTestInitiator(t *testing.T, password string, cfg Config, allowed ...Config) *Session {
	t.Helper()
	s, err := NewInitiator(InitiatorConfig{
		LocalNodeID:    initiatorNode,
		PeerNodeID:     responderNode,
		KeyID:          0x4001,
		EncryptionType: message.EncryptionAES128CTRSHA1,
		Password:       []byte(password),
		Config:         cfg,
		AllowedConfigs: allowed,
	})
	if err != nil {
		t.Fatalf("NewInitiator() error = %v", err)
	}
	return s
}

func responderFactory(t *testing.T, password string, limiter Limiter, allowed ...Config) (func() handshake.Engine, *[]*Session) {
	var created []*Session
	return func() handshake.Engine {
		s, err := NewResponder(ResponderConfig{
			LocalNodeID:    responderNode,
			PeerNodeID:     initiatorNode,
			Password:       []byte(password),
			AllowedConfigs: allowed,
			Limiter:        limiter,
		})
		if err != nil {
			t.Fatalf("NewResponder() error = %v", err)
		}
		created = append(created, s)
		return s
	}, &created
}

func TestPASE_Success(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config0TestOnly, Config0TestOnly)
	newResp, _ := responderFactory(t, "secret", nil, Config0TestOnly)

	out := handshaketest.Run(initiator, newResp)
	if out.Initiator == nil || out.Initiator.Kind != handshake.ActionComplete {
		t.Fatalf("initiator outcome = %+v, want Complete", out.Initiator)
	}
	if out.Responder == nil || out.Responder.Kind != handshake.ActionComplete {
		t.Fatalf("responder outcome = %+v, want Complete", out.Responder)
	}

	ir, rr := out.Initiator.Result, out.Responder.Result
	if !bytes.Equal(ir.SessionKey, rr.SessionKey) {
		t.Error("session keys differ")
	}
	if len(ir.SessionKey) != SessionKeySize {
		t.Errorf("len(SessionKey) = %d, want %d", len(ir.SessionKey), SessionKeySize)
	}
	if ir.KeyID != 0x4001 || rr.KeyID != 0x4001 {
		t.Errorf("KeyID = %#x/%#x, want 0x4001", ir.KeyID, rr.KeyID)
	}
	if ir.PeerNodeID != responderNode || rr.PeerNodeID != initiatorNode {
		t.Errorf("PeerNodeID = %#x/%#x", ir.PeerNodeID, rr.PeerNodeID)
	}
	if ir.AuthMode != message.AuthModePASEPairingCode {
		t.Errorf("AuthMode = %v, want %v", ir.AuthMode, message.AuthModePASEPairingCode)
	}
	if out.Messages != 5 {
		t.Errorf("messages = %d, want 5", out.Messages)
	}
	if initiator.State() != StateComplete {
		t.Errorf("initiator State() = %v, want Complete", initiator.State())
	}
}

func TestPASE_WrongPassword(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config0TestOnly, Config0TestOnly)
	newResp, _ := responderFactory(t, "wrong", nil, Config0TestOnly)

	out := handshaketest.Run(initiator, newResp)
	if out.Responder == nil || out.Responder.Kind != handshake.ActionFail {
		t.Fatalf("responder outcome = %+v, want Fail", out.Responder)
	}
	if !errors.Is(out.Responder.Err, handshake.ErrKeyConfirmationFailed) {
		t.Errorf("responder error = %v, want %v", out.Responder.Err, handshake.ErrKeyConfirmationFailed)
	}
	if !IsAuthenticationFailure(out.Responder.Err) {
		t.Error("IsAuthenticationFailure() = false, want true")
	}
	if handshake.KindOf(out.Responder.Err) != handshake.KindCryptographic {
		t.Errorf("KindOf() = %v, want Cryptographic", handshake.KindOf(out.Responder.Err))
	}
	if out.Initiator != nil {
		t.Errorf("initiator outcome = %+v, want still waiting", out.Initiator)
	}
}

func TestPASE_ResponderReconfigure(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config1, Config1, Config0TestOnly)
	newResp, created := responderFactory(t, "secret", nil, Config0TestOnly)

	out := handshaketest.Run(initiator, newResp)
	if out.Initiator == nil || out.Initiator.Kind != handshake.ActionComplete {
		t.Fatalf("initiator outcome = %+v, want Complete", out.Initiator)
	}
	if out.Reconfigurations != 1 {
		t.Errorf("Reconfigurations = %d, want 1", out.Reconfigurations)
	}
	if out.Responders != 2 || len(*created) != 2 {
		t.Errorf("responders = %d, want 2", out.Responders)
	}
	if initiator.Config() != Config0TestOnly {
		t.Errorf("Config() = %v, want %v", initiator.Config(), Config0TestOnly)
	}
}

func TestPASE_SecondReconfigureFails(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config4, Config4, Config1, Config0TestOnly)
	if act := initiator.Start(); act.Kind != handshake.ActionSend {
		t.Fatalf("Start() = %v, want Send", act.Kind)
	}

	act := initiator.Process(handshake.Message{Type: handshake.MsgTypePASEResponderReconfigure, Payload: encodeConfig(Config1)})
	if act.Kind != handshake.ActionReconfigure {
		t.Fatalf("first reconfigure = %v (%v), want Reconfigure", act.Kind, act.Err)
	}
	if act.Reconfiguration.Config != uint32(Config1) {
		t.Errorf("Reconfiguration.Config = %d, want %d", act.Reconfiguration.Config, Config1)
	}
	step1, err := DecodeInitiatorStep1(act.Messages[0].Payload)
	if err != nil {
		t.Fatalf("DecodeInitiatorStep1() error = %v", err)
	}
	if step1.Config != Config1 {
		t.Errorf("restarted Config = %v, want %v", step1.Config, Config1)
	}

	act = initiator.Process(handshake.Message{Type: handshake.MsgTypePASEResponderReconfigure, Payload: encodeConfig(Config0TestOnly)})
	if act.Kind != handshake.ActionFail || !errors.Is(act.Err, handshake.ErrTooManyReconfigurations) {
		t.Fatalf("second reconfigure = %v (%v), want Fail(%v)", act.Kind, act.Err, handshake.ErrTooManyReconfigurations)
	}
	if handshake.KindOf(act.Err) != handshake.KindProtocol {
		t.Errorf("KindOf() = %v, want Protocol", handshake.KindOf(act.Err))
	}
}

func TestPASE_NoCommonConfig(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config1, Config1)
	newResp, _ := responderFactory(t, "secret", nil, Config4)

	out := handshaketest.Run(initiator, newResp)
	if out.Responder == nil || !errors.Is(out.Responder.Err, handshake.ErrNoCommonConfig) {
		t.Fatalf("responder outcome = %+v, want Fail(%v)", out.Responder, handshake.ErrNoCommonConfig)
	}
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Check() error {
	d.calls++
	return handshake.ErrRateLimitExceeded
}

func TestPASE_RateLimited(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config0TestOnly, Config0TestOnly)
	limiter := &denyLimiter{}
	newResp, created := responderFactory(t, "secret", limiter, Config0TestOnly)

	out := handshaketest.Run(initiator, newResp)
	if out.Responder == nil || !errors.Is(out.Responder.Err, handshake.ErrRateLimitExceeded) {
		t.Fatalf("responder outcome = %+v, want Fail(%v)", out.Responder, handshake.ErrRateLimitExceeded)
	}
	if limiter.calls != 1 {
		t.Errorf("limiter calls = %d, want 1", limiter.calls)
	}
	if (*created)[0].salt != nil {
		t.Error("responder created SPAKE2+ state while throttled")
	}
}

func TestPASE_KeyIDInUse(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config0TestOnly, Config0TestOnly)
	var checked []uint16
	responder, err := NewResponder(ResponderConfig{
		LocalNodeID:    responderNode,
		PeerNodeID:     initiatorNode,
		Password:       []byte("secret"),
		AllowedConfigs: []Config{Config0TestOnly},
		CheckKeyID: func(keyID uint16) error {
			checked = append(checked, keyID)
			return handshake.ErrDuplicateKeyID
		},
	})
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}

	out := handshaketest.Run(initiator, func() handshake.Engine { return responder })
	if out.Responder == nil || !errors.Is(out.Responder.Err, handshake.ErrDuplicateKeyID) {
		t.Fatalf("responder outcome = %+v, want Fail(%v)", out.Responder, handshake.ErrDuplicateKeyID)
	}
	if len(checked) != 1 || checked[0] != 0x4001 {
		t.Errorf("checked key ids = %v, want [0x4001]", checked)
	}
	if responder.salt != nil {
		t.Error("responder created SPAKE2+ state for a key id in use")
	}
}

func TestPASE_UnexpectedMessage(t *testing.T) {
	initiator := newTestInitiator(t, "secret", Config0TestOnly)
	initiator.Start()

	act := initiator.Process(handshake.Message{Type: handshake.MsgTypePASEResponderKeyConfirm, Payload: encodeField(make([]byte, 32))})
	if act.Kind != handshake.ActionFail || !errors.Is(act.Err, handshake.ErrUnexpectedMessage) {
		t.Fatalf("Process() = %v (%v), want Fail(%v)", act.Kind, act.Err, handshake.ErrUnexpectedMessage)
	}
	if initiator.State() != StateFailed {
		t.Errorf("State() = %v, want Failed", initiator.State())
	}
}

func TestPASE_InvalidArguments(t *testing.T) {
	tests := []struct {
		name   string
		config InitiatorConfig
		want   error
	}{
		{"empty password", InitiatorConfig{KeyID: 1, EncryptionType: message.EncryptionAES128CTRSHA1}, handshake.ErrInvalidArgument},
		{"zero key id", InitiatorConfig{Password: []byte("x"), EncryptionType: message.EncryptionAES128CTRSHA1}, handshake.ErrInvalidKeyID},
		{"no encryption", InitiatorConfig{Password: []byte("x"), KeyID: 1}, handshake.ErrUnsupportedEncryption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInitiator(tt.config)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewInitiator() error = %v, want %v", err, tt.want)
			}
			if handshake.KindOf(err) == handshake.KindUnknown {
				t.Errorf("KindOf(%v) = Unknown", err)
			}
		})
	}
}

func TestInitiatorStep1_Decode(t *testing.T) {
	m := &InitiatorStep1{
		Config:         Config4,
		AltConfigs:     []Config{Config1},
		KeyID:          0x4002,
		EncryptionType: message.EncryptionAES128CTRSHA1,
		PasswordSource: PasswordSourcePairingCode,
		Random:         bytes.Repeat([]byte{7}, RandomSize),
	}
	data := m.Encode()
	if _, err := DecodeInitiatorStep1(data[:len(data)-1]); !errors.Is(err, handshake.ErrInvalidMessage) {
		t.Errorf("truncated decode error = %v, want %v", err, handshake.ErrInvalidMessage)
	}
	if _, err := DecodeInitiatorStep1(append(data, 0)); !errors.Is(err, handshake.ErrInvalidMessage) {
		t.Errorf("trailing decode error = %v, want %v", err, handshake.ErrInvalidMessage)
	}
}
