package take

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake/handshaketest"
)

const tokenNode uint64 = 0x18B4300000000021

var (
	testIK       = bytes.Repeat([]byte{0x1C}, 16)
	testMaster   = bytes.Repeat([]byte{0x2D}, 32)
	challengerID = []byte("phone-1")
	fixedNow     = func() time.Time { return time.Unix(1_700_000_000, 0) }
)

type fixture struct {
	challenger *MemoryChallengerDelegate
	token      *StaticTokenDelegate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateSigningKey(crypto.CurveP256)
	if err != nil {
		t.Fatalf("GenerateSigningKey() error = %v", err)
	}
	f := &fixture{
		challenger: NewMemoryChallengerDelegate(challengerID),
		token:      NewStaticTokenDelegate(testIK, testMaster, key),
	}
	f.challenger.AddToken(tokenNode, testIK, crypto.CurveP256, key.PublicKey())
	return f
}

func (f *fixture) newChallenger(t *testing.T, flags Flags, mutate func(*ChallengerConfig)) *Session {
	t.Helper()
	cfg := ChallengerConfig{
		PeerNodeID:     tokenNode,
		KeyID:          0x6001,
		EncryptionType: message.EncryptionAES128CTRSHA1,
		Flags:          flags,
		Delegate:       f.challenger,
		Now:            fixedNow,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewChallenger(cfg)
	if err != nil {
		t.Fatalf("NewChallenger() error = %v", err)
	}
	return s
}

func (f *fixture) tokens(t *testing.T, allowed ...Config) func() handshake.Engine {
	return func() handshake.Engine {
		s, err := NewToken(TokenConfig{
			AllowedConfigs: allowed,
			Delegate:       f.token,
			Now:            fixedNow,
		})
		if err != nil {
			t.Fatalf("NewToken() error = %v", err)
		}
		return s
	}
}

func mustComplete(t *testing.T, out handshaketest.Outcome) (*handshake.Result, *handshake.Result) {
	t.Helper()
	if out.Initiator == nil || out.Initiator.Kind != handshake.ActionComplete {
		t.Fatalf("challenger outcome = %+v, want Complete", out.Initiator)
	}
	if out.Responder == nil || out.Responder.Kind != handshake.ActionComplete {
		t.Fatalf("token outcome = %+v, want Complete", out.Responder)
	}
	return out.Initiator.Result, out.Responder.Result
}

func TestTAKE_FirstAuthenticationThenReauthentication(t *testing.T) {
	f := newFixture(t)
	flags := FlagEncryptCommPhase | FlagSendChallengerID

	out := handshaketest.Run(f.newChallenger(t, flags, nil), f.tokens(t))
	cr, tr := mustComplete(t, out)
	if !bytes.Equal(cr.SessionKey, tr.SessionKey) || len(cr.SessionKey) != SessionKeySize {
		t.Fatal("session keys differ")
	}
	if cr.KeyID != 0x6001 || tr.KeyID != 0x6001 {
		t.Errorf("KeyID = %#x/%#x, want 0x6001", cr.KeyID, tr.KeyID)
	}
	if cr.AuthMode != message.AuthModeTAKEIdentificationKey {
		t.Errorf("AuthMode = %v", cr.AuthMode)
	}

	stored, err := f.challenger.GetTokenAuthKey(tokenNode)
	if err != nil || stored == nil {
		t.Fatalf("GetTokenAuthKey() = %x, %v; want stored key", stored, err)
	}
	want, _ := f.token.GetAuthKey(challengerID)
	if !bytes.Equal(stored, want) {
		t.Errorf("stored auth key = %x, want %x", stored, want)
	}

	challenger := f.newChallenger(t, flags, nil)
	out = handshaketest.Run(challenger, f.tokens(t))
	cr, tr = mustComplete(t, out)
	if !bytes.Equal(cr.SessionKey, tr.SessionKey) {
		t.Error("reauthenticated session keys differ")
	}
	if out.Messages != 4 {
		t.Errorf("Messages = %d, want 4", out.Messages)
	}
}

func TestTAKE_Flags(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
	}{
		{"EncryptAuthPhase", FlagEncryptAuthPhase | FlagEncryptCommPhase},
		{"TimeLimitedIK", FlagTimeLimitedIK | FlagEncryptCommPhase | FlagSendChallengerID},
		{"All", FlagEncryptAuthPhase | FlagEncryptCommPhase | FlagTimeLimitedIK | FlagSendChallengerID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for round := 0; round < 2; round++ {
				cr, tr := mustComplete(t, handshaketest.Run(f.newChallenger(t, tt.flags, nil), f.tokens(t)))
				if !bytes.Equal(cr.SessionKey, tr.SessionKey) {
					t.Errorf("round %d: session keys differ", round)
				}
			}
		})
	}
}

func TestTAKE_NoCommPhaseEncryption(t *testing.T) {
	f := newFixture(t)
	cr, tr := mustComplete(t, handshaketest.Run(f.newChallenger(t, 0, nil), f.tokens(t)))
	for _, r := range []*handshake.Result{cr, tr} {
		if r.KeyID != 0 || r.SessionKey != nil || r.EncryptionType != message.EncryptionNone {
			t.Errorf("result = %+v, want no key", r)
		}
	}
}

func TestTAKE_TokenReconfigure(t *testing.T) {
	f := newFixture(t)
	challenger := f.newChallenger(t, FlagEncryptCommPhase, func(c *ChallengerConfig) {
		c.Config = Config2
	})
	out := handshaketest.Run(challenger, f.tokens(t, Config1))
	mustComplete(t, out)
	if out.Reconfigurations != 1 || out.Responders != 2 {
		t.Errorf("Reconfigurations = %d, Responders = %d; want 1, 2", out.Reconfigurations, out.Responders)
	}
	if got := challenger.Config(); got != Config1 {
		t.Errorf("Config() = %v, want %v", got, Config1)
	}
}

func TestTAKE_SecondReconfigureFails(t *testing.T) {
	f := newFixture(t)
	challenger := f.newChallenger(t, 0, nil)
	challenger.Start()

	reconf := handshake.Message{Type: handshake.MsgTypeTAKETokenReconfigure, Payload: encodeConfig(Config2)}
	if act := challenger.Process(reconf); act.Kind != handshake.ActionReconfigure {
		t.Fatalf("first reconfigure = %v, want Reconfigure", act.Kind)
	}
	reconf.Payload = encodeConfig(Config1)
	act := challenger.Process(reconf)
	if act.Kind != handshake.ActionFail || !errors.Is(act.Err, handshake.ErrTooManyReconfigurations) {
		t.Errorf("second reconfigure = %v %v, want Fail ErrTooManyReconfigurations", act.Kind, act.Err)
	}
}

func TestTAKE_WrongIdentificationKey(t *testing.T) {
	f := newFixture(t)
	f.challenger.AddToken(tokenNode, bytes.Repeat([]byte{0xEE}, 16), crypto.CurveP256, nil)

	out := handshaketest.Run(f.newChallenger(t, FlagEncryptCommPhase, nil), f.tokens(t))
	if out.Initiator == nil || !errors.Is(out.Initiator.Err, handshake.ErrAuthenticationFailed) {
		t.Fatalf("challenger outcome = %+v, want ErrAuthenticationFailed", out.Initiator)
	}
	if out.Responder != nil {
		t.Errorf("token outcome = %+v, want still waiting", out.Responder)
	}
}

func TestTAKE_UnknownChallenger(t *testing.T) {
	f := newFixture(t)
	f.token.Challengers = map[string]bool{"someone-else": true}

	out := handshaketest.Run(f.newChallenger(t, FlagSendChallengerID, nil), f.tokens(t))
	if out.Responder == nil || out.Responder.Kind != handshake.ActionFail {
		t.Fatalf("token outcome = %+v, want Fail", out.Responder)
	}
	if handshake.KindOf(out.Responder.Err) != handshake.KindCryptographic {
		t.Errorf("KindOf() = %v, want Cryptographic", handshake.KindOf(out.Responder.Err))
	}
}

func TestTAKE_AuthKeyCache(t *testing.T) {
	f := newFixture(t)
	cache, err := NewAuthKeyCache(4)
	if err != nil {
		t.Fatalf("NewAuthKeyCache() error = %v", err)
	}
	withCache := func(c *ChallengerConfig) { c.Cache = cache }

	mustComplete(t, handshaketest.Run(f.newChallenger(t, FlagEncryptCommPhase, withCache), f.tokens(t)))
	if cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1", cache.Len())
	}

	// The cached key still drives reauthentication once the delegate
	// forgets it.
	f.challenger.ForgetAuthKey(tokenNode)
	out := handshaketest.Run(f.newChallenger(t, FlagEncryptCommPhase, withCache), f.tokens(t))
	mustComplete(t, out)
	if stored, _ := f.challenger.GetTokenAuthKey(tokenNode); stored != nil {
		t.Error("reauthentication stored a new auth key")
	}
}

func TestAuthKeyCache_Eviction(t *testing.T) {
	cache, err := NewAuthKeyCache(1)
	if err != nil {
		t.Fatalf("NewAuthKeyCache() error = %v", err)
	}
	cache.Add(1, []byte{1, 2, 3})
	cache.Add(2, []byte{4, 5, 6})
	if _, ok := cache.Get(1); ok {
		t.Error("Get(1) found evicted key")
	}
	if key, ok := cache.Get(2); !ok || !bytes.Equal(key, []byte{4, 5, 6}) {
		t.Errorf("Get(2) = %x, %v", key, ok)
	}
}

func TestDecodeIdentifyToken_BadNonce(t *testing.T) {
	m := &IdentifyToken{Config: Config1, Nonce: []byte{1, 2, 3}}
	if _, err := DecodeIdentifyToken(m.Encode()); !errors.Is(err, handshake.ErrInvalidMessage) {
		t.Errorf("DecodeIdentifyToken() error = %v, want ErrInvalidMessage", err)
	}
}
