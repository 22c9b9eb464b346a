package take

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// AuthMode is the auth mode of TAKE sessions.
const AuthMode = message.AuthModeTAKEIdentificationKey

// Role represents the TAKE participant role.
type Role int

const (
	// RoleChallenger initiates the handshake.
	RoleChallenger Role = iota
	// RoleToken responds.
	RoleToken
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleChallenger:
		return "Challenger"
	case RoleToken:
		return "Token"
	default:
		return "Unknown"
	}
}

// State represents the TAKE state machine.
type State int

const (
	StateInit State = iota
	StateWaitingIdentifyTokenResponse
	StateWaitingAuthenticateTokenResponse
	StateWaitingReAuthenticateTokenResponse
	StateWaitingAuthenticate
	StateComplete
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateWaitingIdentifyTokenResponse:
		return "WaitingIdentifyTokenResponse"
	case StateWaitingAuthenticateTokenResponse:
		return "WaitingAuthenticateTokenResponse"
	case StateWaitingReAuthenticateTokenResponse:
		return "WaitingReAuthenticateTokenResponse"
	case StateWaitingAuthenticate:
		return "WaitingAuthenticate"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ChallengerConfig configures the initiating side.
type ChallengerConfig struct {
	PeerNodeID uint64

	// KeyID and EncryptionType are ignored unless FlagEncryptCommPhase
	// is set.
	KeyID          uint16
	EncryptionType message.EncryptionType

	Flags          Flags
	Config         Config
	AllowedConfigs []Config

	Delegate ChallengerAuthDelegate

	// Cache, if set, fronts Delegate for authentication keys.
	Cache *AuthKeyCache

	Now  func() time.Time
	Rand io.Reader
}

// TokenConfig configures the responding side.
type TokenConfig struct {
	PeerNodeID     uint64
	AllowedConfigs []Config
	Delegate       TokenAuthDelegate

	// CheckKeyID rejects the proposed session key id before any key
	// agreement work. Optional.
	CheckKeyID func(keyID uint16) error

	Now  func() time.Time
	Rand io.Reader
}

// Session implements handshake.Engine for TAKE.
type Session struct {
	role  Role
	state State

	peerNodeID uint64
	keyID      uint16
	encType    message.EncryptionType
	flags      Flags
	config     Config
	allowed    []Config
	challenger ChallengerAuthDelegate
	token      TokenAuthDelegate
	checkKeyID func(uint16) error
	cache      *AuthKeyCache
	now        func() time.Time
	rand       io.Reader
	reconfig   handshake.ReconfigureGuard

	challengerID []byte
	ephemeral    *ecdh.PrivateKey
	identify     []byte // encoded IdentifyToken
	transcript   []byte
	ik           []byte
	authKey      []byte
	authEncKey   []byte
	akWrapKey    []byte
	sessionKey   []byte

	mu sync.Mutex
}

var _ handshake.Engine = (*Session)(nil)

// NewChallenger creates an initiator session.
func NewChallenger(config ChallengerConfig) (*Session, error) {
	if config.Delegate == nil {
		return nil, handshake.ErrNoAuthDelegate
	}
	if config.Flags.Has(FlagEncryptCommPhase) {
		if config.KeyID == 0 {
			return nil, handshake.ErrInvalidKeyID
		}
		if config.EncryptionType == message.EncryptionNone || !config.EncryptionType.IsValid() {
			return nil, handshake.ErrUnsupportedEncryption
		}
	} else {
		config.KeyID = 0
		config.EncryptionType = message.EncryptionNone
	}
	allowed := config.AllowedConfigs
	if len(allowed) == 0 {
		allowed = DefaultAllowedConfigs
	}
	proposed := config.Config
	if proposed == ConfigUnspecified {
		proposed = allowed[0]
	}
	if !proposed.IsValid() {
		return nil, handshake.Errorf(handshake.ErrInvalidArgument, "config %v", proposed)
	}
	s := &Session{
		role:       RoleChallenger,
		peerNodeID: config.PeerNodeID,
		keyID:      config.KeyID,
		encType:    config.EncryptionType,
		flags:      config.Flags,
		config:     proposed,
		allowed:    allowed,
		challenger: config.Delegate,
		cache:      config.Cache,
		now:        config.Now,
		rand:       config.Rand,
	}
	s.setDefaults()
	return s, nil
}

// NewToken creates a responder session.
func NewToken(config TokenConfig) (*Session, error) {
	if config.Delegate == nil {
		return nil, handshake.ErrNoAuthDelegate
	}
	allowed := config.AllowedConfigs
	if len(allowed) == 0 {
		allowed = DefaultAllowedConfigs
	}
	s := &Session{
		role:       RoleToken,
		peerNodeID: config.PeerNodeID,
		allowed:    allowed,
		token:      config.Delegate,
		checkKeyID: config.CheckKeyID,
		now:        config.Now,
		rand:       config.Rand,
	}
	s.setDefaults()
	return s, nil
}

func (s *Session) setDefaults() {
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
}

// Protocol implements handshake.Engine.
func (s *Session) Protocol() handshake.Protocol {
	return handshake.ProtocolTAKE
}

// Role returns the session role.
func (s *Session) Role() Role {
	return s.role
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the configuration in use.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Start implements handshake.Engine.
func (s *Session) Start() handshake.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleChallenger || s.state != StateInit {
		return s.fail(handshake.ErrUnexpectedMessage)
	}
	if s.flags.Has(FlagSendChallengerID) {
		id, err := s.challenger.GetChallengerID()
		if err != nil {
			return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "challenger id: %v", err))
		}
		s.challengerID = id
	}
	msg, err := s.buildIdentifyToken()
	if err != nil {
		return s.fail(err)
	}
	s.state = StateWaitingIdentifyTokenResponse
	return handshake.Send(msg)
}

// Process implements handshake.Engine.
func (s *Session) Process(msg handshake.Message) handshake.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.role == RoleToken && s.state == StateInit && msg.Type == handshake.MsgTypeTAKEIdentifyToken:
		return s.handleIdentifyToken(msg.Payload)
	case s.state == StateWaitingIdentifyTokenResponse && msg.Type == handshake.MsgTypeTAKETokenReconfigure:
		return s.handleReconfigure(msg.Payload)
	case s.state == StateWaitingIdentifyTokenResponse && msg.Type == handshake.MsgTypeTAKEIdentifyTokenResponse:
		return s.handleIdentifyTokenResponse(msg.Payload)
	case s.state == StateWaitingAuthenticate && msg.Type == handshake.MsgTypeTAKEAuthenticateToken:
		return s.handleAuthenticateToken(msg.Payload)
	case s.state == StateWaitingAuthenticate && msg.Type == handshake.MsgTypeTAKEReAuthenticateToken:
		return s.handleReAuthenticateToken(msg.Payload)
	case s.state == StateWaitingAuthenticateTokenResponse && msg.Type == handshake.MsgTypeTAKEAuthenticateTokenResponse:
		return s.handleAuthenticateTokenResponse(msg.Payload)
	case s.state == StateWaitingReAuthenticateTokenResponse && msg.Type == handshake.MsgTypeTAKEReAuthenticateTokenResponse:
		return s.handleReAuthenticateTokenResponse(msg.Payload)
	default:
		return s.fail(handshake.Errorf(handshake.ErrUnexpectedMessage, "%s in state %s",
			handshake.MessageTypeName(msg.Type), s.state))
	}
}

// Abort implements handshake.Engine.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipe()
	if s.state != StateComplete {
		s.state = StateFailed
	}
}

func (s *Session) buildIdentifyToken() (handshake.Message, error) {
	eph, err := crypto.GenerateECDHKey(s.config.Curve(), s.rand)
	if err != nil {
		return handshake.Message{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return handshake.Message{}, err
	}
	m := &IdentifyToken{
		Flags:              s.flags,
		Config:             s.config,
		KeyID:              s.keyID,
		EncryptionType:     s.encType,
		ChallengerID:       s.challengerID,
		Nonce:              nonce,
		EphemeralPublicKey: eph.PublicKey().Bytes(),
	}
	s.ephemeral = eph
	s.identify = m.Encode()
	return handshake.Message{Type: handshake.MsgTypeTAKEIdentifyToken, Payload: s.identify}, nil
}

func (s *Session) handleIdentifyToken(payload []byte) handshake.Action {
	m, err := DecodeIdentifyToken(payload)
	if err != nil {
		return s.fail(err)
	}
	if m.Flags.Has(FlagEncryptCommPhase) {
		if m.KeyID == 0 {
			return s.fail(handshake.ErrInvalidKeyID)
		}
		if s.checkKeyID != nil {
			if err := s.checkKeyID(m.KeyID); err != nil {
				return s.fail(err)
			}
		}
		if m.EncryptionType == message.EncryptionNone || !m.EncryptionType.IsValid() {
			return s.fail(handshake.ErrUnsupportedEncryption)
		}
	}
	if !containsConfig(s.allowed, m.Config) {
		c := s.allowed[0]
		s.state = StateComplete
		return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(c), Curve: c.Curve()},
			handshake.Message{Type: handshake.MsgTypeTAKETokenReconfigure, Payload: encodeConfig(c)})
	}
	s.flags = m.Flags
	s.config = m.Config
	s.challengerID = m.ChallengerID
	if s.flags.Has(FlagEncryptCommPhase) {
		s.keyID = m.KeyID
		s.encType = m.EncryptionType
	}
	s.identify = append([]byte(nil), payload...)

	ik, err := s.token.GetIdentificationKey(m.ChallengerID)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "identification key: %v", err))
	}
	s.ik = s.effectiveIK(ik)
	crypto.Zeroize(ik)

	eph, err := crypto.GenerateECDHKey(s.config.Curve(), s.rand)
	if err != nil {
		return s.fail(err)
	}
	s.ephemeral = eph
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return s.fail(err)
	}
	resp := &IdentifyTokenResponse{
		Config:             s.config,
		Nonce:              nonce,
		EphemeralPublicKey: eph.PublicKey().Bytes(),
	}
	body := resp.body()
	if err := s.deriveKeys(m.EphemeralPublicKey, body); err != nil {
		return s.fail(err)
	}
	resp.Proof = crypto.HMAC(crypto.SHA256, s.ik, []byte(tokenIdentifyLabel), s.transcript)

	s.state = StateWaitingAuthenticate
	return handshake.Send(handshake.Message{Type: handshake.MsgTypeTAKEIdentifyTokenResponse, Payload: resp.Encode()})
}

func (s *Session) handleReconfigure(payload []byte) handshake.Action {
	c, err := decodeConfig(payload)
	if err != nil {
		return s.fail(err)
	}
	if !s.reconfig.Allow() {
		return s.fail(handshake.ErrTooManyReconfigurations)
	}
	if c == s.config || !containsConfig(s.allowed, c) {
		return s.fail(handshake.Errorf(handshake.ErrNoCommonConfig, "token proposed %v", c))
	}
	s.config = c
	msg, err := s.buildIdentifyToken()
	if err != nil {
		return s.fail(err)
	}
	return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(c), Curve: c.Curve()}, msg)
}

func (s *Session) handleIdentifyTokenResponse(payload []byte) handshake.Action {
	resp, body, err := DecodeIdentifyTokenResponse(payload)
	if err != nil {
		return s.fail(err)
	}
	if resp.Config != s.config {
		return s.fail(handshake.Errorf(handshake.ErrInvalidMessage, "config %v, proposed %v", resp.Config, s.config))
	}
	ik, err := s.challenger.GetIdentificationKey(s.peerNodeID)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "identification key: %v", err))
	}
	s.ik = s.effectiveIK(ik)
	crypto.Zeroize(ik)

	if err := s.deriveKeys(resp.EphemeralPublicKey, body); err != nil {
		return s.fail(err)
	}
	expected := crypto.HMAC(crypto.SHA256, s.ik, []byte(tokenIdentifyLabel), s.transcript)
	if !crypto.HMACEqual(expected, resp.Proof) {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "token identification proof"))
	}

	authKey, err := s.lookupAuthKey()
	if err != nil {
		return s.fail(err)
	}
	if authKey != nil {
		s.authKey = authKey
		proof := crypto.HMAC(crypto.SHA256, authKey, []byte(challengerReauthLabel), s.transcript)
		out, err := s.seal(handshake.MsgTypeTAKEReAuthenticateToken, encodeProof(proof))
		if err != nil {
			return s.fail(err)
		}
		s.state = StateWaitingReAuthenticateTokenResponse
		return handshake.Send(handshake.Message{Type: handshake.MsgTypeTAKEReAuthenticateToken, Payload: out})
	}

	proof := crypto.HMAC(crypto.SHA256, s.ik, []byte(challengerAuthLabel), s.transcript)
	out, err := s.seal(handshake.MsgTypeTAKEAuthenticateToken, encodeProof(proof))
	if err != nil {
		return s.fail(err)
	}
	s.state = StateWaitingAuthenticateTokenResponse
	return handshake.Send(handshake.Message{Type: handshake.MsgTypeTAKEAuthenticateToken, Payload: out})
}

func (s *Session) lookupAuthKey() ([]byte, error) {
	if s.cache != nil {
		if key, ok := s.cache.Get(s.peerNodeID); ok {
			return key, nil
		}
	}
	key, err := s.challenger.GetTokenAuthKey(s.peerNodeID)
	if err != nil {
		return nil, handshake.Errorf(handshake.ErrAuthenticationFailed, "auth key: %v", err)
	}
	if key != nil && s.cache != nil {
		s.cache.Add(s.peerNodeID, key)
	}
	return key, nil
}

func (s *Session) handleAuthenticateToken(payload []byte) handshake.Action {
	plain, err := s.open(handshake.MsgTypeTAKEAuthenticateToken, payload)
	if err != nil {
		return s.fail(err)
	}
	proof, err := decodeProof(plain)
	if err != nil {
		return s.fail(err)
	}
	expected := crypto.HMAC(crypto.SHA256, s.ik, []byte(challengerAuthLabel), s.transcript)
	if !crypto.HMACEqual(expected, proof) {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "challenger proof"))
	}

	authKey, err := s.token.GetAuthKey(s.challengerID)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "auth key: %v", err))
	}
	wrapped, err := crypto.AESCTRXOR(s.akWrapKey, s.iv(0), authKey)
	crypto.Zeroize(authKey)
	if err != nil {
		return s.fail(err)
	}
	sig, err := s.token.GenerateSignature(append(append([]byte(nil), s.transcript...), wrapped...))
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "sign: %v", err))
	}
	resp := &AuthenticateTokenResponse{Signature: sig, WrappedAuthKey: wrapped}
	out, err := s.seal(handshake.MsgTypeTAKEAuthenticateTokenResponse, resp.encode())
	if err != nil {
		return s.fail(err)
	}
	return handshake.Complete(s.result(),
		handshake.Message{Type: handshake.MsgTypeTAKEAuthenticateTokenResponse, Payload: out})
}

func (s *Session) handleAuthenticateTokenResponse(payload []byte) handshake.Action {
	plain, err := s.open(handshake.MsgTypeTAKEAuthenticateTokenResponse, payload)
	if err != nil {
		return s.fail(err)
	}
	resp, err := decodeAuthenticateTokenResponse(plain)
	if err != nil {
		return s.fail(err)
	}
	curve, pub, err := s.challenger.GetTokenPublicKey(s.peerNodeID)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "token key: %v", err))
	}
	signed := append(append([]byte(nil), s.transcript...), resp.WrappedAuthKey...)
	if err := crypto.Verify(curve, pub, crypto.SHA256, signed, resp.Signature); err != nil {
		return s.fail(handshake.ErrInvalidSignature)
	}
	authKey, err := crypto.AESCTRXOR(s.akWrapKey, s.iv(0), resp.WrappedAuthKey)
	if err != nil {
		return s.fail(err)
	}
	defer crypto.Zeroize(authKey)
	if err := s.challenger.StoreTokenAuthKey(s.peerNodeID, authKey); err != nil {
		return s.fail(handshake.Errorf(handshake.ErrNoMemory, "store auth key: %v", err))
	}
	if s.cache != nil {
		s.cache.Add(s.peerNodeID, authKey)
	}
	return handshake.Complete(s.result())
}

func (s *Session) handleReAuthenticateToken(payload []byte) handshake.Action {
	plain, err := s.open(handshake.MsgTypeTAKEReAuthenticateToken, payload)
	if err != nil {
		return s.fail(err)
	}
	proof, err := decodeProof(plain)
	if err != nil {
		return s.fail(err)
	}
	authKey, err := s.token.GetAuthKey(s.challengerID)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "auth key: %v", err))
	}
	s.authKey = authKey
	expected := crypto.HMAC(crypto.SHA256, authKey, []byte(challengerReauthLabel), s.transcript)
	if !crypto.HMACEqual(expected, proof) {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "challenger reauthentication proof"))
	}
	mine := crypto.HMAC(crypto.SHA256, authKey, []byte(tokenReauthLabel), s.transcript)
	out, err := s.seal(handshake.MsgTypeTAKEReAuthenticateTokenResponse, encodeProof(mine))
	if err != nil {
		return s.fail(err)
	}
	return handshake.Complete(s.result(),
		handshake.Message{Type: handshake.MsgTypeTAKEReAuthenticateTokenResponse, Payload: out})
}

func (s *Session) handleReAuthenticateTokenResponse(payload []byte) handshake.Action {
	plain, err := s.open(handshake.MsgTypeTAKEReAuthenticateTokenResponse, payload)
	if err != nil {
		return s.fail(err)
	}
	proof, err := decodeProof(plain)
	if err != nil {
		return s.fail(err)
	}
	expected := crypto.HMAC(crypto.SHA256, s.authKey, []byte(tokenReauthLabel), s.transcript)
	if !crypto.HMACEqual(expected, proof) {
		if s.cache != nil {
			s.cache.Remove(s.peerNodeID)
		}
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "token reauthentication proof"))
	}
	return handshake.Complete(s.result())
}

// effectiveIK derives the IK for the current period when FlagTimeLimitedIK
// is set.
func (s *Session) effectiveIK(ik []byte) []byte {
	if !s.flags.Has(FlagTimeLimitedIK) {
		return append([]byte(nil), ik...)
	}
	period := binary.LittleEndian.AppendUint32(nil, uint32(s.now().Unix()/IKPeriod))
	return crypto.HMAC(crypto.SHA256, ik, []byte(timeLimitedIKLabel), period)
}

// deriveKeys fixes the transcript and expands the ECDH secret into the
// auth phase key, the AK wrapping key and the session key.
func (s *Session) deriveKeys(peerPub, responseBody []byte) error {
	secret, err := crypto.ECDH(s.config.Curve(), s.ephemeral, peerPub)
	if err != nil {
		return handshake.Errorf(handshake.ErrInvalidPublicKey, "%v", err)
	}
	defer crypto.Zeroize(secret)

	s.transcript = crypto.SHA256.Sum(s.identify, responseBody)
	okm, err := crypto.HKDF(crypto.SHA256, secret, s.transcript, []byte(keyInfo),
		authEncKeySize+akWrapKeySize+SessionKeySize)
	if err != nil {
		return err
	}
	s.authEncKey = okm[:authEncKeySize]
	s.akWrapKey = okm[authEncKeySize : authEncKeySize+akWrapKeySize]
	s.sessionKey = okm[authEncKeySize+akWrapKeySize:]
	return nil
}

func (s *Session) iv(msgType uint8) []byte {
	return crypto.SHA256.Sum(s.transcript, []byte{msgType})[:crypto.AESCTRIVSize]
}

// seal encrypts an auth phase payload when FlagEncryptAuthPhase is set.
func (s *Session) seal(msgType uint8, payload []byte) ([]byte, error) {
	if !s.flags.Has(FlagEncryptAuthPhase) {
		return payload, nil
	}
	return crypto.AESCTRXOR(s.authEncKey, s.iv(msgType), payload)
}

func (s *Session) open(msgType uint8, payload []byte) ([]byte, error) {
	return s.seal(msgType, payload)
}

func (s *Session) result() *handshake.Result {
	r := &handshake.Result{
		Protocol:   handshake.ProtocolTAKE,
		PeerNodeID: s.peerNodeID,
		AuthMode:   AuthMode,
	}
	if s.flags.Has(FlagEncryptCommPhase) {
		r.KeyID = s.keyID
		r.EncryptionType = s.encType
		r.SessionKey = append([]byte(nil), s.sessionKey...)
	}
	s.state = StateComplete
	s.wipe()
	return r
}

func (s *Session) fail(err error) handshake.Action {
	s.state = StateFailed
	s.wipe()
	return handshake.Fail(err)
}

func (s *Session) wipe() {
	for _, b := range [][]byte{s.ik, s.authKey, s.authEncKey, s.akWrapKey, s.sessionKey} {
		crypto.Zeroize(b)
	}
	s.ik, s.authKey, s.authEncKey, s.akWrapKey, s.sessionKey = nil, nil, nil, nil, nil
	s.ephemeral = nil
}
