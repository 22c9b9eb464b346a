package pase

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/crypto/spake2p"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// Role represents the PASE participant role.
type Role int

const (
	// RoleInitiator starts the handshake.
	RoleInitiator Role = iota
	// RoleResponder answers InitiatorStep1.
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// State represents the PASE state machine.
type State int

const (
	StateInit State = iota
	// Initiator states.
	StateWaitingResponderStep1
	StateWaitingResponderStep2
	StateWaitingKeyConfirm
	// Responder states.
	StateWaitingInitiatorStep2
	StateComplete
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateWaitingResponderStep1:
		return "WaitingResponderStep1"
	case StateWaitingResponderStep2:
		return "WaitingResponderStep2"
	case StateWaitingKeyConfirm:
		return "WaitingKeyConfirm"
	case StateWaitingInitiatorStep2:
		return "WaitingInitiatorStep2"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// InitiatorConfig configures an initiator session.
type InitiatorConfig struct {
	LocalNodeID    uint64
	PeerNodeID     uint64
	KeyID          uint16
	EncryptionType message.EncryptionType
	Password       []byte
	PasswordSource uint8

	// Config is the proposed configuration. If unspecified, the first
	// entry of AllowedConfigs is proposed.
	Config Config

	// AllowedConfigs are offered as alternates.
	// If empty, DefaultAllowedConfigs is used.
	AllowedConfigs []Config

	// Rand overrides the random source.
	Rand io.Reader
}

// ResponderConfig configures a responder session.
type ResponderConfig struct {
	LocalNodeID uint64
	PeerNodeID  uint64
	Password    []byte

	// AllowedConfigs lists acceptable configurations in preference order.
	// If empty, DefaultAllowedConfigs is used.
	AllowedConfigs []Config

	// Limiter is consulted before InitiatorStep1 is processed. Optional.
	Limiter Limiter

	// CheckKeyID rejects a proposed key id before any key agreement work.
	// Optional.
	CheckKeyID func(keyID uint16) error

	// Rand overrides the random source.
	Rand io.Reader
}

// Session implements handshake.Engine for PASE.
type Session struct {
	role  Role
	state State

	localNodeID uint64
	peerNodeID  uint64
	password    []byte
	pwSource    uint8
	keyID       uint16
	encType     message.EncryptionType
	config      Config
	allowed     []Config
	limiter     Limiter
	checkKeyID  func(uint16) error
	rand        io.Reader
	reconfig    handshake.ReconfigureGuard

	step1 []byte // encoded InitiatorStep1
	salt  []byte
	party *spake2p.Party

	mu sync.Mutex
}

var _ handshake.Engine = (*Session)(nil)

// NewInitiator creates an initiator session.
func NewInitiator(config InitiatorConfig) (*Session, error) {
	if len(config.Password) == 0 {
		return nil, handshake.Errorf(handshake.ErrInvalidArgument, "empty password")
	}
	if config.KeyID == 0 {
		return nil, handshake.ErrInvalidKeyID
	}
	if config.EncryptionType == message.EncryptionNone || !config.EncryptionType.IsValid() {
		return nil, handshake.ErrUnsupportedEncryption
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
		role:        RoleInitiator,
		localNodeID: config.LocalNodeID,
		peerNodeID:  config.PeerNodeID,
		password:    append([]byte(nil), config.Password...),
		pwSource:    config.PasswordSource,
		keyID:       config.KeyID,
		encType:     config.EncryptionType,
		config:      proposed,
		allowed:     allowed,
		rand:        config.Rand,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

// NewResponder creates a responder session.
func NewResponder(config ResponderConfig) (*Session, error) {
	if len(config.Password) == 0 {
		return nil, handshake.Errorf(handshake.ErrInvalidArgument, "empty password")
	}
	allowed := config.AllowedConfigs
	if len(allowed) == 0 {
		allowed = DefaultAllowedConfigs
	}
	s := &Session{
		role:        RoleResponder,
		localNodeID: config.LocalNodeID,
		peerNodeID:  config.PeerNodeID,
		password:    append([]byte(nil), config.Password...),
		allowed:     allowed,
		limiter:     config.Limiter,
		checkKeyID:  config.CheckKeyID,
		rand:        config.Rand,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

// Protocol implements handshake.Engine.
func (s *Session) Protocol() handshake.Protocol {
	return handshake.ProtocolPASE
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
	if s.role != RoleInitiator || s.state != StateInit {
		return s.fail(handshake.ErrUnexpectedMessage)
	}
	msg, err := s.buildStep1()
	if err != nil {
		return s.fail(err)
	}
	s.state = StateWaitingResponderStep1
	return handshake.Send(msg)
}

// Process implements handshake.Engine.
func (s *Session) Process(msg handshake.Message) handshake.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.role == RoleResponder && s.state == StateInit && msg.Type == handshake.MsgTypePASEInitiatorStep1:
		return s.handleInitiatorStep1(msg.Payload)
	case s.state == StateWaitingResponderStep1 && msg.Type == handshake.MsgTypePASEResponderReconfigure:
		return s.handleReconfigure(msg.Payload)
	case s.state == StateWaitingResponderStep1 && msg.Type == handshake.MsgTypePASEResponderStep1:
		return s.handleResponderStep1(msg.Payload)
	case s.state == StateWaitingResponderStep2 && msg.Type == handshake.MsgTypePASEResponderStep2:
		return s.handleResponderStep2(msg.Payload)
	case s.state == StateWaitingInitiatorStep2 && msg.Type == handshake.MsgTypePASEInitiatorStep2:
		return s.handleInitiatorStep2(msg.Payload)
	case s.state == StateWaitingKeyConfirm && msg.Type == handshake.MsgTypePASEResponderKeyConfirm:
		return s.handleKeyConfirm(msg.Payload)
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

func (s *Session) buildStep1() (handshake.Message, error) {
	random := make([]byte, RandomSize)
	if _, err := io.ReadFull(s.rand, random); err != nil {
		return handshake.Message{}, err
	}
	var alts []Config
	for _, c := range s.allowed {
		if c != s.config {
			alts = append(alts, c)
		}
	}
	step1 := &InitiatorStep1{
		Config:         s.config,
		AltConfigs:     alts,
		KeyID:          s.keyID,
		EncryptionType: s.encType,
		PasswordSource: s.pwSource,
		Random:         random,
	}
	s.step1 = step1.Encode()
	return handshake.Message{Type: handshake.MsgTypePASEInitiatorStep1, Payload: s.step1}, nil
}

func (s *Session) handleInitiatorStep1(payload []byte) handshake.Action {
	if s.limiter != nil {
		if err := s.limiter.Check(); err != nil {
			return s.fail(err)
		}
	}
	step1, err := DecodeInitiatorStep1(payload)
	if err != nil {
		return s.fail(err)
	}
	if step1.KeyID == 0 {
		return s.fail(handshake.ErrInvalidKeyID)
	}
	if s.checkKeyID != nil {
		if err := s.checkKeyID(step1.KeyID); err != nil {
			return s.fail(err)
		}
	}
	if step1.EncryptionType == message.EncryptionNone || !step1.EncryptionType.IsValid() {
		return s.fail(handshake.ErrUnsupportedEncryption)
	}
	s.keyID = step1.KeyID
	s.encType = step1.EncryptionType

	if !containsConfig(s.allowed, step1.Config) {
		for _, c := range s.allowed {
			if containsConfig(step1.AltConfigs, c) {
				s.state = StateComplete
				return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(c)},
					handshake.Message{Type: handshake.MsgTypePASEResponderReconfigure, Payload: encodeConfig(c)})
			}
		}
		return s.fail(handshake.ErrNoCommonConfig)
	}
	s.config = step1.Config
	s.step1 = append([]byte(nil), payload...)

	s.salt = make([]byte, SaltSize)
	if _, err := io.ReadFull(s.rand, s.salt); err != nil {
		return s.fail(err)
	}
	step1Resp := encodeField(s.salt)

	w0, w1 := spake2p.DeriveW0W1(s.password, s.salt, s.config.Iterations())
	l := spake2p.ComputeL(w1)
	crypto.Zeroize(w1)
	party, err := spake2p.NewVerifier(s.context(step1Resp), s.initiatorID(), s.responderID(), w0, l)
	crypto.Zeroize(w0)
	if err != nil {
		return s.fail(err)
	}
	party.SetRandom(s.rand)
	s.party = party
	pB, err := party.Share()
	if err != nil {
		return s.fail(err)
	}

	s.state = StateWaitingInitiatorStep2
	return handshake.Send(
		handshake.Message{Type: handshake.MsgTypePASEResponderStep1, Payload: step1Resp},
		handshake.Message{Type: handshake.MsgTypePASEResponderStep2, Payload: encodeField(pB)},
	)
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
		return s.fail(handshake.Errorf(handshake.ErrNoCommonConfig, "peer proposed %v", c))
	}
	s.config = c
	msg, err := s.buildStep1()
	if err != nil {
		return s.fail(err)
	}
	return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(c)}, msg)
}

func (s *Session) handleResponderStep1(payload []byte) handshake.Action {
	salt, err := decodeField(payload, SaltSize)
	if err != nil {
		return s.fail(err)
	}
	s.salt = salt

	w0, w1 := spake2p.DeriveW0W1(s.password, s.salt, s.config.Iterations())
	s.party = spake2p.NewProver(s.context(payload), s.initiatorID(), s.responderID(), w0, w1)
	crypto.Zeroize(w0)
	crypto.Zeroize(w1)
	s.party.SetRandom(s.rand)

	s.state = StateWaitingResponderStep2
	return handshake.Send()
}

func (s *Session) handleResponderStep2(payload []byte) handshake.Action {
	pB, err := decodeField(payload, spake2p.PointSize)
	if err != nil {
		return s.fail(err)
	}
	pA, err := s.party.Share()
	if err != nil {
		return s.fail(err)
	}
	if err := s.party.Finish(pB); err != nil {
		return s.fail(handshake.Errorf(handshake.ErrInvalidPublicKey, "%v", err))
	}
	cA, err := s.party.Confirmation()
	if err != nil {
		return s.fail(err)
	}
	s.state = StateWaitingKeyConfirm
	return handshake.Send(handshake.Message{
		Type:    handshake.MsgTypePASEInitiatorStep2,
		Payload: encodeInitiatorStep2(pA, cA),
	})
}

func (s *Session) handleInitiatorStep2(payload []byte) handshake.Action {
	pA, cA, err := decodeInitiatorStep2(payload, spake2p.PointSize, spake2p.ConfirmationSize)
	if err != nil {
		return s.fail(err)
	}
	if err := s.party.Finish(pA); err != nil {
		return s.fail(handshake.Errorf(handshake.ErrInvalidPublicKey, "%v", err))
	}
	if err := s.party.VerifyPeer(cA); err != nil {
		return s.fail(handshake.ErrKeyConfirmationFailed)
	}
	cB, err := s.party.Confirmation()
	if err != nil {
		return s.fail(err)
	}
	result, err := s.result()
	if err != nil {
		return s.fail(err)
	}
	return handshake.Complete(result, handshake.Message{
		Type:    handshake.MsgTypePASEResponderKeyConfirm,
		Payload: encodeField(cB),
	})
}

func (s *Session) handleKeyConfirm(payload []byte) handshake.Action {
	cB, err := decodeField(payload, spake2p.ConfirmationSize)
	if err != nil {
		return s.fail(err)
	}
	if err := s.party.VerifyPeer(cB); err != nil {
		return s.fail(handshake.ErrKeyConfirmationFailed)
	}
	result, err := s.result()
	if err != nil {
		return s.fail(err)
	}
	return handshake.Complete(result)
}

func (s *Session) result() (*handshake.Result, error) {
	ke := s.party.SharedSecret()
	defer crypto.Zeroize(ke)
	key, err := crypto.HKDF(crypto.SHA256, ke, s.salt, []byte(sessionKeyInfo), SessionKeySize)
	if err != nil {
		return nil, err
	}
	s.state = StateComplete
	s.wipe()
	return &handshake.Result{
		Protocol:       handshake.ProtocolPASE,
		PeerNodeID:     s.peerNodeID,
		KeyID:          s.keyID,
		EncryptionType: s.encType,
		AuthMode:       AuthMode,
		SessionKey:     key,
	}, nil
}

// context binds the SPAKE2+ transcript to both opening messages.
func (s *Session) context(step1Resp []byte) []byte {
	return crypto.SHA256.Sum([]byte(contextPrefix), s.step1, step1Resp)
}

func (s *Session) initiatorID() []byte {
	if s.role == RoleInitiator {
		return nodeIDBytes(s.localNodeID)
	}
	return nodeIDBytes(s.peerNodeID)
}

func (s *Session) responderID() []byte {
	if s.role == RoleInitiator {
		return nodeIDBytes(s.peerNodeID)
	}
	return nodeIDBytes(s.localNodeID)
}

func nodeIDBytes(id uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, id)
}

func (s *Session) fail(err error) handshake.Action {
	s.state = StateFailed
	s.wipe()
	return handshake.Fail(err)
}

func (s *Session) wipe() {
	if s.party != nil {
		s.party.Wipe()
		s.party = nil
	}
	crypto.Zeroize(s.password)
}

// IsAuthenticationFailure reports whether err counts against the rate
// limiter.
func IsAuthenticationFailure(err error) bool {
	return errors.Is(err, handshake.ErrKeyConfirmationFailed)
}
