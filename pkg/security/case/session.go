package casesession

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// Role represents the CASE participant role.
type Role int

const (
	// RoleInitiator sends BeginSessionRequest.
	RoleInitiator Role = iota
	// RoleResponder answers it.
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

// State represents the CASE state machine.
type State int

const (
	StateInit State = iota
	StateWaitingBeginSessionResponse
	StateWaitingInitiatorKeyConfirm
	StateComplete
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateWaitingBeginSessionResponse:
		return "WaitingBeginSessionResponse"
	case StateWaitingInitiatorKeyConfirm:
		return "WaitingInitiatorKeyConfirm"
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

	// TerminatingNodeID, if non-zero, is recorded as the key's peer
	// instead of PeerNodeID.
	TerminatingNodeID uint64

	// Config and Curve are the initial proposal. Unspecified values take
	// the first entry of the allowed lists.
	Config Config
	Curve  crypto.Curve

	AllowedConfigs []Config
	AllowedCurves  []crypto.Curve

	PerformKeyConfirm bool

	AuthDelegate AuthDelegate

	Rand io.Reader
}

// ResponderConfig configures a responder session.
type ResponderConfig struct {
	LocalNodeID    uint64
	PeerNodeID     uint64
	AllowedConfigs []Config
	AllowedCurves  []crypto.Curve

	// RequireKeyConfirm forces the key confirmation round trip even when
	// the initiator did not ask for it.
	RequireKeyConfirm bool

	AuthDelegate AuthDelegate

	// CheckKeyID rejects a proposed key id before any key agreement work.
	// Optional.
	CheckKeyID func(keyID uint16) error

	Rand io.Reader
}

// Session implements handshake.Engine for CASE.
type Session struct {
	role  Role
	state State

	localNodeID       uint64
	peerNodeID        uint64
	terminatingNodeID uint64
	keyID             uint16
	encType           message.EncryptionType
	config            Config
	curve             crypto.Curve
	allowedConfigs    []Config
	allowedCurves     []crypto.Curve
	keyConfirm        bool
	requireKeyConfirm bool
	delegate          AuthDelegate
	checkKeyID        func(uint16) error
	rand              io.Reader
	reconfig          handshake.ReconfigureGuard

	ephemeral    *ecdh.PrivateKey
	request      []byte // encoded BeginSessionRequest
	sessionKey   []byte
	kck          []byte
	peerAuthMode message.AuthMode

	mu sync.Mutex
}

var _ handshake.Engine = (*Session)(nil)

// NewInitiator creates an initiator session.
func NewInitiator(config InitiatorConfig) (*Session, error) {
	if config.AuthDelegate == nil {
		return nil, handshake.ErrNoAuthDelegate
	}
	if config.KeyID == 0 {
		return nil, handshake.ErrInvalidKeyID
	}
	if config.EncryptionType == message.EncryptionNone || !config.EncryptionType.IsValid() {
		return nil, handshake.ErrUnsupportedEncryption
	}
	configs := config.AllowedConfigs
	if len(configs) == 0 {
		configs = DefaultAllowedConfigs
	}
	curves := config.AllowedCurves
	if len(curves) == 0 {
		curves = DefaultAllowedCurves
	}
	proposed := config.Config
	if proposed == ConfigUnspecified {
		proposed = configs[0]
	}
	curve := config.Curve
	if curve == 0 {
		curve = curves[0]
	}
	if !proposed.IsValid() || !curve.IsValid() {
		return nil, handshake.Errorf(handshake.ErrInvalidArgument, "config %v curve %v", proposed, curve)
	}
	s := &Session{
		role:              RoleInitiator,
		localNodeID:       config.LocalNodeID,
		peerNodeID:        config.PeerNodeID,
		terminatingNodeID: config.TerminatingNodeID,
		keyID:             config.KeyID,
		encType:           config.EncryptionType,
		config:            proposed,
		curve:             curve,
		allowedConfigs:    configs,
		allowedCurves:     curves,
		keyConfirm:        config.PerformKeyConfirm,
		delegate:          config.AuthDelegate,
		rand:              config.Rand,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

// NewResponder creates a responder session.
func NewResponder(config ResponderConfig) (*Session, error) {
	if config.AuthDelegate == nil {
		return nil, handshake.ErrNoAuthDelegate
	}
	configs := config.AllowedConfigs
	if len(configs) == 0 {
		configs = DefaultAllowedConfigs
	}
	curves := config.AllowedCurves
	if len(curves) == 0 {
		curves = DefaultAllowedCurves
	}
	s := &Session{
		role:              RoleResponder,
		localNodeID:       config.LocalNodeID,
		peerNodeID:        config.PeerNodeID,
		allowedConfigs:    configs,
		allowedCurves:     curves,
		requireKeyConfirm: config.RequireKeyConfirm,
		delegate:          config.AuthDelegate,
		checkKeyID:        config.CheckKeyID,
		rand:              config.Rand,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

// Protocol implements handshake.Engine.
func (s *Session) Protocol() handshake.Protocol {
	return handshake.ProtocolCASE
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

// Negotiated returns the configuration and curve in use.
func (s *Session) Negotiated() (Config, crypto.Curve) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, s.curve
}

// Start implements handshake.Engine.
func (s *Session) Start() handshake.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleInitiator || s.state != StateInit {
		return s.fail(handshake.ErrUnexpectedMessage)
	}
	msg, err := s.buildRequest()
	if err != nil {
		return s.fail(err)
	}
	s.state = StateWaitingBeginSessionResponse
	return handshake.Send(msg)
}

// Process implements handshake.Engine.
func (s *Session) Process(msg handshake.Message) handshake.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.role == RoleResponder && s.state == StateInit && msg.Type == handshake.MsgTypeCASEBeginSessionRequest:
		return s.handleRequest(msg.Payload)
	case s.state == StateWaitingBeginSessionResponse && msg.Type == handshake.MsgTypeCASEReconfigure:
		return s.handleReconfigure(msg.Payload)
	case s.state == StateWaitingBeginSessionResponse && msg.Type == handshake.MsgTypeCASEBeginSessionResponse:
		return s.handleResponse(msg.Payload)
	case s.state == StateWaitingInitiatorKeyConfirm && msg.Type == handshake.MsgTypeCASEInitiatorKeyConfirm:
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

func (s *Session) buildRequest() (handshake.Message, error) {
	eph, err := crypto.GenerateECDHKey(s.curve, s.rand)
	if err != nil {
		return handshake.Message{}, err
	}
	certInfo, err := s.delegate.GetNodeCertInfo(true)
	if err != nil {
		return handshake.Message{}, handshake.Errorf(handshake.ErrAuthenticationFailed, "cert info: %v", err)
	}
	req := &BeginSessionRequest{
		Config:             s.config,
		Curve:              s.curve,
		KeyID:              s.keyID,
		EncryptionType:     s.encType,
		PerformKeyConfirm:  s.keyConfirm,
		InitiatorNodeID:    s.localNodeID,
		EphemeralPublicKey: eph.PublicKey().Bytes(),
		CertInfo:           certInfo,
	}
	for _, c := range s.allowedConfigs {
		if c != s.config {
			req.AltConfigs = append(req.AltConfigs, c)
		}
	}
	for _, c := range s.allowedCurves {
		if c != s.curve {
			req.AltCurves = append(req.AltCurves, c)
		}
	}
	sig, err := s.delegate.GenerateNodeSignature(req.body(), s.config.Hash())
	if err != nil {
		return handshake.Message{}, handshake.Errorf(handshake.ErrAuthenticationFailed, "sign: %v", err)
	}
	req.Signature = sig

	s.ephemeral = eph
	s.request = req.Encode()
	return handshake.Message{Type: handshake.MsgTypeCASEBeginSessionRequest, Payload: s.request}, nil
}

func (s *Session) handleRequest(payload []byte) handshake.Action {
	req, body, err := DecodeBeginSessionRequest(payload)
	if err != nil {
		return s.fail(err)
	}
	if req.KeyID == 0 {
		return s.fail(handshake.ErrInvalidKeyID)
	}
	if s.checkKeyID != nil {
		if err := s.checkKeyID(req.KeyID); err != nil {
			return s.fail(err)
		}
	}
	if req.EncryptionType == message.EncryptionNone || !req.EncryptionType.IsValid() {
		return s.fail(handshake.ErrUnsupportedEncryption)
	}

	if !containsConfig(s.allowedConfigs, req.Config) || !containsCurve(s.allowedCurves, req.Curve) {
		config, curve, ok := s.selectAlternate(req)
		if !ok {
			return s.fail(handshake.ErrNoCommonConfig)
		}
		s.state = StateComplete
		return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(config), Curve: curve},
			handshake.Message{Type: handshake.MsgTypeCASEReconfigure, Payload: encodeReconfigure(config, curve)})
	}
	s.config = req.Config
	s.curve = req.Curve
	s.keyID = req.KeyID
	s.encType = req.EncryptionType
	s.keyConfirm = req.PerformKeyConfirm || s.requireKeyConfirm
	s.request = append([]byte(nil), payload...)
	if s.peerNodeID == 0 {
		s.peerNodeID = req.InitiatorNodeID
	} else if req.InitiatorNodeID != s.peerNodeID {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed,
			"initiator %016X sent from %016X", req.InitiatorNodeID, s.peerNodeID))
	}

	if err := s.verifyPeer(req.CertInfo, body, req.Signature); err != nil {
		return s.fail(err)
	}

	eph, err := crypto.GenerateECDHKey(s.curve, s.rand)
	if err != nil {
		return s.fail(err)
	}
	s.ephemeral = eph
	if err := s.deriveKeys(req.EphemeralPublicKey, eph.PublicKey().Bytes()); err != nil {
		return s.fail(err)
	}

	certInfo, err := s.delegate.GetNodeCertInfo(false)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "cert info: %v", err))
	}
	resp := &BeginSessionResponse{
		EphemeralPublicKey: eph.PublicKey().Bytes(),
		CertInfo:           certInfo,
	}
	if s.keyConfirm {
		resp.KeyConfirmHash = s.confirmation(responderKCLabel)
	}
	alg := s.config.Hash()
	sig, err := s.delegate.GenerateNodeSignature(append(resp.body(), alg.Sum(s.request)...), alg)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "sign: %v", err))
	}
	resp.Signature = sig
	out := handshake.Message{Type: handshake.MsgTypeCASEBeginSessionResponse, Payload: resp.Encode()}

	if s.keyConfirm {
		s.state = StateWaitingInitiatorKeyConfirm
		return handshake.Send(out)
	}
	return handshake.Complete(s.result(), out)
}

// selectAlternate picks the first locally preferred config and curve that
// the initiator offered.
func (s *Session) selectAlternate(req *BeginSessionRequest) (Config, crypto.Curve, bool) {
	offeredConfigs := append([]Config{req.Config}, req.AltConfigs...)
	offeredCurves := append([]crypto.Curve{req.Curve}, req.AltCurves...)

	var config Config
	for _, c := range s.allowedConfigs {
		if containsConfig(offeredConfigs, c) {
			config = c
			break
		}
	}
	var curve crypto.Curve
	for _, c := range s.allowedCurves {
		if containsCurve(offeredCurves, c) {
			curve = c
			break
		}
	}
	return config, curve, config != ConfigUnspecified && curve != 0
}

func (s *Session) handleReconfigure(payload []byte) handshake.Action {
	config, curve, err := decodeReconfigure(payload)
	if err != nil {
		return s.fail(err)
	}
	if !s.reconfig.Allow() {
		return s.fail(handshake.ErrTooManyReconfigurations)
	}
	if !containsConfig(s.allowedConfigs, config) || !containsCurve(s.allowedCurves, curve) ||
		(config == s.config && curve == s.curve) {
		return s.fail(handshake.Errorf(handshake.ErrNoCommonConfig, "peer proposed %v/%v", config, curve))
	}
	s.config = config
	s.curve = curve
	msg, err := s.buildRequest()
	if err != nil {
		return s.fail(err)
	}
	return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(config), Curve: curve}, msg)
}

func (s *Session) handleResponse(payload []byte) handshake.Action {
	resp, body, err := DecodeBeginSessionResponse(payload)
	if err != nil {
		return s.fail(err)
	}
	alg := s.config.Hash()
	if err := s.verifyPeer(resp.CertInfo, append(body, alg.Sum(s.request)...), resp.Signature); err != nil {
		return s.fail(err)
	}
	if err := s.deriveKeys(resp.EphemeralPublicKey, resp.EphemeralPublicKey); err != nil {
		return s.fail(err)
	}
	if len(resp.KeyConfirmHash) > 0 {
		if !crypto.HMACEqual(resp.KeyConfirmHash, s.confirmation(responderKCLabel)) {
			return s.fail(handshake.ErrKeyConfirmationFailed)
		}
		s.keyConfirm = true
	} else if s.keyConfirm {
		return s.fail(handshake.Errorf(handshake.ErrKeyConfirmationFailed, "missing responder confirmation"))
	}

	if !s.keyConfirm {
		return handshake.Complete(s.result())
	}
	kc := s.confirmation(initiatorKCLabel)
	return handshake.Complete(s.result(), handshake.Message{
		Type:    handshake.MsgTypeCASEInitiatorKeyConfirm,
		Payload: handshake.NewWriter(len(kc) + 1).PutBytes(kc).Bytes(),
	})
}

func (s *Session) handleKeyConfirm(payload []byte) handshake.Action {
	r := handshake.NewReader(payload)
	kc := r.Bytes()
	if err := r.Done(); err != nil {
		return s.fail(err)
	}
	if !crypto.HMACEqual(kc, s.confirmation(initiatorKCLabel)) {
		return s.fail(handshake.ErrKeyConfirmationFailed)
	}
	return handshake.Complete(s.result())
}

// verifyPeer validates the peer certificate info through the delegate and
// checks its signature over signed.
func (s *Session) verifyPeer(certInfo, signed, signature []byte) error {
	peer, err := s.delegate.BeginValidation(s.peerNodeID, certInfo, s.role == RoleInitiator)
	if err != nil {
		s.delegate.EndValidation(s.peerNodeID, err)
		return handshake.Errorf(handshake.ErrAuthenticationFailed, "%v", err)
	}
	err = crypto.Verify(peer.Curve, peer.PublicKey, s.config.Hash(), signed, signature)
	s.delegate.EndValidation(s.peerNodeID, err)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidPublicKey) {
			return handshake.ErrInvalidPublicKey
		}
		return handshake.ErrInvalidSignature
	}
	s.peerAuthMode = peer.AuthMode
	return nil
}

// deriveKeys runs ECDH against peerPub and expands the shared secret into
// the session key and the key confirmation key. The salt binds the request
// and the responder's ephemeral key.
func (s *Session) deriveKeys(peerPub, responderPub []byte) error {
	secret, err := crypto.ECDH(s.curve, s.ephemeral, peerPub)
	if err != nil {
		return handshake.Errorf(handshake.ErrInvalidPublicKey, "%v", err)
	}
	defer crypto.Zeroize(secret)

	alg := s.config.Hash()
	salt := alg.Sum(s.request, responderPub)
	okm, err := crypto.HKDF(alg, secret, salt, []byte(keyInfo), SessionKeySize+alg.Size())
	if err != nil {
		return err
	}
	s.sessionKey = okm[:SessionKeySize]
	s.kck = okm[SessionKeySize:]
	return nil
}

func (s *Session) confirmation(label string) []byte {
	alg := s.config.Hash()
	return crypto.HMAC(alg, s.kck, []byte(label), alg.Sum(s.request))
}

func (s *Session) result() *handshake.Result {
	peer := s.peerNodeID
	if s.terminatingNodeID != 0 {
		peer = s.terminatingNodeID
	}
	r := &handshake.Result{
		Protocol:       handshake.ProtocolCASE,
		PeerNodeID:     peer,
		KeyID:          s.keyID,
		EncryptionType: s.encType,
		AuthMode:       s.peerAuthMode,
		SessionKey:     append([]byte(nil), s.sessionKey...),
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
	crypto.Zeroize(s.sessionKey)
	crypto.Zeroize(s.kck)
	s.sessionKey, s.kck = nil, nil
	s.ephemeral = nil
}
