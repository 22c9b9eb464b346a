package keyexport

import (
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"sync"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// Role represents the key export participant role.
type Role int

const (
	// RoleRequester asks for a key.
	RoleRequester Role = iota
	// RoleExporter holds the key.
	RoleExporter
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleRequester:
		return "Requester"
	case RoleExporter:
		return "Exporter"
	default:
		return "Unknown"
	}
}

// State represents the key export state machine.
type State int

const (
	StateInit State = iota
	StateWaitingResponse
	StateComplete
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateWaitingResponse:
		return "WaitingResponse"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RequesterConfig configures the initiating side.
type RequesterConfig struct {
	PeerNodeID     uint64
	KeyID          uint32
	Config         Config
	AllowedConfigs []Config
	SignMessages   bool
	Delegate       Delegate
	Rand           io.Reader
}

// ExporterConfig configures the responding side.
type ExporterConfig struct {
	PeerNodeID     uint64
	AllowedConfigs []Config
	Delegate       Delegate
	Rand           io.Reader
}

// Session implements handshake.Engine for key export.
type Session struct {
	role  Role
	state State

	peerNodeID uint64
	keyID      uint32
	config     Config
	allowed    []Config
	sign       bool
	delegate   Delegate
	rand       io.Reader
	reconfig   handshake.ReconfigureGuard

	ephemeral *ecdh.PrivateKey
	request   []byte // signed body of the request

	mu sync.Mutex
}

var _ handshake.Engine = (*Session)(nil)

// NewRequester creates an initiator session.
func NewRequester(config RequesterConfig) (*Session, error) {
	if config.Delegate == nil {
		return nil, handshake.ErrNoAuthDelegate
	}
	if config.KeyID == 0 {
		return nil, handshake.ErrInvalidKeyID
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
		role:       RoleRequester,
		peerNodeID: config.PeerNodeID,
		keyID:      config.KeyID,
		config:     proposed,
		allowed:    allowed,
		sign:       config.SignMessages,
		delegate:   config.Delegate,
		rand:       config.Rand,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

// NewExporter creates a responder session.
func NewExporter(config ExporterConfig) (*Session, error) {
	if config.Delegate == nil {
		return nil, handshake.ErrNoAuthDelegate
	}
	allowed := config.AllowedConfigs
	if len(allowed) == 0 {
		allowed = DefaultAllowedConfigs
	}
	s := &Session{
		role:       RoleExporter,
		peerNodeID: config.PeerNodeID,
		allowed:    allowed,
		delegate:   config.Delegate,
		rand:       config.Rand,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

// Protocol implements handshake.Engine.
func (s *Session) Protocol() handshake.Protocol {
	return handshake.ProtocolKeyExport
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
	if s.role != RoleRequester || s.state != StateInit {
		return s.fail(handshake.ErrUnexpectedMessage)
	}
	msg, err := s.buildRequest()
	if err != nil {
		return s.fail(err)
	}
	s.state = StateWaitingResponse
	return handshake.Send(msg)
}

// Process implements handshake.Engine.
func (s *Session) Process(msg handshake.Message) handshake.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.role == RoleExporter && s.state == StateInit && msg.Type == handshake.MsgTypeKeyExportRequest:
		return s.handleRequest(msg.Payload)
	case s.state == StateWaitingResponse && msg.Type == handshake.MsgTypeKeyExportReconfigure:
		return s.handleReconfigure(msg.Payload)
	case s.state == StateWaitingResponse && msg.Type == handshake.MsgTypeKeyExportResponse:
		return s.handleResponse(msg.Payload)
	default:
		return s.fail(handshake.Errorf(handshake.ErrUnexpectedMessage, "%s in state %s",
			handshake.MessageTypeName(msg.Type), s.state))
	}
}

// Abort implements handshake.Engine.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ephemeral = nil
	if s.state != StateComplete {
		s.state = StateFailed
	}
}

func (s *Session) buildRequest() (handshake.Message, error) {
	eph, err := crypto.GenerateECDHKey(s.config.Curve(), s.rand)
	if err != nil {
		return handshake.Message{}, err
	}
	req := &Request{
		Config:             s.config,
		KeyID:              s.keyID,
		SignMessages:       s.sign,
		EphemeralPublicKey: eph.PublicKey().Bytes(),
	}
	for _, c := range s.allowed {
		if c != s.config {
			req.AltConfigs = append(req.AltConfigs, c)
		}
	}
	body := req.body()
	if s.sign {
		sig, err := s.delegate.GenerateSignature(body)
		if err != nil {
			return handshake.Message{}, handshake.Errorf(handshake.ErrAuthenticationFailed, "sign: %v", err)
		}
		req.Signature = sig
	}
	s.ephemeral = eph
	s.request = body
	return handshake.Message{Type: handshake.MsgTypeKeyExportRequest, Payload: req.Encode()}, nil
}

func (s *Session) handleRequest(payload []byte) handshake.Action {
	req, body, err := DecodeRequest(payload)
	if err != nil {
		return s.fail(err)
	}
	if !containsConfig(s.allowed, req.Config) {
		for _, c := range s.allowed {
			if containsConfig(req.AltConfigs, c) {
				s.state = StateComplete
				return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(c), Curve: c.Curve()},
					handshake.Message{Type: handshake.MsgTypeKeyExportReconfigure, Payload: encodeConfig(c)})
			}
		}
		return s.fail(handshake.ErrNoCommonConfig)
	}
	s.config = req.Config
	s.keyID = req.KeyID
	s.sign = req.SignMessages
	s.request = body

	if req.SignMessages {
		if err := s.delegate.VerifySignature(s.peerNodeID, body, req.Signature); err != nil {
			return s.fail(handshake.ErrInvalidSignature)
		}
	}
	if err := s.delegate.ValidateRequest(s.peerNodeID, req.KeyID); err != nil {
		return s.fail(handshake.Errorf(handshake.ErrUnauthorizedKeyExport, "key %08X: %v", req.KeyID, err))
	}
	secret, err := s.delegate.GetSecretKey(req.KeyID)
	if err != nil {
		return s.fail(handshake.Errorf(handshake.ErrUnauthorizedKeyExport, "key %08X: %v", req.KeyID, err))
	}
	defer crypto.Zeroize(secret)

	eph, err := crypto.GenerateECDHKey(s.config.Curve(), s.rand)
	if err != nil {
		return s.fail(err)
	}
	s.ephemeral = eph
	resp := &Response{
		ExportedKeyID:      req.KeyID,
		EphemeralPublicKey: eph.PublicKey().Bytes(),
	}
	encKey, macKey, err := s.deriveKeys(req.EphemeralPublicKey)
	if err != nil {
		return s.fail(err)
	}
	defer crypto.Zeroize(encKey)
	defer crypto.Zeroize(macKey)

	resp.EncryptedKey, err = crypto.AESCTRXOR(encKey, s.iv(resp.EphemeralPublicKey), secret)
	if err != nil {
		return s.fail(err)
	}
	resp.MAC = crypto.HMAC(crypto.SHA256, macKey, resp.macBody())
	if s.sign {
		sig, err := s.delegate.GenerateSignature(resp.body())
		if err != nil {
			return s.fail(handshake.Errorf(handshake.ErrAuthenticationFailed, "sign: %v", err))
		}
		resp.Signature = sig
	}

	result := s.result(req.KeyID, nil)
	return handshake.Complete(result, handshake.Message{Type: handshake.MsgTypeKeyExportResponse, Payload: resp.Encode()})
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
	msg, err := s.buildRequest()
	if err != nil {
		return s.fail(err)
	}
	return handshake.Reconfigure(handshake.Reconfiguration{Config: uint32(c), Curve: c.Curve()}, msg)
}

func (s *Session) handleResponse(payload []byte) handshake.Action {
	resp, body, err := DecodeResponse(payload)
	if err != nil {
		return s.fail(err)
	}
	if resp.ExportedKeyID != s.keyID {
		return s.fail(handshake.Errorf(handshake.ErrInvalidMessage, "exported key %08X, requested %08X",
			resp.ExportedKeyID, s.keyID))
	}
	if s.sign {
		if err := s.delegate.VerifySignature(s.peerNodeID, body, resp.Signature); err != nil {
			return s.fail(handshake.ErrInvalidSignature)
		}
	}
	encKey, macKey, err := s.deriveKeys(resp.EphemeralPublicKey)
	if err != nil {
		return s.fail(err)
	}
	defer crypto.Zeroize(encKey)
	defer crypto.Zeroize(macKey)

	if !crypto.HMACEqual(crypto.HMAC(crypto.SHA256, macKey, resp.macBody()), resp.MAC) {
		return s.fail(handshake.ErrAuthenticationFailed)
	}
	key, err := crypto.AESCTRXOR(encKey, s.iv(resp.EphemeralPublicKey), resp.EncryptedKey)
	if err != nil {
		return s.fail(err)
	}
	return handshake.Complete(s.result(resp.ExportedKeyID, key))
}

// deriveKeys expands the ECDH secret into the key encryption and MAC keys.
// The salt binds the signed request body.
func (s *Session) deriveKeys(peerPub []byte) (encKey, macKey []byte, err error) {
	secret, err := crypto.ECDH(s.config.Curve(), s.ephemeral, peerPub)
	if err != nil {
		return nil, nil, handshake.Errorf(handshake.ErrInvalidPublicKey, "%v", err)
	}
	defer crypto.Zeroize(secret)

	okm, err := crypto.HKDF(crypto.SHA256, secret, crypto.SHA256.Sum(s.request), []byte(keyInfo), encKeySize+macKeySize)
	if err != nil {
		return nil, nil, err
	}
	return okm[:encKeySize], okm[encKeySize:], nil
}

func (s *Session) iv(exporterPub []byte) []byte {
	return crypto.SHA256.Sum(s.request, exporterPub)[:crypto.AESCTRIVSize]
}

func (s *Session) result(keyID uint32, key []byte) *handshake.Result {
	s.state = StateComplete
	s.ephemeral = nil
	return &handshake.Result{
		Protocol:      handshake.ProtocolKeyExport,
		PeerNodeID:    s.peerNodeID,
		ExportedKeyID: keyID,
		ExportedKey:   key,
	}
}

func (s *Session) fail(err error) handshake.Action {
	s.state = StateFailed
	s.ephemeral = nil
	return handshake.Fail(err)
}
