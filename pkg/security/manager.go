// Package security coordinates the establishment of secure Weave sessions.
//
// The Manager runs at most one establishment attempt at a time, in either
// role, using the PASE, CASE, TAKE or key export handshake. The handshake
// engines live in sub-packages and never touch the network; the Manager
// carries their messages over the exchange layer, arms the establishment
// timer, installs resulting keys in the session store and reports exactly
// one outcome per attempt.
//
//	Idle --Start*/unsolicited--> InProgress --complete/fail/timeout/cancel--> Idle
package security

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrjerryjohns/openweave-core/pkg/exchange"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	casesession "github.com/mrjerryjohns/openweave-core/pkg/security/case"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/security/keyexport"
	"github.com/mrjerryjohns/openweave-core/pkg/security/pase"
	"github.com/mrjerryjohns/openweave-core/pkg/security/take"
	"github.com/mrjerryjohns/openweave-core/pkg/session"
	"github.com/mrjerryjohns/openweave-core/pkg/system"
)

const tracerName = "github.com/mrjerryjohns/openweave-core/pkg/security"

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	// Layer runs timers and inbound processing. Required.
	Layer *system.Layer

	// Exchange carries handshake messages. Required.
	Exchange *exchange.Manager

	// KeyStore receives established keys. If nil, Init creates one sized
	// by Config.
	KeyStore *session.Store

	// PASEPassword enables the PASE responder.
	PASEPassword []byte

	// Delegates. A nil delegate disables the protocol role it serves.
	CASEAuthDelegate       casesession.AuthDelegate
	TAKEChallengerDelegate take.ChallengerAuthDelegate
	TAKETokenDelegate      take.TokenAuthDelegate
	KeyExportDelegate      keyexport.Delegate

	// Callbacks for Manager events.
	Callbacks Callbacks

	// Metrics, if set, is updated for every attempt.
	Metrics *Metrics

	// TracerProvider creates attempt spans. If nil, the global provider
	// is used.
	TracerProvider trace.TracerProvider

	// Rand overrides the random source of the engines.
	Rand io.Reader

	// LoggerFactory creates the manager logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Manager is the security manager. It is safe for concurrent use.
type Manager struct {
	layer         *system.Layer
	exchange      *exchange.Manager
	callbacks     Callbacks
	metrics       *Metrics
	tracer        trace.Tracer
	rand          io.Reader
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	timerID       system.TaskID

	mu        sync.Mutex
	state     State
	config    Config
	keys      *session.Store
	ownsKeys  bool
	limiter   *RateLimiter
	akCache   *take.AuthKeyCache
	password  []byte
	caseAuth  casesession.AuthDelegate
	takeAuth  take.ChallengerAuthDelegate
	tokenAuth take.TokenAuthDelegate
	keyExport keyexport.Delegate
	attempt   *attempt
	available []func()
}

// NewManager creates a Manager. Call Init before starting sessions.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		layer:         config.Layer,
		exchange:      config.Exchange,
		callbacks:     config.Callbacks,
		metrics:       config.Metrics,
		rand:          config.Rand,
		loggerFactory: config.LoggerFactory,
		timerID:       config.Layer.NewTaskID(),
		config:        DefaultConfig(),
		keys:          config.KeyStore,
		password:      slices.Clone(config.PASEPassword),
		caseAuth:      config.CASEAuthDelegate,
		takeAuth:      config.TAKEChallengerDelegate,
		tokenAuth:     config.TAKETokenDelegate,
		keyExport:     config.KeyExportDelegate,
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m.tracer = tp.Tracer(tracerName)
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("security")
	}
	return m
}

type unsolicitedRoute struct {
	profileID uint32
	msgType   uint8
}

func (m *Manager) routes() map[unsolicitedRoute]exchange.UnsolicitedHandler {
	return map[unsolicitedRoute]exchange.UnsolicitedHandler{
		{handshake.ProfileSecurity, handshake.MsgTypePASEInitiatorStep1}:      m.responderHandler(handshake.ProtocolPASE),
		{handshake.ProfileSecurity, handshake.MsgTypeCASEBeginSessionRequest}: m.responderHandler(handshake.ProtocolCASE),
		{handshake.ProfileSecurity, handshake.MsgTypeTAKEIdentifyToken}:       m.responderHandler(handshake.ProtocolTAKE),
		{handshake.ProfileSecurity, handshake.MsgTypeKeyExportRequest}:        m.responderHandler(handshake.ProtocolKeyExport),
		{handshake.ProfileSecurity, handshake.MsgTypeKeyError}:                m.handleKeyError,
		{handshake.ProfileSecurity, handshake.MsgTypeEndSession}:              m.handleEndSession,
	}
}

// Init applies config, creates the key store if needed and registers the
// responder handlers.
func (m *Manager) Init(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNotInitialized {
		return ErrAlreadyInitialized
	}

	if m.keys == nil {
		m.keys = session.NewStore(session.StoreConfig{
			Layer:         m.layer,
			IdleTimeout:   config.IdleSessionTimeout,
			MaxKeys:       config.MaxSessionKeys,
			OnEvicted:     m.onKeyEvicted,
			LoggerFactory: m.loggerFactory,
		})
		m.ownsKeys = true
	} else {
		m.keys.SetIdleTimeout(config.IdleSessionTimeout)
	}

	cache, err := take.NewAuthKeyCache(config.TAKE.AuthKeyCacheSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	m.akCache = cache

	m.limiter = NewRateLimiter(RateLimiterConfig{
		Layer:         m.layer,
		MaxAttempts:   config.RateLimit.MaxAttempts,
		Cooldown:      config.RateLimit.Cooldown,
		OnBlocked:     m.onRateLimited,
		LoggerFactory: m.loggerFactory,
	})

	var registered []unsolicitedRoute
	for route, h := range m.routes() {
		if err := m.exchange.RegisterUnsolicitedHandler(route.profileID, route.msgType, h); err != nil {
			for _, r := range registered {
				m.exchange.UnregisterUnsolicitedHandler(r.profileID, r.msgType)
			}
			return fmt.Errorf("security: register handler for type %d: %w", route.msgType, err)
		}
		registered = append(registered, route)
	}

	m.config = config
	m.state = StateIdle
	if m.log != nil {
		m.log.Infof("security manager initialized (establish timeout %v, idle timeout %v)",
			config.SessionEstablishTimeout, config.IdleSessionTimeout)
	}
	return nil
}

// Shutdown ends any attempt in progress with ErrSessionAborted, unregisters
// the responder handlers and wipes keys held by an owned key store.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.state == StateNotInitialized {
		m.mu.Unlock()
		return handshake.ErrNotInitialized
	}
	m.available = nil
	var notify func()
	if a := m.attempt; a != nil {
		notify = m.failLocked(a, handshake.ErrSessionAborted, nil)
	}
	m.state = StateNotInitialized

	for route := range m.routes() {
		m.exchange.UnregisterUnsolicitedHandler(route.profileID, route.msgType)
	}
	m.limiter.Stop()
	if m.ownsKeys {
		m.keys.Clear()
		m.keys = nil
		m.ownsKeys = false
	}
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
	if m.log != nil {
		m.log.Info("security manager shut down")
	}
	return nil
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsIdle reports whether a new attempt can start.
func (m *Manager) IsIdle() bool {
	return m.State() == StateIdle
}

// KeyStore returns the session key store, or nil before Init.
func (m *Manager) KeyStore() *session.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys
}

// RateLimiter returns the PASE rate limiter, or nil before Init.
func (m *Manager) RateLimiter() *RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limiter
}

// SetPASEPassword sets the password used by the PASE responder. An empty
// password disables the responder.
func (m *Manager) SetPASEPassword(password []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.password = slices.Clone(password)
}

// SetCASEAuthDelegate sets the CASE delegate for both roles.
func (m *Manager) SetCASEAuthDelegate(d casesession.AuthDelegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caseAuth = d
}

// SetTAKEAuthDelegate sets the TAKE challenger delegate.
func (m *Manager) SetTAKEAuthDelegate(d take.ChallengerAuthDelegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.takeAuth = d
}

// SetTAKETokenAuthDelegate sets the TAKE token delegate, enabling the
// token role.
func (m *Manager) SetTAKETokenAuthDelegate(d take.TokenAuthDelegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenAuth = d
}

// SetKeyExportDelegate sets the key export delegate for both roles.
func (m *Manager) SetKeyExportDelegate(d keyexport.Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyExport = d
}

// StartPASESession starts a PASE session as initiator.
func (m *Manager) StartPASESession(req PASERequest) error {
	if req.AuthMode != message.AuthModeNotSpecified && req.AuthMode != pase.AuthMode {
		return handshake.Errorf(handshake.ErrUnsupportedAuth, "%v is not a PASE auth mode", req.AuthMode)
	}
	if req.Conn == nil {
		return handshake.Errorf(handshake.ErrInvalidArgument, "PASE requires a connection")
	}
	password := slices.Clone(req.Password)
	return m.start(startParams{
		protocol:    handshake.ProtocolPASE,
		dest:        exchange.Destination{NodeID: req.PeerNodeID, Conn: req.Conn},
		authMode:    pase.AuthMode,
		state:       req.State,
		done:        req.Done,
		onAvailable: req.OnAvailable,
		newEngine: func(m *Manager, peer uint64, keyID uint16) (handshake.Engine, error) {
			defer clear(password)
			return pase.NewInitiator(pase.InitiatorConfig{
				LocalNodeID:    m.exchange.LocalNodeID(),
				PeerNodeID:     peer,
				KeyID:          keyID,
				EncryptionType: encryptionOrDefault(req.EncryptionType),
				Password:       password,
				Config:         req.Config,
				AllowedConfigs: m.config.PASE.AllowedConfigs,
				Rand:           m.rand,
			})
		},
	})
}

// StartCASESession starts a CASE session as initiator.
func (m *Manager) StartCASESession(req CASERequest) error {
	authMode := req.AuthMode
	if authMode == message.AuthModeNotSpecified {
		authMode = message.AuthModeCASEAnyCert
	}
	if !authMode.IsCASE() {
		return handshake.Errorf(handshake.ErrUnsupportedAuth, "%v is not a CASE auth mode", req.AuthMode)
	}
	return m.start(startParams{
		protocol:    handshake.ProtocolCASE,
		dest:        exchange.Destination{NodeID: req.PeerNodeID, Conn: req.Conn, Addr: req.Addr},
		authMode:    authMode,
		state:       req.State,
		done:        req.Done,
		onAvailable: req.OnAvailable,
		newEngine: func(m *Manager, peer uint64, keyID uint16) (handshake.Engine, error) {
			delegate := req.AuthDelegate
			if delegate == nil {
				delegate = m.caseAuth
			}
			return casesession.NewInitiator(casesession.InitiatorConfig{
				LocalNodeID:       m.exchange.LocalNodeID(),
				PeerNodeID:        peer,
				KeyID:             keyID,
				EncryptionType:    encryptionOrDefault(req.EncryptionType),
				TerminatingNodeID: req.TerminatingNodeID,
				Config:            req.Config,
				AllowedConfigs:    m.config.CASE.AllowedConfigs,
				AllowedCurves:     m.config.CASE.AllowedCurves,
				PerformKeyConfirm: m.config.CASE.PerformKeyConfirm,
				AuthDelegate:      delegate,
				Rand:              m.rand,
			})
		},
	})
}

// StartTAKESession starts a TAKE session as challenger.
func (m *Manager) StartTAKESession(req TAKERequest) error {
	if req.AuthMode != message.AuthModeNotSpecified && req.AuthMode != take.AuthMode {
		return handshake.Errorf(handshake.ErrUnsupportedAuth, "%v is not a TAKE auth mode", req.AuthMode)
	}
	if req.Conn == nil {
		return handshake.Errorf(handshake.ErrInvalidArgument, "TAKE requires a connection")
	}
	return m.start(startParams{
		protocol:    handshake.ProtocolTAKE,
		dest:        exchange.Destination{NodeID: req.PeerNodeID, Conn: req.Conn},
		authMode:    take.AuthMode,
		state:       req.State,
		done:        req.Done,
		onAvailable: req.OnAvailable,
		newEngine: func(m *Manager, peer uint64, keyID uint16) (handshake.Engine, error) {
			delegate := req.Delegate
			if delegate == nil {
				delegate = m.takeAuth
			}
			encType := message.EncryptionNone
			if req.EncryptCommPhase {
				encType = encryptionOrDefault(req.EncryptionType)
			} else {
				keyID = 0
			}
			return take.NewChallenger(take.ChallengerConfig{
				PeerNodeID:     peer,
				KeyID:          keyID,
				EncryptionType: encType,
				Flags:          req.flags(),
				AllowedConfigs: m.config.TAKE.AllowedConfigs,
				Delegate:       delegate,
				Cache:          m.akCache,
				Now:            m.layer.Now,
				Rand:           m.rand,
			})
		},
	})
}

// StartKeyExport requests the secret key KeyID from a peer.
func (m *Manager) StartKeyExport(req KeyExportRequest) error {
	return m.start(startParams{
		protocol:    handshake.ProtocolKeyExport,
		dest:        exchange.Destination{NodeID: req.PeerNodeID, Conn: req.Conn, Addr: req.Addr},
		state:       req.State,
		done:        req.Done,
		onAvailable: req.OnAvailable,
		noKeyID:     true,
		newEngine: func(m *Manager, peer uint64, _ uint16) (handshake.Engine, error) {
			delegate := req.Delegate
			if delegate == nil {
				delegate = m.keyExport
			}
			return keyexport.NewRequester(keyexport.RequesterConfig{
				PeerNodeID:     peer,
				KeyID:          req.KeyID,
				AllowedConfigs: m.config.KeyExport.AllowedConfigs,
				SignMessages:   req.SignMessages,
				Delegate:       delegate,
				Rand:           m.rand,
			})
		},
	})
}

// CancelSessionEstablishment abandons the initiator attempt started with
// state. No completion is delivered. Unknown states are ignored.
func (m *Manager) CancelSessionEstablishment(state any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.attempt
	if a == nil || !a.initiator || !sameState(a.state, state) {
		return
	}
	if m.log != nil {
		m.log.Debugf("%s attempt %s cancelled", a.protocol, a.id)
	}
	a.endSpan(errCancelled)
	m.observeOutcome(a, "cancelled")
	m.resetLocked(a)
}

type startParams struct {
	protocol    handshake.Protocol
	dest        exchange.Destination
	authMode    message.AuthMode
	state       any
	done        func(Result)
	onAvailable func()
	noKeyID     bool
	newEngine   func(m *Manager, peer uint64, keyID uint16) (handshake.Engine, error)
}

func (m *Manager) start(p startParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateNotInitialized:
		return handshake.ErrNotInitialized
	case StateInProgress:
		m.queueAvailableLocked(p.onAvailable)
		if m.metrics != nil {
			m.metrics.BusyRejections.WithLabelValues(p.protocol.String(), roleLabel(true)).Inc()
		}
		return handshake.ErrBusy
	}
	if p.done == nil {
		return handshake.Errorf(handshake.ErrInvalidArgument, "completion func required")
	}

	peer := p.dest.NodeID
	if peer == 0 && p.dest.Conn != nil {
		peer = p.dest.Conn.PeerNodeID()
	}
	if peer == 0 {
		return handshake.Errorf(handshake.ErrInvalidArgument, "peer node id unknown")
	}
	p.dest.NodeID = peer

	var keyID uint16
	if !p.noKeyID {
		id, err := m.keys.PeekKeyID(peer)
		if err != nil {
			return fmt.Errorf("%w: %w", handshake.ErrNoMemory, err)
		}
		keyID = id
	}

	engine, err := p.newEngine(m, peer, keyID)
	if err != nil {
		return err
	}
	if !p.noKeyID {
		m.keys.CommitKeyID(peer, keyID)
	}

	a := &attempt{
		manager:    m,
		id:         uuid.New(),
		protocol:   p.protocol,
		initiator:  true,
		engine:     engine,
		peerNodeID: peer,
		keyID:      keyID,
		authMode:   p.authMode,
		state:      p.state,
		done:       p.done,
	}
	ex, err := m.exchange.NewExchange(p.dest, a)
	if err != nil {
		engine.Abort()
		return err
	}
	a.ex = ex

	first := engine.Start()
	if first.Kind != handshake.ActionSend {
		ex.Close()
		engine.Abort()
		if first.Err != nil {
			return first.Err
		}
		return handshake.Errorf(handshake.ErrUnexpectedMessage, "engine started with %s", first.Kind)
	}

	m.beginLocked(a)
	if err := m.sendLocked(a, first.Messages); err != nil {
		a.endSpan(err)
		m.observeOutcome(a, "send_failed")
		m.resetLocked(a)
		return err
	}
	return nil
}

// beginLocked makes a the current attempt and arms the establishment timer.
func (m *Manager) beginLocked(a *attempt) {
	a.started = m.layer.Now()
	a.startSpan(m.tracer)
	m.attempt = a
	m.state = StateInProgress
	m.layer.StartTimerWithID(m.timerID, m.config.SessionEstablishTimeout, func() { m.onTimeout(a) })
	if m.metrics != nil {
		m.metrics.AttemptsTotal.WithLabelValues(a.protocol.String(), roleLabel(a.initiator)).Inc()
		m.metrics.ActiveAttempts.Inc()
	}
	if m.log != nil {
		m.log.Debugf("%s %s attempt %s with node %016X started",
			a.protocol, roleLabel(a.initiator), a.id, a.peerNodeID)
	}
}

// resetLocked returns the Manager to idle. It is idempotent and delivers
// no callbacks.
func (m *Manager) resetLocked(a *attempt) {
	if a.reset {
		return
	}
	a.reset = true
	a.done = nil
	a.engine.Abort()
	if a.ex != nil {
		a.ex.Close()
	}
	if m.attempt != a {
		return
	}
	m.layer.CancelTimer(m.timerID)
	m.attempt = nil
	if m.metrics != nil {
		m.metrics.ActiveAttempts.Dec()
	}
	if m.state == StateInProgress {
		m.state = StateIdle
		m.fireAvailableLocked()
	}
}

func (m *Manager) queueAvailableLocked(fn func()) {
	if fn == nil {
		fn = m.callbacks.OnAvailable
	}
	if fn != nil {
		m.available = append(m.available, fn)
	}
}

func (m *Manager) fireAvailableLocked() {
	for _, fn := range m.available {
		m.layer.ScheduleWork(fn)
	}
	m.available = nil
}

func (m *Manager) sendLocked(a *attempt, msgs []handshake.Message) error {
	for _, msg := range msgs {
		if err := a.ex.SendMessage(handshake.ProfileSecurity, msg.Type, msg.Payload); err != nil {
			return fmt.Errorf("security: send %s: %w", handshake.MessageTypeName(msg.Type), err)
		}
	}
	return nil
}

func (m *Manager) onRateLimited() {
	if m.metrics != nil {
		m.metrics.RateLimited.Inc()
	}
}

func (m *Manager) onKeyEvicted(ref session.KeyRef) {
	if m.log != nil {
		m.log.Debugf("idle key %04X for node %016X evicted", ref.KeyID, ref.PeerNodeID)
	}
	if cb := m.callbacks.OnSessionEnded; cb != nil {
		cb(ref.PeerNodeID, ref.KeyID)
	}
}

func encryptionOrDefault(e message.EncryptionType) message.EncryptionType {
	if e == message.EncryptionNone {
		return message.EncryptionAES128CTRSHA1
	}
	return e
}
