package security

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrjerryjohns/openweave-core/pkg/exchange"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	casesession "github.com/mrjerryjohns/openweave-core/pkg/security/case"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/security/keyexport"
	"github.com/mrjerryjohns/openweave-core/pkg/security/pase"
	"github.com/mrjerryjohns/openweave-core/pkg/security/take"
	"github.com/mrjerryjohns/openweave-core/pkg/session"
)

var errCancelled = errors.New("security: attempt cancelled")

// attempt is one session establishment in progress. It receives the
// events of its exchange.
type attempt struct {
	manager    *Manager
	id         uuid.UUID
	protocol   handshake.Protocol
	initiator  bool
	engine     handshake.Engine
	ex         *exchange.Exchange
	peerNodeID uint64
	keyID      uint16
	authMode   message.AuthMode
	state      any
	done       func(Result)
	started    time.Time
	span       trace.Span
	reset      bool
}

var _ exchange.Delegate = (*attempt)(nil)

// OnMessageReceived implements exchange.Delegate.
func (a *attempt) OnMessageReceived(_ *exchange.Exchange, msg *exchange.Message) {
	a.manager.handleMessage(a, msg)
}

// OnConnectionClosed implements exchange.Delegate.
func (a *attempt) OnConnectionClosed(_ *exchange.Exchange, err error) {
	a.manager.handleConnectionClosed(a, err)
}

func (a *attempt) result() Result {
	return Result{
		AttemptID:  a.id,
		Protocol:   a.protocol,
		Initiator:  a.initiator,
		PeerNodeID: a.peerNodeID,
		KeyID:      a.keyID,
		AuthMode:   a.authMode,
		State:      a.state,
	}
}

func (a *attempt) startSpan(tracer trace.Tracer) {
	_, a.span = tracer.Start(context.Background(), "security."+a.protocol.String(),
		trace.WithAttributes(
			attribute.String("weave.attempt_id", a.id.String()),
			attribute.String("weave.protocol", a.protocol.String()),
			attribute.String("weave.role", roleLabel(a.initiator)),
			attribute.String("weave.peer_node_id", fmt.Sprintf("%016X", a.peerNodeID)),
		))
}

func (a *attempt) endSpan(err error) {
	if a.span == nil {
		return
	}
	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	} else {
		a.span.SetStatus(codes.Ok, "")
	}
	a.span.End()
	a.span = nil
}

func (m *Manager) observeOutcome(a *attempt, outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.OutcomesTotal.WithLabelValues(a.protocol.String(), roleLabel(a.initiator), outcome).Inc()
	m.metrics.HandshakeDuration.WithLabelValues(a.protocol.String(), outcome).
		Observe(m.layer.Now().Sub(a.started).Seconds())
}

func kindLabel(err error) string {
	return strings.ToLower(handshake.KindOf(err).String())
}

// sameState reports whether two opaque attempt states are equal. Values of
// uncomparable types never match.
func sameState(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}

func (m *Manager) handleMessage(a *attempt, msg *exchange.Message) {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return
	}
	notify := m.processLocked(a, msg)
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (m *Manager) handleConnectionClosed(a *attempt, err error) {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return
	}
	if err == nil {
		err = handshake.ErrConnectionClosed
	} else {
		err = fmt.Errorf("%w: %w", handshake.ErrConnectionClosed, err)
	}
	notify := m.failLocked(a, err, nil)
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (m *Manager) onTimeout(a *attempt) {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return
	}
	if m.log != nil {
		m.log.Warnf("%s attempt %s with node %016X timed out", a.protocol, a.id, a.peerNodeID)
	}
	notify := m.failLocked(a, handshake.ErrTimeout, nil)
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// processLocked feeds one inbound message to the engine of a.
func (m *Manager) processLocked(a *attempt, msg *exchange.Message) func() {
	h := msg.Header
	if h.ProfileID == handshake.ProfileCommon && h.MessageType == handshake.MsgTypeStatusReport {
		sr, err := handshake.DecodeStatusReport(msg.Payload)
		if err != nil {
			return m.failLocked(a, handshake.Errorf(handshake.ErrInvalidMessage, "status report: %v", err), nil)
		}
		err = sr.Err()
		if err == nil {
			err = handshake.Errorf(handshake.ErrUnexpectedMessage, "success status report mid-handshake")
		}
		if m.log != nil {
			m.log.Debugf("%s attempt %s: peer sent %s", a.protocol, a.id, sr)
		}
		return m.failLocked(a, err, sr)
	}
	if h.ProfileID != handshake.ProfileSecurity {
		return m.failLocked(a, handshake.Errorf(handshake.ErrUnexpectedMessage,
			"profile %08X type %d", h.ProfileID, h.MessageType), nil)
	}
	act := a.engine.Process(handshake.Message{Type: h.MessageType, Payload: msg.Payload})
	return m.applyLocked(a, act)
}

// applyLocked carries out an engine action. The returned func, if any,
// delivers the outcome and must run after the lock is released.
func (m *Manager) applyLocked(a *attempt, act handshake.Action) func() {
	switch act.Kind {
	case handshake.ActionSend:
		if err := m.sendLocked(a, act.Messages); err != nil {
			return m.failLocked(a, err, nil)
		}
		return nil

	case handshake.ActionReconfigure:
		if m.metrics != nil {
			m.metrics.Reconfigurations.WithLabelValues(a.protocol.String()).Inc()
		}
		if err := m.sendLocked(a, act.Messages); err != nil {
			return m.failLocked(a, err, nil)
		}
		if a.initiator {
			if m.log != nil {
				m.log.Debugf("%s attempt %s reconfigured by peer", a.protocol, a.id)
			}
			return nil
		}
		// The initiator restarts on a new unsolicited exchange.
		if m.log != nil {
			m.log.Debugf("%s attempt %s: proposed reconfiguration to node %016X",
				a.protocol, a.id, a.peerNodeID)
		}
		a.endSpan(nil)
		m.observeOutcome(a, "reconfigured")
		m.resetLocked(a)
		return nil

	case handshake.ActionComplete:
		return m.completeLocked(a, act.Result, act.Messages)

	case handshake.ActionFail:
		err := act.Err
		if err == nil {
			err = handshake.ErrSessionAborted
		}
		if a.protocol == handshake.ProtocolPASE && !a.initiator && pase.IsAuthenticationFailure(err) {
			m.limiter.RecordFailure()
		}
		return m.failLocked(a, err, nil)
	}
	return m.failLocked(a, handshake.Errorf(handshake.ErrUnexpectedMessage, "unknown action %d", act.Kind), nil)
}

// completeLocked installs the session key before sending the final
// messages. A failed send evicts the key again.
func (m *Manager) completeLocked(a *attempt, res *handshake.Result, final []handshake.Message) func() {
	if res == nil {
		return m.failLocked(a, handshake.Errorf(handshake.ErrSessionAborted, "engine completed without result"), nil)
	}
	defer res.Wipe()

	if a.protocol == handshake.ProtocolCASE && a.initiator &&
		a.authMode != message.AuthModeCASEAnyCert && res.AuthMode != a.authMode {
		return m.failLocked(a, handshake.Errorf(handshake.ErrAuthenticationFailed,
			"peer authenticated as %v, want %v", res.AuthMode, a.authMode), nil)
	}

	installed := false
	if len(res.SessionKey) > 0 {
		if _, err := m.keys.Install(res.PeerNodeID, res.KeyID, res.SessionKey, res.EncryptionType, res.AuthMode); err != nil {
			return m.failLocked(a, keyStoreError(err), nil)
		}
		installed = true
	}
	if err := m.sendLocked(a, final); err != nil {
		if installed {
			_ = m.keys.Evict(res.PeerNodeID, res.KeyID)
		}
		return m.failLocked(a, err, nil)
	}
	if a.protocol == handshake.ProtocolPASE && !a.initiator {
		m.limiter.RecordSuccess()
	}

	r := a.result()
	r.PeerNodeID = res.PeerNodeID
	r.KeyID = res.KeyID
	r.EncryptionType = res.EncryptionType
	r.AuthMode = res.AuthMode
	r.ExportedKeyID = res.ExportedKeyID
	r.ExportedKey = res.ExportedKey
	if m.log != nil {
		m.log.Infof("%s session with node %016X established (key %04X)", a.protocol, r.PeerNodeID, r.KeyID)
	}
	return m.finishLocked(a, r)
}

// failLocked ends a with err. Responders report peer-visible failures to
// the peer unless the peer caused them with sr.
func (m *Manager) failLocked(a *attempt, err error, sr *handshake.StatusReport) func() {
	if !a.initiator && sr == nil && handshake.KindOf(err).IsPeerVisible() &&
		!errors.Is(err, handshake.ErrConnectionClosed) {
		report := handshake.StatusForError(err)
		if sendErr := a.ex.SendMessage(handshake.ProfileCommon, handshake.MsgTypeStatusReport, report.Encode()); sendErr != nil && m.log != nil {
			m.log.Warnf("failed to send status report to node %016X: %v", a.peerNodeID, sendErr)
		}
	}
	if m.log != nil {
		m.log.Debugf("%s attempt %s with node %016X failed: %v", a.protocol, a.id, a.peerNodeID, err)
	}
	r := a.result()
	r.Err = err
	r.StatusReport = sr
	return m.finishLocked(a, r)
}

// finishLocked resets the Manager and returns the completion for r.
func (m *Manager) finishLocked(a *attempt, r Result) func() {
	if a.reset {
		return nil
	}
	done := a.done
	a.endSpan(r.Err)
	m.observeOutcome(a, outcomeLabel(r.Err))
	m.resetLocked(a)

	if a.initiator {
		if done == nil {
			return nil
		}
		return func() { done(r) }
	}
	cb := m.callbacks.OnSessionEstablished
	if r.Err != nil {
		cb = m.callbacks.OnSessionError
	}
	if cb == nil {
		return nil
	}
	return func() { cb(r) }
}

// keyIDChecker rejects key ids already installed for peer.
func (m *Manager) keyIDChecker(peer uint64) func(uint16) error {
	return func(keyID uint16) error {
		if m.keys.Contains(peer, keyID) {
			return handshake.Errorf(handshake.ErrDuplicateKeyID, "key %04X for node %016X", keyID, peer)
		}
		return nil
	}
}

func keyStoreError(err error) error {
	switch {
	case errors.Is(err, session.ErrDuplicateKey):
		return fmt.Errorf("%w: %w", handshake.ErrDuplicateKeyID, err)
	case errors.Is(err, session.ErrInvalidKeyID):
		return fmt.Errorf("%w: %w", handshake.ErrInvalidKeyID, err)
	case errors.Is(err, session.ErrInvalidKey):
		return fmt.Errorf("%w: %w", handshake.ErrUnsupportedEncryption, err)
	default:
		return fmt.Errorf("%w: %w", handshake.ErrNoMemory, err)
	}
}

// responderHandler returns the unsolicited handler that starts a responder
// attempt for protocol.
func (m *Manager) responderHandler(protocol handshake.Protocol) exchange.UnsolicitedHandler {
	return func(ex *exchange.Exchange, msg *exchange.Message) {
		m.mu.Lock()
		if m.state != StateIdle {
			busy := m.state == StateInProgress
			m.mu.Unlock()
			if busy {
				if m.metrics != nil {
					m.metrics.BusyRejections.WithLabelValues(protocol.String(), roleLabel(false)).Inc()
				}
				m.rejectUnsolicited(ex, handshake.ErrBusy)
			} else {
				ex.Close()
			}
			return
		}

		engine, authMode, err := m.newResponderLocked(protocol, ex.PeerNodeID())
		if err != nil {
			m.mu.Unlock()
			if m.log != nil {
				m.log.Debugf("refusing %s from node %016X: %v", protocol, ex.PeerNodeID(), err)
			}
			m.rejectUnsolicited(ex, err)
			return
		}

		a := &attempt{
			manager:    m,
			id:         uuid.New(),
			protocol:   protocol,
			engine:     engine,
			ex:         ex,
			peerNodeID: ex.PeerNodeID(),
			authMode:   authMode,
		}
		ex.SetDelegate(a)
		m.beginLocked(a)
		notify := m.processLocked(a, msg)
		m.mu.Unlock()

		if notify != nil {
			notify()
		}
	}
}

// rejectUnsolicited answers an unsolicited handshake message that starts no
// attempt. Missing local configuration is reported as an unsupported
// message.
func (m *Manager) rejectUnsolicited(ex *exchange.Exchange, err error) {
	report := handshake.StatusForError(err)
	if handshake.KindOf(err) == handshake.KindConfiguration {
		report = &handshake.StatusReport{ProfileID: handshake.ProfileCommon, StatusCode: handshake.StatusUnsupportedMsg}
	}
	if sendErr := ex.SendMessage(handshake.ProfileCommon, handshake.MsgTypeStatusReport, report.Encode()); sendErr != nil && m.log != nil {
		m.log.Warnf("failed to send status report to node %016X: %v", ex.PeerNodeID(), sendErr)
	}
	ex.Close()
}

func (m *Manager) newResponderLocked(protocol handshake.Protocol, peer uint64) (handshake.Engine, message.AuthMode, error) {
	switch protocol {
	case handshake.ProtocolPASE:
		if len(m.password) == 0 {
			return nil, 0, handshake.Errorf(handshake.ErrInvalidArgument, "no PASE password")
		}
		s, err := pase.NewResponder(pase.ResponderConfig{
			LocalNodeID:    m.exchange.LocalNodeID(),
			PeerNodeID:     peer,
			Password:       m.password,
			AllowedConfigs: m.config.PASE.AllowedConfigs,
			Limiter:        m.limiter,
			CheckKeyID:     m.keyIDChecker(peer),
			Rand:           m.rand,
		})
		return s, pase.AuthMode, err

	case handshake.ProtocolCASE:
		if m.caseAuth == nil {
			return nil, 0, handshake.ErrNoAuthDelegate
		}
		s, err := casesession.NewResponder(casesession.ResponderConfig{
			LocalNodeID:       m.exchange.LocalNodeID(),
			PeerNodeID:        peer,
			AllowedConfigs:    m.config.CASE.AllowedConfigs,
			AllowedCurves:     m.config.CASE.AllowedCurves,
			RequireKeyConfirm: m.config.CASE.RequireKeyConfirm,
			AuthDelegate:      m.caseAuth,
			CheckKeyID:        m.keyIDChecker(peer),
			Rand:              m.rand,
		})
		return s, message.AuthModeCASEAnyCert, err

	case handshake.ProtocolTAKE:
		if m.tokenAuth == nil {
			return nil, 0, handshake.ErrNoAuthDelegate
		}
		s, err := take.NewToken(take.TokenConfig{
			PeerNodeID:     peer,
			AllowedConfigs: m.config.TAKE.AllowedConfigs,
			Delegate:       m.tokenAuth,
			CheckKeyID:     m.keyIDChecker(peer),
			Now:            m.layer.Now,
			Rand:           m.rand,
		})
		return s, take.AuthMode, err

	case handshake.ProtocolKeyExport:
		if m.keyExport == nil {
			return nil, 0, handshake.ErrNoAuthDelegate
		}
		s, err := keyexport.NewExporter(keyexport.ExporterConfig{
			PeerNodeID:     peer,
			AllowedConfigs: m.config.KeyExport.AllowedConfigs,
			Delegate:       m.keyExport,
			Rand:           m.rand,
		})
		return s, message.AuthModeNotSpecified, err
	}
	return nil, 0, handshake.Errorf(handshake.ErrInvalidArgument, "protocol %s", protocol)
}
