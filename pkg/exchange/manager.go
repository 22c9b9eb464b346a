package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/system"
	"github.com/mrjerryjohns/openweave-core/pkg/transport"
)

// Resolver maps a node id to a datagram address.
type Resolver interface {
	ResolveNode(nodeID uint64) (net.Addr, error)
}

// ManagerConfig configures the exchange Manager.
type ManagerConfig struct {
	// Layer runs inbound dispatch. Required.
	Layer *system.Layer

	// LocalNodeID is written as the source of every outbound message.
	LocalNodeID uint64

	// Endpoint carries datagram exchanges. Optional.
	Endpoint *transport.Endpoint

	// Resolver resolves node ids for datagram exchanges. Optional.
	Resolver Resolver

	// LoggerFactory creates the manager logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type handlerKey struct {
	profileID uint32
	msgType   uint8
}

// Manager tracks exchanges and routes inbound frames to them.
type Manager struct {
	layer       *system.Layer
	localNodeID uint64
	resolver    Resolver
	log         logging.LeveledLogger

	nextMessageID atomic.Uint32

	mu             sync.RWMutex
	endpoint       *transport.Endpoint
	exchanges      map[exchangeKey]*Exchange
	handlers       map[handlerKey]UnsolicitedHandler
	conns          map[*transport.Conn]struct{}
	nextExchangeID uint16
	closed         bool
}

// NewManager creates a new exchange manager.
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		layer:       config.Layer,
		localNodeID: config.LocalNodeID,
		resolver:    config.Resolver,
		exchanges:   make(map[exchangeKey]*Exchange),
		handlers:    make(map[handlerKey]UnsolicitedHandler),
		conns:       make(map[*transport.Conn]struct{}),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("exchange")
	}

	// First exchange and message ids are random, then increment.
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err == nil {
		m.nextExchangeID = binary.LittleEndian.Uint16(buf[:2])
		m.nextMessageID.Store(binary.LittleEndian.Uint32(buf[2:]))
	}

	if config.Endpoint != nil {
		m.SetEndpoint(config.Endpoint)
	}
	return m
}

// LocalNodeID returns the node id used as message source.
func (m *Manager) LocalNodeID() uint64 {
	return m.localNodeID
}

// SetEndpoint attaches a datagram endpoint and starts reading from it.
func (m *Manager) SetEndpoint(e *transport.Endpoint) error {
	m.mu.Lock()
	m.endpoint = e
	m.mu.Unlock()
	return e.Start(m.onDatagram)
}

// AddConnection starts reading from c and routes its frames.
func (m *Manager) AddConnection(c *transport.Conn) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, ok := m.conns[c]; ok {
		m.mu.Unlock()
		return nil
	}
	m.conns[c] = struct{}{}
	m.mu.Unlock()

	if err := c.Start(m.onFrame, m.onConnClosed); err != nil {
		m.mu.Lock()
		delete(m.conns, c)
		m.mu.Unlock()
		return err
	}
	return nil
}

// RegisterUnsolicitedHandler installs the handler for unsolicited messages
// of the given profile and type.
func (m *Manager) RegisterUnsolicitedHandler(profileID uint32, msgType uint8, h UnsolicitedHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := handlerKey{profileID, msgType}
	if _, ok := m.handlers[k]; ok {
		return ErrHandlerExists
	}
	m.handlers[k] = h
	return nil
}

// UnregisterUnsolicitedHandler removes a handler. It is a no-op when none
// is registered.
func (m *Manager) UnregisterUnsolicitedHandler(profileID uint32, msgType uint8) {
	m.mu.Lock()
	delete(m.handlers, handlerKey{profileID, msgType})
	m.mu.Unlock()
}

// NewExchange creates an exchange as initiator. It does not send anything.
func (m *Manager) NewExchange(dest Destination, delegate Delegate) (*Exchange, error) {
	ex := &Exchange{
		role:       RoleInitiator,
		peerNodeID: dest.NodeID,
		conn:       dest.Conn,
		addr:       dest.Addr,
		manager:    m,
		delegate:   delegate,
	}

	if ex.conn != nil {
		if err := m.AddConnection(ex.conn); err != nil {
			return nil, err
		}
		if ex.peerNodeID == 0 {
			ex.peerNodeID = ex.conn.PeerNodeID()
		}
		ex.addr = nil
	} else {
		m.mu.RLock()
		hasEndpoint := m.endpoint != nil
		m.mu.RUnlock()
		if !hasEndpoint {
			return nil, ErrNoRoute
		}
		if ex.addr == nil {
			if m.resolver == nil {
				return nil, ErrNoRoute
			}
			addr, err := m.resolver.ResolveNode(dest.NodeID)
			if err != nil {
				return nil, err
			}
			ex.addr = addr
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	ex.id = m.nextExchangeID
	m.nextExchangeID++
	if _, exists := m.exchanges[ex.key()]; exists {
		return nil, ErrExchangeExists
	}
	m.exchanges[ex.key()] = ex
	return ex, nil
}

// ExchangeCount returns the number of open exchanges.
func (m *Manager) ExchangeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.exchanges)
}

// Close closes all exchanges. Connections stay open.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	exchanges := make([]*Exchange, 0, len(m.exchanges))
	for _, ex := range m.exchanges {
		exchanges = append(exchanges, ex)
	}
	m.mu.Unlock()

	for _, ex := range exchanges {
		ex.Close()
	}
}

func (m *Manager) remove(ex *Exchange) {
	m.mu.Lock()
	if cur, ok := m.exchanges[ex.key()]; ok && cur == ex {
		delete(m.exchanges, ex.key())
	}
	m.mu.Unlock()
}

func (m *Manager) send(ex *Exchange, profileID uint32, msgType uint8, payload []byte) error {
	frame := &message.Frame{
		Header: message.Header{
			MessageID:          m.nextMessageID.Add(1),
			SourceNodeID:       m.localNodeID,
			DestinationNodeID:  ex.peerNodeID,
			DestinationPresent: ex.peerNodeID != 0,
			Initiator:          ex.role == RoleInitiator,
			MessageType:        msgType,
			ExchangeID:         ex.id,
			ProfileID:          profileID,
		},
		Payload: payload,
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	if ex.conn != nil {
		return ex.conn.Send(data)
	}
	m.mu.RLock()
	endpoint := m.endpoint
	m.mu.RUnlock()
	if endpoint == nil {
		return ErrNoRoute
	}
	return endpoint.SendTo(data, ex.addr)
}

func (m *Manager) onFrame(c *transport.Conn, data []byte) {
	m.layer.ScheduleWork(func() { m.dispatch(data, c, nil) })
}

func (m *Manager) onDatagram(data []byte, from net.Addr) {
	m.layer.ScheduleWork(func() { m.dispatch(data, nil, from) })
}

func (m *Manager) onConnClosed(c *transport.Conn, err error) {
	m.layer.ScheduleWork(func() {
		m.mu.Lock()
		delete(m.conns, c)
		var affected []*Exchange
		for _, ex := range m.exchanges {
			if ex.conn == c {
				affected = append(affected, ex)
			}
		}
		m.mu.Unlock()

		if m.log != nil {
			m.log.Debugf("connection to node %016X closed, %d exchanges affected", c.PeerNodeID(), len(affected))
		}
		for _, ex := range affected {
			if d := ex.getDelegate(); d != nil {
				d.OnConnectionClosed(ex, err)
			}
		}
	})
}

func (m *Manager) dispatch(data []byte, c *transport.Conn, from net.Addr) {
	frame, err := message.DecodeFrame(data)
	if err != nil {
		if m.log != nil {
			m.log.Warnf("dropping malformed frame: %v", err)
		}
		return
	}
	h := frame.Header
	if h.DestinationPresent && h.DestinationNodeID != m.localNodeID && m.localNodeID != 0 {
		if m.log != nil {
			m.log.Debugf("dropping frame for node %016X", h.DestinationNodeID)
		}
		return
	}
	if c != nil && c.PeerNodeID() == 0 {
		c.SetPeerNodeID(h.SourceNodeID)
	}

	var role Role
	if h.Initiator {
		role = RoleResponder
	} else {
		role = RoleInitiator
	}
	msg := &Message{Header: h, Payload: frame.Payload}
	key := exchangeKey{peerNodeID: h.SourceNodeID, exchangeID: h.ExchangeID, role: role}

	m.mu.RLock()
	ex, ok := m.exchanges[key]
	handler, hasHandler := m.handlers[handlerKey{h.ProfileID, h.MessageType}]
	closed := m.closed
	m.mu.RUnlock()

	if ok {
		if d := ex.getDelegate(); d != nil {
			d.OnMessageReceived(ex, msg)
		}
		return
	}
	if closed || !h.Initiator || !hasHandler {
		if m.log != nil {
			m.log.Debugf("dropping unsolicited message profile=%08X type=%d from %016X",
				h.ProfileID, h.MessageType, h.SourceNodeID)
		}
		return
	}

	ex = &Exchange{
		id:         h.ExchangeID,
		role:       RoleResponder,
		peerNodeID: h.SourceNodeID,
		conn:       c,
		addr:       from,
		manager:    m,
	}
	m.mu.Lock()
	m.exchanges[key] = ex
	m.mu.Unlock()

	handler(ex, msg)
}
