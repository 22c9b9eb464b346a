package exchange

import (
	"net"
	"sync"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/transport"
)

// Destination names the peer of a new exchange. Conn is preferred; when it
// is nil the frame is sent as a datagram to Addr, or to the address the
// manager's resolver returns for NodeID.
type Destination struct {
	NodeID uint64
	Conn   *transport.Conn
	Addr   net.Addr
}

// Message is an inbound message delivered to a delegate or handler.
type Message struct {
	Header  message.Header
	Payload []byte
}

// Delegate receives the events of one exchange. Calls run on the layer.
type Delegate interface {
	// OnMessageReceived is called for each message matching the exchange.
	OnMessageReceived(ex *Exchange, msg *Message)

	// OnConnectionClosed is called when the exchange's connection closes.
	OnConnectionClosed(ex *Exchange, err error)
}

// UnsolicitedHandler accepts the first message of an exchange started by a
// peer. The handler owns ex and must Close it or set a delegate.
type UnsolicitedHandler func(ex *Exchange, msg *Message)

type exchangeKey struct {
	peerNodeID uint64
	exchangeID uint16
	role       Role
}

// Exchange is one conversation with a peer.
type Exchange struct {
	id         uint16
	role       Role
	peerNodeID uint64
	conn       *transport.Conn
	addr       net.Addr
	manager    *Manager

	mu       sync.Mutex
	delegate Delegate
	closed   bool
}

// ID returns the exchange id.
func (e *Exchange) ID() uint16 { return e.id }

// Role returns this node's role in the exchange.
func (e *Exchange) Role() Role { return e.role }

// PeerNodeID returns the peer node id.
func (e *Exchange) PeerNodeID() uint64 { return e.peerNodeID }

// Conn returns the connection carrying the exchange, or nil for datagrams.
func (e *Exchange) Conn() *transport.Conn { return e.conn }

// PeerAddr returns the datagram peer address, or nil on a connection.
func (e *Exchange) PeerAddr() net.Addr { return e.addr }

func (e *Exchange) key() exchangeKey {
	return exchangeKey{peerNodeID: e.peerNodeID, exchangeID: e.id, role: e.role}
}

// SetDelegate replaces the delegate receiving further messages.
func (e *Exchange) SetDelegate(d Delegate) {
	e.mu.Lock()
	e.delegate = d
	e.mu.Unlock()
}

func (e *Exchange) getDelegate() Delegate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delegate
}

// IsClosed reports whether Close has been called.
func (e *Exchange) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// SendMessage sends one unencrypted message on the exchange.
func (e *Exchange) SendMessage(profileID uint32, msgType uint8, payload []byte) error {
	if e.IsClosed() {
		return ErrExchangeClosed
	}
	return e.manager.send(e, profileID, msgType, payload)
}

// Close removes the exchange from its manager. Further inbound messages
// for it are treated as unsolicited. Close is idempotent.
func (e *Exchange) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.delegate = nil
	e.mu.Unlock()

	e.manager.remove(e)
}
