package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
)

// DatagramHandler receives each datagram read from an endpoint.
type DatagramHandler func(frame []byte, from net.Addr)

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Conn is an optional pre-existing packet connection.
	// If nil, a UDP socket is opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to bind (e.g., ":11095").
	ListenAddr string

	// LoggerFactory creates the endpoint logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Endpoint sends and receives connectionless frames.
type Endpoint struct {
	conn    net.PacketConn
	log     logging.LeveledLogger
	closeCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewEndpoint creates a datagram endpoint.
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	e := &Endpoint{
		conn:    config.Conn,
		closeCh: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("transport")
	}
	if e.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		e.conn = conn
	}
	return e, nil
}

// LocalAddr returns the bound address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Start begins reading datagrams.
func (e *Endpoint) Start(handler DatagramHandler) error {
	if handler == nil {
		return ErrNoHandler
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.wg.Add(1)
	go e.readLoop(handler)
	return nil
}

// SendTo writes one frame to addr.
func (e *Endpoint) SendTo(frame []byte, addr net.Addr) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if addr == nil {
		return ErrInvalidAddress
	}
	if len(frame) > message.MaxMessageSize {
		return ErrMessageTooLarge
	}
	_, err := e.conn.WriteTo(frame, addr)
	if err != nil && e.log != nil {
		e.log.Warnf("send to %v failed: %v", addr, err)
	}
	return err
}

// Close stops the endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closeCh)
	e.conn.SetReadDeadline(time.Now())
	err := e.conn.Close()
	e.wg.Wait()
	return err
}

func (e *Endpoint) readLoop(handler DatagramHandler) {
	defer e.wg.Done()

	buf := make([]byte, message.MaxMessageSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
			}
			if e.log != nil {
				e.log.Warnf("read error: %v", err)
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		handler(append([]byte(nil), buf[:n]...), addr)
	}
}
