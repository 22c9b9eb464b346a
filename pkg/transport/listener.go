package transport

import (
	"net"
	"sync"

	"github.com/pion/logging"
)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Listener is an optional pre-existing listener.
	// If nil, a TCP listener is created on ListenAddr.
	Listener net.Listener

	// ListenAddr is the address to listen on (e.g., ":11095").
	ListenAddr string

	// OnConnection receives each accepted connection, not yet started.
	// Required.
	OnConnection func(c *Conn)

	// LoggerFactory creates the listener logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Listener accepts inbound Weave connections.
type Listener struct {
	listener      net.Listener
	onConnection  func(*Conn)
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	closeCh       chan struct{}
	wg            sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewListener creates a listener.
func NewListener(config ListenerConfig) (*Listener, error) {
	if config.OnConnection == nil {
		return nil, ErrNoHandler
	}
	l := &Listener{
		listener:      config.Listener,
		onConnection:  config.OnConnection,
		loggerFactory: config.LoggerFactory,
		closeCh:       make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("transport")
	}
	if l.listener == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		l.listener = ln
	}
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Start begins accepting connections.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.started {
		return ErrAlreadyStarted
	}
	l.started = true

	if l.log != nil {
		l.log.Infof("accepting connections on %s", l.listener.Addr())
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listener. Accepted connections are owned by the caller.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.mu.Unlock()

	close(l.closeCh)
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		nc, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				if l.log != nil {
					l.log.Warnf("accept failed: %v", err)
				}
				return
			}
		}
		l.onConnection(NewConn(nc, ConnConfig{LoggerFactory: l.loggerFactory}))
	}
}
