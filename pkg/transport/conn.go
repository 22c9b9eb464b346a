// Package transport carries encoded Weave frames over stream connections
// (length-prefixed) and datagram endpoints.
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
)

// FrameHandler receives each frame read from a connection.
type FrameHandler func(c *Conn, frame []byte)

// CloseHandler is called once when a connection stops reading. err is nil
// for a local Close.
type CloseHandler func(c *Conn, err error)

// ConnConfig configures a Conn.
type ConnConfig struct {
	// PeerNodeID is the node on the other end, if known.
	PeerNodeID uint64

	// LoggerFactory creates the connection logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Conn is a framed stream connection to one peer node.
type Conn struct {
	nc     net.Conn
	reader *message.StreamReader
	writer *message.StreamWriter
	log    logging.LeveledLogger

	peerNodeID atomic.Uint64

	writeMu   sync.Mutex
	closed    atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps nc. Call Start to begin reading.
func NewConn(nc net.Conn, config ConnConfig) *Conn {
	c := &Conn{
		nc:     nc,
		reader: message.NewStreamReader(nc),
		writer: message.NewStreamWriter(nc),
		done:   make(chan struct{}),
	}
	c.peerNodeID.Store(config.PeerNodeID)
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("transport")
	}
	return c
}

// PeerNodeID returns the peer node id.
func (c *Conn) PeerNodeID() uint64 {
	return c.peerNodeID.Load()
}

// SetPeerNodeID records the peer node id, typically learned from the first
// received message.
func (c *Conn) SetPeerNodeID(id uint64) {
	c.peerNodeID.Store(id)
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Start launches the read loop. onClose is invoked exactly once.
func (c *Conn) Start(onFrame FrameHandler, onClose CloseHandler) error {
	if onFrame == nil {
		return ErrNoHandler
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go c.readLoop(onFrame, onClose)
	return nil
}

// Send writes one frame.
func (c *Conn) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(frame) > message.MaxMessageSize {
		return ErrMessageTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.writer.Write(frame)
	if err != nil && c.log != nil {
		c.log.Warnf("send to %v failed: %v", c.nc.RemoteAddr(), err)
	}
	return err
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop(onFrame FrameHandler, onClose CloseHandler) {
	defer close(c.done)

	for {
		frame, err := c.reader.Read()
		if err != nil {
			if c.closed.Load() {
				err = nil
			} else if err == io.EOF {
				err = ErrClosed
			}
			if c.log != nil {
				c.log.Debugf("connection to %v closed: %v", c.nc.RemoteAddr(), err)
			}
			c.Close()
			if onClose != nil {
				onClose(c, err)
			}
			return
		}
		onFrame(c, frame)
	}
}
