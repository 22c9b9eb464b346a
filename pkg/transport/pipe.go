package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic message delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor checks for messages.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe provides bidirectional in-memory packet delivery between two
// endpoints on top of pion's test.Bridge. It lets tests run two nodes
// against each other without real network I/O.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.Mutex
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if p.processInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}
	if p.autoProcess {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pipe) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.bridge.Tick()
		}
	}
}

// Conn0 returns the raw connection for endpoint 0.
func (p *Pipe) Conn0() net.Conn {
	return p.bridge.GetConn0()
}

// Conn1 returns the raw connection for endpoint 1.
func (p *Pipe) Conn1() net.Conn {
	return p.bridge.GetConn1()
}

// Tick delivers one packet in each direction (if available).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID int // Endpoint ID (0 or 1)
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// NewPipeConnPair wraps both ends of p as framed connections. Node ids are
// recorded as the peer of the opposite end.
func NewPipeConnPair(p *Pipe, node0, node1 uint64, lf logging.LoggerFactory) (*Conn, *Conn) {
	c0 := NewConn(&pipeStreamConn{Conn: p.Conn0(), local: PipeAddr{ID: 0}, remote: PipeAddr{ID: 1}},
		ConnConfig{PeerNodeID: node1, LoggerFactory: lf})
	c1 := NewConn(&pipeStreamConn{Conn: p.Conn1(), local: PipeAddr{ID: 1}, remote: PipeAddr{ID: 0}},
		ConnConfig{PeerNodeID: node0, LoggerFactory: lf})
	return c0, c1
}

// NewPipePacketConnPair returns both ends of p as packet connections.
func NewPipePacketConnPair(p *Pipe) (net.PacketConn, net.PacketConn) {
	return &pipePacketConn{conn: p.Conn0(), local: PipeAddr{ID: 0}, peer: PipeAddr{ID: 1}},
		&pipePacketConn{conn: p.Conn1(), local: PipeAddr{ID: 1}, peer: PipeAddr{ID: 0}}
}

type pipeStreamConn struct {
	net.Conn
	local, remote net.Addr
}

func (c *pipeStreamConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeStreamConn) RemoteAddr() net.Addr { return c.remote }

// pipePacketConn adapts a pipe endpoint to net.PacketConn. The pipe has a
// single peer, so WriteTo ignores addr.
type pipePacketConn struct {
	conn        net.Conn
	local, peer net.Addr
}

func (c *pipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peer, err
}

func (c *pipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.conn.Write(b)
}

func (c *pipePacketConn) Close() error                       { return c.conn.Close() }
func (c *pipePacketConn) LocalAddr() net.Addr                { return c.local }
func (c *pipePacketConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *pipePacketConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *pipePacketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var _ net.PacketConn = (*pipePacketConn)(nil)
