// Package node assembles a runnable Weave node around the security manager.
//
// A Node owns the event layer, a TCP listener and a UDP endpoint bound to
// the same port, the exchange manager, mDNS advertising and browsing, and
// the security manager with its session key store.
package node

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"go.uber.org/multierr"

	"github.com/mrjerryjohns/openweave-core/pkg/discovery"
	"github.com/mrjerryjohns/openweave-core/pkg/exchange"
	"github.com/mrjerryjohns/openweave-core/pkg/security"
	"github.com/mrjerryjohns/openweave-core/pkg/system"
	"github.com/mrjerryjohns/openweave-core/pkg/transport"
)

// Node is a running Weave node.
type Node struct {
	config NodeConfig
	log    logging.LeveledLogger

	// Read without mu by the accept loop and by security callbacks.
	exchangeMgr atomic.Pointer[exchange.Manager]
	securityMgr atomic.Pointer[security.Manager]
	browserPtr  atomic.Pointer[discovery.Browser]

	mu         sync.RWMutex
	state      State
	cancel     context.CancelFunc
	runDone    chan struct{}
	layer      *system.Layer
	listener   *transport.Listener
	endpoint   *transport.Endpoint
	exchange   *exchange.Manager
	browser    *discovery.Browser
	advertiser *discovery.Advertiser
	security   *security.Manager
}

// New validates config and creates a stopped Node.
func New(config NodeConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	n := &Node{config: config}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("node")
	}
	return n, nil
}

// Start binds the listeners, starts discovery and initializes the security
// manager. The node runs until Stop is called or ctx is cancelled.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateRunning {
		return ErrAlreadyStarted
	}

	lf := n.config.LoggerFactory
	defer func() {
		if err != nil {
			n.teardownLocked()
		}
	}()

	n.layer = system.NewLayer(system.LayerConfig{Clock: n.config.Clock, LoggerFactory: lf})
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.runDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = n.layer.Run(runCtx)
	}(n.runDone)

	if !n.config.DisableDiscovery {
		n.browser, err = discovery.NewBrowser(discovery.BrowserConfig{
			MDNSResolver:  n.config.MDNSResolver,
			FabricID:      n.config.FabricID,
			LoggerFactory: lf,
		})
		if err != nil {
			return err
		}
	}

	xcfg := exchange.ManagerConfig{
		Layer:         n.layer,
		LocalNodeID:   n.config.NodeID,
		LoggerFactory: lf,
	}
	if n.browser != nil {
		xcfg.Resolver = n.browser
	}
	n.exchange = exchange.NewManager(xcfg)
	n.exchangeMgr.Store(n.exchange)

	n.listener, err = transport.NewListener(transport.ListenerConfig{
		ListenAddr:    n.config.listenAddr(),
		OnConnection:  n.onConnection,
		LoggerFactory: lf,
	})
	if err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(n.config.listenAddr())
	port := n.listener.Addr().(*net.TCPAddr).Port
	n.endpoint, err = transport.NewEndpoint(transport.EndpointConfig{
		ListenAddr:    net.JoinHostPort(host, strconv.Itoa(port)),
		LoggerFactory: lf,
	})
	if err != nil {
		return err
	}
	if err = n.exchange.SetEndpoint(n.endpoint); err != nil {
		return err
	}
	if err = n.listener.Start(); err != nil {
		return err
	}

	var metrics *security.Metrics
	if n.config.Registerer != nil {
		metrics = security.NewMetrics(n.config.Registerer)
	}
	n.security = security.NewManager(security.ManagerConfig{
		Layer:                  n.layer,
		Exchange:               n.exchange,
		PASEPassword:           n.config.PASEPassword,
		CASEAuthDelegate:       n.config.CASEAuthDelegate,
		TAKEChallengerDelegate: n.config.TAKEChallengerDelegate,
		TAKETokenDelegate:      n.config.TAKETokenDelegate,
		KeyExportDelegate:      n.config.KeyExportDelegate,
		Callbacks:              n.config.Callbacks,
		Metrics:                metrics,
		LoggerFactory:          lf,
	})
	if err = n.security.Init(n.config.securityConfig()); err != nil {
		return err
	}
	n.securityMgr.Store(n.security)

	if n.browser != nil {
		n.advertiser, err = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			NodeID:        n.config.NodeID,
			Port:          port,
			ServerFactory: n.config.MDNSServerFactory,
			LoggerFactory: lf,
		})
		if err != nil {
			return err
		}
		if err = n.advertiser.Start(); err != nil {
			return err
		}
		if err = n.browser.Start(); err != nil {
			return err
		}
		n.browserPtr.Store(n.browser)
	}

	n.state = StateRunning
	if n.log != nil {
		n.log.Infof("node %016X listening on port %d", n.config.NodeID, port)
	}
	return nil
}

// Stop shuts the node down. Any attempt in progress ends with
// ErrSessionAborted.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateRunning {
		return ErrNotStarted
	}
	err := n.teardownLocked()
	n.state = StateStopped
	if n.log != nil {
		n.log.Info("node stopped")
	}
	return err
}

// teardownLocked releases whatever Start managed to create.
func (n *Node) teardownLocked() error {
	var err error
	n.securityMgr.Store(nil)
	n.browserPtr.Store(nil)
	if n.security != nil {
		if serr := n.security.Shutdown(); serr != nil && n.state == StateRunning {
			err = multierr.Append(err, serr)
		}
		n.security = nil
	}
	if n.advertiser != nil {
		err = multierr.Append(err, n.advertiser.Stop())
		n.advertiser = nil
	}
	if n.browser != nil {
		if berr := n.browser.Stop(); berr != nil && n.state == StateRunning {
			err = multierr.Append(err, berr)
		}
		n.browser = nil
	}
	if n.listener != nil {
		err = multierr.Append(err, n.listener.Stop())
		n.listener = nil
	}
	if n.exchange != nil {
		n.exchangeMgr.Store(nil)
		n.exchange.Close()
		n.exchange = nil
	}
	if n.endpoint != nil {
		err = multierr.Append(err, n.endpoint.Close())
		n.endpoint = nil
	}
	if n.cancel != nil {
		n.cancel()
		<-n.runDone
		n.cancel = nil
	}
	return err
}

func (n *Node) onConnection(c *transport.Conn) {
	x := n.exchangeMgr.Load()
	if x == nil {
		c.Close()
		return
	}
	if err := x.AddConnection(c); err != nil {
		if n.log != nil {
			n.log.Warnf("rejecting connection from %v: %v", c.RemoteAddr(), err)
		}
		c.Close()
	}
}

// Dial opens a connection to the node peerNodeID at addr.
func (n *Node) Dial(ctx context.Context, addr string, peerNodeID uint64) (*transport.Conn, error) {
	x := n.exchangeMgr.Load()
	if x == nil {
		return nil, ErrNotStarted
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := transport.NewConn(nc, transport.ConnConfig{
		PeerNodeID:    peerNodeID,
		LoggerFactory: n.config.LoggerFactory,
	})
	if err := x.AddConnection(c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// State returns the lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// NodeID returns the local node id.
func (n *Node) NodeID() uint64 {
	return n.config.NodeID
}

// Addr returns the bound TCP address, or nil when stopped.
func (n *Node) Addr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Security returns the security manager, or nil when stopped.
func (n *Node) Security() *security.Manager {
	return n.securityMgr.Load()
}

// Browser returns the discovery browser, or nil when discovery is disabled
// or the node is stopped.
func (n *Node) Browser() *discovery.Browser {
	return n.browserPtr.Load()
}
