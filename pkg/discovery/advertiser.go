package discovery

import (
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is a running mDNS registration.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// NodeID is the local node id, published as the instance name.
	NodeID uint64

	// Port is the Weave port to advertise (default: 11095).
	Port int

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory creates the advertiser logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes the local node so that peers can resolve it.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu     sync.Mutex
	server MDNSServer
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, ErrInvalidPort
	}
	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}
	a := &Advertiser{config: config, factory: factory}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a, nil
}

// InstanceName returns the advertised instance name.
func (a *Advertiser) InstanceName() string {
	return InstanceName(a.config.NodeID)
}

// Start begins advertising.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return ErrAlreadyStarted
	}
	server, err := a.factory.Register(a.InstanceName(), ServiceWeave, DefaultDomain,
		a.config.Port, nil, a.config.Interfaces)
	if err != nil {
		return err
	}
	a.server = server
	if a.log != nil {
		a.log.Infof("advertising %s.%s on port %d", a.InstanceName(), ServiceWeave, a.config.Port)
	}
	return nil
}

// Stop ends advertising.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ErrNotStarted
	}
	a.server.Shutdown()
	a.server = nil
	return nil
}
