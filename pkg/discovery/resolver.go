package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultBrowseInterval is the length of one browse round.
const DefaultBrowseInterval = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// FabricID enables the fabric ULA fallback when non-zero.
	FabricID uint64

	// Subnet is the fabric subnet used for the fallback.
	// If zero, SubnetPrimaryWiFi is used.
	Subnet uint16

	// Port is the port of fallback addresses. If zero, DefaultPort is used.
	Port int

	// BrowseInterval is the length of one browse round.
	// If zero, DefaultBrowseInterval is used.
	BrowseInterval time.Duration

	// LookupTimeout bounds Lookup. If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory creates the browser logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Browser maintains a node id to address table from mDNS announcements.
// ResolveNode never blocks on the network.
type Browser struct {
	config   BrowserConfig
	resolver MDNSResolver
	log      logging.LeveledLogger

	mu      sync.RWMutex
	nodes   map[uint64]*net.UDPAddr
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewBrowser creates a Browser. Call Start to begin browsing.
func NewBrowser(config BrowserConfig) (*Browser, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}
	if config.Subnet == 0 {
		config.Subnet = SubnetPrimaryWiFi
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if config.BrowseInterval == 0 {
		config.BrowseInterval = DefaultBrowseInterval
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	b := &Browser{
		config:   config,
		resolver: resolver,
		nodes:    make(map[uint64]*net.UDPAddr),
	}
	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("discovery")
	}
	return b, nil
}

// Start launches the background browse loop.
func (b *Browser) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.browseLoop(ctx, b.done)
	return nil
}

// Stop ends the browse loop. The table is kept.
func (b *Browser) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	b.started = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	<-done
	return nil
}

// AddNode records an address for a node, replacing any earlier one.
func (b *Browser) AddNode(nodeID uint64, addr *net.UDPAddr) {
	b.mu.Lock()
	b.nodes[nodeID] = addr
	b.mu.Unlock()
}

// NodeCount returns the number of nodes in the table.
func (b *Browser) NodeCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// ResolveNode returns the address of a node from the table, or its fabric
// ULA when a fabric is configured.
func (b *Browser) ResolveNode(nodeID uint64) (net.Addr, error) {
	b.mu.RLock()
	addr, ok := b.nodes[nodeID]
	b.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if b.config.FabricID != 0 {
		return &net.UDPAddr{
			IP:   FabricULA(b.config.FabricID, b.config.Subnet, nodeID),
			Port: b.config.Port,
		}, nil
	}
	return nil, ErrNodeNotFound
}

// Lookup queries the network for one node and records the answer.
func (b *Browser) Lookup(ctx context.Context, nodeID uint64) (net.Addr, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	go b.resolver.Lookup(ctx, InstanceName(nodeID), ServiceWeave, DefaultDomain, entries)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNodeNotFound
			}
			if id, addr, ok := b.record(entry); ok && id == nodeID {
				return addr, nil
			}
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

func (b *Browser) browseLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		b.browseRound(ctx)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (b *Browser) browseRound(ctx context.Context) {
	roundCtx, cancel := context.WithTimeout(ctx, b.config.BrowseInterval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		if err := b.resolver.Browse(roundCtx, ServiceWeave, DefaultDomain, entries); err != nil && b.log != nil {
			b.log.Debugf("browse failed: %v", err)
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				<-roundCtx.Done()
				return
			}
			b.record(entry)
		case <-roundCtx.Done():
			return
		}
	}
}

// record stores the preferred address of an entry.
func (b *Browser) record(entry *zeroconf.ServiceEntry) (uint64, *net.UDPAddr, bool) {
	if entry == nil {
		return 0, nil, false
	}
	nodeID, err := ParseInstanceName(entry.Instance)
	if err != nil {
		if b.log != nil {
			b.log.Debugf("ignoring instance %q: %v", entry.Instance, err)
		}
		return 0, nil, false
	}
	ips := make([]net.IP, 0, len(entry.AddrIPv6)+len(entry.AddrIPv4))
	ips = append(ips, entry.AddrIPv6...)
	ips = append(ips, entry.AddrIPv4...)
	ips = SortIPsByPreference(ips)
	if len(ips) == 0 {
		return 0, nil, false
	}
	addr := &net.UDPAddr{IP: ips[0], Port: entry.Port}
	b.AddNode(nodeID, addr)
	if b.log != nil {
		b.log.Tracef("node %016X at %s", nodeID, addr)
	}
	return nodeID, addr, true
}
