package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver provides a mock mDNS resolver for testing without real network I/O.
type MockMDNSResolver struct {
	mu       sync.RWMutex
	services map[string][]*zeroconf.ServiceEntry
}

// NewMockMDNSResolver creates a new mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{
		services: make(map[string][]*zeroconf.ServiceEntry),
	}
}

// RegisterService registers a service that will be returned by Browse/Lookup.
func (m *MockMDNSResolver) RegisterService(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = append(m.services[service], entry)
}

func (m *MockMDNSResolver) entries(service string) []*zeroconf.ServiceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*zeroconf.ServiceEntry, len(m.services[service]))
	copy(out, m.services[service])
	return out
}

// Browse implements MDNSResolver. Entries are sent synchronously and the
// channel is left open.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, entry := range m.entries(service) {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	for _, entry := range m.entries(service) {
		if entry.Instance == instance {
			select {
			case entries <- entry:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
	}
	return nil
}

// MockNodeService creates a Weave node service entry for testing.
func MockNodeService(nodeID uint64, port int, ips ...net.IP) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: InstanceName(nodeID),
			Service:  ServiceWeave,
			Domain:   DefaultDomain,
		},
		HostName: InstanceName(nodeID) + ".local.",
		Port:     port,
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, ip)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, ip)
		}
	}
	return entry
}

// MockMDNSServer records registrations made through MockMDNSServerFactory.
type MockMDNSServer struct {
	Instance string
	Service  string
	Port     int

	mu       sync.Mutex
	shutdown bool
}

// Shutdown implements MDNSServer.
func (s *MockMDNSServer) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

// IsShutdown reports whether Shutdown was called.
func (s *MockMDNSServer) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// MockMDNSServerFactory creates MockMDNSServers.
type MockMDNSServerFactory struct {
	mu      sync.Mutex
	Servers []*MockMDNSServer
}

// Register implements MDNSServerFactory.
func (f *MockMDNSServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	s := &MockMDNSServer{Instance: instance, Service: service, Port: port}
	f.mu.Lock()
	f.Servers = append(f.Servers, s)
	f.mu.Unlock()
	return s, nil
}
