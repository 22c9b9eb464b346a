package node

import (
	"net"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrjerryjohns/openweave-core/pkg/discovery"
	"github.com/mrjerryjohns/openweave-core/pkg/security"
	casesession "github.com/mrjerryjohns/openweave-core/pkg/security/case"
	"github.com/mrjerryjohns/openweave-core/pkg/security/keyexport"
	"github.com/mrjerryjohns/openweave-core/pkg/security/take"
)

// NodeConfig holds all configuration for a Node.
type NodeConfig struct {
	// NodeID is the local Weave node id. Required.
	NodeID uint64

	// FabricID enables fabric address fallback during discovery.
	FabricID uint64

	// ListenAddr is the TCP and UDP bind address (default ":11095").
	ListenAddr string

	// Security configures the security manager. If nil,
	// security.DefaultConfig is used.
	Security *security.Config

	// Responder credentials and delegates. A nil delegate disables the
	// protocol role it serves.
	PASEPassword           []byte
	CASEAuthDelegate       casesession.AuthDelegate
	TAKEChallengerDelegate take.ChallengerAuthDelegate
	TAKETokenDelegate      take.TokenAuthDelegate
	KeyExportDelegate      keyexport.Delegate

	// Callbacks receive security manager events.
	Callbacks security.Callbacks

	// Registerer receives the security metrics. If nil, metrics are
	// disabled.
	Registerer prometheus.Registerer

	// DisableDiscovery turns off mDNS advertising and browsing.
	DisableDiscovery bool

	// MDNSResolver and MDNSServerFactory replace zeroconf, for testing.
	MDNSResolver      discovery.MDNSResolver
	MDNSServerFactory discovery.MDNSServerFactory

	// Clock drives the event layer. If nil, the wall clock is used.
	Clock clock.Clock

	// LoggerFactory creates component loggers. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.NodeID == 0 {
		return ErrInvalidNodeID
	}
	if _, _, err := net.SplitHostPort(c.listenAddr()); err != nil {
		return err
	}
	if c.Security != nil {
		return c.Security.Validate()
	}
	return nil
}

func (c *NodeConfig) listenAddr() string {
	if c.ListenAddr == "" {
		return ":" + strconv.Itoa(discovery.DefaultPort)
	}
	return c.ListenAddr
}

func (c *NodeConfig) securityConfig() security.Config {
	if c.Security == nil {
		return security.DefaultConfig()
	}
	return *c.Security
}
