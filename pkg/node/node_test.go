package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/discovery"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security"
	casesession "github.com/mrjerryjohns/openweave-core/pkg/security/case"
)

const (
	nodeA uint64 = 0x18B4300000000A01
	nodeB uint64 = 0x18B4300000000B02

	waitTimeout = 5 * time.Second
)

var testPassword = []byte("20202021")

type testNode struct {
	*Node
	resolver    *discovery.MockMDNSResolver
	servers     *discovery.MockMDNSServerFactory
	registry    *prometheus.Registry
	established chan security.Result
}

func startNode(t *testing.T, nodeID uint64, mutate func(*NodeConfig)) *testNode {
	t.Helper()
	tn := &testNode{
		resolver:    discovery.NewMockMDNSResolver(),
		servers:     &discovery.MockMDNSServerFactory{},
		registry:    prometheus.NewRegistry(),
		established: make(chan security.Result, 4),
	}
	cfg := NodeConfig{
		NodeID:            nodeID,
		ListenAddr:        "127.0.0.1:0",
		MDNSResolver:      tn.resolver,
		MDNSServerFactory: tn.servers,
		Registerer:        tn.registry,
		Callbacks: security.Callbacks{
			OnSessionEstablished: func(r security.Result) { tn.established <- r },
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() })
	tn.Node = n
	return tn
}

func (tn *testNode) port() int {
	return tn.Addr().(*net.TCPAddr).Port
}

func waitResult(t *testing.T, ch <-chan security.Result, what string) security.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for %s", what)
		return security.Result{}
	}
}

func TestNodeConfig_Validate(t *testing.T) {
	bad := security.DefaultConfig()
	bad.SessionEstablishTimeout = 0

	tests := []struct {
		name    string
		config  NodeConfig
		wantErr error
	}{
		{"ok", NodeConfig{NodeID: nodeA}, nil},
		{"missing node id", NodeConfig{}, ErrInvalidNodeID},
		{"bad security config", NodeConfig{NodeID: nodeA, Security: &bad}, security.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := New(NodeConfig{NodeID: nodeA, ListenAddr: "no-port"})
	assert.Error(t, err)
}

func TestNode_Lifecycle(t *testing.T) {
	n, err := New(NodeConfig{NodeID: nodeA, ListenAddr: "127.0.0.1:0", DisableDiscovery: true})
	require.NoError(t, err)
	assert.Equal(t, StateStopped, n.State())
	assert.ErrorIs(t, n.Stop(), ErrNotStarted)
	assert.Nil(t, n.Security())

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, StateRunning, n.State())
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.Nil(t, n.Browser())
	require.NotNil(t, n.Security())
	assert.True(t, n.Security().IsIdle())

	require.NoError(t, n.Stop())
	assert.Equal(t, StateStopped, n.State())
	assert.Nil(t, n.Security())
	assert.Nil(t, n.Addr())

	_, err = n.Dial(context.Background(), "127.0.0.1:1", nodeB)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestNode_Advertises(t *testing.T) {
	n := startNode(t, nodeA, nil)
	require.Len(t, n.servers.Servers, 1)
	s := n.servers.Servers[0]
	assert.Equal(t, discovery.InstanceName(nodeA), s.Instance)
	assert.Equal(t, discovery.ServiceWeave, s.Service)
	assert.Equal(t, n.port(), s.Port)

	require.NoError(t, n.Stop())
	assert.True(t, s.IsShutdown())
}

func TestNode_PASEOverTCP(t *testing.T) {
	b := startNode(t, nodeB, func(c *NodeConfig) { c.PASEPassword = testPassword })
	a := startNode(t, nodeA, nil)

	conn, err := a.Dial(context.Background(), b.Addr().String(), nodeB)
	require.NoError(t, err)

	done := make(chan security.Result, 1)
	require.NoError(t, a.Security().StartPASESession(security.PASERequest{
		Conn:     conn,
		Password: testPassword,
		Done:     func(r security.Result) { done <- r },
	}))

	ir := waitResult(t, done, "initiator completion")
	require.NoError(t, ir.Err)
	rr := waitResult(t, b.established, "responder completion")
	assert.Equal(t, nodeA, rr.PeerNodeID)
	assert.Equal(t, ir.KeyID, rr.KeyID)

	ka, err := a.Security().KeyStore().Lookup(nodeB, ir.KeyID)
	require.NoError(t, err)
	kb, err := b.Security().KeyStore().Lookup(nodeA, ir.KeyID)
	require.NoError(t, err)
	assert.Equal(t, ka.Material, kb.Material)

	count, err := testutil.GatherAndCount(b.registry, "weave_security_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNode_CASEOverUDPViaDiscovery(t *testing.T) {
	ka, err := crypto.GenerateSigningKey(crypto.CurveP256)
	require.NoError(t, err)
	kb, err := crypto.GenerateSigningKey(crypto.CurveP256)
	require.NoError(t, err)
	da := casesession.NewCertificatePinningDelegate(ka)
	db := casesession.NewCertificatePinningDelegate(kb)
	da.Pin(nodeB, kb.PublicKey())
	db.Pin(nodeA, ka.PublicKey())

	b := startNode(t, nodeB, func(c *NodeConfig) { c.CASEAuthDelegate = db })
	a := startNode(t, nodeA, func(c *NodeConfig) { c.CASEAuthDelegate = da })
	a.resolver.RegisterService(discovery.ServiceWeave,
		discovery.MockNodeService(nodeB, b.port(), net.ParseIP("127.0.0.1")))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	addr, err := a.Browser().Lookup(ctx, nodeB)
	require.NoError(t, err)
	assert.Equal(t, b.port(), addr.(*net.UDPAddr).Port)

	done := make(chan security.Result, 1)
	require.NoError(t, a.Security().StartCASESession(security.CASERequest{
		PeerNodeID: nodeB,
		AuthMode:   message.AuthModeCASEDevice,
		Done:       func(r security.Result) { done <- r },
	}))

	ir := waitResult(t, done, "initiator completion")
	require.NoError(t, ir.Err)
	assert.Equal(t, nodeB, ir.PeerNodeID)
	rr := waitResult(t, b.established, "responder completion")
	assert.Equal(t, ir.KeyID, rr.KeyID)
	assert.Equal(t, message.AuthModeCASEDevice, rr.AuthMode)
}
