package exchange

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjerryjohns/openweave-core/pkg/system"
	"github.com/mrjerryjohns/openweave-core/pkg/transport"
)

const (
	testProfile  uint32 = 0x0000_0004
	testMsgType  uint8  = 1
	testReplyMsg uint8  = 2
)

type recordingDelegate struct {
	msgs   chan *Message
	closed chan error
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{msgs: make(chan *Message, 8), closed: make(chan error, 1)}
}

func (d *recordingDelegate) OnMessageReceived(_ *Exchange, msg *Message) { d.msgs <- msg }
func (d *recordingDelegate) OnConnectionClosed(_ *Exchange, err error) { d.closed <- err }

type node struct {
	layer   *system.Layer
	manager *Manager
	conn    *transport.Conn
}

func runLayer(t *testing.T, l *system.Layer) {
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
}

func newConnectedNodes(t *testing.T) (*node, *node) {
	t.Helper()
	p := transport.NewPipe()
	t.Cleanup(func() { p.Close() })
	c0, c1 := transport.NewPipeConnPair(p, 0xA, 0xB, nil)

	var nodes [2]*node
	for i, c := range []*transport.Conn{c0, c1} {
		l := system.NewLayer(system.LayerConfig{})
		runLayer(t, l)
		m := NewManager(ManagerConfig{Layer: l, LocalNodeID: uint64(0xA + i)})
		require.NoError(t, m.AddConnection(c))
		nodes[i] = &node{layer: l, manager: m, conn: c}
	}
	return nodes[0], nodes[1]
}

func TestManager_UnsolicitedAndReply(t *testing.T) {
	a, b := newConnectedNodes(t)

	unsolicited := make(chan *Message, 1)
	require.NoError(t, b.manager.RegisterUnsolicitedHandler(testProfile, testMsgType, func(ex *Exchange, msg *Message) {
		assert.Equal(t, RoleResponder, ex.Role())
		assert.Equal(t, uint64(0xA), ex.PeerNodeID())
		unsolicited <- msg
		assert.NoError(t, ex.SendMessage(testProfile, testReplyMsg, []byte("pong")))
		ex.Close()
	}))

	d := newRecordingDelegate()
	ex, err := a.manager.NewExchange(Destination{Conn: a.conn}, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xB), ex.PeerNodeID())
	require.NoError(t, ex.SendMessage(testProfile, testMsgType, []byte("ping")))

	select {
	case msg := <-unsolicited:
		assert.Equal(t, "ping", string(msg.Payload))
		assert.True(t, msg.Header.Initiator)
		assert.Equal(t, ex.ID(), msg.Header.ExchangeID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for unsolicited message")
	}

	select {
	case msg := <-d.msgs:
		assert.Equal(t, "pong", string(msg.Payload))
		assert.Equal(t, testReplyMsg, msg.Header.MessageType)
		assert.False(t, msg.Header.Initiator)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reply")
	}

	ex.Close()
	ex.Close()
	assert.Equal(t, 0, a.manager.ExchangeCount())
	assert.ErrorIs(t, ex.SendMessage(testProfile, testMsgType, nil), ErrExchangeClosed)
}

func TestManager_DropsUnregistered(t *testing.T) {
	a, b := newConnectedNodes(t)

	got := make(chan struct{}, 1)
	require.NoError(t, b.manager.RegisterUnsolicitedHandler(testProfile, testMsgType, func(ex *Exchange, _ *Message) {
		got <- struct{}{}
		ex.Close()
	}))
	b.manager.UnregisterUnsolicitedHandler(testProfile, testMsgType)

	ex, err := a.manager.NewExchange(Destination{Conn: a.conn}, nil)
	require.NoError(t, err)
	require.NoError(t, ex.SendMessage(testProfile, testMsgType, nil))

	select {
	case <-got:
		t.Fatal("unregistered handler was invoked")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, b.manager.ExchangeCount())
}

func TestManager_DuplicateHandler(t *testing.T) {
	m := NewManager(ManagerConfig{Layer: system.NewLayer(system.LayerConfig{})})
	h := func(*Exchange, *Message) {}
	require.NoError(t, m.RegisterUnsolicitedHandler(testProfile, testMsgType, h))
	assert.ErrorIs(t, m.RegisterUnsolicitedHandler(testProfile, testMsgType, h), ErrHandlerExists)
}

func TestManager_ConnectionClosed(t *testing.T) {
	a, _ := newConnectedNodes(t)

	d := newRecordingDelegate()
	_, err := a.manager.NewExchange(Destination{Conn: a.conn}, d)
	require.NoError(t, err)

	a.conn.Close()

	select {
	case <-d.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection closed")
	}
}

type staticResolver map[uint64]net.Addr

func (r staticResolver) ResolveNode(id uint64) (net.Addr, error) {
	if a, ok := r[id]; ok {
		return a, nil
	}
	return nil, ErrNoRoute
}

func TestManager_DatagramViaResolver(t *testing.T) {
	p := transport.NewPipe()
	defer p.Close()
	pc0, pc1 := transport.NewPipePacketConnPair(p)

	e0, err := transport.NewEndpoint(transport.EndpointConfig{Conn: pc0})
	require.NoError(t, err)
	e1, err := transport.NewEndpoint(transport.EndpointConfig{Conn: pc1})
	require.NoError(t, err)

	l0 := system.NewLayer(system.LayerConfig{})
	l1 := system.NewLayer(system.LayerConfig{})
	runLayer(t, l0)
	runLayer(t, l1)

	m0 := NewManager(ManagerConfig{
		Layer:       l0,
		LocalNodeID: 1,
		Endpoint:    e0,
		Resolver:    staticResolver{2: transport.PipeAddr{ID: 1}},
	})
	m1 := NewManager(ManagerConfig{Layer: l1, LocalNodeID: 2, Endpoint: e1})

	got := make(chan *Exchange, 1)
	require.NoError(t, m1.RegisterUnsolicitedHandler(testProfile, testMsgType, func(ex *Exchange, _ *Message) {
		got <- ex
	}))

	_, err = m0.NewExchange(Destination{NodeID: 3}, nil)
	assert.ErrorIs(t, err, ErrNoRoute)

	ex, err := m0.NewExchange(Destination{NodeID: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, ex.SendMessage(testProfile, testMsgType, []byte{1}))

	select {
	case rex := <-got:
		assert.Equal(t, uint64(1), rex.PeerNodeID())
		assert.Nil(t, rex.Conn())
		assert.NotNil(t, rex.PeerAddr())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for datagram exchange")
	}
}

func TestManager_NoRouteWithoutEndpoint(t *testing.T) {
	m := NewManager(ManagerConfig{Layer: system.NewLayer(system.LayerConfig{})})
	_, err := m.NewExchange(Destination{NodeID: 5}, nil)
	assert.ErrorIs(t, err, ErrNoRoute)
}
