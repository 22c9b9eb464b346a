package keyexport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake/handshaketest"
)

const (
	requesterNode uint64 = 0x18B4300000000031
	exporterNode  uint64 = 0x18B4300000000032
	clientRootKey uint32 = 0x00010400
)

var secretKey = bytes.Repeat([]byte{0x5A}, 32)

type fixture struct {
	requester *MemoryDelegate
	exporter  *MemoryDelegate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rk, err := crypto.GenerateSigningKey(crypto.CurveP256)
	require.NoError(t, err)
	ek, err := crypto.GenerateSigningKey(crypto.CurveP256)
	require.NoError(t, err)

	f := &fixture{
		requester: NewMemoryDelegate(rk),
		exporter:  NewMemoryDelegate(ek),
	}
	f.requester.PinPeer(exporterNode, ek.PublicKey())
	f.exporter.PinPeer(requesterNode, rk.PublicKey())
	f.exporter.AddKey(clientRootKey, secretKey)
	f.exporter.AllowExport(requesterNode)
	return f
}

func (f *fixture) newRequester(t *testing.T, mutate func(*RequesterConfig)) *Session {
	t.Helper()
	cfg := RequesterConfig{
		PeerNodeID: exporterNode,
		KeyID:      clientRootKey,
		Delegate:   f.requester,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewRequester(cfg)
	require.NoError(t, err)
	return s
}

func (f *fixture) exporters(t *testing.T, allowed ...Config) func() handshake.Engine {
	return func() handshake.Engine {
		s, err := NewExporter(ExporterConfig{
			PeerNodeID:     requesterNode,
			AllowedConfigs: allowed,
			Delegate:       f.exporter,
		})
		require.NoError(t, err)
		return s
	}
}

func TestKeyExport_Success(t *testing.T) {
	for _, sign := range []bool{false, true} {
		f := newFixture(t)
		out := handshaketest.Run(f.newRequester(t, func(c *RequesterConfig) {
			c.SignMessages = sign
		}), f.exporters(t))

		require.NotNil(t, out.Initiator, "sign=%v", sign)
		require.Equal(t, handshake.ActionComplete, out.Initiator.Kind, "err: %v", out.Initiator.Err)
		r := out.Initiator.Result
		assert.Equal(t, handshake.ProtocolKeyExport, r.Protocol)
		assert.Equal(t, clientRootKey, r.ExportedKeyID)
		assert.Equal(t, secretKey, r.ExportedKey)
		assert.Equal(t, exporterNode, r.PeerNodeID)
		assert.Nil(t, r.SessionKey)
		assert.Equal(t, 2, out.Messages)
	}
}

func TestKeyExport_Reconfigure(t *testing.T) {
	f := newFixture(t)
	requester := f.newRequester(t, func(c *RequesterConfig) { c.Config = Config2 })
	out := handshaketest.Run(requester, f.exporters(t, Config1))

	require.NotNil(t, out.Initiator)
	require.Equal(t, handshake.ActionComplete, out.Initiator.Kind)
	assert.Equal(t, 1, out.Reconfigurations)
	assert.Equal(t, Config1, requester.Config())
	assert.Equal(t, secretKey, out.Initiator.Result.ExportedKey)
}

func TestKeyExport_SecondReconfigureFails(t *testing.T) {
	f := newFixture(t)
	requester := f.newRequester(t, nil)
	require.Equal(t, handshake.ActionSend, requester.Start().Kind)

	act := requester.Process(handshake.Message{Type: handshake.MsgTypeKeyExportReconfigure, Payload: encodeConfig(Config2)})
	require.Equal(t, handshake.ActionReconfigure, act.Kind)

	act = requester.Process(handshake.Message{Type: handshake.MsgTypeKeyExportReconfigure, Payload: encodeConfig(Config1)})
	require.Equal(t, handshake.ActionFail, act.Kind)
	assert.ErrorIs(t, act.Err, handshake.ErrTooManyReconfigurations)
}

func TestKeyExport_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.exporter = NewMemoryDelegate(nil)
	f.exporter.AddKey(clientRootKey, secretKey)

	out := handshaketest.Run(f.newRequester(t, nil), f.exporters(t))
	require.NotNil(t, out.Responder)
	require.Equal(t, handshake.ActionFail, out.Responder.Kind)
	assert.ErrorIs(t, out.Responder.Err, handshake.ErrUnauthorizedKeyExport)
	assert.True(t, handshake.KindOf(out.Responder.Err).IsPeerVisible())
}

func TestKeyExport_UnknownKey(t *testing.T) {
	f := newFixture(t)
	out := handshaketest.Run(f.newRequester(t, func(c *RequesterConfig) { c.KeyID = 0x7777 }), f.exporters(t))
	require.NotNil(t, out.Responder)
	assert.ErrorIs(t, out.Responder.Err, handshake.ErrUnauthorizedKeyExport)
}

func TestKeyExport_BadSignature(t *testing.T) {
	f := newFixture(t)
	other, err := crypto.GenerateSigningKey(crypto.CurveP256)
	require.NoError(t, err)
	f.exporter.PinPeer(requesterNode, other.PublicKey())

	out := handshaketest.Run(f.newRequester(t, func(c *RequesterConfig) { c.SignMessages = true }), f.exporters(t))
	require.NotNil(t, out.Responder)
	assert.ErrorIs(t, out.Responder.Err, handshake.ErrInvalidSignature)
}

func TestKeyExport_TamperedResponse(t *testing.T) {
	f := newFixture(t)
	requester := f.newRequester(t, nil)
	first := requester.Start()

	exporter := f.exporters(t)()
	act := exporter.Process(first.Messages[0])
	require.Equal(t, handshake.ActionComplete, act.Kind)

	resp, _, err := DecodeResponse(act.Messages[0].Payload)
	require.NoError(t, err)
	resp.EncryptedKey[0] ^= 0x01

	act = requester.Process(handshake.Message{Type: handshake.MsgTypeKeyExportResponse, Payload: resp.Encode()})
	require.Equal(t, handshake.ActionFail, act.Kind)
	assert.ErrorIs(t, act.Err, handshake.ErrAuthenticationFailed)
}

func TestNewRequester_Validation(t *testing.T) {
	_, err := NewRequester(RequesterConfig{KeyID: 1})
	assert.ErrorIs(t, err, handshake.ErrNoAuthDelegate)

	_, err = NewRequester(RequesterConfig{Delegate: NewMemoryDelegate(nil)})
	assert.ErrorIs(t, err, handshake.ErrInvalidKeyID)
}
