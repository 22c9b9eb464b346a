// Package keyexport implements the Weave key export protocol: a single
// round trip in which a node obtains a copy of a secret key held by its
// peer, encrypted under an ECDH-derived key.
//
//	Requester                              Exporter
//	KeyExportRequest (cfg, key id, eph)  -->
//	                                     <-- KeyExportResponse (eph, enc key, mac)
//	                                         or KeyExportReconfigure (cfg)
package keyexport

import (
	"errors"
	"slices"
	"sync"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
)

// Config selects the ECDH curve.
type Config uint32

const (
	ConfigUnspecified Config = 0
	Config1           Config = 1 // P-256
	Config2           Config = 2 // P-384
)

// String returns the config name.
func (c Config) String() string {
	switch c {
	case Config1:
		return "Config1"
	case Config2:
		return "Config2"
	default:
		return "Unspecified"
	}
}

// IsValid reports whether c is a known configuration.
func (c Config) IsValid() bool {
	return c == Config1 || c == Config2
}

// Curve returns the configuration's ECDH curve.
func (c Config) Curve() crypto.Curve {
	if c == Config2 {
		return crypto.CurveP384
	}
	return crypto.CurveP256
}

// DefaultAllowedConfigs lists configurations in preference order.
var DefaultAllowedConfigs = []Config{Config1, Config2}

const (
	encKeySize = crypto.AESCTRKeySize
	macKeySize = 32
	keyInfo    = "Weave Key Export"
)

func containsConfig(list []Config, c Config) bool {
	return slices.Contains(list, c)
}

var (
	ErrUnknownKey  = errors.New("keyexport: unknown key")
	ErrNotAllowed  = errors.New("keyexport: export not allowed")
	ErrUnknownPeer = errors.New("keyexport: unknown peer")
)

// Delegate supplies secrets, authorization and optional message signing.
type Delegate interface {
	// GetSecretKey returns the key to export.
	GetSecretKey(keyID uint32) ([]byte, error)

	// ValidateRequest decides whether a peer may export a key.
	ValidateRequest(peerNodeID uint64, keyID uint32) error

	// GenerateSignature signs an outgoing message.
	GenerateSignature(msg []byte) ([]byte, error)

	// VerifySignature checks a peer's signature.
	VerifySignature(peerNodeID uint64, msg, signature []byte) error
}

// MemoryDelegate is an in-memory Delegate. Peers listed with AllowExport
// may export any stored key.
type MemoryDelegate struct {
	signer *crypto.SigningKey

	mu      sync.RWMutex
	keys    map[uint32][]byte
	allowed map[uint64]bool
	peers   map[uint64][]byte
}

// NewMemoryDelegate creates a delegate that signs with signer. signer may
// be nil when signed messages are not used.
func NewMemoryDelegate(signer *crypto.SigningKey) *MemoryDelegate {
	return &MemoryDelegate{
		signer:  signer,
		keys:    make(map[uint32][]byte),
		allowed: make(map[uint64]bool),
		peers:   make(map[uint64][]byte),
	}
}

// AddKey stores an exportable key.
func (d *MemoryDelegate) AddKey(keyID uint32, key []byte) {
	d.mu.Lock()
	d.keys[keyID] = append([]byte(nil), key...)
	d.mu.Unlock()
}

// AllowExport authorizes a peer.
func (d *MemoryDelegate) AllowExport(peerNodeID uint64) {
	d.mu.Lock()
	d.allowed[peerNodeID] = true
	d.mu.Unlock()
}

// PinPeer records the P-256 public key a peer signs with.
func (d *MemoryDelegate) PinPeer(peerNodeID uint64, publicKey []byte) {
	d.mu.Lock()
	d.peers[peerNodeID] = append([]byte(nil), publicKey...)
	d.mu.Unlock()
}

// GetSecretKey implements Delegate.
func (d *MemoryDelegate) GetSecretKey(keyID uint32) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	return append([]byte(nil), key...), nil
}

// ValidateRequest implements Delegate.
func (d *MemoryDelegate) ValidateRequest(peerNodeID uint64, keyID uint32) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.allowed[peerNodeID] {
		return ErrNotAllowed
	}
	if _, ok := d.keys[keyID]; !ok {
		return ErrUnknownKey
	}
	return nil
}

// GenerateSignature implements Delegate.
func (d *MemoryDelegate) GenerateSignature(msg []byte) ([]byte, error) {
	if d.signer == nil {
		return nil, crypto.ErrInvalidSignature
	}
	return d.signer.Sign(crypto.SHA256, msg)
}

// VerifySignature implements Delegate.
func (d *MemoryDelegate) VerifySignature(peerNodeID uint64, msg, signature []byte) error {
	d.mu.RLock()
	pub, ok := d.peers[peerNodeID]
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	return crypto.Verify(crypto.CurveP256, pub, crypto.SHA256, msg, signature)
}
