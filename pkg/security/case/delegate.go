package casesession

import (
	"errors"
	"sync"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
)

// PeerIdentity is the outcome of validating a peer's certificate info.
type PeerIdentity struct {
	Curve     crypto.Curve
	PublicKey []byte
	AuthMode  message.AuthMode
}

// AuthDelegate supplies local credentials and validates peers.
type AuthDelegate interface {
	// GetNodeCertInfo returns the certificate info sent to the peer.
	GetNodeCertInfo(isInitiator bool) ([]byte, error)

	// GenerateNodeSignature signs msg with the node key.
	GenerateNodeSignature(msg []byte, alg crypto.HashAlg) ([]byte, error)

	// BeginValidation checks the peer's certificate info and returns the
	// key that must have signed the peer's message.
	BeginValidation(peerNodeID uint64, certInfo []byte, isInitiator bool) (*PeerIdentity, error)

	// EndValidation reports the outcome of signature verification.
	EndValidation(peerNodeID uint64, err error)
}

// ErrPeerNotPinned is returned for a peer without a pinned key.
var ErrPeerNotPinned = errors.New("casesession: peer key not pinned")

// EncodeCertInfo encodes the certificate info used by
// CertificatePinningDelegate: the signing curve and public key.
func EncodeCertInfo(c crypto.Curve, publicKey []byte) []byte {
	return handshake.NewWriter(len(publicKey) + 6).PutUint32(uint32(c)).PutBytes(publicKey).Bytes()
}

// DecodeCertInfo parses EncodeCertInfo output.
func DecodeCertInfo(data []byte) (crypto.Curve, []byte, error) {
	r := handshake.NewReader(data)
	c := crypto.Curve(r.Uint32())
	pub := r.Bytes()
	if err := r.Done(); err != nil {
		return 0, nil, err
	}
	return c, pub, nil
}

// CertificatePinningDelegate authenticates peers by a pinned public key
// per node id.
type CertificatePinningDelegate struct {
	key      *crypto.SigningKey
	authMode message.AuthMode

	mu     sync.RWMutex
	pinned map[uint64][]byte
}

// NewCertificatePinningDelegate creates a delegate signing with key.
func NewCertificatePinningDelegate(key *crypto.SigningKey) *CertificatePinningDelegate {
	return &CertificatePinningDelegate{
		key:      key,
		authMode: message.AuthModeCASEDevice,
		pinned:   make(map[uint64][]byte),
	}
}

// Pin records the public key of a peer.
func (d *CertificatePinningDelegate) Pin(nodeID uint64, publicKey []byte) {
	d.mu.Lock()
	d.pinned[nodeID] = append([]byte(nil), publicKey...)
	d.mu.Unlock()
}

// PublicKey returns the local public key.
func (d *CertificatePinningDelegate) PublicKey() []byte {
	return d.key.PublicKey()
}

// GetNodeCertInfo implements AuthDelegate.
func (d *CertificatePinningDelegate) GetNodeCertInfo(bool) ([]byte, error) {
	return EncodeCertInfo(d.key.Curve(), d.key.PublicKey()), nil
}

// GenerateNodeSignature implements AuthDelegate.
func (d *CertificatePinningDelegate) GenerateNodeSignature(msg []byte, alg crypto.HashAlg) ([]byte, error) {
	return d.key.Sign(alg, msg)
}

// BeginValidation implements AuthDelegate.
func (d *CertificatePinningDelegate) BeginValidation(peerNodeID uint64, certInfo []byte, _ bool) (*PeerIdentity, error) {
	c, pub, err := DecodeCertInfo(certInfo)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	pinned, ok := d.pinned[peerNodeID]
	d.mu.RUnlock()
	if !ok || !crypto.HMACEqual(pinned, pub) {
		return nil, ErrPeerNotPinned
	}
	return &PeerIdentity{Curve: c, PublicKey: pub, AuthMode: d.authMode}, nil
}

// EndValidation implements AuthDelegate.
func (d *CertificatePinningDelegate) EndValidation(uint64, error) {}
