package security

import (
	"errors"

	"github.com/mrjerryjohns/openweave-core/pkg/exchange"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/security/handshake"
	"github.com/mrjerryjohns/openweave-core/pkg/session"
)

// KeyError tells a peer that a message it sent could not be decrypted.
type KeyError struct {
	KeyID          uint16
	EncryptionType message.EncryptionType
	Status         handshake.StatusReport
}

// Encode serializes the key error.
func (k *KeyError) Encode() []byte {
	return handshake.NewWriter(9).
		PutUint16(k.KeyID).
		PutUint8(uint8(k.EncryptionType)).
		PutUint32(k.Status.ProfileID).
		PutUint16(uint16(k.Status.StatusCode)).
		Bytes()
}

// DecodeKeyError parses a key error.
func DecodeKeyError(data []byte) (*KeyError, error) {
	r := handshake.NewReader(data)
	k := &KeyError{
		KeyID:          r.Uint16(),
		EncryptionType: message.EncryptionType(r.Uint8()),
	}
	k.Status.ProfileID = r.Uint32()
	k.Status.StatusCode = handshake.StatusCode(r.Uint16())
	if err := r.Done(); err != nil {
		return nil, err
	}
	return k, nil
}

// IsKeyError reports whether err means a message used a key the local node
// cannot use, and so should be answered with SendKeyError.
func IsKeyError(err error) bool {
	for _, target := range []error{
		handshake.ErrKeyNotFound,
		handshake.ErrInvalidKeyID,
		handshake.ErrUnsupportedEncryption,
		session.ErrKeyNotFound,
		session.ErrInvalidKeyID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// SendKeyError reports err for keyID to the peer at dest.
func (m *Manager) SendKeyError(dest exchange.Destination, keyID uint16, encType message.EncryptionType, err error) error {
	if !IsKeyError(err) {
		return handshake.Errorf(handshake.ErrInvalidArgument, "not a key error: %v", err)
	}
	status := handshake.StatusForError(err)
	if errors.Is(err, session.ErrKeyNotFound) {
		status = &handshake.StatusReport{ProfileID: handshake.ProfileSecurity, StatusCode: handshake.StatusKeyNotFound}
	}
	ke := &KeyError{KeyID: keyID, EncryptionType: encType, Status: *status}
	return m.sendOneShot(dest, handshake.MsgTypeKeyError, ke.Encode())
}

// SendEndSession tells the peer at dest that keyID is no longer in use and
// evicts it locally.
func (m *Manager) SendEndSession(dest exchange.Destination, keyID uint16) error {
	if err := m.sendOneShot(dest, handshake.MsgTypeEndSession, handshake.NewWriter(2).PutUint16(keyID).Bytes()); err != nil {
		return err
	}
	peer := dest.NodeID
	if peer == 0 && dest.Conn != nil {
		peer = dest.Conn.PeerNodeID()
	}
	if keys := m.KeyStore(); keys != nil {
		if err := keys.Evict(peer, keyID); err != nil && !errors.Is(err, session.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

func (m *Manager) sendOneShot(dest exchange.Destination, msgType uint8, payload []byte) error {
	ex, err := m.exchange.NewExchange(dest, nil)
	if err != nil {
		return err
	}
	defer ex.Close()
	return ex.SendMessage(handshake.ProfileSecurity, msgType, payload)
}

func (m *Manager) handleKeyError(ex *exchange.Exchange, msg *exchange.Message) {
	defer ex.Close()
	peer := ex.PeerNodeID()
	ke, err := DecodeKeyError(msg.Payload)
	if err != nil {
		if m.log != nil {
			m.log.Warnf("malformed key error from node %016X: %v", peer, err)
		}
		return
	}
	if m.metrics != nil {
		m.metrics.KeyErrors.Inc()
	}
	if keys := m.KeyStore(); keys != nil {
		_ = keys.Evict(peer, ke.KeyID)
	}
	keyErr := ke.Status.Err()
	if keyErr == nil {
		keyErr = handshake.ErrKeyNotFound
	}
	if m.log != nil {
		m.log.Infof("node %016X reported key error for key %04X: %v", peer, ke.KeyID, keyErr)
	}
	if cb := m.callbacks.OnKeyError; cb != nil {
		cb(peer, ke.KeyID, keyErr)
	}
}

func (m *Manager) handleEndSession(ex *exchange.Exchange, msg *exchange.Message) {
	defer ex.Close()
	peer := ex.PeerNodeID()
	r := handshake.NewReader(msg.Payload)
	keyID := r.Uint16()
	if err := r.Done(); err != nil {
		if m.log != nil {
			m.log.Warnf("malformed end session from node %016X: %v", peer, err)
		}
		return
	}
	keys := m.KeyStore()
	if keys == nil || keys.Evict(peer, keyID) != nil {
		return
	}
	if m.log != nil {
		m.log.Debugf("node %016X ended session key %04X", peer, keyID)
	}
	if cb := m.callbacks.OnSessionEnded; cb != nil {
		cb(peer, keyID)
	}
}

// OnEncryptedMessageReceived records traffic on a session key, postponing
// its idle eviction.
func (m *Manager) OnEncryptedMessageReceived(peerNodeID uint64, keyID uint16) error {
	keys := m.KeyStore()
	if keys == nil {
		return handshake.ErrNotInitialized
	}
	return keys.MarkActive(peerNodeID, keyID)
}

// ReserveKey takes a usage lease on a session key.
func (m *Manager) ReserveKey(peerNodeID uint64, keyID uint16) error {
	keys := m.KeyStore()
	if keys == nil {
		return handshake.ErrNotInitialized
	}
	return keys.Reserve(peerNodeID, keyID)
}

// ReleaseKey drops a usage lease taken with ReserveKey.
func (m *Manager) ReleaseKey(peerNodeID uint64, keyID uint16) error {
	keys := m.KeyStore()
	if keys == nil {
		return handshake.ErrNotInitialized
	}
	return keys.Release(peerNodeID, keyID)
}
