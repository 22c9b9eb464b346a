// Package session holds the session keys produced by the security handshakes.
//
// Keys are addressed by (peer node id, key id). Callers reserve a key while a
// message using it is in flight; keys that stay unreserved for the idle
// timeout are evicted by a single sweep timer and their material is wiped.
// An explicitly evicted key that is still reserved is retired: it accepts no
// new reservations and is wiped when its last reservation is released.
package session

import (
	"math"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/system"
)

const (
	// MinKeyID is the smallest session key id. Key id 0 means "no key".
	MinKeyID uint16 = 1

	// DefaultMaxKeys is the default key store capacity.
	DefaultMaxKeys = 32

	// DefaultIdleTimeout matches the Weave default idle session timeout.
	DefaultIdleTimeout = 15 * time.Second
)

// KeyRef addresses a key in the store.
type KeyRef struct {
	PeerNodeID uint64
	KeyID      uint16
}

// Key describes a session key. Material is a copy owned by the caller.
type Key struct {
	KeyRef
	EncryptionType message.EncryptionType
	AuthMode       message.AuthMode
	Material       []byte
	Reservations   uint32
}

type entry struct {
	key          Key
	idleDeadline time.Time
	retired      bool
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Layer schedules the idle sweep. Required.
	Layer *system.Layer

	// IdleTimeout is how long an unreserved key survives without use.
	// If zero, DefaultIdleTimeout is used.
	IdleTimeout time.Duration

	// MaxKeys bounds the number of installed keys.
	// If zero, DefaultMaxKeys is used.
	MaxKeys int

	// OnEvicted is called, outside the store lock, after an idle eviction.
	OnEvicted func(ref KeyRef)

	// LoggerFactory creates the store logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Store is the session key store. It is safe for concurrent use.
type Store struct {
	layer       *system.Layer
	idleTimeout time.Duration
	maxKeys     int
	onEvicted   func(KeyRef)
	log         logging.LeveledLogger

	mu         sync.Mutex
	keys       map[KeyRef]*entry
	nextKeyID  map[uint64]uint16
	sweepTask  system.TaskID
	sweepArmed bool
}

// NewStore creates a new key store.
func NewStore(config StoreConfig) *Store {
	s := &Store{
		layer:       config.Layer,
		idleTimeout: config.IdleTimeout,
		maxKeys:     config.MaxKeys,
		onEvicted:   config.OnEvicted,
		keys:        make(map[KeyRef]*entry),
		nextKeyID:   make(map[uint64]uint16),
		sweepTask:   config.Layer.NewTaskID(),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	if s.maxKeys <= 0 {
		s.maxKeys = DefaultMaxKeys
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("session")
	}
	return s
}

// SetIdleTimeout changes the idle timeout for keys released from now on.
func (s *Store) SetIdleTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.idleTimeout = d
	}
}

// AllocateKeyID returns a key id not currently in use for peer. Ids are
// handed out sequentially, wrapping around and skipping 0.
func (s *Store) AllocateKeyID(peerNodeID uint64) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.nextFreeLocked(peerNodeID)
	if err != nil {
		return 0, err
	}
	s.commitLocked(peerNodeID, id)
	return id, nil
}

// PeekKeyID returns the id AllocateKeyID would hand out for peer without
// consuming it. CommitKeyID consumes it.
func (s *Store) PeekKeyID(peerNodeID uint64) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFreeLocked(peerNodeID)
}

// CommitKeyID advances the allocator for peer past keyID.
func (s *Store) CommitKeyID(peerNodeID uint64, keyID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked(peerNodeID, keyID)
}

func (s *Store) nextFreeLocked(peerNodeID uint64) (uint16, error) {
	next := s.nextKeyID[peerNodeID]
	if next == 0 {
		next = MinKeyID
	}
	start := next
	for {
		id := next
		if _, exists := s.keys[KeyRef{peerNodeID, id}]; !exists {
			return id, nil
		}
		next++
		if next == 0 {
			next = MinKeyID
		}
		if next == start {
			return 0, ErrKeyIDExhausted
		}
	}
}

func (s *Store) commitLocked(peerNodeID uint64, keyID uint16) {
	next := keyID + 1
	if next == 0 {
		next = MinKeyID
	}
	s.nextKeyID[peerNodeID] = next
}

// Install adds a key and starts its idle timer. The material is copied.
func (s *Store) Install(peerNodeID uint64, keyID uint16, material []byte, encType message.EncryptionType, authMode message.AuthMode) (uint16, error) {
	if keyID == 0 {
		return 0, ErrInvalidKeyID
	}
	if size := encType.KeySize(); size != 0 && len(material) != size {
		return 0, ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := KeyRef{peerNodeID, keyID}
	if _, exists := s.keys[ref]; exists {
		return 0, ErrDuplicateKey
	}
	if len(s.keys) >= s.maxKeys {
		return 0, ErrStoreFull
	}

	s.keys[ref] = &entry{
		key: Key{
			KeyRef:         ref,
			EncryptionType: encType,
			AuthMode:       authMode,
			Material:       append([]byte(nil), material...),
		},
		idleDeadline: s.layer.Now().Add(s.idleTimeout),
	}
	s.armSweepLocked()

	if s.log != nil {
		s.log.Debugf("installed key %04x for node %016x (%s)", keyID, peerNodeID, encType)
	}
	return keyID, nil
}

// Reserve takes a usage lease on a key, blocking its idle eviction.
// The count saturates at its maximum.
func (s *Store) Reserve(peerNodeID uint64, keyID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[KeyRef{peerNodeID, keyID}]
	if !ok || e.retired {
		return ErrKeyNotFound
	}
	if e.key.Reservations < math.MaxUint32 {
		e.key.Reservations++
	}
	return nil
}

// Release drops a usage lease. The idle timeout restarts when the last lease
// is released, or the key is wiped if it was retired. Releasing an
// unreserved key is a no-op.
func (s *Store) Release(peerNodeID uint64, keyID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := KeyRef{peerNodeID, keyID}
	e, ok := s.keys[ref]
	if !ok {
		return ErrKeyNotFound
	}
	if e.key.Reservations == 0 {
		if s.log != nil {
			s.log.Warnf("release of unreserved key %04x for node %016x", keyID, peerNodeID)
		}
		return nil
	}
	e.key.Reservations--
	if e.key.Reservations == 0 && e.retired {
		s.removeLocked(ref, e)
		if s.log != nil {
			s.log.Debugf("retired key %04x for node %016x released", keyID, peerNodeID)
		}
		return nil
	}
	if e.key.Reservations == 0 {
		e.idleDeadline = s.layer.Now().Add(s.idleTimeout)
		s.armSweepLocked()
	}
	return nil
}

// MarkActive records traffic on a key, pushing back its idle deadline.
func (s *Store) MarkActive(peerNodeID uint64, keyID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[KeyRef{peerNodeID, keyID}]
	if !ok || e.retired {
		return ErrKeyNotFound
	}
	e.idleDeadline = s.layer.Now().Add(s.idleTimeout)
	return nil
}

// Lookup returns a copy of the key. A retired key stays visible to the
// holders of its remaining reservations.
func (s *Store) Lookup(peerNodeID uint64, keyID uint16) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[KeyRef{peerNodeID, keyID}]
	if !ok {
		return Key{}, ErrKeyNotFound
	}
	k := e.key
	k.Material = append([]byte(nil), e.key.Material...)
	return k, nil
}

// Evict wipes and removes a key. A reserved key is retired instead and
// wiped on its last Release.
func (s *Store) Evict(peerNodeID uint64, keyID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := KeyRef{peerNodeID, keyID}
	e, ok := s.keys[ref]
	if !ok || e.retired {
		return ErrKeyNotFound
	}
	if e.key.Reservations > 0 {
		e.retired = true
		return nil
	}
	s.removeLocked(ref, e)
	return nil
}

// Contains reports whether keyID is in use for peer, including retired
// keys still awaiting release.
func (s *Store) Contains(peerNodeID uint64, keyID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[KeyRef{peerNodeID, keyID}]
	return ok
}

// Count returns the number of installed keys.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Clear wipes every key and cancels the sweep.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, e := range s.keys {
		s.removeLocked(ref, e)
	}
	s.layer.CancelTimer(s.sweepTask)
	s.sweepArmed = false
}

// IdleTimerArmed reports whether the idle sweep is scheduled.
func (s *Store) IdleTimerArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepArmed
}

func (s *Store) removeLocked(ref KeyRef, e *entry) {
	crypto.Zeroize(e.key.Material)
	e.key.Material = nil
	delete(s.keys, ref)
}

// armSweepLocked schedules the sweep for the earliest idle deadline among
// unreserved keys, or stops it when there are none.
func (s *Store) armSweepLocked() {
	var earliest time.Time
	found := false
	for _, e := range s.keys {
		if e.key.Reservations > 0 {
			continue
		}
		if !found || e.idleDeadline.Before(earliest) {
			earliest = e.idleDeadline
			found = true
		}
	}
	if !found {
		if s.sweepArmed {
			s.layer.CancelTimer(s.sweepTask)
			s.sweepArmed = false
		}
		return
	}
	s.layer.StartTimerWithID(s.sweepTask, earliest.Sub(s.layer.Now()), s.sweep)
	s.sweepArmed = true
}

func (s *Store) sweep() {
	now := s.layer.Now()

	s.mu.Lock()
	s.sweepArmed = false
	var evicted []KeyRef
	for ref, e := range s.keys {
		if e.key.Reservations == 0 && !e.idleDeadline.After(now) {
			s.removeLocked(ref, e)
			evicted = append(evicted, ref)
		}
	}
	s.armSweepLocked()
	s.mu.Unlock()

	for _, ref := range evicted {
		if s.log != nil {
			s.log.Infof("idle session key %04x for node %016x evicted", ref.KeyID, ref.PeerNodeID)
		}
		if s.onEvicted != nil {
			s.onEvicted(ref)
		}
	}
}
