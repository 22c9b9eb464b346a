package session

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
	"github.com/mrjerryjohns/openweave-core/pkg/system"
)

const testIdle = 10 * time.Second

func newTestStore(t *testing.T) (*Store, *system.Layer, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	layer := system.NewLayer(system.LayerConfig{Clock: clk})
	return NewStore(StoreConfig{Layer: layer, IdleTimeout: testIdle}), layer, clk
}

func testMaterial() []byte {
	return bytes.Repeat([]byte{0x5A}, message.EncryptionAES128CTRSHA1.KeySize())
}

func advance(clk *clock.Mock, layer *system.Layer, d time.Duration) {
	clk.Add(d)
	layer.ServiceEvents()
}

func TestStore_AllocateKeyID(t *testing.T) {
	t.Run("sequential per peer", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		for want := uint16(1); want <= 3; want++ {
			id, err := s.AllocateKeyID(7)
			if err != nil {
				t.Fatalf("AllocateKeyID() error = %v", err)
			}
			if id != want {
				t.Errorf("AllocateKeyID() = %d, want %d", id, want)
			}
		}
		id, _ := s.AllocateKeyID(8)
		if id != 1 {
			t.Errorf("AllocateKeyID(other peer) = %d, want 1", id)
		}
	})

	t.Run("peek does not consume", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		for i := 0; i < 2; i++ {
			id, err := s.PeekKeyID(7)
			if err != nil || id != 1 {
				t.Fatalf("PeekKeyID() = %d, %v, want 1", id, err)
			}
		}
		s.CommitKeyID(7, 1)
		if id, _ := s.PeekKeyID(7); id != 2 {
			t.Errorf("PeekKeyID() after commit = %d, want 2", id)
		}
		s.CommitKeyID(7, math.MaxUint16)
		if id, _ := s.AllocateKeyID(7); id != MinKeyID {
			t.Errorf("AllocateKeyID() after wrap = %d, want %d", id, MinKeyID)
		}
	})

	t.Run("skips installed ids", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		if _, err := s.Install(7, 1, testMaterial(), message.EncryptionAES128CTRSHA1, message.AuthModeCASEAnyCert); err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		id, _ := s.AllocateKeyID(7)
		if id != 2 {
			t.Errorf("AllocateKeyID() = %d, want 2", id)
		}
	})
}

func TestStore_Install(t *testing.T) {
	s, _, _ := newTestStore(t)
	material := testMaterial()

	if _, err := s.Install(1, 0, material, message.EncryptionAES128CTRSHA1, 0); !errors.Is(err, ErrInvalidKeyID) {
		t.Errorf("Install(key 0) error = %v, want %v", err, ErrInvalidKeyID)
	}
	if _, err := s.Install(1, 5, material[:4], message.EncryptionAES128CTRSHA1, 0); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Install(short key) error = %v, want %v", err, ErrInvalidKey)
	}

	id, err := s.Install(1, 5, material, message.EncryptionAES128CTRSHA1, message.AuthModePASEPairingCode)
	if err != nil || id != 5 {
		t.Fatalf("Install() = %d, %v", id, err)
	}
	if _, err := s.Install(1, 5, material, message.EncryptionAES128CTRSHA1, 0); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Install(duplicate) error = %v, want %v", err, ErrDuplicateKey)
	}

	// The store keeps its own copy.
	material[0] = 0
	k, err := s.Lookup(1, 5)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if k.Material[0] != 0x5A {
		t.Error("Install() must copy key material")
	}
	if k.AuthMode != message.AuthModePASEPairingCode {
		t.Errorf("AuthMode = %v, want %v", k.AuthMode, message.AuthModePASEPairingCode)
	}
	if !s.IdleTimerArmed() {
		t.Error("idle timer should be armed after Install")
	}
}

func TestStore_Full(t *testing.T) {
	clk := clock.NewMock()
	layer := system.NewLayer(system.LayerConfig{Clock: clk})
	s := NewStore(StoreConfig{Layer: layer, MaxKeys: 1})

	if _, err := s.Install(1, 1, nil, message.EncryptionNone, 0); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := s.Install(1, 2, nil, message.EncryptionNone, 0); !errors.Is(err, ErrStoreFull) {
		t.Errorf("Install() error = %v, want %v", err, ErrStoreFull)
	}
}

func TestStore_IdleEviction(t *testing.T) {
	s, layer, clk := newTestStore(t)

	var evicted []KeyRef
	s.onEvicted = func(ref KeyRef) { evicted = append(evicted, ref) }

	if _, err := s.Install(1, 1, testMaterial(), message.EncryptionAES128CTRSHA1, 0); err != nil {
		t.Fatal(err)
	}

	advance(clk, layer, testIdle-time.Second)
	if _, err := s.Lookup(1, 1); err != nil {
		t.Fatalf("Lookup() before timeout error = %v", err)
	}

	advance(clk, layer, time.Second)
	if _, err := s.Lookup(1, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Lookup() after timeout error = %v, want %v", err, ErrKeyNotFound)
	}
	if len(evicted) != 1 || evicted[0] != (KeyRef{1, 1}) {
		t.Errorf("evicted = %v, want [{1 1}]", evicted)
	}
	if s.IdleTimerArmed() {
		t.Error("idle timer should stop when no keys remain")
	}
}

func TestStore_ReservedKeySurvivesIdleTimeout(t *testing.T) {
	s, layer, clk := newTestStore(t)

	if _, err := s.Install(1, 1, testMaterial(), message.EncryptionAES128CTRSHA1, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(1, 1); err != nil {
		t.Fatal(err)
	}

	advance(clk, layer, 3*testIdle)
	if _, err := s.Lookup(1, 1); err != nil {
		t.Fatalf("reserved key evicted: %v", err)
	}

	if err := s.Release(1, 1); err != nil {
		t.Fatal(err)
	}
	advance(clk, layer, testIdle-time.Millisecond)
	if _, err := s.Lookup(1, 1); err != nil {
		t.Fatalf("key evicted before idle timeout after release: %v", err)
	}
	advance(clk, layer, time.Millisecond)
	if _, err := s.Lookup(1, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Lookup() error = %v, want %v", err, ErrKeyNotFound)
	}
}

func TestStore_ReserveCancelsPendingEviction(t *testing.T) {
	s, layer, clk := newTestStore(t)

	if _, err := s.Install(1, 1, testMaterial(), message.EncryptionAES128CTRSHA1, 0); err != nil {
		t.Fatal(err)
	}
	advance(clk, layer, testIdle-time.Millisecond)

	// The sweep is due in 1ms; the reservation must win.
	if err := s.Reserve(1, 1); err != nil {
		t.Fatal(err)
	}
	advance(clk, layer, time.Second)
	if _, err := s.Lookup(1, 1); err != nil {
		t.Errorf("Lookup() error = %v", err)
	}
}

func TestStore_MarkActiveExtendsDeadline(t *testing.T) {
	s, layer, clk := newTestStore(t)

	if _, err := s.Install(1, 1, testMaterial(), message.EncryptionAES128CTRSHA1, 0); err != nil {
		t.Fatal(err)
	}
	advance(clk, layer, testIdle/2)
	if err := s.MarkActive(1, 1); err != nil {
		t.Fatal(err)
	}
	advance(clk, layer, testIdle/2+time.Second)
	if _, err := s.Lookup(1, 1); err != nil {
		t.Errorf("active key evicted: %v", err)
	}
	advance(clk, layer, testIdle)
	if s.Count() != 0 {
		t.Errorf("Count() = %d, want 0", s.Count())
	}
}

func TestStore_SaturatingReservations(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Install(1, 1, nil, message.EncryptionNone, 0); err != nil {
		t.Fatal(err)
	}

	// Releasing an unreserved key leaves the count at zero.
	if err := s.Release(1, 1); err != nil {
		t.Fatal(err)
	}
	k, _ := s.Lookup(1, 1)
	if k.Reservations != 0 {
		t.Errorf("Reservations = %d, want 0", k.Reservations)
	}

	s.keys[KeyRef{1, 1}].key.Reservations = math.MaxUint32
	if err := s.Reserve(1, 1); err != nil {
		t.Fatal(err)
	}
	k, _ = s.Lookup(1, 1)
	if k.Reservations != math.MaxUint32 {
		t.Errorf("Reservations = %d, want saturation at MaxUint32", k.Reservations)
	}
}

func TestStore_EvictWipesMaterial(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Install(1, 1, testMaterial(), message.EncryptionAES128CTRSHA1, 0); err != nil {
		t.Fatal(err)
	}
	stored := s.keys[KeyRef{1, 1}].key.Material

	if err := s.Evict(1, 1); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	for i, b := range stored {
		if b != 0 {
			t.Fatalf("material[%d] = %#x after eviction, want 0", i, b)
		}
	}
	if err := s.Evict(1, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second Evict() error = %v, want %v", err, ErrKeyNotFound)
	}
	for _, op := range []func(uint64, uint16) error{s.Reserve, s.Release, s.MarkActive} {
		if err := op(1, 1); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("operation on evicted key error = %v, want %v", err, ErrKeyNotFound)
		}
	}
}

func TestStore_EvictReservedKeyWaitsForRelease(t *testing.T) {
	s, layer, clk := newTestStore(t)
	if _, err := s.Install(1, 1, testMaterial(), message.EncryptionAES128CTRSHA1, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(1, 1); err != nil {
		t.Fatal(err)
	}
	stored := s.keys[KeyRef{1, 1}].key.Material

	if err := s.Evict(1, 1); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}

	// Holders of a reservation still see intact material.
	k, err := s.Lookup(1, 1)
	if err != nil {
		t.Fatalf("Lookup() of retired key error = %v", err)
	}
	if !bytes.Equal(k.Material, testMaterial()) {
		t.Errorf("retired key material = %x, want %x", k.Material, testMaterial())
	}
	if !s.Contains(1, 1) {
		t.Error("Contains() = false for a retired key")
	}
	if _, err := s.Install(1, 1, testMaterial(), message.EncryptionAES128CTRSHA1, 0); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("Install() over retired key error = %v, want %v", err, ErrDuplicateKey)
	}

	// No new leases or activity on a retired key.
	if err := s.Reserve(1, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Reserve() of retired key error = %v, want %v", err, ErrKeyNotFound)
	}
	if err := s.MarkActive(1, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("MarkActive() of retired key error = %v, want %v", err, ErrKeyNotFound)
	}
	if err := s.Evict(1, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second Evict() error = %v, want %v", err, ErrKeyNotFound)
	}

	if err := s.Release(1, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup(1, 1); err != nil {
		t.Fatalf("retired key removed with a reservation left: %v", err)
	}
	advance(clk, layer, 3*testIdle)
	if _, err := s.Lookup(1, 1); err != nil {
		t.Fatalf("reserved retired key swept: %v", err)
	}

	if err := s.Release(1, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup(1, 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Lookup() after last release error = %v, want %v", err, ErrKeyNotFound)
	}
	for i, b := range stored {
		if b != 0 {
			t.Fatalf("material[%d] = %#x after last release, want 0", i, b)
		}
	}
	if s.Contains(1, 1) {
		t.Error("Contains() = true after last release")
	}
}
