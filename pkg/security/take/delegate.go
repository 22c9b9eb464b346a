package take

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
)

var (
	ErrUnknownToken      = errors.New("take: unknown token")
	ErrUnknownChallenger = errors.New("take: unknown challenger")
)

// ChallengerAuthDelegate holds the challenger's credentials and the
// authentication keys learned from tokens.
type ChallengerAuthDelegate interface {
	// GetChallengerID returns the id sent when FlagSendChallengerID is set.
	GetChallengerID() ([]byte, error)

	// GetIdentificationKey returns the IK shared with a token.
	GetIdentificationKey(tokenNodeID uint64) ([]byte, error)

	// GetTokenPublicKey returns the key that signs a token's first
	// authentication.
	GetTokenPublicKey(tokenNodeID uint64) (crypto.Curve, []byte, error)

	// GetTokenAuthKey returns the stored AK for a token, or nil.
	GetTokenAuthKey(tokenNodeID uint64) ([]byte, error)

	// StoreTokenAuthKey persists the AK handed out by a token.
	StoreTokenAuthKey(tokenNodeID uint64, authKey []byte) error
}

// TokenAuthDelegate holds the token's credentials.
type TokenAuthDelegate interface {
	// GetIdentificationKey returns the IK for a challenger. challengerID
	// is nil when the challenger did not send one.
	GetIdentificationKey(challengerID []byte) ([]byte, error)

	// GetAuthKey returns the AK assigned to a challenger.
	GetAuthKey(challengerID []byte) ([]byte, error)

	// GenerateSignature signs msg with the token key using SHA-256.
	GenerateSignature(msg []byte) ([]byte, error)
}

// AuthKeyCache keeps recently used authentication keys in front of a
// ChallengerAuthDelegate. Evicted keys are zeroed.
type AuthKeyCache struct {
	cache *lru.Cache[uint64, []byte]
}

// NewAuthKeyCache creates a cache holding up to size keys.
func NewAuthKeyCache(size int) (*AuthKeyCache, error) {
	cache, err := lru.NewWithEvict(size, func(_ uint64, key []byte) {
		crypto.Zeroize(key)
	})
	if err != nil {
		return nil, err
	}
	return &AuthKeyCache{cache: cache}, nil
}

// Get returns a copy of the cached key for a token.
func (c *AuthKeyCache) Get(tokenNodeID uint64) ([]byte, bool) {
	key, ok := c.cache.Get(tokenNodeID)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// Add caches a copy of key.
func (c *AuthKeyCache) Add(tokenNodeID uint64, key []byte) {
	c.cache.Add(tokenNodeID, append([]byte(nil), key...))
}

// Remove drops a token's key.
func (c *AuthKeyCache) Remove(tokenNodeID uint64) {
	c.cache.Remove(tokenNodeID)
}

// Len returns the number of cached keys.
func (c *AuthKeyCache) Len() int {
	return c.cache.Len()
}

// MemoryChallengerDelegate is an in-memory ChallengerAuthDelegate.
type MemoryChallengerDelegate struct {
	ChallengerID []byte

	mu     sync.RWMutex
	tokens map[uint64]*tokenRecord
}

type tokenRecord struct {
	ik      []byte
	curve   crypto.Curve
	pub     []byte
	authKey []byte
}

// NewMemoryChallengerDelegate creates an empty delegate.
func NewMemoryChallengerDelegate(challengerID []byte) *MemoryChallengerDelegate {
	return &MemoryChallengerDelegate{
		ChallengerID: challengerID,
		tokens:       make(map[uint64]*tokenRecord),
	}
}

// AddToken registers a token's IK and signing key.
func (d *MemoryChallengerDelegate) AddToken(tokenNodeID uint64, ik []byte, curve crypto.Curve, publicKey []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[tokenNodeID] = &tokenRecord{
		ik:    append([]byte(nil), ik...),
		curve: curve,
		pub:   append([]byte(nil), publicKey...),
	}
}

// ForgetAuthKey drops the stored AK of a token.
func (d *MemoryChallengerDelegate) ForgetAuthKey(tokenNodeID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tokens[tokenNodeID]; ok {
		crypto.Zeroize(t.authKey)
		t.authKey = nil
	}
}

func (d *MemoryChallengerDelegate) token(tokenNodeID uint64) (*tokenRecord, error) {
	t, ok := d.tokens[tokenNodeID]
	if !ok {
		return nil, ErrUnknownToken
	}
	return t, nil
}

// GetChallengerID implements ChallengerAuthDelegate.
func (d *MemoryChallengerDelegate) GetChallengerID() ([]byte, error) {
	return d.ChallengerID, nil
}

// GetIdentificationKey implements ChallengerAuthDelegate.
func (d *MemoryChallengerDelegate) GetIdentificationKey(tokenNodeID uint64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, err := d.token(tokenNodeID)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), t.ik...), nil
}

// GetTokenPublicKey implements ChallengerAuthDelegate.
func (d *MemoryChallengerDelegate) GetTokenPublicKey(tokenNodeID uint64) (crypto.Curve, []byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, err := d.token(tokenNodeID)
	if err != nil {
		return 0, nil, err
	}
	return t.curve, t.pub, nil
}

// GetTokenAuthKey implements ChallengerAuthDelegate.
func (d *MemoryChallengerDelegate) GetTokenAuthKey(tokenNodeID uint64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, err := d.token(tokenNodeID)
	if err != nil {
		return nil, err
	}
	if t.authKey == nil {
		return nil, nil
	}
	return append([]byte(nil), t.authKey...), nil
}

// StoreTokenAuthKey implements ChallengerAuthDelegate.
func (d *MemoryChallengerDelegate) StoreTokenAuthKey(tokenNodeID uint64, authKey []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.token(tokenNodeID)
	if err != nil {
		return err
	}
	t.authKey = append([]byte(nil), authKey...)
	return nil
}

// StaticTokenDelegate is a TokenAuthDelegate with a single IK. Each
// challenger's AK is HMAC(master, challengerID).
type StaticTokenDelegate struct {
	ik     []byte
	master []byte
	key    *crypto.SigningKey

	// Challengers, if non-empty, restricts the accepted challenger ids.
	Challengers map[string]bool
}

// NewStaticTokenDelegate creates a token delegate.
func NewStaticTokenDelegate(ik, master []byte, key *crypto.SigningKey) *StaticTokenDelegate {
	return &StaticTokenDelegate{ik: ik, master: master, key: key}
}

func (d *StaticTokenDelegate) allowed(challengerID []byte) bool {
	return len(d.Challengers) == 0 || d.Challengers[string(challengerID)]
}

// GetIdentificationKey implements TokenAuthDelegate.
func (d *StaticTokenDelegate) GetIdentificationKey(challengerID []byte) ([]byte, error) {
	if !d.allowed(challengerID) {
		return nil, ErrUnknownChallenger
	}
	return append([]byte(nil), d.ik...), nil
}

// GetAuthKey implements TokenAuthDelegate.
func (d *StaticTokenDelegate) GetAuthKey(challengerID []byte) ([]byte, error) {
	if !d.allowed(challengerID) {
		return nil, ErrUnknownChallenger
	}
	return crypto.HMAC(crypto.SHA256, d.master, challengerID)[:AuthKeySize], nil
}

// GenerateSignature implements TokenAuthDelegate.
func (d *StaticTokenDelegate) GenerateSignature(msg []byte) ([]byte, error) {
	return d.key.Sign(crypto.SHA256, msg)
}
