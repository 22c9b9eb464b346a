package session

import "errors"

// Session key store errors.
var (
	// ErrKeyNotFound is returned when no key exists for (peer, key id).
	ErrKeyNotFound = errors.New("session: key not found")

	// ErrDuplicateKey is returned when installing over an existing key id.
	ErrDuplicateKey = errors.New("session: duplicate key id")

	// ErrInvalidKeyID is returned for the reserved key id 0.
	ErrInvalidKeyID = errors.New("session: invalid key id")

	// ErrInvalidKey is returned when key material does not match the
	// encryption type.
	ErrInvalidKey = errors.New("session: invalid key length")

	// ErrStoreFull is returned when no more keys can be installed.
	ErrStoreFull = errors.New("session: key store full")

	// ErrKeyIDExhausted is returned when every key id for a peer is in use.
	ErrKeyIDExhausted = errors.New("session: key id space exhausted")
)
