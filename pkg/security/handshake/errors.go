package handshake

import (
	"errors"
	"fmt"
)

// Kind classifies handshake failures.
type Kind int

const (
	// KindUnknown is any error not produced by this package.
	KindUnknown Kind = iota

	// KindBusy is a request made while another attempt is in progress.
	KindBusy

	// KindConfiguration is a missing delegate or invalid parameters,
	// detected before any message is sent.
	KindConfiguration

	// KindProtocol is a malformed or unexpected message, a reconfiguration
	// loop or a failure reported by the peer.
	KindProtocol

	// KindCryptographic is a signature, verification or key confirmation
	// failure.
	KindCryptographic

	// KindTimeout is an establishment timer expiry.
	KindTimeout

	// KindResource is an allocation failure.
	KindResource
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "Busy"
	case KindConfiguration:
		return "Configuration"
	case KindProtocol:
		return "Protocol"
	case KindCryptographic:
		return "Cryptographic"
	case KindTimeout:
		return "Timeout"
	case KindResource:
		return "Resource"
	default:
		return "Unknown"
	}
}

// IsPeerVisible reports whether failures of this kind are reported to the
// peer with a status report.
func (k Kind) IsPeerVisible() bool {
	return k == KindProtocol || k == KindCryptographic
}

// Error is a classified handshake error. Sentinels are compared by identity.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return "security: " + e.Msg
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Errorf wraps sentinel with formatted context, keeping its kind.
func Errorf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Sentinel errors.
var (
	ErrBusy = newError(KindBusy, "manager busy")

	ErrNotInitialized   = newError(KindConfiguration, "manager not initialized")
	ErrNoAuthDelegate   = newError(KindConfiguration, "no auth delegate configured")
	ErrInvalidArgument  = newError(KindConfiguration, "invalid argument")
	ErrUnsupportedAuth  = newError(KindConfiguration, "unsupported auth mode")
	ErrNoAllowedConfigs = newError(KindConfiguration, "no allowed configurations")

	ErrUnexpectedMessage       = newError(KindProtocol, "unexpected message")
	ErrInvalidMessage          = newError(KindProtocol, "invalid message")
	ErrTooManyReconfigurations = newError(KindProtocol, "too many reconfigurations")
	ErrNoCommonConfig          = newError(KindProtocol, "no common configuration")
	ErrUnsupportedEncryption   = newError(KindProtocol, "unsupported encryption type")
	ErrInvalidKeyID            = newError(KindProtocol, "invalid key id")
	ErrDuplicateKeyID          = newError(KindProtocol, "duplicate key id")
	ErrKeyNotFound             = newError(KindProtocol, "key not found")
	ErrSessionAborted          = newError(KindProtocol, "session aborted by peer")
	ErrStatusReport            = newError(KindProtocol, "status report received")
	ErrConnectionClosed        = newError(KindProtocol, "connection closed")
	ErrUnauthorizedKeyExport   = newError(KindProtocol, "unauthorized key export request")
	ErrRateLimitExceeded       = newError(KindProtocol, "rate limit exceeded")
	ErrPeerBusy                = newError(KindProtocol, "peer busy")

	ErrKeyConfirmationFailed = newError(KindCryptographic, "key confirmation failed")
	ErrAuthenticationFailed  = newError(KindCryptographic, "authentication failed")
	ErrInvalidSignature      = newError(KindCryptographic, "invalid signature")
	ErrInvalidPublicKey      = newError(KindCryptographic, "invalid public key")

	ErrTimeout = newError(KindTimeout, "session establishment timed out")

	ErrNoMemory = newError(KindResource, "resource exhausted")
)
