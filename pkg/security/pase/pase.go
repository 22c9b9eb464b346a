// Package pase implements the password authenticated session establishment
// handshake (SPAKE2+ over P-256).
//
// Message flow:
//
//	Initiator                         Responder
//	InitiatorStep1 (config, key id) -->
//	                               <-- ResponderStep1 (PBKDF salt)
//	                               <-- ResponderStep2 (pB)
//	InitiatorStep2 (pA, cA)         -->
//	                               <-- ResponderKeyConfirm (cB)
//
// The responder may answer InitiatorStep1 with ResponderReconfigure naming a
// configuration from the initiator's alternates.
package pase

import (
	"slices"

	"github.com/mrjerryjohns/openweave-core/pkg/message"
)

// Config selects the PBKDF strength of a PASE handshake.
type Config uint32

const (
	ConfigUnspecified Config = 0
	Config1           Config = 1
	Config4           Config = 4
	Config0TestOnly   Config = 0x5A
)

// String returns the config name.
func (c Config) String() string {
	switch c {
	case Config1:
		return "Config1"
	case Config4:
		return "Config4"
	case Config0TestOnly:
		return "Config0TestOnly"
	default:
		return "Unspecified"
	}
}

// IsValid reports whether c is a known configuration.
func (c Config) IsValid() bool {
	return c == Config1 || c == Config4 || c == Config0TestOnly
}

// Iterations returns the PBKDF2 iteration count of the configuration.
func (c Config) Iterations() int {
	switch c {
	case Config0TestOnly:
		return 1
	case Config1:
		return 1000
	case Config4:
		return 5000
	default:
		return 0
	}
}

// DefaultAllowedConfigs is the configuration preference list.
var DefaultAllowedConfigs = []Config{Config4, Config1}

const (
	// RandomSize is the size of the initiator random.
	RandomSize = 16

	// SaltSize is the size of the PBKDF salt.
	SaltSize = 16

	// SessionKeySize is the size of the derived session key.
	SessionKeySize = 36

	// PasswordSourceUnspecified is the default password source.
	PasswordSourceUnspecified uint8 = 0

	// PasswordSourcePairingCode marks the device pairing code.
	PasswordSourcePairingCode uint8 = 1
)

const (
	contextPrefix  = "Weave PASE v1"
	sessionKeyInfo = "Weave PASE Session Key"
)

// Limiter throttles responder attempts.
type Limiter interface {
	Check() error
}

// AuthMode is the auth mode of PASE sessions.
const AuthMode = message.AuthModePASEPairingCode

func containsConfig(list []Config, c Config) bool {
	return slices.Contains(list, c)
}
