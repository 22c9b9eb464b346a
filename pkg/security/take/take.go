// Package take implements TAKE (Token Authenticated Key Exchange). The
// challenger is the initiator; the token answers.
//
//	Challenger                              Token
//	IdentifyToken (flags, cfg, eph key)  -->
//	                                     <-- IdentifyTokenResponse (eph key, IK proof)
//	                                         or TokenReconfigure (cfg)
//	AuthenticateToken (IK proof)         -->   first contact
//	                                     <-- AuthenticateTokenResponse (sig, wrapped AK)
//	ReAuthenticateToken (AK proof)       -->   AK already known
//	                                     <-- ReAuthenticateTokenResponse (AK proof)
//
// IK is the identification key shared by challenger and token. AK is the
// per-challenger authentication key the token hands out on first contact
// and the challenger keeps for later sessions.
package take

import (
	"slices"

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

// Flags are the IdentifyToken control bits.
type Flags uint8

const (
	FlagEncryptAuthPhase Flags = 1 << iota
	FlagEncryptCommPhase
	FlagTimeLimitedIK
	FlagSendChallengerID
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

const (
	// NonceSize is the size of each side's nonce.
	NonceSize = 16

	// AuthKeySize is the size of the authentication key.
	AuthKeySize = 16

	// SessionKeySize is the size of the derived session key.
	SessionKeySize = 36

	// ProofSize is the HMAC-SHA256 proof size.
	ProofSize = 32

	// IKPeriod is the validity of a time-limited identification key in
	// seconds.
	IKPeriod = 24 * 60 * 60

	authEncKeySize = crypto.AESCTRKeySize
	akWrapKeySize  = crypto.AESCTRKeySize
)

const (
	keyInfo               = "Weave TAKE Keys"
	timeLimitedIKLabel    = "Weave TAKE Time Limited IK"
	tokenIdentifyLabel    = "Weave TAKE Token Identify"
	challengerAuthLabel   = "Weave TAKE Challenger Authenticate"
	challengerReauthLabel = "Weave TAKE Challenger ReAuthenticate"
	tokenReauthLabel      = "Weave TAKE Token ReAuthenticate"
)

func containsConfig(list []Config, c Config) bool {
	return slices.Contains(list, c)
}
