// Package casesession implements CASE (Certificate Authenticated Session
// Establishment) for Weave.
//
// Message flow:
//
//	Initiator                              Responder
//	BeginSessionRequest (eph key, sig)   -->
//	                                     <-- BeginSessionResponse (eph key, sig, kc)
//	InitiatorKeyConfirm (optional)       -->
//
// The responder may answer with Reconfigure naming a config and curve from
// the initiator's alternates. Both sides authenticate through an
// AuthDelegate.
package casesession

import (
	"slices"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
)

// Config selects the hash used for signatures and key derivation.
type Config uint32

const (
	ConfigUnspecified Config = 0
	Config1           Config = 1 // SHA-1
	Config2           Config = 2 // SHA-256
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

// Hash returns the configuration's hash algorithm.
func (c Config) Hash() crypto.HashAlg {
	if c == Config1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// Defaults, in preference order.
var (
	DefaultAllowedConfigs = []Config{Config2, Config1}
	DefaultAllowedCurves  = []crypto.Curve{crypto.CurveP256, crypto.CurveP384}
)

// SessionKeySize is the size of the derived session key.
const SessionKeySize = 36

const (
	keyInfo          = "Weave CASE Session Keys"
	initiatorKCLabel = "Weave CASE Initiator Key Confirmation"
	responderKCLabel = "Weave CASE Responder Key Confirmation"
)

func containsConfig(list []Config, c Config) bool {
	return slices.Contains(list, c)
}

func containsCurve(list []crypto.Curve, c crypto.Curve) bool {
	return slices.Contains(list, c)
}
