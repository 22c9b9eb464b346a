// Package message implements the Weave message header and stream framing
// used by the exchange layer to carry security handshake messages.
package message

import "fmt"

// EncryptionType identifies how a message payload is protected.
type EncryptionType uint8

const (
	// EncryptionNone marks unencrypted messages, such as handshake traffic.
	EncryptionNone EncryptionType = 0

	// EncryptionAES128CTRSHA1 is AES-128-CTR with an HMAC-SHA-1 integrity tag.
	EncryptionAES128CTRSHA1 EncryptionType = 1
)

// String returns a human-readable name for the encryption type.
func (e EncryptionType) String() string {
	switch e {
	case EncryptionNone:
		return "None"
	case EncryptionAES128CTRSHA1:
		return "AES128CTR-SHA1"
	default:
		return fmt.Sprintf("EncryptionType(%d)", uint8(e))
	}
}

// KeySize returns the session key material length for the type: a data key
// followed by an integrity key.
func (e EncryptionType) KeySize() int {
	switch e {
	case EncryptionAES128CTRSHA1:
		return 16 + 20
	default:
		return 0
	}
}

// IsValid reports whether the type is known.
func (e EncryptionType) IsValid() bool {
	return e <= EncryptionAES128CTRSHA1
}

// AuthMode describes how the peer of a session was authenticated.
// The high nibble is the category.
type AuthMode uint16

const (
	AuthModeNotSpecified AuthMode = 0x0000

	authModeCategoryPASE AuthMode = 0x1000
	authModeCategoryCASE AuthMode = 0x2000
	authModeCategoryTAKE AuthMode = 0x3000
	authModeCategoryMask AuthMode = 0xF000

	// AuthModePASEPairingCode authenticates with the device pairing code.
	AuthModePASEPairingCode AuthMode = authModeCategoryPASE | 0x01

	// AuthModeCASEAnyCert accepts any certificate the auth delegate trusts.
	AuthModeCASEAnyCert AuthMode = authModeCategoryCASE | 0x00
	// AuthModeCASEDevice requires a device certificate.
	AuthModeCASEDevice AuthMode = authModeCategoryCASE | 0x01
	// AuthModeCASEServiceEndPoint requires a service endpoint certificate.
	AuthModeCASEServiceEndPoint AuthMode = authModeCategoryCASE | 0x02
	// AuthModeCASEAccessToken requires an access token certificate.
	AuthModeCASEAccessToken AuthMode = authModeCategoryCASE | 0x03

	// AuthModeTAKEIdentificationKey authenticates a token by its identification key.
	AuthModeTAKEIdentificationKey AuthMode = authModeCategoryTAKE | 0x01
)

// IsPASE reports whether the mode belongs to the PASE category.
func (m AuthMode) IsPASE() bool { return m&authModeCategoryMask == authModeCategoryPASE }

// IsCASE reports whether the mode belongs to the CASE category.
func (m AuthMode) IsCASE() bool { return m&authModeCategoryMask == authModeCategoryCASE }

// IsTAKE reports whether the mode belongs to the TAKE category.
func (m AuthMode) IsTAKE() bool { return m&authModeCategoryMask == authModeCategoryTAKE }

// String returns a human-readable name for the auth mode.
func (m AuthMode) String() string {
	switch m {
	case AuthModeNotSpecified:
		return "NotSpecified"
	case AuthModePASEPairingCode:
		return "PASE-PairingCode"
	case AuthModeCASEAnyCert:
		return "CASE-AnyCert"
	case AuthModeCASEDevice:
		return "CASE-Device"
	case AuthModeCASEServiceEndPoint:
		return "CASE-ServiceEndPoint"
	case AuthModeCASEAccessToken:
		return "CASE-AccessToken"
	case AuthModeTAKEIdentificationKey:
		return "TAKE-IdentificationKey"
	default:
		return fmt.Sprintf("AuthMode(0x%04x)", uint16(m))
	}
}
