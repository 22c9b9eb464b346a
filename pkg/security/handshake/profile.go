package handshake

// Weave profile identifiers.
const (
	ProfileCommon   uint32 = 0x00000000
	ProfileSecurity uint32 = 0x00000004
)

// Common profile message types.
const (
	MsgTypeStatusReport uint8 = 1
)

// Security profile message types.
const (
	MsgTypePASEInitiatorStep1       uint8 = 1
	MsgTypePASEResponderStep1       uint8 = 2
	MsgTypePASEResponderStep2       uint8 = 3
	MsgTypePASEInitiatorStep2       uint8 = 4
	MsgTypePASEResponderKeyConfirm  uint8 = 5
	MsgTypePASEResponderReconfigure uint8 = 6

	MsgTypeCASEBeginSessionRequest  uint8 = 10
	MsgTypeCASEBeginSessionResponse uint8 = 11
	MsgTypeCASEInitiatorKeyConfirm  uint8 = 12
	MsgTypeCASEReconfigure          uint8 = 13

	MsgTypeTAKEIdentifyToken               uint8 = 20
	MsgTypeTAKEIdentifyTokenResponse       uint8 = 21
	MsgTypeTAKETokenReconfigure            uint8 = 22
	MsgTypeTAKEAuthenticateToken           uint8 = 23
	MsgTypeTAKEAuthenticateTokenResponse   uint8 = 24
	MsgTypeTAKEReAuthenticateToken         uint8 = 25
	MsgTypeTAKEReAuthenticateTokenResponse uint8 = 26

	MsgTypeEndSession uint8 = 30
	MsgTypeKeyError   uint8 = 31

	MsgTypeKeyExportRequest     uint8 = 40
	MsgTypeKeyExportResponse    uint8 = 41
	MsgTypeKeyExportReconfigure uint8 = 42
)

// MessageTypeName returns a readable name for a security profile message type.
func MessageTypeName(t uint8) string {
	switch t {
	case MsgTypePASEInitiatorStep1:
		return "PASEInitiatorStep1"
	case MsgTypePASEResponderStep1:
		return "PASEResponderStep1"
	case MsgTypePASEResponderStep2:
		return "PASEResponderStep2"
	case MsgTypePASEInitiatorStep2:
		return "PASEInitiatorStep2"
	case MsgTypePASEResponderKeyConfirm:
		return "PASEResponderKeyConfirm"
	case MsgTypePASEResponderReconfigure:
		return "PASEResponderReconfigure"
	case MsgTypeCASEBeginSessionRequest:
		return "CASEBeginSessionRequest"
	case MsgTypeCASEBeginSessionResponse:
		return "CASEBeginSessionResponse"
	case MsgTypeCASEInitiatorKeyConfirm:
		return "CASEInitiatorKeyConfirm"
	case MsgTypeCASEReconfigure:
		return "CASEReconfigure"
	case MsgTypeTAKEIdentifyToken:
		return "TAKEIdentifyToken"
	case MsgTypeTAKEIdentifyTokenResponse:
		return "TAKEIdentifyTokenResponse"
	case MsgTypeTAKETokenReconfigure:
		return "TAKETokenReconfigure"
	case MsgTypeTAKEAuthenticateToken:
		return "TAKEAuthenticateToken"
	case MsgTypeTAKEAuthenticateTokenResponse:
		return "TAKEAuthenticateTokenResponse"
	case MsgTypeTAKEReAuthenticateToken:
		return "TAKEReAuthenticateToken"
	case MsgTypeTAKEReAuthenticateTokenResponse:
		return "TAKEReAuthenticateTokenResponse"
	case MsgTypeEndSession:
		return "EndSession"
	case MsgTypeKeyError:
		return "KeyError"
	case MsgTypeKeyExportRequest:
		return "KeyExportRequest"
	case MsgTypeKeyExportResponse:
		return "KeyExportResponse"
	case MsgTypeKeyExportReconfigure:
		return "KeyExportReconfigure"
	default:
		return "Unknown"
	}
}
