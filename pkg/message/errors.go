package message

import "errors"

// Message layer errors.
var (
	ErrMessageTooShort     = errors.New("message: data too short")
	ErrInvalidVersion      = errors.New("message: unsupported message version")
	ErrMessageTooLong      = errors.New("message: exceeds maximum size")
	ErrInvalidLengthPrefix = errors.New("message: invalid length prefix")
)

// Message format constants.
const (
	// MessageVersion is the only supported Weave message format version.
	MessageVersion uint8 = 1

	// MinHeaderSize is Message Flags (2) + Message ID (4).
	MinHeaderSize = 6

	// ExchangeHeaderSize is Exchange Flags (1) + Message Type (1) +
	// Exchange ID (2) + Profile ID (4).
	ExchangeHeaderSize = 8

	// NodeIDSize is the size of a 64-bit Node ID in bytes.
	NodeIDSize = 8

	// KeyIDSize is the size of the encryption key id field.
	KeyIDSize = 2

	// MaxMessageSize bounds a single frame on any transport.
	MaxMessageSize = 4096
)

// Message Flags bit positions.
const (
	flagDestNodeID   uint16 = 0x0100
	flagSourceNodeID uint16 = 0x0200
	flagEncTypeMask  uint16 = 0x00F0
	flagEncTypeShift        = 4
	flagVersionShift        = 12
	flagVersionMask  uint16 = 0x000F
)

// Exchange Flags bit positions.
const (
	exchFlagInitiator uint8 = 0x01
)

// AnyNodeID addresses whichever node is on the other end of a connection.
const AnyNodeID uint64 = 0xFFFFFFFFFFFFFFFF
