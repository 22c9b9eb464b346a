package message

import (
	"encoding/binary"
)

// Header is the Weave message header followed by the exchange header.
// All multi-byte fields are little-endian on the wire.
type Header struct {
	// MessageID is a per-sender counter, used for logging and key errors.
	MessageID uint32

	// SourceNodeID is the sender's node id. Always present on the wire.
	SourceNodeID uint64

	// DestinationNodeID is the intended receiver. Present only when
	// DestinationPresent is set.
	DestinationNodeID  uint64
	DestinationPresent bool

	// EncryptionType and KeyID identify the session key protecting the
	// payload. KeyID is only encoded when EncryptionType is not None.
	EncryptionType EncryptionType
	KeyID          uint16

	// Exchange header.
	Initiator   bool
	MessageType uint8
	ExchangeID  uint16
	ProfileID   uint32
}

// Size returns the encoded size of the header in bytes.
func (h *Header) Size() int {
	size := MinHeaderSize + NodeIDSize
	if h.DestinationPresent {
		size += NodeIDSize
	}
	if h.EncryptionType != EncryptionNone {
		size += KeyIDSize
	}
	return size + ExchangeHeaderSize
}

func (h *Header) messageFlags() uint16 {
	flags := uint16(MessageVersion) << flagVersionShift
	flags |= flagSourceNodeID
	if h.DestinationPresent {
		flags |= flagDestNodeID
	}
	flags |= (uint16(h.EncryptionType) << flagEncTypeShift) & flagEncTypeMask
	return flags
}

// EncodeTo serializes the header into buf, which must be at least Size()
// bytes. Returns the number of bytes written.
func (h *Header) EncodeTo(buf []byte) int {
	binary.LittleEndian.PutUint16(buf[0:], h.messageFlags())
	binary.LittleEndian.PutUint32(buf[2:], h.MessageID)
	offset := MinHeaderSize

	binary.LittleEndian.PutUint64(buf[offset:], h.SourceNodeID)
	offset += NodeIDSize

	if h.DestinationPresent {
		binary.LittleEndian.PutUint64(buf[offset:], h.DestinationNodeID)
		offset += NodeIDSize
	}
	if h.EncryptionType != EncryptionNone {
		binary.LittleEndian.PutUint16(buf[offset:], h.KeyID)
		offset += KeyIDSize
	}

	var exchFlags uint8
	if h.Initiator {
		exchFlags |= exchFlagInitiator
	}
	buf[offset] = exchFlags
	buf[offset+1] = h.MessageType
	binary.LittleEndian.PutUint16(buf[offset+2:], h.ExchangeID)
	binary.LittleEndian.PutUint32(buf[offset+4:], h.ProfileID)
	return offset + ExchangeHeaderSize
}

// Decode parses a header from data and returns the number of bytes consumed.
func (h *Header) Decode(data []byte) (int, error) {
	if len(data) < MinHeaderSize {
		return 0, ErrMessageTooShort
	}
	flags := binary.LittleEndian.Uint16(data[0:])
	if uint8((flags>>flagVersionShift)&flagVersionMask) != MessageVersion {
		return 0, ErrInvalidVersion
	}
	h.MessageID = binary.LittleEndian.Uint32(data[2:])
	offset := MinHeaderSize

	need := func(n int) bool { return len(data) >= offset+n }

	if flags&flagSourceNodeID == 0 || !need(NodeIDSize) {
		return 0, ErrMessageTooShort
	}
	h.SourceNodeID = binary.LittleEndian.Uint64(data[offset:])
	offset += NodeIDSize

	h.DestinationPresent = flags&flagDestNodeID != 0
	h.DestinationNodeID = 0
	if h.DestinationPresent {
		if !need(NodeIDSize) {
			return 0, ErrMessageTooShort
		}
		h.DestinationNodeID = binary.LittleEndian.Uint64(data[offset:])
		offset += NodeIDSize
	}

	h.EncryptionType = EncryptionType((flags & flagEncTypeMask) >> flagEncTypeShift)
	h.KeyID = 0
	if h.EncryptionType != EncryptionNone {
		if !need(KeyIDSize) {
			return 0, ErrMessageTooShort
		}
		h.KeyID = binary.LittleEndian.Uint16(data[offset:])
		offset += KeyIDSize
	}

	if !need(ExchangeHeaderSize) {
		return 0, ErrMessageTooShort
	}
	h.Initiator = data[offset]&exchFlagInitiator != 0
	h.MessageType = data[offset+1]
	h.ExchangeID = binary.LittleEndian.Uint16(data[offset+2:])
	h.ProfileID = binary.LittleEndian.Uint32(data[offset+4:])
	return offset + ExchangeHeaderSize, nil
}

// Frame is a decoded message: header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	size := f.Header.Size() + len(f.Payload)
	if size > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	buf := make([]byte, size)
	n := f.Header.EncodeTo(buf)
	copy(buf[n:], f.Payload)
	return buf, nil
}

// DecodeFrame parses a frame. The payload aliases data.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	f := &Frame{}
	n, err := f.Header.Decode(data)
	if err != nil {
		return nil, err
	}
	f.Payload = data[n:]
	return f, nil
}
