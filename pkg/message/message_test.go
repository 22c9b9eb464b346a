package message

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_Layout(t *testing.T) {
	h := Header{
		MessageID:    0x01020304,
		SourceNodeID: 0x1122334455667788,
		Initiator:    true,
		MessageType:  0x0A,
		ExchangeID:   0xBEEF,
		ProfileID:    0x00000004,
	}
	buf := make([]byte, h.Size())
	n := h.EncodeTo(buf)
	require.Equal(t, len(buf), n)

	// Version 1, source node id present, no encryption.
	assert.Equal(t, []byte{0x00, 0x12}, buf[0:2])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf[2:6])
	assert.Equal(t, uint8(0x01), buf[14], "initiator flag")
	assert.Equal(t, uint8(0x0A), buf[15])
}

func TestFrame_Decode(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{"plain", Header{SourceNodeID: 1, MessageType: 1, ExchangeID: 7, ProfileID: 4}},
		{"destination", Header{SourceNodeID: 1, DestinationNodeID: 2, DestinationPresent: true, ProfileID: 4}},
		{"encrypted", Header{SourceNodeID: 9, EncryptionType: EncryptionAES128CTRSHA1, KeyID: 0x2001, ProfileID: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Frame{Header: tt.header, Payload: []byte("payload")}
			data, err := in.Encode()
			require.NoError(t, err)

			out, err := DecodeFrame(data)
			require.NoError(t, err)
			assert.Equal(t, tt.header, out.Header)
			assert.Equal(t, []byte("payload"), out.Payload)
		})
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	_, err := DecodeFrame([]byte{0x00})
	assert.ErrorIs(t, err, ErrMessageTooShort)

	_, err = DecodeFrame([]byte{0x00, 0x72, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidVersion)

	_, err = DecodeFrame(make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestStream_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)

	_, err := w.Write([]byte("first"))
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{0xAB}, 300))
	require.NoError(t, err)

	r := NewStreamReader(&buf)
	frame, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), frame)

	frame, err = r.Read()
	require.NoError(t, err)
	assert.Len(t, frame, 300)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_RejectsEmptyFrame(t *testing.T) {
	_, err := NewStreamWriter(io.Discard).Write(nil)
	assert.ErrorIs(t, err, ErrInvalidLengthPrefix)

	_, err = NewStreamReader(bytes.NewReader([]byte{0x00})).Read()
	assert.ErrorIs(t, err, ErrInvalidLengthPrefix)
}
