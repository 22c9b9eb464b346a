package message

import (
	"bufio"
	"io"

	"github.com/multiformats/go-varint"
)

// StreamWriter adds uvarint length-prefix framing to a byte stream.
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter creates a new stream writer.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// Write writes frame with its length prefix in a single call so that
// packet-oriented connections carry one frame per packet.
func (sw *StreamWriter) Write(frame []byte) (int, error) {
	if len(frame) == 0 {
		return 0, ErrInvalidLengthPrefix
	}
	if len(frame) > MaxMessageSize {
		return 0, ErrMessageTooLong
	}
	buf := make([]byte, varint.UvarintSize(uint64(len(frame)))+len(frame))
	n := varint.PutUvarint(buf, uint64(len(frame)))
	copy(buf[n:], frame)
	return sw.w.Write(buf)
}

// StreamReader reads length-prefixed frames from a byte stream.
type StreamReader struct {
	r *bufio.Reader
}

// NewStreamReader creates a new stream reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReaderSize(r, MaxMessageSize+varint.MaxLenUvarint63)}
}

// Read returns the next frame without its length prefix.
func (sr *StreamReader) Read() ([]byte, error) {
	size, err := varint.ReadUvarint(sr.r)
	if err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, ErrInvalidLengthPrefix
	}
	if size == 0 {
		return nil, ErrInvalidLengthPrefix
	}
	if size > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(sr.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
