package osd

import (
	"errors"
	"fmt"
	"io"
)

// Header sizes.
const (
	softwareSize = 4
	magicSize    = 36
	HeaderSize   = softwareSize + magicSize
)

// ErrHeaderTruncated the file is shorter than the header.
var ErrHeaderTruncated = errors.New("header truncated")

// Header osd file header.
type Header struct {
	Software string
	Magic    [magicSize]byte
}

// Marshal header.
func (h Header) Marshal() []byte {
	out := make([]byte, HeaderSize)
	copy(out[:softwareSize], h.Software)
	copy(out[softwareSize:], h.Magic[:])
	return out
}

// Unmarshal header from reader.
func (h *Header) Unmarshal(r io.Reader) (int, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, fmt.Errorf("%w: %d of %d bytes", ErrHeaderTruncated, n, HeaderSize)
		}
		return n, err
	}
	h.Software = string(buf[:softwareSize])
	copy(h.Magic[:], buf[softwareSize:])
	return n, nil
}
