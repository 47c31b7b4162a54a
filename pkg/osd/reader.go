package osd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// File is a parsed osd file.
type File struct {
	Header Header
	Frames []Frame

	// Truncated is set when the file ends with a partial record.
	Truncated bool
}

// Reader reads osd records from a stream.
type Reader struct {
	in  io.Reader
	buf []byte

	truncated bool
}

// NewReader reads the header and returns a reader positioned
// at the first record.
func NewReader(in io.Reader) (*Reader, *Header, error) {
	var header Header
	if _, err := header.Unmarshal(in); err != nil {
		return nil, nil, fmt.Errorf("unmarshal header: %w", err)
	}
	r := &Reader{
		in:  in,
		buf: make([]byte, recordSize),
	}
	return r, &header, nil
}

// ReadFrame reads the next record. It returns io.EOF at the end
// of the file and after a partial record.
func (r *Reader) ReadFrame() (Frame, error) {
	if r.truncated {
		return Frame{}, io.EOF
	}
	n, err := io.ReadFull(r.in, r.buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) && n > 0 {
			r.truncated = true
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	var frame Frame
	frame.Unmarshal(r.buf)
	return frame, nil
}

// Truncated reports if the last record was cut short.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// ReadAll reads the remaining records.
func (r *Reader) ReadAll() ([]Frame, error) {
	var frames []Frame
	for {
		frame, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
}

// Parse parses a whole osd file.
func Parse(buf []byte) (*File, error) {
	r, header, err := NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, (len(buf)-HeaderSize)/recordSize)
	for {
		frame, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}

	return &File{
		Header:    *header,
		Frames:    frames,
		Truncated: r.Truncated(),
	}, nil
}
