package osd

import (
	"fmt"
	"io"
)

// Writer writes osd files.
type Writer struct {
	out io.Writer
}

// NewWriter creates a new Writer and writes the header.
func NewWriter(out io.Writer, header Header) (*Writer, error) {
	if _, err := out.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &Writer{out: out}, nil
}

// WriteFrame writes a single record.
func (w *Writer) WriteFrame(frame Frame) error {
	if _, err := w.out.Write(frame.Marshal()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
