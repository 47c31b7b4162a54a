package bitio

import (
	"bytes"
	"errors"
	"io"

	ibitio "github.com/icza/bitio"
)

// WriterAndByteWriter io.Writer and io.ByteWriter at the same time.
type WriterAndByteWriter interface {
	io.Writer
	io.ByteWriter
}

// Writer is the bit writer implementation.
type Writer struct {
	out     WriterAndByteWriter
	written int64

	// TryError holds the first error occurred in TryXXX() methods.
	TryError error
}

// NewWriter returns a new Writer using the specified io.Writer as the output.
func NewWriter(out WriterAndByteWriter) *Writer {
	return &Writer{out: out}
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	w.written += int64(n)
	return n, err
}

// WriteByte implements io.ByteWriter.
func (w *Writer) WriteByte(b byte) error {
	if err := w.out.WriteByte(b); err != nil {
		return err
	}
	w.written++
	return nil
}

// WriteUint16 writes 16 bits.
func (w *Writer) WriteUint16(r uint16) error {
	_, err := w.Write([]byte{
		byte(r >> 8),
		byte(r),
	})
	return err
}

// WriteUint32 writes 32 bits.
func (w *Writer) WriteUint32(r uint32) error {
	_, err := w.Write([]byte{
		byte(r >> 24),
		byte(r >> 16),
		byte(r >> 8),
		byte(r),
	})
	return err
}

// WriteUint64 writes 64 bits.
func (w *Writer) WriteUint64(r uint64) error {
	_, err := w.Write([]byte{
		byte(r >> 56),
		byte(r >> 48),
		byte(r >> 40),
		byte(r >> 32),
		byte(r >> 24),
		byte(r >> 16),
		byte(r >> 8),
		byte(r),
	})
	return err
}

// TryWrite tries to write len(p) bytes.
func (w *Writer) TryWrite(p []byte) {
	if w.TryError == nil {
		_, w.TryError = w.Write(p)
	}
}

// TryWriteByte tries to write 1 byte.
func (w *Writer) TryWriteByte(b byte) {
	if w.TryError == nil {
		w.TryError = w.WriteByte(b)
	}
}

// TryWriteUint16 tries to write 16 bits.
func (w *Writer) TryWriteUint16(r uint16) {
	if w.TryError == nil {
		w.TryError = w.WriteUint16(r)
	}
}

// TryWriteUint32 tries to write 32 bits.
func (w *Writer) TryWriteUint32(r uint32) {
	if w.TryError == nil {
		w.TryError = w.WriteUint32(r)
	}
}

// TryWriteUint64 tries to write 64 bits.
func (w *Writer) TryWriteUint64(r uint64) {
	if w.TryError == nil {
		w.TryError = w.WriteUint64(r)
	}
}

// ByteWriter is a helper for io.Writers without io.ByteWriter.
type ByteWriter struct {
	out io.Writer
}

// NewByteWriter returns a new ByteWriter using the specified io.Writer as the output.
func NewByteWriter(out io.Writer) *ByteWriter {
	return &ByteWriter{out: out}
}

// Write implements io.Writer.
func (w *ByteWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

// WriteByte implements io.ByteWriter.
func (w *ByteWriter) WriteByte(b byte) error {
	_, err := w.out.Write([]byte{b})
	return err
}

// ErrShortBuffer is returned when a read would pass the end of the payload.
var ErrShortBuffer = errors.New("short buffer")

// Reader reads big-endian fields and bit-packed values from a box payload.
type Reader struct {
	r    *ibitio.Reader
	size int
	bits int

	// TryError holds the first error occurred in TryXXX() methods.
	TryError error
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{
		r:    ibitio.NewReader(bytes.NewReader(buf)),
		size: len(buf),
	}
}

// Remaining returns the number of unread whole bytes.
func (r *Reader) Remaining() int {
	return r.size - (r.bits+7)/8
}

// ReadBits reads n bits, n <= 64.
func (r *Reader) ReadBits(n uint8) (uint64, error) {
	if r.size*8-r.bits < int(n) {
		return 0, ErrShortBuffer
	}
	v, err := r.r.ReadBits(n)
	if err != nil {
		return 0, err
	}
	r.bits += int(n)
	return v, nil
}

// ReadBytes reads n bytes. The reader must be byte aligned.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r.r, p); err != nil {
		return nil, err
	}
	r.bits += n * 8
	return p, nil
}

// TryReadBits tries to read n bits.
func (r *Reader) TryReadBits(n uint8) uint64 {
	if r.TryError != nil {
		return 0
	}
	var v uint64
	v, r.TryError = r.ReadBits(n)
	return v
}

// TryReadUint8 tries to read 8 bits.
func (r *Reader) TryReadUint8() uint8 {
	return uint8(r.TryReadBits(8))
}

// TryReadUint16 tries to read 16 bits.
func (r *Reader) TryReadUint16() uint16 {
	return uint16(r.TryReadBits(16))
}

// TryReadUint32 tries to read 32 bits.
func (r *Reader) TryReadUint32() uint32 {
	return uint32(r.TryReadBits(32))
}

// TryReadUint64 tries to read 64 bits.
func (r *Reader) TryReadUint64() uint64 {
	return r.TryReadBits(64)
}

// TryReadBytes tries to read n bytes.
func (r *Reader) TryReadBytes(n int) []byte {
	if r.TryError != nil {
		return nil
	}
	var p []byte
	p, r.TryError = r.ReadBytes(n)
	return p
}

// TryReadFull fills p.
func (r *Reader) TryReadFull(p []byte) {
	if b := r.TryReadBytes(len(p)); b != nil {
		copy(p, b)
	}
}
