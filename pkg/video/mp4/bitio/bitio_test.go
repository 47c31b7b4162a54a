package bitio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.TryWriteByte(0x01)
	w.TryWriteUint16(0x0203)
	w.TryWriteUint32(0x04050607)
	w.TryWriteUint64(0x08090a0b0c0d0e0f)
	w.TryWrite([]byte{0x10})
	require.NoError(t, w.TryError)
	require.Equal(t, int64(16), w.Written())
	require.Equal(t, []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}, buf.Bytes())
}

func TestReader(t *testing.T) {
	r := NewReader([]byte{0xab, 0x12, 0x34, 0x56, 0x78, 0x9a})
	require.Equal(t, 6, r.Remaining())

	require.Equal(t, uint64(0x5), r.TryReadBits(3))
	require.Equal(t, uint64(0xb), r.TryReadBits(5))
	require.Equal(t, 5, r.Remaining())

	require.Equal(t, uint16(0x1234), r.TryReadUint16())
	require.Equal(t, []byte{0x56, 0x78}, r.TryReadBytes(2))
	require.Equal(t, uint8(0x9a), r.TryReadUint8())
	require.NoError(t, r.TryError)
	require.Equal(t, 0, r.Remaining())

	require.Equal(t, uint32(0), r.TryReadUint32())
	require.ErrorIs(t, r.TryError, ErrShortBuffer)

	// Errors are sticky.
	require.Nil(t, r.TryReadBytes(0))
}

func TestReaderPartialByte(t *testing.T) {
	r := NewReader([]byte{0xff, 0x00})
	r.TryReadBits(4)
	require.Equal(t, 1, r.Remaining())

	_, err := r.ReadBytes(2)
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = r.ReadBits(13)
	require.ErrorIs(t, err, ErrShortBuffer)

	v, err := r.ReadBits(12)
	require.NoError(t, err)
	require.Equal(t, uint64(0xf00), v)
}

func TestReaderFull(t *testing.T) {
	r := NewReader([]byte{'a', 'v', 'c', '1', 0x00})
	var typ [4]byte
	r.TryReadFull(typ[:])
	require.NoError(t, r.TryError)
	require.Equal(t, [4]byte{'a', 'v', 'c', '1'}, typ)

	var long [4]byte
	r.TryReadFull(long[:])
	require.ErrorIs(t, r.TryError, ErrShortBuffer)
	require.Equal(t, [4]byte{}, long)
}
