package osd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	h := Header{Software: "DJIG"}
	for i := range h.Magic {
		h.Magic[i] = byte(i)
	}
	return h
}

func testFrame(number uint32) Frame {
	f := Frame{FrameNumber: number}
	for i := range f.Tiles {
		f.Tiles[i] = uint16(i) + uint16(number)
	}
	return f
}

func marshalFile(t *testing.T, frames ...Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testHeader())
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	frames := []Frame{testFrame(0), testFrame(30), testFrame(30), testFrame(95)}
	buf := marshalFile(t, frames...)
	require.Len(t, buf, HeaderSize+4*recordSize)

	file, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, testHeader(), file.Header)
	require.Equal(t, frames, file.Frames)
	require.False(t, file.Truncated)

	// Parsing is idempotent.
	file2, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, file, file2)
}

func TestParseTruncated(t *testing.T) {
	frames := []Frame{testFrame(0), testFrame(10), testFrame(20)}
	buf := marshalFile(t, frames...)

	file, err := Parse(buf[:len(buf)-1])
	require.NoError(t, err)
	require.Equal(t, frames[:2], file.Frames)
	require.True(t, file.Truncated)

	// Only the frame number of the last record.
	file, err = Parse(buf[:HeaderSize+recordSize+4])
	require.NoError(t, err)
	require.Equal(t, frames[:1], file.Frames)
	require.True(t, file.Truncated)
}

func TestParseHeaderOnly(t *testing.T) {
	file, err := Parse(marshalFile(t))
	require.NoError(t, err)
	require.Empty(t, file.Frames)
	require.False(t, file.Truncated)
}

func TestParseHeaderTruncated(t *testing.T) {
	buf := marshalFile(t)
	_, err := Parse(buf[:HeaderSize-1])
	require.ErrorIs(t, err, ErrHeaderTruncated)

	_, err = Parse(nil)
	require.ErrorIs(t, err, ErrHeaderTruncated)
}

func TestFrameMarshal(t *testing.T) {
	var f Frame
	f.FrameNumber = 0x01020304
	f.SetTile(0, 1, 0x0a0b)
	f.SetTile(2, 3, 0x0c0d)

	buf := f.Marshal()
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf[:4])
	// Column-major, index y + 20*x.
	require.Equal(t, []byte{0x0b, 0x0a}, buf[4+1*2:4+1*2+2])
	require.Equal(t, []byte{0x0d, 0x0c}, buf[4+43*2:4+43*2+2])

	var f2 Frame
	f2.Unmarshal(buf)
	require.Equal(t, f, f2)
	require.Equal(t, uint16(0x0c0d), f2.Tile(2, 3))
	require.Equal(t, uint16(0), f2.Tile(3, 2))
}

func TestReader(t *testing.T) {
	frames := []Frame{testFrame(1), testFrame(2)}
	buf := marshalFile(t, frames...)

	r, header, err := NewReader(bytes.NewReader(buf[:len(buf)-10]))
	require.NoError(t, err)
	require.Equal(t, "DJIG", header.Software)

	got, err := r.ReadAll()
	require.NoError(t, err)
	require.Equal(t, frames[:1], got)
	require.True(t, r.Truncated())

	got, err = r.ReadAll()
	require.NoError(t, err)
	require.Empty(t, got)
}
