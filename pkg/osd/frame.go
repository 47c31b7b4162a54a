package osd

import "encoding/binary"

// Grid dimensions.
const (
	GridWidth  = 53
	GridHeight = 20
	GridSize   = GridWidth * GridHeight
)

const (
	tilesSize  = GridSize * 2
	recordSize = 4 + tilesSize
)

// Frame is a single telemetry record.
type Frame struct {
	// FrameNumber is the video frame index the record becomes active at.
	FrameNumber uint32

	// Glyph indices, column-major.
	Tiles [GridSize]uint16
}

// Tile returns the glyph index at column x and row y.
func (f *Frame) Tile(x int, y int) uint16 {
	return f.Tiles[y+GridHeight*x]
}

// SetTile sets the glyph index at column x and row y.
func (f *Frame) SetTile(x int, y int, tile uint16) {
	f.Tiles[y+GridHeight*x] = tile
}

// Marshal frame.
func (f Frame) Marshal() []byte {
	out := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(out[0:4], f.FrameNumber)
	for i, tile := range f.Tiles {
		binary.LittleEndian.PutUint16(out[4+i*2:], tile)
	}
	return out
}

// Unmarshal frame from a full record.
func (f *Frame) Unmarshal(buf []byte) {
	f.FrameNumber = binary.LittleEndian.Uint32(buf[0:4])
	for i := range f.Tiles {
		f.Tiles[i] = binary.LittleEndian.Uint16(buf[4+i*2:])
	}
}
