// Package osd reads the on-screen-display telemetry recorded by the goggles.
package osd

// The telemetry is recorded next to the video as <name>.osd.
// All integers are little-endian.
//
//   software   [4]byte  ASCII identifier of the recording firmware.
//   magic      [36]byte Opaque, kept as is.
//   records    []record
//
//
// record { // 2124 bytes.
//   frameNumber uint32 // Video frame the record becomes active at.
//
//   // 53 columns by 20 rows of glyph indices, column-major.
//   // The tile at column x and row y is tiles[y + 20*x].
//   tiles [1060]uint16
// }
//
// There is no framing between records. A recording cut off by a power
// loss ends with a partial record, it's dropped and the file is still valid.
