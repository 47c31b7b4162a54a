// Package h264 contains the H264 bitstream helpers used around the codecs.
package h264

// NALUType is the type of a NALU.
type NALUType uint8

// NALU types.
const (
	NALUTypeNonIDR NALUType = 1
	NALUTypeIDR    NALUType = 5
	NALUTypeSEI    NALUType = 6
	NALUTypeSPS    NALUType = 7
	NALUTypePPS    NALUType = 8
	NALUTypeAUD    NALUType = 9
)

// TypeOf returns the type of the NALU.
func TypeOf(nalu []byte) NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return NALUType(nalu[0] & 0x1f)
}

// IDRPresent reports if any of the NALUs is an IDR slice.
func IDRPresent(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if TypeOf(nalu) == NALUTypeIDR {
			return true
		}
	}
	return false
}
