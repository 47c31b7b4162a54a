package h264

import (
	"errors"
	"fmt"
)

// MaxNALUSize is the maximum size of a NALU.
// with a 250 Mbps H264 video, the maximum NALU size is 2.2MB.
const MaxNALUSize = 3 * 1024 * 1024

// AVCC errors.
var (
	ErrAVCCInvalidLength     = errors.New("invalid length")
	ErrAVCCInvalidLengthSize = errors.New("invalid length size")
)

// AVCCnaluSizeTooBigError .
type AVCCnaluSizeTooBigError struct {
	NALUSize int
}

func (e AVCCnaluSizeTooBigError) Error() string {
	return fmt.Sprintf("NALU size (%d) is too big (maximum is %d)", e.NALUSize, MaxNALUSize)
}

// AVCCUnmarshal decodes NALUs from the AVCC stream format.
// lengthSize is the size of the NALU length prefix, 1, 2 or 4 bytes.
func AVCCUnmarshal(buf []byte, lengthSize int) ([][]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("%w: %d", ErrAVCCInvalidLengthSize, lengthSize)
	}

	bl := len(buf)
	pos := 0
	var ret [][]byte

	for pos < bl {
		if (bl - pos) < lengthSize {
			return nil, ErrAVCCInvalidLength
		}

		le := 0
		for i := 0; i < lengthSize; i++ {
			le = le<<8 | int(buf[pos+i])
		}
		pos += lengthSize

		if le > MaxNALUSize {
			return nil, AVCCnaluSizeTooBigError{NALUSize: le}
		}
		if (bl - pos) < le {
			return nil, ErrAVCCInvalidLength
		}

		ret = append(ret, buf[pos:pos+le])
		pos += le
	}

	if len(ret) == 0 {
		return nil, ErrAVCCInvalidLength
	}
	return ret, nil
}

func avccMarshalSize(nalus [][]byte) int {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	return n
}

// AVCCMarshal encodes NALUs into the AVCC stream format with 4 byte lengths.
func AVCCMarshal(nalus [][]byte) []byte {
	buf := make([]byte, avccMarshalSize(nalus))
	pos := 0
	for _, nalu := range nalus {
		l := len(nalu)
		buf[pos] = byte(l >> 24)
		buf[pos+1] = byte(l >> 16)
		buf[pos+2] = byte(l >> 8)
		buf[pos+3] = byte(l)
		pos += 4

		pos += copy(buf[pos:], nalu)
	}
	return buf
}
