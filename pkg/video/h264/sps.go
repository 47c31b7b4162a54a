package h264

import (
	"bytes"
	"errors"

	"github.com/icza/bitio"
)

// SPS errors.
var (
	ErrSPSBufferTooShort    = errors.New("buffer is too short")
	ErrSPSWrongForbiddenBit = errors.New("wrong forbidden bit")
	ErrSPSWrongType         = errors.New("not a SPS")
)

// SPS is the subset of a sequence parameter set needed to size frames.
type SPS struct {
	ProfileIdc uint8
	LevelIdc   uint8
	ID         uint32

	ChromaFormatIdc      uint32
	PicWidthInMbsMinus1  uint32
	PicHeightInMbsMinus1 uint32
	FrameMbsOnlyFlag     bool
	FrameCropping        *SPSFrameCropping
}

// SPSFrameCropping is the frame cropping part of a SPS.
type SPSFrameCropping struct {
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

// golombReader reads exp-golomb codes and keeps the first error.
type golombReader struct {
	br  *bitio.Reader
	err error
}

func (r *golombReader) bits(n uint8) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.br.ReadBits(n)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *golombReader) flag() bool {
	return r.bits(1) == 1
}

func (r *golombReader) unsigned() uint32 {
	leadingZeroBits := uint32(0)
	for r.err == nil && r.bits(1) == 0 {
		leadingZeroBits++
		if leadingZeroBits > 31 {
			r.err = ErrSPSBufferTooShort
			return 0
		}
	}

	codeNum := uint32(0)
	for n := leadingZeroBits; n > 0; n-- {
		codeNum |= uint32(r.bits(1)) << (n - 1)
	}
	return (1 << leadingZeroBits) - 1 + codeNum
}

func (r *golombReader) signed() int32 {
	vi := int32(r.unsigned())
	if (vi & 0x01) != 0 {
		return (vi + 1) / 2
	}
	return -vi / 2
}

func (r *golombReader) skipScalingList(size int) {
	lastScale := int32(8)
	nextScale := int32(8)
	for j := 0; j < size && r.err == nil; j++ {
		if nextScale != 0 {
			nextScale = (lastScale + r.signed() + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// EmulationPreventionRemove removes emulation prevention bytes from a NALU.
func EmulationPreventionRemove(nalu []byte) []byte {
	if !bytes.Contains(nalu, []byte{0, 0, 3}) {
		return nalu
	}

	ret := make([]byte, 0, len(nalu))
	zeros := 0
	for _, b := range nalu {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		ret = append(ret, b)
	}
	return ret
}

// Unmarshal decodes a SPS from bytes.
func (s *SPS) Unmarshal(buf []byte) error {
	buf = EmulationPreventionRemove(buf)

	if len(buf) < 4 {
		return ErrSPSBufferTooShort
	}
	if buf[0]>>7 != 0 {
		return ErrSPSWrongForbiddenBit
	}
	if TypeOf(buf) != NALUTypeSPS {
		return ErrSPSWrongType
	}

	s.ProfileIdc = buf[1]
	s.LevelIdc = buf[3]

	r := &golombReader{br: bitio.NewReader(bytes.NewReader(buf[4:]))}
	s.ID = r.unsigned()

	s.ChromaFormatIdc = 1
	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		s.ChromaFormatIdc = r.unsigned()
		if s.ChromaFormatIdc == 3 {
			r.flag() // separate_colour_plane_flag
		}
		r.unsigned() // bit_depth_luma_minus8
		r.unsigned() // bit_depth_chroma_minus8
		r.flag()     // qpprime_y_zero_transform_bypass_flag
		if r.flag() {
			lim := 8
			if s.ChromaFormatIdc == 3 {
				lim = 12
			}
			for i := 0; i < lim; i++ {
				if !r.flag() {
					continue
				}
				if i < 6 {
					r.skipScalingList(16)
				} else {
					r.skipScalingList(64)
				}
			}
		}
	}

	r.unsigned() // log2_max_frame_num_minus4
	switch r.unsigned() {
	case 0:
		r.unsigned() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.flag()   // delta_pic_order_always_zero_flag
		r.signed() // offset_for_non_ref_pic
		r.signed() // offset_for_top_to_bottom_field
		n := r.unsigned()
		for i := uint32(0); i < n && r.err == nil; i++ {
			r.signed()
		}
	}

	r.unsigned() // max_num_ref_frames
	r.flag()     // gaps_in_frame_num_value_allowed_flag

	s.PicWidthInMbsMinus1 = r.unsigned()
	s.PicHeightInMbsMinus1 = r.unsigned()
	s.FrameMbsOnlyFlag = r.flag()
	if !s.FrameMbsOnlyFlag {
		r.flag() // mb_adaptive_frame_field_flag
	}
	r.flag() // direct_8x8_inference_flag

	s.FrameCropping = nil
	if r.flag() {
		s.FrameCropping = &SPSFrameCropping{
			LeftOffset:   r.unsigned(),
			RightOffset:  r.unsigned(),
			TopOffset:    r.unsigned(),
			BottomOffset: r.unsigned(),
		}
	}

	return r.err
}

// Width returns the video width.
func (s SPS) Width() int {
	w := int((s.PicWidthInMbsMinus1 + 1) * 16)
	if s.FrameCropping != nil {
		w -= int(s.FrameCropping.LeftOffset+s.FrameCropping.RightOffset) * 2
	}
	return w
}

// Height returns the video height.
func (s SPS) Height() int {
	f := uint32(0)
	if s.FrameMbsOnlyFlag {
		f = 1
	}

	h := int((2 - f) * (s.PicHeightInMbsMinus1 + 1) * 16)
	if s.FrameCropping != nil {
		h -= int(s.FrameCropping.TopOffset+s.FrameCropping.BottomOffset) * 2
	}
	return h
}
