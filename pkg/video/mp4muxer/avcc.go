package mp4muxer

import (
	"errors"
	"fmt"

	"osdburn/pkg/video/mp4"
)

// ErrParameterSets missing or invalid SPS/PPS.
var ErrParameterSets = errors.New("invalid parameter sets")

// CodecString returns the RFC 6381 codec string, "avc1.PPCCLL".
func CodecString(avcC *mp4.AvcC) string {
	return fmt.Sprintf("avc1.%02x%02x%02x",
		avcC.Profile, avcC.ProfileCompatibility, avcC.Level)
}

// DescriptionFromAvcC serializes the AVCDecoderConfigurationRecord
// with the reserved bits set and the counts and lengths derived
// from the parameter sets.
func DescriptionFromAvcC(avcC *mp4.AvcC) ([]byte, error) {
	if len(avcC.SequenceParameterSets) > 0x1f {
		return nil, fmt.Errorf("%w: too many SPS: %d",
			ErrParameterSets, len(avcC.SequenceParameterSets))
	}
	if len(avcC.PictureParameterSets) > 0xff {
		return nil, fmt.Errorf("%w: too many PPS: %d",
			ErrParameterSets, len(avcC.PictureParameterSets))
	}

	c := *avcC
	c.ConfigurationVersion = 1
	c.Reserved = 0x3f
	c.Reserved2 = 0x7
	c.NumOfSequenceParameterSets = uint8(len(c.SequenceParameterSets))
	c.SequenceParameterSets = normalizeSets(c.SequenceParameterSets)
	c.NumOfPictureParameterSets = uint8(len(c.PictureParameterSets))
	c.PictureParameterSets = normalizeSets(c.PictureParameterSets)
	if c.HighProfileFieldsEnabled {
		c.Reserved3 = 0x3f
		c.Reserved4 = 0x1f
		c.Reserved5 = 0x1f
		c.NumOfSequenceParameterSetExt = uint8(len(c.SequenceParameterSetsExt))
		c.SequenceParameterSetsExt = normalizeSets(c.SequenceParameterSetsExt)
	}
	return c.Record()
}

func normalizeSets(sets []mp4.AVCParameterSet) []mp4.AVCParameterSet {
	ret := make([]mp4.AVCParameterSet, len(sets))
	for i, set := range sets {
		ret[i] = mp4.NewAVCParameterSet(set.NALUnit)
	}
	return ret
}

// AvcCFromParameterSets builds a configuration record from raw SPS and PPS NALUs.
func AvcCFromParameterSets(sps [][]byte, pps [][]byte) (*mp4.AvcC, error) {
	if len(sps) == 0 || len(sps[0]) < 4 {
		return nil, fmt.Errorf("%w: missing SPS", ErrParameterSets)
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("%w: missing PPS", ErrParameterSets)
	}

	avcC := &mp4.AvcC{
		ConfigurationVersion: 1,
		Profile:              sps[0][1],
		ProfileCompatibility: sps[0][2],
		Level:                sps[0][3],
		LengthSizeMinusOne:   3,
	}
	for _, nalu := range sps {
		avcC.SequenceParameterSets = append(avcC.SequenceParameterSets, mp4.NewAVCParameterSet(nalu))
	}
	for _, nalu := range pps {
		avcC.PictureParameterSets = append(avcC.PictureParameterSets, mp4.NewAVCParameterSet(nalu))
	}
	return avcC, nil
}
