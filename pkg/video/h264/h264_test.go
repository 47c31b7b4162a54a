package h264

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testSPS720p = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	testSPSCropped = []byte{
		103, 100, 0, 22, 172, 217, 64, 164,
		59, 228, 136, 192, 68, 0, 0, 3,
		0, 4, 0, 0, 3, 0, 96, 60,
		88, 182, 88,
	}
	testSPSMain = []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}
)

func TestSPSUnmarshal(t *testing.T) {
	cases := []struct {
		name   string
		sps    []byte
		width  int
		height int
	}{
		{"720p", testSPS720p, 1280, 720},
		{"cropped", testSPSCropped, 650, 450},
		{"main", testSPSMain, 256, 192},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var sps SPS
			require.NoError(t, sps.Unmarshal(tc.sps))
			require.Equal(t, tc.width, sps.Width())
			require.Equal(t, tc.height, sps.Height())
		})
	}
}

func TestSPSUnmarshalErrors(t *testing.T) {
	var sps SPS
	require.ErrorIs(t, sps.Unmarshal([]byte{0x67, 0x64}), ErrSPSBufferTooShort)
	require.ErrorIs(t, sps.Unmarshal([]byte{0x68, 0x64, 0x00, 0x1f, 0xac}), ErrSPSWrongType)
	require.ErrorIs(t, sps.Unmarshal([]byte{0xe7, 0x64, 0x00, 0x1f, 0xac}), ErrSPSWrongForbiddenBit)
	require.Error(t, sps.Unmarshal(testSPS720p[:6]))
}

func TestEmulationPreventionRemove(t *testing.T) {
	require.Equal(t,
		[]byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00},
		EmulationPreventionRemove([]byte{0x01, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00}),
	)
	in := []byte{0x01, 0x02}
	require.Equal(t, in, EmulationPreventionRemove(in))
}

func TestAVCC(t *testing.T) {
	nalus := [][]byte{{0x65, 0x01, 0x02}, {0x06, 0x03}}
	buf := AVCCMarshal(nalus)
	require.Equal(t, []byte{
		0, 0, 0, 3, 0x65, 0x01, 0x02,
		0, 0, 0, 2, 0x06, 0x03,
	}, buf)

	got, err := AVCCUnmarshal(buf, 4)
	require.NoError(t, err)
	require.Equal(t, nalus, got)

	got, err = AVCCUnmarshal([]byte{0, 2, 0x41, 0x01}, 2)
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0x41, 0x01}}, got)

	_, err = AVCCUnmarshal([]byte{0, 0, 0, 9, 0x65}, 4)
	require.ErrorIs(t, err, ErrAVCCInvalidLength)

	_, err = AVCCUnmarshal(nil, 4)
	require.ErrorIs(t, err, ErrAVCCInvalidLength)

	_, err = AVCCUnmarshal(buf, 3)
	require.ErrorIs(t, err, ErrAVCCInvalidLengthSize)

	_, err = AVCCUnmarshal([]byte{0x7f, 0xff, 0xff, 0xff}, 4)
	require.ErrorAs(t, err, &AVCCnaluSizeTooBigError{})
}

func TestAnnexBEncode(t *testing.T) {
	require.Equal(t,
		[]byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x65},
		AnnexBEncode([][]byte{{0x67, 0x42}, {0x65}}),
	)
}

func TestIDRPresent(t *testing.T) {
	require.True(t, IDRPresent([][]byte{{0x67}, {0x65, 0x88}}))
	require.False(t, IDRPresent([][]byte{{0x41, 0x9a}, {}}))
	require.Equal(t, NALUTypeSPS, TypeOf([]byte{0x67}))
}
