// Package ffmock replaces the ffmpeg process with an in-process
// fake that speaks the same stdin and stdout formats.
package ffmock

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"osdburn/pkg/ffmpeg"
	"osdburn/pkg/video/h264"
	"osdburn/pkg/video/mp4"
	"osdburn/pkg/video/mp4/bitio"
	"osdburn/pkg/video/mp4muxer"
)

// SPS and PPS of the fake encoder output, 256x192 main profile.
var (
	SPS = []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}
	PPS = []byte{0x68, 0xce, 0x38, 0x80}
)

// ErrMock is returned by failing processes.
var ErrMock = errors.New("mock")

// MockProcessConfig ProcessMocker config.
type MockProcessConfig struct {
	ReturnErr bool
	Sleep     time.Duration

	// FailAfter exits with ErrMock after this many outputs, zero disables.
	FailAfter int

	// Cmds receives every started command if set.
	Cmds chan<- *exec.Cmd
}

// NewProcessMocker creates process mocker from config.
func NewProcessMocker(c MockProcessConfig) ffmpeg.NewProcessFunc {
	return func(cmd *exec.Cmd) ffmpeg.Process {
		return mockProcess{c: c, cmd: cmd}
	}
}

type mockProcess struct {
	c   MockProcessConfig
	cmd *exec.Cmd
}

func (m mockProcess) Timeout(time.Duration) ffmpeg.Process       { return m }
func (m mockProcess) StdoutLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }
func (m mockProcess) StderrLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }

func (m mockProcess) Start(ctx context.Context) error {
	if m.c.Cmds != nil {
		m.c.Cmds <- m.cmd
	}
	if m.c.Sleep != 0 {
		select {
		case <-time.After(m.c.Sleep):
		case <-ctx.Done():
			return nil
		}
	}
	if m.c.ReturnErr {
		return ErrMock
	}
	if m.cmd.Stdin == nil || m.cmd.Stdout == nil {
		return nil
	}

	args := m.cmd.Args[1:]
	var err error
	switch arg(args, "-f") {
	case "h264":
		err = m.decode(args)
	case "rawvideo":
		err = m.encode(args)
	default:
		return fmt.Errorf("%w: unknown input format: %v", ErrMock, args)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// NewProcess returns a mocker that behaves like ffmpeg.
var NewProcess = NewProcessMocker(MockProcessConfig{})

// NewProcessErr returns error.
var NewProcessErr = NewProcessMocker(MockProcessConfig{
	ReturnErr: true,
})

// New returns FFMPEG with the default mocker.
func New() *ffmpeg.FFMPEG {
	return ffmpeg.NewWithProcess("/usr/bin/ffmpeg", NewProcess)
}

// arg returns the value following the first occurrence of flag.
func arg(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func parseSize(s string) (int, int, error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: invalid size: %q", ErrMock, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, err
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

// decode writes one gray frame for every slice NALU in the
// Annex-B input, as soon as the NALU header is read.
func (m mockProcess) decode(args []string) error {
	w, h, err := parseSize(arg(args, "-s"))
	if err != nil {
		return err
	}
	frame := bytes.Repeat([]byte{0x80, 0x80, 0x80, 0xff}, w*h)

	r := bufio.NewReader(m.cmd.Stdin)
	var zeros, frames int
	for {
		b, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		startCode := b == 1 && zeros >= 2
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		if !startCode {
			continue
		}

		header, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: truncated nalu", ErrMock)
		}
		typ := h264.NALUType(header & 0x1f)
		if typ != h264.NALUTypeIDR && typ != h264.NALUTypeNonIDR {
			continue
		}
		if m.c.FailAfter != 0 && frames == m.c.FailAfter {
			return ErrMock
		}
		if _, err := m.cmd.Stdout.Write(frame); err != nil {
			return err
		}
		frames++
	}
}

// encode writes a fragmented mp4 stream with one fragment per frame.
func (m mockProcess) encode(args []string) error {
	width, height, err := parseSize(arg(args, "-s"))
	if err != nil {
		return err
	}
	gop, err := strconv.Atoi(arg(args, "-g"))
	if err != nil || gop <= 0 {
		return fmt.Errorf("%w: invalid gop: %q", ErrMock, arg(args, "-g"))
	}

	out := bitio.NewWriter(bitio.NewByteWriter(m.cmd.Stdout))
	if err := writeInit(out, width, height); err != nil {
		return err
	}

	frame := make([]byte, width*height*4)
	for i := 0; ; i++ {
		if _, err := io.ReadFull(m.cmd.Stdin, frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if m.c.FailAfter != 0 && i == m.c.FailAfter {
			return ErrMock
		}

		typ := byte(h264.NALUTypeNonIDR) | 0x20
		if i%gop == 0 {
			typ = byte(h264.NALUTypeIDR) | 0x60
		}
		sample := h264.AVCCMarshal([][]byte{{typ, 0x88, byte(i >> 8), byte(i)}})
		if err := writeFragment(out, uint32(i+1), sample, i%gop == 0); err != nil {
			return err
		}
	}
}

func writeInit(w *bitio.Writer, width int, height int) error {
	avcC, err := mp4muxer.AvcCFromParameterSets([][]byte{SPS}, [][]byte{PPS})
	if err != nil {
		return err
	}
	desc, err := mp4muxer.DescriptionFromAvcC(avcC)
	if err != nil {
		return err
	}

	ftyp := &mp4.Ftyp{
		MajorBrand: [4]byte{'i', 's', 'o', '5'},
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', '5'}},
		},
	}
	if _, err := mp4.WriteSingleBox(w, ftyp); err != nil {
		return err
	}

	moov := mp4.Boxes{
		Box: &mp4.Moov{},
		Children: []mp4.Boxes{{
			Box: &mp4.Trak{},
			Children: []mp4.Boxes{{
				Box: &mp4.Mdia{},
				Children: []mp4.Boxes{{
					Box: &mp4.Minf{},
					Children: []mp4.Boxes{{
						Box: &mp4.Stbl{},
						Children: []mp4.Boxes{{
							Box: &mp4.Stsd{EntryCount: 1},
							Children: []mp4.Boxes{{
								Box: &mp4.Avc1{
									SampleEntry: mp4.SampleEntry{DataReferenceIndex: 1},
									Width:       uint16(width),
									Height:      uint16(height),
									Depth:       24,
									PreDefined3: -1,
								},
								Children: []mp4.Boxes{
									{Box: &mp4.Unknown{BoxType: mp4.TypeAvcC, Data: desc}},
								},
							}},
						}},
					}},
				}},
			}},
		}},
	}
	return moov.Marshal(w)
}

// Sample flags, sample_depends_on and sample_is_non_sync_sample.
const (
	syncSampleFlags    = 0x02000000
	nonSyncSampleFlags = 0x01010000
)

// writeFragment writes a single sample fragment the way ffmpeg does with
// frag_every_frame: size, duration and flags come from the tfhd defaults and
// the trun carries only the data offset and first sample flags.
func writeFragment(w *bitio.Writer, seq uint32, sample []byte, isKeyframe bool) error {
	tfhd := &mp4.Tfhd{
		TrackID:               1,
		DefaultSampleDuration: 1,
		DefaultSampleSize:     uint32(len(sample)),
		DefaultSampleFlags:    nonSyncSampleFlags,
	}
	tfhd.SetFlags(mp4.TfhdDefaultBaseIsMoof |
		mp4.TfhdDefaultSampleDurationPresent |
		mp4.TfhdDefaultSampleSizePresent |
		mp4.TfhdDefaultSampleFlagsPresent)

	trun := &mp4.Trun{
		SampleCount:      1,
		FirstSampleFlags: nonSyncSampleFlags,
		Entries:          []mp4.TrunEntry{{}},
	}
	if isKeyframe {
		trun.FirstSampleFlags = syncSampleFlags
	}
	trun.SetFlags(mp4.TrunDataOffsetPresent | mp4.TrunFirstSampleFlagsPresent)

	moof := mp4.Boxes{
		Box: &mp4.Moof{},
		Children: []mp4.Boxes{
			{Box: &mp4.Mfhd{SequenceNumber: seq}},
			{
				Box: &mp4.Traf{},
				Children: []mp4.Boxes{
					{Box: tfhd},
					{Box: trun},
				},
			},
		},
	}
	trun.DataOffset = int32(moof.Size() + mp4.HeaderSize)

	if err := moof.Marshal(w); err != nil {
		return err
	}
	_, err := mp4.WriteSingleBox(w, &mp4.Mdat{Data: sample})
	return err
}
