package osdburn

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"osdburn/pkg/config"
	"osdburn/pkg/ffmpeg"
	"osdburn/pkg/ffmpeg/ffmock"
	"osdburn/pkg/font"
	"osdburn/pkg/log"
	"osdburn/pkg/osd"
	"osdburn/pkg/pipeline"
	"osdburn/pkg/video/codec"
	"osdburn/pkg/video/h264"
	"osdburn/pkg/video/mp4demuxer"
	"osdburn/pkg/video/mp4muxer"

	"github.com/stretchr/testify/require"
)

const (
	testWidth   = 64
	testHeight  = 36
	testSamples = 20
)

// writeTestVideo writes an mp4 with n samples, sync every 15.
func writeTestVideo(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)

	w, err := mp4muxer.NewWriter(f)
	require.NoError(t, err)
	w.SetDisplaySize(testWidth, testHeight)

	avcC, err := mp4muxer.AvcCFromParameterSets([][]byte{ffmock.SPS}, [][]byte{ffmock.PPS})
	require.NoError(t, err)
	desc, err := mp4muxer.DescriptionFromAvcC(avcC)
	require.NoError(t, err)
	require.NoError(t, w.SetCodecConfiguration(desc))

	for i := 0; i < n; i++ {
		header := byte(0x41)
		if i%15 == 0 {
			header = 0x65
		}
		nalu := append([]byte{header, byte(i)}, bytes.Repeat([]byte{0x80}, 200)...)
		_, err := w.WriteSample(h264.AVCCMarshal([][]byte{nalu}), i%15 == 0)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func writeTestOSD(t *testing.T, path string, frameNumbers ...uint32) {
	t.Helper()
	var buf bytes.Buffer
	w, err := osd.NewWriter(&buf, osd.Header{Software: "DJIG"})
	require.NoError(t, err)
	for _, n := range frameNumbers {
		frame := osd.Frame{FrameNumber: n}
		frame.SetTile(0, 0, 1)
		frame.SetTile(52, 19, 2)
		require.NoError(t, w.WriteFrame(frame))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

func writeTestFont(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, font.SDTileWidth, font.SDTileHeight*font.TilesPerPage))
	for y := font.SDTileHeight; y < 3*font.SDTileHeight; y++ {
		for x := 0; x < font.SDTileWidth; x++ {
			img.Set(x, y, color.RGBA{R: 0xff, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

type testFiles struct {
	dir    string
	video  string
	osd    string
	font   string
	output string
}

func newTestFiles(t *testing.T) testFiles {
	t.Helper()
	dir := t.TempDir()
	files := testFiles{
		dir:    dir,
		video:  filepath.Join(dir, "DJIG0001.mp4"),
		osd:    filepath.Join(dir, "DJIG0001.osd"),
		font:   filepath.Join(dir, "font.png"),
		output: filepath.Join(dir, "DJIG0001_osd.mp4"),
	}
	writeTestVideo(t, files.video, testSamples)
	writeTestOSD(t, files.osd, 0, 10)
	writeTestFont(t, files.font)
	return files
}

func newTestEnv(t *testing.T, newProcess ffmpeg.NewProcessFunc) Env {
	t.Helper()
	return Env{
		Config: config.Default(),
		FFmpeg: ffmpeg.NewWithProcess("/usr/bin/ffmpeg", newProcess),
		Logger: log.NewMockLogger(),
	}
}

func openOutput(t *testing.T, path string) *mp4demuxer.Reader {
	t.Helper()
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	r, err := mp4demuxer.Open(bytes.NewReader(buf), int64(len(buf)))
	require.NoError(t, err)
	return r
}

func TestConvert(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		files := newTestFiles(t)
		fonts, err := LoadFonts([]string{files.font})
		require.NoError(t, err)

		var (
			inits    int
			previews []int
			last     pipeline.Progress
			complete bool
		)
		hooks := pipeline.Hooks{
			OnInit:     func(int, int) { inits++ },
			OnProgress: func(p pipeline.Progress) { last = p },
			OnPreview:  func(index int, _ *codec.Frame) { previews = append(previews, index) },
			OnComplete: func() { complete = true },
		}

		job := Job{
			ID:     "1",
			Video:  files.video,
			OSD:    files.osd,
			Output: files.output,
			Fonts:  fonts,
		}
		err = Convert(context.Background(), newTestEnv(t, ffmock.NewProcess), job, hooks)
		require.NoError(t, err)

		require.Equal(t, 1, inits)
		require.True(t, complete)
		require.Equal(t, []int{0, 15}, previews)
		require.Equal(t, testSamples, last.FramesEncoded)

		out := openOutput(t, files.output)
		require.Equal(t, testSamples, out.SampleCount())
		info := out.Info()
		require.Equal(t, testWidth, info.Width)
		require.Equal(t, testHeight, info.Height)
		require.Equal(t, "avc1.4d401f", info.CodecString())
		for i := 0; i < testSamples; i++ {
			require.Equal(t, i%15 == 0, out.IsSync(i), i)
		}
	})
	t.Run("processErr", func(t *testing.T) {
		files := newTestFiles(t)
		fonts, err := LoadFonts([]string{files.font})
		require.NoError(t, err)

		job := Job{ID: "1", Video: files.video, OSD: files.osd, Output: files.output, Fonts: fonts}
		err = Convert(context.Background(), newTestEnv(t, ffmock.NewProcessErr), job, pipeline.Hooks{})
		require.ErrorIs(t, err, ffmock.ErrMock)

		_, err = os.Stat(files.output)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("missingVideo", func(t *testing.T) {
		files := newTestFiles(t)
		job := Job{ID: "1", Video: files.video + "x", OSD: files.osd, Output: files.output}
		err := Convert(context.Background(), newTestEnv(t, ffmock.NewProcess), job, pipeline.Hooks{})
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("invalidTelemetry", func(t *testing.T) {
		files := newTestFiles(t)
		require.NoError(t, os.WriteFile(files.osd, []byte("DJIG"), 0o600))
		job := Job{ID: "1", Video: files.video, OSD: files.osd, Output: files.output}
		err := Convert(context.Background(), newTestEnv(t, ffmock.NewProcess), job, pipeline.Hooks{})
		require.ErrorIs(t, err, osd.ErrHeaderTruncated)

		_, err = os.Stat(files.output)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("canceled", func(t *testing.T) {
		files := newTestFiles(t)
		fonts, err := LoadFonts([]string{files.font})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		job := Job{ID: "1", Video: files.video, OSD: files.osd, Output: files.output, Fonts: fonts}
		err = Convert(ctx, newTestEnv(t, ffmock.NewProcess), job, pipeline.Hooks{})
		require.ErrorIs(t, err, context.Canceled)

		_, err = os.Stat(files.output)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestReadTelemetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.osd")
	writeTestOSD(t, path, 30, 0, 10)

	// Partial record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	frames, err := ReadTelemetry(log.NewMockLogger(), "1", path)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, uint32(0), frames[0].FrameNumber)
	require.Equal(t, uint32(10), frames[1].FrameNumber)
	require.Equal(t, uint32(30), frames[2].FrameNumber)

	_, err = ReadTelemetry(log.NewMockLogger(), "1", path+"x")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFonts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "font.png")
	writeTestFont(t, path)

	pack, err := LoadFonts([]string{path})
	require.NoError(t, err)
	require.True(t, pack.HasResolution(false))
	require.False(t, pack.HasResolution(true))
	require.Equal(t, uint8(0xff), pack.Tile(false, 1).Pix[0])

	_, err = LoadFonts([]string{filepath.Join(dir, "nil.png")})
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err = LoadFonts([]string{path})
	require.ErrorIs(t, err, font.ErrFontFormat)
}
