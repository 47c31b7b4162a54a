package osdburn

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"osdburn/pkg/ffmpeg"
	"osdburn/pkg/ffmpeg/ffmock"
	"osdburn/pkg/web"

	"github.com/stretchr/testify/require"
)

func mockFFmpeg(t *testing.T) {
	t.Helper()
	prev := newFFmpeg
	newFFmpeg = func(string) *ffmpeg.FFMPEG { return ffmock.New() }
	t.Cleanup(func() { newFFmpeg = prev })
}

func TestCLI(t *testing.T) {
	t.Run("convert", func(t *testing.T) {
		mockFFmpeg(t)
		files := newTestFiles(t)

		var out bytes.Buffer
		app := NewCLI()
		app.Writer = &out
		err := app.Run([]string{
			"osdburn", "convert",
			"--video", files.video,
			"--osd", files.osd,
			"--font", files.font,
		})
		require.NoError(t, err)
		require.Contains(t, out.String(), "converting 20 frames, 0 tiny frames skipped\n")
		require.Contains(t, out.String(), "done\n")
		require.Equal(t, testSamples, openOutput(t, files.output).SampleCount())
	})
	t.Run("convertOut", func(t *testing.T) {
		mockFFmpeg(t)
		files := newTestFiles(t)
		output := filepath.Join(files.dir, "out.mp4")

		app := NewCLI()
		app.Writer = &bytes.Buffer{}
		err := app.Run([]string{
			"osdburn", "convert",
			"--video", files.video,
			"--osd", files.osd,
			"--font", files.font,
			"--out", output,
		})
		require.NoError(t, err)
		_, err = os.Stat(output)
		require.NoError(t, err)
	})
	t.Run("convertOverwrite", func(t *testing.T) {
		files := newTestFiles(t)
		app := NewCLI()
		app.Writer = &bytes.Buffer{}
		err := app.Run([]string{
			"osdburn", "convert",
			"--video", files.video,
			"--osd", files.osd,
			"--font", files.font,
			"--out", files.video,
		})
		require.ErrorIs(t, err, web.ErrInvalidInput)
	})
	t.Run("invalidConfig", func(t *testing.T) {
		files := newTestFiles(t)
		configPath := filepath.Join(files.dir, "osdburn.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("port: -1"), 0o600))

		app := NewCLI()
		app.Writer = &bytes.Buffer{}
		err := app.Run([]string{
			"osdburn", "convert",
			"--video", files.video,
			"--osd", files.osd,
			"--font", files.font,
			"--config", configPath,
		})
		require.Error(t, err)
	})
	t.Run("watchNoFonts", func(t *testing.T) {
		mockFFmpeg(t)
		app := NewCLI()
		app.Writer = &bytes.Buffer{}
		err := app.Run([]string{"osdburn", "watch", "--dir", t.TempDir()})
		require.ErrorIs(t, err, web.ErrInvalidInput)
	})
}
