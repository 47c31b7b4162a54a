package osdburn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"osdburn/pkg/config"
	"osdburn/pkg/ffmpeg"
	"osdburn/pkg/font"
	"osdburn/pkg/log"
	"osdburn/pkg/osd"
	"osdburn/pkg/overlay"
	"osdburn/pkg/pipeline"
	"osdburn/pkg/system"
	"osdburn/pkg/video/mp4demuxer"
	"osdburn/pkg/video/mp4muxer"
)

// Env is shared by every conversion job.
type Env struct {
	Config *config.Config
	FFmpeg *ffmpeg.FFMPEG
	Logger *log.Logger

	// Optional.
	Status func() system.Status
}

// Job is a single conversion.
type Job struct {
	ID     string
	Video  string
	OSD    string
	Output string
	Fonts  *font.Pack
}

// LoadFonts reads and decodes font sheets.
func LoadFonts(paths []string) (*font.Pack, error) {
	files := make([]font.File, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read font: %w", err)
		}
		files = append(files, font.File{Name: filepath.Base(path), Data: data})
	}
	return font.Load(files)
}

// ReadTelemetry parses the osd file at path. The frames are
// sorted by frame number.
func ReadTelemetry(logger *log.Logger, jobID string, path string) ([]osd.Frame, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read telemetry: %w", err)
	}
	file, err := osd.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	if file.Truncated {
		logger.Warn().Src("app").Job(jobID).
			Msgf("%v: telemetry ends with a partial record, dropped", filepath.Base(path))
	}
	logger.Info().Src("app").Job(jobID).Msgf("telemetry: %d frames, software %q",
		len(file.Frames), file.Header.Software)

	frames := file.Frames
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].FrameNumber < frames[j].FrameNumber
	})
	return frames, nil
}

// Convert burns the telemetry into the video. The output is
// removed if the conversion fails.
func Convert(ctx context.Context, env Env, job Job, hooks pipeline.Hooks) error {
	in, err := os.Open(job.Video)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	defer in.Close()

	stat, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat video: %w", err)
	}
	src, err := mp4demuxer.Open(in, stat.Size())
	if err != nil {
		return fmt.Errorf("%v: %w", job.Video, err)
	}

	telemetry, err := ReadTelemetry(env.Logger, job.ID, job.OSD)
	if err != nil {
		return err
	}

	compositor, err := overlay.New(
		overlay.Config{Resolution: env.Config.FontResolution}, telemetry, job.Fonts)
	if err != nil {
		return err
	}

	out, err := os.Create(job.Output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	dst, err := mp4muxer.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(job.Output)
		return fmt.Errorf("%v: %w", job.Output, err)
	}

	if hooks.StatusFunc == nil {
		hooks.StatusFunc = env.Status
	}

	cfg := env.Config
	p := pipeline.New(
		pipeline.Config{
			JobID:            job.ID,
			MaxQueueSize:     cfg.MaxQueueSize,
			KeyframeInterval: cfg.KeyframeInterval,
			TinyFrameSize:    cfg.TinyFrameSize,
			ProgressInterval: cfg.ProgressInterval,
			FrameRate:        cfg.FrameRate,
			EncoderCodec:     cfg.OutputCodec,
		},
		src,
		dst,
		env.FFmpeg.NewDecoder(env.Logger, job.ID),
		env.FFmpeg.NewEncoder(env.Logger, job.ID, cfg.EncoderCodec),
		compositor,
		hooks,
		env.Logger,
	)

	env.Logger.Info().Src("app").Job(job.ID).
		Msgf("converting %v to %v", filepath.Base(job.Video), job.Output)

	if err := p.Run(ctx); err != nil {
		if rmErr := os.Remove(job.Output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			env.Logger.Error().Src("app").Job(job.ID).
				Msgf("could not remove partial output: %v", rmErr)
		}
		return err
	}
	return nil
}
