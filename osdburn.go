// Package osdburn burns goggle OSD telemetry into recorded video.
package osdburn

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"osdburn/pkg/config"
	"osdburn/pkg/ffmpeg"
	"osdburn/pkg/font"
	"osdburn/pkg/pipeline"
	"osdburn/pkg/watch"
	"osdburn/pkg/web"

	"github.com/urfave/cli/v2"
)

// Replaced in tests.
var newFFmpeg = ffmpeg.New

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to config `FILE`",
	EnvVars: []string{"OSDBURN_CONFIG"},
}

// NewCLI returns the command line app.
func NewCLI() *cli.App {
	return &cli.App{
		Name:  "osdburn",
		Usage: "burn goggle OSD telemetry into recorded video",
		Commands: []*cli.Command{
			{
				Name:  "convert",
				Usage: "convert a single recording",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "video", Usage: "input mp4 `FILE`", Required: true},
					&cli.StringFlag{Name: "osd", Usage: "input osd `FILE`", Required: true},
					&cli.StringSliceFlag{Name: "font", Usage: "font sheet `FILE`, repeatable", Required: true},
					&cli.StringFlag{Name: "out", Usage: "output mp4 `FILE`, defaults to VIDEO_osd.mp4"},
					configFlag,
				},
				Action: convertAction,
			},
			{
				Name:   "serve",
				Usage:  "serve the conversion api",
				Flags:  []cli.Flag{configFlag},
				Action: serveAction,
			},
			{
				Name:  "watch",
				Usage: "convert recordings as they land in a directory",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Usage: "watched `DIR`", Required: true},
					&cli.StringFlag{Name: "fonts", Usage: "font `DIR`, overrides fontDir"},
					configFlag,
				},
				Action: watchAction,
			},
		},
	}
}

// Run runs the command line app.
func Run(args []string) error {
	return NewCLI().Run(args)
}

// runApp runs fn until it returns or the process is interrupted,
// then waits for the services to stop.
func runApp(c *cli.Context, fn func(context.Context, *App) error) error {
	cfg, err := config.ReadFile(c.String("config"))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wg := &sync.WaitGroup{}
	app := newApp(cfg, wg, newFFmpeg(cfg.FFmpegBin))
	err = fn(ctx, app)

	cancel()
	wg.Wait()
	return err
}

func convertAction(c *cli.Context) error {
	req := web.ConvertRequest{
		FontFiles: c.StringSlice("font"),
		OSDFile:   c.String("osd"),
		VideoFile: c.String("video"),
		Output:    c.String("out"),
	}
	if req.Output == "" {
		video := req.VideoFile
		req.Output = video[:len(video)-len(filepath.Ext(video))] + watch.OutputSuffix + ".mp4"
	}
	if err := req.Validate(); err != nil {
		return err
	}

	return runApp(c, func(ctx context.Context, app *App) error {
		app.start(ctx)

		fonts, err := LoadFonts(req.FontFiles)
		if err != nil {
			return err
		}
		job := Job{
			ID:     "cli",
			Video:  req.VideoFile,
			OSD:    req.OSDFile,
			Output: req.Output,
			Fonts:  fonts,
		}
		return Convert(ctx, app.env(), job, progressPrinter(c.App.Writer, time.Second))
	})
}

func serveAction(c *cli.Context) error {
	return runApp(c, func(ctx context.Context, app *App) error {
		return app.serve(ctx)
	})
}

func watchAction(c *cli.Context) error {
	return runApp(c, func(ctx context.Context, app *App) error {
		app.start(ctx)
		app.logFFmpegVersion(ctx)

		fontDir := c.String("fonts")
		if fontDir == "" {
			fontDir = app.Config.FontDir
		}
		if fontDir == "" {
			return fmt.Errorf("%w: no font directory, set fontDir or --fonts", web.ErrInvalidInput)
		}
		fonts, err := font.LoadDir(fontDir)
		if err != nil {
			return err
		}

		var count int
		convert := func(ctx context.Context, pair watch.Pair) error {
			count++
			job := Job{
				ID:     fmt.Sprintf("%s-%d", pair.Name, count),
				Video:  pair.Video,
				OSD:    pair.OSD,
				Output: pair.Output,
				Fonts:  fonts,
			}
			return Convert(ctx, app.env(), job, pipeline.Hooks{})
		}
		return watch.New(c.String("dir"), app.Logger, convert).Run(ctx)
	})
}

// progressPrinter prints a progress line at most once per interval.
func progressPrinter(w io.Writer, interval time.Duration) pipeline.Hooks {
	var last time.Time
	return pipeline.Hooks{
		OnInit: func(expectedFrames int, tinyFrames int) {
			fmt.Fprintf(w, "converting %d frames, %d tiny frames skipped\n",
				expectedFrames, tinyFrames)
		},
		OnProgress: func(p pipeline.Progress) {
			if time.Since(last) < interval {
				return
			}
			last = time.Now()
			fmt.Fprintln(w, formatProgress(p))
		},
		OnComplete: func() {
			fmt.Fprintln(w, "done")
		},
	}
}

func formatProgress(p pipeline.Progress) string {
	percent := 0
	if p.ExpectedFrames != 0 {
		percent = (p.FramesEncoded + p.TinyFrames) * 100 / p.ExpectedFrames
	}
	line := fmt.Sprintf("%3d%% encoded %d/%d decoded %d queues %d/%d",
		percent, p.FramesEncoded, p.ExpectedFrames-p.TinyFrames, p.FramesDecoded,
		p.InDecoderQueue, p.InEncoderQueue)
	if p.System != nil {
		line += fmt.Sprintf(" cpu %d%% ram %d%%", p.System.CPUUsage, p.System.RAMUsage)
	}
	return line
}
