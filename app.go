// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package osdburn

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"osdburn/pkg/config"
	"osdburn/pkg/ffmpeg"
	"osdburn/pkg/log"
	"osdburn/pkg/system"
	"osdburn/pkg/web"

	"golang.org/x/sync/errgroup"
)

// App wires the long running services.
type App struct {
	WG     *sync.WaitGroup
	Config *config.Config
	Logger *log.Logger
	FFmpeg *ffmpeg.FFMPEG

	logDB  *log.DB
	system *system.System
	hub    *web.Hub

	// Log to stdout.
	stdout bool
}

func newApp(cfg *config.Config, wg *sync.WaitGroup, f *ffmpeg.FFMPEG) *App {
	logger := log.NewLogger(wg)

	var logDB *log.DB
	if cfg.LogDB != "" {
		logDB = log.NewDB(cfg.LogDB, wg)
	}

	return &App{
		WG:     wg,
		Config: cfg,
		Logger: logger,
		FFmpeg: f,
		logDB:  logDB,
		system: system.New(logger),
		hub:    web.NewHub(wg),
		stdout: true,
	}
}

// env returns the conversion environment.
func (app *App) env() Env {
	return Env{
		Config: app.Config,
		FFmpeg: app.FFmpeg,
		Logger: app.Logger,
		Status: app.system.Status,
	}
}

// start starts logging and the status sampler.
func (app *App) start(ctx context.Context) {
	app.Logger.Start(ctx)
	if app.stdout {
		go app.Logger.LogToStdout(ctx)
	}
	if app.Config.LogFile != "" {
		go app.Logger.LogToFile(ctx, log.FileConfig{
			Path:       app.Config.LogFile,
			MaxSizeMB:  10,
			MaxBackups: 3,
		})
	}

	if app.logDB != nil {
		if err := app.logDB.Init(ctx); err != nil {
			// Continue even if log database is corrupt.
			app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
			app.logDB = nil
		} else {
			go app.logDB.SaveLogs(ctx, app.Logger)
		}
	}

	go app.system.StatusLoop(ctx)

	// Give the subscribers time to attach.
	time.Sleep(10 * time.Millisecond)
}

// logFFmpegVersion logs the ffmpeg version, jobs fail later if it's missing.
func (app *App) logFFmpegVersion(ctx context.Context) {
	version, err := app.FFmpeg.Version(ctx)
	if err != nil {
		app.Logger.Warn().Src("app").Msgf("could not get ffmpeg version: %v", err)
		return
	}
	app.Logger.Info().Src("app").Msgf("ffmpeg version %v", version)
}

// serve runs the http api until ctx is canceled.
func (app *App) serve(ctx context.Context) error {
	app.start(ctx)
	app.logFFmpegVersion(ctx)
	app.hub.Start(ctx)

	jobs := NewJobs(ctx, app.env(), app.hub, app.WG)
	mux := web.NewMux(web.Routes{
		Converter: jobs,
		Hub:       app.hub,
		Logger:    app.Logger,
		LogDB:     app.logDB,
		Status:    app.system.Status,
	})

	address := ":" + strconv.Itoa(app.Config.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Logger.Info().Src("app").Msgf("serving api on port %v", app.Config.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx2)
	})
	return g.Wait()
}
