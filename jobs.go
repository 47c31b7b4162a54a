package osdburn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"osdburn/pkg/pipeline"
	"osdburn/pkg/video/codec"
	"osdburn/pkg/web"
)

// Jobs runs one conversion job at a time and publishes
// its progress to the hub. It implements web.Converter.
type Jobs struct {
	ctx context.Context
	env Env
	hub *web.Hub
	wg  *sync.WaitGroup

	// Stubbed in tests.
	convert func(context.Context, Env, Job, pipeline.Hooks) error

	mu     sync.Mutex
	active string
	cancel context.CancelFunc
	count  int
}

// NewJobs returns a job runner. Jobs are canceled when ctx is.
func NewJobs(ctx context.Context, env Env, hub *web.Hub, wg *sync.WaitGroup) *Jobs {
	return &Jobs{
		ctx:     ctx,
		env:     env,
		hub:     hub,
		wg:      wg,
		convert: Convert,
	}
}

// Active returns the active job id, empty if idle.
func (j *Jobs) Active() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.active
}

// StartJob loads the fonts and starts the job in the background.
func (j *Jobs) StartJob(req web.ConvertRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active != "" {
		return "", fmt.Errorf("%w: %v", web.ErrJobActive, j.active)
	}

	fonts, err := LoadFonts(req.FontFiles)
	if err != nil {
		return "", fmt.Errorf("%w: %w", web.ErrInvalidInput, err)
	}

	j.count++
	job := Job{
		ID:     fmt.Sprintf("%s-%d", time.Now().Format("20060102-150405"), j.count),
		Video:  req.VideoFile,
		OSD:    req.OSDFile,
		Output: req.Output,
		Fonts:  fonts,
	}

	ctx, cancel := context.WithCancel(j.ctx)
	j.active = job.ID
	j.cancel = cancel

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer cancel()
		j.run(ctx, job)

		j.mu.Lock()
		j.active = ""
		j.cancel = nil
		j.mu.Unlock()
	}()
	return job.ID, nil
}

// CancelJob cancels the active job.
func (j *Jobs) CancelJob() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel == nil {
		return web.ErrNoJob
	}
	j.env.Logger.Info().Src("app").Job(j.active).Msg("canceling job")
	j.cancel()
	return nil
}

func (j *Jobs) run(ctx context.Context, job Job) {
	err := j.convert(ctx, j.env, job, j.hooks(job.ID))
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		err = fmt.Errorf("canceled: %w", err)
	}
	j.env.Logger.Error().Src("app").Job(job.ID).Msgf("job failed: %v", err)
	j.hub.Publish(web.Message{
		Type:  web.MessageError,
		Job:   job.ID,
		Error: err.Error(),
	})
}

func (j *Jobs) hooks(jobID string) pipeline.Hooks {
	var previewBusy atomic.Bool
	return pipeline.Hooks{
		OnInit: func(expectedFrames int, tinyFrames int) {
			j.hub.Publish(web.Message{
				Type:           web.MessageInit,
				Job:            jobID,
				ExpectedFrames: expectedFrames,
				TinyFrames:     tinyFrames,
			})
		},
		OnProgress: func(p pipeline.Progress) {
			j.hub.Publish(web.Message{
				Type:     web.MessageProgress,
				Job:      jobID,
				Progress: &p,
			})
		},
		OnPreview: func(index int, frame *codec.Frame) {
			// PNG encoding is slow, previews are skipped while one is in flight.
			if !previewBusy.CompareAndSwap(false, true) {
				return
			}
			j.wg.Add(1)
			go func() {
				defer j.wg.Done()
				defer previewBusy.Store(false)
				msg, err := web.PreviewMessage(jobID, index, frame.Image)
				if err != nil {
					j.env.Logger.Error().Src("app").Job(jobID).Msgf("preview: %v", err)
					return
				}
				j.hub.Publish(msg)
			}()
		},
		OnComplete: func() {
			j.hub.Publish(web.Message{Type: web.MessageComplete, Job: jobID})
		},
	}
}
