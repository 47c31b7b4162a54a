// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"osdburn/pkg/log"

	"golang.org/x/sync/errgroup"
)

// Errors.
var (
	ErrNotConfigured     = errors.New("not configured")
	ErrAlreadyConfigured = errors.New("already configured")
	ErrEndOfStream       = errors.New("input already ended")
	ErrUnexpectedExit    = errors.New("ffmpeg exited before end of stream")
)

// writeQueue is an unbounded queue drained into the process stdin,
// pushing never blocks the caller.
type writeQueue struct {
	mu     sync.Mutex
	items  [][]byte
	ended  bool
	notify chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{notify: make(chan struct{}, 1)}
}

func (q *writeQueue) push(b []byte) error {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return ErrEndOfStream
	}
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *writeQueue) end() {
	q.mu.Lock()
	q.ended = true
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) isEnded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

func (q *writeQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// run writes queued items until the queue is ended and empty.
func (q *writeQueue) run(ctx context.Context, w io.Writer) error {
	for {
		q.mu.Lock()
		items, ended := q.items, q.ended
		q.items = nil
		q.mu.Unlock()

		for _, item := range items {
			if _, err := w.Write(item); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write stdin: %w", err)
			}
		}
		if ended && len(items) == 0 {
			return nil
		}
		if len(items) != 0 {
			continue
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil
		}
	}
}

// stream runs one ffmpeg process with piped stdin and stdout.
type stream struct {
	ffmpeg *FFMPEG
	logger *log.Logger
	jobID  string
	src    string

	queue *writeQueue
	errs  chan error

	submitted atomic.Int64
	emitted   atomic.Int64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	started   bool
}

func newStream(f *FFMPEG, logger *log.Logger, jobID string, src string) *stream {
	return &stream{
		ffmpeg: f,
		logger: logger,
		jobID:  jobID,
		src:    src,
		queue:  newWriteQueue(),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// readFunc consumes the process stdout until EOF.
type readFunc func(ctx context.Context, stdout io.Reader) error

func (s *stream) start(args []string, read readFunc) error {
	if s.started {
		return ErrAlreadyConfigured
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := s.ffmpeg.command(args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	s.logger.Debug().Src(s.src).Job(s.jobID).Msgf("starting: %v", cmd)

	logFunc := func(msg string) {
		s.logger.Debug().Src(s.src).Job(s.jobID).Msg(msg)
	}
	proc := s.ffmpeg.newProcess(cmd).
		Timeout(1 * time.Second).
		StderrLogger(logFunc)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := proc.Start(gctx)
		stdinR.Close()
		stdoutW.Close()
		if gctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ffmpeg: %w", err)
		}
		if !s.queue.isEnded() {
			return ErrUnexpectedExit
		}
		return nil
	})
	g.Go(func() error {
		defer stdinW.Close()
		return s.queue.run(gctx, stdinW)
	})
	g.Go(func() error {
		return read(gctx, stdoutR)
	})

	// Blocked pipe operations only return once the files are closed.
	go func() {
		<-gctx.Done()
		stdinW.Close()
		stdoutR.Close()
	}()

	go func() {
		defer close(s.done)
		// Errors after close are expected.
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			select {
			case s.errs <- err:
			default:
			}
		}
		cancel()
	}()
	return nil
}

func (s *stream) endOfStream() error {
	if !s.started {
		return ErrNotConfigured
	}
	s.queue.end()
	return nil
}

func (s *stream) queueSize() int {
	return int(s.submitted.Load() - s.emitted.Load())
}

// checkComplete is called at EOF on stdout.
func (s *stream) checkComplete() error {
	if !s.queue.isEnded() {
		return nil
	}
	if missing := s.queueSize(); missing > 0 {
		return fmt.Errorf("%d of %d outputs missing", missing, s.submitted.Load())
	}
	return nil
}

// close stops the process and waits for every goroutine,
// closeOutputs is called once nothing can send anymore.
func (s *stream) close(closeOutputs func()) {
	s.closeOnce.Do(func() {
		if s.started {
			s.cancel()
			<-s.done
		}
		close(s.errs)
		closeOutputs()
	})
}
