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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Process interface only used for testing.
type Process interface {
	Timeout(time.Duration) Process
	StdoutLogger(LogFunc) Process
	StderrLogger(LogFunc) Process
	Start(ctx context.Context) error
}

// LogFunc is called with every line of output.
type LogFunc func(string)

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

// Timeout sets the time between interrupt and kill.
func (p process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

// StdoutLogger sets the function stdout lines are sent to.
func (p process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

// StderrLogger sets the function stderr lines are sent to.
func (p process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func (p process) attachLogger(l LogFunc, label string, stdPipe func() (io.ReadCloser, error)) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(pipe)
	go func() {
		for scanner.Scan() {
			l(fmt.Sprintf("%v: %v", label, scanner.Text()))
		}
	}()
	return nil
}

// Start starts process with context and blocks until it exits.
func (p process) Start(ctx context.Context) error {
	if p.stdoutLogger != nil {
		if err := p.attachLogger(p.stdoutLogger, "stdout", p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := p.attachLogger(p.stderrLogger, "stderr", p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.done = make(chan struct{})

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.stop()
		}
	}()

	err := p.cmd.Wait()
	close(p.done)

	// FFmpeg returns 255 when interrupted.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}

	return err
}

// Note, can't use CommandContext to stop process as it would
// kill the process before it has a chance to exit on its own.
func (p process) stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

// FFMPEG stores ffmpeg binary location.
type FFMPEG struct {
	bin        string
	newProcess NewProcessFunc
}

// New returns FFMPEG.
func New(bin string) *FFMPEG {
	return NewWithProcess(bin, NewProcess)
}

// NewWithProcess returns FFMPEG with a custom process, used for mocking.
func NewWithProcess(bin string, newProcess NewProcessFunc) *FFMPEG {
	return &FFMPEG{bin: bin, newProcess: newProcess}
}

func (f *FFMPEG) command(args ...string) *exec.Cmd {
	return exec.Command(f.bin, args...)
}

// ErrInvalidBin ffmpeg binary path is not absolute.
var ErrInvalidBin = errors.New("ffmpeg binary path must be absolute")

// CheckBin checks that the binary path is absolute.
func CheckBin(bin string) error {
	if !filepath.IsAbs(bin) {
		return fmt.Errorf("%w: %q", ErrInvalidBin, bin)
	}
	return nil
}

// Version runs "ffmpeg -version" and returns the version string.
func (f *FFMPEG) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, f.bin, "-version")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %w", stderr.String(), err)
	}
	return ParseVersion(stdout.String())
}

var versionRegex = regexp.MustCompile(`^ffmpeg version (\S+)`)

// ParseVersion extracts the version from "ffmpeg -version" output.
func ParseVersion(output string) (string, error) {
	// Input "ffmpeg version 4.4.2-0ubuntu0.22.04.1 Copyright (c) 2000-2021 ..."
	// Output "4.4.2-0ubuntu0.22.04.1"
	match := versionRegex.FindStringSubmatch(strings.TrimSpace(output))
	if match == nil {
		return "", fmt.Errorf("no regex match %q", output)
	}
	return match[1], nil
}
