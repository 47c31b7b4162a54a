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

package log

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (context.Context, *Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := NewLogger(&sync.WaitGroup{})
	logger.Start(ctx)

	return ctx, logger
}

func TestLogger(t *testing.T) {
	t.Run("levels", func(t *testing.T) {
		_, logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		cases := []struct {
			event *Event
			level Level
		}{
			{logger.Error(), LevelError},
			{logger.Warn(), LevelWarning},
			{logger.Info(), LevelInfo},
			{logger.Debug(), LevelDebug},
		}
		for _, tc := range cases {
			go tc.event.Src("pipeline").Job("j1").Msgf("%v", "test")
			actual := <-feed
			require.Equal(t, tc.level, actual.Level)
			require.Equal(t, "pipeline", actual.Src)
			require.Equal(t, "j1", actual.Job)
			require.Equal(t, "test", actual.Msg)
			require.NotZero(t, actual.Time)
		}
	})
	t.Run("time", func(t *testing.T) {
		_, logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		go logger.Info().Time(time.UnixMicro(4000)).Msg("")
		require.Equal(t, UnixMicro(4000), (<-feed).Time)
	})
	t.Run("unsubBeforePrint", func(t *testing.T) {
		_, logger := newTestLogger(t)

		feed1, cancel1 := logger.Subscribe()
		feed2, cancel2 := logger.Subscribe()
		cancel2()

		go logger.Info().Msg("test")
		actual1 := <-feed1
		actual2, ok := <-feed2
		cancel1()

		require.Equal(t, "test", actual1.Msg)
		require.False(t, ok)
		require.Equal(t, Log{}, actual2)
	})
	t.Run("unsubAfterPrint", func(t *testing.T) {
		_, logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()

		go func() { logger.Info().Msg("test") }()
		go func() { logger.Info().Msg("test") }()
		go func() { logger.Info().Msg("test") }()
		time.Sleep(10 * time.Microsecond)
		cancel()

		_, ok := <-feed
		require.False(t, ok)
	})
	t.Run("stopped", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		logger := NewLogger(wg)
		logger.Start(ctx)
		cancel()
		wg.Wait()

		// Must not block.
		logger.Error().Msg("dropped")
		feed, cancel2 := logger.Subscribe()
		cancel2()
		_, ok := <-feed
		require.False(t, ok)
	})
	t.Run("logToStdout", func(t *testing.T) {
		cs := []string{"-test.run=TestLogToStdout"}
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = []string{"GO_TEST_PROCESS=1"}
		output, err := cmd.CombinedOutput()
		require.NoError(t, err)
		require.Equal(t, "[INFO] App: test\n", string(output))
	})
}

func TestLogToStdout(t *testing.T) {
	if os.Getenv("GO_TEST_PROCESS") != "1" {
		return
	}
	ctx, logger := newTestLogger(t)

	go logger.LogToStdout(ctx)
	time.Sleep(1 * time.Millisecond)
	logger.Info().Src("app").Msg("test")
	time.Sleep(1 * time.Millisecond)

	os.Exit(0)
}

type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogToWriter(t *testing.T) {
	ctx, logger := newTestLogger(t)

	var buf syncBuffer
	go logger.LogToWriter(ctx, &buf, true)
	time.Sleep(1 * time.Millisecond)

	logger.Warn().Src("osd").Job("j2").Time(time.Date(2021, 2, 3, 4, 5, 6, 0, time.Local)).
		Msg("telemetry truncated")

	require.Eventually(t, func() bool {
		return buf.String() != ""
	}, time.Second, time.Millisecond)
	require.Equal(t,
		"2021-02-03 04:05:06.000 [WARNING] j2: Osd: telemetry truncated\n",
		buf.String(),
	)
}

func TestLogToFile(t *testing.T) {
	ctx, logger := newTestLogger(t)

	path := filepath.Join(t.TempDir(), "osdburn.log")
	go logger.LogToFile(ctx, FileConfig{Path: path, MaxSizeMB: 1})
	time.Sleep(1 * time.Millisecond)

	logger.Error().Src("app").Msg("test")

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.HasSuffix(string(data), "[ERROR] App: test\n")
	}, time.Second, time.Millisecond)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"error":   LevelError,
		"WARNING": LevelWarning,
		"warn":    LevelWarning,
		"info":    LevelInfo,
		"debug":   LevelDebug,
	}
	for input, expected := range cases {
		actual, ok := ParseLevel(input)
		require.True(t, ok)
		require.Equal(t, expected, actual)
	}
	_, ok := ParseLevel("x")
	require.False(t, ok)
}
