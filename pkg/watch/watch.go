// Package watch converts goggle recordings as they land in a directory.
//
// A recording is a NAME.mp4 video with a NAME.osd telemetry file next
// to it. Each pair is converted once into NAME_osd.mp4, pairs whose
// output already exists are skipped.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"osdburn/pkg/log"

	"github.com/fsnotify/fsnotify"
)

// OutputSuffix is appended to the name of converted videos.
const OutputSuffix = "_osd"

// DefaultSettle files must be unchanged this long before conversion.
const DefaultSettle = 2 * time.Second

// minPollInterval lower bound of the settle check interval.
const minPollInterval = 10 * time.Millisecond

// pollInterval returns how often pending pairs are checked.
func pollInterval(settle time.Duration) time.Duration {
	if settle/2 < minPollInterval {
		return minPollInterval
	}
	return settle / 2
}

// Pair is a recording with its telemetry.
type Pair struct {
	Name   string
	Video  string
	OSD    string
	Output string
}

// ConvertFunc converts a pair.
type ConvertFunc func(ctx context.Context, pair Pair) error

// NewPair returns the pair for the recording name in dir.
func NewPair(dir string, name string) Pair {
	return Pair{
		Name:   name,
		Video:  filepath.Join(dir, name+".mp4"),
		OSD:    filepath.Join(dir, name+".osd"),
		Output: filepath.Join(dir, name+OutputSuffix+".mp4"),
	}
}

// recordingName returns the recording name of a video or telemetry
// file, empty for other files and converted videos.
func recordingName(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	switch ext {
	case ".mp4":
		if strings.HasSuffix(name, OutputSuffix) {
			return ""
		}
	case ".osd":
	default:
		return ""
	}
	if name == "" || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Ready reports if both inputs exist and the output doesn't.
func (p Pair) Ready() bool {
	return exists(p.Video) && exists(p.OSD) && !exists(p.Output)
}

// FindPairs returns the unconverted pairs in dir, sorted by name.
func FindPairs(dir string) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	names := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := recordingName(entry.Name()); name != "" {
			names[name] = struct{}{}
		}
	}

	var pairs []Pair
	for name := range names {
		pair := NewPair(dir, name)
		if pair.Ready() {
			pairs = append(pairs, pair)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs, nil
}

// Watcher watches a single directory.
type Watcher struct {
	dir     string
	convert ConvertFunc
	logger  *log.Logger

	// Settle is the time a pair must be unchanged before it's converted.
	Settle time.Duration
}

// New returns a watcher, call Run to start it.
func New(dir string, logger *log.Logger, convert ConvertFunc) *Watcher {
	return &Watcher{
		dir:     dir,
		convert: convert,
		logger:  logger,
		Settle:  DefaultSettle,
	}
}

// ErrWatch the directory can't be watched.
var ErrWatch = errors.New("watch")

// Run converts the pairs already in the directory and then every pair
// that's completed, until ctx is canceled. Conversions run one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatch, err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrWatch, w.dir, err)
	}
	w.logger.Info().Src("watch").Msgf("watching %v", w.dir)

	pairs, err := FindPairs(w.dir)
	if err != nil {
		return err
	}

	// Recording name to time of last change.
	pending := make(map[string]time.Time)
	for _, pair := range pairs {
		pending[pair.Name] = time.Time{}
	}

	ticker := time.NewTicker(pollInterval(w.Settle))
	defer ticker.Stop()

	for {
		w.convertSettled(ctx, pending)
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Rename) {
				continue
			}
			if name := recordingName(event.Name); name != "" {
				pending[name] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Src("watch").Msgf("%v", err)

		case <-ticker.C:
		}
	}
}

func (w *Watcher) convertSettled(ctx context.Context, pending map[string]time.Time) {
	var settled []string
	for name, changed := range pending {
		if time.Since(changed) >= w.Settle {
			settled = append(settled, name)
		}
	}
	sort.Strings(settled)

	for _, name := range settled {
		if ctx.Err() != nil {
			return
		}
		delete(pending, name)

		pair := NewPair(w.dir, name)
		if !pair.Ready() {
			continue
		}

		w.logger.Info().Src("watch").Msgf("converting %v", name)
		if err := w.convert(ctx, pair); err != nil {
			// Retried when one of the files changes.
			w.logger.Error().Src("watch").Msgf("%v: %v", name, err)
			continue
		}
		w.logger.Info().Src("watch").Msgf("converted %v", filepath.Base(pair.Output))
	}
}
