// Package pipeline drives a conversion: samples are read from the
// source, decoded, composited and encoded back into the sink.
//
// A single event loop owns every counter. Decoder frames, encoder
// chunks, codec errors and the progress ticker each arrive on their
// own channel and are handled one at a time, so output is written in
// the order samples were submitted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"osdburn/pkg/log"
	"osdburn/pkg/system"
	"osdburn/pkg/video/codec"
	"osdburn/pkg/video/mp4demuxer"
)

// Errors.
var (
	ErrDecoderConfigure = errors.New("decoder configure")
	ErrEncoderConfigure = errors.New("encoder configure")
	ErrDecoderRuntime   = errors.New("decoder runtime")
	ErrEncoderRuntime   = errors.New("encoder runtime")
	ErrSource           = errors.New("source")
	ErrSink             = errors.New("sink")
	ErrModifier         = errors.New("frame modifier")
	ErrAlreadyStarted   = errors.New("pipeline already started")
)

// State of the pipeline.
type State int32

// States.
const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateDraining
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Source of encoded samples, satisfied by *mp4demuxer.Reader.
type Source interface {
	Info() mp4demuxer.TrackInfo
	SampleCount() int
	Sample(index int) (mp4demuxer.Sample, error)
	ReadSample(index int) ([]byte, error)
	IsSync(index int) bool

	// TinySamples returns the indices of samples at or below threshold bytes.
	TinySamples(threshold int) []int
}

// Sink of encoded samples, satisfied by *mp4muxer.Writer.
type Sink interface {
	SetDisplaySize(width int, height int)
	SetTiming(timescale uint32, sampleDelta uint32)
	SetCodecConfiguration(description []byte) error
	WriteSample(data []byte, isKeyframe bool) (int, error)
	Close() error
	Abort() error
}

// FrameModifier composites a decoded frame, satisfied by *overlay.Compositor.
type FrameModifier interface {
	OutputSize(srcW int, srcH int) (int, int)
	Render(frame *codec.Frame, index int) (*codec.Frame, error)
}

// Config pipeline tuning. Zero values are replaced by defaults.
type Config struct {
	JobID string

	// Submission pauses while either codec queue holds more than
	// MaxQueueSize items and more samples than that remain.
	MaxQueueSize int

	// Encoder keyframe and preview cadence in encoded frames.
	KeyframeInterval int

	// Samples of at most TinyFrameSize bytes are dropped captures,
	// they bypass both codecs.
	TinyFrameSize int

	ProgressInterval time.Duration
	FrameRate        int

	// EncoderCodec is passed to the encoder as is.
	EncoderCodec string

	// Output media timescale.
	Timescale uint32
}

// Defaults.
const (
	DefaultMaxQueueSize     = 60
	DefaultKeyframeInterval = 15
	DefaultTinyFrameSize    = 100
	DefaultProgressInterval = 100 * time.Millisecond
	DefaultFrameRate        = 60
	DefaultEncoderCodec     = "avc1.42003d"
	DefaultTimescale        = 90000
)

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = DefaultKeyframeInterval
	}
	if c.TinyFrameSize < 0 {
		c.TinyFrameSize = 0
	} else if c.TinyFrameSize == 0 {
		c.TinyFrameSize = DefaultTinyFrameSize
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.FrameRate <= 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.EncoderCodec == "" {
		c.EncoderCodec = DefaultEncoderCodec
	}
	if c.Timescale == 0 {
		c.Timescale = DefaultTimescale
	}
	return c
}

// Progress counters. The first five only ever increase.
type Progress struct {
	ExpectedFrames  int `json:"expectedFrames"`
	QueuedForDecode int `json:"queuedForDecode"`
	FramesDecoded   int `json:"framesDecoded"`
	QueuedForEncode int `json:"queuedForEncode"`
	FramesEncoded   int `json:"framesEncoded"`
	TinyFrames      int `json:"tinyFrames"`

	// Sampled codec queue depths.
	InDecoderQueue int `json:"inDecoderQueue"`
	InEncoderQueue int `json:"inEncoderQueue"`

	System *system.Status `json:"system,omitempty"`
}

// Hooks are called from the event loop and must not block for long.
type Hooks struct {
	OnInit     func(expectedFrames int, tinyFrames int)
	OnProgress func(Progress)
	OnPreview  func(index int, frame *codec.Frame)
	OnComplete func()

	// StatusFunc attaches host status to progress reports.
	StatusFunc func() system.Status
}

// Pipeline converts one source into one sink. The pipeline
// owns both codecs and closes them when Run returns.
type Pipeline struct {
	cfg    Config
	src    Source
	dst    Sink
	dec    codec.Decoder
	enc    codec.Encoder
	modify FrameModifier
	hooks  Hooks
	logger *log.Logger

	state   atomic.Int32
	started atomic.Bool

	progress Progress
	tiny     []bool

	// Sample indices submitted to the decoder, in order.
	pending []int

	// Frames handed to the encoder, tiny frames excluded.
	encoded int

	configured bool
}

// New returns a pipeline, call Run to start it.
func New(
	cfg Config,
	src Source,
	dst Sink,
	dec codec.Decoder,
	enc codec.Encoder,
	modify FrameModifier,
	hooks Hooks,
	logger *log.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:    cfg.withDefaults(),
		src:    src,
		dst:    dst,
		dec:    dec,
		enc:    enc,
		modify: modify,
		hooks:  hooks,
		logger: logger,
	}
}

// State returns the current state, safe for concurrent use.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Run converts the source and blocks until the sink is finalized,
// an error occurs or ctx is canceled. The sink is aborted on error.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	p.setState(StateConfiguring)
	if err := p.configure(); err != nil {
		return p.fail(err)
	}

	p.setState(StateRunning)
	if err := p.run(ctx); err != nil {
		return p.fail(err)
	}

	p.setState(StateDraining)
	p.report()
	if err := p.dst.Close(); err != nil {
		return p.fail(fmt.Errorf("%w: close: %w", ErrSink, err))
	}
	p.closeCodecs()

	p.setState(StateComplete)
	p.logger.Info().Src("pipeline").Job(p.cfg.JobID).
		Msgf("conversion complete: %d frames", p.progress.FramesEncoded)
	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete()
	}
	return nil
}

func (p *Pipeline) configure() error {
	info := p.src.Info()
	expected := p.src.SampleCount()
	if expected == 0 {
		return fmt.Errorf("%w: no samples", ErrSource)
	}

	p.tiny = make([]bool, expected)
	for _, i := range p.src.TinySamples(p.cfg.TinyFrameSize) {
		p.tiny[i] = true
		p.progress.TinyFrames++
	}
	p.progress.ExpectedFrames = expected
	if p.progress.TinyFrames != 0 {
		p.logger.Warn().Src("pipeline").Job(p.cfg.JobID).
			Msgf("%d of %d samples are at most %d bytes and will be skipped",
				p.progress.TinyFrames, expected, p.cfg.TinyFrameSize)
	}

	err := p.dec.Configure(codec.DecoderConfig{
		Codec:       info.CodecString(),
		CodedWidth:  info.Width,
		CodedHeight: info.Height,
		Description: info.Description,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecoderConfigure, err)
	}

	bitrate, err := Bitrate(info.MediaDataSize, info.MovieTimescale, info.MovieDuration)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderConfigure, err)
	}

	width, height := p.modify.OutputSize(info.Width, info.Height)
	err = p.enc.Configure(codec.EncoderConfig{
		Codec:            p.cfg.EncoderCodec,
		Width:            width,
		Height:           height,
		Bitrate:          bitrate,
		FrameRate:        p.cfg.FrameRate,
		KeyframeInterval: p.cfg.KeyframeInterval,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderConfigure, err)
	}

	p.dst.SetDisplaySize(width, height)
	p.dst.SetTiming(p.cfg.Timescale, p.cfg.Timescale/uint32(p.cfg.FrameRate))

	p.logger.Info().Src("pipeline").Job(p.cfg.JobID).
		Msgf("%dx%d %s -> %dx%d %d bps, %d frames",
			info.Width, info.Height, info.CodecString(), width, height, bitrate, expected)

	if p.hooks.OnInit != nil {
		p.hooks.OnInit(expected, p.progress.TinyFrames)
	}
	return nil
}

const bitrateBand = 5_000_000

// Bitrate returns the source bitrate rounded up to the next 5 Mbps band.
func Bitrate(mediaBytes uint64, timescale uint32, duration uint64) (int64, error) {
	if timescale == 0 || duration == 0 {
		return 0, fmt.Errorf("invalid duration: %d/%d", duration, timescale)
	}
	bps := float64(mediaBytes) * 8 * float64(timescale) / float64(duration)
	bands := math.Max(1, math.Ceil(bps/bitrateBand))
	return int64(bands) * bitrateBand, nil
}

func (p *Pipeline) run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		if err := p.submit(); err != nil {
			return err
		}
		if p.done() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-p.dec.Frames():
			if !ok {
				return fmt.Errorf("%w: frame channel closed", ErrDecoderRuntime)
			}
			if err := p.handleFrame(frame); err != nil {
				return err
			}

		case chunk, ok := <-p.enc.Chunks():
			if !ok {
				return fmt.Errorf("%w: chunk channel closed", ErrEncoderRuntime)
			}
			if err := p.handleChunk(chunk); err != nil {
				return err
			}

		case err := <-p.dec.Errors():
			return fmt.Errorf("%w: %w", ErrDecoderRuntime, err)

		case err := <-p.enc.Errors():
			return fmt.Errorf("%w: %w", ErrEncoderRuntime, err)

		case <-ticker.C:
			p.report()
		}
	}
}

func (p *Pipeline) done() bool {
	return p.progress.FramesEncoded >= p.progress.ExpectedFrames
}

// submit feeds samples to the decoder until the queues are full.
func (p *Pipeline) submit() error {
	expected := p.progress.ExpectedFrames
	for p.progress.QueuedForDecode < expected {
		remaining := expected - p.progress.QueuedForDecode
		if remaining > p.cfg.MaxQueueSize &&
			(p.dec.QueueSize() > p.cfg.MaxQueueSize ||
				p.enc.QueueSize() > p.cfg.MaxQueueSize) {
			return nil
		}

		index := p.progress.QueuedForDecode
		if p.tiny[index] {
			p.logger.Debug().Src("pipeline").Job(p.cfg.JobID).
				Msgf("skipping tiny sample %d", index)
			p.progress.QueuedForDecode++
			p.progress.QueuedForEncode++
			p.progress.FramesEncoded++
			if err := p.frameDecoded(); err != nil {
				return err
			}
		} else if err := p.decode(index); err != nil {
			return err
		}

		if p.progress.QueuedForDecode == expected {
			if err := p.dec.EndOfStream(); err != nil {
				return fmt.Errorf("%w: end of stream: %w", ErrDecoderRuntime, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) decode(index int) error {
	isSync := p.src.IsSync(index)

	// The new GOP must start on a clean decoder.
	if isSync && len(p.pending) != 0 {
		if err := p.dec.Flush(); err != nil {
			return fmt.Errorf("%w: flush: %w", ErrDecoderRuntime, err)
		}
	}

	data, err := p.src.ReadSample(index)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSource, err)
	}
	sample, err := p.src.Sample(index)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSource, err)
	}

	timescale := p.src.Info().Timescale
	s := codec.Sample{
		Index:      index,
		Data:       data,
		IsKeyframe: isSync,
		Timestamp:  toDuration(sample.DTS, timescale),
	}
	if next, err := p.src.Sample(index + 1); err == nil {
		s.Duration = toDuration(next.DTS-sample.DTS, timescale)
	}

	if err := p.dec.Decode(s); err != nil {
		return fmt.Errorf("%w: %w", ErrDecoderRuntime, err)
	}
	p.pending = append(p.pending, index)
	p.progress.QueuedForDecode++
	return nil
}

func toDuration(v uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	sec := v / uint64(timescale)
	rem := v % uint64(timescale)
	return time.Duration(sec)*time.Second +
		time.Duration(rem)*time.Second/time.Duration(timescale)
}

// frameDecoded counts a frame as decoded and ends the encoder
// input once every expected frame has been decoded.
func (p *Pipeline) frameDecoded() error {
	p.progress.FramesDecoded++
	if p.progress.FramesDecoded == p.progress.ExpectedFrames && p.encoded != 0 {
		if err := p.enc.EndOfStream(); err != nil {
			return fmt.Errorf("%w: end of stream: %w", ErrEncoderRuntime, err)
		}
	}
	return nil
}

func (p *Pipeline) handleFrame(frame *codec.Frame) error {
	if len(p.pending) == 0 {
		return fmt.Errorf("%w: unexpected frame", ErrDecoderRuntime)
	}
	index := p.pending[0]
	p.pending = p.pending[1:]

	keyframe := p.encoded%p.cfg.KeyframeInterval == 0
	if keyframe && p.encoded != 0 {
		if err := p.enc.Flush(); err != nil {
			return fmt.Errorf("%w: flush: %w", ErrEncoderRuntime, err)
		}
	}

	out, err := p.modify.Render(frame, index)
	if err != nil {
		return fmt.Errorf("%w: frame %d: %w", ErrModifier, index, err)
	}

	if err := p.enc.Encode(out, codec.EncodeOptions{KeyFrame: keyframe}); err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderRuntime, err)
	}
	p.encoded++
	p.progress.QueuedForEncode++

	if keyframe && p.hooks.OnPreview != nil {
		p.hooks.OnPreview(index, out)
	}
	return p.frameDecoded()
}

func (p *Pipeline) handleChunk(chunk *codec.Chunk) error {
	if !p.configured {
		if chunk.Description == nil {
			return fmt.Errorf("%w: first chunk has no description", ErrEncoderRuntime)
		}
		if err := p.dst.SetCodecConfiguration(chunk.Description); err != nil {
			return fmt.Errorf("%w: %w", ErrSink, err)
		}
		p.configured = true
	}

	if _, err := p.dst.WriteSample(chunk.Data, chunk.IsKeyframe); err != nil {
		return fmt.Errorf("%w: %w", ErrSink, err)
	}
	p.progress.FramesEncoded++
	return nil
}

func (p *Pipeline) report() {
	if p.hooks.OnProgress == nil {
		return
	}
	progress := p.progress
	progress.InDecoderQueue = p.dec.QueueSize()
	progress.InEncoderQueue = p.enc.QueueSize()
	if p.hooks.StatusFunc != nil {
		status := p.hooks.StatusFunc()
		progress.System = &status
	}
	p.hooks.OnProgress(progress)
}

// Progress returns the counters, only safe to call after Run returns.
func (p *Pipeline) Progress() Progress {
	return p.progress
}

func (p *Pipeline) closeCodecs() {
	if err := p.dec.Close(); err != nil {
		p.logger.Debug().Src("pipeline").Job(p.cfg.JobID).
			Msgf("could not close decoder: %v", err)
	}
	if err := p.enc.Close(); err != nil {
		p.logger.Debug().Src("pipeline").Job(p.cfg.JobID).
			Msgf("could not close encoder: %v", err)
	}
}

func (p *Pipeline) fail(err error) error {
	p.setState(StateFailed)
	p.closeCodecs()
	if abortErr := p.dst.Abort(); abortErr != nil {
		p.logger.Error().Src("pipeline").Job(p.cfg.JobID).
			Msgf("could not abort output: %v", abortErr)
	}
	p.logger.Error().Src("pipeline").Job(p.cfg.JobID).Msgf("conversion failed: %v", err)
	return err
}
