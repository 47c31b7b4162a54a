package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"osdburn/pkg/log"
	"osdburn/pkg/osd"
	"osdburn/pkg/overlay"
	"osdburn/pkg/system"
	"osdburn/pkg/video/codec"
	"osdburn/pkg/video/mp4demuxer"
	"osdburn/pkg/video/mp4muxer"

	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}
	testPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

type memFile struct {
	buf    []byte
	pos    int
	closed bool
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	pos := int(offset)
	switch whence {
	case io.SeekCurrent:
		pos += m.pos
	case io.SeekEnd:
		pos += len(m.buf)
	}
	if pos < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = pos
	return int64(pos), nil
}

func (m *memFile) Close() error {
	m.closed = true
	return nil
}

func testDescription(t *testing.T) []byte {
	t.Helper()
	avcC, err := mp4muxer.AvcCFromParameterSets([][]byte{testSPS}, [][]byte{testPPS})
	require.NoError(t, err)
	desc, err := mp4muxer.DescriptionFromAvcC(avcC)
	require.NoError(t, err)
	return desc
}

// buildSource muxes n synthetic samples and opens them for reading.
func buildSource(t *testing.T, n int, size func(int) int, isSync func(int) bool) *mp4demuxer.Reader {
	t.Helper()
	f := &memFile{}
	w, err := mp4muxer.NewWriter(f)
	require.NoError(t, err)
	w.SetDisplaySize(64, 36)
	require.NoError(t, w.SetCodecConfiguration(testDescription(t)))

	for i := 0; i < n; i++ {
		data := make([]byte, size(i))
		binary.BigEndian.PutUint32(data, uint32(len(data)-4))
		data[4] = 0x41
		if isSync(i) {
			data[4] = 0x65
		}
		data[5] = byte(i)
		_, err := w.WriteSample(data, isSync(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r, err := mp4demuxer.Open(bytes.NewReader(f.buf), int64(len(f.buf)))
	require.NoError(t, err)
	return r
}

func normalSize(int) int { return 200 }

func everyGOP(i int) bool { return i%15 == 0 }

type fakeDecoder struct {
	mu sync.Mutex

	cfg          codec.DecoderConfig
	configureErr error
	failAt       int

	// Frames are held back while hold is set.
	hold bool
	held []codec.Sample

	decoded []codec.Sample
	flushes int
	eos     int
	closed  bool

	// Called on every Decode with the queue depth before the call.
	onDecode func(index int, queue int)

	frames chan *codec.Frame
	errs   chan error
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		failAt: -1,
		frames: make(chan *codec.Frame, 1024),
		errs:   make(chan error, 1),
	}
}

func (d *fakeDecoder) Configure(cfg codec.DecoderConfig) error {
	d.cfg = cfg
	return d.configureErr
}

func (d *fakeDecoder) emit(s codec.Sample) {
	d.frames <- &codec.Frame{
		Image:     image.NewRGBA(image.Rect(0, 0, d.cfg.CodedWidth, d.cfg.CodedHeight)),
		Timestamp: s.Timestamp,
	}
}

func (d *fakeDecoder) Decode(s codec.Sample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onDecode != nil {
		d.onDecode(s.Index, len(d.held))
	}
	d.decoded = append(d.decoded, s)
	if s.Index == d.failAt {
		d.errs <- errors.New("mock")
		return nil
	}
	if d.hold {
		d.held = append(d.held, s)
		return nil
	}
	d.emit(s)
	return nil
}

func (d *fakeDecoder) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = false
	for _, s := range d.held {
		d.emit(s)
	}
	d.held = nil
}

func (d *fakeDecoder) decodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.decoded)
}

func (d *fakeDecoder) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
	return nil
}

func (d *fakeDecoder) EndOfStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eos++
	return nil
}

func (d *fakeDecoder) QueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

func (d *fakeDecoder) Frames() <-chan *codec.Frame { return d.frames }
func (d *fakeDecoder) Errors() <-chan error        { return d.errs }

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeEncoder struct {
	cfg          codec.EncoderConfig
	configureErr error
	failAt       int
	description  []byte

	options []codec.EncodeOptions
	flushes int
	eos     int
	closed  bool

	chunks chan *codec.Chunk
	errs   chan error
}

func newFakeEncoder(t *testing.T) *fakeEncoder {
	return &fakeEncoder{
		failAt:      -1,
		description: testDescription(t),
		chunks:      make(chan *codec.Chunk, 1024),
		errs:        make(chan error, 1),
	}
}

func (e *fakeEncoder) Configure(cfg codec.EncoderConfig) error {
	e.cfg = cfg
	return e.configureErr
}

func (e *fakeEncoder) Encode(f *codec.Frame, opts codec.EncodeOptions) error {
	n := len(e.options)
	e.options = append(e.options, opts)
	if n == e.failAt {
		e.errs <- errors.New("mock")
		return nil
	}

	nalType := byte(0x41)
	if opts.KeyFrame {
		nalType = 0x65
	}
	chunk := &codec.Chunk{
		Data:       []byte{0, 0, 0, 3, nalType, byte(n >> 8), byte(n)},
		IsKeyframe: opts.KeyFrame,
		Timestamp:  f.Timestamp,
	}
	if n == 0 {
		chunk.Description = e.description
	}
	e.chunks <- chunk
	return nil
}

func (e *fakeEncoder) Flush() error               { e.flushes++; return nil }
func (e *fakeEncoder) EndOfStream() error         { e.eos++; return nil }
func (e *fakeEncoder) QueueSize() int             { return 0 }
func (e *fakeEncoder) Chunks() <-chan *codec.Chunk { return e.chunks }
func (e *fakeEncoder) Errors() <-chan error       { return e.errs }
func (e *fakeEncoder) Close() error               { e.closed = true; return nil }

type fakeModifier struct {
	indices []int
	err     error
}

func (m *fakeModifier) OutputSize(w int, h int) (int, int) { return w, h }

func (m *fakeModifier) Render(f *codec.Frame, index int) (*codec.Frame, error) {
	m.indices = append(m.indices, index)
	return f, m.err
}

type testEnv struct {
	src    *mp4demuxer.Reader
	out    *memFile
	dst    *mp4muxer.Writer
	dec    *fakeDecoder
	enc    *fakeEncoder
	modify *fakeModifier
}

func newTestEnv(t *testing.T, src *mp4demuxer.Reader) *testEnv {
	out := &memFile{}
	dst, err := mp4muxer.NewWriter(out)
	require.NoError(t, err)
	return &testEnv{
		src:    src,
		out:    out,
		dst:    dst,
		dec:    newFakeDecoder(),
		enc:    newFakeEncoder(t),
		modify: &fakeModifier{},
	}
}

func (e *testEnv) pipeline(hooks Hooks) *Pipeline {
	return New(Config{}, e.src, e.dst, e.dec, e.enc, e.modify, hooks, log.NewMockLogger())
}

func (e *testEnv) output(t *testing.T) *mp4demuxer.Reader {
	t.Helper()
	r, err := mp4demuxer.Open(bytes.NewReader(e.out.buf), int64(len(e.out.buf)))
	require.NoError(t, err)
	return r
}

func TestRunEndToEnd(t *testing.T) {
	env := newTestEnv(t, buildSource(t, 100, normalSize, everyGOP))

	var (
		inits     [][2]int
		previews  []int
		last      Progress
		completes int
	)
	hooks := Hooks{
		OnInit: func(expected int, tiny int) {
			inits = append(inits, [2]int{expected, tiny})
		},
		OnProgress: func(p Progress) { last = p },
		OnPreview:  func(index int, _ *codec.Frame) { previews = append(previews, index) },
		OnComplete: func() { completes++ },
		StatusFunc: func() system.Status { return system.Status{CPUUsage: 1, RAMUsage: 2} },
	}
	p := env.pipeline(hooks)
	require.Equal(t, StateIdle, p.State())
	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, StateComplete, p.State())

	require.Equal(t, 1, completes)
	require.Equal(t, [][2]int{{100, 0}}, inits)
	require.Equal(t, []int{0, 15, 30, 45, 60, 75, 90}, previews)
	require.Equal(t, 100, last.FramesEncoded)
	require.Equal(t, &system.Status{CPUUsage: 1, RAMUsage: 2}, last.System)

	require.Equal(t, Progress{
		ExpectedFrames:  100,
		QueuedForDecode: 100,
		FramesDecoded:   100,
		QueuedForEncode: 100,
		FramesEncoded:   100,
	}, p.Progress())

	// Codec configuration.
	require.Equal(t, "avc1.4d401f", env.dec.cfg.Codec)
	require.Equal(t, 64, env.dec.cfg.CodedWidth)
	require.Equal(t, 36, env.dec.cfg.CodedHeight)
	require.Equal(t, env.src.Info().Description, env.dec.cfg.Description)
	require.Equal(t, codec.EncoderConfig{
		Codec:            DefaultEncoderCodec,
		Width:            64,
		Height:           36,
		Bitrate:          5_000_000,
		FrameRate:        60,
		KeyframeInterval: 15,
	}, env.enc.cfg)

	// Samples are submitted in order with their timestamps.
	require.Len(t, env.dec.decoded, 100)
	for i, s := range env.dec.decoded {
		require.Equal(t, i, s.Index)
		require.Equal(t, everyGOP(i), s.IsKeyframe)
	}
	require.Equal(t, 50*time.Millisecond, env.dec.decoded[3].Timestamp)
	require.Equal(t, 6, env.dec.flushes)
	require.Equal(t, 1, env.dec.eos)
	require.Equal(t, 6, env.enc.flushes)
	require.Equal(t, 1, env.enc.eos)
	require.True(t, env.dec.closed)
	require.True(t, env.enc.closed)

	require.Len(t, env.modify.indices, 100)
	for i, index := range env.modify.indices {
		require.Equal(t, i, index)
	}

	// Output.
	require.True(t, env.out.closed)
	out := env.output(t)
	require.Equal(t, 100, out.SampleCount())
	for i := 0; i < 100; i++ {
		require.Equal(t, i%15 == 0, out.IsSync(i), i)
		data, err := out.ReadSample(i)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i >> 8), byte(i)}, data[5:])
	}
}

func TestRunTinyFrames(t *testing.T) {
	tiny := map[int]bool{3: true, 4: true, 29: true}
	size := func(i int) int {
		if tiny[i] {
			return 50
		}
		return 200
	}
	env := newTestEnv(t, buildSource(t, 30, size, everyGOP))

	var inits [][2]int
	p := env.pipeline(Hooks{
		OnInit: func(expected int, tiny int) {
			inits = append(inits, [2]int{expected, tiny})
		},
	})
	require.NoError(t, p.Run(context.Background()))

	require.Equal(t, [][2]int{{30, 3}}, inits)
	require.Equal(t, Progress{
		ExpectedFrames:  30,
		QueuedForDecode: 30,
		FramesDecoded:   30,
		QueuedForEncode: 30,
		FramesEncoded:   30,
		TinyFrames:      3,
	}, p.Progress())

	// Tiny samples never reach a codec.
	require.Len(t, env.dec.decoded, 27)
	for _, s := range env.dec.decoded {
		require.False(t, tiny[s.Index])
	}
	require.Len(t, env.enc.options, 27)

	// Frames keep their source index.
	expected := []int{0, 1, 2}
	for i := 5; i < 29; i++ {
		expected = append(expected, i)
	}
	require.Equal(t, expected, env.modify.indices)

	// The trailing tiny sample still ends the encoder input.
	require.Equal(t, 1, env.enc.eos)
	require.Equal(t, 27, env.output(t).SampleCount())
}

// thresholdSource records the thresholds tiny samples are queried with.
type thresholdSource struct {
	*mp4demuxer.Reader
	thresholds []int
}

func (s *thresholdSource) TinySamples(threshold int) []int {
	s.thresholds = append(s.thresholds, threshold)
	return s.Reader.TinySamples(threshold)
}

func TestRunTinyFrameSize(t *testing.T) {
	tiny := map[int]bool{3: true, 5: true, 7: true}
	size := func(i int) int {
		if tiny[i] {
			return 150
		}
		return 200
	}
	env := newTestEnv(t, buildSource(t, 10, size, everyGOP))
	src := &thresholdSource{Reader: env.src}

	p := New(Config{TinyFrameSize: 160}, src, env.dst, env.dec, env.enc, env.modify,
		Hooks{}, log.NewMockLogger())
	require.NoError(t, p.Run(context.Background()))

	require.Equal(t, []int{160}, src.thresholds)
	require.Equal(t, 3, p.Progress().TinyFrames)
	require.Equal(t, 10, p.Progress().FramesEncoded)
	require.Len(t, env.dec.decoded, 7)
}

func TestRunAllTiny(t *testing.T) {
	env := newTestEnv(t, buildSource(t, 5, func(int) int { return 10 }, everyGOP))
	p := env.pipeline(Hooks{})
	err := p.Run(context.Background())

	// Nothing was encoded, so the writer has no codec configuration.
	require.ErrorIs(t, err, ErrSink)
	require.ErrorIs(t, err, mp4muxer.ErrWriterState)
	require.Equal(t, StateFailed, p.State())
	require.Empty(t, env.dec.decoded)
	require.Equal(t, 5, p.Progress().FramesEncoded)
}

func TestRunBackpressure(t *testing.T) {
	const total = 200
	env := newTestEnv(t, buildSource(t, total, normalSize, func(i int) bool { return i == 0 }))

	violations := 0
	env.dec.hold = true
	env.dec.onDecode = func(index int, queue int) {
		if queue > DefaultMaxQueueSize && total-index > DefaultMaxQueueSize {
			violations++
		}
	}

	done := make(chan error, 1)
	p := env.pipeline(Hooks{})
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return env.dec.decodeCount() == DefaultMaxQueueSize+1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, DefaultMaxQueueSize+1, env.dec.decodeCount())

	env.dec.release()
	require.NoError(t, <-done)
	require.Equal(t, total, env.dec.decodeCount())
	require.Zero(t, violations)
	require.Equal(t, total, env.output(t).SampleCount())
}

func TestRunErrors(t *testing.T) {
	cases := map[string]struct {
		setup    func(*testEnv)
		expected error
	}{
		"decoderConfigure": {
			func(e *testEnv) { e.dec.configureErr = errors.New("mock") },
			ErrDecoderConfigure,
		},
		"encoderConfigure": {
			func(e *testEnv) { e.enc.configureErr = errors.New("mock") },
			ErrEncoderConfigure,
		},
		"decoderRuntime": {
			func(e *testEnv) { e.dec.failAt = 5 },
			ErrDecoderRuntime,
		},
		"encoderRuntime": {
			func(e *testEnv) { e.enc.failAt = 5 },
			ErrEncoderRuntime,
		},
		"modifier": {
			func(e *testEnv) { e.modify.err = errors.New("mock") },
			ErrModifier,
		},
		"missingDescription": {
			func(e *testEnv) { e.enc.description = nil },
			ErrEncoderRuntime,
		},
		"invalidDescription": {
			func(e *testEnv) { e.enc.description = []byte{1, 2} },
			ErrSink,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, buildSource(t, 30, normalSize, everyGOP))
			tc.setup(env)

			completes := 0
			p := env.pipeline(Hooks{OnComplete: func() { completes++ }})
			err := p.Run(context.Background())
			require.ErrorIs(t, err, tc.expected)
			require.Equal(t, StateFailed, p.State())
			require.Zero(t, completes)

			require.True(t, env.dec.closed)
			require.True(t, env.enc.closed)
			require.True(t, env.out.closed)

			// Aborted output has no moov.
			_, err = mp4demuxer.Open(bytes.NewReader(env.out.buf), int64(len(env.out.buf)))
			require.Error(t, err)
		})
	}
}

func TestRunCanceled(t *testing.T) {
	env := newTestEnv(t, buildSource(t, 30, normalSize, everyGOP))
	env.dec.hold = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	p := env.pipeline(Hooks{})
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return env.dec.decodeCount() == 30
	}, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, StateFailed, p.State())
	require.True(t, env.out.closed)
	require.True(t, env.dec.closed)
}

func TestRunTwice(t *testing.T) {
	env := newTestEnv(t, buildSource(t, 2, normalSize, everyGOP))
	p := env.pipeline(Hooks{})
	require.NoError(t, p.Run(context.Background()))
	require.ErrorIs(t, p.Run(context.Background()), ErrAlreadyStarted)
}

func TestRunTruncatedTelemetry(t *testing.T) {
	var buf bytes.Buffer
	_, err := osd.NewWriter(&buf, osd.Header{Software: "DJI4"})
	require.NoError(t, err)
	buf.Write(make([]byte, 100)) // Partial first record.

	file, err := osd.Parse(buf.Bytes())
	require.NoError(t, err)
	require.Empty(t, file.Frames)
	require.True(t, file.Truncated)

	compositor, err := overlay.New(overlay.Config{}, file.Frames, nil)
	require.NoError(t, err)

	src := buildSource(t, 100, normalSize, everyGOP)
	env := newTestEnv(t, src)

	completes := 0
	p := New(Config{}, src, env.dst, env.dec, env.enc, compositor,
		Hooks{OnComplete: func() { completes++ }}, log.NewMockLogger())
	require.NoError(t, p.Run(context.Background()))

	require.Equal(t, 1, completes)
	require.Equal(t, 100, env.output(t).SampleCount())
	require.Equal(t, 0, compositor.ActiveIndex())
}

func TestBitrate(t *testing.T) {
	cases := []struct {
		bytes     uint64
		timescale uint32
		duration  uint64
		expected  int64
	}{
		{0, 1000, 1000, 5_000_000},
		{20000, 1000, 1666, 5_000_000},
		{10_000_000, 1000, 10_000, 10_000_000},
		{12_500_000, 1000, 10_000, 10_000_000},
		{12_500_001, 1000, 10_000, 15_000_000},
		{50_000_000, 90000, 900_000, 40_000_000},
	}
	for _, tc := range cases {
		actual, err := Bitrate(tc.bytes, tc.timescale, tc.duration)
		require.NoError(t, err)
		require.Equal(t, tc.expected, actual)
	}

	_, err := Bitrate(1, 1000, 0)
	require.Error(t, err)
	_, err = Bitrate(1, 0, 1000)
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "State(9)", State(9).String())
}
