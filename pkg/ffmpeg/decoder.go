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
	"image"
	"io"
	"strconv"
	"sync"
	"time"

	"osdburn/pkg/log"
	"osdburn/pkg/video/codec"
	"osdburn/pkg/video/h264"
	"osdburn/pkg/video/mp4"
)

// ErrInvalidSize invalid frame size.
var ErrInvalidSize = errors.New("invalid frame size")

// timestampQueue pairs emitted outputs with submitted inputs.
type timestampQueue struct {
	mu    sync.Mutex
	items []time.Duration
}

func (q *timestampQueue) push(ts time.Duration) {
	q.mu.Lock()
	q.items = append(q.items, ts)
	q.mu.Unlock()
}

func (q *timestampQueue) pop() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	ts := q.items[0]
	q.items = q.items[1:]
	return ts
}

// Decoder decodes H264 samples into RGBA frames with ffmpeg.
type Decoder struct {
	*stream

	width      int
	height     int
	lengthSize int
	params     [][]byte

	timestamps timestampQueue
	frames     chan *codec.Frame
}

// NewDecoder returns a decoder backed by a ffmpeg process.
func (f *FFMPEG) NewDecoder(logger *log.Logger, jobID string) *Decoder {
	return &Decoder{
		stream: newStream(f, logger, jobID, "decoder"),
		frames: make(chan *codec.Frame),
	}
}

// DecoderArgs returns the ffmpeg arguments used to decode
// an Annex-B stream into raw RGBA frames.
func DecoderArgs(width int, height int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "h264",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-threads", "1",
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", strconv.Itoa(width) + "x" + strconv.Itoa(height),
		"-fps_mode", "passthrough",
		"pipe:1",
	}
}

// Configure parses the codec configuration and starts ffmpeg.
func (d *Decoder) Configure(config codec.DecoderConfig) error {
	if d.started {
		return ErrAlreadyConfigured
	}
	avcC, err := mp4.ParseAvcC(config.Description)
	if err != nil {
		return err
	}
	d.lengthSize = int(avcC.LengthSizeMinusOne) + 1
	for _, set := range avcC.SequenceParameterSets {
		d.params = append(d.params, set.NALUnit)
	}
	for _, set := range avcC.PictureParameterSets {
		d.params = append(d.params, set.NALUnit)
	}

	d.width, d.height = config.CodedWidth, config.CodedHeight
	if (d.width <= 0 || d.height <= 0) && len(avcC.SequenceParameterSets) != 0 {
		var sps h264.SPS
		if err := sps.Unmarshal(avcC.SequenceParameterSets[0].NALUnit); err != nil {
			return fmt.Errorf("parse sps: %w", err)
		}
		d.width, d.height = sps.Width(), sps.Height()
	}
	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, d.width, d.height)
	}

	return d.start(DecoderArgs(d.width, d.height), d.read)
}

// Decode converts the sample to Annex-B and queues it. Parameter
// sets are repeated on keyframes so the decoder can resync.
func (d *Decoder) Decode(sample codec.Sample) error {
	if !d.started {
		return ErrNotConfigured
	}
	nalus, err := h264.AVCCUnmarshal(sample.Data, d.lengthSize)
	if err != nil {
		return fmt.Errorf("sample %d: %w", sample.Index, err)
	}
	if sample.IsKeyframe {
		nalus = append(append([][]byte(nil), d.params...), nalus...)
	}

	d.timestamps.push(sample.Timestamp)
	if err := d.queue.push(h264.AnnexBEncode(nalus)); err != nil {
		return err
	}
	d.submitted.Add(1)
	return nil
}

// Flush is a no-op, ffmpeg runs with low delay flags
// and emits frames as soon as they are decoded.
func (d *Decoder) Flush() error {
	if !d.started {
		return ErrNotConfigured
	}
	return nil
}

// EndOfStream closes the ffmpeg stdin once the queue is drained.
func (d *Decoder) EndOfStream() error {
	return d.endOfStream()
}

// QueueSize returns the number of samples without a frame.
func (d *Decoder) QueueSize() int {
	return d.queueSize()
}

// Frames returns the frame channel.
func (d *Decoder) Frames() <-chan *codec.Frame {
	return d.frames
}

// Errors returns the error channel.
func (d *Decoder) Errors() <-chan error {
	return d.errs
}

// Close stops ffmpeg.
func (d *Decoder) Close() error {
	d.close(func() { close(d.frames) })
	return nil
}

func (d *Decoder) read(ctx context.Context, stdout io.Reader) error {
	frameSize := d.width * d.height * 4
	for {
		img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
		_, err := io.ReadFull(stdout, img.Pix[:frameSize])
		if errors.Is(err, io.EOF) {
			return d.checkComplete()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		frame := &codec.Frame{Image: img, Timestamp: d.timestamps.pop()}
		d.emitted.Add(1)
		select {
		case d.frames <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}
