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
	"strings"

	"osdburn/pkg/log"
	"osdburn/pkg/video/codec"
)

// DefaultEncoder is the ffmpeg video encoder.
const DefaultEncoder = "libx264"

// ErrInvalidCodec invalid codec string.
var ErrInvalidCodec = errors.New("invalid codec string")

// Encoder encodes RGBA frames into H264 chunks with ffmpeg.
type Encoder struct {
	*stream

	encoder string
	width   int
	height  int

	timestamps timestampQueue
	chunks     chan *codec.Chunk
}

// NewEncoder returns an encoder backed by a ffmpeg process.
// encoder is the ffmpeg encoder name, DefaultEncoder if empty.
func (f *FFMPEG) NewEncoder(logger *log.Logger, jobID string, encoder string) *Encoder {
	if encoder == "" {
		encoder = DefaultEncoder
	}
	return &Encoder{
		stream:  newStream(f, logger, jobID, "encoder"),
		encoder: encoder,
		chunks:  make(chan *codec.Chunk),
	}
}

var x264Profiles = map[byte]string{
	0x42: "baseline",
	0x4d: "main",
	0x64: "high",
}

// parseCodecString returns the x264 profile and level
// of a "avc1.PPCCLL" codec string.
func parseCodecString(s string) (string, string, error) {
	// Input "avc1.42003d"
	// Output "baseline", "6.1"
	hex, ok := strings.CutPrefix(s, "avc1.")
	if !ok || len(hex) != 6 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCodec, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCodec, s)
	}
	profile, exists := x264Profiles[byte(v>>16)]
	if !exists {
		return "", "", fmt.Errorf("%w: unsupported profile: %q", ErrInvalidCodec, s)
	}
	level := int(v & 0xff)
	return profile, strconv.Itoa(level/10) + "." + strconv.Itoa(level%10), nil
}

// EncoderArgs returns the ffmpeg arguments used to encode raw RGBA
// frames into a fragmented mp4 stream with one fragment per frame.
func EncoderArgs(config codec.EncoderConfig, encoder string) ([]string, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, config.Width, config.Height)
	}
	frameRate := strconv.Itoa(config.FrameRate)
	bitrate := strconv.FormatInt(config.Bitrate, 10)
	gop := strconv.Itoa(config.KeyframeInterval)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", strconv.Itoa(config.Width) + "x" + strconv.Itoa(config.Height),
		"-framerate", frameRate,
		"-i", "pipe:0",
		"-c:v", encoder,
		"-pix_fmt", "yuv420p",
	}
	if encoder == DefaultEncoder {
		profile, level, err := parseCodecString(config.Codec)
		if err != nil {
			return nil, err
		}
		args = append(args,
			"-profile:v", profile,
			"-level:v", level,
			"-tune", "zerolatency",
			"-preset", "veryfast",
		)
	}
	args = append(args,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bitrate,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-bf", "0",
		"-f", "mp4",
		"-movflags", "empty_moov+default_base_moof+frag_every_frame",
		"pipe:1",
	)
	return args, nil
}

// Configure starts ffmpeg.
func (e *Encoder) Configure(config codec.EncoderConfig) error {
	if e.started {
		return ErrAlreadyConfigured
	}
	if config.FrameRate <= 0 || config.KeyframeInterval <= 0 {
		return fmt.Errorf("invalid frame rate or keyframe interval: %d %d",
			config.FrameRate, config.KeyframeInterval)
	}
	args, err := EncoderArgs(config, e.encoder)
	if err != nil {
		return err
	}
	e.width, e.height = config.Width, config.Height
	return e.start(args, e.read)
}

// Encode queues the frame. Keyframes follow the configured keyframe
// interval, opts.KeyFrame is expected to match that cadence.
func (e *Encoder) Encode(frame *codec.Frame, opts codec.EncodeOptions) error {
	if !e.started {
		return ErrNotConfigured
	}
	img := frame.Image
	if img.Rect.Dx() != e.width || img.Rect.Dy() != e.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrInvalidSize,
			img.Rect.Dx(), img.Rect.Dy(), e.width, e.height)
	}

	pix := img.Pix
	if img.Stride != e.width*4 || img.Rect.Min != (image.Point{}) {
		pix = make([]byte, 0, e.width*e.height*4)
		for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
			i := img.PixOffset(img.Rect.Min.X, y)
			pix = append(pix, img.Pix[i:i+e.width*4]...)
		}
	} else {
		pix = pix[:e.width*e.height*4]
	}

	e.timestamps.push(frame.Timestamp)
	if err := e.queue.push(pix); err != nil {
		return err
	}
	e.submitted.Add(1)
	return nil
}

// Flush is a no-op, b-frames and lookahead are disabled
// so every frame is emitted as soon as it's encoded.
func (e *Encoder) Flush() error {
	if !e.started {
		return ErrNotConfigured
	}
	return nil
}

// EndOfStream closes the ffmpeg stdin once the queue is drained.
func (e *Encoder) EndOfStream() error {
	return e.endOfStream()
}

// QueueSize returns the number of frames without a chunk.
func (e *Encoder) QueueSize() int {
	return e.queueSize()
}

// Chunks returns the chunk channel.
func (e *Encoder) Chunks() <-chan *codec.Chunk {
	return e.chunks
}

// Errors returns the error channel.
func (e *Encoder) Errors() <-chan error {
	return e.errs
}

// Close stops ffmpeg.
func (e *Encoder) Close() error {
	e.close(func() { close(e.chunks) })
	return nil
}

func (e *Encoder) read(ctx context.Context, stdout io.Reader) error {
	fragments := newFragmentReader(stdout)
	for {
		chunks, err := fragments.next()
		if errors.Is(err, io.EOF) {
			return e.checkComplete()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, chunk := range chunks {
			chunk.Timestamp = e.timestamps.pop()
			e.emitted.Add(1)
			select {
			case e.chunks <- chunk:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
