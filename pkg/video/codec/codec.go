// Package codec defines the boundary between the pipeline and a video codec.
package codec

import (
	"image"
	"time"
)

// Sample is an encoded access unit read from the source file.
type Sample struct {
	Index      int
	Data       []byte // AVCC formatted NALUs.
	IsKeyframe bool
	Timestamp  time.Duration
	Duration   time.Duration
}

// Frame is a decoded picture.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Duration
}

// Width returns the frame width.
func (f *Frame) Width() int {
	return f.Image.Rect.Dx()
}

// Height returns the frame height.
func (f *Frame) Height() int {
	return f.Image.Rect.Dy()
}

// Chunk is an encoded sample produced by an encoder.
type Chunk struct {
	Data       []byte // AVCC formatted NALUs.
	IsKeyframe bool
	Timestamp  time.Duration

	// Description is the AVCDecoderConfigurationRecord, set on
	// the first chunk and whenever the configuration changes.
	Description []byte
}

// DecoderConfig decoder configuration.
type DecoderConfig struct {
	Codec       string // "avc1.PPCCLL".
	CodedWidth  int
	CodedHeight int
	Description []byte
}

// EncoderConfig encoder configuration.
type EncoderConfig struct {
	Codec            string
	Width            int
	Height           int
	Bitrate          int64
	FrameRate        int
	KeyframeInterval int
}

// EncodeOptions per frame options.
type EncodeOptions struct {
	KeyFrame bool
}

// Decoder decodes samples asynchronously. Decode, Flush and
// EndOfStream enqueue work and return immediately. Frames are
// emitted in decode order and the channels are closed after Close.
//
// Flush asks for every queued sample to be emitted. EndOfStream
// does the same and marks the input as complete, no Decode may
// follow it.
type Decoder interface {
	Configure(DecoderConfig) error
	Decode(Sample) error
	Flush() error
	EndOfStream() error
	QueueSize() int
	Frames() <-chan *Frame
	Errors() <-chan error
	Close() error
}

// Encoder encodes frames asynchronously, see Decoder.
type Encoder interface {
	Configure(EncoderConfig) error
	Encode(*Frame, EncodeOptions) error
	Flush() error
	EndOfStream() error
	QueueSize() int
	Chunks() <-chan *Chunk
	Errors() <-chan error
	Close() error
}
