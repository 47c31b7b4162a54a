// Package config loads the osdburn configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"osdburn/pkg/ffmpeg"
	"osdburn/pkg/overlay"

	"gopkg.in/yaml.v2"
)

// Config stores the application configuration.
type Config struct {
	FFmpegBin string `yaml:"ffmpegBin"`

	// EncoderCodec is the ffmpeg encoder name.
	EncoderCodec string `yaml:"encoderCodec"`

	// OutputCodec is the "avc1.PPCCLL" codec string requested from the encoder.
	OutputCodec string `yaml:"outputCodec"`

	MaxQueueSize     int           `yaml:"maxQueueSize"`
	KeyframeInterval int           `yaml:"keyframeInterval"`
	TinyFrameSize    int           `yaml:"tinyFrameSize"`
	ProgressInterval time.Duration `yaml:"progressInterval"`
	FrameRate        int           `yaml:"frameRate"`

	FontResolution overlay.Resolution `yaml:"fontResolution"`

	// FontDir is searched for font sheets by the watch command.
	FontDir string `yaml:"fontDir"`

	// Optional, empty disables.
	LogDB   string `yaml:"logDB"`
	LogFile string `yaml:"logFile"`

	Port int `yaml:"port"`
}

// Defaults.
const (
	DefaultFFmpegBin        = "/usr/bin/ffmpeg"
	DefaultOutputCodec      = "avc1.42003d"
	DefaultMaxQueueSize     = 60
	DefaultKeyframeInterval = 15
	DefaultTinyFrameSize    = 100
	DefaultProgressInterval = 100 * time.Millisecond
	DefaultFrameRate        = 60
	DefaultPort             = 2020
)

// ErrInvalidValue invalid config value.
var ErrInvalidValue = errors.New("invalid config value")

// Default returns the default configuration.
func Default() *Config {
	c, _ := NewConfig(nil)
	return c
}

// NewConfig parses the YAML config, applies defaults and validates it.
func NewConfig(configYAML []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(configYAML, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if c.FFmpegBin == "" {
		c.FFmpegBin = DefaultFFmpegBin
	}
	if c.EncoderCodec == "" {
		c.EncoderCodec = ffmpeg.DefaultEncoder
	}
	if c.OutputCodec == "" {
		c.OutputCodec = DefaultOutputCodec
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.KeyframeInterval == 0 {
		c.KeyframeInterval = DefaultKeyframeInterval
	}
	if c.TinyFrameSize == 0 {
		c.TinyFrameSize = DefaultTinyFrameSize
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.FrameRate == 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.FontResolution == "" {
		c.FontResolution = overlay.ResolutionAuto
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if err := ffmpeg.CheckBin(c.FFmpegBin); err != nil {
		return err
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"maxQueueSize", int64(c.MaxQueueSize)},
		{"keyframeInterval", int64(c.KeyframeInterval)},
		{"tinyFrameSize", int64(c.TinyFrameSize)},
		{"progressInterval", int64(c.ProgressInterval)},
		{"frameRate", int64(c.FrameRate)},
	}
	for _, v := range positive {
		if v.value <= 0 {
			return fmt.Errorf("%w: %v must be positive: %d", ErrInvalidValue, v.name, v.value)
		}
	}

	switch c.FontResolution {
	case overlay.ResolutionAuto, overlay.ResolutionSD, overlay.ResolutionHD:
	default:
		return fmt.Errorf("%w: fontResolution: %q", ErrInvalidValue, c.FontResolution)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port: %d", ErrInvalidValue, c.Port)
	}
	return nil
}

// ReadFile reads and parses the config file at path.
// An empty path returns the defaults.
func ReadFile(path string) (*Config, error) {
	if path == "" {
		return NewConfig(nil)
	}
	configYAML, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := NewConfig(configYAML)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}

	// Relative paths are relative to the config file.
	dir := filepath.Dir(path)
	for _, p := range []*string{&c.FontDir, &c.LogDB, &c.LogFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	return c, nil
}
