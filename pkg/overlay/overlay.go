// Package overlay composites the osd telemetry onto decoded video frames.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"osdburn/pkg/font"
	"osdburn/pkg/osd"
	"osdburn/pkg/video/codec"

	"golang.org/x/image/draw"
)

// Resolution selects the font resolution.
type Resolution string

// Font resolutions.
const (
	ResolutionAuto Resolution = "auto"
	ResolutionSD   Resolution = "sd"
	ResolutionHD   Resolution = "hd"
)

// Sources at or above this height use HD fonts in auto mode.
const hdMinHeight = 720

// Errors.
var (
	ErrInvalidResolution = errors.New("invalid font resolution")
	ErrMissingFonts      = errors.New("missing fonts")
)

// Config compositor config.
type Config struct {
	Resolution Resolution
}

// Compositor renders the active telemetry frame onto video frames.
// It is not safe for concurrent use.
type Compositor struct {
	resolution Resolution
	telemetry  []osd.Frame
	fonts      *font.Pack

	configured bool
	hd         bool
	canvas     image.Rectangle

	active      int
	cachedIndex int
	cached      *image.RGBA
	cachedRect  image.Rectangle
}

// New creates a compositor. telemetry must be sorted by frame number.
func New(cfg Config, telemetry []osd.Frame, fonts *font.Pack) (*Compositor, error) {
	if fonts == nil {
		fonts = &font.Pack{}
	}
	switch cfg.Resolution {
	case ResolutionAuto, "":
		cfg.Resolution = ResolutionAuto
	case ResolutionSD:
		if !fonts.HasResolution(false) {
			return nil, fmt.Errorf("%w: no SD font", ErrMissingFonts)
		}
	case ResolutionHD:
		if !fonts.HasResolution(true) {
			return nil, fmt.Errorf("%w: no HD font", ErrMissingFonts)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, cfg.Resolution)
	}

	return &Compositor{
		resolution:  cfg.Resolution,
		telemetry:   telemetry,
		fonts:       fonts,
		cachedIndex: -1,
	}, nil
}

// OutputSize returns the canvas size for a source size. Sources
// narrower than 16:9 are widened, the width is kept even.
func OutputSize(srcW int, srcH int) (int, int) {
	if srcW*9 >= srcH*16 {
		return srcW, srcH
	}
	w := (srcH*16 + 8) / 9
	w += w % 2
	return w, srcH
}

// FitRect scales an overlay to fit the canvas while keeping the
// aspect ratio and centers it.
func FitRect(canvasW, canvasH, overlayW, overlayH int) image.Rectangle {
	scaleH := float64(canvasH) / float64(overlayH)
	scaleW := float64(canvasW) / float64(overlayW)

	scale := scaleW
	if scaleH < scaleW {
		scale = scaleH
	}

	w := int(float64(overlayW)*scale + 0.5)
	h := int(float64(overlayH)*scale + 0.5)
	x := (canvasW - w) / 2
	y := (canvasH - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

// OutputSize returns the canvas size Render produces for a source size.
func (c *Compositor) OutputSize(srcW int, srcH int) (int, int) {
	return OutputSize(srcW, srcH)
}

// ActiveIndex returns the index of the active telemetry frame.
func (c *Compositor) ActiveIndex() int {
	return c.active
}

// HD reports if HD fonts are used. Valid after the first Render.
func (c *Compositor) HD() bool {
	return c.hd
}

func (c *Compositor) configure(srcW int, srcH int) {
	c.configured = true
	w, h := OutputSize(srcW, srcH)
	c.canvas = image.Rect(0, 0, w, h)

	switch c.resolution {
	case ResolutionHD:
		c.hd = true
	case ResolutionSD:
		c.hd = false
	default:
		hasHD, hasSD := c.fonts.HasResolution(true), c.fonts.HasResolution(false)
		c.hd = hasHD && (srcH >= hdMinHeight || !hasSD)
	}
}

// advance moves the active telemetry frame forward, never backward.
func (c *Compositor) advance(index int) {
	for c.active+1 < len(c.telemetry) &&
		int64(c.telemetry[c.active+1].FrameNumber) <= int64(index) {
		c.active++
	}
}

// Render returns a new frame with the video centered horizontally on
// a black canvas and the telemetry drawn over it.
func (c *Compositor) Render(frame *codec.Frame, index int) (*codec.Frame, error) {
	if frame == nil || frame.Image == nil {
		return nil, errors.New("missing frame image")
	}
	src := frame.Image
	if !c.configured {
		c.configure(src.Rect.Dx(), src.Rect.Dy())
	}

	dst := image.NewRGBA(c.canvas)
	draw.Draw(dst, dst.Rect, image.NewUniform(color.Black), image.Point{}, draw.Src)

	x := (c.canvas.Dx() - src.Rect.Dx()) / 2
	videoRect := image.Rect(x, 0, x+src.Rect.Dx(), src.Rect.Dy())
	draw.Draw(dst, videoRect, src, src.Rect.Min, draw.Src)

	out := &codec.Frame{Image: dst, Timestamp: frame.Timestamp}
	if len(c.telemetry) == 0 {
		return out, nil
	}

	c.advance(index)
	overlay, rect := c.scaledOverlay()
	draw.Draw(dst, rect, overlay, overlay.Rect.Min, draw.Over)
	return out, nil
}

func (c *Compositor) scaledOverlay() (*image.RGBA, image.Rectangle) {
	if c.cachedIndex == c.active {
		return c.cached, c.cachedRect
	}

	overlay := c.renderGrid(&c.telemetry[c.active])
	rect := FitRect(c.canvas.Dx(), c.canvas.Dy(), overlay.Rect.Dx(), overlay.Rect.Dy())

	scaled := overlay
	if rect.Dx() != overlay.Rect.Dx() || rect.Dy() != overlay.Rect.Dy() {
		scaled = image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		draw.ApproxBiLinear.Scale(scaled, scaled.Rect, overlay, overlay.Rect, draw.Src, nil)
	}

	c.cachedIndex = c.active
	c.cached = scaled
	c.cachedRect = rect
	return scaled, rect
}

// renderGrid draws the glyph grid at the native tile size.
func (c *Compositor) renderGrid(frame *osd.Frame) *image.RGBA {
	tileW, tileH := font.TileSize(c.hd)
	overlay := image.NewRGBA(image.Rect(0, 0, osd.GridWidth*tileW, osd.GridHeight*tileH))

	for x := 0; x < osd.GridWidth; x++ {
		for y := 0; y < osd.GridHeight; y++ {
			tile := c.fonts.Tile(c.hd, frame.Tile(x, y))
			if tile == nil {
				continue
			}
			r := image.Rect(x*tileW, y*tileH, (x+1)*tileW, (y+1)*tileH)
			draw.Draw(overlay, r, tile, tile.Rect.Min, draw.Src)
		}
	}
	return overlay
}
