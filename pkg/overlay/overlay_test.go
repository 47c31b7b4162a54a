package overlay

import (
	"image"
	"image/color"
	"testing"
	"time"

	"osdburn/pkg/font"
	"osdburn/pkg/osd"
	"osdburn/pkg/video/codec"

	"github.com/stretchr/testify/require"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
	gray = color.RGBA{R: 100, G: 100, B: 100, A: 255}
)

// testFont returns a page where tile 1 is filled with c and
// every other tile is transparent.
func testFont(hd bool, page int, c color.RGBA) *font.Font {
	w, h := font.TileSize(hd)
	tiles := make([]*image.RGBA, font.TilesPerPage)
	for i := range tiles {
		tiles[i] = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tiles[1].SetRGBA(x, y, c)
		}
	}
	return &font.Font{HD: hd, Page: page, Tiles: tiles}
}

func testPack() *font.Pack {
	return &font.Pack{
		SD: [2]*font.Font{testFont(false, 0, red), testFont(false, 1, blue)},
	}
}

func testFrame(w int, h int, c color.RGBA) *codec.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return &codec.Frame{Image: img, Timestamp: 42 * time.Millisecond}
}

func TestOutputSize(t *testing.T) {
	cases := []struct {
		srcW, srcH int
		w, h       int
	}{
		{1280, 720, 1280, 720},
		{1920, 1080, 1920, 1080},
		{1440, 1080, 1920, 1080},
		{640, 480, 854, 480},
		{720, 720, 1280, 720},
		{100, 75, 134, 75},
		{2000, 720, 2000, 720},
	}
	for _, tc := range cases {
		w, h := OutputSize(tc.srcW, tc.srcH)
		require.Equal(t, tc.w, w, "%dx%d", tc.srcW, tc.srcH)
		require.Equal(t, tc.h, h, "%dx%d", tc.srcW, tc.srcH)
	}
}

func TestFitRect(t *testing.T) {
	// Height limited.
	require.Equal(t, image.Rect(6, 0, 1914, 1080), FitRect(1920, 1080, 1272, 720))
	// Width limited.
	require.Equal(t, image.Rect(0, 140, 1272, 860), FitRect(1272, 1000, 1272, 720))
	// Exact fit.
	require.Equal(t, image.Rect(0, 0, 1272, 720), FitRect(1272, 720, 1272, 720))
}

func TestNew(t *testing.T) {
	_, err := New(Config{Resolution: "4k"}, nil, testPack())
	require.ErrorIs(t, err, ErrInvalidResolution)

	_, err = New(Config{Resolution: ResolutionHD}, nil, testPack())
	require.ErrorIs(t, err, ErrMissingFonts)

	_, err = New(Config{Resolution: ResolutionSD}, nil, &font.Pack{})
	require.ErrorIs(t, err, ErrMissingFonts)

	_, err = New(Config{}, nil, nil)
	require.NoError(t, err)
}

func TestRender(t *testing.T) {
	var f osd.Frame
	f.SetTile(0, 0, 1)
	f.SetTile(2, 1, 256+1)

	c, err := New(Config{Resolution: ResolutionSD}, []osd.Frame{f}, testPack())
	require.NoError(t, err)

	// 1272x720 is the native overlay size, the canvas is widened
	// to 1280 and everything is shifted 4 pixels to the right.
	in := testFrame(osd.GridWidth*font.SDTileWidth, osd.GridHeight*font.SDTileHeight, gray)
	out, err := c.Render(in, 0)
	require.NoError(t, err)
	require.False(t, c.HD())

	img := out.Image
	require.Equal(t, image.Rect(0, 0, 1280, 720), img.Rect)
	require.Equal(t, in.Timestamp, out.Timestamp)

	require.Equal(t, color.RGBA{A: 255}, img.RGBAAt(0, 0))
	require.Equal(t, color.RGBA{A: 255}, img.RGBAAt(1279, 719))
	require.Equal(t, red, img.RGBAAt(4, 0))
	require.Equal(t, red, img.RGBAAt(4+font.SDTileWidth-1, font.SDTileHeight-1))
	require.Equal(t, gray, img.RGBAAt(4+font.SDTileWidth, 0))

	// Tile 257 is tile 1 of the second page.
	require.Equal(t, blue, img.RGBAAt(4+2*font.SDTileWidth+5, font.SDTileHeight+5))

	// The input frame is untouched.
	require.Equal(t, gray, in.Image.RGBAAt(0, 0))
}

func TestRenderEmptyTelemetry(t *testing.T) {
	c, err := New(Config{}, nil, testPack())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out, err := c.Render(testFrame(1280, 720, gray), i)
		require.NoError(t, err)
		require.Equal(t, gray, out.Image.RGBAAt(0, 0))
		require.Equal(t, gray, out.Image.RGBAAt(640, 360))
		require.Equal(t, 0, c.ActiveIndex())
	}
}

func TestRenderActiveFrameMonotonic(t *testing.T) {
	telemetry := make([]osd.Frame, 4)
	for i, n := range []uint32{0, 10, 10, 20} {
		telemetry[i].FrameNumber = n
		telemetry[i].SetTile(0, 0, uint16(i))
	}

	c, err := New(Config{}, telemetry, testPack())
	require.NoError(t, err)

	cases := []struct {
		index  int
		active int
	}{
		{0, 0},
		{5, 0},
		{10, 2},
		{11, 2},
		{3, 2},
		{25, 3},
		{0, 3},
	}
	prev := 0
	for _, tc := range cases {
		_, err := c.Render(testFrame(64, 36, gray), tc.index)
		require.NoError(t, err)
		require.Equal(t, tc.active, c.ActiveIndex(), "index %d", tc.index)
		require.GreaterOrEqual(t, c.ActiveIndex(), prev)
		prev = c.ActiveIndex()
	}
}

func TestRenderAutoResolution(t *testing.T) {
	pack := testPack()
	pack.HD[0] = testFont(true, 0, red)

	var f osd.Frame
	f.SetTile(0, 0, 1)

	c, err := New(Config{Resolution: ResolutionAuto}, []osd.Frame{f}, pack)
	require.NoError(t, err)
	_, err = c.Render(testFrame(1280, 720, gray), 0)
	require.NoError(t, err)
	require.True(t, c.HD())

	c, err = New(Config{Resolution: ResolutionAuto}, []osd.Frame{f}, pack)
	require.NoError(t, err)
	_, err = c.Render(testFrame(640, 480, gray), 0)
	require.NoError(t, err)
	require.False(t, c.HD())
}
