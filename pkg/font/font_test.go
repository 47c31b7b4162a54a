package font

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

// testSheet returns a sheet where every pixel of tile i has the
// red value i and the green value of the page.
func testSheet(width int, tileHeight int, tiles int, page uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, tileHeight*tiles))
	for i := 0; i < tiles; i++ {
		for y := i * tileHeight; y < (i+1)*tileHeight; y++ {
			for x := 0; x < width; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(i), G: page, A: 255})
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIdentify(t *testing.T) {
	cases := []struct {
		name string
		hd   bool
		page int
	}{
		{"font.png", false, 0},
		{"font_2.png", false, 1},
		{"font_hd.png", true, 0},
		{"FONT_HD_2.PNG", true, 1},
		{"/fonts/bf_hd-2.bmp", true, 1},
		{"inav_page2.png", false, 1},
		{"inav_hd_page_2.png", true, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hd, page := identify(tc.name)
			require.Equal(t, tc.hd, hd)
			require.Equal(t, tc.page, page)
		})
	}
}

func TestLoad(t *testing.T) {
	sd1 := encodePNG(t, testSheet(SDTileWidth, SDTileHeight, TilesPerPage, 1))
	sd2 := encodePNG(t, testSheet(SDTileWidth, SDTileHeight, TilesPerPage, 2))

	var hdBuf bytes.Buffer
	require.NoError(t, bmp.Encode(&hdBuf, testSheet(HDTileWidth, HDTileHeight, TilesPerPage, 3)))

	pack, err := Load([]File{
		{Name: "font.png", Data: sd1},
		{Name: "font_2.png", Data: sd2},
		{Name: "font_hd.bmp", Data: hdBuf.Bytes()},
	})
	require.NoError(t, err)
	require.True(t, pack.HasResolution(false))
	require.True(t, pack.HasResolution(true))

	tile := pack.Tile(false, 7)
	require.NotNil(t, tile)
	require.Equal(t, image.Rect(0, 0, SDTileWidth, SDTileHeight), tile.Bounds())
	require.Equal(t, color.RGBA{R: 7, G: 1, A: 255}, tile.RGBAAt(0, 0))
	require.Equal(t, color.RGBA{R: 7, G: 1, A: 255}, tile.RGBAAt(SDTileWidth-1, SDTileHeight-1))

	// The high bit selects the second page.
	tile = pack.Tile(false, 256+9)
	require.Equal(t, color.RGBA{R: 9, G: 2, A: 255}, tile.RGBAAt(3, 3))

	tile = pack.Tile(true, 255)
	require.Equal(t, image.Rect(0, 0, HDTileWidth, HDTileHeight), tile.Bounds())
	require.Equal(t, color.RGBA{R: 255, G: 3, A: 255}, tile.RGBAAt(5, 5))

	require.Nil(t, pack.Tile(true, 300))
	require.Nil(t, pack.Tile(false, 512))
}

func TestLoadErrors(t *testing.T) {
	t.Run("tooShort", func(t *testing.T) {
		sheet := encodePNG(t, testSheet(SDTileWidth, SDTileHeight, TilesPerPage-1, 0))
		_, err := Load([]File{{Name: "font.png", Data: sheet}})
		require.ErrorIs(t, err, ErrFontFormat)
	})
	t.Run("tooNarrow", func(t *testing.T) {
		sheet := encodePNG(t, testSheet(SDTileWidth-1, SDTileHeight, TilesPerPage, 0))
		_, err := Load([]File{{Name: "font.png", Data: sheet}})
		require.ErrorIs(t, err, ErrFontFormat)
	})
	t.Run("sdSheetAsHD", func(t *testing.T) {
		sheet := encodePNG(t, testSheet(SDTileWidth, SDTileHeight, TilesPerPage, 0))
		_, err := Load([]File{{Name: "font_hd.png", Data: sheet}})
		require.ErrorIs(t, err, ErrFontFormat)
	})
	t.Run("notAnImage", func(t *testing.T) {
		_, err := Load([]File{{Name: "font.png", Data: []byte("nope")}})
		require.ErrorIs(t, err, ErrFontFormat)
	})
	t.Run("duplicatePage", func(t *testing.T) {
		sheet := encodePNG(t, testSheet(SDTileWidth, SDTileHeight, TilesPerPage, 0))
		_, err := Load([]File{
			{Name: "font.png", Data: sheet},
			{Name: "other.png", Data: sheet},
		})
		require.ErrorIs(t, err, ErrFontFormat)
	})
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	sheet := encodePNG(t, testSheet(SDTileWidth, SDTileHeight, TilesPerPage, 0))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "font.png"), sheet, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o600))

	pack, err := LoadDir(dir)
	require.NoError(t, err)
	require.NotNil(t, pack.SD[0])
	require.Nil(t, pack.SD[1])
	require.False(t, pack.HasResolution(true))
}
