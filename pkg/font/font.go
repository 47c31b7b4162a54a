// Package font slices goggle font sheets into glyph tiles.
package font

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/png" // PNG sheets.
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp" // BMP sheets.
	"golang.org/x/image/draw"
)

// Tile sizes in pixels.
const (
	SDTileWidth  = 12 * 2
	SDTileHeight = 18 * 2
	HDTileWidth  = 12 * 3
	HDTileHeight = 18 * 3

	TilesPerPage = 256
	pageCount    = 2
)

// ErrFontFormat the font sheet can't be used.
var ErrFontFormat = errors.New("font format")

// File is a named font sheet.
type File struct {
	Name string
	Data []byte
}

// Font is a single page of tiles.
type Font struct {
	Name  string
	HD    bool
	Page  int
	Tiles []*image.RGBA
}

// Pack holds up to two pages per resolution.
type Pack struct {
	SD [pageCount]*Font
	HD [pageCount]*Font
}

// TileSize returns the tile size for the resolution.
func TileSize(hd bool) (int, int) {
	if hd {
		return HDTileWidth, HDTileHeight
	}
	return SDTileWidth, SDTileHeight
}

// identify returns the resolution and page from the file name.
func identify(name string) (hd bool, page int) {
	base := strings.ToLower(filepath.Base(name))
	base = strings.TrimSuffix(base, filepath.Ext(base))

	hd = strings.Contains(base, "hd")
	if strings.HasSuffix(base, "_2") || strings.HasSuffix(base, "-2") ||
		strings.Contains(base, "page2") || strings.Contains(base, "page_2") {
		page = 1
	}
	return hd, page
}

// Decode decodes and slices a single sheet.
func Decode(file File) (*Font, error) {
	hd, page := identify(file.Name)

	img, _, err := image.Decode(bytes.NewReader(file.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFontFormat, file.Name, err)
	}

	tileWidth, tileHeight := TileSize(hd)
	bounds := img.Bounds()
	if bounds.Dx() < tileWidth || bounds.Dy() < TilesPerPage*tileHeight {
		return nil, fmt.Errorf("%w: %s: sheet is %dx%d, need at least %dx%d",
			ErrFontFormat, file.Name, bounds.Dx(), bounds.Dy(),
			tileWidth, TilesPerPage*tileHeight)
	}

	tiles := make([]*image.RGBA, TilesPerPage)
	for i := range tiles {
		tile := image.NewRGBA(image.Rect(0, 0, tileWidth, tileHeight))
		src := image.Pt(bounds.Min.X, bounds.Min.Y+i*tileHeight)
		draw.Draw(tile, tile.Bounds(), img, src, draw.Src)
		tiles[i] = tile
	}

	return &Font{
		Name:  file.Name,
		HD:    hd,
		Page:  page,
		Tiles: tiles,
	}, nil
}

// Load decodes the sheets into a pack.
func Load(files []File) (*Pack, error) {
	var pack Pack
	for _, file := range files {
		font, err := Decode(file)
		if err != nil {
			return nil, err
		}

		pages := &pack.SD
		if font.HD {
			pages = &pack.HD
		}
		if prev := pages[font.Page]; prev != nil {
			return nil, fmt.Errorf("%w: %s and %s are the same page",
				ErrFontFormat, prev.Name, file.Name)
		}
		pages[font.Page] = font
	}
	return &pack, nil
}

// LoadDir loads every png and bmp sheet in dir.
func LoadDir(dir string) (*Pack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read font dir: %w", err)
	}

	var files []File
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".png" && ext != ".bmp") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read font: %w", err)
		}
		files = append(files, File{Name: entry.Name(), Data: data})
	}
	return Load(files)
}

// Tile returns the tile for a raw glyph index, nil if the
// page isn't loaded or the index is out of range.
func (p *Pack) Tile(hd bool, index uint16) *image.RGBA {
	page := int(index) / TilesPerPage
	if page >= pageCount {
		return nil
	}
	pages := p.SD
	if hd {
		pages = p.HD
	}
	font := pages[page]
	if font == nil {
		return nil
	}
	return font.Tiles[int(index)%TilesPerPage]
}

// HasResolution reports if any page of the resolution is loaded.
func (p *Pack) HasResolution(hd bool) bool {
	pages := p.SD
	if hd {
		pages = p.HD
	}
	for _, font := range pages {
		if font != nil {
			return true
		}
	}
	return false
}
