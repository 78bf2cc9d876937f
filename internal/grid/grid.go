// Package grid holds the cell geometry shared by the bundle renderer and the
// bundle processor. Placement and cropping both go through CellBounds so the
// two can never drift apart.
package grid

import (
	"fmt"
	"image"
	"strconv"

	xdraw "golang.org/x/image/draw"
)

// Layout is a fixed cols x rows grid over a width x height canvas.
type Layout struct {
	Cols   int `yaml:"cols"`
	Rows   int `yaml:"rows"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DefaultLayout is the 2x4 grid on a 512x512 canvas.
func DefaultLayout() Layout {
	return Layout{Cols: 2, Rows: 4, Width: 512, Height: 512}
}

// Size returns the number of cells.
func (l Layout) Size() int {
	return l.Cols * l.Rows
}

// Bounds returns the rectangle of the 1-based cell index.
func (l Layout) Bounds(index int) image.Rectangle {
	return CellBounds(index, l.Cols, l.Rows, l.Width, l.Height)
}

// Labels returns "01".."0N" for every cell in order.
func (l Layout) Labels() []string {
	out := make([]string, l.Size())
	for i := range out {
		out[i] = Label(i + 1)
	}
	return out
}

// CellBounds returns the region of the 1-based index within a width x height
// canvas split into cols x rows equal cells, filled row by row.
// Cell sizes use integer division; any remainder pixels on the right and
// bottom edges belong to no cell.
func CellBounds(index, cols, rows, width, height int) image.Rectangle {
	if cols <= 0 || rows <= 0 || index < 1 || index > cols*rows {
		return image.Rectangle{}
	}
	cw := width / cols
	ch := height / rows
	row := (index - 1) / cols
	col := (index - 1) % cols
	x0 := col * cw
	y0 := row * ch
	return image.Rect(x0, y0, x0+cw, y0+ch)
}

// Label formats a 1-based cell index as the two digit coin id.
func Label(index int) string {
	return fmt.Sprintf("%02d", index)
}

// ParseLabel converts a coin id back to its index, rejecting anything that is
// not exactly a two digit label in 1..n.
func ParseLabel(id string, n int) (int, bool) {
	if len(id) != 2 {
		return 0, false
	}
	idx, err := strconv.Atoi(id)
	if err != nil || idx < 1 || idx > n {
		return 0, false
	}
	return idx, true
}

// Crop copies the cell at index out of src into a new image whose origin is
// (0,0). The cell is located relative to src.Bounds().Min.
func Crop(src image.Image, index, cols, rows int) *image.RGBA {
	b := src.Bounds()
	r := CellBounds(index, cols, rows, b.Dx(), b.Dy())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, r.Min.Add(b.Min), xdraw.Src)
	return dst
}
