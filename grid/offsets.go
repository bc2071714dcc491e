// Package grid partitions the unit square into Gx×Gy cells, assigns ground
// truth boxes to the cells they touch and merges each cell's boxes into a
// group box.
package grid

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-cascade/common"
)

// Offsets describes a Gx×Gy grid over the normalized image. Cell (i, j) spans
// [i/Gx, (i+1)/Gx] horizontally and [j/Gy, (j+1)/Gy] vertically.
//
// Cells are stored x-major: the flat index of (i, j) is i*Gy + j.
type Offsets struct {
	Gx int `json:"gx" yaml:"gx"`
	Gy int `json:"gy" yaml:"gy"`
}

// NewOffsets validates the grid dimensions.
func NewOffsets(gx, gy int) (Offsets, error) {
	if gx <= 0 || gy <= 0 {
		return Offsets{}, errors.Errorf("grid dimensions must be positive, got %dx%d", gx, gy)
	}
	return Offsets{Gx: gx, Gy: gy}, nil
}

// NumCells returns Gx*Gy.
func (o Offsets) NumCells() int {
	return o.Gx * o.Gy
}

// Index returns the flat index of cell (i, j).
func (o Offsets) Index(i, j int) int {
	return i*o.Gy + j
}

// Coords is the inverse of Index.
func (o Offsets) Coords(idx int) (int, int) {
	return idx / o.Gy, idx % o.Gy
}

// Mirror returns the index of the cell that (i, j) lands on after a
// left-right flip of the image.
func (o Offsets) Mirror(idx int) int {
	i, j := o.Coords(idx)
	return o.Index(o.Gx-1-i, j)
}

// Cell returns the normalized extent of cell (i, j).
func (o Offsets) Cell(i, j int) common.BoundingBox {
	gx, gy := float32(o.Gx), float32(o.Gy)
	return common.BoundingBox{
		X1: float32(i) / gx,
		Y1: float32(j) / gy,
		X2: float32(i+1) / gx,
		Y2: float32(j+1) / gy,
	}
}

// CellByIndex returns the extent of the cell at a flat index.
func (o Offsets) CellByIndex(idx int) common.BoundingBox {
	return o.Cell(o.Coords(idx))
}
