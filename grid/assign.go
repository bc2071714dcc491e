package grid

import (
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-cascade/common"
)

// OccupancyMask records which boxes touch which cells. It is a float32 tensor
// of shape (Gx, Gy, 1, N) holding 1 where intersection(box, cell) > 0 and 0
// elsewhere.
type OccupancyMask struct {
	*tensor.Dense
	Offsets  Offsets
	NumBoxes int
}

// NewOccupancyMask allocates an all-zero mask for n boxes.
func NewOccupancyMask(o Offsets, n int) OccupancyMask {
	return OccupancyMask{
		Dense: tensor.New(
			tensor.WithShape(o.Gx, o.Gy, 1, n),
			tensor.WithBacking(make([]float32, o.NumCells()*n)),
		),
		Offsets:  o,
		NumBoxes: n,
	}
}

// Assign computes the occupancy mask of boxes on the grid. Padding boxes and
// boxes that only touch a cell border occupy nothing.
func Assign(boxes []common.BoundingBox, o Offsets) OccupancyMask {
	m := NewOccupancyMask(o, len(boxes))
	data := m.Float32s()
	for c := 0; c < o.NumCells(); c++ {
		cell := o.CellByIndex(c)
		row := data[c*m.NumBoxes : (c+1)*m.NumBoxes]
		for b, box := range boxes {
			if box.Intersection(cell) > 0 {
				row[b] = 1
			}
		}
	}
	return m
}

// Occupied reports whether box b touches cell (i, j).
func (m OccupancyMask) Occupied(i, j, b int) bool {
	return m.Float32s()[m.Offsets.Index(i, j)*m.NumBoxes+b] > 0
}

// Row returns the per-box values of the cell at flat index c. The slice
// aliases the mask storage.
func (m OccupancyMask) Row(c int) []float32 {
	return m.Float32s()[c*m.NumBoxes : (c+1)*m.NumBoxes]
}

// Count returns how many boxes touch the cell at flat index c.
func (m OccupancyMask) Count(c int) int {
	n := 0
	for _, v := range m.Row(c) {
		if v > 0 {
			n++
		}
	}
	return n
}

// Cells lists the (i, j) coordinates of every cell box b touches, x-major.
func (m OccupancyMask) Cells(b int) [][2]int {
	var out [][2]int
	for c := 0; c < m.Offsets.NumCells(); c++ {
		if m.Row(c)[b] > 0 {
			i, j := m.Offsets.Coords(c)
			out = append(out, [2]int{i, j})
		}
	}
	return out
}

// Flip returns the mask of the left-right flipped image: the cell x axis is
// reversed, box order is kept.
func (m OccupancyMask) Flip() OccupancyMask {
	out := NewOccupancyMask(m.Offsets, m.NumBoxes)
	for c := 0; c < m.Offsets.NumCells(); c++ {
		copy(out.Row(m.Offsets.Mirror(c)), m.Row(c))
	}
	return out
}

// Equal reports whether both masks have the same grid and contents.
func (m OccupancyMask) Equal(other OccupancyMask) bool {
	if m.Offsets != other.Offsets || m.NumBoxes != other.NumBoxes {
		return false
	}
	a, b := m.Float32s(), other.Float32s()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
