package grid

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/nvr-ai/go-cascade/common"
)

// Method selects how boxes are assigned to groups.
type Method string

const (
	// MethodIntersect puts a box in every cell it touches.
	MethodIntersect Method = "intersect"
	// MethodIntersectWithDensity drops a box from a cell when the box covers
	// the whole cell.
	MethodIntersectWithDensity Method = "intersect_with_density"
	// MethodUniqueIntersect keeps each box only in its best-scoring cells,
	// favouring large overlap with sparsely populated cells.
	MethodUniqueIntersect Method = "unique_intersect"
)

// ErrUnknownMethod is returned by ParseMethod.
var ErrUnknownMethod = errors.New("unknown grouping method")

// ParseMethod maps a configuration string to a Method.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodIntersect, MethodIntersectWithDensity, MethodUniqueIntersect:
		return m, nil
	}
	return "", errors.Wrapf(ErrUnknownMethod, "%q", s)
}

// Groups holds the per-cell group targets of one image. All slices are
// indexed by the flat cell index of Offsets.
type Groups struct {
	Offsets Offsets
	// Boxes is the merged box of each cell. Cells without members hold the
	// degenerate box (1, 1, 0, 0).
	Boxes []common.BoundingBox
	// Flags is 1 where a cell has two or more members.
	Flags []float32
	// Classes is the majority class of each cell as a one-hot vector scaled
	// by that class's vote count. Nil without class labels.
	Classes [][]int32
	// Members is the number of boxes assigned to each cell.
	Members []int
	// NumGroupBoxes counts the cells with at least one member.
	NumGroupBoxes int
}

// Group assigns boxes to cells with the given method and merges them.
//
// Arguments:
// - boxes: The padded ground-truth boxes of one image.
// - numBoxes: How many leading entries of boxes are real.
// - mask: The occupancy mask of boxes on the grid.
// - method: The grouping method.
// - classes: Optional one-hot class labels aligned with boxes.
//
// Returns:
// - The merged group targets, or an error for an unknown method.
func Group(boxes []common.BoundingBox, numBoxes int, mask OccupancyMask, method Method, classes [][]int32) (*Groups, error) {
	o := mask.Offsets
	n := mask.NumBoxes
	if len(boxes) != n {
		return nil, errors.Errorf("mask has %d boxes, got %d", n, len(boxes))
	}

	members, err := groupMask(boxes, numBoxes, mask, method)
	if err != nil {
		return nil, err
	}

	g := &Groups{
		Offsets: o,
		Boxes:   make([]common.BoundingBox, o.NumCells()),
		Flags:   make([]float32, o.NumCells()),
		Members: make([]int, o.NumCells()),
	}
	for c := 0; c < o.NumCells(); c++ {
		row := members[c*n : (c+1)*n]
		g.Boxes[c] = mergeBoxes(boxes, row)

		count := 0
		for _, v := range row {
			if v > 0 {
				count++
			}
		}
		g.Members[c] = count
		if count > 0 {
			g.NumGroupBoxes++
		}
		g.Flags[c] = float32(max(min(count, 2)-1, 0))
	}

	if classes != nil {
		g.Classes, err = majorityClasses(classes, members, o.NumCells(), n)
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// groupMask returns a flat (cells × boxes) membership mask.
func groupMask(boxes []common.BoundingBox, numBoxes int, mask OccupancyMask, method Method) ([]float32, error) {
	o := mask.Offsets
	n := mask.NumBoxes
	occupancy := mask.Float32s()
	out := make([]float32, len(occupancy))

	switch method {
	case MethodIntersect:
		copy(out, occupancy)

	case MethodIntersectWithDensity:
		cellArea := 1 / float32(o.NumCells())
		for c := 0; c < o.NumCells(); c++ {
			cell := o.CellByIndex(c)
			for b, box := range boxes {
				if occupancy[c*n+b] > 0 && box.Intersection(cell) < cellArea {
					out[c*n+b] = 1
				}
			}
		}

	case MethodUniqueIntersect:
		if numBoxes <= 0 {
			return out, nil
		}
		numCells := float32(o.NumCells())
		scores := make([]float32, len(occupancy))
		for c := 0; c < o.NumCells(); c++ {
			cell := o.CellByIndex(c)
			density := 1 - float32(mask.Count(c))/float32(numBoxes)
			for b, box := range boxes {
				scores[c*n+b] = box.Intersection(cell) * numCells * density
			}
		}
		for b := range boxes {
			best := math32.Inf(-1)
			for c := 0; c < o.NumCells(); c++ {
				best = math32.Max(best, scores[c*n+b])
			}
			// Every cell reaching the maximum keeps the box, so ties give
			// multiple memberships.
			for c := 0; c < o.NumCells(); c++ {
				s := scores[c*n+b]
				if s > 0 && s >= best {
					out[c*n+b] = 1
				}
			}
		}

	default:
		return nil, errors.Wrapf(ErrUnknownMethod, "%q", method)
	}
	return out, nil
}

// mergeBoxes returns the clipped union box of the members of one cell.
// Non-members are pushed out of the min reduction by a +1 offset and out of
// the max reduction by a zero factor.
func mergeBoxes(boxes []common.BoundingBox, members []float32) common.BoundingBox {
	merged := common.BoundingBox{
		X1: math32.Inf(1),
		Y1: math32.Inf(1),
		X2: math32.Inf(-1),
		Y2: math32.Inf(-1),
	}
	for b, box := range boxes {
		m := members[b]
		merged.X1 = math32.Min(merged.X1, box.X1+(1-m))
		merged.Y1 = math32.Min(merged.Y1, box.Y1+(1-m))
		merged.X2 = math32.Max(merged.X2, box.X2*m)
		merged.Y2 = math32.Max(merged.Y2, box.Y2*m)
	}
	return merged.Clip()
}

// majorityClasses sums the one-hot labels of each cell's members and keeps
// the first class with the most votes, valued at its vote count.
func majorityClasses(classes [][]int32, members []float32, numCells, n int) ([][]int32, error) {
	if len(classes) != n {
		return nil, errors.Errorf("got %d class labels for %d boxes", len(classes), n)
	}
	numClasses := 0
	if n > 0 {
		numClasses = len(classes[0])
	}
	if numClasses == 0 {
		return nil, errors.New("class labels have no classes")
	}

	out := make([][]int32, numCells)
	votes := make([]float64, numClasses)
	for c := 0; c < numCells; c++ {
		for k := range votes {
			votes[k] = 0
		}
		for b := 0; b < n; b++ {
			if members[c*n+b] == 0 {
				continue
			}
			for k, v := range classes[b] {
				votes[k] += float64(v)
			}
		}
		winner := floats.MaxIdx(votes)
		out[c] = make([]int32, numClasses)
		out[c][winner] = int32(votes[winner])
	}
	return out, nil
}

// Flip returns the groups of the left-right flipped image: cells are mirrored
// along x and every group box is mirrored.
func (g *Groups) Flip() *Groups {
	o := g.Offsets
	out := &Groups{
		Offsets:       o,
		Boxes:         make([]common.BoundingBox, len(g.Boxes)),
		Flags:         make([]float32, len(g.Flags)),
		Members:       make([]int, len(g.Members)),
		NumGroupBoxes: g.NumGroupBoxes,
	}
	if g.Classes != nil {
		out.Classes = make([][]int32, len(g.Classes))
	}
	for c := 0; c < o.NumCells(); c++ {
		m := o.Mirror(c)
		out.Boxes[m] = g.Boxes[c].Mirror()
		out.Flags[m] = g.Flags[c]
		out.Members[m] = g.Members[c]
		if g.Classes != nil {
			out.Classes[m] = append([]int32(nil), g.Classes[c]...)
		}
	}
	return out
}
