package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-cascade/common"
)

func mustOffsets(t *testing.T, gx, gy int) Offsets {
	t.Helper()
	o, err := NewOffsets(gx, gy)
	require.NoError(t, err)
	return o
}

func TestNewOffsets(t *testing.T) {
	_, err := NewOffsets(0, 4)
	assert.Error(t, err)

	o := mustOffsets(t, 4, 2)
	assert.Equal(t, 8, o.NumCells())
	assert.Equal(t, bb(0.25, 0.5, 0.5, 1), o.Cell(1, 1))

	for idx := 0; idx < o.NumCells(); idx++ {
		i, j := o.Coords(idx)
		assert.Equal(t, idx, o.Index(i, j))
		assert.Equal(t, idx, o.Mirror(o.Mirror(idx)))
	}
	assert.Equal(t, o.Index(3, 1), o.Mirror(o.Index(0, 1)))
}

func bb(x1, y1, x2, y2 float32) common.BoundingBox {
	return common.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// TestAssign_SingleBox places (0.1, 0.1, 0.5, 0.5) on a 4x4 grid. The box
// reaches x=0.5 and y=0.5 so it overlaps the four top-left cells; cells it
// only touches on a border are not occupied.
func TestAssign_SingleBox(t *testing.T) {
	o := mustOffsets(t, 4, 4)
	boxes := []common.BoundingBox{bb(0.1, 0.1, 0.5, 0.5), {}, {}}

	mask := Assign(boxes, o)

	assert.Equal(t, []int{4, 4, 1, 3}, []int(mask.Shape()))
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, mask.Cells(0))
	assert.True(t, mask.Occupied(0, 0, 0))
	assert.False(t, mask.Occupied(2, 0, 0))
	assert.Empty(t, mask.Cells(1), "padding boxes occupy nothing")
	assert.Empty(t, mask.Cells(2))
	assert.Equal(t, 1, mask.Count(o.Index(1, 1)))
	assert.Equal(t, 0, mask.Count(o.Index(3, 3)))
}

func TestAssign_BoxInsideOneCell(t *testing.T) {
	o := mustOffsets(t, 4, 4)
	mask := Assign([]common.BoundingBox{bb(0.05, 0.05, 0.2, 0.2)}, o)
	assert.Equal(t, [][2]int{{0, 0}}, mask.Cells(0))
}

func TestOccupancyMask_Flip(t *testing.T) {
	o := mustOffsets(t, 4, 4)
	boxes := []common.BoundingBox{
		bb(0.1, 0.3, 0.6, 0.9),
		bb(0.8, 0.05, 0.95, 0.2),
		{},
	}
	mirrored := make([]common.BoundingBox, len(boxes))
	for i, b := range boxes {
		if b.Valid() {
			mirrored[i] = b.Mirror()
		}
	}

	mask := Assign(boxes, o)
	flipped := mask.Flip()

	assert.True(t, flipped.Equal(Assign(mirrored, o)))
	assert.True(t, flipped.Flip().Equal(mask))
	assert.Equal(t, [][2]int{{0, 0}}, flipped.Cells(1))
}

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"intersect", "intersect_with_density", "unique_intersect"} {
		m, err := ParseMethod(s)
		require.NoError(t, err)
		assert.Equal(t, Method(s), m)
	}

	_, err := ParseMethod("nearest")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestGroup_Intersect(t *testing.T) {
	o := mustOffsets(t, 4, 4)

	t.Run("Single box", func(t *testing.T) {
		box := bb(0.1, 0.1, 0.5, 0.5)
		boxes := []common.BoundingBox{box, {}, {}}

		g, err := Group(boxes, 1, Assign(boxes, o), MethodIntersect, nil)
		require.NoError(t, err)

		assert.Equal(t, 4, g.NumGroupBoxes)
		for _, c := range [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}} {
			idx := o.Index(c[0], c[1])
			assert.Equal(t, box, g.Boxes[idx])
			assert.Equal(t, float32(0), g.Flags[idx], "one member is not a group")
			assert.Equal(t, 1, g.Members[idx])
		}
		assert.Equal(t, bb(1, 1, 0, 0), g.Boxes[o.Index(3, 3)])
		assert.Nil(t, g.Classes)
	})

	t.Run("Two boxes merge", func(t *testing.T) {
		boxes := []common.BoundingBox{
			bb(0.05, 0.05, 0.2, 0.2),
			bb(0.1, 0.02, 0.22, 0.15),
			{},
		}

		g, err := Group(boxes, 2, Assign(boxes, o), MethodIntersect, nil)
		require.NoError(t, err)

		idx := o.Index(0, 0)
		assert.Equal(t, 1, g.NumGroupBoxes)
		assert.Equal(t, bb(0.05, 0.02, 0.22, 0.2), g.Boxes[idx])
		assert.Equal(t, float32(1), g.Flags[idx])
		assert.Equal(t, 2, g.Members[idx])
	})
}

// TestGroup_Conservative checks that each group box contains all of its
// members.
func TestGroup_Conservative(t *testing.T) {
	o := mustOffsets(t, 3, 3)
	boxes := []common.BoundingBox{
		bb(0.05, 0.1, 0.3, 0.25),
		bb(0.2, 0.15, 0.5, 0.6),
		bb(0.7, 0.7, 0.95, 0.9),
		{},
	}
	mask := Assign(boxes, o)

	for _, method := range []Method{MethodIntersect, MethodIntersectWithDensity, MethodUniqueIntersect} {
		t.Run(string(method), func(t *testing.T) {
			g, err := Group(boxes, 3, mask, method, nil)
			require.NoError(t, err)

			members, err := groupMask(boxes, 3, mask, method)
			require.NoError(t, err)
			n := len(boxes)
			for c := 0; c < o.NumCells(); c++ {
				if g.Members[c] == 0 {
					continue
				}
				for b, box := range boxes {
					if members[c*n+b] == 0 {
						continue
					}
					assert.LessOrEqual(t, g.Boxes[c].X1, box.X1)
					assert.LessOrEqual(t, g.Boxes[c].Y1, box.Y1)
					assert.GreaterOrEqual(t, g.Boxes[c].X2, box.X2)
					assert.GreaterOrEqual(t, g.Boxes[c].Y2, box.Y2)
				}
			}
		})
	}
}

func TestGroup_IntersectWithDensity(t *testing.T) {
	o := mustOffsets(t, 4, 4)
	boxes := []common.BoundingBox{bb(0.1, 0.1, 0.5, 0.5), {}}

	g, err := Group(boxes, 1, Assign(boxes, o), MethodIntersectWithDensity, nil)
	require.NoError(t, err)

	// Cell (1, 1) is entirely covered by the box and is dropped.
	assert.Equal(t, 3, g.NumGroupBoxes)
	assert.Equal(t, 0, g.Members[o.Index(1, 1)])
	assert.Equal(t, 1, g.Members[o.Index(0, 0)])
	assert.Equal(t, 1, g.Members[o.Index(0, 1)])
	assert.Equal(t, 1, g.Members[o.Index(1, 0)])
}

func TestGroup_UniqueIntersect(t *testing.T) {
	o := mustOffsets(t, 4, 4)

	t.Run("Best cell only", func(t *testing.T) {
		boxes := []common.BoundingBox{
			bb(0, 0, 0.4, 0.25),
			bb(0.75, 0.75, 1, 1),
		}
		g, err := Group(boxes, 2, Assign(boxes, o), MethodUniqueIntersect, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, g.NumGroupBoxes)
		assert.Equal(t, 1, g.Members[o.Index(0, 0)])
		assert.Equal(t, 0, g.Members[o.Index(1, 0)])
		assert.Equal(t, 1, g.Members[o.Index(3, 3)])
	})

	t.Run("Ties keep every best cell", func(t *testing.T) {
		boxes := []common.BoundingBox{
			bb(0, 0, 0.5, 0.25),
			bb(0.75, 0.75, 1, 1),
		}
		g, err := Group(boxes, 2, Assign(boxes, o), MethodUniqueIntersect, nil)
		require.NoError(t, err)

		assert.Equal(t, 3, g.NumGroupBoxes)
		assert.Equal(t, 1, g.Members[o.Index(0, 0)])
		assert.Equal(t, 1, g.Members[o.Index(1, 0)])
	})

	t.Run("Cells holding every box score zero", func(t *testing.T) {
		boxes := []common.BoundingBox{bb(0.1, 0.1, 0.2, 0.2), {}}
		g, err := Group(boxes, 1, Assign(boxes, o), MethodUniqueIntersect, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, g.NumGroupBoxes)
	})

	t.Run("No boxes", func(t *testing.T) {
		boxes := []common.BoundingBox{{}, {}}
		g, err := Group(boxes, 0, Assign(boxes, o), MethodUniqueIntersect, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, g.NumGroupBoxes)
	})
}

func TestGroup_Classes(t *testing.T) {
	o := mustOffsets(t, 4, 4)
	boxes := []common.BoundingBox{
		bb(0.01, 0.01, 0.1, 0.1),
		bb(0.02, 0.02, 0.12, 0.12),
		bb(0.03, 0.03, 0.2, 0.2),
		bb(0.8, 0.8, 0.9, 0.9),
		bb(0.81, 0.81, 0.91, 0.91),
	}
	classes := [][]int32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 1, 0},
		{0, 0, 1},
		{1, 0, 0},
	}

	g, err := Group(boxes, 5, Assign(boxes, o), MethodIntersect, classes)
	require.NoError(t, err)

	assert.Equal(t, []int32{0, 2, 0}, g.Classes[o.Index(0, 0)])
	assert.Equal(t, []int32{1, 0, 0}, g.Classes[o.Index(3, 3)], "ties go to the first class")
	assert.Equal(t, []int32{0, 0, 0}, g.Classes[o.Index(2, 2)])

	_, err = Group(boxes, 5, Assign(boxes, o), MethodIntersect, classes[:2])
	assert.Error(t, err)
}

func TestGroup_UnknownMethod(t *testing.T) {
	o := mustOffsets(t, 2, 2)
	boxes := []common.BoundingBox{bb(0.1, 0.1, 0.2, 0.2)}
	_, err := Group(boxes, 1, Assign(boxes, o), Method("nearest"), nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestGroups_Flip(t *testing.T) {
	o := mustOffsets(t, 4, 4)
	boxes := []common.BoundingBox{
		bb(0.05, 0.05, 0.2, 0.2),
		bb(0.1, 0.02, 0.22, 0.15),
		{},
	}
	classes := [][]int32{{1, 0}, {1, 0}, {0, 0}}

	g, err := Group(boxes, 2, Assign(boxes, o), MethodIntersect, classes)
	require.NoError(t, err)

	flipped := g.Flip()
	idx := o.Index(3, 0)
	assert.Equal(t, float32(1), flipped.Flags[idx])
	assert.Equal(t, []int32{2, 0}, flipped.Classes[idx])
	assert.InDeltaSlice(t, []float32{0.78, 0.02, 0.95, 0.2}, flipped.Boxes[idx].Slice(), 1e-6)
	assert.Equal(t, float32(0), flipped.Flags[o.Index(0, 0)])

	back := flipped.Flip()
	assert.Equal(t, g.Flags, back.Flags)
	assert.Equal(t, g.Members, back.Members)
	assert.Equal(t, g.Classes, back.Classes)
	for c := range g.Boxes {
		assert.InDeltaSlice(t, g.Boxes[c].Slice(), back.Boxes[c].Slice(), 1e-6)
	}
}
