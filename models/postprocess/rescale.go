package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-cascade/common"
)

// RescaleWithOffsets turns a predicted box into a square crop around its
// center. The side is max(w/(ow+ε), h/(oh+ε)) capped at 1, where (ow, oh) are
// the learned multiplicative offsets; the result is clipped to [0, 1].
func RescaleWithOffsets(box common.BoundingBox, offset [2]float32, epsilon float32) common.BoundingBox {
	cx, cy := box.Center()
	side := math32.Max(box.Width()/(offset[0]+epsilon), box.Height()/(offset[1]+epsilon))
	side = math32.Min(1, side)
	return common.BoundingBox{
		X1: cx - side/2,
		Y1: cy - side/2,
		X2: cx + side/2,
		Y2: cy + side/2,
	}.Clip()
}

// Rescale applies RescaleWithOffsets to every box of c in place.
func Rescale(c Candidates, offsets [][2]float32, epsilon float32) error {
	if len(offsets) != c.Len() {
		return errors.Errorf("got %d offsets for %d predictions", len(offsets), c.Len())
	}
	for i := range c.Boxes {
		c.Boxes[i] = RescaleWithOffsets(c.Boxes[i], offsets[i], epsilon)
	}
	return nil
}
