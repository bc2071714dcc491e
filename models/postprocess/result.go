// Package postprocess - Postprocessing of stage outputs into crop proposals.
package postprocess

import "github.com/nvr-ai/go-cascade/common"

// CropBox is a region proposed for the next stage.
type CropBox struct {
	// The region in normalized image coordinates.
	Box common.BoundingBox
	// The confidence score of the prediction that produced the region.
	Score float32
	// KeptOut marks a confident individual prediction that bypasses the
	// next stage and is final as is.
	KeptOut bool
}

// Candidates are the flattened predictions of one image.
type Candidates struct {
	Boxes  []common.BoundingBox
	Scores []float32
}

// Len returns the number of predictions.
func (c Candidates) Len() int {
	return len(c.Boxes)
}

// Clone returns a deep copy.
func (c Candidates) Clone() Candidates {
	return Candidates{
		Boxes:  append([]common.BoundingBox(nil), c.Boxes...),
		Scores: append([]float32(nil), c.Scores...),
	}
}

// zero suppresses prediction i.
func (c Candidates) zero(i int) {
	c.Boxes[i] = common.BoundingBox{}
	c.Scores[i] = 0
}
