package cascade

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-cascade/common"
	"github.com/nvr-ai/go-cascade/grid"
	"github.com/nvr-ai/go-cascade/models/postprocess"
)

// Predictions are the per-cell outputs of a stage for a batch of images.
// Every tensor has the leading shape (batch, Gx, Gy, B) where B is the
// number of boxes predicted per cell.
type Predictions struct {
	// Boxes has shape (batch, Gx, Gy, B, 4).
	Boxes *tensor.Dense
	// Scores has shape (batch, Gx, Gy, B, 1).
	Scores *tensor.Dense
	// GroupLogits has shape (batch, Gx, Gy, B, 1). Optional.
	GroupLogits *tensor.Dense
	// Offsets holds the learned (w, h) rescaling factors, shape
	// (batch, Gx, Gy, B, 2). Optional.
	Offsets *tensor.Dense
}

// NewPredictions allocates zeroed predictions.
func NewPredictions(batch int, o grid.Offsets, perCell int, withGroups, withOffsets bool) Predictions {
	alloc := func(last int) *tensor.Dense {
		return tensor.New(
			tensor.WithShape(batch, o.Gx, o.Gy, perCell, last),
			tensor.WithBacking(make([]float32, batch*o.NumCells()*perCell*last)),
		)
	}
	p := Predictions{Boxes: alloc(4), Scores: alloc(1)}
	if withGroups {
		p.GroupLogits = alloc(1)
	}
	if withOffsets {
		p.Offsets = alloc(2)
	}
	return p
}

// BatchSize returns the number of images.
func (p Predictions) BatchSize() int {
	return p.Boxes.Shape()[0]
}

// PerImage returns the number of predictions of one image, Gx*Gy*B.
func (p Predictions) PerImage() int {
	s := p.Boxes.Shape()
	return s[1] * s[2] * s[3]
}

// Validate checks that every tensor agrees on the leading shape.
func (p Predictions) Validate() error {
	if p.Boxes == nil || p.Scores == nil {
		return errors.New("predictions need boxes and scores")
	}
	lead := p.Boxes.Shape()
	if len(lead) != 5 || lead[4] != 4 {
		return errors.Errorf("boxes must have shape (batch, gx, gy, b, 4), got %v", lead)
	}
	check := func(name string, t *tensor.Dense, last int) error {
		if t == nil {
			return nil
		}
		s := t.Shape()
		if len(s) != 5 || s[0] != lead[0] || s[1] != lead[1] || s[2] != lead[2] || s[3] != lead[3] || s[4] != last {
			return errors.Errorf("%s must have shape (%d, %d, %d, %d, %d), got %v",
				name, lead[0], lead[1], lead[2], lead[3], last, s)
		}
		return nil
	}
	if err := check("scores", p.Scores, 1); err != nil {
		return err
	}
	if err := check("group logits", p.GroupLogits, 1); err != nil {
		return err
	}
	return check("offsets", p.Offsets, 2)
}

// index returns the flat prediction index of (i, j, k) inside one image.
func (p Predictions) index(i, j, k int) int {
	s := p.Boxes.Shape()
	return (i*s[2]+j)*s[3] + k
}

// Set writes prediction k of cell (i, j) of image b.
func (p Predictions) Set(b, i, j, k int, box common.BoundingBox, score float32) {
	n := b*p.PerImage() + p.index(i, j, k)
	coords := box.Array()
	copy(p.Boxes.Float32s()[n*4:n*4+4], coords[:])
	p.Scores.Float32s()[n] = score
}

// SetGroupLogit writes the group logit of prediction k of cell (i, j).
func (p Predictions) SetGroupLogit(b, i, j, k int, logit float32) {
	p.GroupLogits.Float32s()[b*p.PerImage()+p.index(i, j, k)] = logit
}

// SetOffset writes the rescaling factors of prediction k of cell (i, j).
func (p Predictions) SetOffset(b, i, j, k int, offset [2]float32) {
	n := b*p.PerImage() + p.index(i, j, k)
	copy(p.Offsets.Float32s()[n*2:n*2+2], offset[:])
}

// ImagePredictions are the flattened predictions of one image.
type ImagePredictions struct {
	Candidates postprocess.Candidates
	// GroupLogits is nil when the stage has no group head.
	GroupLogits []float32
	// Offsets is nil when the stage has no offsets head.
	Offsets [][2]float32
}

// Flatten copies the per-cell predictions into one list per image, cell
// x-major then box order.
func (p Predictions) Flatten() ([]ImagePredictions, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := p.PerImage()
	boxes := p.Boxes.Float32s()
	scores := p.Scores.Float32s()

	out := make([]ImagePredictions, p.BatchSize())
	for b := range out {
		c := postprocess.Candidates{
			Boxes:  make([]common.BoundingBox, n),
			Scores: make([]float32, n),
		}
		for i := 0; i < n; i++ {
			off := (b*n + i) * 4
			c.Boxes[i] = common.NewBoundingBox([4]float32(boxes[off : off+4]))
		}
		copy(c.Scores, scores[b*n:(b+1)*n])
		out[b].Candidates = c

		if p.GroupLogits != nil {
			out[b].GroupLogits = append([]float32(nil), p.GroupLogits.Float32s()[b*n:(b+1)*n]...)
		}
		if p.Offsets != nil {
			raw := p.Offsets.Float32s()
			out[b].Offsets = make([][2]float32, n)
			for i := range out[b].Offsets {
				off := (b*n + i) * 2
				out[b].Offsets[i] = [2]float32(raw[off : off+2])
			}
		}
	}
	return out, nil
}
