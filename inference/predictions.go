package inference

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-cascade/cascade"
	"github.com/nvr-ai/go-cascade/dataset"
	"github.com/nvr-ai/go-cascade/images"
)

// Float32Output is a float32 network output. *ort.Tensor[float32] satisfies
// it.
type Float32Output interface {
	GetShape() ort.Shape
	GetData() []float32
}

// StageOutputs are the raw outputs of a stage network, each shaped
// (batch, Gx, Gy, B, last).
type StageOutputs struct {
	Boxes       Float32Output
	Scores      Float32Output
	GroupLogits Float32Output
	Offsets     Float32Output
}

// toDense copies one output into a tensor of the same shape.
func toDense(name string, o Float32Output) (*tensor.Dense, error) {
	shape := o.GetShape()
	dims := make([]int, len(shape))
	size := 1
	for i, d := range shape {
		dims[i] = int(d)
		size *= int(d)
	}
	data := o.GetData()
	if len(data) != size {
		return nil, errors.Errorf("%s holds %d values for shape %v", name, len(data), shape)
	}
	backing := make([]float32, size)
	copy(backing, data)
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing)), nil
}

// ToPredictions copies the network outputs into cascade predictions. Nil
// optional outputs stay nil.
func ToPredictions(out StageOutputs) (cascade.Predictions, error) {
	var p cascade.Predictions
	if out.Boxes == nil || out.Scores == nil {
		return p, errors.New("stage outputs need boxes and scores")
	}

	var err error
	if p.Boxes, err = toDense("boxes", out.Boxes); err != nil {
		return p, err
	}
	if p.Scores, err = toDense("scores", out.Scores); err != nil {
		return p, err
	}
	if out.GroupLogits != nil {
		if p.GroupLogits, err = toDense("group logits", out.GroupLogits); err != nil {
			return p, err
		}
	}
	if out.Offsets != nil {
		if p.Offsets, err = toDense("offsets", out.Offsets); err != nil {
			return p, err
		}
	}
	return p, p.Validate()
}

// FillInput writes the images of batch into a (batchSize, 3, size, size)
// planar input. Rows past the batch are zeroed.
func FillInput(dst []float32, batch dataset.Batch, batchSize, size int) error {
	plane := size * size
	per := images.Channels * plane
	if len(dst) < batchSize*per {
		return errors.Errorf("input holds %d floats, needs %d", len(dst), batchSize*per)
	}
	if batch.Len() > batchSize {
		return errors.Errorf("batch of %d images exceeds the input batch size %d", batch.Len(), batchSize)
	}
	clear(dst[:batchSize*per])

	for b, r := range batch.Records {
		img := r.Image
		if img.Empty() {
			continue
		}
		if img.Height() != size || img.Width() != size {
			return errors.Errorf("image %d is %dx%d, input expects %dx%d", r.ImageID, img.Width(), img.Height(), size, size)
		}
		pix := img.Pix()
		base := b * per
		for i := 0; i < plane; i++ {
			for c := 0; c < images.Channels; c++ {
				dst[base+c*plane+i] = pix[i*images.Channels+c]
			}
		}
	}
	return nil
}
