package cascade

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-cascade/models/postprocess"
	"github.com/nvr-ai/go-cascade/profiler"
)

// CropBox is a region selected for the next stage.
type CropBox = postprocess.CropBox

// Extraction holds the crops selected for every image of a batch.
type Extraction struct {
	// Crops has one row per image. Rows hold num_crops entries, zero
	// padded; with num_crops = 0 they hold every filtered prediction.
	Crops [][]CropBox
	// Shortcuts are the confident individual predictions that skip the next
	// stage, per image. They are final detections.
	Shortcuts [][]CropBox
	// KeptOut flags the shortcut predictions in flattened prediction order.
	KeptOut [][]bool
}

// ExtractCrops filters, rescales and selects crop boxes from preds.
//
// In val and test mode with a strong confidence threshold below 1,
// confident individual predictions are taken out first and returned as
// shortcuts. Predictions not above the confidence threshold are then
// zeroed, the rest rescaled with the learned offsets when present, and
// num_crops boxes are selected per image by NMS, or by score when the NMS
// threshold is 1 or more.
//
// Only the first n prediction rows are used: a stage with a static batch
// size predicts a full batch even when the last record batch is short. A
// negative n uses every row.
func (b *Builder) ExtractCrops(ctx context.Context, mode Mode, preds Predictions, n int) (*Extraction, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	params := mode.params(b.cfg.Cascade)
	eps := b.cfg.Epsilon

	flat, err := preds.Flatten()
	if err != nil {
		return nil, errors.Wrap(err, "flatten predictions")
	}
	if n > len(flat) {
		return nil, errors.Errorf("got %d prediction rows for %d images", len(flat), n)
	}
	if n >= 0 {
		flat = flat[:n]
	}

	ext := &Extraction{
		Shortcuts: make([][]CropBox, len(flat)),
		KeptOut:   make([][]bool, len(flat)),
	}
	candidates := make([]postprocess.Candidates, len(flat))

	stop := b.timer.Start(profiler.StageFilter)
	for i, p := range flat {
		c := p.Candidates
		if params.shortcut {
			original := c.Clone()
			keptOut, err := postprocess.FilterIndividuals(c, p.GroupLogits, params.strong)
			if err != nil {
				stop()
				return nil, errors.Wrapf(err, "image %d", i)
			}
			for n, out := range keptOut {
				if out {
					ext.Shortcuts[i] = append(ext.Shortcuts[i], CropBox{
						Box:     original.Boxes[n],
						Score:   original.Scores[n],
						KeptOut: true,
					})
				}
			}
			ext.KeptOut[i] = keptOut
		} else {
			ext.KeptOut[i] = make([]bool, c.Len())
		}
		if params.confidence > 0 {
			postprocess.FilterThreshold(c, params.confidence)
		}
		candidates[i] = c
	}
	stop()

	if preds.Offsets != nil {
		stop = b.timer.Start(profiler.StageRescale)
		for i, p := range flat {
			if err := postprocess.Rescale(candidates[i], p.Offsets, eps); err != nil {
				stop()
				return nil, errors.Wrapf(err, "image %d", i)
			}
		}
		stop()
	}

	if params.numCrops == 0 {
		ext.Crops = make([][]CropBox, len(candidates))
		for i, c := range candidates {
			ext.Crops[i] = make([]CropBox, c.Len())
			for n := range c.Boxes {
				ext.Crops[i][n] = CropBox{Box: c.Boxes[n], Score: c.Scores[n]}
			}
		}
		return ext, nil
	}

	stop = b.timer.Start(profiler.StageNMS)
	crops, err := postprocess.BatchNMS(ctx, candidates, postprocess.NMSConfig{
		IoUThreshold: params.nms,
		NumOutputs:   params.numCrops,
		BatchSize:    b.cfg.Dataset.BatchSize,
		NumWorkers:   b.cfg.Cascade.NumWorkers,
		Epsilon:      eps,
	})
	stop()
	if err != nil {
		return nil, errors.Wrap(err, "select crops")
	}
	ext.Crops = crops[:len(candidates)]
	return ext, nil
}
