package cascade

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-cascade/common"
	"github.com/nvr-ai/go-cascade/dataset"
	"github.com/nvr-ai/go-cascade/grid"
	"github.com/nvr-ai/go-cascade/images"
	"github.com/nvr-ai/go-cascade/profiler"
)

// DetectionSet is a next-stage input built from one crop: the patch, the
// boxes remapped into the crop frame, their occupancy mask on the next-stage
// grid and the labels of the source image.
type DetectionSet struct {
	dataset.Record
	// Crop is the region of the source image the record was cut from.
	Crop CropBox
}

// NextStageInputs crops every image of batch with its row of crops.
//
// Arguments:
//   - ctx: Cancels image reloads.
//   - batch: The stage inputs the crops were predicted on.
//   - crops: One row of crops per record of batch.
//
// Returns:
//   - One detection set per crop, image-major.
//   - An error if the rows do not match the batch or an image reload fails.
func (b *Builder) NextStageInputs(ctx context.Context, batch dataset.Batch, crops [][]CropBox) ([]DetectionSet, error) {
	if len(crops) != batch.Len() {
		return nil, errors.Errorf("got %d rows of crops for %d images", len(crops), batch.Len())
	}
	defer b.timer.Start(profiler.StageCrop)()

	starts := make([]int, len(crops)+1)
	for i, row := range crops {
		starts[i+1] = starts[i] + len(row)
	}
	out := make([]DetectionSet, starts[len(crops)])

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Cascade.NumWorkers)
	for i, r := range batch.Records {
		i, r := i, r
		g.Go(func() error {
			src, err := b.sourceImage(gctx, r)
			if err != nil {
				return err
			}
			for k, crop := range crops[i] {
				out[starts[i]+k] = b.cropRecord(r, src, crop)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// sourceImage returns the image crops are cut from: the stage input, or the
// full resolution reload flipped like the record.
func (b *Builder) sourceImage(ctx context.Context, r dataset.Record) (images.Image, error) {
	size := b.cfg.Cascade.FullImageSize
	if size == 0 || b.loader == nil {
		return r.Image, nil
	}
	if r.IsPadding() {
		return images.NewImage(size, size), nil
	}
	img, err := b.loader.Load(ctx, r.ImageID, size)
	if err != nil {
		return images.Image{}, errors.Wrapf(err, "reload image %d", r.ImageID)
	}
	if r.IsFlipped > 0 {
		img = img.FlipLeftRight()
	}
	return img, nil
}

// cropRecord builds the detection set of one crop. A box follows the crop
// when more than intersection_ratio_threshold of its area lies inside it;
// other boxes become padding.
func (b *Builder) cropRecord(r dataset.Record, src images.Image, crop CropBox) DetectionSet {
	eps := b.cfg.Epsilon
	boxes := make([]common.BoundingBox, len(r.BoundingBoxes))
	for n, box := range r.BoundingBoxes {
		if box.IntersectionRatio(crop.Box, eps) > b.cfg.Cascade.IntersectionRatioThreshold {
			boxes[n] = box.RelativeTo(crop.Box, eps)
		}
	}

	var classes [][]int32
	if r.ClassLabels != nil {
		classes = make([][]int32, len(r.ClassLabels))
		for n, row := range r.ClassLabels {
			classes[n] = append([]int32(nil), row...)
		}
	}

	var patch images.Image
	if !src.Empty() {
		patch = images.CropAndResize(src, crop.Box, b.cfg.Cascade.ImageSize)
	}

	return DetectionSet{
		Record: dataset.Record{
			ImageID:       r.ImageID,
			Image:         patch,
			NumBoxes:      common.CountValid(boxes),
			BoundingBoxes: boxes,
			IsFlipped:     r.IsFlipped,
			ClassLabels:   classes,
			ObjMask:       grid.Assign(boxes, b.cfg.Cascade.Grid),
		},
		Crop: crop,
	}
}
