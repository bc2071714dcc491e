package cascade

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-cascade/common"
	"github.com/nvr-ai/go-cascade/config"
	"github.com/nvr-ai/go-cascade/dataset"
	"github.com/nvr-ai/go-cascade/grid"
	"github.com/nvr-ai/go-cascade/images"
	"github.com/nvr-ai/go-cascade/profiler"
)

// Builder runs one cascade step: it selects crops from the predictions of a
// stage and builds the inputs of the next stage from them.
type Builder struct {
	cfg       config.Config
	loader    images.Loader
	assembler *Assembler
	timer     *profiler.StageTimer
	log       logrus.FieldLogger
}

// NewBuilder validates cfg and returns a builder.
//
// Arguments:
//   - cfg: The full configuration. The dataset batch size is the static batch
//     size of the stage producing the predictions.
//   - loader: Reloads source images at cascade.full_image_size. Nil crops the
//     stage input images.
//   - timer: Receives per-stage durations. May be nil.
//   - log: Nil discards.
//
// Returns:
//   - The builder, or a *config.ConfigError. When cascade.use_queue is set
//     the builder owns a running Assembler.
func NewBuilder(cfg config.Config, loader images.Loader, timer *profiler.StageTimer, log logrus.FieldLogger) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Builder{
		cfg:    cfg,
		loader: loader,
		timer:  timer,
		log:    config.OrDiscard(log).WithField("builder_id", uuid.New().String()),
	}
	if cfg.Cascade.UseQueue {
		a, err := NewAssembler(cfg.Cascade.Queue, b.Padding, b.log)
		if err != nil {
			return nil, err
		}
		b.assembler = a
	}
	b.log.WithFields(logrus.Fields{
		"image_size":  cfg.Cascade.ImageSize,
		"grid":        cfg.Cascade.Grid,
		"use_queue":   cfg.Cascade.UseQueue,
		"reload_size": cfg.Cascade.FullImageSize,
	}).Info("cascade builder ready")
	return b, nil
}

// Assembler returns the batch assembler, nil unless cascade.use_queue is set.
func (b *Builder) Assembler() *Assembler {
	return b.assembler
}

// Close stops the assembler. Batches already admitted stay readable.
func (b *Builder) Close() {
	if b.assembler != nil {
		b.assembler.Close()
	}
}

// Padding returns a detection set that only fills a batch: image id -1, a
// black patch and no boxes.
func (b *Builder) Padding() DetectionSet {
	boxes := make([]common.BoundingBox, b.cfg.Dataset.MaxNumBBs)
	r := dataset.Record{
		ImageID:       dataset.PaddingImageID,
		Image:         images.NewImage(b.cfg.Cascade.ImageSize, b.cfg.Cascade.ImageSize),
		BoundingBoxes: boxes,
		ObjMask:       grid.Assign(boxes, b.cfg.Cascade.Grid),
	}
	if b.cfg.Dataset.WithClasses {
		r.ClassLabels, _ = dataset.OneHot(nil, b.cfg.Dataset.NumClasses, len(boxes))
	}
	return DetectionSet{Record: r}
}

// StepResult is the outcome of one cascade step.
type StepResult struct {
	*Extraction
	// Inputs holds one detection set per crop, image-major.
	Inputs []DetectionSet
}

// Step extracts crops from preds, builds the next-stage inputs for batch
// and, when the builder owns an assembler, enqueues them.
func (b *Builder) Step(ctx context.Context, mode Mode, batch dataset.Batch, preds Predictions) (*StepResult, error) {
	ext, err := b.ExtractCrops(ctx, mode, preds, batch.Len())
	if err != nil {
		return nil, err
	}
	inputs, err := b.NextStageInputs(ctx, batch, ext.Crops)
	if err != nil {
		return nil, err
	}

	if b.assembler != nil {
		stop := b.timer.Start(profiler.StageEnqueue)
		for _, ds := range inputs {
			if err := b.assembler.Enqueue(ctx, ds); err != nil {
				stop()
				return nil, err
			}
		}
		stop()
	}

	b.log.WithFields(logrus.Fields{
		"mode":      mode,
		"images":    batch.Len(),
		"inputs":    len(inputs),
		"shortcuts": countShortcuts(ext.Shortcuts),
	}).Debug("cascade step")
	return &StepResult{Extraction: ext, Inputs: inputs}, nil
}

func countShortcuts(s [][]CropBox) int {
	n := 0
	for _, row := range s {
		n += len(row)
	}
	return n
}
