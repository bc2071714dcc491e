// Command cascade-bench runs the ingestion pipeline and one cascade step over
// a dataset or synthetic records and reports per-stage timings.
//
// Without -model the first stage is replaced by an oracle that predicts the
// ground-truth groups of every cell.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-cascade/cascade"
	"github.com/nvr-ai/go-cascade/common"
	"github.com/nvr-ai/go-cascade/config"
	"github.com/nvr-ai/go-cascade/dataset"
	"github.com/nvr-ai/go-cascade/images"
	"github.com/nvr-ai/go-cascade/images/cvloader"
	"github.com/nvr-ai/go-cascade/inference"
	"github.com/nvr-ai/go-cascade/profiler"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to a YAML configuration file")
		imageDir   = flag.String("images", "", "Image folder; synthetic records are used when empty")
		useOpenCV  = flag.Bool("opencv", false, "Decode images with OpenCV")
		modelPath  = flag.String("model", "", "First stage ONNX model; an oracle is used when empty")
		modeName   = flag.String("mode", "train", "Cascade mode: train, val or test")
		synthetic  = flag.Int("synthetic", 256, "Number of synthetic records")
		seed       = flag.Int64("seed", 1, "Seed of the synthetic records")
		timeout    = flag.Duration("timeout", 10*time.Minute, "Run timeout")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			logrus.WithError(err).Fatal("Failed to load config")
		}
	}
	log, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create logger")
	}
	mode, err := cascade.ParseMode(*modeName)
	if err != nil {
		log.WithError(err).Fatal("Invalid mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, mode, *imageDir, *useOpenCV, *modelPath, *synthetic, *seed, log); err != nil {
		log.WithError(err).Fatal("Run failed")
	}
}

func run(ctx context.Context, cfg config.Config, mode cascade.Mode, imageDir string, useOpenCV bool,
	modelPath string, synthetic int, seed int64, log *logrus.Logger,
) error {
	var (
		loader images.Loader = images.ConstantLoader{Value: [images.Channels]float32{0.5, 0.5, 0.5}}
		source dataset.RecordSource
	)
	if imageDir != "" {
		format, err := images.ParseFormat(cfg.Dataset.ImageFormat)
		if err != nil {
			return err
		}
		if useOpenCV {
			loader, err = cvloader.New(imageDir, format)
		} else {
			loader, err = images.NewFileLoader(imageDir, format)
		}
		if err != nil {
			return err
		}
		source = dataset.DirectorySource{Folder: imageDir, Format: format}
	} else {
		source = dataset.SliceSource{Records: syntheticRecords(synthetic, cfg.Dataset.MaxNumBBs, cfg.Dataset.NumClasses, seed)}
	}

	pipeline, err := dataset.NewPipeline(cfg.Dataset, source, loader, log)
	if err != nil {
		return err
	}

	timer := profiler.NewStageTimer(0)
	builder, err := cascade.NewBuilder(cfg, loader, timer, log)
	if err != nil {
		return err
	}
	defer builder.Close()

	predict := func(_ context.Context, b dataset.Batch) (cascade.Predictions, error) {
		return oraclePredictions(b, pipeline.Parser()), nil
	}
	if modelPath != "" {
		stage, err := inference.NewStage(inference.StageConfig{
			ModelPath:    modelPath,
			BatchSize:    cfg.Dataset.BatchSize,
			ImageSize:    cfg.Dataset.ImageSize,
			Grid:         cfg.Dataset.Grid,
			BoxesPerCell: 1,
			InputName:    "image",
			Outputs: inference.OutputNames{
				Boxes:       "boxes",
				Scores:      "scores",
				GroupLogits: "group_logits",
				Offsets:     "offsets",
			},
		})
		if err != nil {
			return err
		}
		defer stage.Close()
		predict = stage.Run
	}

	consumed := make(chan int, 1)
	if a := builder.Assembler(); a != nil {
		go func() {
			n := 0
			for {
				b, err := a.Next(ctx)
				if err != nil {
					if !errors.Is(err, dataset.ErrEndOfStream) {
						log.WithError(err).Warn("next-stage consumer stopped")
					}
					break
				}
				n += b.Len()
			}
			consumed <- n
		}()
	} else {
		consumed <- 0
	}

	started := time.Now()
	handle := pipeline.Start(ctx)
	defer handle.Close()

	var batches, crops, shortcuts int
	for {
		batch, err := handle.Next(ctx)
		if errors.Is(err, dataset.ErrEndOfStream) {
			break
		}
		if err != nil {
			return err
		}
		preds, err := predict(ctx, batch)
		if err != nil {
			return err
		}
		res, err := builder.Step(ctx, mode, batch, preds)
		if err != nil {
			return err
		}
		batches++
		crops += len(res.Inputs)
		for _, s := range res.Shortcuts {
			shortcuts += len(s)
		}
	}
	builder.Close()

	timer.Report(log)
	log.WithFields(logrus.Fields{
		"run_id":    handle.RunID,
		"batches":   batches,
		"crops":     crops,
		"shortcuts": shortcuts,
		"consumed":  <-consumed,
		"elapsed":   time.Since(started).Truncate(time.Millisecond),
	}).Info("cascade benchmark finished")
	return nil
}

// syntheticRecords draws up to maxBoxes small boxes per record.
func syntheticRecords(n, maxBoxes, numClasses int, seed int64) []dataset.RawRecord {
	rng := rand.New(rand.NewSource(seed))
	out := make([]dataset.RawRecord, n)
	for i := range out {
		boxes := make([]common.BoundingBox, 1+rng.Intn(maxBoxes))
		var classes []int
		for b := range boxes {
			if numClasses > 0 {
				classes = append(classes, rng.Intn(numClasses))
			}
			w, h := 0.02+0.08*rng.Float32(), 0.02+0.08*rng.Float32()
			x, y := rng.Float32()*(1-w), rng.Float32()*(1-h)
			boxes[b] = common.BoundingBox{X1: x, Y1: y, X2: x + w, Y2: y + h}
		}
		out[i] = dataset.RawRecord{ImageID: i, BoundingBoxes: boxes, Classes: classes}
	}
	return out
}

// oraclePredictions predicts one box per cell: the ground-truth group box
// with full confidence where the cell has members.
func oraclePredictions(b dataset.Batch, parser *dataset.Parser) cascade.Predictions {
	o := parser.Offsets()
	preds := cascade.NewPredictions(b.Len(), o, 1, true, false)
	for n, r := range b.Records {
		if r.Groups == nil {
			continue
		}
		for c := 0; c < o.NumCells(); c++ {
			i, j := o.Coords(c)
			if r.Groups.Members[c] == 0 {
				continue
			}
			preds.Set(n, i, j, 0, r.Groups.Boxes[c], 1)
			logit := float32(-5)
			if r.Groups.Flags[c] > 0 {
				logit = 5
			}
			preds.SetGroupLogit(n, i, j, 0, logit)
		}
	}
	return preds
}
