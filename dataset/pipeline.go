package dataset

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-cascade/config"
	"github.com/nvr-ai/go-cascade/images"
)

// Pipeline reads records from a source, parses them concurrently and groups
// them into batches.
//
// The stages are connected by channels:
//
//	source -> reader -> shuffle buffer -> parser workers -> batcher -> prefetch
//
// Each call to Start runs the whole stream once.
type Pipeline struct {
	cfg       config.DatasetConfig
	source    RecordSource
	parser    *Parser
	augmenter *Augmenter
	log       logrus.FieldLogger
}

// NewPipeline validates cfg and wires the stages.
//
// Arguments:
//   - cfg: The dataset section of the configuration.
//   - source: Yields the annotations. It is iterated once per epoch.
//   - loader: Loads the images.
//   - log: Receives progress and skipped records. Nil discards.
//
// Returns:
//   - The pipeline, or a *config.ConfigError.
func NewPipeline(cfg config.DatasetConfig, source RecordSource, loader images.Loader, log logrus.FieldLogger) (*Pipeline, error) {
	if source == nil {
		return nil, &config.ConfigError{Field: "source", Reason: "must not be nil"}
	}
	parser, err := NewParser(cfg, loader)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		source:    source,
		parser:    parser,
		augmenter: NewAugmenter(cfg.DataAugmentationThreshold, cfg.Seed),
		log:       config.OrDiscard(log),
	}, nil
}

// Parser returns the record parser of the pipeline.
func (p *Pipeline) Parser() *Parser {
	return p.parser
}

// Handle is a running stream of batches.
type Handle struct {
	out    <-chan Batch
	done   chan struct{}
	cancel context.CancelFunc
	err    error
	RunID  string
}

// Start launches the stages. The stream stops when the source is exhausted,
// a stage fails, ctx is cancelled or Close is called.
func (p *Pipeline) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	runID := uuid.New().String()
	log := p.log.WithField("run_id", runID)

	raw := make(chan RawRecord)
	shuffled := make(chan RawRecord)
	parsed := make(chan Record)
	out := make(chan Batch, p.cfg.PrefetchCapacity)

	g.Go(func() error { return p.read(gctx, raw) })
	g.Go(func() error { return p.shuffle(gctx, raw, shuffled) })
	g.Go(func() error { return p.parseAll(gctx, shuffled, parsed, log) })
	g.Go(func() error { return p.batch(gctx, parsed, out) })

	h := &Handle{out: out, done: make(chan struct{}), cancel: cancel, RunID: runID}
	started := time.Now()
	go func() {
		h.err = g.Wait()
		cancel()
		if h.err != nil && !errors.Is(h.err, context.Canceled) {
			log.WithError(h.err).Error("ingestion failed")
		} else {
			log.WithField("elapsed", time.Since(started)).Debug("ingestion finished")
		}
		close(h.done)
	}()
	log.WithFields(logrus.Fields{
		"batch_size": p.cfg.BatchSize,
		"epochs":     p.cfg.NumEpochs,
		"parsers":    p.cfg.NumParserThreads,
	}).Info("ingestion started")
	return h
}

// Next blocks until a batch is ready. It returns ErrEndOfStream once the
// stream is exhausted, or the error that stopped it.
func (h *Handle) Next(ctx context.Context) (Batch, error) {
	select {
	case b, ok := <-h.out:
		if ok {
			return b, nil
		}
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
	<-h.done
	if h.err != nil {
		return Batch{}, h.err
	}
	return Batch{}, ErrEndOfStream
}

// Close stops the stages and waits for them to exit.
func (h *Handle) Close() {
	h.cancel()
	for range h.out {
	}
	<-h.done
}

// read emits the source once per epoch, keeping the configured subset and
// shard.
func (p *Pipeline) read(ctx context.Context, out chan<- RawRecord) error {
	defer close(out)
	for epoch := 0; epoch < p.cfg.NumEpochs; epoch++ {
		it, err := p.source.Iterate(ctx)
		if err != nil {
			return errors.Wrapf(err, "iterate source, epoch %d", epoch)
		}
		for idx := 0; p.cfg.Subset == 0 || idx < p.cfg.Subset; idx++ {
			r, err := it.Next(ctx)
			if errors.Is(err, ErrEndOfStream) {
				break
			}
			if err != nil {
				return errors.Wrapf(err, "read record %d, epoch %d", idx, epoch)
			}
			if idx%p.cfg.NumShards != p.cfg.ShardIndex {
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// shuffle emits a random element of a fixed-size buffer each time a new one
// arrives. A buffer of one keeps the input order.
func (p *Pipeline) shuffle(ctx context.Context, in <-chan RawRecord, out chan<- RawRecord) error {
	defer close(out)
	seed := p.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	send := func(r RawRecord) error {
		select {
		case out <- r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	buf := make([]RawRecord, 0, p.cfg.ShuffleBuffer)
	for r := range in {
		buf = append(buf, r)
		if len(buf) < p.cfg.ShuffleBuffer {
			continue
		}
		i := rng.Intn(len(buf))
		next := buf[i]
		buf[i] = buf[len(buf)-1]
		buf = buf[:len(buf)-1]
		if err := send(next); err != nil {
			return err
		}
	}
	rng.Shuffle(len(buf), func(i, j int) { buf[i], buf[j] = buf[j], buf[i] })
	for _, r := range buf {
		if err := send(r); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// parseAll runs NumParserThreads workers over in. Records whose image fails
// to load are logged and dropped when SkipOnError is set.
func (p *Pipeline) parseAll(ctx context.Context, in <-chan RawRecord, out chan<- Record, log logrus.FieldLogger) error {
	defer close(out)
	g, gctx := errgroup.WithContext(ctx)
	var skipped atomic.Int64
	for w := 0; w < p.cfg.NumParserThreads; w++ {
		g.Go(func() error {
			for {
				var raw RawRecord
				select {
				case r, ok := <-in:
					if !ok {
						return nil
					}
					raw = r
				case <-gctx.Done():
					return gctx.Err()
				}

				r, err := p.parser.Parse(gctx, raw)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					if !p.cfg.SkipOnError {
						return errors.Wrapf(err, "parse image %d", raw.ImageID)
					}
					skipped.Add(1)
					log.WithError(err).WithField("image_id", raw.ImageID).Warn("skipping record")
					continue
				}
				select {
				case out <- r:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	err := g.Wait()
	if n := skipped.Load(); n > 0 {
		log.WithField("skipped", n).Info("records skipped")
	}
	return err
}

// batch groups records, augments them and applies the ragged policy to the
// final short batch.
func (p *Pipeline) batch(ctx context.Context, in <-chan Record, out chan<- Batch) error {
	defer close(out)
	size := p.cfg.BatchSize
	emit := func(records []Record) error {
		select {
		case out <- Batch{Records: records, Size: size}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	records := make([]Record, 0, size)
	for r := range in {
		records = append(records, p.augmenter.Apply(r))
		if len(records) == size {
			if err := emit(records); err != nil {
				return err
			}
			records = make([]Record, 0, size)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	switch p.cfg.RaggedPolicy {
	case config.RaggedDrop:
		return nil
	case config.RaggedPad:
		for len(records) < size {
			records = append(records, p.parser.Padding())
		}
	}
	return emit(records)
}
