package cascade

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-cascade/config"
	"github.com/nvr-ai/go-cascade/dataset"
)

// ErrAssemblerClosed is returned by Enqueue after Close.
var ErrAssemblerClosed = errors.New("assembler closed")

// DetectionBatch is a batch of next-stage inputs.
type DetectionBatch struct {
	Sets []DetectionSet
	// Size is the configured batch size. The final batch may hold fewer
	// sets under the flush policy.
	Size int
}

// Len returns the number of sets.
func (b DetectionBatch) Len() int {
	return len(b.Sets)
}

// Ragged reports whether the batch is short.
func (b DetectionBatch) Ragged() bool {
	return len(b.Sets) < b.Size
}

// Assembler is a bounded queue between a cascade stage and the training of
// the next one. Producers hand detection sets to admission workers through
// an unbuffered intake; workers drop sets whose crop is degenerate and push
// the rest into a queue of fixed capacity, blocking while it is full. The
// consumer reads fixed-size batches with Next.
//
// Close stops admission: Enqueue then fails with ErrAssemblerClosed, sets
// already handed to a worker are still queued, and Next drains the queue
// before applying the ragged policy and returning dataset.ErrEndOfStream.
type Assembler struct {
	cfg     config.QueueConfig
	padding func() DetectionSet
	log     logrus.FieldLogger

	intake  chan DetectionSet
	queue   chan DetectionSet
	closing chan struct{}
	once    sync.Once
	workers sync.WaitGroup

	// mu guards the consumer side.
	mu     sync.Mutex
	buffer []DetectionSet
	rng    *rand.Rand
	done   bool

	admitted atomic.Int64
	rejected atomic.Int64
	buffered atomic.Int64
}

// NewAssembler validates cfg and starts cfg.NumThreads admission workers.
//
// Arguments:
// - cfg: The queue configuration.
// - padding: Builds the sets filling a short final batch under the pad
//   policy. Nil pads with empty sets of image id -1.
// - log: Nil discards.
func NewAssembler(cfg config.QueueConfig, padding func() DetectionSet, log logrus.FieldLogger) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if padding == nil {
		padding = func() DetectionSet {
			return DetectionSet{Record: dataset.Record{ImageID: dataset.PaddingImageID}}
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	a := &Assembler{
		cfg:     cfg,
		padding: padding,
		log:     config.OrDiscard(log),
		intake:  make(chan DetectionSet),
		queue:   make(chan DetectionSet, cfg.Capacity),
		closing: make(chan struct{}),
		rng:     rand.New(rand.NewSource(seed)),
	}
	for w := 0; w < cfg.NumThreads; w++ {
		a.workers.Add(1)
		go a.admit()
	}
	return a, nil
}

// Admissible reports whether a set may enter the queue: its crop must have
// positive width and height.
func Admissible(ds DetectionSet) bool {
	return ds.Crop.Box.Valid()
}

func (a *Assembler) admit() {
	defer a.workers.Done()
	for {
		select {
		case ds := <-a.intake:
			if !Admissible(ds) {
				a.rejected.Add(1)
				continue
			}
			a.queue <- ds
			a.admitted.Add(1)
		case <-a.closing:
			return
		}
	}
}

// Enqueue hands ds to an admission worker. It blocks while every worker is
// waiting on a full queue.
func (a *Assembler) Enqueue(ctx context.Context, ds DetectionSet) error {
	select {
	case <-a.closing:
		return ErrAssemblerClosed
	default:
	}
	select {
	case a.intake <- ds:
		return nil
	case <-a.closing:
		return ErrAssemblerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops admission. It does not wait for the consumer; the queue is
// closed once every worker has queued its in-flight set.
func (a *Assembler) Close() {
	a.once.Do(func() {
		close(a.closing)
		go func() {
			a.workers.Wait()
			close(a.queue)
			a.log.WithFields(logrus.Fields{
				"admitted": a.admitted.Load(),
				"rejected": a.rejected.Load(),
			}).Debug("assembler closed")
		}()
	})
}

// Len returns the number of admitted sets not yet returned by Next.
func (a *Assembler) Len() int {
	return len(a.queue) + int(a.buffered.Load())
}

// Stats returns how many sets were admitted and rejected so far.
func (a *Assembler) Stats() (admitted, rejected int64) {
	return a.admitted.Load(), a.rejected.Load()
}

// Next blocks until BatchSize sets are available and returns them, picked at
// random from a buffer of at most ShuffleBuffer sets. The buffer holds what
// is already queued; Next never waits for it to fill. When ctx is done the sets
// gathered so far stay buffered for the next call.
func (a *Assembler) Next(ctx context.Context) (DetectionBatch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() { a.buffered.Store(int64(len(a.buffer))) }()

	size := a.cfg.BatchSize
	if a.done {
		return DetectionBatch{}, dataset.ErrEndOfStream
	}

	sets := make([]DetectionSet, 0, size)
	for len(sets) < size {
		drained, err := a.fill(ctx)
		if err != nil {
			a.buffer = append(a.buffer, sets...)
			return DetectionBatch{}, err
		}
		if len(a.buffer) == 0 && drained {
			break
		}
		i := a.rng.Intn(len(a.buffer))
		sets = append(sets, a.buffer[i])
		a.buffer[i] = a.buffer[len(a.buffer)-1]
		a.buffer = a.buffer[:len(a.buffer)-1]
	}
	if len(sets) == size {
		return DetectionBatch{Sets: sets, Size: size}, nil
	}

	a.done = true
	if len(sets) == 0 {
		return DetectionBatch{}, dataset.ErrEndOfStream
	}
	switch a.cfg.RaggedPolicy {
	case config.RaggedDrop:
		a.log.WithField("dropped", len(sets)).Debug("dropping short final batch")
		return DetectionBatch{}, dataset.ErrEndOfStream
	case config.RaggedPad:
		for len(sets) < size {
			sets = append(sets, a.padding())
		}
	}
	return DetectionBatch{Sets: sets, Size: size}, nil
}

// fill moves the sets already queued into the shuffle buffer, up to
// ShuffleBuffer sets, and blocks only while the buffer is empty. It reports
// whether the queue is closed and drained.
func (a *Assembler) fill(ctx context.Context) (bool, error) {
	defer func() { a.buffered.Store(int64(len(a.buffer))) }()
	for len(a.buffer) < a.cfg.ShuffleBuffer {
		select {
		case ds, ok := <-a.queue:
			if !ok {
				return true, nil
			}
			a.buffer = append(a.buffer, ds)
			continue
		default:
		}
		if len(a.buffer) > 0 {
			return false, nil
		}

		select {
		case ds, ok := <-a.queue:
			if !ok {
				return true, nil
			}
			a.buffer = append(a.buffer, ds)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return false, nil
}
