package postprocess

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-cascade/common"
)

// NMSConfig defines parameters for batched Non-Maximum Suppression.
type NMSConfig struct {
	// IoUThreshold is the overlap at which a lower-scored box is suppressed.
	// Values >= 1 disable suppression and select the top scores instead.
	IoUThreshold float32
	// NumOutputs is the fixed number of crops returned per image.
	NumOutputs int
	// BatchSize is the static batch size of the stage that produced the
	// predictions. Rows past the actual batch are returned zeroed.
	BatchSize int
	// NumWorkers is the number of goroutines processing images.
	NumWorkers int
	// Epsilon floors the IoU denominator.
	Epsilon float32
}

// rankByScore returns prediction indices by descending score, ties broken by
// ascending index.
func rankByScore(scores []float32) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

// NMSWithPad performs greedy Non-Maximum Suppression and always returns k
// crops: selected boxes in descending score order followed by zero padding.
//
// Arguments:
//   - c: The candidates of one image.
//   - k: The number of crops to return.
//   - iouThreshold: Boxes whose IoU with a selected box reaches this value
//     are suppressed.
//   - epsilon: IoU denominator floor.
//
// Returns:
//   - Exactly k crops.
func NMSWithPad(c Candidates, k int, iouThreshold, epsilon float32) []CropBox {
	out := make([]CropBox, k)
	if k == 0 {
		return out
	}

	suppressed := make([]bool, c.Len())
	n := 0
	for _, i := range rankByScore(c.Scores) {
		if suppressed[i] {
			continue
		}
		anchor := c.Boxes[i]
		out[n] = CropBox{Box: anchor, Score: c.Scores[i]}
		n++
		if n == k {
			break
		}
		for j := range c.Boxes {
			if !suppressed[j] && j != i && anchor.IoU(c.Boxes[j], epsilon) >= iouThreshold {
				suppressed[j] = true
			}
		}
		suppressed[i] = true
	}
	return out
}

// TopK returns the k highest-scoring predictions without suppression, ties
// broken by index and padded with zero crops when there are fewer than k.
func TopK(c Candidates, k int) []CropBox {
	out := make([]CropBox, k)
	for n, i := range rankByScore(c.Scores) {
		if n == k {
			break
		}
		out[n] = CropBox{Box: c.Boxes[i], Score: c.Scores[i]}
	}
	return out
}

// BatchNMS selects NumOutputs crops for every image of batch with a pool of
// workers. The result always has max(BatchSize, len(batch)) rows; rows past
// len(batch) are zero crops.
//
// Arguments:
//   - ctx: Cancels outstanding work.
//   - batch: The candidates of each image.
//   - config: NMS configuration.
//
// Returns:
//   - One row of NumOutputs crops per slot.
//   - An error if the batch is larger than BatchSize or ctx is done.
func BatchNMS(ctx context.Context, batch []Candidates, config NMSConfig) ([][]CropBox, error) {
	if config.BatchSize > 0 && len(batch) > config.BatchSize {
		return nil, errors.Errorf("batch of %d images exceeds the static batch size %d", len(batch), config.BatchSize)
	}
	epsilon := config.Epsilon
	if epsilon == 0 {
		epsilon = common.DefaultEpsilon
	}

	out := make([][]CropBox, max(config.BatchSize, len(batch)))
	for i := len(batch); i < len(out); i++ {
		out[i] = make([]CropBox, config.NumOutputs)
	}

	jobs := make(chan int, len(batch))
	for i := range batch {
		jobs <- i
	}
	close(jobs)

	workers := max(1, min(config.NumWorkers, len(batch)))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				if config.IoUThreshold >= 1 {
					out[i] = TopK(batch[i], config.NumOutputs)
				} else {
					out[i] = NMSWithPad(batch[i], config.NumOutputs, config.IoUThreshold, epsilon)
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
