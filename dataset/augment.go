package dataset

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nvr-ai/go-cascade/common"
)

// FlipRecord mirrors a record left-right: the image, every box, the
// occupancy mask and the groups. IsFlipped is toggled. Padding boxes stay
// zero.
func FlipRecord(r Record) Record {
	out := r
	if !r.Image.Empty() {
		out.Image = r.Image.FlipLeftRight()
	}
	out.BoundingBoxes = make([]common.BoundingBox, len(r.BoundingBoxes))
	for i, b := range r.BoundingBoxes {
		if !b.IsZero() {
			out.BoundingBoxes[i] = b.Mirror()
		}
	}
	if r.ObjMask.Dense != nil {
		out.ObjMask = r.ObjMask.Flip()
	}
	if r.Groups != nil {
		out.Groups = r.Groups.Flip()
	}
	out.IsFlipped = 1 - r.IsFlipped
	return out
}

// Augmenter applies random left-right flips. It is safe for concurrent use.
type Augmenter struct {
	threshold float32

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAugmenter flips a record with probability threshold. A zero seed seeds
// from the clock.
func NewAugmenter(threshold float32, seed int64) *Augmenter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Augmenter{threshold: threshold, rng: rand.New(rand.NewSource(seed))}
}

// Enabled reports whether Apply can change a record.
func (a *Augmenter) Enabled() bool {
	return a != nil && a.threshold > 0
}

// Apply draws u from [0, 1) and flips r when u < threshold.
func (a *Augmenter) Apply(r Record) Record {
	if !a.Enabled() || r.IsPadding() {
		return r
	}
	a.mu.Lock()
	u := a.rng.Float32()
	a.mu.Unlock()

	if u < a.threshold {
		return FlipRecord(r)
	}
	return r
}
