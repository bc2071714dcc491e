// Package profiler collects per-stage timing statistics of the cascade.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stage names recorded by the cascade builder.
const (
	StageFilter  = "filter"
	StageRescale = "rescale"
	StageNMS     = "nms"
	StageCrop    = "crop"
	StageEnqueue = "enqueue"
)

// DefaultMaxSamples bounds the rolling window of each stage.
const DefaultMaxSamples = 600

// StageStats summarizes the durations recorded for one stage.
type StageStats struct {
	Name  string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	// Avg is computed over the rolling window only.
	Avg time.Duration
}

// timeTracker tracks operation timing statistics.
type timeTracker struct {
	durations []time.Duration
	window    time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// StageTimer records how long each cascade stage takes. It is safe for
// concurrent use; the nil *StageTimer records nothing.
type StageTimer struct {
	mu         sync.Mutex
	maxSamples int
	stages     map[string]*timeTracker
}

// NewStageTimer returns a timer keeping at most maxSamples durations per
// stage for the rolling average. Zero uses DefaultMaxSamples.
func NewStageTimer(maxSamples int) *StageTimer {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &StageTimer{maxSamples: maxSamples, stages: make(map[string]*timeTracker)}
}

// Start begins timing a stage.
//
// Arguments:
// - name: The stage name.
//
// Returns:
// - A function to call when the stage completes.
func (t *StageTimer) Start(name string) func() {
	if t == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		t.Record(name, time.Since(start))
	}
}

// Record adds one duration to a stage.
func (t *StageTimer) Record(name string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.stages[name]
	if !ok {
		tracker = &timeTracker{minTime: d, maxTime: d}
		t.stages[name] = tracker
	}

	tracker.durations = append(tracker.durations, d)
	tracker.window += d
	if len(tracker.durations) > t.maxSamples {
		tracker.window -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.totalTime += d
	tracker.count++
	tracker.minTime = min(tracker.minTime, d)
	tracker.maxTime = max(tracker.maxTime, d)
}

// Stats returns a snapshot of every stage, sorted by name.
func (t *StageTimer) Stats() []StageStats {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StageStats, 0, len(t.stages))
	for name, tracker := range t.stages {
		s := StageStats{
			Name:  name,
			Count: tracker.count,
			Total: tracker.totalTime,
			Min:   tracker.minTime,
			Max:   tracker.maxTime,
		}
		if n := len(tracker.durations); n > 0 {
			s.Avg = tracker.window / time.Duration(n)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report logs one line per stage at Info.
func (t *StageTimer) Report(log logrus.FieldLogger) {
	for _, s := range t.Stats() {
		log.WithFields(logrus.Fields{
			"stage": s.Name,
			"count": s.Count,
			"avg":   s.Avg.Truncate(time.Microsecond),
			"min":   s.Min.Truncate(time.Microsecond),
			"max":   s.Max.Truncate(time.Microsecond),
			"total": s.Total.Truncate(time.Microsecond),
		}).Info("stage timing")
	}
}
