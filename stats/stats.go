// Package stats collects the per-thread counters spec.md §7 requires
// for end-of-run reporting, plus a running insert-size model that feeds
// back into the paired-end engine's adaptive spacing window. The
// per-thread Counters struct follows elprep's convention of a
// non-shared stats block owned by each worker and merged once at the
// end, rather than atomically-updated shared globals.
package stats

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Counters is one worker's tally of alignment outcomes. It is not
// safe for concurrent use; each worker owns one and Merge folds it
// into a shared total afterwards.
type Counters struct {
	ReadsProcessed  uint64
	SingleHit       uint64
	MultipleHits    uint64
	NotFound        uint64
	PopularSeedSkip uint64
	Duplicates      uint64
}

// Merge folds other into c.
func (c *Counters) Merge(other *Counters) {
	c.ReadsProcessed += other.ReadsProcessed
	c.SingleHit += other.SingleHit
	c.MultipleHits += other.MultipleHits
	c.NotFound += other.NotFound
	c.PopularSeedSkip += other.PopularSeedSkip
	c.Duplicates += other.Duplicates
}

// InsertSizeModel maintains a running mean and standard deviation of
// observed fragment lengths (SAM TLEN), used by the paired-end engine
// to narrow its search window once enough pairs have been scored.
// Every observed value is kept; the mean and standard deviation are
// recomputed with gonum's stat.MeanStdDev after new observations.
type InsertSizeModel struct {
	mu     sync.Mutex
	values []float64
	mean   float64
	std    float64
	stale  bool
}

// NewInsertSizeModel returns an empty model.
func NewInsertSizeModel() *InsertSizeModel {
	return &InsertSizeModel{}
}

// Observe records one fragment length.
func (m *InsertSizeModel) Observe(tlen int32) {
	if tlen < 0 {
		tlen = -tlen
	}
	m.mu.Lock()
	m.values = append(m.values, float64(tlen))
	m.stale = true
	m.mu.Unlock()
}

// MeanStdDev returns the current mean and standard deviation of
// observed fragment lengths. Safe to call concurrently with Observe.
func (m *InsertSizeModel) MeanStdDev() (mean, stddev float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.values) == 0 {
		return 0, 0
	}
	if m.stale {
		m.mean, m.std = stat.MeanStdDev(m.values, nil)
		m.stale = false
	}
	return m.mean, m.std
}

// Count returns the number of observations recorded so far.
func (m *InsertSizeModel) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// AdaptiveMaxSpacing derives a fragment-spacing cap from the model once
// it has accumulated enough observations to be trustworthy, else falls
// back to the configured default.
func (m *InsertSizeModel) AdaptiveMaxSpacing(minObservations int, fallback int32, sigmas float64) int32 {
	if m.Count() < minObservations {
		return fallback
	}
	mean, std := m.MeanStdDev()
	spacing := int32(mean + sigmas*std)
	if spacing < fallback/4 {
		spacing = fallback / 4
	}
	return spacing
}
