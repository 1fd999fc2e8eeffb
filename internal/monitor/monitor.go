// Package monitor records per-evaluation timings and maintains rolling
// performance snapshots for every rule and enrichment id.
package monitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/apexrules/apex/internal/domain"
)

// Monitor aggregates evaluation metrics. Snapshot updates are O(1) per
// observation; history is a bounded ring per id, oldest evicted first.
type Monitor struct {
	mu           sync.RWMutex
	historySize  int
	sampleMemory bool
	snapshots    map[string]*domain.PerformanceSnapshot
	history      map[string]*ring
}

type ring struct {
	items []*domain.EvaluationMetrics
	next  int
	full  bool
}

// New creates a monitor keeping up to historySize observations per id.
func New(historySize int) *Monitor {
	if historySize <= 0 {
		historySize = 100
	}
	return &Monitor{
		historySize: historySize,
		snapshots:   make(map[string]*domain.PerformanceSnapshot),
		history:     make(map[string]*ring),
	}
}

// EnableMemorySampling turns on per-evaluation heap delta sampling.
// Sampling reads runtime memory stats and costs far more than a typical
// evaluation, so it is off by default.
func (m *Monitor) EnableMemorySampling() {
	m.mu.Lock()
	m.sampleMemory = true
	m.mu.Unlock()
}

// Track times fn and records the observation under id. The returned
// metrics carry the evaluation error, if any, so callers can attach them
// to results without re-deriving state.
func (m *Monitor) Track(id, expression string, complexity int, cacheHit bool, fn func() error) *domain.EvaluationMetrics {
	m.mu.RLock()
	sampleMemory := m.sampleMemory
	m.mu.RUnlock()

	var memBefore uint64
	if sampleMemory {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		memBefore = ms.HeapAlloc
	}

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	metrics := &domain.EvaluationMetrics{
		ID:              id,
		Expression:      expression,
		EvaluationTime:  elapsed,
		ComplexityScore: complexity,
		CacheHit:        cacheHit,
		Timestamp:       start.UTC(),
	}
	if err != nil {
		metrics.Error = err.Error()
	}
	if sampleMemory {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		metrics.MemoryDeltaBytes = int64(ms.HeapAlloc) - int64(memBefore)
	}

	m.Record(metrics)
	return metrics
}

// Record folds one observation into the per-id snapshot and history.
func (m *Monitor) Record(metrics *domain.EvaluationMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[metrics.ID]
	if !ok {
		snap = &domain.PerformanceSnapshot{
			ID:              metrics.ID,
			MinTime:         metrics.EvaluationTime,
			MaxTime:         metrics.EvaluationTime,
			MinComplexity:   metrics.ComplexityScore,
			MaxComplexity:   metrics.ComplexityScore,
			FirstEvaluation: metrics.Timestamp,
		}
		m.snapshots[metrics.ID] = snap
	}

	snap.EvaluationCount++
	snap.TotalTime += metrics.EvaluationTime
	snap.AverageTime = snap.TotalTime / time.Duration(snap.EvaluationCount)
	if metrics.EvaluationTime < snap.MinTime {
		snap.MinTime = metrics.EvaluationTime
	}
	if metrics.EvaluationTime > snap.MaxTime {
		snap.MaxTime = metrics.EvaluationTime
	}

	snap.TotalMemory += metrics.MemoryDeltaBytes

	n := float64(snap.EvaluationCount)
	snap.AvgComplexity = (snap.AvgComplexity*(n-1) + float64(metrics.ComplexityScore)) / n
	if metrics.ComplexityScore < snap.MinComplexity {
		snap.MinComplexity = metrics.ComplexityScore
	}
	if metrics.ComplexityScore > snap.MaxComplexity {
		snap.MaxComplexity = metrics.ComplexityScore
	}

	if metrics.Failed() {
		snap.Failures++
	} else {
		snap.Successes++
	}
	snap.SuccessRate = float64(snap.Successes) / n
	snap.LastEvaluation = metrics.Timestamp

	r, ok := m.history[metrics.ID]
	if !ok {
		r = &ring{items: make([]*domain.EvaluationMetrics, m.historySize)}
		m.history[metrics.ID] = r
	}
	r.items[r.next] = metrics
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns a copy of the aggregate for one id.
func (m *Monitor) Snapshot(id string) (domain.PerformanceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return domain.PerformanceSnapshot{}, false
	}
	return *snap, true
}

// Snapshots returns copies of all aggregates.
func (m *Monitor) Snapshots() []domain.PerformanceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PerformanceSnapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		out = append(out, *snap)
	}
	return out
}

// History returns the retained observations for an id, oldest first.
func (m *Monitor) History(id string) []*domain.EvaluationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.history[id]
	if !ok {
		return nil
	}

	var out []*domain.EvaluationMetrics
	if r.full {
		out = append(out, r.items[r.next:]...)
	}
	out = append(out, r.items[:r.next]...)
	return out
}

// Reset clears all snapshots and history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = make(map[string]*domain.PerformanceSnapshot)
	m.history = make(map[string]*ring)
}
