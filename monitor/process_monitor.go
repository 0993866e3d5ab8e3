// Package monitor implements the Process Monitor (C8): a bounded
// ring-buffered per-process execution history exposed for observability,
// plus live gauges through go-ethereum's metrics registry.
package monitor

import (
	"fmt"
	"sync"
	"time"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
)

// DefaultRingSize is the default per-process ring capacity.
const DefaultRingSize = 256

// inFlight is an execution record still being updated, keyed by
// "<name>_<ms-since-epoch>".
type inFlight struct {
	key string
	rec Record
}

// Record carries the same fields as types.ProcessExecution (including the
// skipped flag and reason); the monitor keeps its own copy of the shape.
type Record struct {
	ProcessName    string
	Start          time.Time
	End            time.Time
	Duration       time.Duration
	NodesProcessed int
	Successful     int
	Failed         int
	Errors         []string
	ExtraMetrics   map[string]float64
	Skipped        bool
	SkippedReason  string
}

// processState is the per-name ring plus registered metrics gauges.
type processState struct {
	ring     []Record
	next     int
	filled   bool
	inFlight map[string]*inFlight

	runs       gethmetrics.Counter
	lastDurMs  gethmetrics.Gauge
	successes  gethmetrics.Counter
	failures   gethmetrics.Counter
}

// Monitor is the single shared instance; Start/Update/End are thread-safe.
type Monitor struct {
	mu       sync.Mutex
	ringSize int
	state    map[string]*processState
	registry gethmetrics.Registry
}

// New builds a Monitor with the default ring size and a fresh metrics
// registry.
func New() *Monitor {
	return &Monitor{ringSize: DefaultRingSize, state: map[string]*processState{}, registry: gethmetrics.NewRegistry()}
}

func (m *Monitor) stateFor(name string) *processState {
	st, ok := m.state[name]
	if ok {
		return st
	}
	st = &processState{
		inFlight:  map[string]*inFlight{},
		runs:      gethmetrics.NewRegisteredCounter(fmt.Sprintf("validator/process/%s/runs", name), m.registry),
		lastDurMs: gethmetrics.NewRegisteredGauge(fmt.Sprintf("validator/process/%s/last_duration_ms", name), m.registry),
		successes: gethmetrics.NewRegisteredCounter(fmt.Sprintf("validator/process/%s/successes", name), m.registry),
		failures:  gethmetrics.NewRegisteredCounter(fmt.Sprintf("validator/process/%s/failures", name), m.registry),
	}
	m.state[name] = st
	return st
}

// Start allocates an in-flight entry for name and returns its key, used by
// subsequent Update/End calls.
func (m *Monitor) Start(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateFor(name)
	key := fmt.Sprintf("%s_%d", name, time.Now().UnixMilli())
	st.inFlight[key] = &inFlight{key: key, rec: Record{ProcessName: name, Start: time.Now(), ExtraMetrics: map[string]float64{}}}
	return key
}

// Update merges fields into the in-flight record for key: errors and extra
// metrics accumulate, scalar counts overwrite.
func (m *Monitor) Update(name, key string, nodesProcessed, successful, failed *int, errs []string, extra map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[name]
	if !ok {
		return
	}
	f, ok := st.inFlight[key]
	if !ok {
		return
	}
	if nodesProcessed != nil {
		f.rec.NodesProcessed = *nodesProcessed
	}
	if successful != nil {
		f.rec.Successful = *successful
	}
	if failed != nil {
		f.rec.Failed = *failed
	}
	f.rec.Errors = append(f.rec.Errors, errs...)
	for k, v := range extra {
		f.rec.ExtraMetrics[k] = v
	}
}

// MarkSkipped records that this run was skipped, e.g. because
// routing_table_updating was observed set.
func (m *Monitor) MarkSkipped(name, key, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[name]
	if !ok {
		return
	}
	if f, ok := st.inFlight[key]; ok {
		f.rec.Skipped = true
		f.rec.SkippedReason = reason
	}
}

// End finalizes the in-flight record, computes duration, and moves it into
// the ring.
func (m *Monitor) End(name, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[name]
	if !ok {
		return
	}
	f, ok := st.inFlight[key]
	if !ok {
		return
	}
	delete(st.inFlight, key)
	f.rec.End = time.Now()
	f.rec.Duration = f.rec.End.Sub(f.rec.Start)

	if len(st.ring) < m.ringSize {
		st.ring = append(st.ring, f.rec)
	} else {
		st.ring[st.next] = f.rec
		st.next = (st.next + 1) % m.ringSize
		st.filled = true
	}

	st.runs.Inc(1)
	st.lastDurMs.Update(f.rec.Duration.Milliseconds())
	st.successes.Inc(int64(f.rec.Successful))
	st.failures.Inc(int64(f.rec.Failed))
}

// Statistics summarizes total runs, min/max/mean duration, recent-10 mean,
// TotalNodes (the sum of nodes processed, successful and failed over all
// runs) and success rate (successful / TotalNodes) for name.
type Statistics struct {
	ProcessName     string
	TotalRuns       int
	MinDuration     time.Duration
	MaxDuration     time.Duration
	MeanDuration    time.Duration
	Recent10Mean    time.Duration
	TotalNodes      int
	SuccessRate     float64
}

// chronological returns st.ring reordered oldest-first. Before the ring has
// wrapped, append order already is chronological; after it wraps, the oldest
// entry sits at st.next and the buffer must be rotated to read it in order.
func chronological(st *processState) []Record {
	if !st.filled {
		return st.ring
	}
	out := make([]Record, 0, len(st.ring))
	out = append(out, st.ring[st.next:]...)
	out = append(out, st.ring[:st.next]...)
	return out
}

func (m *Monitor) GetStatistics(name string) (Statistics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[name]
	if !ok || len(st.ring) == 0 {
		return Statistics{ProcessName: name}, false
	}
	records := chronological(st)

	stats := Statistics{ProcessName: name, TotalRuns: len(records)}
	var total time.Duration
	var totalSuccess, totalNodes int
	stats.MinDuration = records[0].Duration
	for _, r := range records {
		total += r.Duration
		if r.Duration < stats.MinDuration {
			stats.MinDuration = r.Duration
		}
		if r.Duration > stats.MaxDuration {
			stats.MaxDuration = r.Duration
		}
		totalSuccess += r.Successful
		totalNodes += r.NodesProcessed + r.Successful + r.Failed
	}
	stats.MeanDuration = total / time.Duration(len(records))
	stats.TotalNodes = totalNodes

	recentN := 10
	if recentN > len(records) {
		recentN = len(records)
	}
	var recentTotal time.Duration
	for _, r := range records[len(records)-recentN:] {
		recentTotal += r.Duration
	}
	stats.Recent10Mean = recentTotal / time.Duration(recentN)

	if totalNodes > 0 {
		stats.SuccessRate = float64(totalSuccess) / float64(totalNodes)
	}
	return stats, true
}

// CleanupOldRecords drops records whose start predates now-hours.
func (m *Monitor) CleanupOldRecords(hours int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	for _, st := range m.state {
		var kept []Record
		for _, r := range chronological(st) {
			if !r.Start.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		st.ring = kept
		st.next = 0
		st.filled = false
	}
}

// Records returns a copy of the current ring for name, oldest first.
func (m *Monitor) Records(name string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[name]
	if !ok {
		return nil
	}
	return chronological(st)
}

// Registry exposes the underlying metrics registry, e.g. for an admin
// `/metrics`-style endpoint.
func (m *Monitor) Registry() gethmetrics.Registry { return m.registry }
