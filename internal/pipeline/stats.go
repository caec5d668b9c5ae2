package pipeline

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Stats keeps a bounded window of synthesis latency samples per direction
// for the periodic status log and readiness details.
//
// Thread-safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	window int
	dirs   map[string]*directionStats
}

type directionStats struct {
	firstAudio  latencyBuffer
	endToEnd    latencyBuffer
	synthesized int64
}

// NewStats creates a Stats that retains at most window samples per stage
// and direction.
func NewStats(window int) *Stats {
	if window <= 0 {
		window = 100
	}
	return &Stats{window: window, dirs: make(map[string]*directionStats)}
}

// Record adds one synthesized text of direction. A zero endToEnd is not
// sampled.
func (s *Stats) Record(direction string, firstAudio, endToEnd time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[direction]
	if !ok {
		d = &directionStats{
			firstAudio: newLatencyBuffer(s.window),
			endToEnd:   newLatencyBuffer(s.window),
		}
		s.dirs[direction] = d
	}
	d.synthesized++
	d.firstAudio.add(firstAudio)
	if endToEnd > 0 {
		d.endToEnd.add(endToEnd)
	}
}

// LatencyPercentiles holds p50 and p95 values for a latency stage.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// LatencySnapshot is a point-in-time view of one direction's latencies.
type LatencySnapshot struct {
	FirstAudio  LatencyPercentiles
	EndToEnd    LatencyPercentiles
	Synthesized int64
}

// Snapshot returns the latencies of direction. Unknown directions yield the
// zero value.
func (s *Stats) Snapshot(direction string) LatencySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[direction]
	if !ok {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		FirstAudio:  d.firstAudio.percentiles(),
		EndToEnd:    d.endToEnd.percentiles(),
		Synthesized: d.synthesized,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
