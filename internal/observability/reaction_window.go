package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type ReactionStats struct {
	Condition string  `json:"condition"`
	Samples   int     `json:"samples"`
	Timeouts  int     `json:"timeouts"`
	LastMS    float64 `json:"last_ms"`
	AvgMS     float64 `json:"avg_ms"`
	P50MS     float64 `json:"p50_ms"`
	P95MS     float64 `json:"p95_ms"`
	P99MS     float64 `json:"p99_ms"`
}

type ReactionSnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Conditions  []ReactionStats `json:"conditions"`
}

// ReactionWindow keeps the most recent reaction latencies per condition in
// fixed-size ring buffers.
type ReactionWindow struct {
	mu         sync.RWMutex
	maxSamples int
	conditions map[string]*reactionBuffer
	timeouts   map[string]int
}

type reactionBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewReactionWindow(maxSamples int) *ReactionWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &ReactionWindow{
		maxSamples: maxSamples,
		conditions: make(map[string]*reactionBuffer),
		timeouts:   make(map[string]int),
	}
}

func (w *ReactionWindow) Observe(condition string, ms float64) {
	if w == nil {
		return
	}
	condition = strings.TrimSpace(condition)
	if condition == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.conditions[condition]
	if !ok {
		buf = &reactionBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.conditions[condition] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *ReactionWindow) ObserveTimeout(condition string) {
	if w == nil {
		return
	}
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeouts[condition]++
}

func (w *ReactionWindow) Snapshot() ReactionSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.conditions))
	for c := range w.conditions {
		keys = append(keys, c)
	}
	sort.Strings(keys)

	stats := make([]ReactionStats, 0, len(keys))
	for _, c := range keys {
		buf := w.conditions[c]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, ReactionStats{
			Condition: c,
			Samples:   n,
			Timeouts:  w.timeouts[c],
			LastMS:    round2(buf.last),
			AvgMS:     round2(sum / float64(n)),
			P50MS:     round2(quantile(samples, 0.50)),
			P95MS:     round2(quantile(samples, 0.95)),
			P99MS:     round2(quantile(samples, 0.99)),
		})
	}

	return ReactionSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Conditions:  stats,
	}
}

func (w *ReactionWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conditions = make(map[string]*reactionBuffer)
	w.timeouts = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
