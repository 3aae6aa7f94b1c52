package observe

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Category names a latency population tracked against the kernel's
// objectives.
type Category uint8

const (
	ContextSwitch Category = iota
	IPCRoundTrip
)

func (c Category) String() string {
	switch c {
	case ContextSwitch:
		return "context_switch"
	case IPCRoundTrip:
		return "ipc_rtt"
	default:
		return "unknown"
	}
}

// categories is the closed set, in report order.
var categories = []Category{ContextSwitch, IPCRoundTrip}

// Measurement summarizes one category's rolling window. All latencies are
// seconds. Met is true when the window's p99 sits within TargetP99, and
// always true when no target is set.
type Measurement struct {
	Category  string  `json:"category"`
	Count     uint64  `json:"count"`
	Window    int     `json:"window"`
	Min       float64 `json:"min_s"`
	Max       float64 `json:"max_s"`
	Mean      float64 `json:"mean_s"`
	P50       float64 `json:"p50_s"`
	P95       float64 `json:"p95_s"`
	P99       float64 `json:"p99_s"`
	P999      float64 `json:"p999_s"`
	TargetP99 float64 `json:"target_p99_s,omitempty"`
	Met       bool    `json:"met"`
}

// SLO keeps a rolling latency window per category and summarizes it on
// demand. Observation is a ring write under a mutex; the quantile math
// happens only when someone asks.
type SLO struct {
	mu      sync.Mutex
	window  int
	rings   map[Category]*sampleRing
	targets map[Category]time.Duration
}

type sampleRing struct {
	samples []float64
	next    int
	full    bool
	count   uint64
}

// NewSLO builds a harness with the given window per category. Zero picks
// defs.DefaultSLOWindow.
func NewSLO(window int) *SLO {
	if window <= 0 {
		window = defs.DefaultSLOWindow
	}
	return &SLO{
		window:  window,
		rings:   make(map[Category]*sampleRing),
		targets: make(map[Category]time.Duration),
	}
}

// SetTarget declares the p99 objective for one category. Zero clears it.
func (s *SLO) SetTarget(cat Category, p99 time.Duration) {
	s.mu.Lock()
	if p99 <= 0 {
		delete(s.targets, cat)
	} else {
		s.targets[cat] = p99
	}
	s.mu.Unlock()
}

// Observe folds one latency sample into the category's window. Negative
// durations are clock artifacts and are dropped.
func (s *SLO) Observe(cat Category, d time.Duration) {
	if d < 0 {
		return
	}
	s.mu.Lock()
	rg := s.rings[cat]
	if rg == nil {
		rg = &sampleRing{samples: make([]float64, s.window)}
		s.rings[cat] = rg
	}
	rg.samples[rg.next] = d.Seconds()
	rg.next = (rg.next + 1) % len(rg.samples)
	if rg.next == 0 {
		rg.full = true
	}
	rg.count++
	s.mu.Unlock()
}

// Measure summarizes one category's current window.
func (s *SLO) Measure(cat Category) Measurement {
	s.mu.Lock()
	var data []float64
	var count uint64
	if rg := s.rings[cat]; rg != nil {
		n := rg.next
		if rg.full {
			n = len(rg.samples)
		}
		data = append([]float64(nil), rg.samples[:n]...)
		count = rg.count
	}
	target := s.targets[cat]
	s.mu.Unlock()

	m := Measurement{Category: cat.String(), Count: count, Window: len(data), Met: true}
	if target > 0 {
		m.TargetP99 = target.Seconds()
	}
	if len(data) == 0 {
		return m
	}
	sort.Float64s(data)
	m.Min = data[0]
	m.Max = data[len(data)-1]
	m.Mean = stat.Mean(data, nil)
	m.P50 = stat.Quantile(0.50, stat.Empirical, data, nil)
	m.P95 = stat.Quantile(0.95, stat.Empirical, data, nil)
	m.P99 = stat.Quantile(0.99, stat.Empirical, data, nil)
	m.P999 = stat.Quantile(0.999, stat.Empirical, data, nil)
	if target > 0 && m.P99 > target.Seconds() {
		m.Met = false
	}
	return m
}

// Report summarizes every category, including empty ones.
func (s *SLO) Report() []Measurement {
	out := make([]Measurement, 0, len(categories))
	for _, c := range categories {
		out = append(out, s.Measure(c))
	}
	return out
}
