// Package metrics is the in-process counter/histogram facility. Every
// component records into a *Registry; the snapshot is the source of truth
// for tests and for the Prometheus exporter in collector.go.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Labels is a small mapping of label name to value. Callers must keep the
// value set bounded (model ids, reasons, stages) to avoid cardinality blowup.
type Labels map[string]string

// maxSamples bounds the observations kept per histogram series for p50.
// Count/min/max/last are tracked exactly regardless of the bound.
const maxSamples = 4096

// HistStat is the exported view of one histogram series.
type HistStat struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	Last  float64 `json:"last"`
}

// Snapshot is a consistent deep copy of all series.
type Snapshot struct {
	Counters   map[string]float64  `json:"counters"`
	Histograms map[string]HistStat `json:"histograms"`
	TS         time.Time           `json:"ts"`
}

type series struct {
	name   string
	labels Labels
}

type hist struct {
	series
	count   int
	min     float64
	max     float64
	last    float64
	samples []float64
}

type counter struct {
	series
	value float64
}

// Registry holds counters and histograms behind a single mutex.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*counter
	hists    map[string]*hist
}

// New returns an empty registry. Tests should construct their own.
func New() *Registry {
	return &Registry{
		counters: make(map[string]*counter),
		hists:    make(map[string]*hist),
	}
}

// Default is the process-wide registry used by cmd/miad.
var Default = New()

// Key renders the canonical series identity: name{k=v,...} with labels
// sorted by name, or the bare name when there are no labels.
func Key(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func copyLabels(l Labels) Labels {
	if len(l) == 0 {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Inc adds value to the counter identified by (name, labels).
func (r *Registry) Inc(name string, labels Labels, value float64) {
	if r == nil || name == "" {
		return
	}
	k := Key(name, labels)
	r.mu.Lock()
	c := r.counters[k]
	if c == nil {
		c = &counter{series: series{name: name, labels: copyLabels(labels)}}
		r.counters[k] = c
	}
	c.value += value
	r.mu.Unlock()
}

// Observe appends a sample to the histogram identified by (name, labels).
func (r *Registry) Observe(name string, value float64, labels Labels) {
	if r == nil || name == "" {
		return
	}
	k := Key(name, labels)
	r.mu.Lock()
	h := r.hists[k]
	if h == nil {
		h = &hist{series: series{name: name, labels: copyLabels(labels)}, min: value, max: value}
		r.hists[k] = h
	}
	h.count++
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
	h.last = value
	if len(h.samples) >= maxSamples {
		h.samples = append(h.samples[:0], h.samples[1:]...)
	}
	h.samples = append(h.samples, value)
	r.mu.Unlock()
}

// Snapshot returns a deep copy of all series.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		Counters:   map[string]float64{},
		Histograms: map[string]HistStat{},
		TS:         time.Now(),
	}
	if r == nil {
		return snap
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.counters {
		snap.Counters[k] = c.value
	}
	for k, h := range r.hists {
		snap.Histograms[k] = h.stat()
	}
	return snap
}

// Counter returns the current value of one counter series (0 if absent).
func (r *Registry) Counter(name string, labels Labels) float64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.counters[Key(name, labels)]; c != nil {
		return c.value
	}
	return 0
}

// Histogram returns the stat of one histogram series and whether it exists.
func (r *Registry) Histogram(name string, labels Labels) (HistStat, bool) {
	if r == nil {
		return HistStat{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.hists[Key(name, labels)]; h != nil {
		return h.stat(), true
	}
	return HistStat{}, false
}

// Reset drops every series. Intended for tests.
func (r *Registry) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters = make(map[string]*counter)
	r.hists = make(map[string]*hist)
	r.mu.Unlock()
}

// stat must be called with the registry lock held.
func (h *hist) stat() HistStat {
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	var p50 float64
	if len(sorted) > 0 {
		p50 = sorted[len(sorted)/2]
	}
	return HistStat{Count: h.count, Min: h.min, Max: h.max, P50: p50, Last: h.last}
}

// each visits counters and histograms under the lock; used by the collector.
func (r *Registry) each(fc func(series, float64), fh func(series, HistStat)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.counters {
		fc(c.series, c.value)
	}
	for _, h := range r.hists {
		fh(h.series, h.stat())
	}
}
