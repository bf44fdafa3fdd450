package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestKeySortsLabels(t *testing.T) {
	got := Key("x_total", Labels{"b": "2", "a": "1"})
	if got != "x_total{a=1,b=2}" {
		t.Fatalf("key=%q", got)
	}
	if Key("bare", nil) != "bare" {
		t.Fatalf("bare key mismatch")
	}
}

func TestIncAndObserveSnapshot(t *testing.T) {
	r := New()
	r.Inc("hits", Labels{"model": "m"}, 1)
	r.Inc("hits", Labels{"model": "m"}, 2)
	for _, v := range []float64{5, 1, 9} {
		r.Observe("lat_ms", v, nil)
	}
	s := r.Snapshot()
	if s.Counters["hits{model=m}"] != 3 {
		t.Fatalf("counter=%v", s.Counters)
	}
	h := s.Histograms["lat_ms"]
	if h.Count != 3 || h.Min != 1 || h.Max != 9 || h.P50 != 5 || h.Last != 9 {
		t.Fatalf("hist=%+v", h)
	}
	// snapshot is a copy
	s.Counters["hits{model=m}"] = 100
	if r.Counter("hits", Labels{"model": "m"}) != 3 {
		t.Fatalf("snapshot aliased registry state")
	}
}

func TestResetAndNilSafety(t *testing.T) {
	r := New()
	r.Inc("a", nil, 1)
	r.Reset()
	if len(r.Snapshot().Counters) != 0 {
		t.Fatalf("reset did not clear")
	}
	var nilReg *Registry
	nilReg.Inc("a", nil, 1)
	nilReg.Observe("b", 1, nil)
	_ = nilReg.Snapshot()
}

func TestConcurrentWriters(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.Inc("c", Labels{"k": "v"}, 1)
				r.Observe("h", float64(j), nil)
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()
	if got := r.Counter("c", Labels{"k": "v"}); got != 4000 {
		t.Fatalf("counter=%v", got)
	}
	if h, _ := r.Histogram("h", nil); h.Count != 4000 {
		t.Fatalf("hist count=%d", h.Count)
	}
}

func TestCollectorExportsSnapshot(t *testing.T) {
	r := New()
	r.Inc("events_generation", Labels{"type": "started"}, 2)
	r.Inc("events_generation", nil, 1)
	r.Observe("cancel_latency_ms", 12, Labels{"path": "user_abort"})
	reg := prometheus.NewRegistry()
	if err := reg.Register(r.Collector()); err != nil {
		t.Fatalf("register: %v", err)
	}
	expected := `
# HELP mia_events_generation in-process counter
# TYPE mia_events_generation counter
mia_events_generation{type=""} 1
mia_events_generation{type="started"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mia_events_generation"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	n, err := testutil.GatherAndCount(reg, "mia_cancel_latency_ms_p50")
	if err != nil || n != 1 {
		t.Fatalf("p50 series count=%d err=%v", n, err)
	}
}
