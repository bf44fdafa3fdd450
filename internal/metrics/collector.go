package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mia"

// snapshotCollector re-exports a Registry as Prometheus const metrics.
// Counters become counters; each histogram series becomes a family of
// gauges (<name>_count, _min, _max, _p50, _last).
type snapshotCollector struct {
	reg *Registry
}

// Collector returns an unchecked prometheus.Collector over r.
func (r *Registry) Collector() prometheus.Collector {
	return &snapshotCollector{reg: r}
}

// Describe sends nothing, which makes this an unchecked collector; the
// series set is only known at collection time.
func (c *snapshotCollector) Describe(chan<- *prometheus.Desc) {}

type point struct {
	labels Labels
	value  float64
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	counters := map[string][]point{}
	gauges := map[string][]point{}
	c.reg.each(
		func(s series, v float64) {
			counters[s.name] = append(counters[s.name], point{labels: s.labels, value: v})
		},
		func(s series, st HistStat) {
			gauges[s.name+"_count"] = append(gauges[s.name+"_count"], point{s.labels, float64(st.Count)})
			gauges[s.name+"_min"] = append(gauges[s.name+"_min"], point{s.labels, st.Min})
			gauges[s.name+"_max"] = append(gauges[s.name+"_max"], point{s.labels, st.Max})
			gauges[s.name+"_p50"] = append(gauges[s.name+"_p50"], point{s.labels, st.P50})
			gauges[s.name+"_last"] = append(gauges[s.name+"_last"], point{s.labels, st.Last})
		},
	)
	emitFamily(ch, counters, prometheus.CounterValue, "in-process counter")
	emitFamily(ch, gauges, prometheus.GaugeValue, "in-process histogram statistic")
}

// emitFamily keeps label dimensions consistent per metric name by using the
// union of label names seen for that name and filling gaps with "".
func emitFamily(ch chan<- prometheus.Metric, fam map[string][]point, vt prometheus.ValueType, help string) {
	for name, pts := range fam {
		seen := map[string]struct{}{}
		for _, p := range pts {
			for k := range p.labels {
				seen[sanitize(k)] = struct{}{}
			}
		}
		names := make([]string, 0, len(seen))
		for k := range seen {
			names = append(names, k)
		}
		sort.Strings(names)
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", sanitize(name)), help, names, nil)
		for _, p := range pts {
			vals := make([]string, len(names))
			norm := make(map[string]string, len(p.labels))
			for k, v := range p.labels {
				norm[sanitize(k)] = v
			}
			for i, n := range names {
				vals[i] = norm[n]
			}
			m, err := prometheus.NewConstMetric(desc, vt, p.value, vals...)
			if err != nil {
				continue
			}
			ch <- m
		}
	}
}

func sanitize(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
