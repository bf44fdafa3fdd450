package llm

import (
	"encoding/json"
	"maps"
	"math"
	"sort"
)

// SamplingKeys are the recognized generation parameters.
var SamplingKeys = []string{
	"temperature", "top_p", "top_k", "max_tokens", "repeat_penalty", "min_p",
	"typical_p", "presence_penalty", "frequency_penalty", "repeat_last_n",
	"penalize_nl", "seed", "mirostat", "mirostat_tau", "mirostat_eta", "stop",
}

var samplingKeySet = func() map[string]bool {
	m := make(map[string]bool, len(SamplingKeys))
	for _, k := range SamplingKeys {
		m[k] = true
	}
	return m
}()

// IsSamplingKey reports whether k is a recognized sampling parameter.
func IsSamplingKey(k string) bool { return samplingKeySet[k] }

// Sampling is a loosely typed parameter set. Values are float64, int,
// bool, string or []string.
type Sampling map[string]any

// Clone returns a shallow copy (nil stays nil-safe).
func (s Sampling) Clone() Sampling {
	out := make(Sampling, len(s))
	maps.Copy(out, s)
	return out
}

// Normalized maps max_output_tokens to max_tokens (max_tokens wins) and
// drops nil values.
func (s Sampling) Normalized() Sampling {
	out := make(Sampling, len(s))
	for k, v := range s {
		if v == nil {
			continue
		}
		if k == "max_output_tokens" {
			if _, ok := s["max_tokens"]; ok && s["max_tokens"] != nil {
				continue
			}
			k = "max_tokens"
		}
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (s Sampling) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Float returns a numeric value as float64.
func (s Sampling) Float(k string) (float64, bool) {
	return toFloat(s[k])
}

// Int returns a numeric value truncated to int.
func (s Sampling) Int(k string) (int, bool) {
	f, ok := toFloat(s[k])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Stop returns the stop sequences, accepting []string or []any.
func (s Sampling) Stop() []string {
	switch v := s["stop"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if str, ok := x.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// Equal compares two values numerically when both are numbers.
func Equal(a, b any) bool {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		return math.Abs(fa-fb) < 1e-12
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToFloat exposes numeric coercion to other packages.
func ToFloat(v any) (float64, bool) { return toFloat(v) }
