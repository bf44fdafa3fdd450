package events

import (
	"fmt"
	"strings"

	"mia/internal/eventbus"
	"mia/internal/metrics"
)

// InstallMetricsCollector subscribes an any-handler on b that derives
// counters and histograms in m from well-known events.
func InstallMetricsCollector(b *eventbus.Bus, m *metrics.Registry) func() {
	return b.SubscribeAny(func(name string, p eventbus.Payload) {
		switch name {
		case "GenerationStarted", "GenerationChunk", "GenerationCompleted", "GenerationCancelled":
			m.Inc("events_generation", metrics.Labels{"type": strings.ToLower(strings.TrimPrefix(name, "Generation"))}, 1)
		case "ModelLoaded", "ModelUnloaded":
			m.Inc("events_"+strings.ToLower(name), metrics.Labels{"role": str(p, "role", "")}, 1)
		case "ModelAliasedLoaded":
			m.Inc("model_provider_reuse_total", metrics.Labels{"role": str(p, "role", "")}, 1)
		case "ModelDowngraded":
			m.Inc("model_downgraded_total", metrics.Labels{"reason": str(p, "reason", "unknown")}, 1)
		case "ReasoningPresetApplied":
			m.Inc("reasoning_mode", metrics.Labels{"mode": str(p, "mode", "")}, 1)
		case "ModelPassportMismatch":
			m.Inc("model_passport_mismatch_total", metrics.Labels{"field": str(p, "field", "unknown")}, 1)
		case "CancelLatencyMeasured":
			path := str(p, "path", "unknown")
			m.Observe("cancel_latency_ms", num(p, "duration_ms"), metrics.Labels{"path": path})
			m.Inc("cancel_latency_events_total", metrics.Labels{"path": path}, 1)
		case "ToolCallResult":
			tool := str(p, "tool", "unknown")
			m.Inc("tool_calls_total", metrics.Labels{"model": str(p, "model_id", "unknown"), "tool": tool, "status": str(p, "status", "unknown")}, 1)
			m.Observe("tool_call_latency_ms", num(p, "latency_ms"), metrics.Labels{"tool": tool})
		case "ReasoningSuppressedOrNone":
			m.Inc("reasoning_none_total", metrics.Labels{"reason": str(p, "reason", "unknown")}, 1)
		}
	})
}

func str(p eventbus.Payload, key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func num(p eventbus.Payload, key string) float64 {
	switch v := p[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return 0
}
