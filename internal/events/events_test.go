package events

import (
	"testing"

	"mia/internal/eventbus"
	"mia/internal/metrics"
)

func TestToPayloadOmitsNilOptionals(t *testing.T) {
	p := ToPayload(ModelUnloaded{ModelID: "a", Role: "primary", Reason: "idle"})
	if _, ok := p["idle_seconds"]; ok {
		t.Fatalf("nil optional field present: %v", p)
	}
	p = ToPayload(ModelUnloaded{ModelID: "a", Reason: "idle", IdleSeconds: Ptr(5)})
	if p["idle_seconds"] != 5 {
		t.Fatalf("idle_seconds=%v", p["idle_seconds"])
	}
	// fields without omitempty are kept as explicit nil
	p = ToPayload(ModelPassportMismatch{ModelID: "m", Field: "max_output_tokens", ConfigValue: Ptr(64)})
	if v, ok := p["passport_value"]; !ok || v != nil {
		t.Fatalf("passport_value=%v ok=%v", v, ok)
	}
}

func TestCollectorDerivesCounters(t *testing.T) {
	m := metrics.New()
	b := eventbus.New(m)
	defer InstallMetricsCollector(b, m)()

	Emit(b, GenerationStarted{RequestID: "r", ModelID: "m", Role: "primary"})
	Emit(b, GenerationCancelled{RequestID: "r", ModelID: "m", Reason: "user_abort"})
	Emit(b, ModelLoaded{ModelID: "m", Role: "primary"})
	Emit(b, ModelAliasedLoaded{AliasID: "a", BaseID: "m", Role: "judge", Reuse: true})
	Emit(b, CancelLatencyMeasured{RequestID: "r", DurationMS: 42, Path: "user_abort"})
	Emit(b, ToolCallResult{RequestID: "r", ModelID: "m", Tool: "search", Status: "error"})
	Emit(b, ReasoningSuppressedOrNone{RequestID: "r", Reason: "no-analysis-channel"})

	checks := map[string]metrics.Labels{
		"events_generation":           {"type": "started"},
		"events_modelloaded":          {"role": "primary"},
		"model_provider_reuse_total":  {"role": "judge"},
		"cancel_latency_events_total": {"path": "user_abort"},
		"tool_calls_total":            {"model": "m", "tool": "search", "status": "error"},
		"reasoning_none_total":        {"reason": "no-analysis-channel"},
	}
	for name, lbl := range checks {
		if got := m.Counter(name, lbl); got != 1 {
			t.Fatalf("%s%v=%v", name, lbl, got)
		}
	}
	if m.Counter("events_generation", metrics.Labels{"type": "cancelled"}) != 1 {
		t.Fatalf("cancelled generation not counted")
	}
	h, ok := m.Histogram("cancel_latency_ms", metrics.Labels{"path": "user_abort"})
	if !ok || h.Last != 42 {
		t.Fatalf("cancel latency hist=%+v ok=%v", h, ok)
	}
}
