package llm

import "testing"

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func TestReasoningProfileMergeOrder(t *testing.T) {
	p := &Passport{
		SamplingDefaults: map[string]any{"temperature": 0.6, "max_output_tokens": 2000},
		ReasoningLevels: map[string]ReasoningLevel{
			"high": {Temperature: floatp(0.9), MaxOutputTokensPct: floatp(0.5), ReasoningMaxTokens: intp(900)},
		},
	}
	s, prof := ResolveReasoningProfile(p, "high", Sampling{"top_k": 20})
	if s["temperature"] != 0.9 {
		t.Fatalf("level temperature should win: %v", s)
	}
	if s["max_tokens"] != 1000 || prof.EffectiveMaxOutputTokens != 1000 {
		t.Fatalf("expected pct budget 1000, got %v / %d", s["max_tokens"], prof.EffectiveMaxOutputTokens)
	}
	if prof.ReasoningMaxTokens != 500 {
		t.Fatalf("reasoning cap should clamp to half of final, got %d", prof.ReasoningMaxTokens)
	}
	if len(prof.Clamps) != 1 || prof.Clamps[0] != "ratio" {
		t.Fatalf("clamps %v", prof.Clamps)
	}
	want := []string{"passport", "level:high", "user"}
	if len(prof.OriginChain) != len(want) {
		t.Fatalf("origin chain %v", prof.OriginChain)
	}
	for i := range want {
		if prof.OriginChain[i] != want[i] {
			t.Fatalf("origin chain %v", prof.OriginChain)
		}
	}
}

func TestReasoningProfilePctClamp(t *testing.T) {
	p := &Passport{ReasoningLevels: map[string]ReasoningLevel{"low": {MaxOutputTokensPct: floatp(0.01)}}}
	s, prof := ResolveReasoningProfile(p, "low", nil)
	if s["max_tokens"] != 51 {
		t.Fatalf("expected clamp to 5%% of 1024, got %v", s["max_tokens"])
	}
	if prof.Clamps[0] != "pct" {
		t.Fatalf("clamps %v", prof.Clamps)
	}
}

func TestReasoningProfileNoLevel(t *testing.T) {
	p := &Passport{Reasoning: struct {
		DefaultReasoningMaxTokens *int `yaml:"default_reasoning_max_tokens" json:"default_reasoning_max_tokens,omitempty"`
	}{DefaultReasoningMaxTokens: intp(300)}}
	s, prof := ResolveReasoningProfile(p, "", Sampling{"max_tokens": 64})
	if prof.ReasoningMaxTokens != 0 {
		t.Fatalf("no level means no reasoning budget, got %d", prof.ReasoningMaxTokens)
	}
	if s["max_tokens"] != 64 {
		t.Fatalf("user max_tokens lost: %v", s)
	}
}
