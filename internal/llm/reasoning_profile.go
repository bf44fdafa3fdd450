package llm

const (
	defaultBaseMaxTokens = 1024
	minOutputPct         = 0.05
	maxOutputPct         = 0.9
	reasoningFinalRatio  = 0.5
)

// ReasoningProfile reports how the effective sampling was assembled.
type ReasoningProfile struct {
	Level                    string   `json:"level,omitempty"`
	ReasoningMaxTokens       int      `json:"reasoning_max_tokens"`
	EffectiveMaxOutputTokens int      `json:"effective_max_output_tokens"`
	OriginChain              []string `json:"origin_chain"`
	Clamps                   []string `json:"clamps,omitempty"`
}

// ResolveReasoningProfile merges passport defaults, the passport level and
// user overrides in that order. The level's max_output_tokens_pct is
// clamped to [0.05, 0.9] of the base budget, and the reasoning cap may not
// exceed half of the final budget.
func ResolveReasoningProfile(p *Passport, level string, user Sampling) (Sampling, ReasoningProfile) {
	out := Sampling{}
	prof := ReasoningProfile{Level: level}
	if p != nil && len(p.SamplingDefaults) > 0 {
		for k, v := range p.SamplingDefaults {
			out[k] = v
		}
		out = out.Normalized()
		prof.OriginChain = append(prof.OriginChain, "passport")
	}

	reasoningCap := 0
	if p != nil && p.Reasoning.DefaultReasoningMaxTokens != nil {
		reasoningCap = *p.Reasoning.DefaultReasoningMaxTokens
	}
	var lvl *ReasoningLevel
	if p != nil && level != "" {
		if l, ok := p.ReasoningLevels[level]; ok {
			lvl = &l
		}
	}
	if lvl != nil {
		if lvl.Temperature != nil {
			out["temperature"] = *lvl.Temperature
		}
		if lvl.TopP != nil {
			out["top_p"] = *lvl.TopP
		}
		if lvl.TopK != nil {
			out["top_k"] = *lvl.TopK
		}
		if lvl.MaxOutputTokensPct != nil {
			base, ok := p.MaxOutputTokens()
			if !ok {
				base = defaultBaseMaxTokens
			}
			pct := *lvl.MaxOutputTokensPct
			if pct < minOutputPct || pct > maxOutputPct {
				prof.Clamps = append(prof.Clamps, "pct")
				pct = min(max(pct, minOutputPct), maxOutputPct)
			}
			out["max_tokens"] = int(float64(base) * pct)
		}
		if lvl.ReasoningMaxTokens != nil {
			reasoningCap = *lvl.ReasoningMaxTokens
		}
		prof.OriginChain = append(prof.OriginChain, "level:"+level)
	} else {
		reasoningCap = 0
	}

	if len(user) > 0 {
		u := user.Normalized()
		touched := false
		for _, k := range []string{"max_tokens", "temperature", "top_p", "top_k", "repeat_penalty", "presence_penalty", "frequency_penalty"} {
			if v, ok := u[k]; ok {
				out[k] = v
				touched = true
			}
		}
		if touched {
			prof.OriginChain = append(prof.OriginChain, "user")
		}
	}

	finalMax, ok := out.Int("max_tokens")
	if !ok || finalMax <= 0 {
		if base, ok := p.MaxOutputTokens(); ok {
			finalMax = base
		} else {
			finalMax = defaultBaseMaxTokens
		}
	}
	if limit := int(float64(finalMax) * reasoningFinalRatio); reasoningCap > limit {
		reasoningCap = limit
		prof.Clamps = append(prof.Clamps, "ratio")
	}
	prof.ReasoningMaxTokens = reasoningCap
	prof.EffectiveMaxOutputTokens = finalMax
	return out, prof
}
