package manager

import "mia/internal/llm"

// presetKeys are the sampling keys a reasoning preset may set.
var presetKeys = map[string]bool{
	"temperature": true, "top_p": true, "top_k": true, "repeat_penalty": true,
	"min_p": true, "typical_p": true, "presence_penalty": true, "frequency_penalty": true,
	"mirostat": true, "mirostat_tau": true, "mirostat_eta": true, "seed": true,
	"max_tokens": true,
}

// ApplyReasoningOverrides overlays the preset for mode on base. An unknown
// mode returns a copy of base. Applying it twice equals applying it once.
func (l *LLMModule) ApplyReasoningOverrides(base llm.Sampling, mode string) llm.Sampling {
	out := base.Clone()
	preset, ok := l.cfg.LLM.ReasoningPresets[mode]
	if !ok {
		return out
	}
	for k, v := range preset {
		if k == "max_output_tokens" {
			k = "max_tokens"
		}
		if !presetKeys[k] {
			continue
		}
		switch k {
		case "top_k", "max_tokens", "seed", "mirostat":
			out[k] = int(v)
		default:
			out[k] = v
		}
	}
	return out
}
