package llm

import (
	"context"
	"errors"
)

// ErrBackendUnavailable is returned by Start when the binary was built
// without a real inference runtime. Providers fall back to stub mode.
var ErrBackendUnavailable = errors.New("llama support not built (missing 'llama' build tag)")

// AllGPULayers asks the backend to offload every layer ("auto").
const AllGPULayers = 999

// Backend abstracts the model runtime used by LlamaProvider.
type Backend interface {
	// Start loads the model at modelPath and returns a session bound to it.
	Start(modelPath string, params LoadParams) (Session, error)
	// SupportedKeys lists the sampling keys the runtime understands. An
	// empty list means every recognized key is accepted.
	SupportedKeys() []string
}

// Session is one loaded model. Generate streams tokens to onToken and
// must return when ctx is canceled or onToken returns an error.
type Session interface {
	Generate(ctx context.Context, prompt string, params PredictParams, onToken func(string) error) (FinalResult, error)
	Close() error
}

// LoadParams are fixed at model load time.
type LoadParams struct {
	ContextLength int
	NGPULayers    int
	NBatch        int
}

// PredictParams captures per-request generation parameters.
type PredictParams struct {
	Temperature      float32
	TopP             float32
	TopK             int
	MinP             float32
	TypicalP         float32
	MaxTokens        int
	Stop             []string
	Seed             int
	RepeatPenalty    float32
	RepeatLastN      int
	PresencePenalty  float32
	FrequencyPenalty float32
	PenalizeNL       bool
	Mirostat         int
	MirostatTau      float32
	MirostatEta      float32
	Threads          int
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting reported by the runtime.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// predictParams converts merged sampling into runtime parameters.
func predictParams(s Sampling, threads int) PredictParams {
	p := PredictParams{Threads: threads, Stop: s.Stop()}
	if v, ok := s.Float("temperature"); ok {
		p.Temperature = float32(v)
	}
	if v, ok := s.Float("top_p"); ok {
		p.TopP = float32(v)
	}
	if v, ok := s.Int("top_k"); ok {
		p.TopK = v
	}
	if v, ok := s.Float("min_p"); ok {
		p.MinP = float32(v)
	}
	if v, ok := s.Float("typical_p"); ok {
		p.TypicalP = float32(v)
	}
	if v, ok := s.Int("max_tokens"); ok {
		p.MaxTokens = v
	}
	if v, ok := s.Int("seed"); ok {
		p.Seed = v
	}
	if v, ok := s.Float("repeat_penalty"); ok {
		p.RepeatPenalty = float32(v)
	}
	if v, ok := s.Int("repeat_last_n"); ok {
		p.RepeatLastN = v
	}
	if v, ok := s.Float("presence_penalty"); ok {
		p.PresencePenalty = float32(v)
	}
	if v, ok := s.Float("frequency_penalty"); ok {
		p.FrequencyPenalty = float32(v)
	}
	if v, ok := s["penalize_nl"].(bool); ok {
		p.PenalizeNL = v
	}
	if v, ok := s.Int("mirostat"); ok {
		p.Mirostat = v
	}
	if v, ok := s.Float("mirostat_tau"); ok {
		p.MirostatTau = float32(v)
	}
	if v, ok := s.Float("mirostat_eta"); ok {
		p.MirostatEta = float32(v)
	}
	return p
}
