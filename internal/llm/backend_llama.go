//go:build llama

package llm

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// LlamaBuilt reports whether this binary carries the in-process runtime.
const LlamaBuilt = true

type llamaBackend struct{}

// NewLlamaBackend returns the go-llama.cpp backed runtime.
func NewLlamaBackend() Backend { return llamaBackend{} }

func (llamaBackend) SupportedKeys() []string {
	return []string{
		"temperature", "top_p", "top_k", "typical_p", "max_tokens", "stop", "seed",
		"repeat_penalty", "repeat_last_n", "presence_penalty", "frequency_penalty",
		"penalize_nl", "mirostat", "mirostat_tau", "mirostat_eta",
	}
}

// llamaSession owns the loaded model
type llamaSession struct {
	mu    sync.Mutex
	model *llama.LLama
}

func (llamaBackend) Start(modelPath string, params LoadParams) (Session, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{
		llama.SetContext(max(params.ContextLength, 512)),
		llama.SetGPULayers(params.NGPULayers),
	}
	if params.NBatch > 0 {
		mo = append(mo, llama.SetNBatch(params.NBatch))
	}
	m, err := llama.New(modelPath, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaSession{model: m}, nil
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, params PredictParams, onToken func(string) error) (FinalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return FinalResult{}, errors.New("llama model not initialized")
	}
	var cbErr error
	s.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	defer s.model.SetTokenCallback(nil)
	text, err := s.model.Predict(prompt, predictOptions(params)...)
	if cbErr != nil {
		return FinalResult{Content: text}, cbErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	return FinalResult{Content: text, FinishReason: "eos"}, nil
}

func (s *llamaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts our params into go-llama.cpp options
func predictOptions(p PredictParams) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, zn(p.MaxTokens, defaultStubTokens))),
		llama.SetThreads(max(1, p.Threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	if p.TypicalP > 0 {
		po = append(po, llama.SetTypicalP(p.TypicalP))
	}
	if p.RepeatLastN > 0 {
		po = append(po, llama.SetRepeat(p.RepeatLastN))
	}
	if p.PresencePenalty != 0 {
		po = append(po, llama.SetPresencePenalty(p.PresencePenalty))
	}
	if p.FrequencyPenalty != 0 {
		po = append(po, llama.SetFrequencyPenalty(p.FrequencyPenalty))
	}
	if p.PenalizeNL {
		po = append(po, llama.SetPenalizeNL(true))
	}
	if p.Mirostat > 0 {
		po = append(po, llama.SetMirostat(p.Mirostat))
		if p.MirostatTau > 0 {
			po = append(po, llama.SetMirostatTAU(p.MirostatTau))
		}
		if p.MirostatEta > 0 {
			po = append(po, llama.SetMirostatETA(p.MirostatEta))
		}
	}
	return po
}
