package llm

import (
	"context"
	"time"

	"mia/internal/config"
)

// Provider is a loaded (or loadable) model.
type Provider interface {
	Load(ctx context.Context) error
	Unload()
	Generate(ctx context.Context, prompt string, s Sampling) (GenerationResult, error)
	// Stream calls yield for every non-empty text piece. Returning an error
	// from yield stops generation and is returned.
	Stream(ctx context.Context, prompt string, s Sampling, yield func(string) error) error
	Info() ModelInfo
	SetNGPULayers(ctx context.Context, v config.GPULayers) (GPULayerState, error)
	// EffectiveNGPULayers is false until the model is loaded.
	EffectiveNGPULayers() (int, bool)
	RequestedNGPULayers() config.GPULayers
	// GPUFallback reports whether the last load retried on CPU.
	GPUFallback() bool
	// Cancel flips the abort flag observed by the running stream.
	Cancel()
	Loaded() bool
	ModelPath() string
	LastUsed() time.Time
}

// ModelInfo is static information plus runtime metadata.
type ModelInfo struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	Capabilities  []string       `json:"capabilities"`
	ContextLength int            `json:"context_length"`
	Revision      string         `json:"revision,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Stub reports the metadata stub flag.
func (i ModelInfo) Stub() bool {
	b, _ := i.Metadata["stub"].(bool)
	return b
}

// GPULayerState describes the outcome of SetNGPULayers.
type GPULayerState struct {
	Requested        config.GPULayers `json:"requested"`
	Effective        *int             `json:"effective,omitempty"`
	RequestedChanged bool             `json:"requested_changed"`
	EffectiveChanged bool             `json:"effective_changed"`
}

// TokenUsage is prompt/completion accounting.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Timings of a single generation.
type Timings struct {
	TotalMS   int64    `json:"total_ms"`
	DecodeTPS *float64 `json:"decode_tps,omitempty"`
}

// GenerationError is the error block of a failed result.
type GenerationError struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ResultVersion is the GenerationResult schema version.
const ResultVersion = 2

// GenerationResult is the outcome of a non-streaming generation.
type GenerationResult struct {
	Version   int              `json:"version"`
	Status    string           `json:"status"`
	Text      string           `json:"text"`
	Usage     TokenUsage       `json:"usage"`
	Timings   Timings          `json:"timings"`
	ModelID   string           `json:"model_id"`
	Role      string           `json:"role"`
	RequestID string           `json:"request_id"`
	Error     *GenerationError `json:"error,omitempty"`
	Extra     map[string]any   `json:"extra,omitempty"`
}

func decodeTPS(completion int, totalMS int64) *float64 {
	if completion <= 0 || totalMS <= 0 {
		return nil
	}
	v := float64(completion) / (float64(totalMS) / 1000)
	return &v
}

// OKResult builds a successful result.
func OKResult(text string, prompt, completion int, totalMS int64, modelID, role, requestID string) GenerationResult {
	return GenerationResult{
		Version:   ResultVersion,
		Status:    "ok",
		Text:      text,
		Usage:     TokenUsage{PromptTokens: prompt, CompletionTokens: completion},
		Timings:   Timings{TotalMS: totalMS, DecodeTPS: decodeTPS(completion, totalMS)},
		ModelID:   modelID,
		Role:      role,
		RequestID: requestID,
	}
}

// FailureResult builds an error result.
func FailureResult(errType, msg string, prompt, completion int, totalMS int64, modelID, role, requestID string) GenerationResult {
	r := OKResult("", prompt, completion, totalMS, modelID, role, requestID)
	r.Status = "error"
	r.Error = &GenerationError{Type: errType, Message: msg}
	return r
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	lifecycleKey
)

// WithOwnedLifecycle marks ctx as belonging to a caller that emits its own
// GenerationStarted/GenerationCompleted events. Providers then only emit
// chunk events, keeping exactly one lifecycle pair per request.
func WithOwnedLifecycle(ctx context.Context) context.Context {
	return context.WithValue(ctx, lifecycleKey, true)
}

func lifecycleOwned(ctx context.Context) bool {
	owned, _ := ctx.Value(lifecycleKey).(bool)
	return owned
}

// WithRequestID attaches the correlation id used by provider events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the id set by WithRequestID.
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}
