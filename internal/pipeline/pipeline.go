// Package pipeline drives one generation request from prompt framing
// through Harmony parsing to the SSE frames a client receives.
package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mia/internal/abort"
	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/harmony"
	"mia/internal/llm"
	"mia/internal/metrics"
	"mia/internal/session"
)

// Kind names a pipeline variant.
type Kind string

const KindPrimary Kind = "primary"

// Sink receives SSE frames in order.
type Sink interface {
	Send(event string, payload map[string]any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, payload map[string]any) error

func (f SinkFunc) Send(event string, payload map[string]any) error { return f(event, payload) }

// Presets applies a configured reasoning preset to a sampling base.
type Presets interface {
	ApplyReasoningOverrides(base llm.Sampling, mode string) llm.Sampling
}

// Pipeline is a generation flow.
type Pipeline interface {
	Prepare(ctx context.Context, in PrepareInput) (*GenerationContext, error)
	Stream(ctx context.Context, gc *GenerationContext, sink Sink) error
	Finalize(gc *GenerationContext, sink Sink) (Result, error)
	// Run is Stream then Finalize plus the terminal frames.
	Run(ctx context.Context, gc *GenerationContext, sink Sink) (Outcome, error)
	LateAbort(gc *GenerationContext, msg string) bool
}

var (
	logMu sync.RWMutex
	zlog  *zerolog.Logger
)

// SetLogger routes pipeline logs through zerolog.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	zlog = &l
	logMu.Unlock()
}

func logf(level zerolog.Level, format string, args ...any) {
	logMu.RLock()
	l := zlog
	logMu.RUnlock()
	if l != nil {
		l.WithLevel(level).Msgf(format, args...)
		return
	}
	if level >= zerolog.InfoLevel {
		log.Printf(format, args...)
	}
}

// Options wires a Primary pipeline.
type Options struct {
	Config  *config.Config
	Presets Presets
	Aborts  *abort.Registry
	Bus     *eventbus.Bus
	Metrics *metrics.Registry
	Cache   harmony.EphemeralCache
	Now     func() time.Time
	// PollInterval bounds how long the stream loop waits before
	// re-checking abort and timeout state.
	PollInterval time.Duration
}

// PrepareInput is everything Prepare needs for one request.
type PrepareInput struct {
	RequestID     string
	ModelID       string
	Provider      llm.Provider
	UserPrompt    string
	ReasoningMode string
	// UserSampling holds only client overrides (max_output_tokens is
	// accepted as an alias of max_tokens).
	UserSampling llm.Sampling
	// PassportDefaults overrides the provider's attached passport defaults
	// when non-nil.
	PassportDefaults llm.Sampling
	Session          []session.Message
	TimeoutS         *float64
	IdleGraceS       *float64
	PerTokenDelay    time.Duration
}

// SamplingInfo is the requested vs effective output budget.
type SamplingInfo struct {
	RequestedMaxTokens *int
	EffectiveMaxTokens *int
	CapApplied         bool
	CapSource          string
	Merged             llm.Sampling
}

// Summary renders the block shared by GenerationStarted and
// GenerationCompleted.
func (s SamplingInfo) Summary() map[string]any {
	out := map[string]any{
		"requested_max_tokens": intOrNil(s.RequestedMaxTokens),
		"effective_max_tokens": intOrNil(s.EffectiveMaxTokens),
		"cap_applied":          s.CapApplied,
		"cap_source":           strOrNil(s.CapSource),
	}
	if v, ok := s.Merged.Int("max_tokens"); ok && v > 0 {
		out["max_tokens"] = v
	}
	return out
}

// GenerationContext carries per-request state between the phases.
type GenerationContext struct {
	RequestID string
	ModelID   string
	Role      string
	Provider  llm.Provider

	Prompt              string
	PromptTokens        int
	SystemPromptText    string
	SystemPromptVersion int
	SystemPromptHash    string
	UserPrompt          string

	Sampling         SamplingInfo
	SamplingOrigin   string
	OverriddenFields []string
	ReasoningMode    string
	Profile          llm.ReasoningProfile
	StopSequences    []string
	PassportMismatch *Mismatch

	Adapter     *harmony.Adapter
	AdapterName string

	Timeout       time.Duration
	IdleGrace     time.Duration
	PerTokenDelay time.Duration

	StartedAt      time.Time
	Fragments      []string
	SanitizedFinal string
	ReasoningStats *harmony.Stats
	ReasoningText  *string
	FinalDetected  time.Time
	StopHit        string
	OutputTokens   int
	FirstTokenMS   *int64
	LatencyMS      int64
	DecodeTPS      float64
	seq            int
	ratioRecorded  bool

	mu              sync.Mutex
	cancelEmitted   bool
	latencyEmitted  bool
	terminalEmitted bool
}

// Mismatch is a passport vs config disagreement on an output limit.
type Mismatch struct {
	Field         string
	PassportValue int
	ConfigValue   int
}

// Result is what Finalize produced.
type Result struct {
	FinalText       string
	Usage           map[string]any
	ReasoningStats  *harmony.Stats
	SamplingSummary map[string]any
	StopReason      string
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (gc *GenerationContext) frame(kv map[string]any) map[string]any {
	out := map[string]any{"request_id": gc.RequestID, "model_id": gc.ModelID}
	for k, v := range kv {
		out[k] = v
	}
	return out
}
