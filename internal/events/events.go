// Package events defines the typed events published on the event bus and
// the any-subscriber that derives counters from them.
package events

import (
	"reflect"
	"strings"

	"mia/internal/eventbus"
)

// Event is implemented by every typed event. The name is the bus topic.
type Event interface {
	EventName() string
}

// Emit publishes ev on b. Nil pointer, nil map and nil slice fields tagged
// omitempty are left out of the payload.
func Emit(b *eventbus.Bus, ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.Emit(ev.EventName(), ToPayload(ev))
}

// ToPayload flattens an event struct into a bus payload keyed by json tag.
func ToPayload(ev Event) eventbus.Payload {
	out := eventbus.Payload{}
	v := reflect.ValueOf(ev)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return out
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return out
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := v.Field(i)
		omit := strings.Contains(opts, "omitempty")
		switch fv.Kind() {
		case reflect.Pointer:
			if fv.IsNil() {
				if !omit {
					out[name] = nil
				}
				continue
			}
			out[name] = fv.Elem().Interface()
		case reflect.Map, reflect.Slice:
			if fv.IsNil() {
				if !omit {
					out[name] = nil
				}
				continue
			}
			out[name] = fv.Interface()
		default:
			out[name] = fv.Interface()
		}
	}
	return out
}

// Ptr returns a pointer to v; handy for optional event fields.
func Ptr[T any](v T) *T { return &v }

type ModelLoaded struct {
	ModelID  string  `json:"model_id"`
	Role     string  `json:"role"`
	LoadMS   int64   `json:"load_ms"`
	Revision *string `json:"revision,omitempty"`
}

func (ModelLoaded) EventName() string { return "ModelLoaded" }

type ModelLoadFailed struct {
	ModelID   string  `json:"model_id"`
	Role      string  `json:"role"`
	ErrorType string  `json:"error_type"`
	Message   *string `json:"message,omitempty"`
}

func (ModelLoadFailed) EventName() string { return "ModelLoadFailed" }

type ModelUnloaded struct {
	ModelID     string `json:"model_id"`
	Role        string `json:"role"`
	Reason      string `json:"reason"`
	IdleSeconds *int   `json:"idle_seconds,omitempty"`
}

func (ModelUnloaded) EventName() string { return "ModelUnloaded" }

type ModelAliasedLoaded struct {
	AliasID  string `json:"alias_id"`
	BaseID   string `json:"base_id"`
	Role     string `json:"role"`
	BaseRole string `json:"base_role"`
	Reuse    bool   `json:"reuse"`
}

func (ModelAliasedLoaded) EventName() string { return "ModelAliasedLoaded" }

type ModelDowngraded struct {
	ModelID          string `json:"model_id"`
	Role             string `json:"role"`
	Reason           string `json:"reason"`
	FreeVRAMMBBefore *int   `json:"free_vram_mb_before,omitempty"`
}

func (ModelDowngraded) EventName() string { return "ModelDowngraded" }

type GenerationStarted struct {
	RequestID           string         `json:"request_id"`
	ModelID             string         `json:"model_id"`
	Role                string         `json:"role"`
	PromptTokens        int            `json:"prompt_tokens"`
	ParentRequestID     *string        `json:"parent_request_id,omitempty"`
	CorrelationID       *string        `json:"correlation_id,omitempty"`
	SystemPromptVersion *int           `json:"system_prompt_version,omitempty"`
	SystemPromptHash    *string        `json:"system_prompt_hash,omitempty"`
	PersonaLen          *int           `json:"persona_len,omitempty"`
	Sampling            map[string]any `json:"sampling,omitempty"`
	SamplingOrigin      *string        `json:"sampling_origin,omitempty"`
	MergedSampling      map[string]any `json:"merged_sampling,omitempty"`
	StopSequences       []string       `json:"stop_sequences,omitempty"`
	CapApplied          *bool          `json:"cap_applied,omitempty"`
	FilteredOut         []string       `json:"filtered_out,omitempty"`
}

func (GenerationStarted) EventName() string { return "GenerationStarted" }

type GenerationChunk struct {
	RequestID     string `json:"request_id"`
	ModelID       string `json:"model_id"`
	Role          string `json:"role"`
	CorrelationID string `json:"correlation_id"`
	Seq           int    `json:"seq"`
	Text          string `json:"text"`
	TokensOut     int    `json:"tokens_out"`
}

func (GenerationChunk) EventName() string { return "GenerationChunk" }

type GenerationCompleted struct {
	RequestID      string         `json:"request_id"`
	ModelID        string         `json:"model_id"`
	Role           string         `json:"role"`
	Status         string         `json:"status"`
	CorrelationID  string         `json:"correlation_id"`
	OutputTokens   int            `json:"output_tokens"`
	LatencyMS      int64          `json:"latency_ms"`
	ResultSummary  map[string]any `json:"result_summary,omitempty"`
	ErrorType      *string        `json:"error_type,omitempty"`
	Message        *string        `json:"message,omitempty"`
	StopReason     *string        `json:"stop_reason,omitempty"`
	SamplingOrigin *string        `json:"sampling_origin,omitempty"`
	MergedSampling map[string]any `json:"merged_sampling,omitempty"`
}

func (GenerationCompleted) EventName() string { return "GenerationCompleted" }

type GenerationCancelled struct {
	RequestID     string  `json:"request_id"`
	ModelID       string  `json:"model_id"`
	Role          string  `json:"role"`
	Reason        string  `json:"reason"`
	LatencyMS     int64   `json:"latency_ms"`
	OutputTokens  int     `json:"output_tokens"`
	CorrelationID *string `json:"correlation_id,omitempty"`
	Message       *string `json:"message,omitempty"`
}

func (GenerationCancelled) EventName() string { return "GenerationCancelled" }

type CancelLatencyMeasured struct {
	RequestID  string  `json:"request_id"`
	ModelID    *string `json:"model_id"`
	DurationMS int64   `json:"duration_ms"`
	Path       string  `json:"path"`
}

func (CancelLatencyMeasured) EventName() string { return "CancelLatencyMeasured" }

type JudgeInvocation struct {
	RequestID       string   `json:"request_id"`
	ModelID         string   `json:"model_id"`
	TargetRequestID string   `json:"target_request_id"`
	Agreement       *float64 `json:"agreement,omitempty"`
}

func (JudgeInvocation) EventName() string { return "JudgeInvocation" }

type PlanGenerated struct {
	RequestID  string `json:"request_id"`
	StepsCount int    `json:"steps_count"`
	ModelID    string `json:"model_id"`
}

func (PlanGenerated) EventName() string { return "PlanGenerated" }

// ReasoningPresetApplied records preset selection; Mode is baseline or
// overridden depending on whether user overrides changed preset fields.
type ReasoningPresetApplied struct {
	RequestID        string   `json:"request_id"`
	Preset           string   `json:"preset"`
	Mode             string   `json:"mode"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	OverriddenFields []string `json:"overridden_fields,omitempty"`
}

func (ReasoningPresetApplied) EventName() string { return "ReasoningPresetApplied" }

type ModelRouted struct {
	RequestID    string         `json:"request_id"`
	ModelID      string         `json:"model_id"`
	Pipeline     string         `json:"pipeline"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

func (ModelRouted) EventName() string { return "ModelRouted" }

// ModelPassportMismatch is a drift warning between passport and config limits.
type ModelPassportMismatch struct {
	ModelID       string `json:"model_id"`
	Field         string `json:"field"`
	PassportValue *int   `json:"passport_value"`
	ConfigValue   *int   `json:"config_value"`
}

func (ModelPassportMismatch) EventName() string { return "ModelPassportMismatch" }

type ToolCallPlanned struct {
	RequestID         string  `json:"request_id"`
	Tool              string  `json:"tool"`
	ArgsPreviewHash   string  `json:"args_preview_hash"`
	Seq               int     `json:"seq"`
	ArgsSchemaVersion *string `json:"args_schema_version,omitempty"`
}

func (ToolCallPlanned) EventName() string { return "ToolCallPlanned" }

type ToolCallResult struct {
	RequestID string  `json:"request_id"`
	ModelID   string  `json:"model_id"`
	Tool      string  `json:"tool"`
	Status    string  `json:"status"`
	LatencyMS int64   `json:"latency_ms"`
	Seq       int     `json:"seq"`
	ErrorType *string `json:"error_type,omitempty"`
	Message   *string `json:"message,omitempty"`
}

func (ToolCallResult) EventName() string { return "ToolCallResult" }

// ReasoningSuppressedOrNone is emitted when a generation finishes without
// reasoning tokens. Reason: no-analysis-channel, drop_history or both
// joined with "+".
type ReasoningSuppressedOrNone struct {
	RequestID   string `json:"request_id"`
	ModelID     string `json:"model_id"`
	Reason      string `json:"reason"`
	FinalTokens int    `json:"final_tokens"`
}

func (ReasoningSuppressedOrNone) EventName() string { return "ReasoningSuppressedOrNone" }
