package types

import "mia/internal/config"

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Client session id; messages are kept per session.
	// example: s-42
	SessionID string `json:"session_id" example:"s-42" validate:"max=256"`
	// Model identifier. Empty means the configured primary.
	// example: gpt-oss-20b-mxfp4
	Model string `json:"model" example:"gpt-oss-20b-mxfp4" validate:"max=256"`
	// Required prompt text.
	// example: Explain the Harmony format briefly.
	Prompt string `json:"prompt" example:"Explain the Harmony format briefly."`
	// Optional sampling and runtime overrides.
	Overrides *Overrides `json:"overrides,omitempty"`
}

// Overrides are per-request sampling and runtime knobs.
type Overrides struct {
	// Reasoning preset to apply.
	// example: medium
	ReasoningPreset  *string  `json:"reasoning_preset,omitempty" example:"medium" validate:"omitempty,oneof=low medium high"`
	Temperature      *float64 `json:"temperature,omitempty" example:"0.7" validate:"omitempty,gte=0,lte=2"`
	TopP             *float64 `json:"top_p,omitempty" example:"0.9" validate:"omitempty,gt=0,lte=1"`
	TopK             *int     `json:"top_k,omitempty" example:"40" validate:"omitempty,gte=0"`
	MaxOutputTokens  *int     `json:"max_output_tokens,omitempty" example:"256" validate:"omitempty,gt=0"`
	RepeatPenalty    *float64 `json:"repeat_penalty,omitempty"`
	MinP             *float64 `json:"min_p,omitempty"`
	TypicalP         *float64 `json:"typical_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	RepeatLastN      *int     `json:"repeat_last_n,omitempty"`
	PenalizeNL       *bool    `json:"penalize_nl,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	Mirostat         *int     `json:"mirostat,omitempty"`
	MirostatTau      *float64 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float64 `json:"mirostat_eta,omitempty"`
	// Layer offload override: an integer or "auto".
	NGPULayers *config.GPULayers `json:"n_gpu_layers,omitempty" swaggertype:"string" example:"auto"`
	// Idle limit for this generation in seconds.
	GenerationTimeoutS *float64 `json:"generation_timeout_s,omitempty" validate:"omitempty,gt=0"`
	// Extra wait before the first token, in seconds.
	GenerationInitialIdleGraceS *float64 `json:"generation_initial_idle_grace_s,omitempty" validate:"omitempty,gte=0"`
	// Test-mode only delays.
	DevPreStreamDelayMS *int `json:"dev_pre_stream_delay_ms,omitempty"`
	DevPerTokenDelayMS  *int `json:"dev_per_token_delay_ms,omitempty"`
	// Stop sequences.
	// example: ["\n\n"]
	Stop []string `json:"stop,omitempty"`
}

// AbortRequest is the body of POST /generate/abort.
type AbortRequest struct {
	// example: req_3f1c
	RequestID string `json:"request_id" example:"req_3f1c"`
}

// AbortResponse reports whether the id was known.
type AbortResponse struct {
	OK        bool   `json:"ok"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []ModelEntry `json:"models"`
}

// ModelFlags are the boolean traits of a listed model.
type ModelFlags struct {
	Experimental bool `json:"experimental"`
	Deprecated   bool `json:"deprecated"`
	Alias        bool `json:"alias"`
	Reusable     bool `json:"reusable"`
	Internal     bool `json:"internal"`
	Stub         bool `json:"stub"`
}

// ModelLimits are the output and context limits of a listed model.
type ModelLimits struct {
	MaxOutputTokens    *int `json:"max_output_tokens"`
	ContextLength      int  `json:"context_length"`
	ReasoningMaxTokens *int `json:"reasoning_max_tokens"`
}

// ModelEntry is one model in GET /models.
type ModelEntry struct {
	// example: gpt-oss-20b-mxfp4
	ID              string         `json:"id" example:"gpt-oss-20b-mxfp4"`
	Role            string         `json:"role" example:"primary"`
	Capabilities    []string       `json:"capabilities"`
	ContextLength   int            `json:"context_length" example:"8192"`
	Flags           ModelFlags     `json:"flags"`
	Passport        map[string]any `json:"passport,omitempty"`
	PassportVersion *int           `json:"passport_version,omitempty"`
	PassportHash    string         `json:"passport_hash,omitempty"`
	Limits          ModelLimits    `json:"limits"`
	SystemPrompt    map[string]any `json:"system_prompt,omitempty"`
}

// ConfigResponse is returned by GET /config.
type ConfigResponse struct {
	UIMode                      string         `json:"ui_mode" example:"dev"`
	ReasoningRatioThreshold     float64        `json:"reasoning_ratio_threshold" example:"0.45"`
	GenerationTimeoutS          float64        `json:"generation_timeout_s" example:"120"`
	GenerationInitialIdleGraceS float64        `json:"generation_initial_idle_grace_s" example:"0"`
	Primary                     map[string]any `json:"primary"`
}

// PresetsResponse is returned by GET /presets.
type PresetsResponse struct {
	ReasoningPresets map[string]map[string]any `json:"reasoning_presets"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message or code.
	// example: prompt-empty
	Error string `json:"error" example:"prompt-empty"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Taxonomy kind, when known.
	ErrorType string `json:"error_type,omitempty"`
	// Where the error happened (pre_stream).
	Phase     string `json:"phase,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// InstanceStatus summarizes a cached provider for /status.
type InstanceStatus struct {
	// example: gpt-oss-20b-mxfp4
	ModelID string `json:"model_id" example:"gpt-oss-20b-mxfp4"`
	Role    string `json:"role" example:"primary"`
	// loaded or unloaded.
	// example: loaded
	State  string `json:"state" example:"loaded"`
	Stub   bool   `json:"stub"`
	Alias  bool   `json:"alias"`
	BaseID string `json:"base_id,omitempty"`
	Heavy  bool   `json:"heavy"`
	// Model file size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Last time this provider generated (unix seconds, 0 if never).
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Current queue length for incoming requests.
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight requests currently being processed.
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	MaxQueueDepth       int    `json:"max_queue_depth" example:"8"`
	NGPULayersRequested string `json:"n_gpu_layers_requested" example:"auto"`
	NGPULayersEffective *int   `json:"n_gpu_layers_effective,omitempty"`
	GPUFallback         bool   `json:"gpu_fallback"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Instances []InstanceStatus `json:"instances"`
	// example: gpt-oss-20b-mxfp4
	PrimaryID string `json:"primary_id"`
	// Number of loaded heavy providers (at most one).
	LoadedHeavy int `json:"loaded_heavy"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
