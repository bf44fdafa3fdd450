package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Config is the validated, typed root of the layered configuration.
// Zero values never reach callers: Defaults() fills every field and the
// files/env only override what they mention.
type Config struct {
	SchemaVersion int              `yaml:"schema_version" json:"schema_version"`
	Modules       ModulesConfig    `yaml:"modules" json:"modules"`
	LLM           LLMConfig        `yaml:"llm" json:"llm"`
	Embeddings    EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	RAG           RAGConfig        `yaml:"rag" json:"rag"`
	Perf          PerfConfig       `yaml:"perf" json:"perf"`
	Logging       LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig    `yaml:"metrics" json:"metrics"`
	Storage       StorageConfig    `yaml:"storage" json:"storage"`
	System        SystemConfig     `yaml:"system" json:"system"`
	Server        ServerConfig     `yaml:"server" json:"server"`
	Session       SessionConfig    `yaml:"session" json:"session"`
	Telemetry     TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Cache         CacheConfig      `yaml:"cache" json:"cache"`
	Emotion       EmotionConfig    `yaml:"emotion" json:"emotion"`
	Reflection    ReflectionConfig `yaml:"reflection" json:"reflection"`
}

type ModulesConfig struct {
	Enabled []string `yaml:"enabled" json:"enabled"`
}

type LLMConfig struct {
	Primary                     PrimaryConfig                  `yaml:"primary" json:"primary"`
	Lightweight                 LightweightConfig              `yaml:"lightweight" json:"lightweight"`
	OptionalModels              map[string]OptionalModelConfig `yaml:"optional_models" json:"optional_models" validate:"dive"`
	SkipChecksum                bool                           `yaml:"skip_checksum" json:"skip_checksum"`
	LoadTimeoutMS               int                            `yaml:"load_timeout_ms" json:"load_timeout_ms" validate:"gte=0"`
	HeavyModelVRAMThresholdGB   float64                        `yaml:"heavy_model_vram_threshold_gb" json:"heavy_model_vram_threshold_gb" validate:"gte=0"`
	RequireGPU                  bool                           `yaml:"require_gpu" json:"require_gpu"`
	GenerationTimeoutS          float64                        `yaml:"generation_timeout_s" json:"generation_timeout_s" validate:"gte=0"`
	GenerationInitialIdleGraceS float64                        `yaml:"generation_initial_idle_grace_s" json:"generation_initial_idle_grace_s"`
	ReasoningPresets            map[string]map[string]float64  `yaml:"reasoning_presets" json:"reasoning_presets"`
	Postproc                    PostprocConfig                 `yaml:"postproc" json:"postproc"`
	ToolCalling                 ToolCallingConfig              `yaml:"tool_calling" json:"tool_calling"`
	SystemPrompt                SystemPromptConfig             `yaml:"system_prompt" json:"system_prompt"`
}

type PrimaryConfig struct {
	ID              string    `yaml:"id" json:"id" validate:"required"`
	Temperature     float64   `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	TopP            float64   `yaml:"top_p" json:"top_p" validate:"gt=0,lte=1"`
	MaxOutputTokens int       `yaml:"max_output_tokens" json:"max_output_tokens" validate:"gt=0"`
	NGPULayers      GPULayers `yaml:"n_gpu_layers" json:"n_gpu_layers"`
	NThreads        *int      `yaml:"n_threads" json:"n_threads"`
	NBatch          *int      `yaml:"n_batch" json:"n_batch"`
	ContextLength   int       `yaml:"context_length" json:"context_length" validate:"gte=0"`
}

type LightweightConfig struct {
	ID          string  `yaml:"id" json:"id"`
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
}

// OptionalModelConfig describes an opt-in model (judge, planner, ...).
type OptionalModelConfig struct {
	Enabled            bool              `yaml:"enabled" json:"enabled"`
	ID                 string            `yaml:"id" json:"id"`
	LoadMode           string            `yaml:"load_mode" json:"load_mode" validate:"oneof=on_demand eager"`
	IdleUnloadSeconds  int               `yaml:"idle_unload_seconds" json:"idle_unload_seconds" validate:"gte=0"`
	ReasoningDefault   string            `yaml:"reasoning_default" json:"reasoning_default" validate:"reasoning_level"`
	ReasoningOverrides map[string]string `yaml:"reasoning_overrides" json:"reasoning_overrides" validate:"dive,reasoning_level"`
	Timeouts           OptionalTimeouts  `yaml:"timeouts" json:"timeouts"`
}

type OptionalTimeouts struct {
	JudgeMS int `yaml:"judge_ms" json:"judge_ms"`
	PlanMS  int `yaml:"plan_ms" json:"plan_ms"`
}

// UnmarshalYAML applies per-entry defaults before decoding so partially
// specified optional models keep sane values.
func (o *OptionalModelConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain OptionalModelConfig
	p := plain(defaultOptionalModel())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*o = OptionalModelConfig(p)
	return nil
}

func defaultOptionalModel() OptionalModelConfig {
	return OptionalModelConfig{
		LoadMode:           "on_demand",
		IdleUnloadSeconds:  300,
		ReasoningDefault:   "low",
		ReasoningOverrides: map[string]string{},
		Timeouts:           OptionalTimeouts{JudgeMS: 4000, PlanMS: 6000},
	}
}

type PostprocConfig struct {
	Reasoning           ReasoningPostproc    `yaml:"reasoning" json:"reasoning"`
	NGram               NGramConfig          `yaml:"ngram" json:"ngram"`
	Collapse            CollapseConfig       `yaml:"collapse" json:"collapse"`
	CommentaryRetention RetentionConfig      `yaml:"commentary_retention" json:"commentary_retention"`
	DuplicateFinal      DuplicateFinalConfig `yaml:"duplicate_final" json:"duplicate_final"`
}

type ReasoningPostproc struct {
	MaxTokens           int     `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	DropFromHistory     bool    `yaml:"drop_from_history" json:"drop_from_history"`
	RatioAlertThreshold float64 `yaml:"ratio_alert_threshold" json:"ratio_alert_threshold"`
}

type NGramConfig struct {
	N      int `yaml:"n" json:"n" validate:"gte=1"`
	Window int `yaml:"window" json:"window" validate:"gte=1"`
}

type CollapseConfig struct {
	Whitespace bool `yaml:"whitespace" json:"whitespace"`
}

// DuplicateFinalConfig tunes the exact-duplicate final collapse. A body is
// collapsed only if each half is at least MinHalfChars long.
type DuplicateFinalConfig struct {
	MinHalfChars         int `yaml:"min_half_chars" json:"min_half_chars" validate:"gte=1"`
	PipelineMinHalfChars int `yaml:"pipeline_min_half_chars" json:"pipeline_min_half_chars" validate:"gte=1"`
}

type RetentionConfig struct {
	Mode             string           `yaml:"mode" json:"mode" validate:"retention_mode"`
	ToolChain        ToolChainConfig  `yaml:"tool_chain" json:"tool_chain"`
	HashedSlice      HashedSlice      `yaml:"hashed_slice" json:"hashed_slice"`
	RedactedSnippets RedactedSnippets `yaml:"redacted_snippets" json:"redacted_snippets"`
	RawEphemeral     RawEphemeral     `yaml:"raw_ephemeral" json:"raw_ephemeral"`
}

type ToolChainConfig struct {
	Detect       bool   `yaml:"detect" json:"detect"`
	ApplyWhen    string `yaml:"apply_when" json:"apply_when"`
	OverrideMode string `yaml:"override_mode" json:"override_mode" validate:"retention_mode"`
	TagInSummary bool   `yaml:"tag_in_summary" json:"tag_in_summary"`
}

type HashedSlice struct {
	MaxChars int `yaml:"max_chars" json:"max_chars" validate:"gte=1"`
}

type RedactedSnippets struct {
	RedactPattern string `yaml:"redact_pattern" json:"redact_pattern"`
	Replacement   string `yaml:"replacement" json:"replacement"`
}

type RawEphemeral struct {
	TTLSeconds int `yaml:"ttl_seconds" json:"ttl_seconds" validate:"gte=0"`
}

type ToolCallingConfig struct {
	MaxPayloadBytes int                 `yaml:"max_payload_bytes" json:"max_payload_bytes" validate:"gte=1"`
	Retention       ToolRetentionConfig `yaml:"retention" json:"retention"`
}

type ToolRetentionConfig struct {
	Mode                string `yaml:"mode" json:"mode" validate:"retention_mode"`
	HashPreviewMaxChars int    `yaml:"hash_preview_max_chars" json:"hash_preview_max_chars" validate:"gte=1"`
	RedactedPlaceholder string `yaml:"redacted_placeholder" json:"redacted_placeholder"`
}

type SystemPromptConfig struct {
	Text string `yaml:"text" json:"text"`
}

type EmbeddingsConfig struct {
	Main     EmbeddingRef `yaml:"main" json:"main"`
	Fallback EmbeddingRef `yaml:"fallback" json:"fallback"`
}

type EmbeddingRef struct {
	ID string `yaml:"id" json:"id"`
}

type RAGConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	CollectionDefault string  `yaml:"collection_default" json:"collection_default"`
	TopK              int     `yaml:"top_k" json:"top_k" validate:"gte=0"`
	Hybrid            struct {
		WeightSemantic float64 `yaml:"weight_semantic" json:"weight_semantic"`
		WeightBM25     float64 `yaml:"weight_bm25" json:"weight_bm25"`
	} `yaml:"hybrid" json:"hybrid"`
	Normalize struct {
		Method   string  `yaml:"method" json:"method" validate:"oneof=minmax zscore"`
		Epsilon  float64 `yaml:"epsilon" json:"epsilon"`
		MinScore float64 `yaml:"min_score" json:"min_score"`
		MaxScore float64 `yaml:"max_score" json:"max_score"`
	} `yaml:"normalize" json:"normalize"`
	Context struct {
		MaxFractionOfWindow float64 `yaml:"max_fraction_of_window" json:"max_fraction_of_window" validate:"gte=0,lte=1"`
	} `yaml:"context" json:"context"`
	Expansion struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Model   string `yaml:"model" json:"model"`
	} `yaml:"expansion" json:"expansion"`
}

type PerfConfig struct {
	Thresholds struct {
		TPSRegressionPct      float64 `yaml:"tps_regression_pct" json:"tps_regression_pct"`
		P95RegressionPct      float64 `yaml:"p95_regression_pct" json:"p95_regression_pct"`
		P95RatioLimit         float64 `yaml:"p95_ratio_limit" json:"p95_ratio_limit"`
		P95RatioRegressionPct float64 `yaml:"p95_ratio_regression_pct" json:"p95_ratio_regression_pct"`
	} `yaml:"thresholds" json:"thresholds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json text"`
}

type MetricsConfig struct {
	Export struct {
		PrometheusPort int `yaml:"prometheus_port" json:"prometheus_port"`
	} `yaml:"export" json:"export"`
}

type StorageConfig struct {
	Paths struct {
		Models string `yaml:"models" json:"models"`
		Cache  string `yaml:"cache" json:"cache"`
		Data   string `yaml:"data" json:"data"`
	} `yaml:"paths" json:"paths"`
}

type SystemConfig struct {
	Locale   string `yaml:"locale" json:"locale"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

type ServerConfig struct {
	Addr          string     `yaml:"addr" json:"addr"`
	MaxBodyBytes  int64      `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gte=0"`
	CORS          CORSConfig `yaml:"cors" json:"cors"`
	SweepEveryS   int        `yaml:"sweep_every_s" json:"sweep_every_s" validate:"gte=0"`
	MaxQueueDepth int        `yaml:"max_queue_depth" json:"max_queue_depth" validate:"gte=0"`
	QueueWaitMS   int        `yaml:"queue_wait_ms" json:"queue_wait_ms" validate:"gte=0"`
}

type CORSConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Origins []string `yaml:"origins" json:"origins"`
	Methods []string `yaml:"methods" json:"methods"`
	Headers []string `yaml:"headers" json:"headers"`
}

type SessionConfig struct {
	MaxMessages int `yaml:"max_messages" json:"max_messages" validate:"gte=1"`
	TTLMinutes  int `yaml:"ttl_minutes" json:"ttl_minutes" validate:"gte=1"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" json:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// CacheConfig selects the store for raw_ephemeral commentary slices.
type CacheConfig struct {
	Backend  string `yaml:"backend" json:"backend" validate:"oneof=memory redis"`
	RedisURL string `yaml:"redis_url" json:"redis_url"`
}

// EmotionConfig and ReflectionConfig are accepted for file compatibility;
// the runtime only reports them through `miad config show`.
type EmotionConfig struct {
	Model struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"model" json:"model"`
	FSM struct {
		HysteresisMS int `yaml:"hysteresis_ms" json:"hysteresis_ms" validate:"gte=0"`
	} `yaml:"fsm" json:"fsm"`
}

type ReflectionConfig struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	Schedule struct {
		Cron string `yaml:"cron" json:"cron"`
	} `yaml:"schedule" json:"schedule"`
}

// GPULayers is either "auto" or a non-negative layer count.
type GPULayers struct {
	Auto bool
	N    int
}

// AutoGPULayers is the default: let the backend decide.
var AutoGPULayers = GPULayers{Auto: true}

// ParseGPULayers accepts "auto" or an integer; negatives clip to 0.
func ParseGPULayers(s string) (GPULayers, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "auto" {
		return AutoGPULayers, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return GPULayers{}, fmt.Errorf("n_gpu_layers must be \"auto\" or an integer, got %q", s)
	}
	if n < 0 {
		n = 0
	}
	return GPULayers{N: n}, nil
}

func (g GPULayers) String() string {
	if g.Auto {
		return "auto"
	}
	return strconv.Itoa(g.N)
}

// Value returns "auto" or the integer, for JSON payloads.
func (g GPULayers) Value() any {
	if g.Auto {
		return "auto"
	}
	return g.N
}

func (g *GPULayers) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseGPULayers(n.Value)
	if err != nil {
		return err
	}
	*g = v
	return nil
}

func (g GPULayers) MarshalYAML() (any, error) { return g.Value(), nil }

func (g GPULayers) MarshalJSON() ([]byte, error) { return json.Marshal(g.Value()) }

func (g *GPULayers) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*g = GPULayers{N: max(n, 0)}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseGPULayers(s)
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// JSONSchema describes the "auto"|int union for generated schemas.
func (GPULayers) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", Enum: []any{"auto"}},
			{Type: "integer", Minimum: json.Number("0")},
		},
	}
}

// Defaults returns the built-in configuration layer.
func Defaults() Config {
	var c Config
	c.SchemaVersion = 1
	c.Modules.Enabled = []string{"llm"}

	c.LLM.Primary = PrimaryConfig{
		ID:              "gpt-oss-20b-mxfp4",
		Temperature:     0.7,
		TopP:            0.9,
		MaxOutputTokens: 1024,
		NGPULayers:      AutoGPULayers,
		ContextLength:   8192,
	}
	c.LLM.Lightweight = LightweightConfig{ID: "phi-3.5-mini-instruct-q3_k_s", Temperature: 0.4}
	c.LLM.OptionalModels = map[string]OptionalModelConfig{}
	c.LLM.LoadTimeoutMS = 15000
	c.LLM.HeavyModelVRAMThresholdGB = 10
	c.LLM.GenerationTimeoutS = 120
	c.LLM.ReasoningPresets = map[string]map[string]float64{
		"low":    {"temperature": 0.6, "top_p": 0.9},
		"medium": {"temperature": 0.7, "top_p": 0.92},
		"high":   {"temperature": 0.85, "top_p": 0.95},
	}
	c.LLM.Postproc = PostprocConfig{
		Reasoning: ReasoningPostproc{MaxTokens: 256, DropFromHistory: true, RatioAlertThreshold: 0.45},
		NGram:     NGramConfig{N: 3, Window: 128},
		Collapse:  CollapseConfig{Whitespace: true},
		CommentaryRetention: RetentionConfig{
			Mode: "metrics_only",
			ToolChain: ToolChainConfig{
				ApplyWhen:    "raw_ephemeral",
				OverrideMode: "hashed_slice",
			},
			HashedSlice:      HashedSlice{MaxChars: 160},
			RedactedSnippets: RedactedSnippets{RedactPattern: `(?i)(secret|api[_-]?key)`, Replacement: "***"},
			RawEphemeral:     RawEphemeral{TTLSeconds: 300},
		},
		DuplicateFinal: DuplicateFinalConfig{MinHalfChars: 8, PipelineMinHalfChars: 16},
	}
	c.LLM.ToolCalling = ToolCallingConfig{
		MaxPayloadBytes: 8192,
		Retention: ToolRetentionConfig{
			Mode:                "metrics_only",
			HashPreviewMaxChars: 200,
			RedactedPlaceholder: "[REDACTED]",
		},
	}

	c.Embeddings.Main.ID = "bge-m3"
	c.Embeddings.Fallback.ID = "multilingual-e5-small"

	c.RAG.Enabled = true
	c.RAG.CollectionDefault = "memory"
	c.RAG.TopK = 8
	c.RAG.Hybrid.WeightSemantic = 0.6
	c.RAG.Hybrid.WeightBM25 = 0.4
	c.RAG.Normalize.Method = "minmax"
	c.RAG.Normalize.Epsilon = 1e-6
	c.RAG.Normalize.MaxScore = 1.0
	c.RAG.Context.MaxFractionOfWindow = 0.8
	c.RAG.Expansion.Model = "lightweight"

	c.Perf.Thresholds.TPSRegressionPct = 0.12
	c.Perf.Thresholds.P95RegressionPct = 0.18
	c.Perf.Thresholds.P95RatioLimit = 1.30
	c.Perf.Thresholds.P95RatioRegressionPct = 0.20

	c.Logging = LoggingConfig{Level: "info", Format: "json"}
	c.Metrics.Export.PrometheusPort = 9090

	c.Storage.Paths.Models = "models"
	c.Storage.Paths.Cache = ".cache"
	c.Storage.Paths.Data = "data"
	c.System = SystemConfig{Locale: "ru-RU", Timezone: "Europe/Moscow"}

	c.Server = ServerConfig{
		Addr:          ":8080",
		MaxBodyBytes:  1 << 20,
		CORS:          CORSConfig{Enabled: true, Origins: []string{"*"}},
		SweepEveryS:   30,
		MaxQueueDepth: 8,
		QueueWaitMS:   30000,
	}
	c.Session = SessionConfig{MaxMessages: 50, TTLMinutes: 60}
	c.Telemetry = TelemetryConfig{ServiceName: "mia"}
	c.Cache = CacheConfig{Backend: "memory"}
	c.Emotion.Model.ID = "emotion-classifier"
	c.Emotion.FSM.HysteresisMS = 2000
	c.Reflection.Enabled = true
	c.Reflection.Schedule.Cron = "0 3 * * *"
	return c
}

// Presets returns the reasoning presets as generic sampling maps.
func (c *Config) Presets() map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.LLM.ReasoningPresets))
	for name, p := range c.LLM.ReasoningPresets {
		m := make(map[string]any, len(p))
		for k, v := range p {
			m[k] = v
		}
		out[name] = m
	}
	return out
}

// ModuleEnabled reports whether name is listed in modules.enabled.
func (c *Config) ModuleEnabled(name string) bool {
	for _, m := range c.Modules.Enabled {
		if m == name {
			return true
		}
	}
	return false
}
