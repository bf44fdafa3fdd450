// Package httpapi serves the MIA gateway: JSON introspection routes and
// the /generate SSE stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mia/internal/abort"
	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/llm"
	"mia/internal/metrics"
	"mia/internal/registry"
	"mia/internal/router"
	"mia/internal/session"
	"mia/pkg/types"
)

// Catalog is the model-management surface the HTTP layer needs.
// *manager.LLMModule implements it.
type Catalog interface {
	PrimaryID() string
	Manifests() (map[string]registry.Manifest, error)
	Cached(id string) (llm.Provider, bool)
	Status() types.StatusResponse
	Admit(ctx context.Context, id string) (func(), error)
}

// Deps wires the server.
type Deps struct {
	Config   *config.Config
	Catalog  Catalog
	Router   *router.Router
	Sessions *session.Store
	Aborts   *abort.Registry
	Bus      *eventbus.Bus
	Metrics  *metrics.Registry
	// ModelsDir is searched for passports when listing models.
	ModelsDir string
	// Ready reports whether the primary model is usable; nil means always.
	Ready   func() bool
	Started time.Time
	Options Options
}

type server struct {
	Deps
	validate *validator.Validate
}

// NewMux builds the chi router with every route mounted.
func NewMux(d Deps) http.Handler {
	if d.Config == nil {
		c := config.Defaults()
		d.Config = &c
	}
	if d.Bus == nil {
		d.Bus = eventbus.Default
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Default
	}
	if d.Sessions == nil {
		d.Sessions = session.New(d.Metrics)
	}
	if d.Aborts == nil {
		d.Aborts = abort.New()
	}
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	d.Options = d.Options.withDefaults()
	s := &server{Deps: d, validate: validator.New(validator.WithRequiredStructEnabled())}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if c := d.Options.CORS; c.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(c.Origins, []string{"*"}),
			AllowedMethods: orDefault(c.Methods, []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: orDefault(c.Headers, []string{"*"}),
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.Ready == nil || s.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})
	r.Get("/config", s.handleConfig)
	r.Get("/presets", s.handlePresets)
	r.Get("/models", s.handleModels)
	r.Get("/status", s.handleStatus)
	r.Post("/generate", s.handleGenerate)
	r.Post("/generate/abort", s.handleAbort)

	reg := prometheus.NewRegistry()
	reg.MustRegister(d.Metrics.Collector())
	r.Get("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{}).ServeHTTP)
	MountSwagger(r)
	return r
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// handleHealth godoc
// @Summary  Liveness probe
// @Tags     ops
// @Produce  json
// @Success  200 {object} types.HealthResponse
// @Router   /health [get]
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.HealthResponse{Status: "ok"})
}

// handleConfig godoc
// @Summary  UI-facing runtime configuration
// @Tags     ops
// @Produce  json
// @Success  200 {object} types.ConfigResponse
// @Router   /config [get]
func (s *server) handleConfig(w http.ResponseWriter, r *http.Request) {
	llmCfg := s.Config.LLM
	p := llmCfg.Primary
	writeJSON(w, types.ConfigResponse{
		UIMode:                      s.Options.UIMode,
		ReasoningRatioThreshold:     llmCfg.Postproc.Reasoning.RatioAlertThreshold,
		GenerationTimeoutS:          llmCfg.GenerationTimeoutS,
		GenerationInitialIdleGraceS: llmCfg.GenerationInitialIdleGraceS,
		Primary: map[string]any{
			"id":                p.ID,
			"temperature":       p.Temperature,
			"top_p":             p.TopP,
			"max_output_tokens": p.MaxOutputTokens,
			"n_gpu_layers":      p.NGPULayers.Value(),
			"n_threads":         p.NThreads,
			"n_batch":           p.NBatch,
		},
	})
}

// handlePresets godoc
// @Summary  Configured reasoning presets
// @Tags     models
// @Produce  json
// @Success  200 {object} types.PresetsResponse
// @Router   /presets [get]
func (s *server) handlePresets(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]any, len(s.Config.LLM.ReasoningPresets))
	for name, vals := range s.Config.LLM.ReasoningPresets {
		m := make(map[string]any, len(vals))
		for k, v := range vals {
			m[k] = v
		}
		out[name] = m
	}
	writeJSON(w, types.PresetsResponse{ReasoningPresets: out})
}

// handleStatus godoc
// @Summary  Provider cache and queue state
// @Tags     ops
// @Produce  json
// @Success  200 {object} types.StatusResponse
// @Router   /status [get]
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st types.StatusResponse
	if s.Catalog != nil {
		st = s.Catalog.Status()
	}
	now := time.Now()
	st.UptimeSeconds = int64(now.Sub(s.Started).Seconds())
	st.ServerTimeUnix = now.Unix()
	writeJSON(w, st)
}
