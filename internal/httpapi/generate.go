package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mia/internal/abort"
	"mia/internal/config"
	"mia/internal/llm"
	"mia/internal/metrics"
	"mia/internal/pipeline"
	"mia/internal/telemetry"
	"mia/pkg/types"
)

var reasoningModes = map[string]bool{"low": true, "medium": true, "high": true}

// userSampling collects the client overrides that are sampling keys.
func userSampling(o *types.Overrides) llm.Sampling {
	out := llm.Sampling{}
	if o == nil {
		return out
	}
	setF := func(k string, v *float64) {
		if v != nil {
			out[k] = *v
		}
	}
	setI := func(k string, v *int) {
		if v != nil {
			out[k] = *v
		}
	}
	setF("temperature", o.Temperature)
	setF("top_p", o.TopP)
	setI("top_k", o.TopK)
	setI("max_tokens", o.MaxOutputTokens)
	setF("repeat_penalty", o.RepeatPenalty)
	setF("min_p", o.MinP)
	setF("typical_p", o.TypicalP)
	setF("presence_penalty", o.PresencePenalty)
	setF("frequency_penalty", o.FrequencyPenalty)
	setI("repeat_last_n", o.RepeatLastN)
	setI("seed", o.Seed)
	setI("mirostat", o.Mirostat)
	setF("mirostat_tau", o.MirostatTau)
	setF("mirostat_eta", o.MirostatEta)
	if o.PenalizeNL != nil {
		out["penalize_nl"] = *o.PenalizeNL
	}
	if len(o.Stop) > 0 {
		out["stop"] = append([]string(nil), o.Stop...)
	}
	return out
}

func (s *server) preStreamError(w http.ResponseWriter, status int, errorType, msg, modelID, requestID string) {
	writeError(w, types.ErrorResponse{
		Error:     errorType,
		Code:      status,
		ErrorType: errorType,
		Phase:     "pre_stream",
		RequestID: requestID,
		Message:   msg,
	})
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue_full")
	}
}

// handleGenerate godoc
// @Summary      Stream a generation
// @Description  Streams SSE frames: meta, warning*, analysis|commentary|token*, usage, reasoning?, final, end. Errors after the stream starts arrive as error + end frames.
// @Tags         generate
// @Accept       json
// @Produce      text/event-stream
// @Param        body  body      types.GenerateRequest  true  "Generation request"
// @Success      200   {string}  string                 "SSE stream"
// @Failure      400   {object}  types.ErrorResponse
// @Failure      404   {object}  types.ErrorResponse
// @Failure      415   {object}  types.ErrorResponse
// @Failure      429   {object}  types.ErrorResponse
// @Failure      500   {object}  types.ErrorResponse
// @Router       /generate [post]
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.Options.MaxBodyBytes)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt-empty")
		return
	}
	mode := ""
	if o := req.Overrides; o != nil && o.ReasoningPreset != nil {
		mode = strings.ToLower(strings.TrimSpace(*o.ReasoningPreset))
		if !reasoningModes[mode] {
			writeJSONError(w, http.StatusBadRequest, "invalid-reasoning-preset")
			return
		}
		o.ReasoningPreset = &mode
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid-request: "+err.Error())
		return
	}
	if req.Model == "" && s.Catalog != nil {
		req.Model = s.Catalog.PrimaryID()
	}
	if s.Router == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	lvl := requestLogLevel(r)
	start := time.Now()
	modelID := req.Model
	s.Sessions.Add(req.SessionID, "user", req.Prompt)

	requestID := uuid.NewString()
	joined, cancelJoined := joinContexts(baseContext(), r.Context())
	defer cancelJoined()
	ctx, cancel := context.WithCancel(joined)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "http.generate")
	telemetry.RequestAttributes(span, requestID, modelID, mode)
	var spanStatus, spanErrType string
	var spanErr error
	defer func() {
		if spanStatus == "" {
			spanStatus = pipeline.StatusError
		}
		telemetry.End(span, spanStatus, spanErrType, spanErr)
	}()
	s.Aborts.Register(requestID, cancel)
	s.Metrics.Inc("sse_stream_open_total", metrics.Labels{"model": modelID}, 1)

	if s.Catalog != nil {
		release, err := s.Catalog.Admit(ctx, modelID)
		if err != nil {
			spanErrType, spanErr = "admission", err
			s.Aborts.Clear(requestID)
			s.preStreamError(w, statusOf(err), "admission", err.Error(), modelID, requestID)
			logRequest(r, lvl, "generate rejected", map[string]any{"model": modelID, "request_id": requestID}, err)
			return
		}
		defer release()
	}

	route, err := s.Router.Resolve(ctx, modelID)
	if err != nil {
		spanErrType, spanErr = "provider-acquire", err
		s.Aborts.Clear(requestID)
		s.preStreamError(w, statusOf(err), "provider-acquire", err.Error(), modelID, requestID)
		logRequest(r, lvl, "generate failed", map[string]any{"model": modelID, "request_id": requestID}, err)
		return
	}
	prov := route.Provider

	var o types.Overrides
	if req.Overrides != nil {
		o = *req.Overrides
	}
	if o.NGPULayers != nil {
		if _, err := prov.SetNGPULayers(ctx, *o.NGPULayers); err != nil {
			spanErrType, spanErr = "gpu-layer-update-failed", err
			s.Aborts.Clear(requestID)
			s.preStreamError(w, http.StatusInternalServerError, "gpu-layer-update-failed", err.Error(), modelID, requestID)
			return
		}
	}

	in := pipeline.PrepareInput{
		RequestID:     requestID,
		ModelID:       modelID,
		Provider:      prov,
		UserPrompt:    req.Prompt,
		ReasoningMode: mode,
		UserSampling:  userSampling(req.Overrides),
		Session:       s.Sessions.History(req.SessionID),
		TimeoutS:      o.GenerationTimeoutS,
		IdleGraceS:    o.GenerationInitialIdleGraceS,
	}
	var preDelay time.Duration
	if s.Options.TestMode {
		if o.DevPerTokenDelayMS != nil {
			in.PerTokenDelay = time.Duration(*o.DevPerTokenDelayMS) * time.Millisecond
		}
		if o.DevPreStreamDelayMS != nil {
			preDelay = time.Duration(*o.DevPreStreamDelayMS) * time.Millisecond
		}
	}
	gc, err := route.Pipeline.Prepare(ctx, in)
	if err != nil {
		spanErrType, spanErr = "stream-init", err
		s.Aborts.Clear(requestID)
		s.preStreamError(w, statusOf(err), "stream-init", err.Error(), modelID, requestID)
		return
	}

	w.Header().Set("X-Request-ID", requestID)
	// Frames keep flowing after an abort; only a client disconnect stops them.
	sse := newSSEWriter(r.Context(), w)
	var sink pipeline.Sink = sse
	if lvl >= LevelDebug {
		sink = loggingSink{next: sse, rid: requestID}
	}
	w.WriteHeader(http.StatusOK)
	sseStreamsActive.Inc()
	defer sseStreamsActive.Dec()
	logRequest(r, lvl, "generate start", map[string]any{"model": modelID, "request_id": requestID, "reasoning_preset": mode}, nil)

	_ = sink.Send("meta", map[string]any{"request_id": requestID, "model_id": modelID, "status": "starting"})
	for _, warn := range warnings(gc, prov, o.NGPULayers) {
		_ = sink.Send("warning", warn)
	}
	if preDelay > 0 {
		select {
		case <-time.After(preDelay):
		case <-ctx.Done():
		}
	}

	out, err := route.Pipeline.Run(ctx, gc, sink)
	spanStatus, spanErrType, spanErr = out.Status, out.ErrorType, errors.Join(out.Err, err)
	switch {
	case out.Status == pipeline.StatusOK && out.Result.FinalText != "":
		s.Sessions.Add(req.SessionID, "assistant", out.Result.FinalText)
	case out.Status != pipeline.StatusOK && out.Partial != "":
		s.Sessions.Add(req.SessionID, "assistant", out.Partial)
	}
	s.Aborts.ClearAfter(requestID, s.Options.LateAbortDelay, func() {
		route.Pipeline.LateAbort(gc, "aborted-late-timer")
	})
	logRequest(r, lvl, "generate end", map[string]any{
		"model":      modelID,
		"request_id": requestID,
		"status":     out.Status,
		"error_type": out.ErrorType,
		"dur_ms":     time.Since(start).Milliseconds(),
	}, errors.Join(out.Err, err))
}

// warnings builds the non-fatal warning frames sent before streaming.
func warnings(gc *pipeline.GenerationContext, prov llm.Provider, requested *config.GPULayers) []map[string]any {
	var out []map[string]any
	eff, loaded := prov.EffectiveNGPULayers()
	req := prov.RequestedNGPULayers()
	if requested != nil {
		req = *requested
	}
	fallback := prov.GPUFallback() || (loaded && eff == 0 && !req.Auto && req.N > 0)
	if fallback {
		w := map[string]any{
			"event":      "GpuFallback",
			"request_id": gc.RequestID,
			"model_id":   gc.ModelID,
			"requested":  req.Value(),
			"effective":  nil,
		}
		if loaded {
			w["effective"] = eff
		}
		out = append(out, w)
	}
	if m := gc.PassportMismatch; m != nil {
		out = append(out, map[string]any{
			"event":          "ModelPassportMismatch",
			"request_id":     gc.RequestID,
			"model_id":       gc.ModelID,
			"field":          m.Field,
			"passport_value": m.PassportValue,
			"config_value":   m.ConfigValue,
		})
	}
	return out
}

// handleAbort godoc
// @Summary  Abort a running generation
// @Tags     generate
// @Accept   json
// @Produce  json
// @Param    body  body      types.AbortRequest  true  "Request to abort"
// @Success  200   {object}  types.AbortResponse
// @Router   /generate/abort [post]
func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.Options.MaxBodyBytes)
	var req types.AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.RequestID) == "" {
		writeJSON(w, types.AbortResponse{OK: false, Error: "missing-request_id"})
		return
	}
	writeJSON(w, abortRequest(s.Aborts, s.Metrics, req.RequestID))
}

// abortRequest marks the abort start before flipping the flag so the
// stream measures latency from the earliest point.
func abortRequest(reg *abort.Registry, m *metrics.Registry, id string) types.AbortResponse {
	reg.MarkStart(id)
	applied := reg.Abort(id)
	if applied {
		m.Inc("generation_cancelled_total", metrics.Labels{"model": "unknown", "reason": "user_abort"}, 1)
	} else {
		m.Inc("generation_aborted_total", metrics.Labels{"model": "unknown", "reason": "unknown-id"}, 1)
	}
	m.Observe("cancel_latency_ms", 0, metrics.Labels{"path": "user_abort"})
	return types.AbortResponse{OK: applied, RequestID: id}
}
