package pipeline

import (
	"strings"

	"github.com/rs/zerolog"

	"mia/internal/events"
	"mia/internal/harmony"
	"mia/internal/metrics"
)

// stripEcho removes leading echoes of the system and user prompts and
// instruction marker lines from model output.
func stripEcho(system, user, text string) string {
	if text == "" {
		return text
	}
	sp := strings.TrimSpace(system)
	up := strings.TrimSpace(user)
	out := text
	spHead := strings.ToLower(sp)
	if len(spHead) > 120 {
		spHead = spHead[:120]
	}
	for i := 0; i < 2 && sp != "" && strings.HasPrefix(strings.ToLower(out), spHead); i++ {
		out = strings.TrimLeft(out[min(len(sp), len(out)):], " \t\r\n")
	}
	for i := 0; i < 2 && up != "" && strings.HasPrefix(strings.ToLower(out), strings.ToLower(up)); i++ {
		out = strings.TrimLeft(out[len(up):], " \t\r\n")
	}
	var kept []string
	for _, ln := range strings.Split(out, "\n") {
		t := strings.TrimSpace(ln)
		if len(kept) == 0 && t == "" {
			continue
		}
		if strings.Contains(t, "[REASONING SPLIT]") || strings.HasPrefix(t, "[LEVEL]") {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.TrimLeft(strings.Join(kept, "\n"), " \t\r\n")
}

// finalText prefers the adapter's sanitized text and falls back to the
// echo-stripped fragments.
func (p *Primary) finalText(gc *GenerationContext) string {
	text := gc.SanitizedFinal
	if text == "" {
		text = stripEcho(gc.SystemPromptText, gc.UserPrompt, strings.Join(gc.Fragments, ""))
	}
	if gc.StopHit != "" {
		text = strings.TrimRight(strings.TrimSuffix(strings.TrimRight(text, " \n"), gc.StopHit), " \n")
	}
	if half, ok := harmony.DuplicateHalf(text, p.cfg.LLM.Postproc.DuplicateFinal.PipelineMinHalfChars); ok {
		text = strings.TrimRight(half, " \t\r\n")
	}
	return text
}

// gpuState reports the provider's layer placement for usage/final frames.
func (p *Primary) gpuState(gc *GenerationContext) map[string]any {
	out := map[string]any{}
	eff, loaded := gc.Provider.EffectiveNGPULayers()
	req := gc.Provider.RequestedNGPULayers()
	offload := loaded && eff > 0
	if loaded {
		out["n_gpu_layers"] = eff
		out["gpu_offload"] = offload
	}
	out["requested_n_gpu_layers"] = req.Value()
	if gc.Provider.GPUFallback() {
		out["gpu_fallback"] = true
	}
	off := "0"
	if offload {
		off = "1"
	}
	p.opts.Metrics.Inc("gpu_offload_state_total", metrics.Labels{"model": gc.ModelID, "offload": off}, 1)
	return out
}

func (p *Primary) usage(gc *GenerationContext) map[string]any {
	u := gc.frame(map[string]any{
		"prompt_tokens": gc.PromptTokens,
		"output_tokens": gc.OutputTokens,
		"latency_ms":    gc.LatencyMS,
		"decode_tps":    gc.DecodeTPS,
	})
	if total := gc.Provider.Info().ContextLength; total > 0 {
		used := gc.PromptTokens + gc.OutputTokens
		u["context_used_tokens"] = used
		u["context_total_tokens"] = total
		u["context_used_pct"] = float64(used) / float64(total)
	}
	if gc.FirstTokenMS != nil {
		u["first_token_latency_ms"] = *gc.FirstTokenMS
	}
	return u
}

// Finalize writes usage, the optional reasoning frame and the final frame,
// and emits GenerationCompleted. The caller writes the end frame.
func (p *Primary) Finalize(gc *GenerationContext, sink Sink) (Result, error) {
	now := p.opts.Now()
	gc.LatencyMS = now.Sub(gc.StartedAt).Milliseconds()
	if gc.OutputTokens > 0 && gc.LatencyMS > 0 {
		gc.DecodeTPS = float64(gc.OutputTokens) / (float64(gc.LatencyMS) / 1000)
	}
	if gc.ReasoningStats != nil && !gc.FinalDetected.IsZero() {
		p.opts.Metrics.Observe("reasoning_buffer_latency_ms", float64(now.Sub(gc.FinalDetected).Milliseconds()), metrics.Labels{"model": gc.ModelID})
	}
	p.opts.Metrics.Observe("generation_latency_ms", float64(gc.LatencyMS), metrics.Labels{"model": gc.ModelID})
	p.opts.Metrics.Observe("generation_decode_tps", gc.DecodeTPS, metrics.Labels{"model": gc.ModelID})

	text := p.finalText(gc)
	res := Result{
		FinalText:       text,
		ReasoningStats:  gc.ReasoningStats,
		SamplingSummary: gc.Sampling.Summary(),
	}
	if gc.StopHit != "" {
		res.StopReason = "stop_sequence"
	}

	summary := map[string]any{"sampling": res.SamplingSummary}
	gpu := p.gpuState(gc)
	usage := p.usage(gc)
	for k, v := range gpu {
		usage[k] = v
	}
	usage["cap_applied"] = gc.Sampling.CapApplied
	usage["effective_max_tokens"] = intOrNil(gc.Sampling.EffectiveMaxTokens)
	if s := gc.ReasoningStats; s != nil {
		usage["reasoning_tokens"] = s.ReasoningTokens
		usage["final_tokens"] = s.FinalTokens
		usage["reasoning_ratio"] = s.ReasoningRatio
		summary["reasoning"] = map[string]any{
			"reasoning_tokens": s.ReasoningTokens,
			"final_tokens":     s.FinalTokens,
			"reasoning_ratio":  s.ReasoningRatio,
			"adapter":          gc.AdapterName,
		}
	}
	res.Usage = usage

	gc.mu.Lock()
	gc.terminalEmitted = true
	gc.mu.Unlock()
	events.Emit(p.opts.Bus, events.GenerationCompleted{
		RequestID:      gc.RequestID,
		ModelID:        gc.ModelID,
		Role:           gc.Role,
		Status:         "ok",
		CorrelationID:  gc.RequestID,
		OutputTokens:   gc.OutputTokens,
		LatencyMS:      gc.LatencyMS,
		ResultSummary:  summary,
		StopReason:     optional(res.StopReason),
		SamplingOrigin: optional(gc.SamplingOrigin),
		MergedSampling: map[string]any(gc.Sampling.Merged.Clone()),
	})

	if err := sink.Send("usage", usage); err != nil {
		return res, err
	}
	if gc.ReasoningText != nil && *gc.ReasoningText != "" {
		if err := sink.Send("reasoning", gc.frame(map[string]any{
			"reasoning_text": *gc.ReasoningText,
			"stats":          gc.ReasoningStats,
		})); err != nil {
			return res, err
		}
	}
	final := gc.frame(map[string]any{
		"text":                 text,
		"reasoning_text":       nil,
		"stop_reason":          strOrNil(res.StopReason),
		"stats":                gc.ReasoningStats,
		"cap_applied":          gc.Sampling.CapApplied,
		"effective_max_tokens": intOrNil(gc.Sampling.EffectiveMaxTokens),
	})
	for k, v := range gpu {
		final[k] = v
	}
	if gc.FirstTokenMS != nil {
		final["first_token_latency_ms"] = *gc.FirstTokenMS
	}
	if err := sink.Send("final", final); err != nil {
		return res, err
	}
	logf(zerolog.DebugLevel, "pipeline finalized request=%s tokens=%d latency_ms=%d", gc.RequestID, gc.OutputTokens, gc.LatencyMS)
	return res, nil
}
