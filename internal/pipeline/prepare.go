package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"mia/internal/config"
	"mia/internal/errkind"
	"mia/internal/eventbus"
	"mia/internal/events"
	"mia/internal/harmony"
	"mia/internal/llm"
	"mia/internal/metrics"
	"mia/internal/telemetry"
)

const defaultPollInterval = 50 * time.Millisecond

// Primary is the Harmony pipeline used for the primary role.
type Primary struct {
	cfg     *config.Config
	presets Presets
	opts    Options
}

var _ Pipeline = (*Primary)(nil)

// NewPrimary fills defaults for unset options.
func NewPrimary(opts Options) *Primary {
	if opts.Config == nil {
		d := config.Defaults()
		opts.Config = &d
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Default
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.Cache == nil {
		opts.Cache = harmony.DefaultCache
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Primary{cfg: opts.Config, presets: opts.Presets, opts: opts}
}

// Kind implements the router's pipeline lookup.
func (p *Primary) Kind() Kind { return KindPrimary }

// Prepare merges sampling layers, resolves the output cap, frames the
// prompt and emits ModelRouted and GenerationStarted.
func (p *Primary) Prepare(ctx context.Context, in PrepareInput) (*GenerationContext, error) {
	_, span := telemetry.StartSpan(ctx, "pipeline.prepare")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", in.ModelID), attribute.String("request_id", in.RequestID))

	if in.Provider == nil {
		return nil, errkind.Newf(errkind.ProviderInternal, "no provider for %s", in.ModelID)
	}
	info := in.Provider.Info()
	gc := &GenerationContext{
		RequestID:     in.RequestID,
		ModelID:       in.ModelID,
		Role:          info.Role,
		Provider:      in.Provider,
		UserPrompt:    in.UserPrompt,
		ReasoningMode: in.ReasoningMode,
		AdapterName:   "harmony",
		PerTokenDelay: in.PerTokenDelay,
		StartedAt:     p.opts.Now(),
	}

	passport := llm.PassportOf(in.Provider)
	defaults := in.PassportDefaults
	if defaults == nil && passport != nil {
		defaults = llm.Sampling(passport.SamplingDefaults)
	}
	merged := p.mergeSampling(gc, passport, defaults.Normalized(), in.UserSampling.Normalized())
	p.resolveCap(gc, merged, defaults.Normalized())
	gc.StopSequences = merged.Stop()

	reserved := 0
	if gc.Sampling.EffectiveMaxTokens != nil {
		reserved = *gc.Sampling.EffectiveMaxTokens
	}
	ctxLen := info.ContextLength
	if ctxLen <= 0 {
		ctxLen = p.cfg.LLM.Primary.ContextLength
	}
	sp := p.cfg.LLM.SystemPrompt.Text
	f := frame(in.ReasoningMode, sp, in.UserPrompt, in.Session, ctxLen, reserved, p.opts.Now())
	gc.Prompt = f.prompt
	gc.PromptTokens = f.tokens
	gc.SystemPromptText = sp
	gc.SystemPromptVersion = systemPromptVersion
	gc.SystemPromptHash = f.hash

	gc.Timeout = seconds(p.cfg.LLM.GenerationTimeoutS, in.TimeoutS)
	gc.IdleGrace = seconds(p.cfg.LLM.GenerationInitialIdleGraceS, in.IdleGraceS)

	acfg := harmony.ConfigFrom(p.cfg.LLM.Postproc)
	if gc.Profile.ReasoningMaxTokens > 0 {
		acfg.ReasoningMaxTokens = gc.Profile.ReasoningMaxTokens
	} else if v, ok := p.cfg.LLM.ReasoningPresets[in.ReasoningMode]["reasoning_max_tokens"]; ok && v > 0 {
		acfg.ReasoningMaxTokens = int(v)
	}
	gc.Adapter = harmony.New(acfg,
		harmony.WithBus(p.opts.Bus),
		harmony.WithMetrics(p.opts.Metrics),
		harmony.WithCache(p.opts.Cache),
		harmony.WithClock(p.opts.Now),
	)
	gc.Adapter.Attach(gc.RequestID, gc.ModelID)

	events.Emit(p.opts.Bus, events.ModelRouted{
		RequestID:    gc.RequestID,
		ModelID:      gc.ModelID,
		Pipeline:     string(KindPrimary),
		Capabilities: map[string]any{"reasoning_split": true, "tool_calls": true},
	})
	events.Emit(p.opts.Bus, events.GenerationStarted{
		RequestID:           gc.RequestID,
		ModelID:             gc.ModelID,
		Role:                gc.Role,
		PromptTokens:        gc.PromptTokens,
		CorrelationID:       events.Ptr(gc.RequestID),
		SystemPromptVersion: events.Ptr(gc.SystemPromptVersion),
		SystemPromptHash:    events.Ptr(gc.SystemPromptHash),
		PersonaLen:          events.Ptr(0),
		Sampling:            gc.Sampling.Summary(),
		SamplingOrigin:      optional(gc.SamplingOrigin),
		MergedSampling:      map[string]any(gc.Sampling.Merged.Clone()),
		StopSequences:       gc.StopSequences,
		CapApplied:          events.Ptr(gc.Sampling.CapApplied),
	})
	logf(zerolog.DebugLevel, "pipeline prepared request=%s model=%s prompt_tokens=%d origin=%s", gc.RequestID, gc.ModelID, gc.PromptTokens, gc.SamplingOrigin)
	return gc, nil
}

// mergeSampling layers passport defaults (plus the passport reasoning
// level), the configured preset and the user overrides, in that order.
func (p *Primary) mergeSampling(gc *GenerationContext, passport *llm.Passport, defaults, user llm.Sampling) llm.Sampling {
	merged := llm.Sampling{}
	var layers []string
	if len(defaults) > 0 {
		for k, v := range defaults {
			merged[k] = v
		}
		layers = append(layers, "passport")
	}
	if passport != nil && gc.ReasoningMode != "" {
		levelSampling, prof := llm.ResolveReasoningProfile(passport, gc.ReasoningMode, nil)
		gc.Profile = prof
		for _, origin := range prof.OriginChain {
			if origin == "level:"+gc.ReasoningMode {
				for k, v := range levelSampling {
					merged[k] = v
				}
			}
		}
	}

	var preset llm.Sampling
	if gc.ReasoningMode != "" && p.presets != nil {
		preset = p.presets.ApplyReasoningOverrides(llm.Sampling{}, gc.ReasoningMode)
		for k, v := range preset {
			merged[k] = v
		}
		layers = append(layers, "preset")
	}

	if len(user) > 0 {
		layers = append(layers, "user")
		for _, k := range user.Keys() {
			v := user[k]
			if pv, ok := preset[k]; ok && !llm.Equal(pv, v) {
				gc.OverriddenFields = append(gc.OverriddenFields, k)
			}
			merged[k] = v
		}
	}

	if gc.ReasoningMode != "" {
		ev := events.ReasoningPresetApplied{
			RequestID:        gc.RequestID,
			Preset:           gc.ReasoningMode,
			Mode:             "baseline",
			OverriddenFields: gc.OverriddenFields,
		}
		if len(gc.OverriddenFields) > 0 {
			ev.Mode = "overridden"
		}
		if v, ok := merged.Float("temperature"); ok {
			ev.Temperature = &v
		}
		if v, ok := merged.Float("top_p"); ok {
			ev.TopP = &v
		}
		events.Emit(p.opts.Bus, ev)
	}

	switch len(layers) {
	case 0:
	case 1:
		gc.SamplingOrigin = layers[0]
	default:
		gc.SamplingOrigin = "mixed"
	}
	return merged
}

// resolveCap clamps max_tokens to the smallest positive limit among the
// passport and the primary config that the request exceeds.
func (p *Primary) resolveCap(gc *GenerationContext, merged, defaults llm.Sampling) {
	type candidate struct {
		value  int
		source string
	}
	passportMax, hasPassport := defaults.Int("max_tokens")
	primaryMax := p.cfg.LLM.Primary.MaxOutputTokens
	if hasPassport && primaryMax > 0 && passportMax != primaryMax {
		gc.PassportMismatch = &Mismatch{Field: "max_output_tokens", PassportValue: passportMax, ConfigValue: primaryMax}
		events.Emit(p.opts.Bus, events.ModelPassportMismatch{
			ModelID:       gc.ModelID,
			Field:         "max_output_tokens",
			PassportValue: events.Ptr(passportMax),
			ConfigValue:   events.Ptr(primaryMax),
		})
	}
	var cands []candidate
	if hasPassport && passportMax > 0 {
		cands = append(cands, candidate{passportMax, "passport"})
	}
	if primaryMax > 0 {
		cands = append(cands, candidate{primaryMax, "primary"})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].value < cands[j].value })

	info := SamplingInfo{Merged: merged}
	if requested, ok := merged.Int("max_tokens"); ok {
		info.RequestedMaxTokens = events.Ptr(requested)
		info.EffectiveMaxTokens = events.Ptr(requested)
		for _, c := range cands {
			if requested > c.value {
				merged["max_tokens"] = c.value
				info.EffectiveMaxTokens = events.Ptr(c.value)
				info.CapApplied = true
				info.CapSource = c.source
				p.opts.Metrics.Inc("model_cap_hits_total", metrics.Labels{"model": gc.ModelID, "source": c.source}, 1)
				break
			}
		}
	}
	gc.Sampling = info
}

func seconds(base float64, override *float64) time.Duration {
	v := base
	if override != nil {
		v = *override
	}
	if v < 0 {
		v = 0
	}
	return time.Duration(v * float64(time.Second))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
