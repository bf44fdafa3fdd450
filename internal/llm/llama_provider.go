package llm

import (
	"context"
	"errors"
	"log"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"mia/internal/config"
	"mia/internal/errkind"
	"mia/internal/eventbus"
	"mia/internal/events"
	"mia/internal/metrics"
	"mia/internal/telemetry"
)

const (
	defaultStubTokens = 128
	maxMessageLen     = 400
)

// ErrAborted is returned by Stream when Cancel was called mid-generation.
var ErrAborted = errkind.New(errkind.Aborted, "generation aborted")

// ErrUnloaded is returned by Stream and Generate on a provider that was
// unloaded. Only an explicit Load brings it back.
var ErrUnloaded = errkind.New(errkind.ProviderError, "provider unloaded")

var (
	logMu sync.RWMutex
	zlog  *zerolog.Logger
)

// SetLogger routes provider logs through zerolog.
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
	log.Printf(format, args...)
}

// LlamaConfig configures a LlamaProvider.
type LlamaConfig struct {
	ModelID       string
	Role          string
	ModelPath     string
	Capabilities  []string
	ContextLength int
	Revision      string
	// BaseSampling is overlaid by per-request sampling.
	BaseSampling Sampling
	NGPULayers   config.GPULayers
	NThreads     int
	NBatch       int
	RequireGPU   bool
	LoadTimeout  time.Duration
	// ModelsDir is searched for <id>/passport.yaml.
	ModelsDir string
	// Backend nil means stub mode.
	Backend Backend
	Bus     *eventbus.Bus
	Metrics *metrics.Registry
	Now     func() time.Time
}

// LlamaProvider runs a model through a Backend, or deterministically
// echoes the prompt in stub mode when no runtime is available.
type LlamaProvider struct {
	cfg LlamaConfig

	mu        sync.Mutex
	session   Session
	loaded    bool
	unloaded  bool
	stub      bool
	requested config.GPULayers
	effective *int
	fallback  bool
	supported map[string]bool
	passport  *Passport

	genMu    sync.Mutex
	aborted  atomic.Bool
	lastUsed atomic.Int64
}

// NewLlamaProvider creates an unloaded provider.
func NewLlamaProvider(cfg LlamaConfig) *LlamaProvider {
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Default
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Role == "" {
		cfg.Role = "primary"
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"chat"}
	}
	return &LlamaProvider{cfg: cfg, requested: cfg.NGPULayers}
}

// NewStubProvider returns a provider that is loaded in stub mode on first use.
func NewStubProvider(cfg LlamaConfig) *LlamaProvider {
	cfg.Backend = nil
	return NewLlamaProvider(cfg)
}

func (p *LlamaProvider) Load(ctx context.Context) error { return p.load(ctx, false) }

// load loads the model. A lazy load from Stream or Generate refuses to
// resurrect a provider that was unloaded, since its owner has let it go.
func (p *LlamaProvider) load(ctx context.Context, lazy bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	if lazy && p.unloaded {
		return ErrUnloaded
	}
	p.unloaded = false
	ctx, span := telemetry.StartSpan(ctx, "provider.load")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", p.cfg.ModelID), attribute.String("role", p.cfg.Role))
	start := p.cfg.Now()
	if p.cfg.Backend == nil {
		p.markStub(start)
		return nil
	}
	layers := p.requested
	gpu := layers.Auto || layers.N > 0
	sess, err := p.start(ctx, p.loadParams(layers))
	if errors.Is(err, ErrBackendUnavailable) {
		logf(zerolog.WarnLevel, "llama runtime unavailable, model %s runs in stub mode", p.cfg.ModelID)
		p.markStub(start)
		return nil
	}
	fallback := false
	if err != nil && gpu && isGPUFailure(err) {
		if p.cfg.RequireGPU {
			err = errkind.Wrap(errkind.ProviderInternal, err, "gpu init failed and require_gpu is set")
		} else {
			p.cfg.Metrics.Inc("llama_gpu_fallback_total", metrics.Labels{"model": p.cfg.ModelID}, 1)
			logf(zerolog.WarnLevel, "gpu init failed for %s, retrying on cpu: %v", p.cfg.ModelID, err)
			events.Emit(p.cfg.Bus, events.ModelDowngraded{ModelID: p.cfg.ModelID, Role: p.cfg.Role, Reason: "gpu_fallback"})
			sess, err = p.start(ctx, p.loadParams(config.GPULayers{}))
			fallback = err == nil
		}
	}
	if err != nil {
		kind := errkind.Classify(err, errkind.PhaseLoad)
		msg := truncate(err.Error(), maxMessageLen)
		events.Emit(p.cfg.Bus, events.ModelLoadFailed{ModelID: p.cfg.ModelID, Role: p.cfg.Role, ErrorType: string(kind), Message: &msg})
		return errkind.Wrap(kind, err, "load "+p.cfg.ModelID)
	}
	p.session = sess
	p.loaded = true
	p.stub = false
	p.fallback = fallback
	eff := 0
	if !fallback {
		eff = p.loadParams(layers).NGPULayers
	}
	p.effective = &eff
	if keys := p.cfg.Backend.SupportedKeys(); len(keys) > 0 {
		p.supported = make(map[string]bool, len(keys))
		for _, k := range keys {
			p.supported[k] = true
		}
	}
	p.attachPassport()
	p.emitLoaded(start)
	return nil
}

func (p *LlamaProvider) markStub(start time.Time) {
	p.loaded = true
	p.stub = true
	p.fallback = false
	zero := 0
	p.effective = &zero
	p.supported = nil
	p.attachPassport()
	p.emitLoaded(start)
}

func (p *LlamaProvider) emitLoaded(start time.Time) {
	ev := events.ModelLoaded{ModelID: p.cfg.ModelID, Role: p.cfg.Role, LoadMS: p.cfg.Now().Sub(start).Milliseconds()}
	if p.cfg.Revision != "" {
		ev.Revision = events.Ptr(p.cfg.Revision)
	}
	events.Emit(p.cfg.Bus, ev)
}

func (p *LlamaProvider) loadParams(layers config.GPULayers) LoadParams {
	n := layers.N
	if layers.Auto {
		n = AllGPULayers
	}
	return LoadParams{ContextLength: p.cfg.ContextLength, NGPULayers: n, NBatch: p.cfg.NBatch}
}

type startResult struct {
	s   Session
	err error
}

// start runs Backend.Start bounded by LoadTimeout and ctx. A session that
// arrives after the deadline is closed.
func (p *LlamaProvider) start(ctx context.Context, lp LoadParams) (Session, error) {
	ch := make(chan startResult, 1)
	go func() {
		s, err := p.cfg.Backend.Start(p.cfg.ModelPath, lp)
		ch <- startResult{s, err}
	}()
	var timeout <-chan time.Time
	if p.cfg.LoadTimeout > 0 {
		t := time.NewTimer(p.cfg.LoadTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-ch:
		return r.s, r.err
	case <-timeout:
		go closeLate(ch)
		return nil, errkind.Newf(errkind.InitTimeout, "model load exceeded %s", p.cfg.LoadTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

func closeLate(ch <-chan startResult) {
	if r := <-ch; r.s != nil {
		_ = r.s.Close()
	}
}

func isGPUFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"cuda", "out of memory", "oom", "cublas", "gpu", "vram", "hip"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (p *LlamaProvider) attachPassport() {
	path := FindPassport(p.cfg.ModelsDir, p.cfg.ModelID, p.cfg.ModelPath)
	if path == "" {
		p.passport = nil
		return
	}
	pp, err := LoadPassport(path)
	if err != nil {
		logf(zerolog.WarnLevel, "passport %s unreadable: %v", path, err)
		p.passport = nil
		return
	}
	if !pp.HashMatches() {
		p.cfg.Metrics.Inc("passport_hash_mismatch_total", metrics.Labels{"model": p.cfg.ModelID}, 1)
		logf(zerolog.WarnLevel, "passport hash mismatch for %s: declared=%s computed=%s", p.cfg.ModelID, pp.Hash, pp.ComputedHash)
	}
	p.passport = pp
}

// Passport returns the attached passport, if any.
func (p *LlamaProvider) Passport() *Passport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passport
}

// Unload waits for an in-flight backend generation before closing the
// session.
func (p *LlamaProvider) Unload() {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloaded = true
	if p.session != nil {
		_ = p.session.Close()
		p.session = nil
	}
	p.loaded = false
	p.stub = false
	p.effective = nil
	p.supported = nil
}

func (p *LlamaProvider) Info() ModelInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	meta := map[string]any{"stub": p.stub}
	if p.passport != nil {
		maps.Copy(meta, p.passport.Metadata())
	}
	return ModelInfo{
		ID:            p.cfg.ModelID,
		Role:          p.cfg.Role,
		Capabilities:  append([]string(nil), p.cfg.Capabilities...),
		ContextLength: p.cfg.ContextLength,
		Revision:      p.cfg.Revision,
		Metadata:      meta,
	}
}

func (p *LlamaProvider) SetNGPULayers(ctx context.Context, v config.GPULayers) (GPULayerState, error) {
	p.mu.Lock()
	prev := p.requested
	p.requested = v
	wasLoaded := p.loaded
	var prevEff *int
	if p.effective != nil {
		e := *p.effective
		prevEff = &e
	}
	p.mu.Unlock()

	st := GPULayerState{Requested: v, RequestedChanged: prev != v}
	if wasLoaded && st.RequestedChanged {
		p.Unload()
		if err := p.Load(ctx); err != nil {
			return st, err
		}
	}
	if eff, ok := p.EffectiveNGPULayers(); ok {
		st.Effective = &eff
		st.EffectiveChanged = prevEff == nil || *prevEff != eff
	}
	return st, nil
}

func (p *LlamaProvider) EffectiveNGPULayers() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.effective == nil {
		return 0, false
	}
	return *p.effective, true
}

func (p *LlamaProvider) RequestedNGPULayers() config.GPULayers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested
}

func (p *LlamaProvider) GPUFallback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallback
}

func (p *LlamaProvider) Cancel() { p.aborted.Store(true) }

func (p *LlamaProvider) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *LlamaProvider) ModelPath() string { return p.cfg.ModelPath }

func (p *LlamaProvider) LastUsed() time.Time {
	n := p.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *LlamaProvider) touch() { p.lastUsed.Store(p.cfg.Now().UnixNano()) }

// filter merges base sampling with s and drops keys the runtime does not
// accept. Dropped keys are returned sorted.
func (p *LlamaProvider) filter(s Sampling) (Sampling, []string) {
	merged := p.cfg.BaseSampling.Normalized()
	maps.Copy(merged, s.Normalized())
	p.mu.Lock()
	supported := p.supported
	p.mu.Unlock()
	out := make(Sampling, len(merged))
	var removed []string
	for _, k := range merged.Keys() {
		if !IsSamplingKey(k) || (supported != nil && !supported[k]) {
			removed = append(removed, k)
			continue
		}
		out[k] = merged[k]
	}
	return out, removed
}

func (p *LlamaProvider) requestID(ctx context.Context) string {
	if id, ok := RequestIDFrom(ctx); ok {
		return id
	}
	return "req_" + uuid.NewString()
}

func (p *LlamaProvider) emitStarted(rid, prompt string, s Sampling, removed []string) int {
	ptoks := len(strings.Fields(prompt))
	events.Emit(p.cfg.Bus, events.GenerationStarted{
		RequestID:     rid,
		ModelID:       p.cfg.ModelID,
		Role:          p.cfg.Role,
		PromptTokens:  ptoks,
		CorrelationID: events.Ptr(rid),
		Sampling:      map[string]any(s.Clone()),
		FilteredOut:   removed,
	})
	return ptoks
}

func (p *LlamaProvider) emitCompleted(rid string, start time.Time, out int, err error, stopReason string, summary map[string]any) {
	ev := events.GenerationCompleted{
		RequestID:     rid,
		ModelID:       p.cfg.ModelID,
		Role:          p.cfg.Role,
		Status:        "ok",
		CorrelationID: rid,
		OutputTokens:  out,
		LatencyMS:     p.cfg.Now().Sub(start).Milliseconds(),
		ResultSummary: summary,
		StopReason:    events.Ptr(stopReason),
	}
	if err != nil {
		ev.Status = "error"
		ev.ErrorType = events.Ptr(string(errkind.Classify(err, errkind.PhaseRuntime)))
		ev.Message = events.Ptr(truncate(err.Error(), maxMessageLen))
		ev.StopReason = events.Ptr("error")
	}
	events.Emit(p.cfg.Bus, ev)
}

func (p *LlamaProvider) Stream(ctx context.Context, prompt string, s Sampling, yield func(string) error) error {
	if err := p.load(ctx, true); err != nil {
		return err
	}
	p.aborted.Store(false)
	p.touch()
	rid := p.requestID(ctx)
	sampling, removed := p.filter(s)
	owned := lifecycleOwned(ctx)
	if !owned {
		p.emitStarted(rid, prompt, sampling, removed)
	}

	start := p.cfg.Now()
	seq := 0
	emit := func(piece string) error {
		if piece == "" {
			return nil
		}
		if p.aborted.Load() {
			return ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.touch()
		events.Emit(p.cfg.Bus, events.GenerationChunk{
			RequestID:     rid,
			ModelID:       p.cfg.ModelID,
			Role:          p.cfg.Role,
			CorrelationID: rid,
			Seq:           seq,
			Text:          piece,
			TokensOut:     seq + 1,
		})
		seq++
		return yield(piece)
	}

	var err error
	stopReason := "eos"
	p.genMu.Lock()
	p.mu.Lock()
	sess, stub, loaded := p.session, p.stub, p.loaded
	p.mu.Unlock()
	switch {
	case !loaded:
		stopReason = "error"
		err = ErrUnloaded
	case stub || sess == nil:
		stopReason = "stub"
		err = streamStub(prompt, sampling, emit)
	default:
		_, err = sess.Generate(ctx, prompt, predictParams(sampling, p.cfg.NThreads), emit)
	}
	p.genMu.Unlock()
	if err == nil && p.aborted.Load() {
		err = ErrAborted
	}
	p.touch()
	if !owned {
		p.emitCompleted(rid, start, seq, err, stopReason, nil)
	}
	return err
}

func (p *LlamaProvider) Generate(ctx context.Context, prompt string, s Sampling) (GenerationResult, error) {
	if err := p.load(ctx, true); err != nil {
		return GenerationResult{}, err
	}
	p.aborted.Store(false)
	p.touch()
	rid := p.requestID(ctx)
	sampling, removed := p.filter(s)
	ptoks := p.emitStarted(rid, prompt, sampling, removed)
	start := p.cfg.Now()

	var (
		text string
		err  error
	)
	stopReason := "eos"
	p.genMu.Lock()
	p.mu.Lock()
	sess, stub, loaded := p.session, p.stub, p.loaded
	p.mu.Unlock()
	switch {
	case !loaded:
		stopReason = "error"
		err = ErrUnloaded
	case stub || sess == nil:
		stopReason = "stub"
		max, ok := sampling.Int("max_tokens")
		if !ok || max <= 0 {
			max = defaultStubTokens
		}
		text = strings.Join(stubWords(prompt, max), " ")
		if text == "" {
			text = "ok"
		}
	default:
		var b strings.Builder
		var fr FinalResult
		fr, err = sess.Generate(ctx, prompt, predictParams(sampling, p.cfg.NThreads), func(tok string) error {
			if p.aborted.Load() {
				return ErrAborted
			}
			b.WriteString(tok)
			return nil
		})
		text = fr.Content
		if text == "" {
			text = b.String()
		}
	}
	p.genMu.Unlock()
	p.touch()
	total := p.cfg.Now().Sub(start).Milliseconds()
	if err != nil {
		kind := errkind.Classify(err, errkind.PhaseRuntime)
		p.emitCompleted(rid, start, 0, err, stopReason, nil)
		return FailureResult(string(kind), truncate(err.Error(), maxMessageLen), ptoks, 0, total, p.cfg.ModelID, p.cfg.Role, rid), err
	}
	res := OKResult(text, ptoks, len(strings.Fields(text)), total, p.cfg.ModelID, p.cfg.Role, rid)
	summary := map[string]any{"decode_tps": nil}
	if res.Timings.DecodeTPS != nil {
		summary["decode_tps"] = *res.Timings.DecodeTPS
	}
	p.emitCompleted(rid, start, res.Usage.CompletionTokens, nil, stopReason, summary)
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Provider = (*LlamaProvider)(nil)
