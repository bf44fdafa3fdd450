package manager

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mia/internal/common/fsutil"
	"mia/internal/config"
	"mia/internal/errkind"
	"mia/internal/events"
	"mia/internal/llm"
	"mia/internal/registry"
)

var (
	logMu sync.RWMutex
	zlog  *zerolog.Logger
)

// SetLogger routes manager logs through zerolog.
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

// LLMModule caches providers by model id.
type LLMModule struct {
	cfg  *config.Config
	opts Options

	mu        sync.RWMutex
	providers map[string]llm.Provider
	sizes     map[string]int64

	gateMu sync.Mutex
	gates  map[string]*gate
}

func newLLMModule(cfg *config.Config, opts Options) *LLMModule {
	return &LLMModule{
		cfg:       cfg,
		opts:      opts,
		providers: make(map[string]llm.Provider),
		sizes:     make(map[string]int64),
		gates:     make(map[string]*gate),
	}
}

// PrimaryID is the configured primary model id.
func (l *LLMModule) PrimaryID() string { return l.cfg.LLM.Primary.ID }

// Manifests returns the registry index for the module root.
func (l *LLMModule) Manifests() (map[string]registry.Manifest, error) {
	return registry.LoadManifests(l.opts.Root)
}

// Cached returns a provider only if it is already in the cache.
func (l *LLMModule) Cached(id string) (llm.Provider, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.providers[id]
	return p, ok
}

// Provider returns the provider for id, loading it on first use. An empty
// id means the configured primary.
func (l *LLMModule) Provider(ctx context.Context, id string) (llm.Provider, error) {
	if id == "" {
		id = l.PrimaryID()
	}
	l.mu.RLock()
	p, ok := l.providers[id]
	l.mu.RUnlock()
	if ok {
		l.onCacheHit(id, p)
		return p, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, _, err := l.providerLocked(ctx, id)
	return p, err
}

func (l *LLMModule) onCacheHit(id string, p llm.Provider) {
	a, ok := p.(*llm.AliasProvider)
	if !ok {
		return
	}
	base := a.Base()
	if base == nil {
		return
	}
	bi := base.Info()
	events.Emit(l.opts.Bus, events.ModelAliasedLoaded{AliasID: id, BaseID: bi.ID, Role: a.Info().Role, BaseRole: bi.Role, Reuse: true})
}

// providerLocked resolves id with l.mu held. hit reports a cache hit.
func (l *LLMModule) providerLocked(ctx context.Context, id string) (llm.Provider, bool, error) {
	if p, ok := l.providers[id]; ok {
		l.onCacheHit(id, p)
		return p, true, nil
	}
	idx, err := registry.LoadManifests(l.opts.Root)
	if err != nil {
		return nil, false, err
	}
	man, ok := idx[id]
	if !ok {
		if id != l.PrimaryID() {
			return nil, false, ErrModelNotFound(id)
		}
		p := l.stubPrimary()
		if err := p.Load(ctx); err != nil {
			return nil, false, err
		}
		l.providers[id] = p
		l.sizes[id] = 0
		logf(zerolog.InfoLevel, "primary %s has no manifest, serving stub", id)
		return p, false, nil
	}

	path := man.ResolvePath(l.opts.Root)
	if base, baseID := l.findByPathLocked(path); base != nil {
		alias := llm.NewAliasProvider(base, man.ID, man.Role, man.Capabilities)
		l.providers[id] = alias
		bi := base.Info()
		events.Emit(l.opts.Bus, events.ModelAliasedLoaded{AliasID: id, BaseID: baseID, Role: man.Role, BaseRole: bi.Role, Reuse: true})
		return alias, false, nil
	}

	if err := registry.VerifyChecksum(man, l.opts.Root, l.cfg.LLM.SkipChecksum); err != nil {
		msg := err.Error()
		events.Emit(l.opts.Bus, events.ModelLoadFailed{ModelID: id, Role: man.Role, ErrorType: string(errkind.Classify(err, errkind.PhaseLoad)), Message: &msg})
		return nil, false, err
	}

	size, _ := fsutil.FileSize(path)
	if l.isHeavy(size) {
		l.unloadHeavyLocked(id, "switch_heavy")
	} else {
		l.unloadHeavyLocked(id, "switch_heavy_to_lightweight")
	}

	p := l.opts.Factory(man, l.llamaConfig(man, path))
	if err := p.Load(ctx); err != nil {
		return nil, false, err
	}
	l.providers[id] = p
	l.sizes[id] = size
	return p, false, nil
}

// findByPathLocked returns a loaded direct provider serving path.
func (l *LLMModule) findByPathLocked(path string) (llm.Provider, string) {
	want := filepath.Clean(path)
	for id, p := range l.providers {
		if _, alias := p.(*llm.AliasProvider); alias || !p.Loaded() {
			continue
		}
		if mp := p.ModelPath(); mp != "" && filepath.Clean(mp) == want {
			return p, id
		}
	}
	return nil, ""
}

func (l *LLMModule) stubPrimary() llm.Provider {
	pc := l.cfg.LLM.Primary
	return llm.NewStubProvider(llm.LlamaConfig{
		ModelID:       pc.ID,
		Role:          "primary",
		Capabilities:  []string{"chat"},
		ContextLength: pc.ContextLength,
		BaseSampling:  l.baseSampling(pc.ID),
		NGPULayers:    pc.NGPULayers,
		ModelsDir:     l.opts.ModelsDir,
		Bus:           l.opts.Bus,
		Metrics:       l.opts.Metrics,
		Now:           l.opts.Now,
	})
}

func (l *LLMModule) baseSampling(id string) llm.Sampling {
	switch id {
	case l.cfg.LLM.Primary.ID:
		pc := l.cfg.LLM.Primary
		return llm.Sampling{"temperature": pc.Temperature, "top_p": pc.TopP, "max_tokens": pc.MaxOutputTokens}
	case l.cfg.LLM.Lightweight.ID:
		return llm.Sampling{"temperature": l.cfg.LLM.Lightweight.Temperature}
	}
	return nil
}

func (l *LLMModule) llamaConfig(m registry.Manifest, path string) llm.LlamaConfig {
	pc := l.cfg.LLM.Primary
	c := llm.LlamaConfig{
		ModelID:       m.ID,
		Role:          m.Role,
		ModelPath:     path,
		Capabilities:  m.Capabilities,
		ContextLength: m.ContextLength,
		Revision:      m.Revision,
		BaseSampling:  l.baseSampling(m.ID),
		NGPULayers:    pc.NGPULayers,
		RequireGPU:    l.cfg.LLM.RequireGPU,
		LoadTimeout:   time.Duration(l.cfg.LLM.LoadTimeoutMS) * time.Millisecond,
		ModelsDir:     l.opts.ModelsDir,
		Backend:       l.opts.Backend,
		Bus:           l.opts.Bus,
		Metrics:       l.opts.Metrics,
		Now:           l.opts.Now,
	}
	if pc.NThreads != nil {
		c.NThreads = *pc.NThreads
	}
	if pc.NBatch != nil {
		c.NBatch = *pc.NBatch
	}
	return c
}

// ProviderByRole always makes sure the primary is loaded first, then
// returns the first manifest with the role, falling back to the primary.
func (l *LLMModule) ProviderByRole(ctx context.Context, role string) (llm.Provider, error) {
	primary, err := l.ensurePrimary(ctx)
	if err != nil {
		return nil, err
	}
	if role == "" || role == "primary" {
		return primary, nil
	}
	idx, err := l.Manifests()
	if err != nil {
		return nil, err
	}
	for _, m := range registry.Sorted(idx) {
		if m.Role == role {
			return l.Provider(ctx, m.ID)
		}
	}
	return l.Provider(ctx, l.PrimaryID())
}

// ProviderByCapabilities returns the first manifest (by id) declaring every
// capability in required, else the primary.
func (l *LLMModule) ProviderByCapabilities(ctx context.Context, required []string) (llm.Provider, error) {
	idx, err := l.Manifests()
	if err != nil {
		return nil, err
	}
	for _, m := range registry.Sorted(idx) {
		if m.HasCapabilities(required) {
			return l.Provider(ctx, m.ID)
		}
	}
	return l.Provider(ctx, l.PrimaryID())
}

// ensurePrimary loads the primary. A cache hit still emits ModelLoaded so
// per-request listeners observe it.
func (l *LLMModule) ensurePrimary(ctx context.Context) (llm.Provider, error) {
	l.mu.Lock()
	p, hit, err := l.providerLocked(ctx, l.PrimaryID())
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hit {
		events.Emit(l.opts.Bus, events.ModelLoaded{ModelID: l.PrimaryID(), Role: "primary", LoadMS: 0})
	}
	return p, nil
}
