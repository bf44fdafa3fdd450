package manager

import (
	"time"

	"mia/internal/common/fsutil"
	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/llm"
	"mia/internal/metrics"
	"mia/internal/registry"
)

// Defaults applied when corresponding Options fields are unset.
const (
	defaultMaxQueueDepth = 8
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 5 * time.Second
)

// ProviderFactory builds a provider for a manifest. Tests replace it.
type ProviderFactory func(m registry.Manifest, cfg llm.LlamaConfig) llm.Provider

// Options holds the tunables for Modules construction.
type Options struct {
	// Root is the directory containing llm/registry and the models tree.
	Root string
	// ModelsDir is searched for passports; defaults to <Root>/<storage.paths.models>.
	ModelsDir string
	Backend   llm.Backend
	Factory   ProviderFactory
	Bus       *eventbus.Bus
	Metrics   *metrics.Registry
	Now       func() time.Time

	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration
}

func (o Options) withDefaults(cfg *config.Config) Options {
	if o.Bus == nil {
		o.Bus = eventbus.Default
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Factory == nil {
		o.Factory = func(_ registry.Manifest, c llm.LlamaConfig) llm.Provider { return llm.NewLlamaProvider(c) }
	}
	if o.ModelsDir == "" && cfg != nil {
		if dir, err := fsutil.Resolve(o.Root, cfg.Storage.Paths.Models); err == nil {
			o.ModelsDir = dir
		}
	}
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = defaultMaxQueueDepth
		if cfg != nil && cfg.Server.MaxQueueDepth > 0 {
			o.MaxQueueDepth = cfg.Server.MaxQueueDepth
		}
	}
	if o.MaxWait <= 0 {
		o.MaxWait = defaultMaxWait
		if cfg != nil && cfg.Server.QueueWaitMS > 0 {
			o.MaxWait = time.Duration(cfg.Server.QueueWaitMS) * time.Millisecond
		}
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	return o
}
