package manager

import (
	"sync"

	"mia/internal/config"
)

// Modules lazily creates process-wide modules by name.
type Modules struct {
	mu   sync.Mutex
	cfg  *config.Config
	opts Options
	llm  *LLMModule
}

// New builds a module registry over cfg.
func New(cfg *config.Config, opts Options) *Modules {
	if cfg == nil {
		d := config.Defaults()
		cfg = &d
	}
	return &Modules{cfg: cfg, opts: opts.withDefaults(cfg)}
}

// Get returns the named module. Only "llm" exists; modules disabled in
// config are reported as unavailable.
func (m *Modules) Get(name string) (*LLMModule, error) {
	if name != "llm" {
		return nil, ErrDependencyUnavailable("unknown module: " + name)
	}
	if !m.cfg.ModuleEnabled(name) {
		return nil, ErrDependencyUnavailable("module disabled: " + name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.llm == nil {
		m.llm = newLLMModule(m.cfg, m.opts)
	}
	return m.llm, nil
}

// LLM is Get("llm") for callers that already checked the module is enabled.
func (m *Modules) LLM() *LLMModule {
	l, err := m.Get("llm")
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.llm == nil {
			m.llm = newLLMModule(m.cfg, m.opts)
		}
		return m.llm
	}
	return l
}

// Config returns the configuration the modules were built with.
func (m *Modules) Config() *config.Config { return m.cfg }
