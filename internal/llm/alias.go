package llm

import (
	"context"
	"sync"
	"time"

	"mia/internal/config"
	"mia/internal/errkind"
)

// AliasProvider exposes a loaded base provider under another id and role.
// Unload is a no-op; the manager calls Detach when the base goes away.
type AliasProvider struct {
	id           string
	role         string
	capabilities []string

	mu   sync.RWMutex
	base Provider
}

// NewAliasProvider wraps base. Empty caps inherit the base capabilities.
func NewAliasProvider(base Provider, id, role string, caps []string) *AliasProvider {
	return &AliasProvider{id: id, role: role, capabilities: caps, base: base}
}

// Base returns the wrapped provider, nil after Detach.
func (a *AliasProvider) Base() Provider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.base
}

// Detach drops the base reference.
func (a *AliasProvider) Detach() {
	a.mu.Lock()
	a.base = nil
	a.mu.Unlock()
}

func (a *AliasProvider) target() (Provider, error) {
	if b := a.Base(); b != nil {
		return b, nil
	}
	return nil, errkind.Newf(errkind.ProviderInternal, "alias %s detached from its base", a.id)
}

func (a *AliasProvider) Load(ctx context.Context) error {
	b, err := a.target()
	if err != nil {
		return err
	}
	return b.Load(ctx)
}

func (a *AliasProvider) Unload() {}

func (a *AliasProvider) Generate(ctx context.Context, prompt string, s Sampling) (GenerationResult, error) {
	b, err := a.target()
	if err != nil {
		return GenerationResult{}, err
	}
	res, err := b.Generate(ctx, prompt, s)
	res.ModelID, res.Role = a.id, a.role
	return res, err
}

func (a *AliasProvider) Stream(ctx context.Context, prompt string, s Sampling, yield func(string) error) error {
	b, err := a.target()
	if err != nil {
		return err
	}
	return b.Stream(ctx, prompt, s, yield)
}

func (a *AliasProvider) Info() ModelInfo {
	var info ModelInfo
	if b := a.Base(); b != nil {
		info = b.Info()
	}
	info.ID = a.id
	info.Role = a.role
	if len(a.capabilities) > 0 {
		info.Capabilities = append([]string(nil), a.capabilities...)
	}
	return info
}

func (a *AliasProvider) SetNGPULayers(ctx context.Context, v config.GPULayers) (GPULayerState, error) {
	b, err := a.target()
	if err != nil {
		return GPULayerState{}, err
	}
	return b.SetNGPULayers(ctx, v)
}

func (a *AliasProvider) EffectiveNGPULayers() (int, bool) {
	if b := a.Base(); b != nil {
		return b.EffectiveNGPULayers()
	}
	return 0, false
}

func (a *AliasProvider) RequestedNGPULayers() config.GPULayers {
	if b := a.Base(); b != nil {
		return b.RequestedNGPULayers()
	}
	return config.GPULayers{}
}

func (a *AliasProvider) GPUFallback() bool {
	if b := a.Base(); b != nil {
		return b.GPUFallback()
	}
	return false
}

func (a *AliasProvider) Cancel() {
	if b := a.Base(); b != nil {
		b.Cancel()
	}
}

func (a *AliasProvider) Loaded() bool {
	if b := a.Base(); b != nil {
		return b.Loaded()
	}
	return false
}

func (a *AliasProvider) ModelPath() string {
	if b := a.Base(); b != nil {
		return b.ModelPath()
	}
	return ""
}

func (a *AliasProvider) LastUsed() time.Time {
	if b := a.Base(); b != nil {
		return b.LastUsed()
	}
	return time.Time{}
}

var _ Provider = (*AliasProvider)(nil)
