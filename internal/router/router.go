// Package router maps a model id to its provider and the pipeline that
// drives it. Pipelines are chosen by the provider's role.
package router

import (
	"context"
	"fmt"
	"sync"

	"mia/internal/llm"
	"mia/internal/pipeline"
)

// ProviderSource resolves providers by id. *manager.LLMModule satisfies it.
type ProviderSource interface {
	Provider(ctx context.Context, id string) (llm.Provider, error)
}

// Router resolves a model id to (provider, pipeline).
type Router struct {
	src       ProviderSource
	mu        sync.RWMutex
	byRole    map[string]pipeline.Kind
	pipelines map[pipeline.Kind]pipeline.Pipeline
	fallback  pipeline.Kind
}

// New returns a router whose default kind is primary, served by p.
func New(src ProviderSource, primary pipeline.Pipeline) *Router {
	return &Router{
		src:       src,
		byRole:    map[string]pipeline.Kind{},
		pipelines: map[pipeline.Kind]pipeline.Pipeline{pipeline.KindPrimary: primary},
		fallback:  pipeline.KindPrimary,
	}
}

// Register binds a provider role to a pipeline kind.
func (r *Router) Register(role string, kind pipeline.Kind) {
	r.mu.Lock()
	r.byRole[role] = kind
	r.mu.Unlock()
}

// AddPipeline installs the implementation for kind.
func (r *Router) AddPipeline(kind pipeline.Kind, p pipeline.Pipeline) {
	r.mu.Lock()
	r.pipelines[kind] = p
	r.mu.Unlock()
}

// Route is a resolved target.
type Route struct {
	Provider llm.Provider
	Kind     pipeline.Kind
	Pipeline pipeline.Pipeline
}

// Resolve loads (or reuses) the provider for modelID and picks the pipeline
// registered for its role, falling back to primary.
func (r *Router) Resolve(ctx context.Context, modelID string) (Route, error) {
	prov, err := r.src.Provider(ctx, modelID)
	if err != nil {
		return Route{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.byRole[prov.Info().Role]
	if !ok {
		kind = r.fallback
	}
	p, ok := r.pipelines[kind]
	if !ok {
		return Route{}, fmt.Errorf("no pipeline registered for kind %q", kind)
	}
	return Route{Provider: prov, Kind: kind, Pipeline: p}, nil
}
