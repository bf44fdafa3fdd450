//go:build !llama

package llm

import "context"

// This file keeps default builds cgo-free. Without the 'llama' build tag
// the backend refuses to start and providers run in stub mode.

// LlamaBuilt reports whether this binary carries the in-process runtime.
const LlamaBuilt = false

type llamaBackend struct{}

// NewLlamaBackend returns a backend whose Start always fails with
// ErrBackendUnavailable.
func NewLlamaBackend() Backend { return llamaBackend{} }

func (llamaBackend) SupportedKeys() []string { return nil }

func (llamaBackend) Start(string, LoadParams) (Session, error) {
	return nil, ErrBackendUnavailable
}

type llamaSession struct{}

func (llamaSession) Generate(ctx context.Context, _ string, _ PredictParams, _ func(string) error) (FinalResult, error) {
	if err := ctx.Err(); err != nil {
		return FinalResult{}, err
	}
	return FinalResult{}, ErrBackendUnavailable
}

func (llamaSession) Close() error { return nil }

var _ Session = llamaSession{}
