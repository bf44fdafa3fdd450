package manager

import (
	"context"
	"time"
)

// gate bounds queued and in-flight generations for one model.
type gate struct {
	queueCh chan struct{}
	genCh   chan struct{}
}

func (l *LLMModule) gateFor(id string, create bool) *gate {
	l.gateMu.Lock()
	defer l.gateMu.Unlock()
	g := l.gates[id]
	if g == nil && create {
		g = &gate{queueCh: make(chan struct{}, l.opts.MaxQueueDepth), genCh: make(chan struct{}, 1)}
		l.gates[id] = g
	}
	return g
}

// Admit reserves a queue slot and then the single in-flight slot for id.
// The returned release func must be called when generation ends.
func (l *LLMModule) Admit(ctx context.Context, id string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	g := l.gateFor(id, true)

	timer := time.NewTimer(l.opts.MaxWait)
	defer timer.Stop()
	select {
	case g.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{modelID: id}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-g.queueCh
		}
	}()
	select {
	case g.genCh <- struct{}{}:
		acquired = true
		return func() { <-g.genCh; <-g.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{modelID: id}
	}
}
