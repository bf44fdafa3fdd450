package manager

import (
	"time"

	"github.com/rs/zerolog"

	"mia/internal/events"
	"mia/internal/llm"
)

// Unload drains in-flight and queued generations for id (bounded by the
// drain timeout) and then unloads it. Aliases of the unloaded provider
// are detached and dropped. Returns false when id is not cached.
func (l *LLMModule) Unload(id, reason string) bool {
	if reason == "" {
		reason = "manual"
	}
	if g := l.gateFor(id, false); g != nil {
		deadline := time.Now().Add(l.opts.DrainTimeout)
		for (len(g.genCh) > 0 || len(g.queueCh) > 0) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unloadLocked(id, reason, nil)
}

func (l *LLMModule) unloadLocked(id, reason string, idleSeconds *int) bool {
	p, ok := l.providers[id]
	if !ok {
		return false
	}
	delete(l.providers, id)
	delete(l.sizes, id)
	role := p.Info().Role
	if a, alias := p.(*llm.AliasProvider); alias {
		a.Detach()
	} else {
		p.Unload()
		for aid, other := range l.providers {
			if a, alias := other.(*llm.AliasProvider); alias && a.Base() == p {
				a.Detach()
				delete(l.providers, aid)
			}
		}
	}
	events.Emit(l.opts.Bus, events.ModelUnloaded{ModelID: id, Role: role, Reason: reason, IdleSeconds: idleSeconds})
	logf(zerolog.InfoLevel, "model %s unloaded reason=%s", id, reason)
	return true
}
