package manager

import (
	"context"
	"sort"
	"time"
)

// SweepIdle unloads enabled optional models whose idle time reached their
// idle_unload_seconds. A zero now means the module clock. Returns the ids
// unloaded, sorted.
func (l *LLMModule) SweepIdle(now time.Time) []string {
	if now.IsZero() {
		now = l.opts.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for key, om := range l.cfg.LLM.OptionalModels {
		if !om.Enabled || om.IdleUnloadSeconds <= 0 {
			continue
		}
		id := om.ID
		if id == "" {
			id = key
		}
		p, ok := l.providers[id]
		if !ok || !p.Loaded() {
			continue
		}
		last := p.LastUsed()
		if last.IsZero() {
			continue
		}
		idle := now.Sub(last)
		if idle < time.Duration(om.IdleUnloadSeconds)*time.Second {
			continue
		}
		secs := int(idle.Seconds())
		if l.unloadLocked(id, "idle", &secs) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (l *LLMModule) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.SweepIdle(time.Time{})
		}
	}
}
