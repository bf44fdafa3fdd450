package manager

import "mia/internal/llm"

const bytesPerGB = 1 << 30

func (l *LLMModule) isHeavy(size int64) bool {
	gb := l.cfg.LLM.HeavyModelVRAMThresholdGB
	if gb <= 0 || size <= 0 {
		return false
	}
	return float64(size) >= gb*bytesPerGB
}

// unloadHeavyLocked unloads every loaded heavy provider other than keep.
// At most one heavy provider stays resident.
func (l *LLMModule) unloadHeavyLocked(keep, reason string) {
	for id, p := range l.providers {
		if id == keep {
			continue
		}
		if _, alias := p.(*llm.AliasProvider); alias {
			continue
		}
		if p.Loaded() && l.isHeavy(l.sizes[id]) {
			l.unloadLocked(id, reason, nil)
		}
	}
}

// LoadedHeavyCount returns the number of loaded heavy providers.
func (l *LLMModule) LoadedHeavyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for id, p := range l.providers {
		if _, alias := p.(*llm.AliasProvider); alias {
			continue
		}
		if p.Loaded() && l.isHeavy(l.sizes[id]) {
			n++
		}
	}
	return n
}
