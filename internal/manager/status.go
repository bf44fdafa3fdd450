package manager

import (
	"sort"

	"mia/internal/llm"
	"mia/pkg/types"
)

// Status builds a detailed status response for /status. Uptime and server
// time are filled by the HTTP layer.
func (l *LLMModule) Status() types.StatusResponse {
	l.mu.RLock()
	defer l.mu.RUnlock()
	resp := types.StatusResponse{PrimaryID: l.PrimaryID()}
	resp.Instances = make([]types.InstanceStatus, 0, len(l.providers))
	for id, p := range l.providers {
		info := p.Info()
		st := types.InstanceStatus{
			ModelID:             id,
			Role:                info.Role,
			State:               "unloaded",
			Stub:                info.Stub(),
			SizeBytes:           l.sizes[id],
			MaxQueueDepth:       l.opts.MaxQueueDepth,
			NGPULayersRequested: p.RequestedNGPULayers().String(),
			GPUFallback:         p.GPUFallback(),
		}
		if p.Loaded() {
			st.State = "loaded"
		}
		if a, ok := p.(*llm.AliasProvider); ok {
			st.Alias = true
			if b := a.Base(); b != nil {
				st.BaseID = b.Info().ID
			}
		} else {
			st.Heavy = l.isHeavy(l.sizes[id])
			if st.Heavy && p.Loaded() {
				resp.LoadedHeavy++
			}
		}
		if t := p.LastUsed(); !t.IsZero() {
			st.LastUsed = t.Unix()
		}
		if eff, ok := p.EffectiveNGPULayers(); ok {
			st.NGPULayersEffective = &eff
		}
		if g := l.gateFor(id, false); g != nil {
			st.QueueLen = len(g.queueCh)
			st.Inflight = len(g.genCh)
		}
		resp.Instances = append(resp.Instances, st)
	}
	sort.Slice(resp.Instances, func(i, j int) bool { return resp.Instances[i].ModelID < resp.Instances[j].ModelID })
	return resp
}

// Info summarizes the module for diagnostics.
func (l *LLMModule) Info() map[string]any {
	st := l.Status()
	loaded := make([]string, 0, len(st.Instances))
	for _, in := range st.Instances {
		if in.State == "loaded" {
			loaded = append(loaded, in.ModelID)
		}
	}
	return map[string]any{
		"primary_id":   st.PrimaryID,
		"providers":    len(st.Instances),
		"loaded":       loaded,
		"loaded_heavy": st.LoadedHeavy,
	}
}
