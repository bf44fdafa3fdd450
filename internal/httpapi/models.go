package httpapi

import (
	"net/http"

	"mia/internal/llm"
	"mia/internal/registry"
	"mia/pkg/types"
)

var listedRoles = map[string]bool{"primary": true, "lightweight": true, "secondary": true}

// handleModels godoc
// @Summary  List user-facing models
// @Description Experimental manifests and internal roles (judge, planner) are hidden. Providers are never loaded by this call.
// @Tags     models
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Failure  500 {object} types.ErrorResponse
// @Router   /models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := types.ModelsResponse{Models: []types.ModelEntry{}}
	if s.Catalog == nil {
		writeJSON(w, resp)
		return
	}
	idx, err := s.Catalog.Manifests()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, m := range registry.Sorted(idx) {
		if !listedRoles[m.Role] || m.Experimental {
			continue
		}
		resp.Models = append(resp.Models, s.modelEntry(m))
	}
	writeJSON(w, resp)
}

func (s *server) modelEntry(m registry.Manifest) types.ModelEntry {
	e := types.ModelEntry{
		ID:            m.ID,
		Role:          m.Role,
		Capabilities:  append([]string{}, m.Capabilities...),
		ContextLength: m.ContextLength,
		Flags: types.ModelFlags{
			Experimental: m.Experimental,
			Deprecated:   m.Deprecated,
			Reusable:     true,
		},
		Limits: types.ModelLimits{ContextLength: m.ContextLength},
	}
	if p, ok := s.Catalog.Cached(m.ID); ok && p.Loaded() {
		e.Flags.Stub = p.Info().Stub()
		_, e.Flags.Alias = p.(*llm.AliasProvider)
	}
	path := llm.FindPassport(s.ModelsDir, m.ID, "")
	if path == "" {
		return e
	}
	pp, err := llm.LoadPassport(path)
	if err != nil {
		return e
	}
	hash := pp.Hash
	if hash == "" {
		hash = pp.ComputedHash
	}
	version := pp.Version
	e.PassportVersion = &version
	e.PassportHash = hash
	e.Passport = map[string]any{
		"version":           pp.Version,
		"hash":              hash,
		"sampling_defaults": pp.SamplingDefaults,
		"reasoning": map[string]any{
			"default_reasoning_max_tokens": pp.Reasoning.DefaultReasoningMaxTokens,
		},
	}
	if n, ok := pp.MaxOutputTokens(); ok {
		e.Limits.MaxOutputTokens = &n
	}
	e.Limits.ReasoningMaxTokens = pp.Reasoning.DefaultReasoningMaxTokens
	return e
}
