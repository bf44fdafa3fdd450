package llm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"mia/internal/common/fsutil"
)

// PassportFile is the side-car file name looked up per model.
const PassportFile = "passport.yaml"

// ReasoningLevel maps a reasoning level to sampling adjustments.
type ReasoningLevel struct {
	Temperature        *float64 `yaml:"temperature" json:"temperature,omitempty"`
	TopP               *float64 `yaml:"top_p" json:"top_p,omitempty"`
	TopK               *int     `yaml:"top_k" json:"top_k,omitempty"`
	MaxOutputTokensPct *float64 `yaml:"max_output_tokens_pct" json:"max_output_tokens_pct,omitempty"`
	ReasoningMaxTokens *int     `yaml:"reasoning_max_tokens" json:"reasoning_max_tokens,omitempty"`
}

// Passport holds per-model sampling defaults and reasoning levels.
type Passport struct {
	Version          int            `yaml:"passport_version" json:"passport_version"`
	Hash             string         `yaml:"hash" json:"hash,omitempty"`
	SamplingDefaults map[string]any `yaml:"sampling_defaults" json:"sampling_defaults,omitempty"`
	Reasoning        struct {
		DefaultReasoningMaxTokens *int `yaml:"default_reasoning_max_tokens" json:"default_reasoning_max_tokens,omitempty"`
	} `yaml:"reasoning" json:"reasoning"`
	ReasoningLevels map[string]ReasoningLevel `yaml:"reasoning_levels" json:"reasoning_levels,omitempty"`

	// ComputedHash is the first 16 hex chars of sha256 over the file
	// without its hash line.
	ComputedHash string `yaml:"-" json:"-"`
}

// HashMatches is true when no hash is declared or it equals ComputedHash.
func (p *Passport) HashMatches() bool {
	return p.Hash == "" || strings.EqualFold(p.Hash, p.ComputedHash) ||
		strings.HasPrefix(strings.ToLower(p.ComputedHash), strings.ToLower(p.Hash))
}

// MaxOutputTokens returns sampling_defaults.max_output_tokens if positive.
func (p *Passport) MaxOutputTokens() (int, bool) {
	if p == nil {
		return 0, false
	}
	for _, k := range []string{"max_output_tokens", "max_tokens"} {
		if f, ok := toFloat(p.SamplingDefaults[k]); ok && f > 0 {
			return int(f), true
		}
	}
	return 0, false
}

// FindPassport looks for <modelsDir>/<id>/passport.yaml, then next to the
// model file. Empty when none exists.
func FindPassport(modelsDir, modelID, modelPath string) string {
	var candidates []string
	if modelsDir != "" && modelID != "" {
		candidates = append(candidates, filepath.Join(modelsDir, modelID, PassportFile))
	}
	if modelPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(modelPath), PassportFile))
	}
	for _, c := range candidates {
		if fsutil.IsFile(c) {
			return c
		}
	}
	return ""
}

// LoadPassport parses a passport file, normalizing repetition_penalty to
// repeat_penalty and computing its hash.
func LoadPassport(path string) (*Passport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Passport
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.SamplingDefaults == nil {
		p.SamplingDefaults = map[string]any{}
	}
	if v, ok := p.SamplingDefaults["repetition_penalty"]; ok {
		if _, has := p.SamplingDefaults["repeat_penalty"]; !has {
			p.SamplingDefaults["repeat_penalty"] = v
		}
		delete(p.SamplingDefaults, "repetition_penalty")
	}
	p.ComputedHash = passportHash(raw)
	return &p, nil
}

func passportHash(raw []byte) string {
	var kept [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("hash:")) && !bytes.HasPrefix(line, []byte(" ")) {
			continue
		}
		kept = append(kept, line)
	}
	sum := sha256.Sum256(bytes.Join(kept, []byte("\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// Metadata renders the passport into provider info metadata keys.
func (p *Passport) Metadata() map[string]any {
	levels := make(map[string]any, len(p.ReasoningLevels))
	for name, l := range p.ReasoningLevels {
		m := map[string]any{}
		if l.Temperature != nil {
			m["temperature"] = *l.Temperature
		}
		if l.TopP != nil {
			m["top_p"] = *l.TopP
		}
		if l.TopK != nil {
			m["top_k"] = *l.TopK
		}
		if l.MaxOutputTokensPct != nil {
			m["max_output_tokens_pct"] = *l.MaxOutputTokensPct
		}
		if l.ReasoningMaxTokens != nil {
			m["reasoning_max_tokens"] = *l.ReasoningMaxTokens
		}
		levels[name] = m
	}
	hash := p.Hash
	if hash == "" {
		hash = p.ComputedHash
	}
	md := map[string]any{
		"passport_version":           p.Version,
		"passport_hash":              hash,
		"passport_sampling_defaults": maps.Clone(p.SamplingDefaults),
		"reasoning_levels":           levels,
	}
	if p.Reasoning.DefaultReasoningMaxTokens != nil {
		md["reasoning_default_max_tokens"] = *p.Reasoning.DefaultReasoningMaxTokens
	}
	return md
}

// PassportOf returns the passport attached to p, looking through aliases.
func PassportOf(p Provider) *Passport {
	for p != nil {
		switch v := p.(type) {
		case interface{ Passport() *Passport }:
			return v.Passport()
		case interface{ Base() Provider }:
			p = v.Base()
		default:
			return nil
		}
	}
	return nil
}
