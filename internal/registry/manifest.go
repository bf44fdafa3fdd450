package registry

import (
	"path/filepath"
	"strings"

	"mia/internal/common/fsutil"
)

// Manifest describes one model file and how the runtime may use it.
type Manifest struct {
	ID             string   `yaml:"id" json:"id" validate:"required,notblank"`
	Family         string   `yaml:"family" json:"family" validate:"required"`
	Role           string   `yaml:"role" json:"role" validate:"required,oneof=primary lightweight secondary judge planner"`
	Path           string   `yaml:"path" json:"path" validate:"required"`
	Quant          string   `yaml:"quant,omitempty" json:"quant,omitempty"`
	ContextLength  int      `yaml:"context_length" json:"context_length" validate:"gt=0"`
	Capabilities   []string `yaml:"capabilities" json:"capabilities" validate:"required"`
	ChecksumSHA256 string   `yaml:"checksum_sha256" json:"checksum_sha256" validate:"required"`
	Revision       string   `yaml:"revision,omitempty" json:"revision,omitempty"`
	Experimental   bool     `yaml:"experimental,omitempty" json:"experimental,omitempty"`
	Deprecated     bool     `yaml:"deprecated,omitempty" json:"deprecated,omitempty"`
}

// ResolvePath returns the model file path; relative paths are taken
// against root.
func (m Manifest) ResolvePath(root string) string {
	p, err := fsutil.Resolve(root, m.Path)
	if err != nil {
		return filepath.Join(root, m.Path)
	}
	return p
}

// HasCapabilities reports whether m declares every capability in req.
func (m Manifest) HasCapabilities(req []string) bool {
	have := make(map[string]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		have[strings.ToLower(c)] = true
	}
	for _, c := range req {
		if !have[strings.ToLower(c)] {
			return false
		}
	}
	return true
}
