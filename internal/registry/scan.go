package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mia/internal/common/fsutil"
)

// Candidate is a model file found on disk that may not have a manifest yet.
type Candidate struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ScanGGUF lists *.gguf files in dir (case-insensitive extension). The id
// is the file name without extension.
func ScanGGUF(dir string) ([]Candidate, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []Candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), ".gguf") {
			continue
		}
		p := filepath.Join(abs, name)
		size, _ := fsutil.FileSize(p)
		out = append(out, Candidate{
			ID:        strings.TrimSuffix(name, filepath.Ext(name)),
			Path:      p,
			SizeBytes: size,
		})
	}
	return out, nil
}
