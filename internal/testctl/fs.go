package testctl

import (
	"errors"
	"os"
	"path/filepath"

	"mia/internal/common/fsutil"
	"mia/internal/registry"
)

// hasHostModels reports whether root has a registry manifest whose model
// file exists on disk, which is what a live run needs.
func hasHostModels(root string) bool {
	idx, err := registry.LoadManifests(root)
	if err != nil {
		return false
	}
	for _, m := range registry.Sorted(idx) {
		if fsutil.IsFile(m.ResolvePath(root)) {
			return true
		}
	}
	return false
}

// repoRoot walks up from dir to the directory holding go.mod.
func repoRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if fsutil.IsFile(filepath.Join(abs, "go.mod")) {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", errors.New("go.mod not found above " + dir)
		}
		abs = parent
	}
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}
