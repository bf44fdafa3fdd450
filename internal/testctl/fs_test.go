package testctl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"mia/internal/registry"
)

func TestHasHostModels(t *testing.T) {
	root := t.TempDir()
	t.Cleanup(func() { registry.ClearCache(root) })
	if hasHostModels(root) {
		t.Fatalf("empty root reported models")
	}

	regDir := filepath.Join(root, "llm", "registry")
	if err := os.MkdirAll(regDir, 0o755); err != nil {
		t.Fatal(err)
	}
	data := []byte("weights")
	sum := sha256.Sum256(data)
	manifest := fmt.Sprintf("id: m\nfamily: test\nrole: primary\npath: models/m.gguf\ncontext_length: 2048\ncapabilities: [chat]\nchecksum_sha256: %s\n", hex.EncodeToString(sum[:]))
	if err := os.WriteFile(filepath.Join(regDir, "m.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	registry.ClearCache(root)
	if hasHostModels(root) {
		t.Fatalf("manifest without model file reported models")
	}

	if err := os.MkdirAll(filepath.Join(root, "models"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "models", "m.gguf"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	registry.ClearCache(root)
	if !hasHostModels(root) {
		t.Fatalf("expected host models detected")
	}
}

func TestRepoRoot(t *testing.T) {
	d := t.TempDir()
	if err := os.WriteFile(filepath.Join(d, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(d, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := repoRoot(nested)
	if err != nil {
		t.Fatalf("repoRoot: %v", err)
	}
	want, _ := filepath.EvalSymlinks(d)
	if g, _ := filepath.EvalSymlinks(got); g != want {
		t.Fatalf("repoRoot = %q, want %q", got, d)
	}
}

func TestHomeDirFromEnv(t *testing.T) {
	d := t.TempDir()
	t.Setenv("HOME", d)
	if homeDir() != d {
		t.Fatalf("homeDir mismatch")
	}
}
