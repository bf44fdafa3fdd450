package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mia/internal/registry"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeRegistry creates root/models/<id>.gguf and a manifest per entry.
// A non-empty sum overrides the real digest.
func writeRegistry(t *testing.T, root string, ids map[string]string) {
	t.Helper()
	t.Cleanup(func() { registry.ClearCache(root) })
	regDir := filepath.Join(root, "llm", "registry")
	modelDir := filepath.Join(root, "models")
	for _, d := range []string{regDir, modelDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	for id, sum := range ids {
		data := []byte("weights-" + id)
		if err := os.WriteFile(filepath.Join(modelDir, id+".gguf"), data, 0o644); err != nil {
			t.Fatalf("write model: %v", err)
		}
		if sum == "" {
			h := sha256.Sum256(data)
			sum = hex.EncodeToString(h[:])
		}
		body := fmt.Sprintf("id: %s\nfamily: test\nrole: primary\npath: models/%s.gguf\ncontext_length: 4096\ncapabilities: [chat]\nchecksum_sha256: %s\n", id, id, sum)
		if err := os.WriteFile(filepath.Join(regDir, id+".yaml"), []byte(body), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := runCmd(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("schema is not JSON: %v\n%s", err, out)
	}
	if !strings.Contains(out, "schema_version") {
		t.Fatalf("schema does not mention schema_version")
	}
}

func TestConfigShowUsesConfigDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("llm:\n  primary:\n    id: from-file\n"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	out, err := runCmd(t, "--config-dir", dir, "config", "show", "--json")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, `"from-file"`) {
		t.Fatalf("expected primary id from file, got:\n%s", out)
	}
}

func TestModelsListJSON(t *testing.T) {
	root := t.TempDir()
	writeRegistry(t, root, map[string]string{"beta": "", "alpha": ""})
	out, err := runCmd(t, "--root", root, "models", "list", "--json")
	if err != nil {
		t.Fatalf("models list: %v", err)
	}
	var ms []registry.Manifest
	if err := json.Unmarshal([]byte(out), &ms); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(ms) != 2 || ms[0].ID != "alpha" || ms[1].ID != "beta" {
		t.Fatalf("unexpected order: %+v", ms)
	}
}

func TestModelsVerify(t *testing.T) {
	root := t.TempDir()
	writeRegistry(t, root, map[string]string{"good": "", "bad": strings.Repeat("0", 64)})

	out, err := runCmd(t, "--root", root, "models", "verify")
	if err == nil {
		t.Fatalf("expected failure for mismatched checksum\n%s", out)
	}
	if !strings.Contains(out, "ok       good") || !strings.Contains(out, "FAIL     bad") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	registry.ClearCache(root)
	if out, err := runCmd(t, "--root", root, "models", "verify", "good"); err != nil {
		t.Fatalf("verify good: %v\n%s", err, out)
	}
	if _, err := runCmd(t, "--root", root, "models", "verify", "nope"); err == nil {
		t.Fatalf("expected unknown id error")
	}
}

func TestModelsScan(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.gguf", "B.GGUF", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	out, err := runCmd(t, "models", "scan", dir)
	if err != nil {
		t.Fatalf("models scan: %v", err)
	}
	var cands []registry.Candidate
	if err := json.Unmarshal([]byte(out), &cands); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(cands) != 2 {
		t.Fatalf("want 2 candidates, got %+v", cands)
	}
}
