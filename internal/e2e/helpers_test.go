package e2e

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mia/internal/abort"
	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/events"
	"mia/internal/harmony"
	"mia/internal/httpapi"
	"mia/internal/manager"
	"mia/internal/metrics"
	"mia/internal/pipeline"
	"mia/internal/registry"
	"mia/internal/router"
)

type model struct {
	id, role, file string
	badChecksum    bool
}

// stack is a full gateway over stub-mode providers, built from a config
// directory and a registry on disk the way miad serve builds it.
type stack struct {
	srv     *httptest.Server
	mod     *manager.LLMModule
	metrics *metrics.Registry
	rec     *eventbus.Recorder
}

type stackOptions struct {
	baseYAML string
	environ  []string
	models   []model
	mgr      manager.Options
}

// writeModels creates root/models/<file> and root/llm/registry/<id>.yaml.
func writeModels(t *testing.T, root string, models []model) {
	t.Helper()
	regDir := filepath.Join(root, "llm", "registry")
	modelDir := filepath.Join(root, "models")
	for _, d := range []string{regDir, modelDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	for _, m := range models {
		data := []byte("gguf-" + m.file)
		p := filepath.Join(modelDir, m.file)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
		h := sha256.Sum256(data)
		sum := hex.EncodeToString(h[:])
		if m.badChecksum {
			sum = strings.Repeat("f", 64)
		}
		body := fmt.Sprintf("id: %s\nfamily: test\nrole: %s\npath: models/%s\ncontext_length: 4096\ncapabilities: [chat]\nchecksum_sha256: %s\n", m.id, m.role, m.file, sum)
		if err := os.WriteFile(filepath.Join(regDir, m.id+".yaml"), []byte(body), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
}

func newStack(t *testing.T, o stackOptions) *stack {
	t.Helper()
	root := t.TempDir()
	t.Cleanup(func() { registry.ClearCache(root) })
	writeModels(t, root, o.models)

	cfgDir := filepath.Join(root, "configs")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if o.baseYAML != "" {
		if err := os.WriteFile(filepath.Join(cfgDir, "base.yaml"), []byte(o.baseYAML), 0o644); err != nil {
			t.Fatalf("write base: %v", err)
		}
	}
	m := metrics.New()
	environ := o.environ
	if environ == nil {
		environ = []string{}
	}
	cfg, err := config.Load(config.Options{Dir: cfgDir, Environ: environ, Metrics: m})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	bus := eventbus.New(m)
	t.Cleanup(events.InstallMetricsCollector(bus, m))
	rec := eventbus.NewRecorder(bus)
	t.Cleanup(rec.Close)

	mo := o.mgr
	mo.Root, mo.ModelsDir, mo.Bus, mo.Metrics = root, filepath.Join(root, "models"), bus, m
	mod, err := manager.New(cfg, mo).Get("llm")
	if err != nil {
		t.Fatalf("llm module: %v", err)
	}
	aborts := abort.New()
	p := pipeline.NewPrimary(pipeline.Options{
		Config:       cfg,
		Presets:      mod,
		Aborts:       aborts,
		Bus:          bus,
		Metrics:      m,
		Cache:        harmony.NewMemoryCache(),
		PollInterval: 5 * time.Millisecond,
	})
	opts := httpapi.OptionsFrom(cfg)
	opts.TestMode = true
	opts.LateAbortDelay = 20 * time.Millisecond
	h := httpapi.NewMux(httpapi.Deps{
		Config:    cfg,
		Catalog:   mod,
		Router:    router.New(mod, p),
		Aborts:    aborts,
		Bus:       bus,
		Metrics:   m,
		ModelsDir: mo.ModelsDir,
		Ready: func() bool {
			pr, ok := mod.Cached(mod.PrimaryID())
			return ok && pr.Loaded()
		},
		Options: opts,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, mod: mod, metrics: m, rec: rec}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

type frame struct {
	event string
	data  map[string]any
}

func parseSSE(t *testing.T, body []byte) []frame {
	t.Helper()
	var out []frame
	for _, block := range strings.Split(string(body), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f frame
		var data []string
		for _, ln := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(ln, "event: "):
				f.event = strings.TrimPrefix(ln, "event: ")
			case strings.HasPrefix(ln, "data: "):
				data = append(data, strings.TrimPrefix(ln, "data: "))
			}
		}
		if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &f.data); err != nil {
			t.Fatalf("frame %q: %v", block, err)
		}
		out = append(out, f)
	}
	return out
}

func eventNames(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.event
	}
	return out
}

// endOf asserts a well-formed stream and returns its end frame.
func endOf(t *testing.T, frames []frame) frame {
	t.Helper()
	if len(frames) == 0 || frames[0].event != "meta" {
		t.Fatalf("stream must start with meta: %v", eventNames(frames))
	}
	last := frames[len(frames)-1]
	if last.event != "end" {
		t.Fatalf("stream must end with end: %v", eventNames(frames))
	}
	for _, f := range frames[:len(frames)-1] {
		if f.event == "end" {
			t.Fatalf("duplicate end frame: %v", eventNames(frames))
		}
	}
	return last
}
