package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/metrics"
)

// helper: create a model file of approximately sizeMB megabytes
func createModelFile(t *testing.T, dir, name string, sizeMB int) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()
	if sizeMB <= 0 {
		if _, err := f.Write([]byte("tiny")); err != nil {
			t.Fatalf("write: %v", err)
		}
		return p
	}
	// write sizeMB megabytes (use 1MiB blocks)
	block := make([]byte, 1024*1024)
	for i := 0; i < sizeMB; i++ {
		if _, err := f.Write(block); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return p
}

type testManifest struct {
	id, role, file string
	caps           []string
	checksum       string
}

func writeManifest(t *testing.T, root string, m testManifest) {
	t.Helper()
	dir := filepath.Join(root, "llm", "registry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	caps := m.caps
	if len(caps) == 0 {
		caps = []string{"chat"}
	}
	sum := m.checksum
	if sum == "" {
		sum = "abc123"
	}
	body := fmt.Sprintf("id: %s\nfamily: test\nrole: %s\npath: models/%s\ncontext_length: 4096\ncapabilities: [%s]\nchecksum_sha256: %s\n",
		m.id, m.role, m.file, strings.Join(caps, ", "), sum)
	if err := os.WriteFile(filepath.Join(dir, m.id+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	root  string
	cfg   *config.Config
	bus   *eventbus.Bus
	rec   *eventbus.Recorder
	m     *metrics.Registry
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.LLM.SkipChecksum = true
	// 1 MiB threshold: files written with sizeMB >= 1 are heavy.
	cfg.LLM.HeavyModelVRAMThresholdGB = 1.0 / 1024
	m := metrics.New()
	bus := eventbus.New(m)
	rec := eventbus.NewRecorder(bus)
	t.Cleanup(rec.Close)
	return &harness{
		root:  t.TempDir(),
		cfg:   &cfg,
		bus:   bus,
		rec:   rec,
		m:     m,
		clock: &testClock{now: time.Unix(1_700_000_000, 0)},
	}
}

func (h *harness) module(t *testing.T, mutate func(*Options)) *LLMModule {
	t.Helper()
	opts := Options{Root: h.root, Bus: h.bus, Metrics: h.m, Now: h.clock.Now}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(h.cfg, opts).Get("llm")
	if err != nil {
		t.Fatalf("get llm: %v", err)
	}
	return l
}

// indexOf returns the position of the first recorded event matching name
// and model_id, or -1.
func indexOf(rec *eventbus.Recorder, name, modelID string) int {
	for i, e := range rec.Events() {
		if e.Name == name && e.Payload["model_id"] == modelID {
			return i
		}
	}
	return -1
}
