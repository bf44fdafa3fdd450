package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mia/internal/abort"
	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/events"
	"mia/internal/harmony"
	"mia/internal/llm"
	"mia/internal/manager"
	"mia/internal/metrics"
	"mia/internal/pipeline"
	"mia/internal/registry"
	"mia/internal/router"
	"mia/internal/session"
	"mia/pkg/types"
)

type fakeProvider struct {
	id      string
	chunks  []string
	block   bool
	started chan struct{}
	once    sync.Once
}

func (f *fakeProvider) Load(context.Context) error { return nil }
func (f *fakeProvider) Unload()                    {}
func (f *fakeProvider) Generate(context.Context, string, llm.Sampling) (llm.GenerationResult, error) {
	return llm.GenerationResult{}, nil
}
func (f *fakeProvider) Stream(ctx context.Context, _ string, _ llm.Sampling, yield func(string) error) error {
	for _, c := range f.chunks {
		if err := yield(c); err != nil {
			return err
		}
	}
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}
func (f *fakeProvider) Info() llm.ModelInfo {
	return llm.ModelInfo{ID: f.id, Role: "primary", ContextLength: 4096, Metadata: map[string]any{"stub": true}}
}
func (f *fakeProvider) SetNGPULayers(context.Context, config.GPULayers) (llm.GPULayerState, error) {
	return llm.GPULayerState{}, nil
}
func (f *fakeProvider) EffectiveNGPULayers() (int, bool)      { return 0, true }
func (f *fakeProvider) RequestedNGPULayers() config.GPULayers { return config.GPULayers{} }
func (f *fakeProvider) GPUFallback() bool                     { return false }
func (f *fakeProvider) Cancel()                               {}
func (f *fakeProvider) Loaded() bool                          { return true }
func (f *fakeProvider) ModelPath() string                     { return "" }
func (f *fakeProvider) LastUsed() time.Time                   { return time.Time{} }

type fakeCatalog struct {
	manifests map[string]registry.Manifest
	providers map[string]llm.Provider
	busy      bool
}

func (c *fakeCatalog) PrimaryID() string { return "gpt-oss" }
func (c *fakeCatalog) Manifests() (map[string]registry.Manifest, error) {
	return c.manifests, nil
}
func (c *fakeCatalog) Cached(id string) (llm.Provider, bool) {
	p, ok := c.providers[id]
	return p, ok
}
func (c *fakeCatalog) Status() types.StatusResponse {
	return types.StatusResponse{PrimaryID: "gpt-oss"}
}
func (c *fakeCatalog) Admit(context.Context, string) (func(), error) {
	if c.busy {
		return nil, busyErr{}
	}
	return func() {}, nil
}
func (c *fakeCatalog) Provider(_ context.Context, id string) (llm.Provider, error) {
	if p, ok := c.providers[id]; ok {
		return p, nil
	}
	return nil, manager.ErrModelNotFound(id)
}

type busyErr struct{}

func (busyErr) Error() string   { return "too busy" }
func (busyErr) StatusCode() int { return http.StatusTooManyRequests }

type testServer struct {
	h       http.Handler
	catalog *fakeCatalog
	m       *metrics.Registry
	rec     *eventbus.Recorder
	aborts  *abort.Registry
	sess    *session.Store
}

func newTestServer(t *testing.T, prov *fakeProvider) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.LLM.ReasoningPresets = map[string]map[string]float64{"low": {"temperature": 0.2}}
	m := metrics.New()
	bus := eventbus.New(m)
	t.Cleanup(events.InstallMetricsCollector(bus, m))
	rec := eventbus.NewRecorder(bus)
	t.Cleanup(rec.Close)
	aborts := abort.New()
	cat := &fakeCatalog{
		manifests: map[string]registry.Manifest{
			"gpt-oss": {ID: "gpt-oss", Role: "primary", ContextLength: 8192, Capabilities: []string{"chat"}},
			"judge":   {ID: "judge", Role: "judge", ContextLength: 2048},
			"exp":     {ID: "exp", Role: "lightweight", Experimental: true},
		},
		providers: map[string]llm.Provider{"gpt-oss": prov},
	}
	p := pipeline.NewPrimary(pipeline.Options{
		Config:       &cfg,
		Aborts:       aborts,
		Bus:          bus,
		Metrics:      m,
		Cache:        harmony.NewMemoryCache(),
		PollInterval: 5 * time.Millisecond,
	})
	sess := session.New(m)
	h := NewMux(Deps{
		Config:    &cfg,
		Catalog:   cat,
		Router:    router.New(cat, p),
		Sessions:  sess,
		Aborts:    aborts,
		Bus:       bus,
		Metrics:   m,
		ModelsDir: t.TempDir(),
		Options:   Options{LateAbortDelay: 20 * time.Millisecond},
	})
	return &testServer{h: h, catalog: cat, m: m, rec: rec, aborts: aborts, sess: sess}
}

type sseFrame struct {
	event string
	data  map[string]any
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var out []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f sseFrame
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

func (s *testServer) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func harmonyAnswer(text string) []string {
	return []string{
		"<|start|>assistant<|channel|>analysis<|message|>thinking<|end|>",
		"<|start|>assistant<|channel|>final<|message|>" + text,
		"<|return|>",
	}
}

func TestGenerateStreamsFramesInOrder(t *testing.T) {
	s := newTestServer(t, &fakeProvider{id: "gpt-oss", chunks: harmonyAnswer("Paris is the capital")})
	rr := s.post("/generate", `{"session_id":"s1","model":"gpt-oss","prompt":"Capital of France?","overrides":{"reasoning_preset":"LOW"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	frames := parseSSE(t, rr.Body.String())
	if frames[0].event != "meta" || frames[len(frames)-1].event != "end" {
		t.Fatalf("frames: %+v", frames)
	}
	rid := frames[0].data["request_id"]
	if rr.Header().Get("X-Request-ID") != rid {
		t.Fatalf("X-Request-ID=%q meta=%v", rr.Header().Get("X-Request-ID"), rid)
	}
	var final map[string]any
	seenUsage := false
	for _, f := range frames {
		switch f.event {
		case "usage":
			seenUsage = true
		case "final":
			if !seenUsage {
				t.Fatalf("final before usage")
			}
			final = f.data
		}
		if f.data["request_id"] != rid {
			t.Fatalf("%s frame carries request_id %v", f.event, f.data["request_id"])
		}
	}
	if final == nil || final["text"] != "Paris is the capital" {
		t.Fatalf("final: %v", final)
	}
	hist := s.sess.History("s1")
	if len(hist) != 2 || hist[1].Role != "assistant" || hist[1].Content != "Paris is the capital" {
		t.Fatalf("session: %+v", hist)
	}
	if s.rec.Count("ReasoningPresetApplied") != 1 {
		t.Fatalf("preset event missing: %v", s.rec.Names())
	}
	if got := s.m.Counter("sse_stream_open_total", metrics.Labels{"model": "gpt-oss"}); got != 1 {
		t.Fatalf("open counter=%v", got)
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, &fakeProvider{id: "gpt-oss"})
	cases := []struct {
		name, body string
		status     int
		errText    string
	}{
		{"empty prompt", `{"session_id":"s","model":"gpt-oss","prompt":"   "}`, 400, "prompt-empty"},
		{"bad preset", `{"session_id":"s","model":"gpt-oss","prompt":"hi","overrides":{"reasoning_preset":"turbo"}}`, 400, "invalid-reasoning-preset"},
		{"bad temperature", `{"session_id":"s","model":"gpt-oss","prompt":"hi","overrides":{"temperature":5}}`, 400, "invalid-request"},
		{"bad json", `{`, 400, "invalid JSON body"},
		{"unknown model", `{"session_id":"s","model":"nope","prompt":"hi"}`, 404, "provider-acquire"},
	}
	for _, c := range cases {
		rr := s.post("/generate", c.body)
		if rr.Code != c.status || !strings.Contains(rr.Body.String(), c.errText) {
			t.Fatalf("%s: status=%d body=%s", c.name, rr.Code, rr.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type: %d", rr.Code)
	}
}

func TestGenerateBackpressure(t *testing.T) {
	s := newTestServer(t, &fakeProvider{id: "gpt-oss"})
	s.catalog.busy = true
	rr := s.post("/generate", `{"session_id":"s","model":"gpt-oss","prompt":"hi"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", rr.Code)
	}
	var body types.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Phase != "pre_stream" || body.RequestID == "" {
		t.Fatalf("body=%+v err=%v", body, err)
	}
}

func TestAbortMidStream(t *testing.T) {
	prov := &fakeProvider{
		id:      "gpt-oss",
		chunks:  []string{"<|start|>assistant<|channel|>final<|message|>partial answer "},
		block:   true,
		started: make(chan struct{}),
	}
	s := newTestServer(t, prov)
	srv := httptest.NewServer(s.h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/generate", "application/json",
		strings.NewReader(`{"session_id":"s2","model":"gpt-oss","prompt":"go on"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	readFrame := func() sseFrame {
		var block strings.Builder
		for {
			ln, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v (partial %q)", err, block.String())
			}
			if ln == "\n" {
				return parseSSE(t, block.String())[0]
			}
			block.WriteString(ln)
		}
	}
	meta := readFrame()
	rid, _ := meta.data["request_id"].(string)
	if meta.event != "meta" || rid == "" {
		t.Fatalf("meta: %+v", meta)
	}
	select {
	case <-prov.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("provider never streamed")
	}

	ab, err := http.Post(srv.URL+"/generate/abort", "application/json", strings.NewReader(`{"request_id":"`+rid+`"}`))
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	var abResp types.AbortResponse
	json.NewDecoder(ab.Body).Decode(&abResp)
	ab.Body.Close()
	if !abResp.OK || abResp.RequestID != rid {
		t.Fatalf("abort response: %+v", abResp)
	}

	var end sseFrame
	sawError := false
	for {
		f := readFrame()
		if f.event == "error" {
			sawError = true
			if f.data["error_type"] != "user_abort" {
				t.Fatalf("error frame: %v", f.data)
			}
		}
		if f.event == "end" {
			end = f
			break
		}
	}
	if !sawError || end.data["status"] != "cancelled" {
		t.Fatalf("end: %+v sawError=%v", end, sawError)
	}
	if s.rec.Count("GenerationCancelled") != 1 {
		t.Fatalf("cancelled events: %v", s.rec.Names())
	}
	deadline := time.Now().Add(time.Second)
	for s.aborts.Known(rid) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.aborts.Known(rid) {
		t.Fatalf("abort record not cleared")
	}
	if s.rec.Count("GenerationCancelled") != 1 {
		t.Fatalf("late timer re-emitted cancellation")
	}
}

func TestAbortUnknownID(t *testing.T) {
	s := newTestServer(t, &fakeProvider{id: "gpt-oss"})
	rr := s.post("/generate/abort", `{"request_id":"missing"}`)
	var body types.AbortResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.OK {
		t.Fatalf("body=%s", rr.Body.String())
	}
	if got := s.m.Counter("generation_aborted_total", metrics.Labels{"model": "unknown", "reason": "unknown-id"}); got != 1 {
		t.Fatalf("aborted counter=%v", got)
	}
	rr = s.post("/generate/abort", `{}`)
	if !strings.Contains(rr.Body.String(), "missing-request_id") {
		t.Fatalf("body=%s", rr.Body.String())
	}
}

func TestModelsListingFiltersRolesAndReadsPassport(t *testing.T) {
	s := newTestServer(t, &fakeProvider{id: "gpt-oss"})
	rr := s.get("/models")
	var body types.ModelsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 1 || body.Models[0].ID != "gpt-oss" {
		t.Fatalf("models: %+v", body.Models)
	}
	if !body.Models[0].Flags.Stub {
		t.Fatalf("stub flag from loaded provider not reported")
	}
}

func TestModelEntryPassportLimits(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "m1"), 0o755); err != nil {
		t.Fatal(err)
	}
	passport := "passport_version: 2\nsampling_defaults:\n  max_output_tokens: 512\nreasoning:\n  default_reasoning_max_tokens: 128\n"
	if err := os.WriteFile(filepath.Join(dir, "m1", llm.PassportFile), []byte(passport), 0o644); err != nil {
		t.Fatal(err)
	}
	s := &server{Deps: Deps{Catalog: &fakeCatalog{}, ModelsDir: dir}}
	e := s.modelEntry(registry.Manifest{ID: "m1", Role: "primary", ContextLength: 4096})
	if e.PassportVersion == nil || *e.PassportVersion != 2 || e.PassportHash == "" {
		t.Fatalf("passport fields: %+v", e)
	}
	if e.Limits.MaxOutputTokens == nil || *e.Limits.MaxOutputTokens != 512 {
		t.Fatalf("limits: %+v", e.Limits)
	}
	if e.Limits.ReasoningMaxTokens == nil || *e.Limits.ReasoningMaxTokens != 128 {
		t.Fatalf("reasoning limit: %+v", e.Limits)
	}
}

func TestIntrospectionRoutes(t *testing.T) {
	s := newTestServer(t, &fakeProvider{id: "gpt-oss"})
	if rr := s.get("/health"); !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Fatalf("health: %s", rr.Body.String())
	}
	if rr := s.get("/healthz"); rr.Code != 200 {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if rr := s.get("/readyz"); rr.Code != 200 {
		t.Fatalf("readyz: %d", rr.Code)
	}
	var cfg types.ConfigResponse
	if err := json.Unmarshal(s.get("/config").Body.Bytes(), &cfg); err != nil {
		t.Fatalf("config json: %v", err)
	}
	if cfg.UIMode != "user" || cfg.ReasoningRatioThreshold != 0.45 || cfg.Primary["id"] == nil {
		t.Fatalf("config: %+v", cfg)
	}
	var presets types.PresetsResponse
	if err := json.Unmarshal(s.get("/presets").Body.Bytes(), &presets); err != nil || presets.ReasoningPresets["low"]["temperature"] != 0.2 {
		t.Fatalf("presets: %+v err=%v", presets, err)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(s.get("/status").Body.Bytes(), &st); err != nil || st.PrimaryID != "gpt-oss" || st.ServerTimeUnix == 0 {
		t.Fatalf("status: %+v err=%v", st, err)
	}
	if rr := s.get("/metrics"); !strings.Contains(rr.Body.String(), "mia_api_request_total") {
		t.Fatalf("metrics output missing in-process counters")
	}
}
