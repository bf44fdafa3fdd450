package pipeline

import (
	"context"
	"encoding/json"
	"errors"
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
	"mia/internal/metrics"
	"mia/internal/session"
)

// fakeProvider streams scripted chunks. When block is set it stops after
// the chunks and waits for cancellation.
type fakeProvider struct {
	chunks    []string
	err       error
	block     bool
	ctxLen    int
	cancelled bool
	mu        sync.Mutex
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
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}
func (f *fakeProvider) Info() llm.ModelInfo {
	return llm.ModelInfo{ID: "gpt-oss", Role: "primary", ContextLength: f.ctxLen}
}
func (f *fakeProvider) SetNGPULayers(context.Context, config.GPULayers) (llm.GPULayerState, error) {
	return llm.GPULayerState{}, nil
}
func (f *fakeProvider) EffectiveNGPULayers() (int, bool)      { return 0, true }
func (f *fakeProvider) RequestedNGPULayers() config.GPULayers { return config.GPULayers{} }
func (f *fakeProvider) GPUFallback() bool                     { return false }
func (f *fakeProvider) Cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}
func (f *fakeProvider) Loaded() bool        { return true }
func (f *fakeProvider) ModelPath() string   { return "" }
func (f *fakeProvider) LastUsed() time.Time { return time.Time{} }

type frameRec struct {
	event   string
	payload map[string]any
}

type recSink struct {
	mu     sync.Mutex
	frames []frameRec
	fail   error
}

func (s *recSink) Send(event string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frameRec{event: event, payload: payload})
	return s.fail
}

func (s *recSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.event)
	}
	return out
}

func (s *recSink) last(event string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].event == event {
			return s.frames[i].payload
		}
	}
	return nil
}

func (s *recSink) all(event string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, f := range s.frames {
		if f.event == event {
			out = append(out, f.payload)
		}
	}
	return out
}

type harness struct {
	cfg    *config.Config
	m      *metrics.Registry
	bus    *eventbus.Bus
	rec    *eventbus.Recorder
	aborts *abort.Registry
	p      *Primary
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.LLM.GenerationTimeoutS = 5
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New()
	bus := eventbus.New(m)
	t.Cleanup(events.InstallMetricsCollector(bus, m))
	rec := eventbus.NewRecorder(bus)
	t.Cleanup(rec.Close)
	h := &harness{cfg: &cfg, m: m, bus: bus, rec: rec, aborts: abort.New()}
	h.p = NewPrimary(Options{
		Config:       h.cfg,
		Aborts:       h.aborts,
		Bus:          bus,
		Metrics:      m,
		Cache:        harmony.NewMemoryCache(),
		PollInterval: 5 * time.Millisecond,
	})
	return h
}

func (h *harness) prepare(t *testing.T, prov llm.Provider, in PrepareInput) *GenerationContext {
	t.Helper()
	if in.RequestID == "" {
		in.RequestID = "req-1"
	}
	in.ModelID = "gpt-oss"
	in.Provider = prov
	if in.UserPrompt == "" {
		in.UserPrompt = "What is the answer?"
	}
	gc, err := h.p.Prepare(context.Background(), in)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return gc
}

func harmonyReply(final string) []string {
	return []string{
		"<|start|>assistant<|channel|>analysis<|message|>let me think<|end|>",
		"<|start|>assistant<|channel|>final<|message|>" + final,
		"<|return|>",
	}
}

func TestRunHappyPathFrameOrder(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.LLM.Postproc.Reasoning.DropFromHistory = false })
	gc := h.prepare(t, &fakeProvider{chunks: harmonyReply("The answer is 42"), ctxLen: 4096}, PrepareInput{})
	sink := &recSink{}
	out, err := h.p.Run(context.Background(), gc, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusOK || out.Result.FinalText != "The answer is 42" {
		t.Fatalf("outcome: %+v", out)
	}
	names := sink.names()
	want := []string{"analysis", "token", "usage", "reasoning", "final", "end"}
	idx := 0
	for _, n := range names {
		if idx < len(want) && n == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Fatalf("frame order %v, want subsequence %v", names, want)
	}
	if names[len(names)-1] != "end" {
		t.Fatalf("last frame %q", names[len(names)-1])
	}
	end := sink.last("end")
	if end["status"] != StatusOK || end["ok"] != true {
		t.Fatalf("end: %v", end)
	}
	final := sink.last("final")
	if final["text"] != "The answer is 42" || final["reasoning_text"] != nil {
		t.Fatalf("final: %v", final)
	}
	usage := sink.last("usage")
	if usage["context_total_tokens"] != 4096 || usage["output_tokens"] != gc.OutputTokens {
		t.Fatalf("usage: %v", usage)
	}
	for i, tok := range sink.all("token") {
		if tok["seq"] != i {
			t.Fatalf("token %d seq=%v", i, tok["seq"])
		}
	}
	if h.rec.Count("GenerationStarted") != 1 || h.rec.Count("GenerationCompleted") != 1 {
		t.Fatalf("lifecycle events: %v", h.rec.Names())
	}
	if got := h.m.Counter("sse_stream_close_total", metrics.Labels{"model": "gpt-oss", "reason": "ok"}); got != 1 {
		t.Fatalf("stream close = %v", got)
	}
	if _, ok := h.m.Histogram("generation_first_token_latency_ms", metrics.Labels{"model": "gpt-oss"}); !ok {
		t.Fatalf("first token latency not observed")
	}
}

func TestRunStopSequenceTrimsTail(t *testing.T) {
	h := newHarness(t, nil)
	gc := h.prepare(t, &fakeProvider{chunks: []string{"<|start|>assistant<|channel|>final<|message|>hello END", "<|return|>"}}, PrepareInput{
		UserSampling: llm.Sampling{"stop": []string{"END"}},
	})
	sink := &recSink{}
	out, err := h.p.Run(context.Background(), gc, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Result.FinalText != "hello" {
		t.Fatalf("stop tail kept: %q", out.Result.FinalText)
	}
	if sink.last("final")["stop_reason"] != "stop_sequence" {
		t.Fatalf("final: %v", sink.last("final"))
	}
}

func TestRunUserAbortMidStream(t *testing.T) {
	h := newHarness(t, nil)
	prov := &fakeProvider{chunks: []string{"<|start|>assistant<|channel|>final<|message|>partial "}, block: true}
	gc := h.prepare(t, prov, PrepareInput{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.aborts.Register(gc.RequestID, cancel)
	sink := &recSink{}

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.p.Run(ctx, gc, sink)
		done <- out
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all("token")) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	h.aborts.MarkStart(gc.RequestID)
	if !h.aborts.Abort(gc.RequestID) {
		t.Fatalf("abort returned false")
	}
	var out Outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop after abort")
	}
	if out.Status != StatusCancelled || out.ErrorType != "user_abort" {
		t.Fatalf("outcome: %+v", out)
	}
	if out.Partial == "" {
		t.Fatalf("partial text missing")
	}
	end := sink.last("end")
	if end["status"] != StatusCancelled || end["error_type"] != "user_abort" {
		t.Fatalf("end: %v", end)
	}
	if h.rec.Count("GenerationCancelled") != 1 || h.rec.Count("CancelLatencyMeasured") != 1 {
		t.Fatalf("events: %v", h.rec.Names())
	}
	if h.rec.Count("GenerationCompleted") != 0 {
		t.Fatalf("completed emitted for cancelled run")
	}
	if got := h.m.Counter("generation_cancelled_total", metrics.Labels{"model": "gpt-oss", "reason": "user_abort"}); got != 1 {
		t.Fatalf("cancelled counter = %v", got)
	}
	if path := h.rec.Named("CancelLatencyMeasured")[0]["path"]; path != "user_abort" {
		t.Fatalf("cancel latency path = %v", path)
	}
	if hs, ok := h.m.Histogram("cancel_latency_ms", metrics.Labels{"path": "user_abort"}); !ok || hs.Count != 1 {
		t.Fatalf("cancel_latency_ms{path=user_abort} = %+v ok=%v", hs, ok)
	}
	if h.p.LateAbort(gc, "again") {
		t.Fatalf("late abort re-emitted markers")
	}
}

func TestRunAbortBeforeStream(t *testing.T) {
	h := newHarness(t, nil)
	gc := h.prepare(t, &fakeProvider{chunks: harmonyReply("x")}, PrepareInput{})
	h.aborts.Register(gc.RequestID, func() {})
	h.aborts.Abort(gc.RequestID)
	sink := &recSink{}
	out, _ := h.p.Run(context.Background(), gc, sink)
	if out.Status != StatusCancelled || len(sink.all("token")) != 0 {
		t.Fatalf("outcome %+v frames %v", out, sink.names())
	}
}

func TestRunIdleTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.LLM.GenerationTimeoutS = 0.02
		c.LLM.GenerationInitialIdleGraceS = 0.02
	})
	gc := h.prepare(t, &fakeProvider{block: true}, PrepareInput{})
	sink := &recSink{}
	out, _ := h.p.Run(context.Background(), gc, sink)
	if out.Status != StatusCancelled || out.ErrorType != "timeout" {
		t.Fatalf("outcome: %+v", out)
	}
	if sink.last("error")["code"] != "timeout" {
		t.Fatalf("error frame: %v", sink.last("error"))
	}
	if got := h.m.Counter("generation_timeout_grace_total", metrics.Labels{"phase": "prefirst"}); got != 1 {
		t.Fatalf("grace counter = %v", got)
	}
	if h.rec.Count("CancelLatencyMeasured") != 0 {
		t.Fatalf("timeout must not measure cancel latency")
	}
}

func TestRunProviderError(t *testing.T) {
	h := newHarness(t, nil)
	gc := h.prepare(t, &fakeProvider{err: errors.New("decode failed")}, PrepareInput{})
	sink := &recSink{}
	out, _ := h.p.Run(context.Background(), gc, sink)
	if out.Status != StatusError {
		t.Fatalf("outcome: %+v", out)
	}
	names := sink.names()
	if len(names) != 3 || names[0] != "usage" || names[1] != "error" || names[2] != "end" {
		t.Fatalf("frames: %v", names)
	}
	completed := h.rec.Named("GenerationCompleted")
	if len(completed) != 1 || completed[0]["status"] != "error" {
		t.Fatalf("completed: %v", completed)
	}
}

func TestLateAbortAfterFinal(t *testing.T) {
	h := newHarness(t, nil)
	gc := h.prepare(t, &fakeProvider{chunks: harmonyReply("done")}, PrepareInput{})
	h.aborts.Register(gc.RequestID, func() {})
	sink := SinkFunc(func(event string, _ map[string]any) error {
		if event == "final" {
			h.aborts.Abort(gc.RequestID)
		}
		return nil
	})
	out, err := h.p.Run(context.Background(), gc, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusCancelled {
		t.Fatalf("status %q", out.Status)
	}
	if h.rec.Count("GenerationCancelled") != 1 {
		t.Fatalf("events: %v", h.rec.Names())
	}
}

func TestToolPayloadFrames(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.LLM.ToolCalling.Retention.Mode = "raw_ephemeral"
		c.LLM.ToolCalling.MaxPayloadBytes = 64
	})
	gc := h.prepare(t, &fakeProvider{chunks: []string{
		`<|start|>assistant<|channel|>tool<|message|>{"tool":"search","arguments":{"q":"go"}}<|end|>`,
		`<|start|>assistant<|channel|>tool<|message|>{broken<|end|>`,
		`<|start|>assistant<|channel|>tool<|message|>{"tool":"x","args":"` + strings.Repeat("a", 100) + `"}<|end|>`,
		"<|start|>assistant<|channel|>final<|message|>ok<|return|>",
	}}, PrepareInput{})
	sink := &recSink{}
	if _, err := h.p.Run(context.Background(), gc, sink); err != nil {
		t.Fatalf("run: %v", err)
	}
	var bodies []map[string]any
	for _, fr := range sink.all("commentary") {
		var b map[string]any
		if err := json.Unmarshal([]byte(fr["text"].(string)), &b); err != nil {
			continue
		}
		bodies = append(bodies, b)
	}
	if len(bodies) != 3 {
		t.Fatalf("tool frames: %v", bodies)
	}
	if bodies[0]["tool"] != "search" || bodies[0]["ok"] != true || bodies[0]["raw_args"] != `{"q":"go"}` {
		t.Fatalf("ok frame: %v", bodies[0])
	}
	if len(bodies[0]["preview_hash"].(string)) != 32 {
		t.Fatalf("preview hash: %v", bodies[0]["preview_hash"])
	}
	if bodies[1]["error_type"] != "tool_payload_parse_error" {
		t.Fatalf("parse frame: %v", bodies[1])
	}
	if bodies[2]["error_type"] != "tool_payload_too_large" {
		t.Fatalf("size frame: %v", bodies[2])
	}
	if h.rec.Count("ToolCallPlanned") != 3 || h.rec.Count("ToolCallResult") != 3 {
		t.Fatalf("tool events: %v", h.rec.Names())
	}
	if got := h.m.Counter("tool_calls_total", metrics.Labels{"model": "gpt-oss", "tool": "search", "status": "ok"}); got != 1 {
		t.Fatalf("tool_calls_total ok = %v", got)
	}
}

func TestToolRetentionHashedSliceOmitsArgs(t *testing.T) {
	out := parseToolPayload(`{"name":"lookup","args":{"id":7}}`, config.ToolCallingConfig{
		Retention: config.ToolRetentionConfig{Mode: "hashed_slice", HashPreviewMaxChars: 4},
	})
	if out.tool != "lookup" || out.status != "ok" || out.previewSrc != `{"id` {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestStripEcho(t *testing.T) {
	got := stripEcho("You are MIA.", "hello there", "You are MIA.\nhello there\n[LEVEL] low\nanswer")
	if got != "answer" {
		t.Fatalf("stripEcho = %q", got)
	}
	if stripEcho("sys", "user", "plain") != "plain" {
		t.Fatalf("plain text altered")
	}
}

func TestPromptWindowKeepsRecentHistory(t *testing.T) {
	h := newHarness(t, nil)
	var hist []session.Message
	for i := 0; i < 40; i++ {
		hist = append(hist, session.Message{Role: "user", Content: strings.Repeat("word ", 60)})
	}
	hist = append(hist, session.Message{Role: "assistant", Content: "most recent reply"})
	gc := h.prepare(t, &fakeProvider{ctxLen: 512}, PrepareInput{Session: hist})
	if !strings.Contains(gc.Prompt, "most recent reply") {
		t.Fatalf("recent history dropped")
	}
	if strings.Count(gc.Prompt, "<|start|>user") >= 40 {
		t.Fatalf("history not trimmed")
	}
	if !strings.Contains(gc.Prompt, "What is the answer?") {
		t.Fatalf("user prompt dropped")
	}
}

func TestDuplicateFinalCollapsed(t *testing.T) {
	h := newHarness(t, nil)
	body := "This sentence is long enough to count. "
	gc := h.prepare(t, &fakeProvider{}, PrepareInput{})
	gc.Fragments = []string{body + body}
	if got := h.p.finalText(gc); got != strings.TrimSpace(body) {
		t.Fatalf("finalText = %q", got)
	}
}
