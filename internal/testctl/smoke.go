package testctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mia/pkg/types"
)

const (
	smokeTimeout  = 5 * time.Minute
	stopGrace     = 10 * time.Second
	smokeBaseYAML = "llm:\n  primary:\n    id: smoke-primary\n    max_output_tokens: 64\nserver:\n  sweep_every_s: 0\nlogging:\n  level: warn\n  format: text\n"
)

// target describes how to launch miad for one run.
type target struct {
	root         string
	configDir    string
	tags         string
	env          map[string]string
	serveArgs    []string
	readyTimeout time.Duration
}

type check struct {
	name string
	run  func(ctx context.Context, base string) error
}

// buildMiad compiles ./cmd/miad into a temp dir unless cfg names a binary.
func buildMiad(ctx context.Context, cfg *Config, t target) (string, func(), error) {
	if cfg.Binary != "" {
		return cfg.Binary, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "miad-build-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	bin := filepath.Join(dir, "miad")
	args := []string{"build", "-o", bin}
	if t.tags != "" {
		args = append(args, "-tags", t.tags)
	}
	args = append(args, "./cmd/miad")
	info("[build] go %s", strings.Join(args, " "))
	if err := RunCmd(ctx, Cmd{Path: "go", Args: args, Dir: cfg.Root, Env: t.env, Stream: true}); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("build miad: %w", err)
	}
	return bin, cleanup, nil
}

// runTarget starts miad for t, waits for readiness, runs checks in order
// and stops the server with an interrupt.
func runTarget(ctx context.Context, cfg *Config, t target, checks []check) (err error) {
	bin, cleanup, err := buildMiad(ctx, cfg, t)
	if err != nil {
		return err
	}
	defer cleanup()

	port := cfg.Port
	if port == 0 {
		if port, err = chooseFreePort(); err != nil {
			return err
		}
	} else if err := ensurePorts([]int{port}, cfg.Force); err != nil {
		return err
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := append([]string{"--root", t.root, "--config-dir", t.configDir, "serve", "--addr", fmt.Sprintf("127.0.0.1:%d", port), "--no-watch"}, t.serveArgs...)
	env := map[string]string{"MIA_TEST_MODE": "1"}
	for k, v := range t.env {
		env[k] = v
	}
	cmd, err := defaultProcManager.Start(ctx, Cmd{Path: bin, Args: args, Env: env})
	if err != nil {
		return fmt.Errorf("start miad: %w", err)
	}
	defer func() {
		if serr := defaultProcManager.Stop(cmd, stopGrace); serr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", serr)
		}
	}()

	if err := waitHTTP(ctx, base+"/healthz", http.StatusOK, 30*time.Second); err != nil {
		return err
	}
	if err := waitHTTP(ctx, base+"/readyz", http.StatusOK, t.readyTimeout); err != nil {
		return err
	}
	info("[smoke] miad ready at %s", base)
	for _, c := range checks {
		start := time.Now()
		if err := c.run(ctx, base); err != nil {
			errl("[smoke] %-18s FAIL %v", c.name, err)
			return fmt.Errorf("%s: %w", c.name, err)
		}
		info("[smoke] %-18s ok (%s)", c.name, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// runSmoke exercises a stub-mode miad with a throwaway config and an
// empty registry.
func runSmoke(cfg *Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), smokeTimeout)
	defer cancel()
	dir, err := os.MkdirTemp("", "mia-smoke-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(smokeBaseYAML), 0o644); err != nil {
		return err
	}
	t := target{root: dir, configDir: dir, serveArgs: []string{"--stub"}, readyTimeout: 30 * time.Second}
	return runTarget(ctx, cfg, t, smokeChecks())
}

// runLive serves the models registered under cfg.Root through a llama
// build.
func runLive(cfg *Config) error {
	if !fnHasHostModels(cfg.Root) {
		return fmt.Errorf("no registered model files under %s/llm/registry", cfg.Root)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*smokeTimeout)
	defer cancel()
	t := target{
		root:         cfg.Root,
		configDir:    filepath.Join(cfg.Root, "configs"),
		tags:         "llama",
		env:          llamaBuildEnv(cfg.CUDA),
		readyTimeout: 10 * time.Minute,
	}
	return runTarget(ctx, cfg, t, []check{
		{"models", checkModels},
		{"generate", checkGenerate},
		{"metrics", checkMetrics},
	})
}

func smokeChecks() []check {
	return []check{
		{"health", checkHealth},
		{"models", checkModels},
		{"generate", checkGenerate},
		{"abort-unknown", checkAbortUnknown},
		{"abort-midstream", checkMidStreamAbort},
		{"bad-request", checkBadRequest},
		{"metrics", checkMetrics},
	}
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(ctx context.Context, url string, v any) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func checkHealth(ctx context.Context, base string) error {
	var body types.HealthResponse
	if err := getJSON(ctx, base+"/health", &body); err != nil {
		return err
	}
	if body.Status != "ok" {
		return fmt.Errorf("health status %q", body.Status)
	}
	return nil
}

func checkModels(ctx context.Context, base string) error {
	var body types.ModelsResponse
	if err := getJSON(ctx, base+"/models", &body); err != nil {
		return err
	}
	debug("[smoke] /models returned %d entries", len(body.Models))
	return nil
}

// generate posts req and returns the decoded frames. onFrame sees frames
// while the stream is still open.
func generate(ctx context.Context, base string, req types.GenerateRequest, onFrame func(sseFrame)) ([]sseFrame, error) {
	resp, err := postJSON(ctx, base+"/generate", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return nil, fmt.Errorf("content-type %q", ct)
	}
	return readSSE(resp.Body, onFrame)
}

func checkGenerate(ctx context.Context, base string) error {
	frames, err := generate(ctx, base, types.GenerateRequest{SessionID: "smoke", Prompt: "Say hello in five words."}, nil)
	if err != nil {
		return err
	}
	end, err := checkStreamShape(frames)
	if err != nil {
		return err
	}
	if end.Data["status"] != "ok" {
		return fmt.Errorf("end status %v (error_type %v)", end.Data["status"], end.Data["error_type"])
	}
	return nil
}

func checkAbortUnknown(ctx context.Context, base string) error {
	resp, err := postJSON(ctx, base+"/generate/abort", types.AbortRequest{RequestID: "does-not-exist"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var ar types.AbortResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return err
	}
	if ar.OK {
		return errors.New("abort of an unknown id reported ok")
	}
	return nil
}

// checkMidStreamAbort slows the stub down, aborts after meta and expects
// a cancelled end frame.
func checkMidStreamAbort(ctx context.Context, base string) error {
	delay := 40
	prompt := strings.Repeat("slow streaming tokens for the abort check ", 8)
	req := types.GenerateRequest{Prompt: prompt, Overrides: &types.Overrides{DevPerTokenDelayMS: &delay}}
	abortErr := make(chan error, 1)
	sent := false
	frames, err := generate(ctx, base, req, func(f sseFrame) {
		if f.Event != "meta" || sent {
			return
		}
		sent = true
		id, _ := f.Data["request_id"].(string)
		go func() {
			resp, err := postJSON(ctx, base+"/generate/abort", types.AbortRequest{RequestID: id})
			if err == nil {
				resp.Body.Close()
			}
			abortErr <- err
		}()
	})
	if err != nil {
		return err
	}
	if !sent {
		return errors.New("stream had no meta frame to abort")
	}
	select {
	case err := <-abortErr:
		if err != nil {
			return fmt.Errorf("abort request: %w", err)
		}
	case <-time.After(5 * time.Second):
		return errors.New("abort request did not complete")
	}
	end, err := checkStreamShape(frames)
	if err != nil {
		return err
	}
	if end.Data["status"] != "cancelled" {
		return fmt.Errorf("end status %v, want cancelled", end.Data["status"])
	}
	return nil
}

func checkBadRequest(ctx context.Context, base string) error {
	resp, err := postJSON(ctx, base+"/generate", types.GenerateRequest{Prompt: "   "})
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("blank prompt: status %d, want 400", resp.StatusCode)
	}
	return nil
}

func checkMetrics(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/metrics", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	for _, want := range []string{"mia_sse_stream_open_total", "mia_sse_stream_close_total"} {
		if !bytes.Contains(b, []byte(want)) {
			return fmt.Errorf("/metrics lacks %s", want)
		}
	}
	return nil
}
