package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mia/internal/errkind"
	"mia/internal/metrics"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func load(t *testing.T, dir string, env ...string) (*Config, *metrics.Registry, error) {
	t.Helper()
	m := metrics.New()
	cfg, err := Load(Options{Dir: dir, Environ: append([]string{}, env...), Metrics: m})
	return cfg, m, err
}

func TestDefaultsOnlyWhenDirMissing(t *testing.T) {
	cfg, _, err := load(t, filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.SchemaVersion)
	assert.Equal(t, []string{"llm"}, cfg.Modules.Enabled)
	assert.Equal(t, 1024, cfg.LLM.Primary.MaxOutputTokens)
	assert.True(t, cfg.LLM.Primary.NGPULayers.Auto)
	assert.Equal(t, 0.45, cfg.LLM.Postproc.Reasoning.RatioAlertThreshold)
	assert.Equal(t, 8192, cfg.LLM.ToolCalling.MaxPayloadBytes)
	assert.Equal(t, 0.92, cfg.LLM.ReasoningPresets["medium"]["top_p"])
}

func TestLayerPrecedence(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "schema_version: 1\nmodules:\n  enabled: [llm]\nllm:\n  primary:\n    id: base-model\n    temperature: 0.5\n    max_output_tokens: 512\n")
	writeTempFile(t, d, "overrides.local.yaml", "llm:\n  primary:\n    temperature: 0.9\n")
	cfg, m, err := load(t, d, "MIA__LLM__PRIMARY__MAX_OUTPUT_TOKENS=256", "OTHER=1")
	require.NoError(t, err)
	assert.Equal(t, "base-model", cfg.LLM.Primary.ID)
	assert.Equal(t, 0.9, cfg.LLM.Primary.Temperature)
	assert.Equal(t, 256, cfg.LLM.Primary.MaxOutputTokens)
	assert.Equal(t, 0.9, cfg.LLM.Primary.TopP, "untouched default survives")
	assert.Equal(t, 1.0, m.Counter("env_override_total", metrics.Labels{"path": "llm.primary.max_output_tokens"}))
}

func TestTOMLBase(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.toml", "[llm.primary]\nid = \"toml-model\"\ntop_p = 0.5\n")
	cfg, _, err := load(t, d)
	require.NoError(t, err)
	assert.Equal(t, "toml-model", cfg.LLM.Primary.ID)
	assert.Equal(t, 0.5, cfg.LLM.Primary.TopP)
}

func TestDotenvDoesNotOverrideProcessEnv(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, ".env", "MIA__LLM__PRIMARY__ID=from-dotenv\nMIA__LOGGING__LEVEL=debug\n")
	cfg, _, err := load(t, d, "MIA__LLM__PRIMARY__ID=from-env")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Primary.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvCasting(t *testing.T) {
	assert.Equal(t, true, castEnv("true"))
	assert.Equal(t, false, castEnv("FALSE"))
	assert.Equal(t, 42, castEnv("42"))
	assert.Equal(t, 0.25, castEnv("0.25"))
	assert.Equal(t, "auto", castEnv("auto"))
}

func TestLegacyMigrationInfersModules(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "llm:\n  primary:\n    id: m\nrag:\n  top_k: 4\n")
	cfg, _, err := load(t, d)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.SchemaVersion)
	assert.Equal(t, []string{"llm", "rag"}, cfg.Modules.Enabled)
	assert.True(t, cfg.ModuleEnabled("rag"))
}

func TestUnknownKeyRejected(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "llm:\n  primary:\n    id: m\n    bogus: 1\n")
	_, _, err := load(t, d)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ConfigInvalid), "got %v", err)
}

func TestOutOfRange(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "llm:\n  primary:\n    id: m\n    top_p: 1.5\n    max_output_tokens: 0\n")
	_, m, err := load(t, d)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ConfigOutOfRange))
	assert.Contains(t, err.Error(), "llm.primary.top_p:config-out-of-range")
	assert.Contains(t, err.Error(), "llm.primary.max_output_tokens:config-out-of-range")
	assert.Equal(t, 1.0, m.Counter("config_validation_errors_total", metrics.Labels{"path": "llm.primary.top_p", "code": "config-out-of-range"}))
}

func TestOptionalModelDefaultsAndLevels(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "llm:\n  optional_models:\n    judge:\n      enabled: true\n      id: judge-m\n")
	cfg, _, err := load(t, d)
	require.NoError(t, err)
	j := cfg.LLM.OptionalModels["judge"]
	assert.Equal(t, "on_demand", j.LoadMode)
	assert.Equal(t, 300, j.IdleUnloadSeconds)
	assert.Equal(t, "low", j.ReasoningDefault)
	assert.Equal(t, 4000, j.Timeouts.JudgeMS)

	writeTempFile(t, d, "base.yaml", "llm:\n  optional_models:\n    judge:\n      reasoning_default: extreme\n      load_mode: lazy\n")
	_, _, err = load(t, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.optional_models.judge.reasoning_default")
	assert.Contains(t, err.Error(), "llm.optional_models.judge.load_mode")
}

func TestGPULayers(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "llm:\n  primary:\n    id: m\n    n_gpu_layers: -5\n")
	cfg, _, err := load(t, d)
	require.NoError(t, err)
	assert.False(t, cfg.LLM.Primary.NGPULayers.Auto)
	assert.Equal(t, 0, cfg.LLM.Primary.NGPULayers.N)

	cfg, _, err = load(t, d, "MIA__LLM__PRIMARY__N_GPU_LAYERS=auto")
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.LLM.Primary.NGPULayers.String())

	_, err = ParseGPULayers("lots")
	assert.Error(t, err)
}

func TestGetCachesUntilCleared(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "llm:\n  primary:\n    id: first\n")
	t.Setenv(EnvConfigDir, d)
	ClearCache()
	t.Cleanup(ClearCache)

	a, err := Get()
	require.NoError(t, err)
	writeTempFile(t, d, "base.yaml", "llm:\n  primary:\n    id: second\n")
	b, err := Get()
	require.NoError(t, err)
	assert.Same(t, a, b)

	ClearCache()
	c, err := Get()
	require.NoError(t, err)
	assert.Equal(t, "second", c.LLM.Primary.ID)
}

func TestWatchClearsCache(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "base.yaml", "llm:\n  primary:\n    id: w1\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, d, func() { changed <- struct{}{} }) }()

	// give the watcher a moment to register
	time.Sleep(50 * time.Millisecond)
	writeTempFile(t, d, "overrides.local.yaml", "llm:\n  primary:\n    id: w2\n")
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestSchemaMentionsSections(t *testing.T) {
	b, err := Schema()
	require.NoError(t, err)
	s := string(b)
	for _, want := range []string{"\"llm\"", "\"optional_models\"", "\"n_gpu_layers\"", "\"tool_calling\""} {
		assert.True(t, strings.Contains(s, want), "schema missing %s", want)
	}
}
