package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"mia/internal/errkind"
	"mia/internal/metrics"
)

const (
	// EnvPrefix marks environment overrides: MIA__LLM__PRIMARY__TOP_P=0.5.
	EnvPrefix = "MIA__"
	// EnvConfigDir overrides the directory holding base/override files.
	EnvConfigDir = "MIA_CONFIG_DIR"
	DefaultDir   = "configs"

	overridesFile = "overrides.local.yaml"
	dotenvFile    = ".env"
)

// base file candidates, first match wins
var baseFiles = []string{"base.yaml", "base.yml", "base.toml", "base.json"}

// sections whose presence implies the module is enabled when the
// modules key is missing from older files
var legacyModuleKeys = []string{"llm", "embeddings", "rag", "emotion", "reflection", "metrics", "logging", "storage", "system", "perf"}

// Options tune a single Load call. Zero values use process state.
type Options struct {
	Dir     string
	Environ []string
	Metrics *metrics.Registry
	Logger  *zerolog.Logger
}

var (
	logMu sync.RWMutex
	zlog  *zerolog.Logger
)

// SetLogger routes loader messages through zerolog.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	zlog = &l
	logMu.Unlock()
}

func (o *Options) logf(level zerolog.Level, format string, args ...any) {
	l := o.Logger
	if l == nil {
		logMu.RLock()
		l = zlog
		logMu.RUnlock()
	}
	if l != nil {
		l.WithLevel(level).Msgf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Load builds the configuration: defaults, base file, overrides.local.yaml,
// .env, then MIA__ environment overrides. The merged tree is migrated,
// decoded strictly and validated.
func Load(opts Options) (*Config, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}

	tree := map[string]any{}
	for _, name := range baseFiles {
		p := filepath.Join(opts.Dir, name)
		t, err := readTree(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errkind.Wrap(errkind.ConfigInvalid, err, "read "+p)
		}
		tree = t
		break
	}
	if t, err := readTree(filepath.Join(opts.Dir, overridesFile)); err == nil {
		deepMerge(tree, t)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, errkind.Wrap(errkind.ConfigInvalid, err, "read "+overridesFile)
	}

	env, err := environ(opts.Environ, filepath.Join(opts.Dir, dotenvFile))
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, err, "read "+dotenvFile)
	}
	applyEnv(tree, env, &opts)
	migrate(tree, &opts)

	cfg, err := decode(tree)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg, opts.Metrics); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readTree decodes a config file into a generic tree based on its extension.
func readTree(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &out); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// deepMerge copies src into dst; nested maps merge, everything else replaces.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		sm, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dm, ok := dst[k].(map[string]any)
		if !ok {
			dm = map[string]any{}
			dst[k] = dm
		}
		deepMerge(dm, sm)
	}
}

// environ returns process env merged with .env; real variables win.
func environ(base []string, dotenv string) (map[string]string, error) {
	env := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	extra, err := godotenv.Read(dotenv)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return env, nil
		}
		return nil, err
	}
	for k, v := range extra {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	return env, nil
}

func applyEnv(tree map[string]any, env map[string]string, opts *Options) {
	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.HasPrefix(k, EnvPrefix) && len(k) > len(EnvPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts := strings.Split(strings.ToLower(k[len(EnvPrefix):]), "__")
		node := tree
		for _, p := range parts[:len(parts)-1] {
			next, ok := node[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[p] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = castEnv(env[k])
		path := strings.Join(parts, ".")
		opts.Metrics.Inc("env_override_total", metrics.Labels{"path": path}, 1)
		opts.logf(zerolog.InfoLevel, "config-env-override path=%s value=*** source=env", path)
	}
}

// castEnv tries bool, int, float and falls back to the raw string.
func castEnv(v string) any {
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func migrate(tree map[string]any, opts *Options) {
	if _, ok := tree["schema_version"]; !ok {
		tree["schema_version"] = 1
		opts.logf(zerolog.WarnLevel, "config-migration schema_version missing, assuming 1")
	}
	if _, ok := tree["modules"]; ok {
		return
	}
	enabled := []any{}
	for _, k := range legacyModuleKeys {
		if _, ok := tree[k]; ok {
			enabled = append(enabled, k)
		}
	}
	if len(enabled) == 0 {
		enabled = append(enabled, "llm")
	}
	tree["modules"] = map[string]any{"enabled": enabled}
}

// decode re-encodes the merged tree and decodes it strictly over the
// defaults so unknown keys are rejected.
func decode(tree map[string]any) (*Config, error) {
	b, err := yaml.Marshal(tree)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, err, "encode merged config")
	}
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, err, "decode config")
	}
	return &cfg, nil
}

var (
	cacheMu sync.Mutex
	cached  *Config
)

// Get returns the process-wide configuration, loading it on first use
// from MIA_CONFIG_DIR (default "configs").
func Get() (*Config, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached != nil {
		return cached, nil
	}
	dir := os.Getenv(EnvConfigDir)
	cfg, err := Load(Options{Dir: dir})
	if err != nil {
		return nil, err
	}
	cached = cfg
	return cfg, nil
}

// ClearCache drops the cached snapshot; the next Get reloads.
func ClearCache() {
	cacheMu.Lock()
	cached = nil
	cacheMu.Unlock()
}
