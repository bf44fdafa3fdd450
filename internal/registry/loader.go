package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"mia/internal/errkind"
)

// DefaultSubdir is where manifests live below the repository root.
const DefaultSubdir = "llm/registry"

const hashChunk = 1 << 20

var (
	validate = validator.New()

	mu    sync.Mutex
	cache = map[string]map[string]Manifest{}

	logMu sync.RWMutex
	zlog  *zerolog.Logger
)

func init() {
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// SetLogger routes registry warnings through zerolog.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	zlog = &l
	logMu.Unlock()
}

func warnf(format string, args ...any) {
	logMu.RLock()
	l := zlog
	logMu.RUnlock()
	if l != nil {
		l.Warn().Msgf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// LoadManifests reads root/llm/registry/*.yaml in name order and indexes
// them by id. A missing registry dir yields an empty index. Results are
// cached per absolute root until ClearCache.
func LoadManifests(root string) (map[string]Manifest, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if idx, ok := cache[abs]; ok {
		return idx, nil
	}
	dir := filepath.Join(abs, DefaultSubdir)
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	idx := make(map[string]Manifest, len(files))
	for _, f := range files {
		st, err := os.Stat(f)
		if err != nil || st.IsDir() {
			continue
		}
		m, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		if _, dup := idx[m.ID]; dup {
			return nil, errkind.Newf(errkind.ProviderInternal, "duplicate model id in registry: %s", m.ID)
		}
		idx[m.ID] = m
	}
	cache[abs] = idx
	return idx, nil
}

func loadFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errkind.Wrap(errkind.ProviderInternal, err, "read manifest "+filepath.Base(path))
	}
	m, err := decodeManifest(raw)
	var syn *yaml.TypeError
	if err != nil && !errors.As(err, &syn) && bytes.ContainsRune(raw, '\t') {
		warnf("re-parsing manifest tabs->spaces: %s", filepath.Base(path))
		m, err = decodeManifest(bytes.ReplaceAll(raw, []byte("\t"), []byte("  ")))
	}
	if err != nil {
		return Manifest{}, errkind.Wrap(errkind.ProviderInternal, err, "invalid manifest "+filepath.Base(path))
	}
	if err := validate.Struct(m); err != nil {
		return Manifest{}, errkind.Wrap(errkind.ProviderInternal, err, "invalid manifest "+filepath.Base(path))
	}
	return m, nil
}

func decodeManifest(b []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, err
	}
	return m, nil
}

// ClearCache drops the cached index for root, or every index when root
// is empty.
func ClearCache(root string) {
	mu.Lock()
	defer mu.Unlock()
	if root == "" {
		cache = map[string]map[string]Manifest{}
		return
	}
	if abs, err := filepath.Abs(root); err == nil {
		delete(cache, abs)
	}
}

// Sorted returns the manifests ordered by id.
func Sorted(idx map[string]Manifest) []Manifest {
	out := make([]Manifest, 0, len(idx))
	for _, m := range idx {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ComputeSHA256 streams the file in 1 MiB chunks and returns the hex digest.
func ComputeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, hashChunk)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum checks the model file against the manifest digest.
func VerifyChecksum(m Manifest, root string, skip bool) error {
	if skip {
		return nil
	}
	p := m.ResolvePath(root)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errkind.Newf(errkind.FileNotFound, "model file not found: %s", p)
		}
		return errkind.Wrap(errkind.ProviderInternal, err, "stat model file")
	}
	actual, err := ComputeSHA256(p)
	if err != nil {
		return errkind.Wrap(errkind.ProviderInternal, err, "hash model file")
	}
	if !strings.EqualFold(actual, m.ChecksumSHA256) {
		return errkind.Newf(errkind.ChecksumMismatch, "checksum mismatch for %s: expected %s got %s", m.ID, m.ChecksumSHA256, actual)
	}
	return nil
}
