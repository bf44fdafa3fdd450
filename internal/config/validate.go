package config

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"mia/internal/errkind"
	"mia/internal/metrics"
)

var validate = validator.New()

var (
	reasoningLevels = map[string]bool{"low": true, "medium": true, "high": true}
	retentionModes  = map[string]bool{"metrics_only": true, "hashed_slice": true, "redacted_snippets": true, "raw_ephemeral": true}
)

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("reasoning_level", func(fl validator.FieldLevel) bool {
		return reasoningLevels[fl.Field().String()]
	})
	_ = validate.RegisterValidation("retention_mode", func(fl validator.FieldLevel) bool {
		return retentionModes[fl.Field().String()]
	})
}

// FieldError is one failed constraint, addressed by its dotted config path.
type FieldError struct {
	Path string
	Code string
	Msg  string
}

func (e FieldError) String() string { return e.Path + ":" + e.Code + ":" + e.Msg }

// Validate checks range and enum constraints. Every failure increments
// config_validation_errors_total{path,code}; the returned error carries
// the config-out-of-range kind and lists all failures.
func Validate(cfg *Config, m *metrics.Registry) error {
	var errs []FieldError
	if err := validate.Struct(cfg); err != nil {
		ves, ok := err.(validator.ValidationErrors)
		if !ok {
			return errkind.Wrap(errkind.ConfigInvalid, err, "validate config")
		}
		for _, fe := range ves {
			errs = append(errs, FieldError{
				Path: fieldPath(fe.Namespace()),
				Code: string(errkind.ConfigOutOfRange),
				Msg:  describe(fe),
			})
		}
	}
	if p := cfg.LLM.Postproc.CommentaryRetention.RedactedSnippets.RedactPattern; p != "" {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, FieldError{
				Path: "llm.postproc.commentary_retention.redacted_snippets.redact_pattern",
				Code: string(errkind.ConfigInvalid),
				Msg:  err.Error(),
			})
		}
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisURL == "" {
		errs = append(errs, FieldError{Path: "cache.redis_url", Code: string(errkind.ConfigInvalid), Msg: "required when backend is redis"})
	}
	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	parts := make([]string, len(errs))
	kind := errkind.ConfigOutOfRange
	for i, e := range errs {
		m.Inc("config_validation_errors_total", metrics.Labels{"path": e.Path, "code": e.Code}, 1)
		parts[i] = e.String()
		if e.Code == string(errkind.ConfigInvalid) {
			kind = errkind.ConfigInvalid
		}
	}
	return errkind.New(kind, "config validation failed: "+strings.Join(parts, ", "))
}

// fieldPath turns "Config.llm.optional_models[judge].load_mode" into
// "llm.optional_models.judge.load_mode".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	ns = strings.ReplaceAll(ns, "[", ".")
	return strings.ReplaceAll(ns, "]", "")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "value required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "reasoning_level":
		return fmt.Sprintf("must be low, medium or high, got %v", fe.Value())
	case "retention_mode":
		return fmt.Sprintf("unknown retention mode %v", fe.Value())
	default:
		return fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
}
