package httpapi

import (
	"os"
	"time"

	"mia/internal/config"
)

const (
	defaultMaxBodyBytes   = 1 << 20
	defaultLateAbortDelay = 200 * time.Millisecond
)

// Options tunes the HTTP layer. Zero values take defaults.
type Options struct {
	MaxBodyBytes int64
	CORS         config.CORSConfig
	// LateAbortDelay is how long an abort record outlives its stream so a
	// late abort still produces cancellation markers.
	LateAbortDelay time.Duration
	// TestMode enables dev_* request delays.
	TestMode bool
	UIMode   string
}

// OptionsFrom reads server options from cfg and the MIA_TEST_MODE and
// MIA_UI_MODE environment variables.
func OptionsFrom(cfg *config.Config) Options {
	o := Options{
		TestMode: os.Getenv("MIA_TEST_MODE") == "1",
		UIMode:   os.Getenv("MIA_UI_MODE"),
	}
	if cfg != nil {
		o.MaxBodyBytes = cfg.Server.MaxBodyBytes
		o.CORS = cfg.Server.CORS
	}
	return o
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.LateAbortDelay <= 0 {
		o.LateAbortDelay = defaultLateAbortDelay
	}
	if o.UIMode == "" {
		o.UIMode = "user"
	}
	return o
}
