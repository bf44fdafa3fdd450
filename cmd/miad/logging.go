package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/httpapi"
	"mia/internal/llm"
	"mia/internal/manager"
	"mia/internal/pipeline"
	"mia/internal/registry"
	"mia/internal/telemetry"
)

// zlog is the command-level logger; installLogger replaces it.
var zlog = zerolog.New(os.Stderr).With().Timestamp().Logger()

func newLogger(c config.LoggingConfig, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}
	if c.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("svc", "miad").Logger()
}

func installLogger(l zerolog.Logger) {
	zlog = l
	config.SetLogger(l.With().Str("pkg", "config").Logger())
	registry.SetLogger(l.With().Str("pkg", "registry").Logger())
	eventbus.SetLogger(l.With().Str("pkg", "eventbus").Logger())
	llm.SetLogger(l.With().Str("pkg", "llm").Logger())
	manager.SetLogger(l.With().Str("pkg", "manager").Logger())
	pipeline.SetLogger(l.With().Str("pkg", "pipeline").Logger())
	httpapi.SetLogger(l.With().Str("pkg", "httpapi").Logger())
	telemetry.SetLogger(l.With().Str("pkg", "telemetry").Logger())
}
