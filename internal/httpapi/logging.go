package httpapi

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mia/internal/pipeline"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

var defaultLogLevel = parseLevel(os.Getenv("MIA_HTTP_LOG_LEVEL"))

// requestLogLevel honors ?log= and X-Log-Level before the process default.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logRequest writes one line per generate phase.
func logRequest(r *http.Request, lvl LogLevel, msg string, fields map[string]any, err error) {
	if lvl < LevelInfo && err == nil {
		return
	}
	if lvl < LevelError {
		return
	}
	if zlog != nil {
		ev := zlog.Info()
		if err != nil {
			ev = zlog.Warn().Err(err)
		}
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			ev = ev.Str("http_request_id", rid)
		}
		ev.Fields(fields).Msg(msg)
		return
	}
	if err != nil {
		log.Printf("%s %v err=%v", msg, fields, err)
		return
	}
	log.Printf("%s %v", msg, fields)
}

// loggingSink echoes every SSE frame at debug level.
type loggingSink struct {
	next pipeline.Sink
	rid  string
}

func (s loggingSink) Send(event string, payload map[string]any) error {
	if zlog != nil {
		zlog.Debug().Str("request_id", s.rid).Str("event", event).Fields(payload).Msg("sse>")
	} else {
		log.Printf("sse> %s %s %v", s.rid, event, payload)
	}
	return s.next.Send(event, payload)
}
