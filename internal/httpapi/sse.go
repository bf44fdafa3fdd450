package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// formatEvent renders one SSE frame: an optional event line, one data line
// per payload line, then a blank line.
func formatEvent(event string, data string) []byte {
	var b bytes.Buffer
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	lines := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n")
	for _, ln := range lines {
		b.WriteString("data: ")
		b.WriteString(ln)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// sseWriter is the pipeline sink over an HTTP response. Every frame is
// flushed. Once the client is gone Send reports context.Canceled.
type sseWriter struct {
	ctx   context.Context
	mu    sync.Mutex
	w     io.Writer
	flush func()
	err   error
}

func newSSEWriter(ctx context.Context, w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s := &sseWriter{ctx: ctx, w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

func (s *sseWriter) Send(event string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := s.ctx.Err(); err != nil {
		s.err = fmt.Errorf("client disconnected: %w", context.Canceled)
		return s.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	if _, err := s.w.Write(formatEvent(event, string(data))); err != nil {
		s.err = fmt.Errorf("client disconnected: %v: %w", err, context.Canceled)
		return s.err
	}
	s.flush()
	return nil
}
