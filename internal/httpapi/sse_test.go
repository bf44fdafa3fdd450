package httpapi

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		event, data, want string
	}{
		{"token", `{"text":"hi"}`, "event: token\ndata: {\"text\":\"hi\"}\n\n"},
		{"", "a\nb", "data: a\ndata: b\n\n"},
		{"end", "", "event: end\ndata: \n\n"},
	}
	for _, c := range cases {
		if got := string(formatEvent(c.event, c.data)); got != c.want {
			t.Fatalf("formatEvent(%q,%q) = %q, want %q", c.event, c.data, got, c.want)
		}
	}
}

func TestSSEWriterStopsAfterDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	w := newSSEWriter(ctx, rec)
	if err := w.Send("meta", map[string]any{"request_id": "r"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	cancel()
	if err := w.Send("token", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if strings.Count(rec.Body.String(), "event:") != 1 {
		t.Fatalf("body: %q", rec.Body.String())
	}
}
