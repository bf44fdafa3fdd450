package testctl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type sseFrame struct {
	Event string
	Data  map[string]any
}

// readSSE decodes frames from r until EOF. visit, when non-nil, sees each
// frame as soon as it is complete.
func readSSE(r io.Reader, visit func(sseFrame)) ([]sseFrame, error) {
	var (
		out   []sseFrame
		event string
		data  []string
	)
	flush := func() error {
		if event == "" && len(data) == 0 {
			return nil
		}
		f := sseFrame{Event: event}
		if len(data) > 0 {
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &f.Data); err != nil {
				return fmt.Errorf("frame %q: %w", event, err)
			}
		}
		out = append(out, f)
		if visit != nil {
			visit(f)
		}
		event, data = "", nil
		return nil
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		ln := s.Text()
		switch {
		case ln == "":
			if err := flush(); err != nil {
				return out, err
			}
		case strings.HasPrefix(ln, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(ln, "event:"))
		case strings.HasPrefix(ln, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(ln, "data:"), " "))
		}
	}
	if err := s.Err(); err != nil {
		return out, err
	}
	return out, flush()
}

// checkStreamShape enforces meta first, exactly one end frame, and end last.
func checkStreamShape(frames []sseFrame) (end sseFrame, err error) {
	if len(frames) == 0 {
		return end, fmt.Errorf("empty stream")
	}
	if frames[0].Event != "meta" {
		return end, fmt.Errorf("first frame is %q, want meta", frames[0].Event)
	}
	ends := 0
	for _, f := range frames {
		if f.Event == "end" {
			ends++
		}
	}
	if ends != 1 {
		return end, fmt.Errorf("stream has %d end frames", ends)
	}
	end = frames[len(frames)-1]
	if end.Event != "end" {
		return end, fmt.Errorf("last frame is %q, want end", end.Event)
	}
	return end, nil
}
