package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"mia/internal/errkind"
	"mia/internal/events"
	"mia/internal/metrics"
)

// Stream end statuses carried by the end frame.
const (
	StatusOK        = "ok"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Outcome is the terminal state of Run.
type Outcome struct {
	Status    string
	ErrorType string
	Result    Result
	// Partial is the text streamed before an error or cancellation.
	Partial string
	Err     error
}

// Run streams, finalizes and writes the terminal frames. The returned
// error is only set when the sink itself failed.
func (p *Primary) Run(ctx context.Context, gc *GenerationContext, sink Sink) (Outcome, error) {
	if err := p.Stream(ctx, gc, sink); err != nil {
		return p.Terminate(gc, err, sink)
	}
	res, err := p.Finalize(gc, sink)
	if err != nil {
		return Outcome{Status: StatusError, Err: err}, err
	}
	if p.LateAbort(gc, "late-abort-after-final") {
		out := Outcome{Status: StatusCancelled, ErrorType: string(errkind.UserAbort), Result: res}
		return out, p.End(gc, sink, out.Status, out.ErrorType)
	}
	out := Outcome{Status: StatusOK, Result: res}
	return out, p.End(gc, sink, StatusOK, "")
}

// Terminate handles a Stream error: cancellation markers or an error
// completion, followed by partial usage, error and end frames.
func (p *Primary) Terminate(gc *GenerationContext, err error, sink Sink) (Outcome, error) {
	reason, cancelled := streamErrorReason(err)
	gc.LatencyMS = p.opts.Now().Sub(gc.StartedAt).Milliseconds()
	out := Outcome{ErrorType: reason, Err: err, Partial: stripEcho(gc.SystemPromptText, gc.UserPrompt, joinFragments(gc))}
	if cancelled {
		out.Status = StatusCancelled
		p.cancelMarkers(gc, reason, err.Error())
	} else {
		out.Status = StatusError
		gc.mu.Lock()
		first := !gc.terminalEmitted
		gc.terminalEmitted = true
		gc.mu.Unlock()
		if first {
			events.Emit(p.opts.Bus, events.GenerationCompleted{
				RequestID:     gc.RequestID,
				ModelID:       gc.ModelID,
				Role:          gc.Role,
				Status:        StatusError,
				CorrelationID: gc.RequestID,
				OutputTokens:  gc.OutputTokens,
				LatencyMS:     gc.LatencyMS,
				ErrorType:     events.Ptr(reason),
				Message:       events.Ptr(err.Error()),
			})
		}
		logf(zerolog.WarnLevel, "generation failed request=%s model=%s: %v", gc.RequestID, gc.ModelID, err)
	}

	if serr := sink.Send("usage", p.usage(gc)); serr != nil {
		return out, serr
	}
	if serr := sink.Send("error", gc.frame(map[string]any{
		"code":       reason,
		"error_type": reason,
		"message":    err.Error(),
	})); serr != nil {
		return out, serr
	}
	return out, p.End(gc, sink, out.Status, reason)
}

// LateAbort emits cancellation markers for an abort that arrived after
// the stream completed. It reports whether markers were emitted.
func (p *Primary) LateAbort(gc *GenerationContext, msg string) bool {
	if !p.aborted(gc) {
		return false
	}
	return p.cancelMarkers(gc, string(errkind.UserAbort), msg)
}

// cancelMarkers emits GenerationCancelled and, for client aborts, the
// cancel latency. Each fires at most once per request.
func (p *Primary) cancelMarkers(gc *GenerationContext, reason, msg string) bool {
	gc.mu.Lock()
	first := !gc.cancelEmitted
	gc.cancelEmitted = true
	gc.terminalEmitted = true
	measure := false
	if reason == string(errkind.UserAbort) && !gc.latencyEmitted {
		gc.latencyEmitted = true
		measure = true
	}
	gc.mu.Unlock()
	if !first {
		return false
	}
	now := p.opts.Now()
	events.Emit(p.opts.Bus, events.GenerationCancelled{
		RequestID:     gc.RequestID,
		ModelID:       gc.ModelID,
		Role:          gc.Role,
		Reason:        reason,
		LatencyMS:     now.Sub(gc.StartedAt).Milliseconds(),
		OutputTokens:  gc.OutputTokens,
		CorrelationID: events.Ptr(gc.RequestID),
		Message:       optional(msg),
	})
	p.opts.Metrics.Inc("generation_cancelled_total", metrics.Labels{"model": gc.ModelID, "reason": reason}, 1)
	if measure {
		start := gc.StartedAt
		if p.opts.Aborts != nil {
			if t, ok := p.opts.Aborts.StartedAt(gc.RequestID); ok {
				start = t
			}
		}
		ms := max(now.Sub(start).Milliseconds(), 0)
		events.Emit(p.opts.Bus, events.CancelLatencyMeasured{
			RequestID:  gc.RequestID,
			ModelID:    events.Ptr(gc.ModelID),
			DurationMS: ms,
			Path:       "user_abort",
		})
	}
	logf(zerolog.InfoLevel, "generation cancelled request=%s reason=%s", gc.RequestID, reason)
	return true
}

// End writes the end frame and counts the stream close.
func (p *Primary) End(gc *GenerationContext, sink Sink, status, errorType string) error {
	payload := gc.frame(map[string]any{"status": status})
	if errorType != "" && status != StatusOK {
		payload["error_type"] = errorType
	}
	if status == StatusOK {
		payload["ok"] = true
	}
	reason := status
	if errorType != "" && status != StatusOK {
		reason = errorType
	}
	p.opts.Metrics.Inc("sse_stream_close_total", metrics.Labels{"model": gc.ModelID, "reason": reason}, 1)
	return sink.Send("end", payload)
}

func joinFragments(gc *GenerationContext) string {
	n := 0
	for _, f := range gc.Fragments {
		n += len(f)
	}
	buf := make([]byte, 0, n)
	for _, f := range gc.Fragments {
		buf = append(buf, f...)
	}
	return string(buf)
}
