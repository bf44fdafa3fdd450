package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"mia/internal/errkind"
	"mia/internal/harmony"
	"mia/internal/llm"
	"mia/internal/metrics"
	"mia/internal/telemetry"
)

// ErrUserAbort is returned by Stream when the client aborted the request.
var ErrUserAbort = errkind.New(errkind.UserAbort, "aborted-by-client")

type piece struct {
	text string
}

// Stream runs the provider, feeds the adapter and forwards its events as
// SSE frames. It returns ErrUserAbort on abort, a timeout-kind error when
// the generation stalls past its deadline, or the provider error.
func (p *Primary) Stream(ctx context.Context, gc *GenerationContext, sink Sink) error {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.stream")
	defer span.End()

	if p.aborted(gc) {
		return ErrUserAbort
	}
	streamCtx, cancel := context.WithCancel(llm.WithOwnedLifecycle(llm.WithRequestID(ctx, gc.RequestID)))
	defer cancel()

	pieces := make(chan piece)
	done := make(chan error, 1)
	go func() {
		done <- gc.Provider.Stream(streamCtx, gc.Prompt, gc.Sampling.Merged, func(s string) error {
			select {
			case pieces <- piece{text: s}:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
	}()
	stop := func() {
		gc.Provider.Cancel()
		cancel()
		<-done
	}

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	lastActivity := gc.StartedAt
	graceCounted := false
	for {
		select {
		case pc := <-pieces:
			if p.aborted(gc) {
				stop()
				return ErrUserAbort
			}
			if err := p.feed(gc, sink, gc.Adapter.Process(pc.text)); err != nil {
				stop()
				return err
			}
			lastActivity = p.opts.Now()
			if gc.PerTokenDelay > 0 {
				time.Sleep(gc.PerTokenDelay)
			}
		case err := <-done:
			if err != nil {
				if p.aborted(gc) {
					return ErrUserAbort
				}
				return err
			}
			if p.aborted(gc) {
				return ErrUserAbort
			}
			return p.feed(gc, sink, gc.Adapter.Finalize())
		case <-ticker.C:
			if p.aborted(gc) {
				stop()
				return ErrUserAbort
			}
			if err := ctx.Err(); err != nil {
				stop()
				return err
			}
			if gc.Timeout <= 0 {
				continue
			}
			now := p.opts.Now()
			idle := now.Sub(lastActivity)
			if idle <= gc.Timeout {
				continue
			}
			if gc.FirstTokenMS == nil && gc.IdleGrace > 0 && now.Sub(gc.StartedAt) <= gc.Timeout+gc.IdleGrace {
				if !graceCounted {
					graceCounted = true
					p.opts.Metrics.Inc("generation_timeout_grace_total", metrics.Labels{"phase": "prefirst"}, 1)
				}
				continue
			}
			stop()
			return errkind.Newf(errkind.Timeout, "generation-timeout idle=%.3fs limit=%.3fs", idle.Seconds(), gc.Timeout.Seconds())
		}
	}
}

func (p *Primary) aborted(gc *GenerationContext) bool {
	return p.opts.Aborts != nil && p.opts.Aborts.IsAborted(gc.RequestID)
}

// feed forwards adapter events to the sink.
func (p *Primary) feed(gc *GenerationContext, sink Sink, evs []harmony.Event) error {
	m := p.opts.Metrics
	for _, ev := range evs {
		switch ev.Type {
		case harmony.Analysis:
			if ev.Text == "" {
				continue
			}
			m.Inc("harmony_channel_tokens_total", metrics.Labels{"model": gc.ModelID, "channel": "analysis"}, 1)
			if err := sink.Send("analysis", gc.frame(map[string]any{"text": ev.Text})); err != nil {
				return err
			}
		case harmony.Commentary:
			if ev.Text == "" {
				continue
			}
			m.Inc("harmony_channel_tokens_total", metrics.Labels{"model": gc.ModelID, "channel": "commentary"}, 1)
			if err := sink.Send("commentary", gc.frame(map[string]any{"text": ev.Text})); err != nil {
				return err
			}
		case harmony.ToolChannelRaw:
			if ev.Raw == "" {
				continue
			}
			if err := p.toolCall(gc, sink, parseToolPayload(ev.Raw, p.cfg.LLM.ToolCalling)); err != nil {
				return err
			}
		case harmony.ToolCall:
			if err := p.toolCall(gc, sink, parseRecipientCall(ev.Recipient, ev.ArgsText, p.cfg.LLM.ToolCalling)); err != nil {
				return err
			}
		case harmony.Delta:
			if err := p.delta(gc, sink, ev.Text); err != nil {
				return err
			}
		case harmony.Final:
			p.recordFinal(gc, ev.Summary)
		}
	}
	return nil
}

func (p *Primary) delta(gc *GenerationContext, sink Sink, tok string) error {
	for _, stop := range gc.StopSequences {
		if stop == "" {
			continue
		}
		if trimmed := strings.TrimRight(tok, " \n"); strings.HasSuffix(trimmed, stop) {
			gc.StopHit = stop
			tok = strings.TrimSuffix(trimmed, stop)
		}
	}
	if tok == "" {
		return nil
	}
	gc.OutputTokens++
	gc.Fragments = append(gc.Fragments, tok)
	payload := gc.frame(map[string]any{"seq": gc.seq, "text": tok, "tokens_out": gc.OutputTokens})
	gc.seq++
	if gc.FirstTokenMS == nil {
		ms := p.opts.Now().Sub(gc.StartedAt).Milliseconds()
		gc.FirstTokenMS = &ms
		p.opts.Metrics.Observe("generation_first_token_latency_ms", float64(ms), metrics.Labels{"model": gc.ModelID})
	}
	p.opts.Metrics.Inc("harmony_channel_tokens_total", metrics.Labels{"model": gc.ModelID, "channel": "final"}, 1)
	return sink.Send("token", payload)
}

func (p *Primary) recordFinal(gc *GenerationContext, s *harmony.Summary) {
	if s == nil {
		return
	}
	stats := s.Stats
	gc.ReasoningStats = &stats
	gc.ReasoningText = s.ReasoningText
	gc.SanitizedFinal = s.FinalText
	gc.FinalDetected = s.FinalDetected
	if gc.ratioRecorded {
		return
	}
	gc.ratioRecorded = true
	threshold := clamp01(p.cfg.LLM.Postproc.Reasoning.RatioAlertThreshold)
	bucket := "below"
	if clamp01(stats.ReasoningRatio) > threshold {
		bucket = "above"
	}
	p.opts.Metrics.Inc("reasoning_ratio_alert_total", metrics.Labels{"model": gc.ModelID, "bucket": bucket}, 1)
}

func clamp01(v float64) float64 { return min(max(v, 0), 1) }

// streamErrorReason maps a Stream error to the cancellation reason or the
// error_type reported to the client.
func streamErrorReason(err error) (reason string, cancelled bool) {
	switch {
	case errors.Is(err, ErrUserAbort), errkind.Is(err, errkind.UserAbort):
		return string(errkind.UserAbort), true
	case errkind.Is(err, errkind.Timeout), errors.Is(err, context.DeadlineExceeded):
		return string(errkind.Timeout), true
	case errors.Is(err, context.Canceled):
		return string(errkind.UserAbort), true
	}
	return string(errkind.Classify(err, errkind.PhaseRuntime)), false
}
