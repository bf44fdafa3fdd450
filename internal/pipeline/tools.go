package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"mia/internal/config"
	"mia/internal/errkind"
	"mia/internal/events"
	"mia/internal/metrics"
)

const defaultMaxPayload = 8192

// toolOutcome is the validation result of one tool payload. No tool is
// executed; the runtime only plans and reports.
type toolOutcome struct {
	tool        string
	status      string
	errorType   string
	message     string
	previewHash string
	previewSrc  string
	latency     time.Duration
}

func previewOf(args any, limit int) (src, hash string) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", "err"
	}
	src = string(b)
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	sum := sha256.Sum256([]byte(src))
	return src, hex.EncodeToString(sum[:])[:32]
}

func failTool(out toolOutcome, kind errkind.Kind, msg string) toolOutcome {
	out.status = "error"
	out.errorType = string(kind)
	out.message = msg
	out.previewHash = "err"
	return out
}

// parseToolPayload validates a tool-channel body of the form
// {"tool"|"name": ..., "arguments"|"args": {...}}.
func parseToolPayload(raw string, cfg config.ToolCallingConfig) (out toolOutcome) {
	start := time.Now()
	out = toolOutcome{tool: "unknown", status: "ok"}
	defer func() { out.latency = time.Since(start) }()
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = defaultMaxPayload
	}
	if len(raw) > limit {
		return failTool(out, errkind.ToolPayloadTooLarge, string(errkind.ToolPayloadTooLarge))
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return failTool(out, errkind.ToolPayloadParseError, err.Error())
	}
	for _, k := range []string{"tool", "name"} {
		if s, ok := data[k].(string); ok && s != "" {
			out.tool = s
			break
		}
	}
	var args any = map[string]any{}
	for _, k := range []string{"arguments", "args"} {
		if v, ok := data[k]; ok && v != nil {
			args = v
			break
		}
	}
	out.previewSrc, out.previewHash = previewOf(args, cfg.Retention.HashPreviewMaxChars)
	return out
}

// parseRecipientCall validates the JSON args of a message addressed to a
// recipient.
func parseRecipientCall(recipient, argsText string, cfg config.ToolCallingConfig) (out toolOutcome) {
	start := time.Now()
	out = toolOutcome{tool: recipient, status: "ok"}
	if out.tool == "" {
		out.tool = "unknown"
	}
	defer func() { out.latency = time.Since(start) }()
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = defaultMaxPayload
	}
	if len(argsText) > limit {
		return failTool(out, errkind.ToolPayloadTooLarge, string(errkind.ToolPayloadTooLarge))
	}
	var args any
	if argsText == "" {
		args = map[string]any{}
	} else if err := json.Unmarshal([]byte(argsText), &args); err != nil {
		return failTool(out, errkind.ToolPayloadParseError, err.Error())
	}
	out.previewSrc, out.previewHash = previewOf(args, cfg.Retention.HashPreviewMaxChars)
	return out
}

// toolCall emits the planned/result pair and the synthetic commentary
// frame shaped by the tool retention mode.
func (p *Primary) toolCall(gc *GenerationContext, sink Sink, out toolOutcome) error {
	seq := gc.seq
	events.Emit(p.opts.Bus, events.ToolCallPlanned{
		RequestID:       gc.RequestID,
		Tool:            out.tool,
		ArgsPreviewHash: out.previewHash,
		Seq:             seq,
	})
	res := events.ToolCallResult{
		RequestID: gc.RequestID,
		ModelID:   gc.ModelID,
		Tool:      out.tool,
		Status:    out.status,
		LatencyMS: out.latency.Milliseconds(),
		Seq:       seq,
	}
	if out.status != "ok" {
		res.ErrorType = events.Ptr(out.errorType)
		res.Message = events.Ptr(out.message)
	}
	events.Emit(p.opts.Bus, res)
	p.opts.Metrics.Inc("harmony_channel_tokens_total", metrics.Labels{"model": gc.ModelID, "channel": "commentary"}, 1)

	body := map[string]any{
		"tool":       out.tool,
		"status":     out.status,
		"ok":         out.status == "ok",
		"error_type": strOrNil(out.errorType),
		"message":    strOrNil(out.message),
	}
	rc := p.cfg.LLM.ToolCalling.Retention
	switch rc.Mode {
	case "hashed_slice":
		body["preview_hash"] = out.previewHash
	case "redacted_snippets":
		body["preview_hash"] = out.previewHash
		placeholder := rc.RedactedPlaceholder
		if placeholder == "" {
			placeholder = "[REDACTED]"
		}
		body["args_redacted"] = placeholder
	case "raw_ephemeral":
		body["preview_hash"] = out.previewHash
		body["raw_args"] = strOrNil(out.previewSrc)
	}
	text, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return sink.Send("commentary", gc.frame(map[string]any{"text": string(text)}))
}
