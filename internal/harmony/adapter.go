// Package harmony parses the Harmony multi-channel response format
// incrementally and enforces channel isolation on the final text.
package harmony

import (
	"regexp"
	"strings"
	"time"

	"mia/internal/config"
	"mia/internal/eventbus"
	"mia/internal/events"
	"mia/internal/metrics"
)

const (
	markStart     = "<|start|>"
	markChannel   = "<|channel|>"
	markMessage   = "<|message|>"
	markEnd       = "<|end|>"
	markReturn    = "<|return|>"
	markCall      = "<|call|>"
	markRecipient = "<|recipient|>"
	markConstrain = "<|constrain|>"

	preStartLimit = 512
	loopGuard     = 1000
	maxHeaderLen  = 512
)

var (
	serviceMarkerRe = regexp.MustCompile(`<\|[^|>]+\|>`)
	channelRe       = regexp.MustCompile(`<\|channel\|>\s*([A-Za-z_]+)`)
	recipientRe     = regexp.MustCompile(`(?:<\|recipient\|>|\bto=)\s*([^\s<]+)`)
	constrainRe     = regexp.MustCompile(`<\|constrain\|>\s*([^\s<]+)`)
	wsRunRe         = regexp.MustCompile(`( )+|(\t)+|(\n)+`)
)

// EventType names the kind of adapter output.
type EventType string

const (
	Analysis       EventType = "analysis"
	Commentary     EventType = "commentary"
	Delta          EventType = "delta"
	ToolCall       EventType = "tool_call"
	ToolChannelRaw EventType = "tool_channel_raw"
	Final          EventType = "final"
)

// Event is one adapter output. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	Text      string
	Recipient string
	ArgsText  string
	Constrain string
	Raw       string
	Summary   *Summary
}

// Stats are the reasoning/final token counts of a finished stream.
type Stats struct {
	ReasoningTokens int     `json:"reasoning_tokens"`
	FinalTokens     int     `json:"final_tokens"`
	ReasoningRatio  float64 `json:"reasoning_ratio"`
	DropFromHistory bool    `json:"drop_from_history"`
}

// Summary is carried by the terminal final event.
type Summary struct {
	Stats            Stats
	ReasoningText    *string
	FinalText        string
	ParseError       bool
	NormalizedReturn bool
	// FinalDetected is when the first final-channel message completed.
	FinalDetected       time.Time
	CommentaryRetention map[string]any
}

// Config tunes an Adapter.
type Config struct {
	ReasoningMaxTokens int
	DropFromHistory    bool
	NGramN             int
	NGramWindow        int
	CollapseWhitespace bool
	MinDuplicateHalf   int
	Retention          config.RetentionConfig
}

// ConfigFrom maps llm.postproc into adapter settings.
func ConfigFrom(p config.PostprocConfig) Config {
	return Config{
		ReasoningMaxTokens: p.Reasoning.MaxTokens,
		DropFromHistory:    p.Reasoning.DropFromHistory,
		NGramN:             p.NGram.N,
		NGramWindow:        p.NGram.Window,
		CollapseWhitespace: p.Collapse.Whitespace,
		MinDuplicateHalf:   p.DuplicateFinal.MinHalfChars,
		Retention:          p.CommentaryRetention,
	}
}

type message struct {
	channel    string
	recipient  string
	constrain  string
	suppressed bool
	known      bool
}

// Adapter is a single-use incremental parser. It is not safe for
// concurrent use.
type Adapter struct {
	cfg       Config
	metrics   *metrics.Registry
	bus       *eventbus.Bus
	cache     EphemeralCache
	now       func() time.Time
	requestID string
	modelID   string

	buf        string
	first      bool
	seenStart  bool
	plain      bool
	cur        *message
	finalSeen  bool
	finalAt    time.Time
	normReturn bool
	parseError bool
	finalized  bool

	guard            *NGramGuard
	reasoningTokens  int
	reasoningParts   []string
	finalTokens      int
	finalParts       []string
	commentaryParts  []string
	commentaryTokens int
	toolCommentary   bool

	// leadHeld are leading final tokens that may still turn out to be a
	// fused "assistant final" prefix.
	leadHeld []string
	leadDone bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMetrics sets the metrics registry (default metrics.Default).
func WithMetrics(m *metrics.Registry) Option { return func(a *Adapter) { a.metrics = m } }

// WithBus sets the event bus (default eventbus.Default).
func WithBus(b *eventbus.Bus) Option { return func(a *Adapter) { a.bus = b } }

// WithCache sets the raw_ephemeral store (default DefaultCache).
func WithCache(c EphemeralCache) Option { return func(a *Adapter) { a.cache = c } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

// New returns an adapter for one generation.
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.MinDuplicateHalf <= 0 {
		cfg.MinDuplicateHalf = 8
	}
	a := &Adapter{
		cfg:     cfg,
		metrics: metrics.Default,
		bus:     eventbus.Default,
		cache:   DefaultCache,
		now:     time.Now,
		first:   true,
		modelID: "unknown",
	}
	for _, o := range opts {
		o(a)
	}
	a.guard = NewNGramGuard(cfg.NGramN, cfg.NGramWindow)
	return a
}

// Attach sets the identity carried by adapter-level events and metrics.
func (a *Adapter) Attach(requestID, modelID string) {
	a.requestID = requestID
	if modelID != "" {
		a.modelID = modelID
	}
}

// Process feeds one raw chunk and returns the events it completes.
func (a *Adapter) Process(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	if a.first {
		a.first = false
		if strings.HasPrefix(strings.TrimLeft(chunk, " \t\r\n"), markChannel) {
			chunk = markStart + "assistant" + strings.TrimLeft(chunk, " \t\r\n")
		}
	}
	a.buf += chunk
	var out []Event
	for i := 0; ; i++ {
		if i >= loopGuard {
			a.parseErr("loop_guard")
			break
		}
		progressed, evs := a.step()
		out = append(out, evs...)
		if !progressed {
			break
		}
	}
	return out
}

// step consumes as much of buf as one state transition allows.
func (a *Adapter) step() (bool, []Event) {
	if a.plain {
		return false, a.flushPlain(false)
	}
	if a.cur == nil {
		idx := strings.Index(a.buf, markStart)
		if idx < 0 {
			if !a.seenStart {
				if len(a.buf) > preStartLimit && !strings.Contains(a.buf, "<|") {
					a.plain = true
					return false, a.flushPlain(false)
				}
				return false, nil
			}
			a.buf = keepPartialMarker(a.buf)
			return false, nil
		}
		head := a.buf[idx+len(markStart):]
		msgIdx := strings.Index(head, markMessage)
		if msgIdx < 0 {
			if len(head) > maxHeaderLen {
				a.parseErr("header_overflow")
				a.buf = head
				return true, nil
			}
			return false, nil
		}
		a.seenStart = true
		a.cur = a.parseHeader(head[:msgIdx])
		a.buf = head[msgIdx+len(markMessage):]
		return true, nil
	}

	term, at := findTerminator(a.buf)
	if at < 0 {
		if a.cur.streamable() {
			return false, a.flushPartial()
		}
		return false, nil
	}
	body := a.buf[:at]
	a.buf = a.buf[at+len(term):]
	msg := a.cur
	a.cur = nil
	return true, a.complete(msg, body, term)
}

func (a *Adapter) parseHeader(h string) *message {
	m := &message{}
	if mm := channelRe.FindStringSubmatch(h); mm != nil {
		m.channel = strings.ToLower(mm[1])
	} else {
		m.channel = "final"
	}
	if mm := recipientRe.FindStringSubmatch(h); mm != nil {
		m.recipient = mm[1]
	}
	if mm := constrainRe.FindStringSubmatch(h); mm != nil {
		m.constrain = mm[1]
	}
	switch m.channel {
	case "analysis", "commentary", "final", "tool":
		m.known = true
	default:
		a.parseErr("unknown_channel")
		m.suppressed = true
		return m
	}
	if a.finalSeen {
		m.suppressed = true
		switch m.channel {
		case "final":
			a.unexpected("extra_final")
		case "analysis":
			a.unexpected("analysis_after_final")
			a.leak("post_final_analysis")
		case "commentary":
			a.unexpected("commentary_after_final")
		}
		a.unexpected("interleaved_final")
		a.metrics.Inc("channel_merge_anomaly_total", metrics.Labels{"type": "post_finalize_emission"}, 1)
	}
	return m
}

// streamable messages emit complete tokens before their terminator.
func (m *message) streamable() bool {
	return !m.suppressed && m.recipient == "" && (m.channel == "final" || m.channel == "analysis")
}

// flushPartial emits whitespace-terminated tokens of the open message that
// cannot be part of a marker.
func (a *Adapter) flushPartial() []Event {
	safe := a.buf
	if i := strings.Index(safe, "<|"); i >= 0 {
		safe = safe[:i]
	} else if strings.HasSuffix(safe, "<") {
		safe = safe[:len(safe)-1]
	}
	cut := strings.LastIndexAny(safe, " \t\r\n")
	if cut < 0 {
		return nil
	}
	text := a.buf[:cut+1]
	a.buf = a.buf[cut+1:]
	return a.emitTokens(a.cur.channel, text)
}

func (a *Adapter) complete(m *message, body, term string) []Event {
	if m.suppressed {
		return nil
	}
	if a.cfg.CollapseWhitespace {
		body = collapseWhitespace(body)
	}
	if m.recipient != "" {
		return []Event{{Type: ToolCall, Recipient: m.recipient, ArgsText: strings.TrimSpace(body), Constrain: m.constrain}}
	}
	switch m.channel {
	case "analysis":
		return a.emitTokens("analysis", body)
	case "final":
		evs := a.emitTokens("final", body)
		evs = append(evs, a.releaseLead()...)
		if term == markReturn {
			a.normReturn = true
		}
		a.finalSeen = true
		if a.finalAt.IsZero() {
			a.finalAt = a.now()
		}
		return evs
	case "commentary":
		text := strings.TrimSpace(serviceMarkerRe.ReplaceAllString(body, ""))
		if text == "" {
			return nil
		}
		if strings.HasPrefix(text, "[tool:") {
			a.toolCommentary = true
		}
		a.commentaryParts = append(a.commentaryParts, text)
		a.commentaryTokens += len(strings.Fields(text))
		return []Event{{Type: Commentary, Text: text}}
	case "tool":
		return []Event{{Type: ToolChannelRaw, Raw: strings.TrimSpace(body)}}
	}
	return nil
}

// emitTokens splits text on whitespace and routes each token to its channel.
func (a *Adapter) emitTokens(channel, text string) []Event {
	var out []Event
	for _, tok := range strings.Fields(text) {
		switch channel {
		case "analysis":
			if a.cfg.ReasoningMaxTokens > 0 && a.reasoningTokens >= a.cfg.ReasoningMaxTokens {
				continue
			}
			a.reasoningTokens++
			a.reasoningParts = append(a.reasoningParts, tok)
			out = append(out, Event{Type: Analysis, Text: tok + " "})
		case "final":
			tok = scrubToken(tok)
			if tok == "" {
				continue
			}
			for _, t := range a.lead(tok) {
				out = a.appendFinal(out, t)
			}
		}
	}
	return out
}

func (a *Adapter) appendFinal(out []Event, tok string) []Event {
	if !a.guard.Allow(tok) {
		return out
	}
	a.finalTokens++
	a.finalParts = append(a.finalParts, tok)
	return append(out, Event{Type: Delta, Text: tok + " "})
}

// lead holds back leading final tokens until they can no longer be part of
// a fused prefix, then returns what may be emitted with the prefix removed.
func (a *Adapter) lead(tok string) []string {
	if a.leadDone {
		return []string{tok}
	}
	held := append(a.leadHeld, tok)
	joined := strings.Join(held, " ")
	loc := fusedPrefixRe.FindStringIndex(joined)
	if (loc != nil && loc[1] == len(joined)) || fusedPendingRe.MatchString(joined) {
		a.leadHeld = held
		return nil
	}
	a.leadHeld = nil
	a.leadDone = true
	if loc == nil {
		return held
	}
	a.fusedPrefixStripped()
	return strings.Fields(joined[loc[1]:])
}

// releaseLead flushes held tokens once the final message is complete.
func (a *Adapter) releaseLead() []Event {
	if a.leadDone || len(a.leadHeld) == 0 {
		return nil
	}
	joined := strings.Join(a.leadHeld, " ")
	a.leadHeld = nil
	a.leadDone = true
	if loc := fusedPrefixRe.FindStringIndex(joined); loc != nil {
		a.fusedPrefixStripped()
		joined = joined[loc[1]:]
	}
	var out []Event
	for _, t := range strings.Fields(joined) {
		out = a.appendFinal(out, t)
	}
	return out
}

func (a *Adapter) fusedPrefixStripped() {
	a.fused("prefix")
	a.leak("fused_marker_prefix")
}

// flushPlain emits unframed output as final tokens. At finalize the
// trailing partial token is flushed too.
func (a *Adapter) flushPlain(all bool) []Event {
	text := a.buf
	if !all {
		cut := strings.LastIndexAny(text, " \t\r\n")
		if cut < 0 {
			return nil
		}
		text = text[:cut+1]
	}
	a.buf = a.buf[len(text):]
	return a.emitTokens("final", text)
}

// Finalize closes the stream and returns trailing events plus exactly one
// final event. Calling it again returns nil.
func (a *Adapter) Finalize() []Event {
	if a.finalized {
		return nil
	}
	a.finalized = true
	var out []Event
	switch {
	case a.plain || !a.seenStart:
		out = append(out, a.flushPlain(true)...)
	case a.cur != nil && !a.cur.suppressed:
		if a.cur.channel == "final" && a.cur.recipient == "" {
			out = append(out, a.emitTokens("final", stripMarkers(a.buf))...)
			a.finalSeen = true
		} else if !a.finalSeen {
			a.parseErr("unterminated")
			out = append(out, a.emitTokens("analysis", stripMarkers(a.buf))...)
		}
	}
	out = append(out, a.releaseLead()...)
	a.buf = ""
	a.cur = nil

	finalText := a.sanitizeFinal(strings.Join(a.finalParts, " "))
	a.finalTokens = len(strings.Fields(finalText))
	ratio := 0.0
	if total := a.reasoningTokens + a.finalTokens; total > 0 {
		ratio = float64(a.reasoningTokens) / float64(total)
	}
	sum := &Summary{
		Stats: Stats{
			ReasoningTokens: a.reasoningTokens,
			FinalTokens:     a.finalTokens,
			ReasoningRatio:  ratio,
			DropFromHistory: a.cfg.DropFromHistory,
		},
		FinalText:        finalText,
		ParseError:       a.parseError,
		NormalizedReturn: a.normReturn,
		FinalDetected:    a.finalAt,
	}
	if !a.cfg.DropFromHistory && len(a.reasoningParts) > 0 {
		rt := strings.Join(a.reasoningParts, " ")
		sum.ReasoningText = &rt
	}
	sum.CommentaryRetention = a.retentionSummary()
	if a.reasoningTokens == 0 {
		reason := "no-analysis-channel"
		if a.cfg.DropFromHistory {
			reason += "+drop_history"
		}
		events.Emit(a.bus, events.ReasoningSuppressedOrNone{RequestID: a.requestID, ModelID: a.modelID, Reason: reason, FinalTokens: a.finalTokens})
	}
	return append(out, Event{Type: Final, Summary: sum})
}

func (a *Adapter) parseErr(stage string) {
	if stage == "unterminated" {
		a.parseError = true
	}
	a.metrics.Inc("harmony_parse_error_total", metrics.Labels{"stage": stage}, 1)
}

func (a *Adapter) unexpected(kind string) {
	a.metrics.Inc("harmony_unexpected_order_total", metrics.Labels{"type": kind}, 1)
}

func (a *Adapter) leak(reason string) {
	a.metrics.Inc("reasoning_leak_total", metrics.Labels{"reason": reason}, 1)
}

func findTerminator(s string) (string, int) {
	best, at := "", -1
	for _, t := range []string{markEnd, markReturn, markCall} {
		if i := strings.Index(s, t); i >= 0 && (at < 0 || i < at) {
			best, at = t, i
		}
	}
	return best, at
}

// keepPartialMarker drops inter-message text but keeps a tail that may be
// the beginning of a start marker.
func keepPartialMarker(s string) string {
	i := strings.LastIndex(s, "<")
	if i < 0 || len(s)-i >= len(markStart) {
		return ""
	}
	if strings.HasPrefix(markStart, s[i:]) {
		return s[i:]
	}
	return ""
}

func collapseWhitespace(s string) string {
	return wsRunRe.ReplaceAllStringFunc(s, func(run string) string { return run[:1] })
}

func stripMarkers(s string) string { return serviceMarkerRe.ReplaceAllString(s, " ") }

var (
	channelPrefixRe = regexp.MustCompile(`^(?i:analysis|commentary|channel)\|`)
	openMarkerRe    = regexp.MustCompile(`<\|[^>]*$`)
)

// scrubToken removes marker debris a final token must never carry,
// including an unclosed marker cut off by the end of the stream.
func scrubToken(tok string) string {
	tok = serviceMarkerRe.ReplaceAllString(tok, "")
	tok = openMarkerRe.ReplaceAllString(tok, "")
	for channelPrefixRe.MatchString(tok) {
		tok = channelPrefixRe.ReplaceAllString(tok, "")
	}
	return tok
}
