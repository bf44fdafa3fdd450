package harmony

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"mia/internal/metrics"
)

// Commentary retention modes.
const (
	RetainMetricsOnly      = "metrics_only"
	RetainHashedSlice      = "hashed_slice"
	RetainRedactedSnippets = "redacted_snippets"
	RetainRawEphemeral     = "raw_ephemeral"
)

// retentionSummary describes how commentary was retained. Commentary text
// itself never reaches the summary except as a redacted snippet.
func (a *Adapter) retentionSummary() map[string]any {
	rc := a.cfg.Retention
	mode := rc.Mode
	if mode == "" {
		mode = RetainMetricsOnly
	}
	ratio := 0.0
	if a.finalTokens > 0 {
		ratio = float64(a.commentaryTokens) / float64(a.finalTokens)
	}
	out := map[string]any{
		"mode":              mode,
		"ratio_to_final":    ratio,
		"commentary_tokens": a.commentaryTokens,
	}
	tc := rc.ToolChain
	if tc.Detect && a.toolCommentary && tc.OverrideMode != "" &&
		(tc.ApplyWhen == "any" || tc.ApplyWhen == mode) {
		a.metrics.Inc("commentary_retention_override_total", metrics.Labels{"from": mode, "to": tc.OverrideMode}, 1)
		if tc.TagInSummary {
			out["original_mode"] = mode
			out["override_applied"] = true
			out["tool_commentary_present"] = true
		}
		mode = tc.OverrideMode
		out["mode"] = mode
	}
	a.metrics.Inc("commentary_retention_mode_total", metrics.Labels{"mode": mode}, 1)
	if a.commentaryTokens == 0 {
		return out
	}

	full := strings.Join(a.commentaryParts, " ")
	limit := rc.HashedSlice.MaxChars
	if limit <= 0 {
		limit = 160
	}
	slice := full
	if len(slice) > limit {
		slice = slice[:limit]
	}
	sum := sha256.Sum256([]byte(slice))
	hash := hex.EncodeToString(sum[:])[:16]

	switch mode {
	case RetainHashedSlice:
		out["slice_len"] = len(slice)
		out["hash_prefix"] = hash
	case RetainRedactedSnippets:
		snippet := full
		if len(snippet) > 160 {
			snippet = snippet[:160]
		}
		if rc.RedactedSnippets.RedactPattern != "" {
			if re, err := regexp.Compile(rc.RedactedSnippets.RedactPattern); err == nil {
				red := re.ReplaceAllString(snippet, rc.RedactedSnippets.Replacement)
				if red != snippet {
					a.metrics.Inc("commentary_redactions_total", nil, 1)
				}
				snippet = red
			}
		}
		out["snippet_redacted"] = snippet
	case RetainRawEphemeral:
		ttl := time.Duration(rc.RawEphemeral.TTLSeconds) * time.Second
		if a.cache != nil {
			if err := a.cache.Put(context.Background(), a.requestID+":"+hash, slice, ttl); err == nil {
				out["ephemeral_cached"] = true
			}
		}
	}
	return out
}
