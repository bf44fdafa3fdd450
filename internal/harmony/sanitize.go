package harmony

import (
	"regexp"
	"strings"

	"mia/internal/metrics"
)

var (
	fusedPrefixRe  = regexp.MustCompile(`(?i)^\s*(?:assistant\s*final\s*){1,3}`)
	fusedResidueRe = regexp.MustCompile(`(?i)\bassistant\s*final\b`)
	// fusedPendingRe matches leading text that a following "final" token
	// would turn into a fused prefix.
	fusedPendingRe = regexp.MustCompile(`(?i)^\s*(?:assistant\s*final\s*){0,2}assistant\s*$`)
	channelBarRe   = regexp.MustCompile(`(?i)\b(?:analysis|commentary|channel)\|`)
	spaceRunRe     = regexp.MustCompile(`\s{2,}`)
)

// sanitizeFinal removes marker debris from the joined final text and
// collapses an exact duplicate body.
func (a *Adapter) sanitizeFinal(text string) string {
	if serviceMarkerRe.MatchString(text) {
		a.leak("service_marker_in_final")
		a.leak("finalize_sanitize")
		text = serviceMarkerRe.ReplaceAllString(text, " ")
	}
	if loc := fusedPrefixRe.FindStringIndex(text); loc != nil {
		text = text[loc[1]:]
		a.fusedPrefixStripped()
	}
	if fusedResidueRe.MatchString(text) {
		text = fusedResidueRe.ReplaceAllString(text, "")
		a.fused("residue")
		a.leak("fused_marker_residue")
	}
	if channelBarRe.MatchString(text) {
		text = channelBarRe.ReplaceAllString(text, "")
		a.fused("channel_bar")
	}
	text = strings.TrimSpace(spaceRunRe.ReplaceAllString(text, " "))
	if half, ok := DuplicateHalf(text, a.cfg.MinDuplicateHalf); ok {
		text = half
		a.leak("duplicate_final")
	}
	return text
}

func (a *Adapter) fused(kind string) {
	a.metrics.Inc("fused_marker_sanitizations_total", metrics.Labels{"kind": kind}, 1)
}

// DuplicateHalf reports whether s consists of the same body twice, either
// directly concatenated or separated by a single whitespace character, and
// returns that body. Bodies shorter than minHalf are never collapsed.
func DuplicateHalf(s string, minHalf int) (string, bool) {
	n := len(s)
	if n == 0 {
		return "", false
	}
	if n%2 == 0 {
		h := n / 2
		if h >= minHalf && s[:h] == s[h:] {
			return s[:h], true
		}
	}
	if n%2 == 1 {
		h := n / 2
		if h >= minHalf && strings.ContainsRune(" \t\n", rune(s[h])) && s[:h] == s[h+1:] {
			return s[:h], true
		}
	}
	return "", false
}
