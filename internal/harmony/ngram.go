package harmony

// NGramGuard suppresses immediate repetition: a token is rejected when the
// last n accepted tokens all equal it. Only the last window tokens are kept.
type NGramGuard struct {
	n      int
	window int
	recent []string
}

// NewNGramGuard returns a guard; n < 1 disables it. The window is never
// smaller than n.
func NewNGramGuard(n, window int) *NGramGuard {
	if window < n {
		window = n
	}
	return &NGramGuard{n: n, window: window}
}

// Allow reports whether tok may be emitted and records it if so.
func (g *NGramGuard) Allow(tok string) bool {
	if g == nil || g.n < 1 {
		return true
	}
	if len(g.recent) >= g.n {
		repeat := true
		for _, t := range g.recent[len(g.recent)-g.n:] {
			if t != tok {
				repeat = false
				break
			}
		}
		if repeat {
			return false
		}
	}
	g.recent = append(g.recent, tok)
	if len(g.recent) > g.window {
		g.recent = g.recent[len(g.recent)-g.window:]
	}
	return true
}
