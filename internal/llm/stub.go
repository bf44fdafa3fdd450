package llm

import (
	"regexp"
	"strings"
)

var (
	serviceMarker = regexp.MustCompile(`<\|[^|>]+\|>`)
	userTurn      = regexp.MustCompile(`(?s)<\|start\|>user<\|message\|>(.*?)<\|end\|>`)
)

const assistantCue = "<|start|>assistant"

// stubWords repeats the words of the prompt (the last user turn when the
// prompt is Harmony framed) until maxTokens words are produced.
func stubWords(prompt string, maxTokens int) []string {
	src := prompt
	if m := userTurn.FindAllStringSubmatch(prompt, -1); len(m) > 0 {
		src = m[len(m)-1][1]
	}
	words := strings.Fields(serviceMarker.ReplaceAllString(src, " "))
	if len(words) == 0 || maxTokens <= 0 {
		return nil
	}
	out := make([]string, 0, maxTokens)
	for i := 0; len(out) < maxTokens; i++ {
		out = append(out, words[i%len(words)])
	}
	return out
}

// streamStub emits the stub answer word by word. A prompt ending with the
// assistant cue gets a Harmony final-channel frame around the words.
func streamStub(prompt string, s Sampling, emit func(string) error) error {
	max, ok := s.Int("max_tokens")
	if !ok || max <= 0 {
		max = defaultStubTokens
	}
	words := stubWords(prompt, max)
	framed := strings.HasSuffix(strings.TrimSpace(prompt), assistantCue)
	if framed {
		if err := emit("<|channel|>final<|message|>"); err != nil {
			return err
		}
	}
	for i, w := range words {
		piece := w
		if i < len(words)-1 {
			piece += " "
		}
		if err := emit(piece); err != nil {
			return err
		}
	}
	if framed {
		return emit("<|return|>")
	}
	return nil
}
