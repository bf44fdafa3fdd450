package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"mia/internal/session"
)

const (
	systemPromptVersion = 1
	charsPerToken       = 4
	minBudgetTokens     = 128
	safetyMarginTokens  = 64
	defaultReserved     = 256
	assistantOpen       = "<|start|>assistant"
)

type framed struct {
	prompt string
	system string
	hash   string
	tokens int
}

// systemMessage is the Harmony system block: identity, cutoff, date,
// reasoning level and the valid channels line.
func systemMessage(level string, now time.Time) string {
	if level == "" {
		level = "medium"
	}
	return strings.Join([]string{
		"You are ChatGPT, a large language model trained by OpenAI.",
		"Knowledge cutoff: 2024-10",
		"Current date: " + now.UTC().Format("2006-01-02"),
		"Reasoning: " + strings.ToLower(level),
		"# Valid channels: analysis, commentary, final. Channel must be included for every message.",
	}, "\n")
}

func developerBlock(text string) string {
	if strings.HasPrefix(text, "# Instructions") {
		return text
	}
	return "# Instructions\n" + strings.TrimSpace(text)
}

func approxTokens(s string) int {
	return max(1, len(strings.Fields(s)))
}

func turn(role, content string) string {
	return "<|start|>" + role + "<|message|>" + content + "<|end|>"
}

// frame builds the Harmony prompt. History is trimmed oldest first until the
// prompt fits the character budget, always keeping the current user turn and
// the exchange before it.
func frame(level, developer, userPrompt string, history []session.Message, contextLength, reserved int, now time.Time) framed {
	sys := systemMessage(level, now)
	fixed := turn("system", sys) + turn("developer", developerBlock(developer))

	var dyn []string
	for _, m := range history {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "user":
			dyn = append(dyn, turn("user", m.Content))
		case "assistant":
			dyn = append(dyn, turn("assistant", m.Content))
		}
	}
	if n := len(history); n == 0 || history[n-1].Role != "user" || history[n-1].Content != userPrompt {
		dyn = append(dyn, turn("user", userPrompt))
	}

	assemble := func(parts []string) string {
		return fixed + strings.Join(parts, "") + assistantOpen
	}
	prompt := assemble(dyn)
	if contextLength > 0 {
		if reserved <= 0 {
			reserved = defaultReserved
		}
		budget := max(minBudgetTokens, contextLength-safetyMarginTokens-reserved) * charsPerToken
		keep := min(len(dyn), 3)
		for i := 0; len(prompt) > budget && i < len(dyn)-keep; i++ {
			prompt = assemble(dyn[i+1:])
		}
	}
	sum := sha256.Sum256([]byte(sys))
	return framed{
		prompt: prompt,
		system: sys,
		hash:   hex.EncodeToString(sum[:])[:16],
		tokens: approxTokens(prompt),
	}
}
