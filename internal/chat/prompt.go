package chat

import (
	"fmt"
	"strings"

	"localmind/internal/llm"
	"localmind/internal/storage"
)

const (
	transcriptWindow   = 20
	contextMemoryLimit = 8
	titleRuneLimit     = 50

	systemPersona = "You are a personal assistant with long-term memory of the user. " +
		"Be concise and direct. Use what you remember when it is relevant, and " +
		"never invent memories."
)

// buildPrompt renders system context plus the recent transcript. Retrieved
// memories ride in the system message so the engine treats them as ground
// truth rather than conversation.
func buildPrompt(remembered []storage.Memory, window []storage.ChatMessage, userMsg string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(systemPersona)
	if len(remembered) > 0 {
		sb.WriteString("\n\nWhat you remember about this user:\n")
		for _, m := range remembered {
			fmt.Fprintf(&sb, "- [%s] %s\n", m.MemoryType, m.Content)
		}
	}

	msgs := make([]llm.Message, 0, len(window)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: sb.String()})
	for _, m := range window {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: userMsg})
}

// Title derives a session title from the first user message: whitespace
// collapsed, cut at the rune limit.
func Title(message string) string {
	collapsed := strings.Join(strings.Fields(message), " ")
	runes := []rune(collapsed)
	if len(runes) <= titleRuneLimit {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:titleRuneLimit]))
}
