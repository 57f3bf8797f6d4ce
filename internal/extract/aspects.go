package extract

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"localmind/internal/llm"
	"localmind/internal/memory"
	"localmind/internal/storage"
)

// Aspect is one extraction pass: a focus the engine is prompted for and
// the memory type its items land under.
type Aspect struct {
	Name       string
	MemoryType string
	Focus      string
}

// Aspects is the full pass list, run in order per pending chat.
var Aspects = []Aspect{
	{"fact", storage.MemoryTypeFact, "stable factual statements about the user or their world"},
	{"preference", storage.MemoryTypePreference, "likes, dislikes, and preferred ways of doing things"},
	{"pattern", storage.MemoryTypePattern, "recurring behaviors and habits"},
	{"skill", storage.MemoryTypeSkill, "abilities, expertise, and proficiency levels"},
	{"goal", storage.MemoryTypeGoal, "objectives, plans, and intended outcomes"},
	{"event", storage.MemoryTypeEvent, "specific events tied to a time or place"},
	{"emotional", storage.MemoryTypeEmotional, "feelings and emotional reactions the user expressed"},
	{"temporal", storage.MemoryTypeTemporal, "routines, schedules, and time-bound commitments"},
	{"context", storage.MemoryTypeContext, "situational background that frames the user's other statements"},
	{"meta", storage.MemoryTypeMeta, "statements about how the user wants the assistant to behave"},
	{"social", storage.MemoryTypeSocial, "people, relationships, and social dynamics in the user's life"},
	{"procedural", storage.MemoryTypeProcedural, "step-by-step methods the user follows or described"},
}

const (
	extractSystemPrompt = "You extract long-term memories about the user from a conversation. " +
		"Only include information worth remembering across sessions. Respond with JSON only."

	// assigned to items the model left unweighted
	defaultImportance = 0.5

	transcriptRuneLimit = 6000
)

// BuildPrompt renders the two-message prompt for one aspect.
func BuildPrompt(a Aspect, transcript string) []llm.Message {
	user := fmt.Sprintf(
		"Extract %s from this conversation.\n\n"+
			"Respond with a JSON array only. Each element: "+
			`{"content": string, "category": string, "importance": number between 0 and 1, "keywords": [string]}. `+
			"Return [] if nothing qualifies.\n\nConversation:\n%s",
		a.Focus, transcript)
	return []llm.Message{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: user},
	}
}

// Draft converts one parsed item into a store draft for this aspect.
func (a Aspect) Draft(userID, chatID string, it Item) (memory.Draft, bool) {
	content := strings.TrimSpace(it.Content)
	if content == "" {
		return memory.Draft{}, false
	}
	importance := float64(it.Importance)
	if importance <= 0 {
		importance = defaultImportance
	}
	if importance > 1 {
		importance = 1
	}
	category := strings.TrimSpace(it.Category)
	if category == "" {
		category = a.Name
	}
	meta, _ := json.Marshal(map[string]string{
		"source":  "chat_extraction",
		"chat_id": chatID,
		"aspect":  a.Name,
	})
	return memory.Draft{
		UserID:     userID,
		Content:    content,
		MemoryType: a.MemoryType,
		Importance: importance,
		Category:   category,
		Keywords:   it.Keywords,
		Metadata:   string(meta),
	}, true
}

// ExtractionContext is one pending chat handed to the aspect passes.
type ExtractionContext struct {
	UserID   string
	ChatID   string
	Messages []llm.Message
}

// Transcript renders role-labeled lines, keeping the most recent tail
// when the conversation outgrows the prompt budget.
func (e ExtractionContext) Transcript() string {
	var lines []string
	for _, m := range e.Messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case "user":
			lines = append(lines, "User: "+content)
		case "assistant":
			lines = append(lines, "Assistant: "+content)
		}
	}
	text := strings.Join(lines, "\n")
	runes := []rune(text)
	if len(runes) > transcriptRuneLimit {
		text = string(runes[len(runes)-transcriptRuneLimit:])
	}
	return text
}
