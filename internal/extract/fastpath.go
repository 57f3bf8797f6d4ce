package extract

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"localmind/internal/memory"
	"localmind/internal/storage"
)

// FastFactThreshold is the importance floor for direct storage on the
// chat path. Everything below waits for the deep extraction pass.
const FastFactThreshold = 0.5

type fastPattern struct {
	re         *regexp.Regexp
	template   string
	memoryType string
	category   string
	importance float64
}

var fastPatterns = []fastPattern{
	// second name word must be capitalized, or "is Marcus and" grabs "and"
	{regexp.MustCompile(`\b(?i:my name is) ([A-Z][\w'-]*(?: [A-Z][\w'-]*)?)`),
		"User's name is %s", storage.MemoryTypeFact, "identity", 0.9},
	{regexp.MustCompile(`(?i)\bi live in ([^.,!?\n]{2,60})`),
		"User lives in %s", storage.MemoryTypeFact, "location", 0.8},
	{regexp.MustCompile(`(?i)\bi work (?:at|for) ([^.,!?\n]{2,60})`),
		"User works at %s", storage.MemoryTypeFact, "work", 0.8},
	{regexp.MustCompile(`(?i)\bmy birthday is (?:on )?([^.,!?\n]{3,40})`),
		"User's birthday is %s", storage.MemoryTypeTemporal, "identity", 0.8},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) an? ([^.,!?\n]{2,60})`),
		"User is a %s", storage.MemoryTypeFact, "identity", 0.7},
	{regexp.MustCompile(`(?i)\bmy (wife|husband|partner|son|daughter)(?:'s name)? is ([A-Za-z][\w'-]*)`),
		"User's %s is named %s", storage.MemoryTypeSocial, "family", 0.7},
	{regexp.MustCompile(`(?i)\bi (?:really )?(?:love|enjoy|prefer|like) ([^.,!?\n]{3,60})`),
		"User likes %s", storage.MemoryTypePreference, "preference", 0.6},
	{regexp.MustCompile(`(?i)\bi (?:hate|dislike|can't stand) ([^.,!?\n]{3,60})`),
		"User dislikes %s", storage.MemoryTypePreference, "preference", 0.6},
	{regexp.MustCompile(`(?i)\bi(?:'m| am) (?:planning|going) to ([^.,!?\n]{3,80})`),
		"User plans to %s", storage.MemoryTypeGoal, "plan", 0.6},
}

const maxMatchesPerPattern = 3

// FastFacts runs the lightweight regex pass over a user message and
// returns drafts at or above the direct-store threshold. This is the chat
// path's synchronous shortcut; the aspect passes catch the rest later.
func FastFacts(userID, text string) []memory.Draft {
	var drafts []memory.Draft
	for _, p := range fastPatterns {
		if p.importance < FastFactThreshold {
			continue
		}
		matches := p.re.FindAllStringSubmatch(text, maxMatchesPerPattern)
		for _, m := range matches {
			args := make([]any, 0, len(m)-1)
			skip := false
			for _, g := range m[1:] {
				g = strings.TrimSpace(g)
				if g == "" {
					skip = true
					break
				}
				args = append(args, g)
			}
			if skip {
				continue
			}
			meta, _ := json.Marshal(map[string]string{"source": "fast_path"})
			drafts = append(drafts, memory.Draft{
				UserID:     userID,
				Content:    fmt.Sprintf(p.template, args...),
				MemoryType: p.memoryType,
				Importance: p.importance,
				Category:   p.category,
				Metadata:   string(meta),
			})
		}
	}
	return drafts
}
