package extract

import (
	"strings"
	"testing"

	"localmind/internal/llm"
	"localmind/internal/storage"
)

func TestTranscriptRendersRoles(t *testing.T) {
	ectx := ExtractionContext{
		UserID: "u1",
		ChatID: "c1",
		Messages: []llm.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "I started climbing last month"},
			{Role: "assistant", Content: "That sounds exciting!"},
			{Role: "user", Content: ""},
		},
	}
	got := ectx.Transcript()
	want := "User: I started climbing last month\nAssistant: That sounds exciting!"
	if got != want {
		t.Fatalf("transcript = %q", got)
	}
}

func TestTranscriptKeepsRecentTail(t *testing.T) {
	long := strings.Repeat("a", transcriptRuneLimit)
	ectx := ExtractionContext{Messages: []llm.Message{
		{Role: "user", Content: long},
		{Role: "assistant", Content: "the recent part"},
	}}
	got := ectx.Transcript()
	if len([]rune(got)) != transcriptRuneLimit {
		t.Fatalf("transcript length = %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "the recent part") {
		t.Fatal("tail of the conversation was dropped")
	}
}

func TestAspectListCoversAllTypes(t *testing.T) {
	if len(Aspects) != 12 {
		t.Fatalf("aspects = %d, want 12", len(Aspects))
	}
	seen := map[string]bool{}
	for _, a := range Aspects {
		if seen[a.MemoryType] {
			t.Errorf("memory type %s appears twice", a.MemoryType)
		}
		seen[a.MemoryType] = true
	}
}

func TestBuildPrompt(t *testing.T) {
	msgs := BuildPrompt(Aspects[0], "User: I moved to Oslo")
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("prompt shape = %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, Aspects[0].Focus) {
		t.Error("prompt missing the aspect focus")
	}
	if !strings.Contains(msgs[1].Content, "User: I moved to Oslo") {
		t.Error("prompt missing the transcript")
	}
}

func TestAspectDraftDefaults(t *testing.T) {
	a := Aspect{Name: "preference", MemoryType: storage.MemoryTypePreference}

	d, ok := a.Draft("u1", "chat-9", Item{Content: "  prefers window seats  "})
	if !ok {
		t.Fatal("draft rejected")
	}
	if d.Content != "prefers window seats" {
		t.Errorf("content = %q", d.Content)
	}
	if d.Importance != defaultImportance {
		t.Errorf("importance = %v", d.Importance)
	}
	if d.Category != "preference" {
		t.Errorf("category = %q", d.Category)
	}
	if d.MemoryType != storage.MemoryTypePreference {
		t.Errorf("type = %q", d.MemoryType)
	}
	if !strings.Contains(d.Metadata, `"chat_id":"chat-9"`) {
		t.Errorf("metadata = %s", d.Metadata)
	}

	d, _ = a.Draft("u1", "chat-9", Item{Content: "x", Importance: 3})
	if d.Importance != 1 {
		t.Errorf("clamped importance = %v", d.Importance)
	}

	if _, ok := a.Draft("u1", "chat-9", Item{Content: "   "}); ok {
		t.Error("blank content accepted")
	}
}
