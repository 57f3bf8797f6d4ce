package memory

import (
	"strings"
	"testing"
)

func TestContentHashNormalizes(t *testing.T) {
	a := ContentHash("User prefers dark mode")
	b := ContentHash("  user prefers dark mode  ")
	if a != b {
		t.Errorf("case and whitespace should not change the hash")
	}
	if a == ContentHash("user prefers light mode") {
		t.Errorf("different content should hash differently")
	}
	if len(a) != 32 {
		t.Errorf("hash length = %d, want 32 hex chars", len(a))
	}
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("The user prefers the Vim editor and the Vim keybindings", 10)
	want := []string{"user", "prefers", "vim", "editor", "keybindings"}
	if len(got) != len(want) {
		t.Fatalf("keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keywords = %v, want %v", got, want)
		}
	}

	capped := ExtractKeywords("alpha bravo charlie delta echo foxtrot golf", 3)
	if len(capped) != 3 {
		t.Errorf("cap not applied: %v", capped)
	}
	if len(ExtractKeywords("a an it", 10)) != 0 {
		t.Errorf("short tokens should be dropped")
	}
}

func TestJaccard(t *testing.T) {
	a := wordSet("the quick brown fox")
	b := wordSet("the quick brown fox")
	if got := Jaccard(a, b); got != 1 {
		t.Errorf("identical sets = %v, want 1", got)
	}
	c := wordSet("entirely different words here")
	if got := Jaccard(a, c); got != 0 {
		t.Errorf("disjoint sets = %v, want 0", got)
	}
	d := wordSet("the quick brown bear")
	got := Jaccard(a, d)
	if got <= 0.5 || got >= 1 {
		t.Errorf("3-of-5 overlap = %v, want in (0.5, 1)", got)
	}
	if Jaccard(nil, a) != 0 {
		t.Errorf("empty set should score 0")
	}
}

func TestCompressContent(t *testing.T) {
	long := strings.Repeat("memory content goes here ", 10)
	short, changed := CompressContent(long)
	if !changed {
		t.Fatal("long content should compress")
	}
	if !strings.HasPrefix(short, compressionMarker) {
		t.Errorf("missing marker prefix: %q", short)
	}
	if len(short) >= len(long) {
		t.Errorf("compression did not shrink content")
	}

	again, changed := CompressContent(short)
	if changed || again != short {
		t.Errorf("compression must be idempotent")
	}

	small := "tiny"
	if _, changed := CompressContent(small); changed {
		t.Errorf("short content should pass through")
	}
}

func TestKeywordsJSONRoundtrip(t *testing.T) {
	raw := KeywordsToJSON([]string{"go", "sqlite"})
	back := KeywordsFromJSON(raw)
	if len(back) != 2 || back[0] != "go" || back[1] != "sqlite" {
		t.Errorf("roundtrip = %v", back)
	}
	if KeywordsToJSON(nil) != "[]" {
		t.Errorf("nil keywords should serialize as []")
	}
	if KeywordsFromJSON("not json") != nil {
		t.Errorf("malformed column should yield nil")
	}
}
