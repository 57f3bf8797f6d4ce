package memory

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"
)

// ContentHash is the canonical dedup key: md5 over the content text only,
// so the same statement stored with different metadata still collides.
func ContentHash(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "they": {}, "from": {}, "she": {}, "his": {},
	"will": {}, "would": {}, "there": {}, "their": {}, "what": {},
	"about": {}, "which": {}, "when": {}, "were": {}, "been": {},
	"more": {}, "some": {}, "them": {}, "then": {}, "than": {},
	"into": {}, "just": {}, "like": {}, "also": {}, "your": {},
	"very": {}, "does": {}, "could": {}, "should": {},
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ExtractKeywords pulls up to max salient words from text: lowercased,
// stop words and short tokens dropped, first occurrence order kept.
func ExtractKeywords(text string, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range splitWords(text) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == max {
			break
		}
	}
	return out
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range splitWords(text) {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b| over two word sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

const (
	compressThreshold = 100
	compressionMarker = "[compressed] "
)

// CompressContent shortens long content to a head + tail excerpt. The
// marker prefix makes the pass idempotent.
func CompressContent(content string) (string, bool) {
	if strings.HasPrefix(content, compressionMarker) {
		return content, false
	}
	runes := []rune(content)
	if len(runes) <= compressThreshold {
		return content, false
	}
	head := strings.TrimSpace(string(runes[:60]))
	tail := strings.TrimSpace(string(runes[len(runes)-30:]))
	return compressionMarker + head + " ... " + tail, true
}

// KeywordsToJSON serializes a keyword list for the keywords column.
func KeywordsToJSON(keywords []string) string {
	if len(keywords) == 0 {
		return "[]"
	}
	data, err := json.Marshal(keywords)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// KeywordsFromJSON is tolerant of empty and malformed column values.
func KeywordsFromJSON(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
