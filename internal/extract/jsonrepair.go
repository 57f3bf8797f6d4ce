// Package extract turns chat transcripts into memory drafts by prompting
// the engine per aspect and parsing whatever it sends back.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Item is one extracted entry from an aspect response. The flex types
// absorb the usual model sloppiness: quoted numbers, comma-joined
// keyword strings, bare words.
type Item struct {
	Content    string      `json:"content"`
	Category   string      `json:"category"`
	Importance flexFloat   `json:"importance"`
	Keywords   flexStrings `json:"keywords"`
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type flexStrings []string

func (k *flexStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*k = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		for _, part := range strings.Split(one, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*k = append(*k, part)
			}
		}
		return nil
	}
	var mixed []any
	if err := json.Unmarshal(data, &mixed); err == nil {
		for _, v := range mixed {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				*k = append(*k, strings.TrimSpace(s))
			}
		}
		return nil
	}
	*k = nil
	return nil
}

// DecodeItems parses an aspect response into items. The raw text is first
// narrowed to its JSON payload, then parsed as-is, then parsed again after
// repair. A single object counts as a one-element array.
func DecodeItems(raw string) ([]Item, error) {
	payload := extractPayload(raw)
	if payload == "" {
		return nil, fmt.Errorf("no json payload in response")
	}
	for _, candidate := range []string{payload, repairJSON(payload)} {
		if items, ok := decodeItems(candidate); ok {
			return items, nil
		}
	}
	return nil, fmt.Errorf("unparseable response (%d bytes)", len(raw))
}

func decodeItems(s string) ([]Item, bool) {
	var items []Item
	if err := json.Unmarshal([]byte(s), &items); err == nil {
		return items, true
	}
	var one Item
	if err := json.Unmarshal([]byte(s), &one); err == nil {
		return []Item{one}, true
	}
	return nil, false
}

// extractPayload strips markdown fences and surrounding prose, keeping the
// outermost bracketed region.
func extractPayload(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			// drop a language tag like ```json
			if first := strings.TrimSpace(s[:nl]); len(first) <= 10 && !strings.ContainsAny(first, "[{") {
				s = s[nl+1:]
			}
		}
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	arr, obj := strings.IndexByte(s, '['), strings.IndexByte(s, '{')
	start := arr
	if start < 0 || (obj >= 0 && obj < start) {
		start = obj
	}
	if start < 0 {
		return ""
	}
	endArr, endObj := strings.LastIndexByte(s, ']'), strings.LastIndexByte(s, '}')
	end := endArr
	if endObj > end {
		end = endObj
	}
	if end <= start {
		// opener without closer; balance repair adds the closers
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : end+1])
}

var (
	singleQuoted  = regexp.MustCompile(`'([^'\\]*)'`)
	unquotedKeys  = regexp.MustCompile(`([\{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	trailingComma = regexp.MustCompile(`,\s*([\]\}])`)
)

// repairJSON applies the usual fixes for model output: single-quoted
// strings, unquoted keys, trailing commas, unbalanced brackets.
func repairJSON(s string) string {
	s = singleQuoted.ReplaceAllString(s, `"$1"`)
	s = unquotedKeys.ReplaceAllString(s, `$1"$2":`)
	s = trailingComma.ReplaceAllString(s, `$1`)
	return balanceBrackets(s)
}

// balanceBrackets drops unmatched closers and appends missing ones,
// ignoring bracket characters inside string literals.
func balanceBrackets(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 4)
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			out.WriteByte(c)
		case '[', '{':
			stack = append(stack, c)
			out.WriteByte(c)
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
				out.WriteByte(c)
			}
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
				out.WriteByte(c)
			}
		default:
			out.WriteByte(c)
		}
	}
	if inString {
		out.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '[' {
			out.WriteByte(']')
		} else {
			out.WriteByte('}')
		}
	}
	return out.String()
}
