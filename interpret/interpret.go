// Package interpret turns raw provider text into a usable description and
// keyword list. Provider output drifts: markdown fences, truncated JSON,
// keywords as a comma string, or no JSON at all. Parse absorbs all of it and
// always returns a best-effort result, never an error.
package interpret

import (
	"encoding/json"
	"strings"
	"unicode"
)

// FallbackDescription is used when no description text can be recovered.
const FallbackDescription = "No description available."

const maxKeywords = 10

// Result is the structured form of a provider reply. Description is never
// empty and Keywords is never empty, duplicate-free and capped at ten.
type Result struct {
	Description string
	Keywords    []string
}

// Parse interprets raw provider text. It tries a strict JSON parse, then one
// repair pass for truncated output, then falls back to treating the whole
// text as the description.
func Parse(raw string) Result {
	text := stripFences(raw)

	if res, ok := parseStrict(text); ok {
		return finalize(res)
	}
	if repaired := repair(text); repaired != text {
		if res, ok := parseStrict(repaired); ok {
			return finalize(res)
		}
	}

	return finalize(Result{Description: text})
}

// stripFences removes a markdown code fence wrapping, tagged or bare.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		if tag := strings.TrimSpace(s[:i]); tag == "" || isWord(tag) {
			s = s[i+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// parseStrict decodes a {"description": ..., "keywords": ...} object.
// Keywords may be an array or a comma-separated string. Reports false when
// the text does not decode as a JSON object, leaving it to the free-text
// fallback.
func parseStrict(s string) (Result, bool) {
	var payload struct {
		Description string          `json:"description"`
		Keywords    json.RawMessage `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return Result{}, false
	}

	res := Result{Description: payload.Description}
	if len(payload.Keywords) > 0 {
		var list []string
		if err := json.Unmarshal(payload.Keywords, &list); err == nil {
			res.Keywords = list
		} else {
			var joined string
			if err := json.Unmarshal(payload.Keywords, &joined); err == nil {
				res.Keywords = strings.Split(joined, ",")
			}
		}
	}
	return res, true
}

// repair appends the minimum closing tokens implied by unbalanced openers:
// a quote for an unterminated string, then closers for any brackets and
// braces still open. Truncation mid-structure becomes parseable; anything
// already balanced is returned unchanged.
func repair(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !inString && len(stack) == 0 {
		return s
	}

	b := strings.Builder{}
	if inString {
		b.WriteString(s)
		b.WriteByte('"')
	} else {
		// A truncation between elements often leaves a dangling comma that
		// would defeat the re-parse.
		b.WriteString(strings.TrimSuffix(strings.TrimRight(s, " \t\r\n"), ","))
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// finalize enforces the result invariants: trimmed non-empty description,
// deduplicated non-empty keywords capped at maxKeywords.
func finalize(r Result) Result {
	r.Description = strings.TrimSpace(r.Description)
	r.Keywords = normalizeKeywords(r.Keywords)

	if r.Description == "" {
		r.Description = FallbackDescription
	}
	if len(r.Keywords) == 0 {
		if r.Description != FallbackDescription {
			r.Keywords = tokenize(r.Description)
		}
		if len(r.Keywords) == 0 {
			r.Keywords = []string{"photo"}
		}
	}
	return r
}

// normalizeKeywords trims entries, drops empties, deduplicates
// case-insensitively preserving first occurrence, and caps the list.
func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
		if len(out) == maxKeywords {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var stopWords = map[string]bool{
	"about": true, "above": true, "after": true, "again": true, "around": true,
	"because": true, "been": true, "before": true, "being": true, "below": true,
	"between": true, "could": true, "does": true, "doing": true,
	"down": true, "during": true, "each": true, "from": true, "further": true,
	"have": true, "having": true, "into": true, "more": true, "most": true,
	"other": true, "over": true, "same": true, "shows": true, "showing": true,
	"some": true, "such": true, "than": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "those": true, "through": true, "under": true, "very": true,
	"what": true, "when": true, "where": true, "which": true, "while": true,
	"with": true, "would": true, "your": true,
}

// tokenize derives keywords from free text: words longer than three
// characters that are not stop words, deduplicated in order.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	out := make([]string, 0, maxKeywords)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if len([]rune(w)) <= 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
