package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var trailingCommaRE = regexp.MustCompile(`,(\s*[}\]])`)

// decodeJSON extracts the JSON object from a model reply and unmarshals it
// into v. Models wrap replies in markdown fences or prose often enough that
// decoding straight off the wire is not an option.
func decodeJSON(reply string, v any) error {
	obj, ok := extractObject(reply)
	if !ok {
		return errors.New("no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(obj), v); err == nil {
		return nil
	}
	// Second chance: strip trailing commas, the most common model slip.
	fixed := trailingCommaRE.ReplaceAllString(obj, "$1")
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return err
	}
	return nil
}

// extractObject returns the first brace-balanced object in s.
func extractObject(s string) (string, bool) {
	s = stripFences(s)
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
