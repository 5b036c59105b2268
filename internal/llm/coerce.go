package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Coerce maps a loosely-typed model reply onto out (a pointer to the
// expected shape). It tolerates markdown code fences, leading/trailing
// prose, and JSON that arrives string-encoded one level deep. Unknown
// fields are ignored; missing fields keep their zero values.
func Coerce(raw string, out any) error {
	if out == nil {
		return errors.New("nil coercion target")
	}
	body := ExtractJSON(raw)
	if body == "" {
		return fmt.Errorf("no JSON object in model reply (%d bytes)", len(raw))
	}
	if err := json.Unmarshal([]byte(body), out); err == nil {
		return nil
	}
	// Second chance: the object may be string-encoded ("{\"files\": ...}").
	var nested string
	if err := json.Unmarshal([]byte(body), &nested); err == nil {
		inner := ExtractJSON(nested)
		if inner != "" {
			if err := json.Unmarshal([]byte(inner), out); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("model reply does not match expected shape")
}

// ExtractJSON pulls the outermost JSON value out of a model reply, stripping
// code fences and surrounding prose. Returns "" when nothing JSON-like exists.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		// A bare quoted string is still valid JSON (string-encoded objects).
		if strings.HasPrefix(s, `"`) {
			return s
		}
		return ""
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndexByte(s, '}')
	} else {
		end = strings.LastIndexByte(s, ']')
	}
	if end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}
