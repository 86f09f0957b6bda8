package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON parses the first JSON object in text. Models often wrap JSON in
// prose or markdown fences, so a direct parse is tried first and then every
// balanced {...} span in order.
func ExtractJSON(text string) (map[string]any, error) {
	text = StripFences(text)

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, c := range text {
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
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start != -1 {
				if err := json.Unmarshal([]byte(text[start:i+1]), &result); err == nil {
					return result, nil
				}
				start = -1
			}
		}
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag.
func StripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		// Drop the language tag line.
		if tag := strings.TrimSpace(t[:nl]); !strings.ContainsAny(tag, "{[ ") {
			t = t[nl+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// CleanQuery turns a generated query into a single executable statement:
// fences are removed and a trailing explanation after a blank line is cut.
func CleanQuery(text string) string {
	q := StripFences(text)
	if idx := strings.Index(q, "\n\n"); idx > 0 {
		q = q[:idx]
	}
	return strings.TrimSpace(q)
}

// Truncate shortens s to maxLen bytes, marking the cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
