package enrich

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON object or array could be located.
var ErrNoJSON = errors.New("enrich: no JSON found in model output")

// ExtractJSON locates a JSON object or array within raw model output and
// returns just that substring. Handles markdown-fenced blocks, leading
// preamble text, and trailing commentary by finding the first '{' or '['
// and performing string-aware bracket matching to find its close (spec
// 4.6's "robust JSON extractor").
func ExtractJSON(raw string) (string, error) {
	s := stripFences(raw)

	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start == -1 {
		return "", ErrNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// stripFences removes ```json / ``` markdown code-fence markers, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.SplitN(s, "\n", 2)
	if len(lines) < 2 {
		return s
	}
	body := lines[1]
	if idx := strings.LastIndex(body, "```"); idx != -1 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
