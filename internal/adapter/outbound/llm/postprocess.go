package llm

import "strings"

// ExtractJSON recovers a JSON object from raw LLM text output. Models
// routinely wrap their answer in a fenced code block or add prose around
// it; this tries, in order: a fenced ```json ... ``` or ``` ... ``` block,
// then a brace-balanced substring starting at the first '{', then the raw
// text with surrounding whitespace trimmed. It performs no JSON validation; callers still need to
// unmarshal and validate the result.
func ExtractJSON(text string) string {
	if fenced, ok := extractFenced(text); ok {
		return fenced
	}
	if braced, ok := extractBraceBalanced(text); ok {
		return braced
	}
	return strings.TrimSpace(text)
}

func extractFenced(text string) (string, bool) {
	const marker = "```"
	start := strings.Index(text, marker)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(marker):]
	// Skip an optional language tag (e.g. "json") up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		lang := strings.TrimSpace(rest[:nl])
		if lang != "" && !strings.ContainsAny(lang, "{}\"") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, marker)
	if end == -1 {
		return "", false
	}
	body := strings.TrimSpace(rest[:end])
	if body == "" {
		return "", false
	}
	return body, true
}

func extractBraceBalanced(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
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
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
