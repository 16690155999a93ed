package llm

import "strings"

// ExtractJSON pulls the first JSON object out of a model reply. Fenced code
// blocks are tried first, then the raw text; the scan balances braces and
// ignores braces inside string literals, so prose around the object is
// tolerated. Returns false when no complete object is present.
func ExtractJSON(s string) (string, bool) {
	for _, block := range fencedBlocks(s) {
		if obj, ok := firstBalancedObject(block); ok {
			return obj, true
		}
	}
	return firstBalancedObject(s)
}

// fencedBlocks returns the bodies of all ``` fenced blocks, with any info
// string (```json) dropped.
func fencedBlocks(s string) []string {
	var blocks []string
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			return blocks
		}
		s = s[start+3:]
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && nl < 20 {
			s = s[nl+1:]
		}
		end := strings.Index(s, "```")
		if end < 0 {
			blocks = append(blocks, s)
			return blocks
		}
		blocks = append(blocks, s[:end])
		s = s[end+3:]
	}
}

func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
