package memory

import "strings"

// keywordOverlap counts the distinct query tokens contained in text.
// text must already be lowercase.
func keywordOverlap(queryTokens []string, text string) int {
	n := 0
	for _, w := range queryTokens {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

// categoryHit reports whether any query token appears in the category name.
func categoryHit(queryTokens []string, c Category) bool {
	name := c.String()
	for _, w := range queryTokens {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 { // skip single chars
			result = append(result, w)
		}
	}
	return result
}

// uniqueTokens tokenizes text and drops repeats, keeping first-seen order.
func uniqueTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range tokenize(text) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
