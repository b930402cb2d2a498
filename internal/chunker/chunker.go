// Package chunker estimates token counts and cuts text to fit token budgets
// on natural boundaries.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// CharsPerToken is the rough characters-per-token ratio used for estimates.
const CharsPerToken = 4

// EstimateTokens approximates the token count of text (1 token ≈ 4 chars).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Sentences splits text on sentence terminators and line breaks. Empty
// fragments are dropped; terminators stay attached.
func Sentences(text string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// Only split when followed by whitespace or end, so "3.5" stays intact.
			if i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				flush()
			}
		}
	}
	flush()
	return out
}

// Truncate cuts text to at most maxTokens, preferring the last sentence
// boundary, then the last word boundary. The second result reports whether
// anything was cut.
func Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return "", text != ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text, false
	}

	limit := maxTokens * CharsPerToken
	runes := []rune(text)
	if limit > len(runes) {
		limit = len(runes)
	}
	cut := string(runes[:limit])

	if i := lastSentenceEnd(cut); i > len(cut)/2 {
		return strings.TrimSpace(cut[:i+1]), true
	}
	if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
		return strings.TrimSpace(cut[:i]), true
	}
	return cut, true
}

func lastSentenceEnd(s string) int {
	best := -1
	for _, term := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(s, term); i > best {
			best = i
		}
	}
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") {
		best = len(s) - 1
	}
	return best
}

// Fit keeps whole entries in order until the next one would exceed
// maxTokens. It returns the kept prefix and the number dropped.
func Fit(entries []string, maxTokens int) ([]string, int) {
	used := 0
	for i, e := range entries {
		t := EstimateTokens(e)
		if used+t > maxTokens {
			return entries[:i], len(entries) - i
		}
		used += t
	}
	return entries, 0
}

// FitTail is Fit from the end: it keeps the newest entries that fit.
func FitTail(entries []string, maxTokens int) ([]string, int) {
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		t := EstimateTokens(entries[i])
		if used+t > maxTokens {
			return entries[i+1:], i + 1
		}
		used += t
	}
	return entries, 0
}
