package completion

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TruncationMarker is appended whenever content is cut.
const TruncationMarker = "\n\n... (truncated)"

// A natural boundary is only used when it keeps at least this share of the
// available space.
const preserveRatio = 0.8

// Truncate shortens s to at most limit characters, marker included. It cuts
// after a sentence end or before a line break when one falls late enough,
// otherwise at the last whitespace, so words are never split. Strings that
// already fit are returned unchanged.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	markerLen := utf8.RuneCountInString(TruncationMarker)
	available := limit - markerLen
	if available <= 0 {
		return string([]rune(TruncationMarker)[:max(limit, 0)])
	}

	runes := []rune(s)
	head := runes[:available]
	minKeep := int(float64(available) * preserveRatio)

	if cut := sentenceBoundary(runes, available); cut > minKeep {
		return strings.TrimRightFunc(string(head[:cut]), unicode.IsSpace) + TruncationMarker
	}
	if cut := wordBoundary(runes, available); cut > 0 {
		return strings.TrimRightFunc(string(head[:cut]), unicode.IsSpace) + TruncationMarker
	}
	// A single token longer than the limit cannot be kept whole.
	return string(head) + TruncationMarker
}

// sentenceBoundary returns the length of the longest prefix of runes[:n]
// that ends just after a period followed by whitespace, or just before a
// newline. Zero when there is none.
func sentenceBoundary(runes []rune, n int) int {
	for i := n - 1; i >= 0; i-- {
		switch {
		case runes[i] == '\n':
			return i
		case runes[i] == '.' && i+1 < len(runes) && unicode.IsSpace(runes[i+1]):
			return i + 1
		}
	}
	return 0
}

// wordBoundary returns the length of the longest prefix of runes[:n] after
// which the original continues with whitespace.
func wordBoundary(runes []rune, n int) int {
	for i := n; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return 0
}

const summaryLimit = 300

// Summary picks a short lead for card-style replies: the body of a
// "Summary" heading when the result has one, otherwise its first paragraph.
func Summary(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		heading := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if !strings.HasPrefix(strings.TrimSpace(line), "#") || !strings.EqualFold(heading, "summary") {
			continue
		}
		var body []string
		for _, next := range lines[i+1:] {
			if strings.HasPrefix(strings.TrimSpace(next), "#") {
				break
			}
			body = append(body, next)
		}
		if text := strings.TrimSpace(strings.Join(body, "\n")); text != "" {
			return Truncate(text, summaryLimit)
		}
	}

	para, _, _ := strings.Cut(s, "\n\n")
	return Truncate(strings.TrimSpace(para), summaryLimit)
}
