// Package textproc holds the pure text transformations of the ingestion and
// retrieval pipelines: cleaning and chunking.
package textproc

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CleanDocument normalizes extracted document text. Paragraph breaks survive
// (the chunker uses them as cut points); everything else collapses.
func CleanDocument(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = collapseSpaces(line)
		if line == "" {
			blank++
			continue
		}
		// any run of blank lines becomes a single paragraph break
		if len(out) > 0 && blank > 0 {
			out = append(out, "")
		}
		blank = 0
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// collapseSpaces drops control characters and squeezes horizontal whitespace.
func collapseSpaces(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	space := false
	for _, r := range line {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			continue
		case unicode.Is(unicode.Cf, r):
			// zero-width joiners, soft hyphens and friends
			continue
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CleanQuery cleans a user query for embedding: document cleaning, then
// lowercasing, punctuation removal and stopword removal. Token order is kept.
// The result may be empty.
func CleanQuery(text string) string {
	text = strings.ToLower(CleanDocument(text))
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})

	kept := fields[:0]
	for _, f := range fields {
		if IsStopword(f) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
