package textproc

import (
	"math"
	"strings"
	"unicode"
)

const (
	boilerplateEdgeLines = 2   // lines inspected at the top and bottom of each page
	boilerplateMinPages  = 3   // fewer pages than this are never scanned
	boilerplateRatio     = 0.6 // share of pages a line must appear on
)

// RemoveBoilerplate drops header and footer lines repeated across pages.
// Lines are compared with digits masked so "Page 3 of 9" matches "Page 4 of 9".
// Pages are returned in order; the input is not modified.
func RemoveBoilerplate(pages []string) []string {
	out := make([]string, len(pages))
	copy(out, pages)
	if len(pages) < boilerplateMinPages {
		return out
	}

	split := make([][]string, len(pages))
	counts := make(map[string]int)
	for i, p := range pages {
		split[i] = strings.Split(p, "\n")
		seen := make(map[string]struct{})
		for _, idx := range edgeIndexes(len(split[i])) {
			key := boilerplateKey(split[i][idx])
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			counts[key]++
		}
	}

	threshold := int(math.Ceil(float64(len(pages)) * boilerplateRatio))
	repeated := make(map[string]bool)
	for key, n := range counts {
		if n >= threshold {
			repeated[key] = true
		}
	}
	if len(repeated) == 0 {
		return out
	}

	for i, lines := range split {
		drop := make(map[int]bool)
		for _, idx := range edgeIndexes(len(lines)) {
			if repeated[boilerplateKey(lines[idx])] {
				drop[idx] = true
			}
		}
		if len(drop) == 0 {
			continue
		}
		kept := make([]string, 0, len(lines))
		for j, l := range lines {
			if !drop[j] {
				kept = append(kept, l)
			}
		}
		out[i] = strings.Join(kept, "\n")
	}
	return out
}

// edgeIndexes returns the indexes of the first and last boilerplateEdgeLines
// lines of a page, without duplicates.
func edgeIndexes(n int) []int {
	idx := make([]int, 0, 2*boilerplateEdgeLines)
	seen := make(map[int]bool)
	for i := 0; i < boilerplateEdgeLines && i < n; i++ {
		idx = append(idx, i)
		seen[i] = true
	}
	for i := n - 1; i >= 0 && i >= n-boilerplateEdgeLines; i-- {
		if !seen[i] {
			idx = append(idx, i)
		}
	}
	return idx
}

func boilerplateKey(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return '#'
		}
		return unicode.ToLower(r)
	}, line)
}
