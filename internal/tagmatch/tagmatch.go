// Package tagmatch detects near-duplicate tag names so the tag-creation
// flow can offer an existing tag instead of creating a new one.
package tagmatch

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultThreshold is the similarity cutoff used when Options.Threshold is unset.
const DefaultThreshold = 0.8

// Options controls normalization and matching policy. Both knobs exist
// because the cutoff and the whitespace rule are policy, not algorithm.
// Threshold is taken verbatim: 0 keeps every candidate, 1 keeps only exact
// normalized matches. Use DefaultOptions for the stock policy.
type Options struct {
	// Threshold is the inclusive minimum similarity for a match, in [0,1].
	Threshold float64
	// KeepInnerWhitespace disables collapsing interior whitespace runs.
	KeepInnerWhitespace bool
}

// DefaultOptions returns the stock matching policy.
func DefaultOptions() Options {
	return Options{Threshold: DefaultThreshold}
}

// Normalize returns the canonical comparison key for a tag name: lower-cased,
// trimmed, with every interior run of whitespace collapsed to a single space.
func Normalize(name string) string {
	return normalize(name, false)
}

func normalize(name string, keepInner bool) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	lowered := strings.ToLower(trimmed)
	if keepInner {
		return lowered
	}

	var b strings.Builder
	b.Grow(len(lowered))
	inSpace := false
	for _, r := range lowered {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte(' ')
			inSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Similarity scores how close two strings are, as 1 - dist/max(len), where
// dist is the Levenshtein edit distance over runes. 1 means identical, 0 means
// every position of the longer string must change. Two empty strings score 1.
func Similarity(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(editDistance(ra, rb))/float64(longest)
}

// editDistance is the classic DP edit distance, kept to two rolling rows
// since tag names are short and only the final cell is needed.
func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(b); j++ {
		curr[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[i] = min3(curr[i-1]+1, prev[i]+1, prev[i-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(a)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// Match pairs an existing tag name with its similarity to the probe.
type Match struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// FindSimilar returns the existing tag names whose normalized form scores at
// or above the threshold against the normalized probe, ordered by descending
// similarity. Ties keep their input order, and the returned strings are the
// originals, not the normalized forms.
func FindSimilar(name string, existing []string, opts Options) []string {
	matches := findMatches(name, existing, opts)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Name
	}
	return out
}

// FindMatches is FindSimilar with scores attached, for callers that surface
// the confidence to the user.
func FindMatches(name string, existing []string, opts Options) []Match {
	return findMatches(name, existing, opts)
}

func findMatches(name string, existing []string, opts Options) []Match {
	probe := normalize(name, opts.KeepInnerWhitespace)

	matches := make([]Match, 0, len(existing))
	for _, candidate := range existing {
		score := Similarity(probe, normalize(candidate, opts.KeepInnerWhitespace))
		if score >= opts.Threshold {
			matches = append(matches, Match{Name: candidate, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}
