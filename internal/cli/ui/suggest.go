package ui

import (
	"sort"
	"strings"
)

// Suggest returns up to max candidates within edit distance 3 of target,
// closest first. Matching ignores case.
func Suggest(target string, candidates []string, max int) []string {
	type match struct {
		value    string
		distance int
	}

	var matches []match
	lower := strings.ToLower(target)
	for _, c := range candidates {
		if d := distance(lower, strings.ToLower(c)); d <= 3 {
			matches = append(matches, match{c, d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].distance < matches[j].distance
	})

	out := make([]string, 0, max)
	for i := 0; i < len(matches) && i < max; i++ {
		out = append(out, matches[i].value)
	}
	return out
}

// distance is the Levenshtein distance over runes, using two rows
func distance(a, b string) int {
	s, t := []rune(a), []rune(b)
	prev := make([]int, len(t)+1)
	curr := make([]int, len(t)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s); i++ {
		curr[0] = i
		for j := 1; j <= len(t); j++ {
			cost := 1
			if s[i-1] == t[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(t)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
