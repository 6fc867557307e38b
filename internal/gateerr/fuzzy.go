package gateerr

import "fmt"

// levenshtein computes the edit distance between two strings using two rows.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// ClosestMatch returns the option nearest to input within an edit distance of 3.
// Ties go to the earlier option.
func ClosestMatch(input string, options []string) (string, bool) {
	const maxDistance = 3

	best := ""
	bestDist := maxDistance + 1
	for _, opt := range options {
		if d := levenshtein(input, opt); d < bestDist {
			bestDist = d
			best = opt
		}
	}
	return best, bestDist <= maxDistance
}

// SuggestSimilar returns "did you mean 'X'?" or "" when nothing is close.
func SuggestSimilar(input string, options []string) string {
	if m, ok := ClosestMatch(input, options); ok && m != input {
		return fmt.Sprintf("did you mean '%s'?", m)
	}
	return ""
}
