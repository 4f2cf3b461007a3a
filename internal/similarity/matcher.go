// Package similarity ranks near-duplicate project names.
//
// Name comparison uses the classic sequence-matcher ratio: the two lowercased
// names are aligned by recursively matching their longest common contiguous
// blocks, and the ratio is 2*M/T where M is the total number of matched
// characters and T the combined length. The package is pure and performs no
// I/O; the store uses it to warn callers before a near-duplicate project
// directory is created.
package similarity

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultThreshold is the minimum ratio at which two names are considered
// near-duplicates.
const DefaultThreshold = 0.7

// Match is an existing name scored against a candidate.
type Match struct {
	Name  string  `json:"name"`
	Score float64 `json:"similarity"`
}

// FindSimilar returns the existing names whose similarity to candidate meets
// or exceeds threshold, sorted by descending score. Ties keep the enumeration
// order of existing. Exact case-insensitive matches are excluded; they name
// the same project, not a duplicate.
//
// threshold must lie in [0,1]; pass DefaultThreshold when the caller has no
// preference.
func FindSimilar(candidate string, existing []string, threshold float64) ([]Match, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in [0,1], got %v", threshold)
	}

	lowered := strings.ToLower(candidate)

	var matches []Match
	for _, name := range existing {
		other := strings.ToLower(name)
		if other == lowered {
			continue
		}
		if score := Ratio(lowered, other); score >= threshold {
			matches = append(matches, Match{Name: name, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

// Ratio computes the sequence-matcher similarity of a and b in [0,1].
// Two empty strings are identical (ratio 1).
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchedRunes(ra, rb)) / float64(total)
}

type span struct {
	alo, ahi, blo, bhi int
}

// matchedRunes counts runes covered by the longest-common-block alignment.
// Blocks are found greedily: the longest block splits each span into a left
// and right remainder, which are matched independently.
func matchedRunes(a, b []rune) int {
	queue := []span{{0, len(a), 0, len(b)}}
	matched := 0
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		i, j, size := longestBlock(a, b, s)
		if size == 0 {
			continue
		}
		matched += size
		queue = append(queue,
			span{s.alo, i, s.blo, j},
			span{i + size, s.ahi, j + size, s.bhi},
		)
	}
	return matched
}

// longestBlock finds the longest contiguous run common to a[alo:ahi] and
// b[blo:bhi], preferring the earliest occurrence in a, then in b.
func longestBlock(a, b []rune, s span) (besti, bestj, bestsize int) {
	besti, bestj = s.alo, s.blo

	// j2len[j] is the length of the common run ending at a[i-1], b[j].
	j2len := make(map[int]int)
	for i := s.alo; i < s.ahi; i++ {
		next := make(map[int]int)
		for j := s.blo; j < s.bhi; j++ {
			if a[i] != b[j] {
				continue
			}
			k := j2len[j-1] + 1
			next[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = next
	}
	return besti, bestj, bestsize
}
