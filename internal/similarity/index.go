package similarity

import (
	"sort"
	"unicode/utf8"
)

// Index narrows a large pool to the entries sharing at least one trigram shingle with the query.
// Entries too short to shingle are always candidates. An Index is immutable once built.
type Index struct {
	postings map[string][]int
	short    []int
	size     int
}

// NewIndex indexes the texts of pool. Positions refer to pool.
func NewIndex(pool []Target) *Index {
	ix := &Index{postings: make(map[string][]int), size: len(pool)}
	for i, t := range pool {
		if utf8.RuneCountInString(t.Text) < 3 {
			ix.short = append(ix.short, i)
			continue
		}
		for sh := range Shingles(t.Text) {
			ix.postings[sh] = append(ix.postings[sh], i)
		}
	}
	return ix
}

// Len returns the number of indexed pool entries.
func (ix *Index) Len() int {
	return ix.size
}

// Candidates returns pool positions in ascending order. When more than limit entries overlap
// text, the ones sharing the most shingles are kept, ties going to the earlier position.
// A non-positive limit keeps every overlapping entry.
func (ix *Index) Candidates(text string, limit int) []int {
	shared := make(map[int]int)
	for sh := range Shingles(text) {
		for _, i := range ix.postings[sh] {
			shared[i]++
		}
	}
	for _, i := range ix.short {
		if _, ok := shared[i]; !ok {
			shared[i] = 0
		}
	}

	out := make([]int, 0, len(shared))
	for i := range shared {
		out = append(out, i)
	}
	if limit > 0 && len(out) > limit {
		sort.Slice(out, func(a, b int) bool {
			if shared[out[a]] != shared[out[b]] {
				return shared[out[a]] > shared[out[b]]
			}
			return out[a] < out[b]
		})
		out = out[:limit]
	}
	sort.Ints(out)
	return out
}
