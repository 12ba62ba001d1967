package search

import "sort"

// Rank orders fused results in place and truncates them to maxResults.
//
// Priority:
//  1. Higher hybrid score
//  2. More contributing sources
//  3. Lexicographically smaller item ID
//
// A non-positive maxResults keeps every result.
func Rank(results []FusedResult, maxResults int) []FusedResult {
	sort.SliceStable(results, func(i, j int) bool {
		return compare(&results[i], &results[j])
	})
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	if results == nil {
		return []FusedResult{}
	}
	return results
}

// compare reports whether a ranks before b.
func compare(a, b *FusedResult) bool {
	if a.HybridScore != b.HybridScore {
		return a.HybridScore > b.HybridScore
	}
	if len(a.ContributingSources) != len(b.ContributingSources) {
		return len(a.ContributingSources) > len(b.ContributingSources)
	}
	return a.ItemID < b.ItemID
}
