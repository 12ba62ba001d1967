package search

import (
	"maps"

	"github.com/ketolab/ketorank/internal/store"
	"github.com/ketolab/ketorank/internal/weights"
)

// Fuse merges normalized candidates by item ID and computes
//
//	hybrid(item) = Σ weight[source] * normalized[source](item)
//
// An item returned only by the vector source whose normalized (or raw)
// similarity is below the profile's threshold is dropped, as is any item no
// weighted source supports.
// Title and payload come from the highest-precedence source that has them
// (vector, exact, fts, trigram); missing payload fields are filled from
// lower-precedence sources. The output order is unspecified; see Rank.
func Fuse(bySource map[Source][]Candidate, cfg weights.Config) []FusedResult {
	type merged struct {
		best map[Source]Candidate
	}

	items := make(map[string]*merged)
	var order []string
	for _, src := range weights.Sources {
		for _, c := range bySource[src] {
			m, ok := items[c.ItemID]
			if !ok {
				m = &merged{best: make(map[Source]Candidate, 1)}
				items[c.ItemID] = m
				order = append(order, c.ItemID)
			}
			// A backend may return the same item twice; keep its best score.
			if prev, dup := m.best[src]; dup && prev.Normalized >= c.Normalized {
				continue
			}
			m.best[src] = c
		}
	}

	threshold := cfg.SimilarityThreshold()
	results := make([]FusedResult, 0, len(items))
	for _, id := range order {
		m := items[id]
		if vec, ok := m.best[SourceVector]; ok && len(m.best) == 1 &&
			(vec.RawScore < threshold || vec.Normalized < threshold) {
			continue
		}

		fr := FusedResult{
			ItemID:    id,
			Scores:    make(map[Source]float64, len(m.best)),
			RawScores: make(map[Source]float64, len(m.best)),
		}
		for _, src := range weights.Sources {
			c, ok := m.best[src]
			if !ok {
				continue
			}
			fr.Scores[src] = c.Normalized
			fr.RawScores[src] = c.RawScore

			if contribution := cfg.Weight(src) * c.Normalized; contribution > 0 {
				fr.HybridScore += contribution
				fr.ContributingSources = append(fr.ContributingSources, src)
			}
			if fr.Title == "" {
				fr.Title = c.Title
			}
			fr.Payload = mergePayload(fr.Payload, c.Payload)
		}
		if len(fr.ContributingSources) == 0 {
			continue
		}
		results = append(results, fr)
	}
	return results
}

// mergePayload returns record with any keys it lacks copied from lower.
// record is never aliased with a candidate's payload.
func mergePayload(record, lower store.Payload) store.Payload {
	if len(lower) == 0 {
		return record
	}
	if record == nil {
		return maps.Clone(lower)
	}
	for k, v := range lower {
		if _, ok := record[k]; !ok {
			record[k] = v
		}
	}
	return record
}
