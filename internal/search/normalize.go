package search

import "math"

// Normalize maps one source's raw scores onto [0,1] so they can be weighted
// against other sources. The strategy depends on the source:
//
//   - vector: scores at or below threshold map to 0, 1 maps to 1, linear between.
//   - fts: divided by the batch maximum; a non-positive maximum yields 0.
//   - exact, trigram: already in [0,1], clamped.
//
// The input slice is not modified.
func Normalize(src Source, hits []Hit, threshold float64) []Candidate {
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = Candidate{
			ItemID:   h.ItemID,
			Title:    h.Title,
			Source:   src,
			RawScore: h.RawScore,
			Payload:  h.Payload,
		}
	}

	switch src {
	case SourceVector:
		for i := range out {
			out[i].Normalized = remapAboveThreshold(out[i].RawScore, threshold)
		}
	case SourceFTS:
		maxScore := math.Inf(-1)
		for _, c := range out {
			if c.RawScore > maxScore {
				maxScore = c.RawScore
			}
		}
		if maxScore > 0 && !math.IsInf(maxScore, 0) {
			for i := range out {
				out[i].Normalized = clamp01(out[i].RawScore / maxScore)
			}
		}
	default:
		for i := range out {
			out[i].Normalized = clamp01(out[i].RawScore)
		}
	}
	return out
}

func remapAboveThreshold(score, threshold float64) float64 {
	if math.IsNaN(score) || score <= threshold {
		return 0
	}
	if threshold >= 1 {
		return 0
	}
	return clamp01((score - threshold) / (1 - threshold))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
