package corpus

import "math"

// selectMMR greedily picks up to k candidates by maximal marginal
// relevance. Each round scores every remaining candidate as
//
//	lambda*sim(query, c) - (1-lambda)*max(sim(c, selected))
//
// and takes the highest. Candidates are expected in descending
// relevance order; ties keep that ordering, so the result is
// deterministic for a fixed pool.
func selectMMR(queryVec []float32, candidates []candidate, k int, lambda float32) []candidate {
	if len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	querySims := make([]float32, len(candidates))
	for i, c := range candidates {
		querySims[i] = cosineSimilarity(queryVec, c.embedding)
	}

	selected := make([]candidate, 0, k)
	picked := make([]bool, len(candidates))

	// maxSelSims[i] tracks the highest similarity between candidate i
	// and any already-selected candidate.
	maxSelSims := make([]float32, len(candidates))

	for len(selected) < k {
		best := -1
		var bestScore float32
		for i := range candidates {
			if picked[i] {
				continue
			}
			score := lambda * querySims[i]
			if len(selected) > 0 {
				score -= (1 - lambda) * maxSelSims[i]
			}
			if best == -1 || score > bestScore {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			break
		}
		picked[best] = true
		selected = append(selected, candidates[best])

		for i := range candidates {
			if picked[i] {
				continue
			}
			if sim := cosineSimilarity(candidates[i].embedding, candidates[best].embedding); sim > maxSelSims[i] {
				maxSelSims[i] = sim
			}
		}
	}
	return selected
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either has zero magnitude or the lengths differ.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
