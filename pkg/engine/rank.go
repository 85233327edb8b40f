package engine

import (
	"sort"

	"github.com/oriel-ai/trellis/pkg/common"
)

const rrfK = 60.0

// rrfComponent is one list's contribution to a fused score. Rank 0 means the
// candidate was absent from that list and contributes nothing.
func rrfComponent(rank int) float64 {
	if rank <= 0 {
		return 0
	}
	return 1.0 / (rrfK + float64(rank))
}

// rankPositions assigns 1-based ranks to a scored list, higher score first,
// with chunk id as the deterministic tie-break.
func rankPositions(list []common.ScoredChunk) map[string]int {
	order := make([]int, len(list))
	for i := range list {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := list[order[i]], list[order[j]]
		if a.Score == b.Score {
			return a.Chunk.ID < b.Chunk.ID
		}
		return a.Score > b.Score
	})

	positions := make(map[string]int, len(list))
	for rank, idx := range order {
		positions[list[idx].Chunk.ID] = rank + 1
	}
	return positions
}

// fuseRRF merges any number of ranked chunk lists with reciprocal rank
// fusion. Scores from different retrieval stages are never compared
// directly; only rank positions matter.
func fuseRRF(lists ...[]common.ScoredChunk) []common.ScoredChunk {
	byID := make(map[string]common.TextChunk)
	fused := make(map[string]float64)

	for _, list := range lists {
		positions := rankPositions(list)
		for _, sc := range list {
			if _, ok := byID[sc.Chunk.ID]; !ok {
				byID[sc.Chunk.ID] = sc.Chunk
			}
			fused[sc.Chunk.ID] += rrfComponent(positions[sc.Chunk.ID])
		}
	}

	out := make([]common.ScoredChunk, 0, len(fused))
	for id, score := range fused {
		out = append(out, common.ScoredChunk{Chunk: byID[id], Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Chunk.ID < out[j].Chunk.ID
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// diversify caps how many chunks one document and one leaf section may
// contribute, walking the ranked list in order. Zero caps disable the
// respective limit.
func diversify(ranked []common.ScoredChunk, maxPerDocument, maxPerSection, topK int) []common.ScoredChunk {
	perDoc := make(map[string]int)
	perSection := make(map[string]int)

	out := make([]common.ScoredChunk, 0, topK)
	for _, sc := range ranked {
		if topK > 0 && len(out) >= topK {
			break
		}
		if maxPerDocument > 0 && perDoc[sc.Chunk.DocumentID] >= maxPerDocument {
			continue
		}
		if maxPerSection > 0 && perSection[sc.Chunk.SectionID] >= maxPerSection {
			continue
		}
		perDoc[sc.Chunk.DocumentID]++
		perSection[sc.Chunk.SectionID]++
		out = append(out, sc)
	}

	// If the caps starved the result, fill from the remaining ranked order so
	// a small corpus still returns topK chunks.
	if topK > 0 && len(out) < topK {
		selected := make(map[string]struct{}, len(out))
		for _, sc := range out {
			selected[sc.Chunk.ID] = struct{}{}
		}
		for _, sc := range ranked {
			if len(out) >= topK {
				break
			}
			if _, ok := selected[sc.Chunk.ID]; ok {
				continue
			}
			out = append(out, sc)
		}
	}

	return out
}

// mergeScored deduplicates by chunk id, keeping the higher score.
func mergeScored(lists ...[]common.ScoredChunk) []common.ScoredChunk {
	best := make(map[string]common.ScoredChunk)
	for _, list := range lists {
		for _, sc := range list {
			if cur, ok := best[sc.Chunk.ID]; !ok || sc.Score > cur.Score {
				best[sc.Chunk.ID] = sc
			}
		}
	}
	out := make([]common.ScoredChunk, 0, len(best))
	for _, sc := range best {
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Chunk.ID < out[j].Chunk.ID
		}
		return out[i].Score > out[j].Score
	})
	return out
}

// denoise drops chunks scoring below the threshold. A zero threshold keeps
// everything.
func denoise(ranked []common.ScoredChunk, threshold float64) []common.ScoredChunk {
	if threshold <= 0 {
		return ranked
	}
	out := make([]common.ScoredChunk, 0, len(ranked))
	for _, sc := range ranked {
		if sc.Score >= threshold {
			out = append(out, sc)
		}
	}
	return out
}
