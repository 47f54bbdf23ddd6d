package retrieval

import (
	"sort"

	"github.com/mnemo-dev/mnemo/vecstore"
)

const rrfK = 60 // RRF constant (standard value from literature)

// fusedHit is one row after rank fusion across collections.
type fusedHit struct {
	vecstore.Result
	Collection string
	RRFScore   float64
}

// fuseRRF implements Reciprocal Rank Fusion over the content and chunks
// result sets. Each set is ranked independently; a row's fused score is the
// sum of 1/(k + rank) over the sets it appears in, rank 0-indexed. RRF is
// distance-metric-agnostic, so collections with different similarity
// measures compose without score normalization.
func fuseRRF(contentResults, chunkResults []vecstore.Result) []fusedHit {
	fused := make(map[string]*fusedHit)

	add := func(results []vecstore.Result, collection string) {
		for rank, r := range results {
			entry, ok := fused[r.ID]
			if !ok {
				entry = &fusedHit{Result: r, Collection: collection}
				fused[r.ID] = entry
			}
			entry.RRFScore += 1.0 / float64(rrfK+rank)
		}
	}
	add(contentResults, vecstore.CollectionContent)
	add(chunkResults, vecstore.CollectionChunks)

	hits := make([]fusedHit, 0, len(fused))
	for _, e := range fused {
		hits = append(hits, *e)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].RRFScore != hits[j].RRFScore {
			return hits[i].RRFScore > hits[j].RRFScore
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}

// dedupByArtifact keeps one row per artifact uid, walking the ranked list.
// A chunk row displaces a whole-artifact row for the same uid; between two
// chunks the earlier (higher-ranked) one wins. Rank order is preserved.
func dedupByArtifact(hits []fusedHit) []fusedHit {
	type kept struct {
		pos     int
		isChunk bool
	}
	byUID := make(map[string]kept)
	var out []fusedHit

	for _, h := range hits {
		isChunk := h.Collection == vecstore.CollectionChunks
		k, seen := byUID[h.ArtifactUID]
		if !seen {
			byUID[h.ArtifactUID] = kept{pos: len(out), isChunk: isChunk}
			out = append(out, h)
			continue
		}
		// Chunk beats whole-artifact even at a lower rank.
		if isChunk && !k.isChunk {
			out[k.pos] = h
			byUID[h.ArtifactUID] = kept{pos: k.pos, isChunk: true}
		}
	}
	return out
}
