package file

import "crdtstore/internal/chunk"

// HotStrategy selects the N most recently written chunks — the small,
// high-overlap consolidation: frequent, cheap, keeps the live chunk
// count from growing unbounded between the rarer cold passes.
type HotStrategy struct {
	N int
}

func (s HotStrategy) Select(metas []chunk.ChunkMeta) []chunk.ChunkID {
	n := s.N
	if n <= 0 {
		n = 4
	}
	if len(metas) < 2 {
		return nil
	}
	// metas is assumed sorted ascending by ID by the caller; the most
	// recently written chunks are the ones with the highest IDs.
	start := len(metas) - n
	if start < 0 {
		start = 0
	}
	picked := metas[start:]
	if len(picked) < 2 {
		return nil
	}
	ids := make([]chunk.ChunkID, len(picked))
	for i, m := range picked {
		ids[i] = m.ID
	}
	return ids
}

// ColdStrategy selects the long tail of old chunks, leaving the most
// recent Keep chunks untouched: rarer, larger merged output, reclaims
// space from chunks hot passes never revisit.
type ColdStrategy struct {
	Keep int
}

func (s ColdStrategy) Select(metas []chunk.ChunkMeta) []chunk.ChunkID {
	keep := s.Keep
	if keep < 0 {
		keep = 0
	}
	if len(metas) <= keep+1 {
		return nil
	}
	picked := metas[:len(metas)-keep]
	if len(picked) < 2 {
		return nil
	}
	ids := make([]chunk.ChunkID, len(picked))
	for i, m := range picked {
		ids[i] = m.ID
	}
	return ids
}

// DefaultStrategy returns the standard hot/cold Alternator: hot merges
// the 4 most recent chunks, cold merges everything but the 2 most
// recent.
func DefaultStrategy() *chunk.Alternator {
	return chunk.NewAlternator(HotStrategy{N: 4}, ColdStrategy{Keep: 2})
}
