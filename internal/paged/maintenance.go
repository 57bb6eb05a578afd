package paged

// CopyPage duplicates the first copyLength slots of page src into page dst,
// both K and V planes across every head. Used when a shared prefix page must
// be unshared before one of its readers appends.
func (s *Store) CopyPage(src, dst int32, copyLength int) {
	for h := 0; h < s.KVHeads; h++ {
		for p := 0; p < copyLength; p++ {
			copy(s.K(int(dst), h, p), s.K(int(src), h, p))
			copy(s.V(int(dst), h, p), s.V(int(src), h, p))
		}
	}
}

// CopyPage duplicates the first copyLength latent slots of page src into dst.
func (s *LatentStore) CopyPage(src, dst int32, copyLength int) {
	for p := 0; p < copyLength; p++ {
		copy(s.KV(int(dst), p), s.KV(int(src), p))
	}
}

// CompactCopy moves cache entries between physical slots. indptr has one
// entry per sequence plus one; srcPos and dstPos list the global slot of
// each move. Slots address pages directly, so the op works on arbitrary
// layouts without consulting a page table. Source and destination slot sets
// are disjoint, which makes the move order irrelevant.
func (s *Store) CompactCopy(indptr, srcPos, dstPos []int32) {
	for b := 0; b < len(indptr)-1; b++ {
		for i := indptr[b]; i < indptr[b+1]; i++ {
			sp, ss := int(srcPos[i])/s.PageSize, int(srcPos[i])%s.PageSize
			dp, ds := int(dstPos[i])/s.PageSize, int(dstPos[i])%s.PageSize
			for h := 0; h < s.KVHeads; h++ {
				copy(s.K(dp, h, ds), s.K(sp, h, ss))
				copy(s.V(dp, h, ds), s.V(sp, h, ss))
			}
		}
	}
}

func (s *LatentStore) CompactCopy(indptr, srcPos, dstPos []int32) {
	for b := 0; b < len(indptr)-1; b++ {
		for i := indptr[b]; i < indptr[b+1]; i++ {
			sp, ss := int(srcPos[i])/s.PageSize, int(srcPos[i])%s.PageSize
			dp, ds := int(dstPos[i])/s.PageSize, int(dstPos[i])%s.PageSize
			copy(s.KV(dp, ds), s.KV(sp, ss))
		}
	}
}

// DebugKV gathers the cached K and V of the slots named by posMap into flat
// [len(posMap), kvHeads, headDim] buffers, skipping SkipSlot entries. The
// inverse of Append, intended for tests and cache inspection.
func (s *Store) DebugKV(posMap []int32, kOut, vOut []float32) {
	hd := s.HeadDim
	stride := s.KVHeads * hd
	for t, pos := range posMap {
		if pos == SkipSlot {
			continue
		}
		page := int(pos) / s.PageSize
		slot := int(pos) % s.PageSize
		for h := 0; h < s.KVHeads; h++ {
			copy(kOut[t*stride+h*hd:t*stride+(h+1)*hd], s.K(page, h, slot))
			copy(vOut[t*stride+h*hd:t*stride+(h+1)*hd], s.V(page, h, slot))
		}
	}
}

// DebugKV gathers latent slots into a flat [len(posMap), qkDim] buffer.
func (s *LatentStore) DebugKV(posMap []int32, out []float32) {
	for t, pos := range posMap {
		if pos == SkipSlot {
			continue
		}
		page := int(pos) / s.PageSize
		slot := int(pos) % s.PageSize
		copy(out[t*s.QKDim:(t+1)*s.QKDim], s.KV(page, slot))
	}
}
