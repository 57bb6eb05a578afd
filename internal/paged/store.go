// Package paged implements the physical page layout of the KV cache and the
// CSR-indexed addressing that maps (sequence, logical position) to a page and
// slot. Pages are fixed-capacity, written once per token slot, and only moved
// afterwards by the maintenance ops.
package paged

import (
	"github.com/23skdu/longbow-bodkin/internal/rope"
)

// SkipSlot marks a position-map entry whose token must not be persisted.
const SkipSlot int32 = -1

// Store holds the KV pages of one layer for the MHA family of attention
// kinds. The backing layout is [numPages, 2, kvHeads, pageSize, headDim],
// K at index 0 and V at index 1 on the second axis.
type Store struct {
	NumPages int
	PageSize int
	KVHeads  int
	HeadDim  int

	data []float32
}

func NewStore(numPages, pageSize, kvHeads, headDim int) *Store {
	return &Store{
		NumPages: numPages,
		PageSize: pageSize,
		KVHeads:  kvHeads,
		HeadDim:  headDim,
		data:     make([]float32, numPages*2*kvHeads*pageSize*headDim),
	}
}

// NewStoreFrom wraps a caller-owned buffer of exactly
// numPages*2*kvHeads*pageSize*headDim elements.
func NewStoreFrom(data []float32, numPages, pageSize, kvHeads, headDim int) *Store {
	return &Store{
		NumPages: numPages,
		PageSize: pageSize,
		KVHeads:  kvHeads,
		HeadDim:  headDim,
		data:     data,
	}
}

func (s *Store) Data() []float32 { return s.data }

func (s *Store) index(page, kv, head, slot int) int {
	return (((page*2+kv)*s.KVHeads+head)*s.PageSize + slot) * s.HeadDim
}

// K returns the key vector stored at (page, head, slot).
func (s *Store) K(page, head, slot int) []float32 {
	off := s.index(page, 0, head, slot)
	return s.data[off : off+s.HeadDim]
}

// V returns the value vector stored at (page, head, slot).
func (s *Store) V(page, head, slot int) []float32 {
	off := s.index(page, 1, head, slot)
	return s.data[off : off+s.HeadDim]
}

// Append writes n freshly computed tokens into cache pages. k and v are flat
// [n, kvHeads, headDim]; posMap has one global slot per token, or SkipSlot to
// leave the cache untouched for that token. When rp is non-nil the key is
// rotated with the token's absolute position before the store (the
// rotate-before-store rope mode); positions must then hold n entries.
// Distinct tokens land in distinct slots, so writes never overlap.
func (s *Store) Append(k, v []float32, posMap []int32, rp *rope.Params, positions []int32) {
	hd := s.HeadDim
	stride := s.KVHeads * hd
	var rotated []float32
	if rp != nil {
		rotated = make([]float32, hd)
	}
	for t, pos := range posMap {
		if pos == SkipSlot {
			continue
		}
		page := int(pos) / s.PageSize
		slot := int(pos) % s.PageSize
		for h := 0; h < s.KVHeads; h++ {
			src := k[t*stride+h*hd : t*stride+(h+1)*hd]
			if rp != nil {
				copy(rotated, src)
				rp.Rotate(rotated, positions[t])
				src = rotated
			}
			copy(s.K(page, h, slot), src)
			copy(s.V(page, h, slot), v[t*stride+h*hd:t*stride+(h+1)*hd])
		}
	}
}

// LatentStore holds compressed latent KV pages for MLA. Each token slot is a
// single vector of qkDim = latentDim + ropeDim entries shared by every query
// head; layout [numPages, pageSize, qkDim].
type LatentStore struct {
	NumPages int
	PageSize int
	QKDim    int

	data []float32
}

func NewLatentStore(numPages, pageSize, qkDim int) *LatentStore {
	return &LatentStore{
		NumPages: numPages,
		PageSize: pageSize,
		QKDim:    qkDim,
		data:     make([]float32, numPages*pageSize*qkDim),
	}
}

func (s *LatentStore) Data() []float32 { return s.data }

// KV returns the latent vector stored at (page, slot).
func (s *LatentStore) KV(page, slot int) []float32 {
	off := (page*s.PageSize + slot) * s.QKDim
	return s.data[off : off+s.QKDim]
}

// Append writes n compressed tokens, kv flat [n, qkDim], honoring SkipSlot.
func (s *LatentStore) Append(kv []float32, posMap []int32) {
	for t, pos := range posMap {
		if pos == SkipSlot {
			continue
		}
		page := int(pos) / s.PageSize
		slot := int(pos) % s.PageSize
		copy(s.KV(page, slot), kv[t*s.QKDim:(t+1)*s.QKDim])
	}
}
