package attn

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/paged"
)

// decodeChunkTiles is the number of KV tiles a decode partition spans.
const decodeChunkTiles = 4

// Decode attends one new query token per sequence against its full visible
// history. q is flat [numSeqs, numQHeads, headDim]; out matches and lse is
// [numSeqs, numQHeads]. Long histories are split into partitions evaluated
// as independent work items, then reduced with the merge operator, so the
// result is independent of the partitioning up to rounding.
func Decode(p Params, s *paged.Store, b *paged.Batch, q, out, lse []float32) {
	start := time.Now()
	defer func() { metrics.ObserveKernel("decode", time.Since(start)) }()

	cfg := p.Cfg
	heads := cfg.NumQHeads
	hd := cfg.HeadDim
	group := cfg.GroupSize()
	tile := p.Backend.TileKV()
	chunkLen := tile * decodeChunkTiles
	scale := p.scale()

	inline := cfg.RopeMode == config.RopeInline
	rp := cfg.Rope()

	nSeq := b.NumSequences()
	kvLens := make([]int, nSeq)
	chunkIndptr := make([]int, nSeq+1)
	for i := 0; i < nSeq; i++ {
		kvLens[i] = b.KVLen(i)
		metrics.KVLengthHistogram.Observe(float64(kvLens[i]))
		chunks := (kvLens[i] + chunkLen - 1) / chunkLen
		if chunks < 1 {
			chunks = 1
		}
		chunkIndptr[i+1] = chunkIndptr[i] + chunks
	}
	totalChunks := chunkIndptr[nSeq]
	chunkSeq := make([]int, totalChunks)
	for i := 0; i < nSeq; i++ {
		for c := chunkIndptr[i]; c < chunkIndptr[i+1]; c++ {
			chunkSeq[c] = i
		}
	}

	partials := make([]state, totalChunks*heads)
	p.Backend.Run(totalChunks*heads, func(i int) {
		c, h := i/heads, i%heads
		seq := chunkSeq[c]
		kvLen := kvLens[seq]
		lo := (c - chunkIndptr[seq]) * chunkLen
		hi := min(lo+chunkLen, kvLen)
		kvHead := h / group

		qv := q[(seq*heads+h)*hd : (seq*heads+h+1)*hd]
		if inline {
			rq := make([]float32, hd)
			rotateInto(rq, qv, &rp, b.QPositions[seq])
			qv = rq
		}

		st := newState(hd)
		scores := make([]float32, tile)
		for t := lo; t < hi; t += tile {
			te := min(t+tile, hi)
			ts := scores[:te-t]
			for j := t; j < te; j++ {
				page, slot := b.Locate(seq, j)
				kv := s.K(page, kvHead, slot)
				var dot float32
				if inline {
					kpos := b.KRopeOffset[seq] + int32(j)
					for d := 0; d < hd; d++ {
						dot += qv[d] * rp.Element(kv, d, kpos)
					}
				} else {
					for d := 0; d < hd; d++ {
						dot += qv[d] * kv[d]
					}
				}
				ts[j-t] = dot * scale
			}
			st.absorb(ts, func(j int) []float32 {
				page, slot := b.Locate(seq, t+j)
				return s.V(page, kvHead, slot)
			})
		}
		partials[c*heads+h] = st
	})

	for seq := 0; seq < nSeq; seq++ {
		for h := 0; h < heads; h++ {
			st := partials[chunkIndptr[seq]*heads+h]
			for c := chunkIndptr[seq] + 1; c < chunkIndptr[seq+1]; c++ {
				st.merge(partials[c*heads+h])
			}
			lse[seq*heads+h] = st.finalize(out[(seq*heads+h)*hd : (seq*heads+h+1)*hd])
		}
	}
}
