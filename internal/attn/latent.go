package attn

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/paged"
)

// PrefillLatent attends ragged queries against compressed latent KV pages.
// Every query head shares the single cached latent stream: scores use the
// full latent+rope vector of qkDim entries, while the output accumulates
// only the first latentDim entries. q is flat [rows, numQHeads, qkDim], out
// is [rows, numQHeads, latentDim], lse is [rows, numQHeads]. Rotation is
// never applied here; MLA callers rotate the rope span before append.
func PrefillLatent(p Params, s *paged.LatentStore, b *paged.Batch, q, out, lse []float32) {
	start := time.Now()
	defer func() { metrics.ObserveKernel("prefill_latent", time.Since(start)) }()

	cfg := p.Cfg
	heads := cfg.NumQHeads
	dQK := cfg.QKDim()
	dV := cfg.LatentDim
	tile := p.Backend.TileKV()
	scale := p.scale()

	seqOf := rowSeqs(b.QIndptr)
	kvLens := make([]int, b.NumSequences())
	for i := range kvLens {
		kvLens[i] = b.KVLen(i)
		metrics.KVLengthHistogram.Observe(float64(kvLens[i]))
	}

	p.Backend.Run(len(seqOf)*heads, func(i int) {
		row, h := i/heads, i%heads
		seq := seqOf[row]
		kvLen := kvLens[seq]
		qoLen := int(b.QIndptr[seq+1] - b.QIndptr[seq])
		rowIn := row - int(b.QIndptr[seq])
		limit := kvLen
		if p.Causal {
			limit = kvLen - qoLen + rowIn + 1
		}

		qv := q[(row*heads+h)*dQK : (row*heads+h+1)*dQK]
		st := newState(dV)
		scores := make([]float32, tile)
		for lo := 0; lo < kvLen; lo += tile {
			hi := min(lo+tile, kvLen)
			ts := scores[:hi-lo]
			for j := lo; j < hi; j++ {
				if j >= limit {
					ts[j-lo] = maskScore
					continue
				}
				page, slot := b.Locate(seq, j)
				kv := s.KV(page, slot)
				var dot float32
				for d := 0; d < dQK; d++ {
					dot += qv[d] * kv[d]
				}
				ts[j-lo] = dot * scale
			}
			st.absorb(ts, func(j int) []float32 {
				page, slot := b.Locate(seq, lo+j)
				return s.KV(page, slot)[:dV]
			})
		}
		lse[row*heads+h] = st.finalize(out[(row*heads+h)*dV : (row*heads+h+1)*dV])
	})
}
