package attn

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Ragged describes a batch whose keys and values live in flat ragged
// buffers instead of cache pages: the pre-append path, where the KV of the
// current step has not been persisted yet.
type Ragged struct {
	// QIndptr and KVIndptr delimit each sequence's query and KV rows.
	QIndptr  []int32
	KVIndptr []int32

	// QPositions is the rope position of every query row; KRopeOffset the
	// position of each sequence's first KV row.
	QPositions  []int32
	KRopeOffset []int32
}

// PrefillRagged attends ragged queries against ragged, unpaged KV. q is
// flat [totalQ, numQHeads, dQK]; k is [totalKV, numKVHeads, dQK] and v is
// [totalKV, numKVHeads, dV], where dV may differ from dQK. out is
// [totalQ, numQHeads, dV] and lse [totalQ, numQHeads].
func PrefillRagged(p Params, r *Ragged, q, k, v []float32, dQK, dV int, out, lse []float32) {
	start := time.Now()
	defer func() { metrics.ObserveKernel("prefill_ragged", time.Since(start)) }()

	cfg := p.Cfg
	heads := cfg.NumQHeads
	kvHeads := cfg.NumKVHeads
	group := cfg.GroupSize()
	tile := p.Backend.TileKV()
	scale := p.scale()

	inline := cfg.RopeMode == config.RopeInline
	rp := cfg.Rope()
	rp.RotaryDim = min(rp.RotaryDim, dQK)

	seqOf := rowSeqs(r.QIndptr)
	p.Backend.Run(len(seqOf)*heads, func(i int) {
		row, h := i/heads, i%heads
		seq := seqOf[row]
		kvBase := int(r.KVIndptr[seq])
		kvLen := int(r.KVIndptr[seq+1]) - kvBase
		qoLen := int(r.QIndptr[seq+1] - r.QIndptr[seq])
		rowIn := row - int(r.QIndptr[seq])
		limit := kvLen
		if p.Causal {
			limit = kvLen - qoLen + rowIn + 1
		}
		kvHead := h / group

		qv := q[(row*heads+h)*dQK : (row*heads+h+1)*dQK]
		if inline {
			rq := make([]float32, dQK)
			rotateInto(rq, qv, &rp, r.QPositions[row])
			qv = rq
		}

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
				kv := k[((kvBase+j)*kvHeads+kvHead)*dQK : ((kvBase+j)*kvHeads+kvHead+1)*dQK]
				var dot float32
				if inline {
					kpos := r.KRopeOffset[seq] + int32(j)
					for d := 0; d < dQK; d++ {
						dot += qv[d] * rp.Element(kv, d, kpos)
					}
				} else {
					for d := 0; d < dQK; d++ {
						dot += qv[d] * kv[d]
					}
				}
				ts[j-lo] = dot * scale
			}
			st.absorb(ts, func(j int) []float32 {
				jj := kvBase + lo + j
				return v[(jj*kvHeads+kvHead)*dV : (jj*kvHeads+kvHead+1)*dV]
			})
		}
		lse[row*heads+h] = st.finalize(out[(row*heads+h)*dV : (row*heads+h+1)*dV])
	})
}
