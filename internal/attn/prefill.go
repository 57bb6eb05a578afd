package attn

import (
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/paged"
	"github.com/23skdu/longbow-bodkin/internal/rope"
)

// Params carries the invocation geometry shared by the attention kernels.
type Params struct {
	Cfg     *config.Config
	Backend device.Backend

	// SMScale multiplies raw scores, typically 1/sqrt(headDim).
	SMScale float32

	// Causal restricts each query row to keys at or before its own
	// position. Without it every row sees the full visible history.
	Causal bool
}

func (p Params) scale() float32 { return p.SMScale * log2e }

// rowSeqs maps every ragged query row to its sequence index.
func rowSeqs(qIndptr []int32) []int {
	out := make([]int, qIndptr[len(qIndptr)-1])
	for s := 0; s < len(qIndptr)-1; s++ {
		for r := qIndptr[s]; r < qIndptr[s+1]; r++ {
			out[r] = s
		}
	}
	return out
}

// rotateInto writes the rotated query row into dst.
func rotateInto(dst, src []float32, rp *rope.Params, pos int32) {
	for d := range dst {
		dst[d] = rp.Element(src, d, pos)
	}
}

// PrefillPaged attends a ragged batch of query rows against the paged KV
// history described by b. q is flat [rows, numQHeads, headDim]; out has the
// same shape and lse is [rows, numQHeads] in base 2. Visibility beyond the
// causal frontier is removed by the mask sentinel, not by shortening the
// scan, so every page the batch references is touched uniformly.
func PrefillPaged(p Params, s *paged.Store, b *paged.Batch, q, out, lse []float32) {
	start := time.Now()
	defer func() { metrics.ObserveKernel("prefill_paged", time.Since(start)) }()

	cfg := p.Cfg
	heads := cfg.NumQHeads
	hd := cfg.HeadDim
	group := cfg.GroupSize()
	tile := p.Backend.TileKV()
	scale := p.scale()

	inline := cfg.RopeMode == config.RopeInline
	rp := cfg.Rope()

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
		kvHead := h / group

		qv := q[(row*heads+h)*hd : (row*heads+h+1)*hd]
		if inline {
			rq := make([]float32, hd)
			rotateInto(rq, qv, &rp, b.QPositions[row])
			qv = rq
		}

		st := newState(hd)
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
				ts[j-lo] = dot * scale
			}
			st.absorb(ts, func(j int) []float32 {
				page, slot := b.Locate(seq, lo+j)
				return s.V(page, kvHead, slot)
			})
		}
		lse[row*heads+h] = st.finalize(out[(row*heads+h)*hd : (row*heads+h+1)*hd])
	})
}
