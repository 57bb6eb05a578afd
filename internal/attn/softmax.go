// Package attn implements streaming softmax attention over the paged KV
// store: ragged prefill, single-token decode, latent (MLA) prefill, and the
// merge operator that combines partial attention results.
//
// All kernels work in the base-2 exponent domain. Scores are multiplied by
// smScale*log2(e) once, so every exponential is an Exp2 and the returned
// log-sum-exp values are base-2 logarithms.
package attn

import (
	"github.com/chewxy/math32"
)

// maskScore replaces masked scores. Low enough that its weight underflows to
// zero, so masked columns need no separate code path.
const maskScore = float32(-5.0e4)

const log2e = float32(1.4426950408889634)

// state is the running accumulator of one query row and head: m the running
// score maximum, d the rescaled denominator, o the unnormalized output.
type state struct {
	m, d float32
	o    []float32
}

func newState(dv int) state {
	return state{m: maskScore, d: 1, o: make([]float32, dv)}
}

// absorb folds one tile of scores and value rows into the state. Scores are
// already in the base-2 domain, with masked entries holding maskScore.
func (st *state) absorb(scores []float32, value func(j int) []float32) {
	mNew := st.m
	for _, s := range scores {
		if s > mNew {
			mNew = s
		}
	}
	scale := math32.Exp2(st.m - mNew)
	st.d *= scale
	for i := range st.o {
		st.o[i] *= scale
	}
	for j, s := range scores {
		w := math32.Exp2(s - mNew)
		st.d += w
		v := value(j)
		for i := range st.o {
			st.o[i] += w * v[i]
		}
	}
	st.m = mNew
}

// merge folds another partial state over the same query row into st. The
// operator is associative and commutative, so partial results may be
// combined in any grouping.
func (st *state) merge(other state) {
	m := st.m
	if other.m > m {
		m = other.m
	}
	sa := math32.Exp2(st.m - m)
	sb := math32.Exp2(other.m - m)
	st.d = st.d*sa + other.d*sb
	for i := range st.o {
		st.o[i] = st.o[i]*sa + other.o[i]*sb
	}
	st.m = m
}

// finalize normalizes the accumulator into out and returns the base-2
// log-sum-exp of the absorbed scores.
func (st *state) finalize(out []float32) float32 {
	inv := 1 / st.d
	for i := range out {
		out[i] = st.o[i] * inv
	}
	return st.m + math32.Log2(st.d)
}

// MergeStatesInPlace folds a second normalized attention result into the
// first. o1 and o2 are flat [rows, dv] outputs over the same query rows;
// lse1 and lse2 their base-2 log-sum-exp values. o1 and lse1 receive the
// merged result. Merging a result with itself yields the same output and an
// lse one higher, since the denominator doubles.
func MergeStatesInPlace(o1, lse1, o2, lse2 []float32, dv int) {
	for i := range lse1 {
		m := lse1[i]
		if lse2[i] > m {
			m = lse2[i]
		}
		s1 := math32.Exp2(lse1[i] - m)
		s2 := math32.Exp2(lse2[i] - m)
		sum := s1 + s2
		w1, w2 := s1/sum, s2/sum
		a := o1[i*dv : (i+1)*dv]
		b := o2[i*dv : (i+1)*dv]
		for d := range a {
			a[d] = a[d]*w1 + b[d]*w2
		}
		lse1[i] = m + math32.Log2(sum)
	}
}
