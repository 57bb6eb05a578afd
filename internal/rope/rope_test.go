package rope

import (
	"math"
	"math/rand"
	"testing"
)

func randVec(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func base() Params {
	return Params{Theta: 10000, Scale: 1, RotaryDim: 8}
}

func TestRotate_IdentityAtPositionZero(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := base()
	v := randVec(rng, 8)
	want := append([]float32(nil), v...)
	p.Rotate(v, 0)
	for i := range v {
		if math.Abs(float64(v[i]-want[i])) > 1e-6 {
			t.Fatalf("dim %d: got %v, want %v", i, v[i], want[i])
		}
	}
}

func TestRotate_PreservesNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p := base()
	v := randVec(rng, 8)
	var before float64
	for _, x := range v {
		before += float64(x) * float64(x)
	}
	p.Rotate(v, 17)
	var after float64
	for _, x := range v {
		after += float64(x) * float64(x)
	}
	if math.Abs(before-after) > 1e-4 {
		t.Fatalf("norm changed: %v -> %v", before, after)
	}
}

func TestElement_MatchesRotate(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := base()
	v := randVec(rng, 8)
	rotated := append([]float32(nil), v...)
	p.Rotate(rotated, 9)
	for d := 0; d < 8; d++ {
		got := p.Element(v, d, 9)
		if math.Abs(float64(got-rotated[d])) > 1e-5 {
			t.Fatalf("dim %d: element %v, rotate %v", d, got, rotated[d])
		}
	}
}

func TestRotate_PartialRotarySpanPassthrough(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	p := Params{Theta: 10000, Scale: 1, RotaryDim: 4}
	v := randVec(rng, 8)
	want := append([]float32(nil), v...)
	p.Rotate(v, 23)
	for d := 4; d < 8; d++ {
		if v[d] != want[d] {
			t.Fatalf("dim %d beyond rotary span changed: %v -> %v", d, want[d], v[d])
		}
	}
	changed := false
	for d := 0; d < 4; d++ {
		if v[d] != want[d] {
			changed = true
		}
	}
	if !changed {
		t.Fatal("rotary span was not rotated")
	}
}

func TestFreqs_LinearScalingDividesPosition(t *testing.T) {
	s := Scaling{Mode: ScaleLinear, Factor: 4}
	cosScaled, sinScaled := Freqs(8, 0, 8, 10000, s)
	cosPlain, sinPlain := Freqs(2, 0, 8, 10000, Scaling{})
	if cosScaled != cosPlain || sinScaled != sinPlain {
		t.Fatalf("linear scaling: got (%v,%v), want (%v,%v)",
			cosScaled, sinScaled, cosPlain, sinPlain)
	}
}

func TestFreqs_DynamicStretchesTheta(t *testing.T) {
	s := Scaling{Mode: ScaleDynamic, Factor: 2}
	// Dimension 0 has frequency 1 regardless of theta, so compare at a
	// higher frequency index.
	_, sinScaled := Freqs(100, 2, 8, 10000, s)
	_, sinPlain := Freqs(100, 2, 8, 10000, Scaling{})
	if sinScaled == sinPlain {
		t.Fatal("dynamic scaling had no effect on higher dimensions")
	}
}

func TestFreqs_LongRopeAppliesAttnFactor(t *testing.T) {
	s := Scaling{
		Mode:                ScaleLongRope,
		Factor:              4,
		OriginalMaxPosition: 4096,
		ExtFactors:          []float32{1, 1, 1, 1},
	}
	cosLong, _ := Freqs(0, 0, 8, 10000, s)
	want := s.attnFactor()
	if math.Abs(float64(cosLong-want)) > 1e-6 {
		t.Fatalf("cos at position 0: got %v, want attn factor %v", cosLong, want)
	}
	if want <= 1 {
		t.Fatalf("attn factor should exceed 1 for factor 4, got %v", want)
	}
}

func TestFreqs_LongRopeExtFactorsShiftFrequency(t *testing.T) {
	uniform := Scaling{Mode: ScaleLongRope, Factor: 1, ExtFactors: []float32{1, 1, 1, 1}}
	stretched := Scaling{Mode: ScaleLongRope, Factor: 1, ExtFactors: []float32{2, 2, 2, 2}}
	_, sinU := Freqs(3, 1, 8, 10000, uniform)
	_, sinS := Freqs(3, 1, 8, 10000, stretched)
	if sinU == sinS {
		t.Fatal("ext factors had no effect")
	}
}
