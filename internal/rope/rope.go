package rope

import (
	"github.com/chewxy/math32"
)

// ScalingMode selects how rotary frequencies are stretched for contexts
// longer than the base model was trained on.
type ScalingMode int

const (
	ScaleNone ScalingMode = iota
	ScaleLinear
	ScaleDynamic
	ScaleLongRope
)

func (m ScalingMode) String() string {
	switch m {
	case ScaleNone:
		return "none"
	case ScaleLinear:
		return "linear"
	case ScaleDynamic:
		return "dynamic"
	case ScaleLongRope:
		return "longrope"
	default:
		return "unknown"
	}
}

// Scaling carries the frequency-scaling configuration. The zero value means
// plain rotary embeddings with no context extension.
type Scaling struct {
	Mode   ScalingMode
	Factor float32

	// OriginalMaxPosition is the pre-extension context length, used by the
	// dynamic and longrope modes.
	OriginalMaxPosition int

	// ExtFactors holds one per-dimension extension factor for each rotary
	// frequency (length rotaryDim/2). Longrope mode only.
	ExtFactors []float32

	// AttnFactor post-scales cos/sin in longrope mode. Zero means derive it
	// from Factor and OriginalMaxPosition.
	AttnFactor float32
}

func (s Scaling) attnFactor() float32 {
	if s.AttnFactor != 0 {
		return s.AttnFactor
	}
	if s.Factor <= 1 || s.OriginalMaxPosition <= 1 {
		return 1
	}
	return math32.Sqrt(1 + math32.Log(s.Factor)/math32.Log(float32(s.OriginalMaxPosition)))
}

// Params bundles the rotary configuration shared by the append engine and the
// attention kernels.
type Params struct {
	Theta     float32
	Scale     float32 // multiplies the position before frequency computation
	RotaryDim int
	Scaling   Scaling
}

// Freqs returns the cos/sin pair for one (position, dimension) index.
// pos is the absolute token position, already unscaled; d indexes into the
// rotary span [0, rotaryDim).
func Freqs(pos float32, d, rotaryDim int, theta float32, s Scaling) (float32, float32) {
	half := rotaryDim / 2
	di := d % half

	switch s.Mode {
	case ScaleLinear:
		if s.Factor > 0 {
			pos /= s.Factor
		}
	case ScaleDynamic:
		// NTK-aware base adjustment: stretch theta so the lowest frequency
		// covers Factor times the original context.
		if s.Factor > 1 && rotaryDim > 2 {
			theta *= math32.Pow(s.Factor, float32(rotaryDim)/float32(rotaryDim-2))
		}
	}

	invFreq := math32.Pow(theta, -2*float32(di)/float32(rotaryDim))
	if s.Mode == ScaleLongRope && di < len(s.ExtFactors) {
		invFreq /= s.ExtFactors[di]
	}

	f := pos * invFreq
	cos, sin := math32.Cos(f), math32.Sin(f)
	if s.Mode == ScaleLongRope {
		af := s.attnFactor()
		cos *= af
		sin *= af
	}
	return cos, sin
}

// Element computes the rotated value of vec[d] for one head vector at the
// given position, using the standard rotate-half transform. Dimensions at or
// beyond the rotary span pass through unchanged.
func (p Params) Element(vec []float32, d int, pos int32) float32 {
	if d >= p.RotaryDim {
		return vec[d]
	}
	scaled := float32(pos) * p.Scale
	cos, sin := Freqs(scaled, d, p.RotaryDim, p.Theta, p.Scaling)
	half := p.RotaryDim / 2
	var pair float32
	if d < half {
		pair = -vec[d+half]
	} else {
		pair = vec[d-half]
	}
	return cos*vec[d] + sin*pair
}

// Rotate applies the transform in place to one head vector.
func (p Params) Rotate(vec []float32, pos int32) {
	if p.RotaryDim <= 0 {
		return
	}
	scaled := float32(pos) * p.Scale
	half := p.RotaryDim / 2
	for d := 0; d < half; d++ {
		cos, sin := Freqs(scaled, d, p.RotaryDim, p.Theta, p.Scaling)
		x, y := vec[d], vec[d+half]
		vec[d] = cos*x - sin*y
		vec[d+half] = cos*y + sin*x
	}
}
