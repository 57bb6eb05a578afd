package config

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/rope"
)

// AttnKind selects the attention variant a cache instance serves.
type AttnKind int

const (
	// MHA covers multi-head, multi-query and grouped-query attention.
	MHA AttnKind = iota
	// MLA is multi-head latent attention with compressed KV.
	MLA
	// MHASliding is MHA with sliding-window visibility and attention sinks.
	MHASliding
)

func (k AttnKind) String() string {
	switch k {
	case MHA:
		return "mha"
	case MLA:
		return "mla"
	case MHASliding:
		return "mha_sliding"
	default:
		return "unknown"
	}
}

// RopeMode states where rotary embeddings are applied relative to the cache.
type RopeMode int

const (
	// RopeNone applies no rotation anywhere in the engine.
	RopeNone RopeMode = iota
	// RopeNormal rotates K at append time; the caller must rotate Q
	// compatibly before invoking the kernels.
	RopeNormal
	// RopeInline rotates Q and K on the fly inside the kernels. Requires
	// RotaryDim == HeadDim.
	RopeInline
)

func (m RopeMode) String() string {
	switch m {
	case RopeNone:
		return "none"
	case RopeNormal:
		return "normal"
	case RopeInline:
		return "inline"
	default:
		return "unknown"
	}
}

// Config describes one paged cache instance and the model geometry its
// kernels compute over.
type Config struct {
	Kind AttnKind

	NumQHeads  int
	NumKVHeads int
	HeadDim    int

	Layers   int
	PageSize int

	RopeMode  RopeMode
	RopeTheta float32
	RopeScale float32
	RotaryDim int
	Scaling   rope.Scaling

	// Sliding window geometry; meaningful only for MHASliding.
	WindowSize int
	SinkSize   int

	// MLA geometry; meaningful only for MLA. The per-token latent vector has
	// LatentDim + RopeDim entries.
	LatentDim int
	RopeDim   int
}

// GroupSize is the number of query heads sharing one KV head.
func (c *Config) GroupSize() int {
	if c.Kind == MLA {
		return c.NumQHeads
	}
	return c.NumQHeads / c.NumKVHeads
}

// QKDim is the per-token dimension used for score dot products.
func (c *Config) QKDim() int {
	if c.Kind == MLA {
		return c.LatentDim + c.RopeDim
	}
	return c.HeadDim
}

// Rope returns the rotary parameter bundle derived from this config.
func (c *Config) Rope() rope.Params {
	return rope.Params{
		Theta:     c.RopeTheta,
		Scale:     c.RopeScale,
		RotaryDim: c.RotaryDim,
		Scaling:   c.Scaling,
	}
}

func (c *Config) SlidingWindow() bool {
	return c.Kind == MHASliding
}

// Validate checks the geometry before any buffers are sized from it. The
// kernels themselves perform no checking.
func (c *Config) Validate() error {
	if c.NumQHeads <= 0 {
		return fmt.Errorf("invalid num_q_heads: %d (must be positive)", c.NumQHeads)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("invalid page_size: %d (must be positive)", c.PageSize)
	}
	if c.Kind == MLA {
		return c.validateMLA()
	}
	if c.NumKVHeads <= 0 {
		return fmt.Errorf("invalid num_kv_heads: %d (must be positive)", c.NumKVHeads)
	}
	if c.NumQHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("num_q_heads (%d) not divisible by num_kv_heads (%d)", c.NumQHeads, c.NumKVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.RotaryDim < 0 || c.RotaryDim > c.HeadDim {
		return fmt.Errorf("invalid rotary_dim: %d (must be in [0, head_dim=%d])", c.RotaryDim, c.HeadDim)
	}
	if c.RopeMode == RopeInline && c.RotaryDim != c.HeadDim {
		return fmt.Errorf("inline rope requires rotary_dim == head_dim, got %d != %d", c.RotaryDim, c.HeadDim)
	}
	if c.RopeMode != RopeNone && c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.Scaling.Mode == rope.ScaleLongRope && len(c.Scaling.ExtFactors) != c.RotaryDim/2 {
		return fmt.Errorf("longrope ext_factors length %d != rotary_dim/2 (%d)",
			len(c.Scaling.ExtFactors), c.RotaryDim/2)
	}
	if c.Kind == MHASliding {
		if c.WindowSize <= 0 {
			return fmt.Errorf("invalid window_size: %d (must be positive for sliding window)", c.WindowSize)
		}
		if c.SinkSize < 0 {
			return fmt.Errorf("invalid sink_size: %d (must be non-negative)", c.SinkSize)
		}
	}
	return nil
}

func (c *Config) validateMLA() error {
	if c.LatentDim <= 0 {
		return fmt.Errorf("invalid latent_dim: %d (must be positive for MLA)", c.LatentDim)
	}
	if c.RopeDim < 0 {
		return fmt.Errorf("invalid rope_dim: %d (must be non-negative)", c.RopeDim)
	}
	if c.RopeMode == RopeInline {
		return fmt.Errorf("inline rope is not supported for MLA")
	}
	return nil
}

// Default returns a config with the usual rotary constants filled in.
func Default() Config {
	return Config{
		Kind:      MHA,
		Layers:    1,
		PageSize:  16,
		RopeTheta: 10000.0,
		RopeScale: 1.0,
	}
}
