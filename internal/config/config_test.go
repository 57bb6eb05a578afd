package config

import (
	"strings"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/rope"
)

func valid() Config {
	cfg := Default()
	cfg.NumQHeads = 8
	cfg.NumKVHeads = 2
	cfg.HeadDim = 64
	cfg.RotaryDim = 64
	return cfg
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	cfg := valid()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero heads", func(c *Config) { c.NumQHeads = 0 }, "num_q_heads"},
		{"zero layers", func(c *Config) { c.Layers = 0 }, "layers"},
		{"zero page size", func(c *Config) { c.PageSize = 0 }, "page_size"},
		{"indivisible heads", func(c *Config) { c.NumQHeads = 6; c.NumKVHeads = 4 }, "divisible"},
		{"rotary beyond head", func(c *Config) { c.RotaryDim = 128 }, "rotary_dim"},
		{"inline partial rotary", func(c *Config) { c.RopeMode = RopeInline; c.RotaryDim = 32 }, "inline rope"},
		{"bad theta", func(c *Config) { c.RopeMode = RopeNormal; c.RopeTheta = 0 }, "rope_theta"},
		{"longrope factors", func(c *Config) {
			c.Scaling = rope.Scaling{Mode: rope.ScaleLongRope, Factor: 2, ExtFactors: []float32{1}}
		}, "ext_factors"},
		{"sliding without window", func(c *Config) { c.Kind = MHASliding }, "window_size"},
		{"negative sink", func(c *Config) { c.Kind = MHASliding; c.WindowSize = 16; c.SinkSize = -1 }, "sink_size"},
		{"mla without latent", func(c *Config) { c.Kind = MLA }, "latent_dim"},
		{"mla inline rope", func(c *Config) {
			c.Kind = MLA
			c.LatentDim = 64
			c.RopeDim = 32
			c.RopeMode = RopeInline
		}, "inline rope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestGroupSize(t *testing.T) {
	cfg := valid()
	if got := cfg.GroupSize(); got != 4 {
		t.Fatalf("group size: got %d, want 4", got)
	}
	cfg.Kind = MLA
	cfg.LatentDim = 64
	if got := cfg.GroupSize(); got != cfg.NumQHeads {
		t.Fatalf("MLA group size: got %d, want %d", got, cfg.NumQHeads)
	}
	if got := cfg.QKDim(); got != 64 {
		t.Fatalf("MLA qk dim: got %d, want 64", got)
	}
}
