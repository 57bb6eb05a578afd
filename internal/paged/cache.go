package paged

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Cache owns the per-layer page stores of a model and applies maintenance
// ops uniformly across layers. Attention kernels operate on one layer's
// Store at a time via Layer or Latent.
type Cache struct {
	cfg      config.Config
	numPages int

	layers []*Store
	latent []*LatentStore

	log      *logger.Logger
	appended int64
}

// NewCache allocates every layer's pages up front. Page memory is never
// reallocated after this point.
func NewCache(cfg config.Config, numPages int) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if numPages <= 0 {
		return nil, fmt.Errorf("numPages must be positive, got %d", numPages)
	}
	c := &Cache{
		cfg:      cfg,
		numPages: numPages,
		log:      logger.With("paged_cache"),
	}
	var elems int
	if cfg.Kind == config.MLA {
		c.latent = make([]*LatentStore, cfg.Layers)
		for i := range c.latent {
			c.latent[i] = NewLatentStore(numPages, cfg.PageSize, cfg.QKDim())
		}
		elems = cfg.Layers * numPages * cfg.PageSize * cfg.QKDim()
	} else {
		c.layers = make([]*Store, cfg.Layers)
		for i := range c.layers {
			c.layers[i] = NewStore(numPages, cfg.PageSize, cfg.NumKVHeads, cfg.HeadDim)
		}
		elems = cfg.Layers * numPages * 2 * cfg.NumKVHeads * cfg.PageSize * cfg.HeadDim
	}
	capacity := int64(elems) * 4
	metrics.RecordKVCacheStats(capacity, 0)
	c.log.Info("allocated paged KV cache",
		"kind", cfg.Kind.String(),
		"layers", cfg.Layers,
		"pages", numPages,
		"page_size", cfg.PageSize,
		"bytes", capacity)
	return c, nil
}

func (c *Cache) Config() config.Config { return c.cfg }
func (c *Cache) NumPages() int         { return c.numPages }

// Layer returns the MHA-family store of one layer.
func (c *Cache) Layer(i int) *Store { return c.layers[i] }

// Latent returns the MLA store of one layer.
func (c *Cache) Latent(i int) *LatentStore { return c.latent[i] }

// Append persists one layer's freshly computed KV. Keys are rotated before
// the store when the cache runs in RopeNormal mode; positions is required in
// that mode and ignored otherwise.
func (c *Cache) Append(layer int, k, v []float32, posMap, positions []int32) {
	if c.cfg.RopeMode == config.RopeNormal {
		rp := c.cfg.Rope()
		c.layers[layer].Append(k, v, posMap, &rp, positions)
	} else {
		c.layers[layer].Append(k, v, posMap, nil, nil)
	}
	c.countAppend(layer, posMap)
}

// AppendLatent persists one layer's compressed KV, kv flat [n, qkDim].
func (c *Cache) AppendLatent(layer int, kv []float32, posMap []int32) {
	c.latent[layer].Append(kv, posMap)
	c.countAppend(layer, posMap)
}

func (c *Cache) countAppend(layer int, posMap []int32) {
	var stored, skipped int
	for _, p := range posMap {
		if p == SkipSlot {
			skipped++
		} else {
			stored++
		}
	}
	if layer == 0 {
		c.appended += int64(stored)
		metrics.AppendedTokens.Add(float64(stored))
		if skipped > 0 {
			metrics.SkippedTokens.Add(float64(skipped))
		}
		metrics.KVCacheUsedBytes.Set(float64(c.appended * c.tokenBytes()))
	}
}

// tokenBytes is the cache footprint of one token across all layers.
func (c *Cache) tokenBytes() int64 {
	if c.cfg.Kind == config.MLA {
		return int64(c.cfg.Layers*c.cfg.QKDim()) * 4
	}
	return int64(c.cfg.Layers*2*c.cfg.NumKVHeads*c.cfg.HeadDim) * 4
}

// CopyPage duplicates a page prefix in every layer.
func (c *Cache) CopyPage(src, dst int32, copyLength int) {
	for _, s := range c.layers {
		s.CopyPage(src, dst, copyLength)
	}
	for _, s := range c.latent {
		s.CopyPage(src, dst, copyLength)
	}
	metrics.PageCopies.Inc()
	c.log.Debug("copied page", "src", src, "dst", dst, "length", copyLength)
}

// CompactCopy applies the same slot moves in every layer.
func (c *Cache) CompactCopy(indptr, srcPos, dstPos []int32) {
	for _, s := range c.layers {
		s.CompactCopy(indptr, srcPos, dstPos)
	}
	for _, s := range c.latent {
		s.CompactCopy(indptr, srcPos, dstPos)
	}
	total := indptr[len(indptr)-1]
	metrics.CompactedSlots.Add(float64(total))
	c.log.Debug("compacted cache slots", "moves", total)
}

// DebugKV gathers one layer's cached K and V for the slots in posMap.
func (c *Cache) DebugKV(layer int, posMap []int32, kOut, vOut []float32) {
	c.layers[layer].DebugKV(posMap, kOut, vOut)
}

// DebugLatent gathers one layer's latent slots.
func (c *Cache) DebugLatent(layer int, posMap []int32, out []float32) {
	c.latent[layer].DebugKV(posMap, out)
}
