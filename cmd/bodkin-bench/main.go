package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/attn"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/export"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
	"github.com/23skdu/longbow-bodkin/internal/paged"
)

var (
	numSeqs    = flag.Int("seqs", 8, "Sequences in the benchmark batch")
	kvLen      = flag.Int("kv", 2048, "Cached tokens per sequence")
	qLen       = flag.Int("q", 128, "Query tokens per sequence for prefill")
	qHeads     = flag.Int("heads", 32, "Query heads")
	kvHeads    = flag.Int("kv-heads", 8, "KV heads")
	headDim    = flag.Int("dim", 128, "Head dimension")
	pageSize   = flag.Int("page", 16, "Page capacity in tokens")
	iters      = flag.Int("iters", 10, "Benchmark iterations")
	backend    = flag.String("backend", "parallel", "Execution backend: sequential or parallel")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	listen     = flag.String("listen", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	exportAddr = flag.String("export", "", "Export the cache to this Arrow Flight address after the run")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	var be device.Backend
	switch *backend {
	case "sequential":
		be = device.NewSequential()
	case "parallel":
		be = device.NewParallel()
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	cfg := config.Default()
	cfg.NumQHeads = *qHeads
	cfg.NumKVHeads = *kvHeads
	cfg.HeadDim = *headDim
	cfg.PageSize = *pageSize
	cfg.RotaryDim = *headDim
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid geometry: %v", err)
	}

	perSeqPages := (*kvLen + *pageSize - 1) / *pageSize
	cache, err := paged.NewCache(cfg, *numSeqs*perSeqPages)
	if err != nil {
		log.Fatalf("allocating cache: %v", err)
	}

	if *listen != "" {
		mon := monitoring.NewServer(*listen, cfg, cache.NumPages())
		go func() {
			if err := mon.Start(); err != nil {
				log.Fatalf("monitoring server: %v", err)
			}
		}()
		fmt.Printf("Serving /metrics and /healthz on %s\n", *listen)
	}

	rng := rand.New(rand.NewSource(1))
	fillCache(cache, rng, *numSeqs, perSeqPages)
	batch := buildBatch(*numSeqs, perSeqPages, *kvLen, *qLen, *pageSize)

	params := attn.Params{
		Cfg:     &cfg,
		Backend: be,
		SMScale: 1 / float32(math.Sqrt(float64(*headDim))),
		Causal:  true,
	}

	rows := batch.NumQueryRows()
	q := randSlice(rng, rows**qHeads**headDim)
	out := make([]float32, rows**qHeads**headDim)
	lse := make([]float32, rows**qHeads)

	fmt.Printf("Backend: %s, %d seqs x %d kv tokens, %d query rows\n",
		be.Name(), *numSeqs, *kvLen, rows)

	start := time.Now()
	for i := 0; i < *iters; i++ {
		attn.PrefillPaged(params, cache.Layer(0), batch, q, out, lse)
	}
	elapsed := time.Since(start)
	tokens := float64(rows**iters)
	fmt.Printf("Prefill: %v/iter (%.0f tok/s)\n", elapsed/time.Duration(*iters), tokens/elapsed.Seconds())

	decodeBatch := buildBatch(*numSeqs, perSeqPages, *kvLen, 1, *pageSize)
	dq := randSlice(rng, *numSeqs**qHeads**headDim)
	dout := make([]float32, *numSeqs**qHeads**headDim)
	dlse := make([]float32, *numSeqs**qHeads)

	start = time.Now()
	for i := 0; i < *iters; i++ {
		attn.Decode(params, cache.Layer(0), decodeBatch, dq, dout, dlse)
	}
	elapsed = time.Since(start)
	fmt.Printf("Decode: %v/iter (%.0f tok/s)\n",
		elapsed/time.Duration(*iters), float64(*numSeqs**iters)/elapsed.Seconds())

	if *exportAddr != "" {
		sink, err := export.Dial(*exportAddr)
		if err != nil {
			log.Fatalf("export: %v", err)
		}
		exp := export.NewExporter(sink)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exp.ExportCache(ctx, cache, "bodkin-bench"); err != nil {
			log.Fatalf("export: %v", err)
		}
		fmt.Printf("Exported cache snapshot to %s\n", *exportAddr)
	}
}

func fillCache(c *paged.Cache, rng *rand.Rand, seqs, perSeqPages int) {
	cfg := c.Config()
	tokens := perSeqPages * cfg.PageSize
	k := randSlice(rng, tokens*cfg.NumKVHeads*cfg.HeadDim)
	v := randSlice(rng, tokens*cfg.NumKVHeads*cfg.HeadDim)
	posMap := make([]int32, tokens)
	positions := make([]int32, tokens)
	for s := 0; s < seqs; s++ {
		for t := range posMap {
			posMap[t] = int32(s*tokens + t)
			positions[t] = int32(t)
		}
		for l := 0; l < cfg.Layers; l++ {
			c.Append(l, k, v, posMap, positions)
		}
	}
}

func buildBatch(seqs, perSeqPages, kvLen, qLen, pageSize int) *paged.Batch {
	descs := make([]paged.Sequence, seqs)
	for s := range descs {
		pages := make([]int32, perSeqPages)
		for p := range pages {
			pages[p] = int32(s*perSeqPages + p)
		}
		last := kvLen - (perSeqPages-1)*pageSize
		descs[s] = paged.Sequence{
			Pages:       pages,
			LastPageLen: int32(last),
			QLen:        qLen,
		}
	}
	return paged.BuildBatch(descs, pageSize)
}

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}
