package device

import (
	"runtime"
	"sync"
)

// Backend fixes the tile geometry of the streaming attention kernels and
// schedules their independent work items. Results are identical across
// backends up to floating-point summation order.
type Backend interface {
	Name() string

	// TileQ is the number of (token, head) query rows processed per tile.
	TileQ() int

	// TileKV is the number of KV rows streamed per chunk.
	TileKV() int

	// Run executes n independent work items. Items must not share mutable
	// state; the call returns once all items finished.
	Run(n int, fn func(i int))
}

// Sequential evaluates every work item in order on the calling goroutine.
type Sequential struct {
	QTile  int
	KVTile int
}

func NewSequential() *Sequential {
	return &Sequential{QTile: 1, KVTile: 16}
}

func (b *Sequential) Name() string { return "sequential" }
func (b *Sequential) TileQ() int   { return b.QTile }
func (b *Sequential) TileKV() int  { return b.KVTile }

func (b *Sequential) Run(n int, fn func(i int)) {
	for i := 0; i < n; i++ {
		fn(i)
	}
}

// Parallel fans work items out over a fixed number of goroutines, chunked so
// each worker takes a contiguous range.
type Parallel struct {
	Workers int
	QTile   int
	KVTile  int
}

func NewParallel() *Parallel {
	return &Parallel{Workers: runtime.NumCPU(), QTile: 16, KVTile: 32}
}

func (b *Parallel) Name() string { return "parallel" }
func (b *Parallel) TileQ() int   { return b.QTile }
func (b *Parallel) TileKV() int  { return b.KVTile }

func (b *Parallel) Run(n int, fn func(i int)) {
	workers := b.Workers
	if workers < 1 {
		workers = 1
	}
	chunkSize := (n + workers - 1) / workers
	if chunkSize < 1 {
		chunkSize = 1
	}
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
