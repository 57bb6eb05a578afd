package paged

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/rope"
)

func randVec(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func TestStore_AppendRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := NewStore(4, 4, 2, 8)

	const n = 10
	k := randVec(rng, n*2*8)
	v := randVec(rng, n*2*8)
	posMap := make([]int32, n)
	for i := range posMap {
		posMap[i] = int32(i)
	}
	s.Append(k, v, posMap, nil, nil)

	kOut := make([]float32, n*2*8)
	vOut := make([]float32, n*2*8)
	s.DebugKV(posMap, kOut, vOut)

	if diff := cmp.Diff(k, kOut); diff != "" {
		t.Fatalf("keys changed through the cache (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(v, vOut); diff != "" {
		t.Fatalf("values changed through the cache (-want +got):\n%s", diff)
	}
}

func TestStore_AppendSkipsSentinel(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	s := NewStore(2, 4, 1, 4)

	// Fill slot 3, then append over it with the skip sentinel.
	first := randVec(rng, 4)
	firstV := randVec(rng, 4)
	s.Append(first, firstV, []int32{3}, nil, nil)

	s.Append(randVec(rng, 2*4), randVec(rng, 2*4), []int32{SkipSlot, 5}, nil, nil)

	if diff := cmp.Diff(first, s.K(0, 0, 3)); diff != "" {
		t.Fatalf("skipped token overwrote slot 3 (-want +got):\n%s", diff)
	}
}

func TestStore_AppendRotatesKeys(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := NewStore(1, 4, 1, 8)
	rp := rope.Params{Theta: 10000, Scale: 1, RotaryDim: 8}

	k := randVec(rng, 8)
	v := randVec(rng, 8)
	s.Append(k, v, []int32{0}, &rp, []int32{5})

	want := append([]float32(nil), k...)
	rp.Rotate(want, 5)
	if diff := cmp.Diff(want, s.K(0, 0, 0)); diff != "" {
		t.Fatalf("stored key not rotated (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(v, s.V(0, 0, 0)); diff != "" {
		t.Fatalf("value must not be rotated (-want +got):\n%s", diff)
	}
}

func TestStore_CopyPage(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	s := NewStore(3, 4, 2, 4)
	n := 4
	posMap := make([]int32, n)
	for i := range posMap {
		posMap[i] = int32(i)
	}
	s.Append(randVec(rng, n*2*4), randVec(rng, n*2*4), posMap, nil, nil)

	s.CopyPage(0, 2, 3)

	for h := 0; h < 2; h++ {
		for p := 0; p < 3; p++ {
			if diff := cmp.Diff(s.K(0, h, p), s.K(2, h, p)); diff != "" {
				t.Fatalf("head %d slot %d keys differ (-src +dst):\n%s", h, p, diff)
			}
			if diff := cmp.Diff(s.V(0, h, p), s.V(2, h, p)); diff != "" {
				t.Fatalf("head %d slot %d values differ (-src +dst):\n%s", h, p, diff)
			}
		}
	}
	// Slot beyond copyLength stays untouched.
	for _, x := range s.K(2, 0, 3) {
		if x != 0 {
			t.Fatal("slot past copy length was written")
		}
	}
}

func TestStore_CompactCopyOrderIndependent(t *testing.T) {
	build := func() *Store {
		r := rand.New(rand.NewSource(6))
		s := NewStore(4, 4, 1, 4)
		posMap := make([]int32, 8)
		for i := range posMap {
			posMap[i] = int32(i)
		}
		s.Append(randVec(r, 8*4), randVec(r, 8*4), posMap, nil, nil)
		return s
	}

	indptr := []int32{0, 2, 4}
	src := []int32{0, 1, 2, 3}
	dst := []int32{8, 9, 10, 11}

	a := build()
	a.CompactCopy(indptr, src, dst)

	// Same moves expressed in reverse order.
	b := build()
	b.CompactCopy([]int32{0, 2, 4}, []int32{3, 2, 1, 0}, []int32{11, 10, 9, 8})

	if diff := cmp.Diff(a.Data(), b.Data()); diff != "" {
		t.Fatalf("compaction depends on move order (-a +b):\n%s", diff)
	}
}

func TestBatch_KVLenAndOffsets(t *testing.T) {
	b := BuildBatch([]Sequence{{
		Pages:       []int32{4, 7, 2},
		LastPageLen: 2,
		WindowStart: 3,
		SinkSize:    2,
		QLen:        1,
	}}, 4)

	if got := b.KVLen(0); got != 9 {
		t.Fatalf("KVLen: got %d, want 9", got)
	}
	// Sink tokens map to the page front.
	if got := b.SeqOffset(0, 1); got != 1 {
		t.Fatalf("sink offset: got %d, want 1", got)
	}
	// First windowed token lands at the window start.
	if got := b.SeqOffset(0, 2); got != 3 {
		t.Fatalf("window offset: got %d, want 3", got)
	}
	page, slot := b.Locate(0, 4)
	if page != 7 || slot != 1 {
		t.Fatalf("Locate: got (%d,%d), want (7,1)", page, slot)
	}
}

func TestBuildBatch_QueryPositions(t *testing.T) {
	b := BuildBatch([]Sequence{
		{Pages: []int32{0, 1}, LastPageLen: 3, QLen: 2, RopeOffset: 10},
		{Pages: []int32{2}, LastPageLen: 4, QLen: 1},
	}, 4)

	// Sequence 0 has 7 visible tokens starting at position 10; its two
	// query rows are the last two.
	want := []int32{15, 16, 3}
	if diff := cmp.Diff(want, b.QPositions); diff != "" {
		t.Fatalf("query positions (-want +got):\n%s", diff)
	}
	if rows := b.NumQueryRows(); rows != 3 {
		t.Fatalf("rows: got %d, want 3", rows)
	}
}

func TestLatentStore_RoundTripAndCompact(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewLatentStore(2, 4, 6)

	kv := randVec(rng, 3*6)
	s.Append(kv, []int32{0, SkipSlot, 5})

	out := make([]float32, 3*6)
	s.DebugKV([]int32{0, SkipSlot, 5}, out)
	if diff := cmp.Diff(kv[:6], out[:6]); diff != "" {
		t.Fatalf("slot 0 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(kv[12:], out[12:]); diff != "" {
		t.Fatalf("slot 5 (-want +got):\n%s", diff)
	}

	s.CompactCopy([]int32{0, 1}, []int32{5}, []int32{2})
	if diff := cmp.Diff(kv[12:18], s.KV(0, 2)); diff != "" {
		t.Fatalf("compacted slot (-want +got):\n%s", diff)
	}
}

func TestCache_AppendAcrossLayers(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	cfg := config.Default()
	cfg.NumQHeads = 4
	cfg.NumKVHeads = 2
	cfg.HeadDim = 4
	cfg.Layers = 3
	cfg.PageSize = 4
	c, err := NewCache(cfg, 2)
	if err != nil {
		t.Fatal(err)
	}

	posMap := []int32{0, 1, SkipSlot}
	for l := 0; l < cfg.Layers; l++ {
		k := randVec(rng, 3*2*4)
		v := randVec(rng, 3*2*4)
		c.Append(l, k, v, posMap, nil)

		kOut := make([]float32, 3*2*4)
		vOut := make([]float32, 3*2*4)
		c.DebugKV(l, posMap, kOut, vOut)
		if diff := cmp.Diff(k[:2*2*4], kOut[:2*2*4]); diff != "" {
			t.Fatalf("layer %d keys (-want +got):\n%s", l, diff)
		}
	}
}

func TestCache_RejectsBadGeometry(t *testing.T) {
	cfg := config.Default()
	cfg.NumQHeads = 3
	cfg.NumKVHeads = 2
	cfg.HeadDim = 4
	if _, err := NewCache(cfg, 4); err == nil {
		t.Fatal("expected divisibility error")
	}

	good := config.Default()
	good.NumQHeads = 4
	good.NumKVHeads = 2
	good.HeadDim = 4
	if _, err := NewCache(good, 0); err == nil {
		t.Fatal("expected page count error")
	}
}
