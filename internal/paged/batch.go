package paged

// Batch is the CSR view the kernels iterate over: a ragged batch of query
// rows and, per sequence, the list of pages holding its visible KV history.
// All index arrays use int32 to match the on-wire form of the page tables.
type Batch struct {
	PageSize int

	// QIndptr delimits the query rows of each sequence: sequence i owns
	// rows [QIndptr[i], QIndptr[i+1]).
	QIndptr []int32

	// PageIndptr and PageValues form the page table: sequence i reads
	// pages PageValues[PageIndptr[i]:PageIndptr[i+1]] in order.
	PageIndptr []int32
	PageValues []int32

	// LastPageLen is the number of occupied slots in each sequence's last
	// page; every earlier page is full.
	LastPageLen []int32

	// WindowStart and SinkSize describe the sliding-window state of each
	// sequence. Both are all-zero for full attention: the visible history
	// is then simply the pages end to end.
	WindowStart []int32
	SinkSize    []int32

	// QPositions holds the absolute rope position of every query row.
	QPositions []int32

	// KRopeOffset is the rope position of each sequence's first visible
	// cached token.
	KRopeOffset []int32
}

// NumSequences returns the batch size.
func (b *Batch) NumSequences() int { return len(b.QIndptr) - 1 }

// NumQueryRows returns the total ragged query length.
func (b *Batch) NumQueryRows() int { return int(b.QIndptr[len(b.QIndptr)-1]) }

// KVLen returns the number of visible KV entries of sequence i: the sink
// tokens plus the windowed tail. With an empty page list it is zero.
func (b *Batch) KVLen(i int) int {
	np := int(b.PageIndptr[i+1] - b.PageIndptr[i])
	if np == 0 {
		return 0
	}
	n := (np-1)*b.PageSize + int(b.LastPageLen[i])
	n += int(b.SinkSize[i]) - int(b.WindowStart[i])
	return n
}

// SeqOffset maps a visible KV index of sequence i to its physical offset
// within the sequence's pages. Sink tokens sit at the front of the first
// page; everything after them starts at the window boundary.
func (b *Batch) SeqOffset(i, pos int) int {
	if pos < int(b.SinkSize[i]) {
		return pos
	}
	return pos - int(b.SinkSize[i]) + int(b.WindowStart[i])
}

// Locate resolves a visible KV index of sequence i to (page, slot).
func (b *Batch) Locate(i, pos int) (page, slot int) {
	off := b.SeqOffset(i, pos)
	page = int(b.PageValues[int(b.PageIndptr[i])+off/b.PageSize])
	slot = off % b.PageSize
	return page, slot
}

// Sequence describes one batch member for BuildBatch.
type Sequence struct {
	Pages       []int32
	LastPageLen int32
	WindowStart int32
	SinkSize    int32

	// QLen is the number of query rows this step; RopeOffset the position
	// of the sequence's first visible cached token.
	QLen       int
	RopeOffset int32
}

// BuildBatch assembles the CSR arrays for a set of sequences. Query rows are
// assigned the trailing positions of each sequence's visible history, so a
// prefill that just appended its queries attends causally up to itself.
func BuildBatch(seqs []Sequence, pageSize int) *Batch {
	n := len(seqs)
	b := &Batch{
		PageSize:    pageSize,
		QIndptr:     make([]int32, n+1),
		PageIndptr:  make([]int32, n+1),
		LastPageLen: make([]int32, n),
		WindowStart: make([]int32, n),
		SinkSize:    make([]int32, n),
		KRopeOffset: make([]int32, n),
	}
	for i, s := range seqs {
		b.QIndptr[i+1] = b.QIndptr[i] + int32(s.QLen)
		b.PageIndptr[i+1] = b.PageIndptr[i] + int32(len(s.Pages))
		b.PageValues = append(b.PageValues, s.Pages...)
		b.LastPageLen[i] = s.LastPageLen
		b.WindowStart[i] = s.WindowStart
		b.SinkSize[i] = s.SinkSize
		b.KRopeOffset[i] = s.RopeOffset
	}
	b.QPositions = make([]int32, b.NumQueryRows())
	for i, s := range seqs {
		kvLen := b.KVLen(i)
		base := int(b.QIndptr[i])
		for j := 0; j < s.QLen; j++ {
			b.QPositions[base+j] = s.RopeOffset + int32(kvLen-s.QLen+j)
		}
	}
	return b
}
