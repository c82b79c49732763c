package portaudio

// scheduled is one buffer waiting for, or in the middle of, playback. start
// is the device sample index of its first sample. seq provides FIFO ordering
// among buffers that share a start sample.
type scheduled struct {
	samples []float32
	start   int64
	seq     uint64
}

// end returns the device sample index one past the buffer's last sample.
func (s scheduled) end() int64 { return s.start + int64(len(s.samples)) }

// timeline implements [container/heap.Interface] as a min-heap ordered by
// start sample, with FIFO tie-breaking on seq.
type timeline []scheduled

func (h timeline) Len() int { return len(h) }

func (h timeline) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h timeline) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *timeline) Push(x any) {
	*h = append(*h, x.(scheduled))
}

// Pop removes and returns the last element. Called by [container/heap.Pop].
func (h *timeline) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = scheduled{}
	*h = old[:n-1]
	return e
}
