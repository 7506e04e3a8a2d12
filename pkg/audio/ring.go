package audio

import (
	"sync/atomic"
)

// Ring is a single-producer single-consumer ring buffer of float32 samples.
// The producer side is wait-free: when the buffer is full the oldest samples
// are overwritten and the drop counter is incremented, so a realtime audio
// callback can always complete a Push without blocking or allocating.
type Ring struct {
	buf  []float32
	mask uint64

	head atomic.Uint64 // next write position (producer)
	tail atomic.Uint64 // next read position (consumer, may be advanced by producer on overflow)

	drops     atomic.Uint64
	underruns atomic.Uint64
}

// NewRing creates a ring holding at least capacity samples. The actual
// capacity is rounded up to the next power of two.
func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring{
		buf:  make([]float32, n),
		mask: uint64(n - 1),
	}
}

// Cap returns the ring's capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	h := r.head.Load()
	t := r.tail.Load()
	return int(h - t)
}

// Push appends samples, overwriting the oldest buffered data if there is not
// enough free space. Returns the number of samples that were dropped to make
// room. Safe to call from a realtime callback.
func (r *Ring) Push(samples []float32) int {
	n := uint64(len(samples))
	if n == 0 {
		return 0
	}
	dropped := 0
	if n > uint64(len(r.buf)) {
		// Keep only the newest full ring's worth.
		over := n - uint64(len(r.buf))
		r.drops.Add(over)
		dropped = int(over)
		samples = samples[over:]
		n = uint64(len(samples))
	}

	h := r.head.Load()
	for {
		t := r.tail.Load()
		free := uint64(len(r.buf)) - (h - t)
		if n <= free {
			break
		}
		need := n - free
		// Advance the tail past the oldest samples. CAS because the consumer
		// may be advancing it concurrently; either way the space frees up.
		if r.tail.CompareAndSwap(t, t+need) {
			dropped += int(need)
			r.drops.Add(need)
			break
		}
	}

	for i, s := range samples {
		r.buf[(h+uint64(i))&r.mask] = s
	}
	r.head.Store(h + n)
	return dropped
}

// Read consumes up to len(dst) samples into dst and returns the count.
// When the ring holds fewer samples than requested the underrun counter is
// incremented once; the caller decides what to emit for the shortfall.
func (r *Ring) Read(dst []float32) int {
	want := uint64(len(dst))
	if want == 0 {
		return 0
	}
	for {
		t := r.tail.Load()
		h := r.head.Load()
		avail := h - t
		n := want
		if avail < n {
			n = avail
		}
		if n == 0 {
			r.underruns.Add(1)
			return 0
		}
		for i := uint64(0); i < n; i++ {
			dst[i] = r.buf[(t+i)&r.mask]
		}
		if r.tail.CompareAndSwap(t, t+n) {
			if n < want {
				r.underruns.Add(1)
			}
			return int(n)
		}
		// Producer overwrote our window; retry with the fresh tail.
	}
}

// Tail copies the most recent n buffered samples into dst without consuming
// them, returning how many were copied. Used by the band analyser, which only
// ever needs a snapshot of the newest window.
func (r *Ring) Tail(dst []float32) int {
	want := uint64(len(dst))
	if want == 0 {
		return 0
	}
	h := r.head.Load()
	t := r.tail.Load()
	avail := h - t
	if avail == 0 {
		return 0
	}
	n := want
	if avail < n {
		n = avail
	}
	start := h - n
	for i := uint64(0); i < n; i++ {
		dst[i] = r.buf[(start+i)&r.mask]
	}
	return int(n)
}

// Clear discards all buffered samples. Used on barge-in, where the playback
// ring must be empty within 50ms of the interrupt signal.
func (r *Ring) Clear() {
	r.tail.Store(r.head.Load())
}

// Drops returns the total number of samples discarded due to overflow.
func (r *Ring) Drops() uint64 { return r.drops.Load() }

// Underruns returns the number of reads that could not be fully satisfied.
func (r *Ring) Underruns() uint64 { return r.underruns.Load() }
