// Package ringbuf provides a lock-free single-producer single-consumer ring
// of trades between the feed reader and the aggregation loop.
package ringbuf

import (
	"context"
	"sync/atomic"
	"time"

	"marketcore/internal/model"
)

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// Ring is a lock-free SPSC ring buffer of trades. Capacity is a power of two.
type Ring struct {
	buf  []model.Trade
	mask uint64

	// Producer and consumer indices live on separate cache lines.
	_pad0 [cacheLine]byte
	head  atomic.Uint64 // written by producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // written by consumer
	_pad2 [cacheLine]byte

	overflow atomic.Uint64

	// OnOverflow, if set, is called by the producer for every dropped push.
	OnOverflow func()
}

// New creates a ring. capacity is rounded up to the next power of two, min 2.
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Trade, n),
		mask: uint64(n - 1),
	}
}

// Push appends a trade. It returns false and drops the trade when full.
func (r *Ring) Push(t model.Trade) bool {
	head := r.head.Load()
	if head-r.tail.Load() >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		if r.OnOverflow != nil {
			r.OnOverflow()
		}
		return false
	}
	r.buf[head&r.mask] = t
	r.head.Store(head + 1)
	return true
}

// Pop removes the oldest trade. It returns false when empty.
func (r *Ring) Pop() (model.Trade, bool) {
	tail := r.tail.Load()
	if tail >= r.head.Load() {
		return model.Trade{}, false
	}
	t := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return t, true
}

// PopBatch moves up to len(dst) trades into dst and returns how many.
func (r *Ring) PopBatch(dst []model.Trade) int {
	tail := r.tail.Load()
	avail := r.head.Load() - tail
	n := uint64(len(dst))
	if avail < n {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		dst[i] = r.buf[(tail+i)&r.mask]
	}
	r.tail.Store(tail + n)
	return int(n)
}

// Drain is the consumer loop: it hands every trade to fn in order and
// sleeps for idle when the ring is empty. tick, if not nil, runs after every
// batch and on every idle wake, on the same goroutine as fn. Drain returns
// when ctx is done, after draining what was already queued.
func (r *Ring) Drain(ctx context.Context, idle time.Duration, fn func(model.Trade), tick func()) {
	batch := make([]model.Trade, 256)
	for {
		n := r.PopBatch(batch)
		for i := 0; i < n; i++ {
			fn(batch[i])
		}
		if tick != nil {
			tick()
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			for n := r.PopBatch(batch); n > 0; n = r.PopBatch(batch) {
				for i := 0; i < n; i++ {
					fn(batch[i])
				}
			}
			return
		case <-time.After(idle):
		}
	}
}

// Len returns the current number of queued trades.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow returns the number of pushes dropped because the ring was full.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
