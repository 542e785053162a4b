package ringbuf

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketcore/internal/model"
)

func trade(sym string, ts int64) model.Trade {
	return model.Trade{Symbol: sym, Price: 100, Volume: 1, Timestamp: ts}
}

func TestRing_PushPopOrder(t *testing.T) {
	r := New(3) // rounds to 4
	if r.Cap() != 4 {
		t.Fatalf("Cap() = %d, want 4", r.Cap())
	}
	r.Push(trade("A", 1))
	r.Push(trade("B", 2))
	if r.Len() != 2 {
		t.Fatalf("Len() = %d", r.Len())
	}
	if got, ok := r.Pop(); !ok || got.Symbol != "A" {
		t.Fatalf("Pop() = %v, %v", got.Symbol, ok)
	}
	if got, ok := r.Pop(); !ok || got.Symbol != "B" {
		t.Fatalf("Pop() = %v, %v", got.Symbol, ok)
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New(2)
	var hooked int
	r.OnOverflow = func() { hooked++ }
	r.Push(trade("A", 1))
	r.Push(trade("A", 2))
	if r.Push(trade("A", 3)) {
		t.Fatal("push to full ring should return false")
	}
	if r.Overflow() != 1 || hooked != 1 {
		t.Fatalf("overflow=%d hooked=%d", r.Overflow(), hooked)
	}
	if got, _ := r.Pop(); got.Timestamp != 1 {
		t.Errorf("dropped push overwrote the oldest trade")
	}
}

func TestRing_PopBatchWraparound(t *testing.T) {
	r := New(4)
	dst := make([]model.Trade, 3)
	next := int64(0)
	want := int64(0)
	for round := 0; round < 6; round++ {
		for r.Push(trade("X", next)) {
			next++
		}
		n := r.PopBatch(dst)
		if n != 3 {
			t.Fatalf("round %d: PopBatch = %d", round, n)
		}
		for i := 0; i < n; i++ {
			if dst[i].Timestamp != want {
				t.Fatalf("round %d: got ts %d, want %d", round, dst[i].Timestamp, want)
			}
			want++
		}
	}
}

func TestRing_DrainConcurrent(t *testing.T) {
	const count = 50_000
	r := New(1024)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= count; i++ {
			for !r.Push(trade("X", i)) {
			}
		}
	}()

	received := make([]int64, 0, count)
	ticks := 0
	done := make(chan struct{})
	go func() {
		r.Drain(ctx, time.Millisecond, func(t model.Trade) { received = append(received, t.Timestamp) }, func() { ticks++ })
		close(done)
	}()

	wg.Wait()
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Drain did not return")
	}

	if ticks == 0 {
		t.Error("tick never ran")
	}
	if len(received) != count {
		t.Fatalf("received %d trades, want %d", len(received), count)
	}
	for i, v := range received {
		if v != int64(i+1) {
			t.Fatalf("at %d: got %d", i, v)
		}
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		if got := nextPow2(tc.in); got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
