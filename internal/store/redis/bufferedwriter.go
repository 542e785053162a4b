package redis

import (
	"context"
	"log"
	"sync"

	"marketcore/internal/model"
)

// Sink is what BufferedWriter guards. *Writer satisfies it.
type Sink interface {
	model.BarWriter
	model.IndicatorWriter
}

// pendingWrite is a write held back while the circuit is open.
type pendingWrite struct {
	timeframe string
	bars      []model.Bar
	rows      []model.IndicatorRow
}

// BufferedWriter wraps a Sink with a circuit breaker. While the circuit is
// open, writes are kept in memory (oldest dropped past maxBuf) and replayed
// in order after the next successful write.
type BufferedWriter struct {
	sink Sink
	cb   *CircuitBreaker

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Callbacks
	OnBuffer func()          // a write was buffered
	OnDrop   func()          // the buffer was full and the oldest write was dropped
	OnFlush  func(count int) // buffered writes were replayed
}

// NewBufferedWriter creates a BufferedWriter. maxBufferSize <= 0 means 10000.
func NewBufferedWriter(sink Sink, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	return &BufferedWriter{
		sink:   sink,
		cb:     cb,
		buffer: make([]pendingWrite, 0, 64),
		maxBuf: maxBufferSize,
	}
}

// WriteBars writes bars through the circuit breaker. An open circuit
// buffers them and returns nil.
func (bw *BufferedWriter) WriteBars(ctx context.Context, timeframe string, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return bw.write(ctx, pendingWrite{timeframe: timeframe, bars: append([]model.Bar(nil), bars...)})
}

// WriteIndicators writes indicator rows through the circuit breaker.
func (bw *BufferedWriter) WriteIndicators(ctx context.Context, rows []model.IndicatorRow) error {
	if len(rows) == 0 {
		return nil
	}
	return bw.write(ctx, pendingWrite{rows: append([]model.IndicatorRow(nil), rows...)})
}

func (bw *BufferedWriter) write(ctx context.Context, pw pendingWrite) error {
	// Keep order: anything still buffered goes out first.
	if bw.PendingCount() > 0 {
		if err := bw.flush(ctx); err != nil {
			bw.bufferWrite(pw)
			return nil
		}
	}
	err := bw.cb.Execute(func() error { return bw.apply(ctx, pw) })
	if err == ErrCircuitOpen {
		bw.bufferWrite(pw)
		return nil
	}
	return err
}

func (bw *BufferedWriter) apply(ctx context.Context, pw pendingWrite) error {
	if pw.bars != nil {
		return bw.sink.WriteBars(ctx, pw.timeframe, pw.bars)
	}
	return bw.sink.WriteIndicators(ctx, pw.rows)
}

func (bw *BufferedWriter) bufferWrite(pw pendingWrite) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
		if bw.OnDrop != nil {
			bw.OnDrop()
		}
	}
	bw.buffer = append(bw.buffer, pw)
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered writes in order. It stops at the first failure and
// keeps the rest buffered.
func (bw *BufferedWriter) flush(ctx context.Context) error {
	bw.mu.Lock()
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 64)
	bw.mu.Unlock()

	for i, pw := range toFlush {
		if err := bw.cb.Execute(func() error { return bw.apply(ctx, pw) }); err != nil {
			bw.mu.Lock()
			bw.buffer = append(append([]pendingWrite(nil), toFlush[i:]...), bw.buffer...)
			bw.mu.Unlock()
			if i > 0 && bw.OnFlush != nil {
				bw.OnFlush(i)
			}
			return err
		}
	}
	if len(toFlush) > 0 {
		log.Printf("[redis] flushed %d buffered writes", len(toFlush))
		if bw.OnFlush != nil {
			bw.OnFlush(len(toFlush))
		}
	}
	return nil
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
