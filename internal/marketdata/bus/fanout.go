// Package bus fans completed bars out to independent sinks.
package bus

import (
	"context"
	"log"
	"sync"

	"marketcore/internal/model"
)

// FanOut broadcasts bars from one input channel to N subscriber channels.
// A full subscriber loses the bar rather than blocking the others.
type FanOut struct {
	mu      sync.RWMutex
	outputs []subscriber
	bufSize int

	// OnDrop is called when a bar is dropped for a subscriber.
	OnDrop func(name string)
}

type subscriber struct {
	name string
	ch   chan model.Bar
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new named output channel. Channels are
// closed when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.Bar {
	ch := make(chan model.Bar, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, subscriber{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers until ctx is
// cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Bar) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.outputs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-input:
			if !ok {
				return
			}
			f.publish(b)
		}
	}
}

func (f *FanOut) publish(b model.Bar) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.outputs {
		select {
		case s.ch <- b:
		default:
			if f.OnDrop != nil {
				f.OnDrop(s.name)
			} else {
				log.Printf("[bus] %s full, dropping bar %s %s", s.name, b.Symbol, b.Timestamp.Format("15:04"))
			}
		}
	}
}

// ChannelStat is the fill level of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the fill level of every subscriber.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, s := range f.outputs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
