package main

import (
	"math/rand"
	"testing"
)

func TestParseInstruments(t *testing.T) {
	got := parseInstruments("aapl:185.5, MSFT ,:3,TSLA:-1")
	if len(got) != 3 {
		t.Fatalf("got %d instruments, want 3: %+v", len(got), got)
	}
	if got[0].Symbol != "AAPL" || got[0].Price != 185.5 {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Symbol != "MSFT" || got[1].Price != 100 {
		t.Errorf("got[1] = %+v", got[1])
	}
	if got[2].Symbol != "TSLA" || got[2].Price != 100 {
		t.Errorf("got[2] = %+v", got[2])
	}
}

func TestWalkPrice_StaysPositiveAndClose(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := 100.0
	for i := 0; i < 1000; i++ {
		next := walkPrice(rng, p)
		if next <= 0 || next < p*0.998 || next > p*1.002 {
			t.Fatalf("step %d: %v -> %v", i, p, next)
		}
		p = next
	}
}
