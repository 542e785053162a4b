// cmd/tickserver is a demo WebSocket trade server. It broadcasts simulated
// trades in the wire shape mdengine's feed reads, so the pipeline can run
// end to end without a market data vendor.
//
//	{"symbol":"AAPL","price":185.12,"volume":100,"timestamp":1705415412000}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated SYMBOL:PRICE pairs (default "AAPL:185,MSFT:390")
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default 100)
//	TICK_BATCH        send all symbols as one JSON array per interval (default false)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketcore/internal/model"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  float64
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Reader: notices client close so the write pump can stop.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// walkPrice moves price by up to ±0.1%, rounded to the cent.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	p := math.Round(price*(1+pct)*100) / 100
	if p < 0.01 {
		p = 0.01
	}
	return p
}

func runGenerator(h *hub, instruments []instrument, interval time.Duration, batch bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for range ticker.C {
		now := time.Now().UnixMilli()
		trades := make([]model.Trade, len(instruments))
		for i := range instruments {
			instruments[i].Price = walkPrice(rng, instruments[i].Price)
			trades[i] = model.Trade{
				Symbol:    instruments[i].Symbol,
				Price:     instruments[i].Price,
				Volume:    int64(rng.Intn(100) + 1),
				Timestamp: now,
			}
		}
		if batch {
			if b, err := json.Marshal(trades); err == nil {
				h.broadcast(b)
			}
			continue
		}
		for _, t := range trades {
			if b, err := json.Marshal(t); err == nil {
				h.broadcast(b)
			}
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo trade server...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	instruments := parseInstruments(envOrDefault("TICK_SYMBOLS", "AAPL:185,MSFT:390"))
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 100)
	batch := strings.EqualFold(os.Getenv("TICK_BATCH"), "true")
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_SYMBOLS")
	}
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %dms (batch=%v)", intervalMs, batch)

	h := newHub()
	go runGenerator(h, instruments, time.Duration(intervalMs)*time.Millisecond, batch)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","clients":%d}`+"\n", h.count())
	})

	log.Printf("[tickserver] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// parseInstruments parses SYMBOL:PRICE pairs. A missing or bad price
// starts the walk at 100.
func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, _ := strings.Cut(part, ":")
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			log.Printf("[tickserver] skipping invalid symbol spec: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
		if err != nil || price <= 0 {
			price = 100
		}
		result = append(result, instrument{Symbol: sym, Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
