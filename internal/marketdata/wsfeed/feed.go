// Package wsfeed is a WebSocket trade feed client. Each text message on the
// wire is one JSON trade:
//
//	{"symbol":"AAPL","price":185.12,"volume":100,"timestamp":1705415412000}
//
// A JSON array of trades in one message is accepted too.
package wsfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"marketcore/internal/model"
)

// Sink receives decoded trades. Push returns false when the trade was
// dropped. *ringbuf.Ring satisfies it.
type Sink interface {
	Push(model.Trade) bool
}

// Config holds the feed configuration.
type Config struct {
	// URL of the trade WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Feed connects to a JSON trade stream and pushes trades into a Sink,
// reconnecting with exponential backoff.
type Feed struct {
	cfg Config

	// Optional hooks
	OnConnect    func()
	OnDisconnect func(err error)
	OnReconnect  func()
	OnTrade      func(model.Trade) // after a successful push
	OnDrop       func(reason string)
}

// New creates a Feed. Returns a ConfigError if the URL is not a ws/wss URL.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, model.NewConfigError("feed url", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, model.NewConfigError("feed url", errors.New("scheme must be ws or wss: "+cfg.URL))
	}
	return &Feed{cfg: cfg}, nil
}

// Start streams trades into sink until ctx is cancelled, reconnecting on
// disconnect.
func (f *Feed) Start(ctx context.Context, sink Sink) error {
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := f.runOnce(ctx, sink)
		if err == nil {
			return nil
		}
		if f.OnDisconnect != nil {
			f.OnDisconnect(err)
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}

		log.Printf("[wsfeed] disconnected (%v), reconnecting in %s...", err, delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes one connection and reads until disconnect or ctx cancel.
// connected reports whether the dial succeeded.
func (f *Feed) runOnce(ctx context.Context, sink Sink) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	log.Printf("[wsfeed] connected to %s", f.cfg.URL)
	if f.OnConnect != nil {
		f.OnConnect()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, err
		}

		trades, err := Decode(raw)
		if err != nil {
			log.Printf("[wsfeed] parse error: %v (raw: %s)", err, raw)
			f.drop("malformed")
			continue
		}
		for _, t := range trades {
			if !sink.Push(t) {
				f.drop("full")
				continue
			}
			if f.OnTrade != nil {
				f.OnTrade(t)
			}
		}
	}
}

func (f *Feed) drop(reason string) {
	if f.OnDrop != nil {
		f.OnDrop(reason)
	}
}

// Decode parses one message: a trade object or an array of them. Trades are
// not validated here; the aggregator rejects bad ones.
func Decode(raw []byte) ([]model.Trade, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var ts []model.Trade
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, err
		}
		return ts, nil
	}
	var t model.Trade
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return []model.Trade{t}, nil
}
