// Package feed connects the bracket engine to a market data source. The
// ingest half reads JSON ticks off a WebSocket; the dispatcher half fans
// them out to the trailing stops watching each symbol.
//
// The expected JSON message format on the wire is identical to model.Tick:
//
//	{"symbol":"NIFTY24DEC24000CE","underlying":"NIFTY","price":1850050,"qty":50,"tick_ts":"..."}
package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"bracket-enginev1/internal/model"

	"github.com/gorilla/websocket"
)

// IngestConfig holds configuration for the WS tick ingest.
type IngestConfig struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *IngestConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Ingest connects to a plain-JSON WebSocket tick server and pushes
// model.Tick values into tickCh.
type Ingest struct {
	cfg IngestConfig

	// Optional hooks for metrics wiring.
	OnReconnect func()
	OnConnect   func()
}

// NewIngest creates a new Ingest. Returns an error if the URL is unparseable.
func NewIngest(cfg IngestConfig) (*Ingest, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &Ingest{cfg: cfg}, nil
}

// Start connects to the WebSocket and streams ticks into tickCh. Blocks
// until ctx is cancelled. Reconnects automatically on disconnect with
// exponential backoff.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := ing.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := ing.runOnce(ctx, tickCh)
		if err == nil {
			// Context cancelled cleanly
			return nil
		}

		log.Printf("[feed] disconnected (%v), reconnecting in %s...", err, delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel.
func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[feed] connected to %s", ing.cfg.URL)
	if ing.OnConnect != nil {
		ing.OnConnect()
	}

	// Async context watcher — closes the connection when ctx is cancelled.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[feed] parse error: %v (raw: %s)", err, raw)
			continue
		}

		if tick.Symbol == "" || tick.Price <= 0 {
			continue
		}

		select {
		case tickCh <- tick:
		default:
			log.Println("[feed] tickCh full, dropping tick")
		}
	}
}
