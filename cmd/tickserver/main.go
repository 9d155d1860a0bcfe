// cmd/tickserver — Demo WebSocket tick server.
// Broadcasts simulated derivative ticks for running the bracket engine
// without a real market data feed.
//
// Tick JSON shape is identical to model.Tick:
//
//	{"symbol":"NIFTY24DEC24000CE","underlying":"NIFTY","price":1850050,"qty":50,"tick_ts":"..."}
//
// Price is in paise (1 INR = 100 paise), same as the live feed.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  — listen address  (default: ":9001")
//	TICK_SYMBOLS      — comma-separated SYMBOL:UNDERLYING pairs (default: "NIFTY24DEC24000CE:NIFTY")
//	TICK_INTERVAL_MS  — broadcast interval milliseconds (default: "100")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// tickMsg mirrors model.Tick for JSON serialisation.
type tickMsg struct {
	Symbol     string    `json:"symbol"`
	Underlying string    `json:"underlying"`
	Price      int64     `json:"price"` // paise
	Qty        int64     `json:"qty"`
	TickTS     time.Time `json:"tick_ts"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol     string
	Underlying string
	Price      int64 // current simulated price in paise
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

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

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

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

		// Write pump: sends tick JSON to this client.
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

// walkPrice applies a small random walk (±0.3%) to simulate option price
// movement. Options move harder than the underlying, hence the wider band.
func walkPrice(price int64) int64 {
	pct := (rand.Float64()*0.6 - 0.3) / 100.0
	delta := int64(float64(price) * pct)
	newPrice := price + delta
	if newPrice < 100 { // floor at 1 rupee
		newPrice = 100
	}
	return newPrice
}

func runGenerator(h *hub, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for i := range instruments {
			instruments[i].Price = walkPrice(instruments[i].Price)
			msg := tickMsg{
				Symbol:     instruments[i].Symbol,
				Underlying: instruments[i].Underlying,
				Price:      instruments[i].Price,
				Qty:        int64(rand.Intn(100) + 1),
				TickTS:     time.Now().UTC(),
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo tick server...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	symbolsEnv := envOrDefault("TICK_SYMBOLS", "NIFTY24DEC24000CE:NIFTY")
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 100)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_SYMBOLS")
	}
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %dms", intervalMs)

	h := newHub()

	go runGenerator(h, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	// Default starting premiums in paise.
	defaultPrices := map[string]int64{
		"NIFTY24DEC24000CE":     185_00,
		"NIFTY24DEC23500PE":     95_00,
		"BANKNIFTY24DEC51000CE": 420_00,
	}

	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[tickserver] skipping invalid symbol spec: %q", part)
			continue
		}
		symbol, underlying := strings.TrimSpace(seg[0]), strings.TrimSpace(seg[1])
		price := defaultPrices[symbol]
		if price == 0 {
			price = 100_00 // default ₹100.00 premium
		}
		result = append(result, instrument{
			Symbol:     symbol,
			Underlying: underlying,
			Price:      price,
		})
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
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
