package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bracket engine.
type Metrics struct {
	// Lifecycle
	BracketsCreated prometheus.Counter
	Activations     prometheus.Counter
	TerminalTotal   *prometheus.CounterVec // labels: status
	OpenBrackets    prometheus.Gauge

	// Trailing / feed
	TicksTotal      prometheus.Counter
	TickDrops       prometheus.Counter
	TrailingUpdates prometheus.Counter
	TrailingNoops   prometheus.Counter
	WSReconnects    prometheus.Counter

	// Events
	EventsPublished *prometheus.CounterVec // labels: type
	EventDropsTotal *prometheus.CounterVec // labels: subscriber

	// Persistence
	SQLiteUpsertDur prometheus.Histogram
	RedisPublishDur prometheus.Histogram

	// Redis breaker
	RedisBreakerState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisBreakerTrips  prometheus.Counter
	RedisBufferedEvent prometheus.Counter

	// Broker
	BrokerRejections prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		BracketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_brackets_created_total",
			Help: "Total bracket orders created",
		}),
		Activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_activations_total",
			Help: "Total brackets activated by a full parent fill",
		}),
		TerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketengine_terminal_total",
			Help: "Brackets reaching a terminal state (by status)",
		}, []string{"status"}),
		OpenBrackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bracketengine_open_brackets",
			Help: "Currently open (non-terminal) brackets",
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_ticks_total",
			Help: "Total ticks received from the price feed",
		}),
		TickDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_tick_drops_total",
			Help: "Trailing update jobs dropped (worker queue full)",
		}),
		TrailingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_trailing_updates_total",
			Help: "Trailing stop water mark moves",
		}),
		TrailingNoops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_trailing_noops_total",
			Help: "Ticks evaluated against a trailing stop without moving it",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_ws_reconnects_total",
			Help: "Price feed WebSocket reconnection attempts",
		}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketengine_events_published_total",
			Help: "Lifecycle events published to Redis (by type)",
		}, []string{"type"}),
		EventDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketengine_event_drops_total",
			Help: "Events dropped by the emitter per subscriber",
		}, []string{"subscriber"}),

		SQLiteUpsertDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bracketengine_sqlite_upsert_duration_seconds",
			Help:    "SQLite write-through latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bracketengine_redis_publish_duration_seconds",
			Help:    "Redis event publish latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bracketengine_redis_breaker_state",
			Help: "Redis publish breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_redis_breaker_trips_total",
			Help: "Times the Redis publish breaker tripped open",
		}),
		RedisBufferedEvent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_redis_buffered_events_total",
			Help: "Events buffered locally while the Redis breaker was open",
		}),

		BrokerRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bracketengine_broker_rejections_total",
			Help: "Broker order placements rejected",
		}),
	}

	prometheus.MustRegister(
		m.BracketsCreated,
		m.Activations,
		m.TerminalTotal,
		m.OpenBrackets,
		m.TicksTotal,
		m.TickDrops,
		m.TrailingUpdates,
		m.TrailingNoops,
		m.WSReconnects,
		m.EventsPublished,
		m.EventDropsTotal,
		m.SQLiteUpsertDur,
		m.RedisPublishDur,
		m.RedisBreakerState,
		m.RedisBreakerTrips,
		m.RedisBufferedEvent,
		m.BrokerRejections,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	OpenBrackets   int       `json:"open_brackets"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetOpenBrackets(n int) {
	h.mu.Lock()
	h.OpenBrackets = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	// SQLite is the source of truth; losing it means the engine cannot
	// commit transitions. Redis and the feed degrade, not kill.
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if !h.WSConnected || !h.RedisConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		OpenBrackets    int     `json:"open_brackets"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		OpenBrackets:    h.OpenBrackets,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
