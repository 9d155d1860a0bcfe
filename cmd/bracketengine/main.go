package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"bracket-enginev1/config"
	"bracket-enginev1/internal/api"
	"bracket-enginev1/internal/bracket"
	"bracket-enginev1/internal/broker"
	"bracket-enginev1/internal/events"
	"bracket-enginev1/internal/feed"
	"bracket-enginev1/internal/logger"
	"bracket-enginev1/internal/metrics"
	"bracket-enginev1/internal/model"
	"bracket-enginev1/internal/notification"
	redisstore "bracket-enginev1/internal/store/redis"
	sqlitestore "bracket-enginev1/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[bracketengine] starting...")

	cfg := config.Load()
	slogger := logger.Init("bracketengine", logger.ParseLevel(cfg.LogLevel))

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Durable store (write-through, source of truth) ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[bracketengine] sqlite init failed: %v", err)
	}
	defer store.Close()
	store.OnUpsert = func(d time.Duration) { prom.SQLiteUpsertDur.Observe(d.Seconds()) }
	health.SetSQLiteOK(true)
	log.Println("[bracketengine] sqlite store ready")

	// ---- Redis event publisher (degrades to none) ----
	pub, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[bracketengine] WARNING: redis init failed: %v (continuing without redis)", err)
		health.SetRedisConnected(false)
		pub = nil
	} else {
		health.SetRedisConnected(true)
		pub.OnPublish = func(eventType string) {
			prom.EventsPublished.WithLabelValues(eventType).Inc()
		}
		pub.OnBuffer = func(int) { prom.RedisBufferedEvent.Inc() }
		pub.OnWriteDur = func(d time.Duration) { prom.RedisPublishDur.Observe(d.Seconds()) }
		pub.OnBreakerChange(func(_, to redisstore.State) {
			prom.RedisBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisBreakerTrips.Inc()
			}
		})
		log.Println("[bracketengine] redis publisher ready")
	}

	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Event emitter ----
	emitter := events.NewEmitter(1024, 512)
	emitter.OnDrop = func(subscriberIdx int) {
		prom.EventDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}
	defer emitter.Close()

	// ---- Engine ----
	eng := bracket.NewEngine(store, emitter, slogger)
	eng.OnCreate = func() {
		prom.BracketsCreated.Inc()
		prom.OpenBrackets.Inc()
	}
	eng.OnActivate = func() { prom.Activations.Inc() }
	eng.OnTrailingUpdate = func() { prom.TrailingUpdates.Inc() }
	eng.OnTrailingNoop = func() { prom.TrailingNoops.Inc() }
	eng.OnTerminal = func(status model.Status) {
		prom.TerminalTotal.WithLabelValues(string(status)).Inc()
		prom.OpenBrackets.Dec()
	}

	restored, err := eng.Restore(ctx)
	if err != nil {
		log.Fatalf("[bracketengine] restore failed: %v", err)
	}
	prom.OpenBrackets.Set(float64(restored))
	health.SetOpenBrackets(restored)
	log.Printf("[bracketengine] restored %d open brackets", restored)

	// ---- Event consumers ----
	if pub != nil {
		go pub.Run(ctx, emitter.Subscribe())
		defer pub.Close()
	}

	var brokerClient broker.Client
	if cfg.BrokerConfigured() {
		angel, err := broker.NewAngelClient(ctx, broker.AngelConfig{
			APIKey:     cfg.AngelAPIKey,
			ClientCode: cfg.AngelClientCode,
			Password:   cfg.AngelPassword,
			TOTPSecret: cfg.AngelTOTPSecret,
		})
		if err != nil {
			log.Fatalf("[bracketengine] broker login failed: %v", err)
		}
		brokerClient = angel
	} else {
		log.Println("[bracketengine] no broker credentials — orders are logged, not placed")
		brokerClient = broker.LogClient{}
	}
	brokerDispatch := broker.NewDispatcher(brokerClient, eng)
	brokerDispatch.OnReject = func() { prom.BrokerRejections.Inc() }
	go brokerDispatch.Run(ctx, emitter.Subscribe())

	notifier := buildNotifier(cfg)
	go notification.RunAlerts(ctx, notifier, emitter.Subscribe())

	// ---- Price feed → trailing dispatcher ----
	tickCh := make(chan model.Tick, 10000)
	ingest, err := feed.NewIngest(feed.IngestConfig{URL: cfg.FeedWSURL})
	if err != nil {
		log.Fatalf("[bracketengine] feed init failed: %v", err)
	}
	ingest.OnConnect = func() { health.SetWSConnected(true) }
	ingest.OnReconnect = func() {
		prom.WSReconnects.Inc()
		health.SetWSConnected(false)
	}
	go func() {
		if err := ingest.Start(ctx, tickCh); err != nil {
			log.Printf("[bracketengine] feed error: %v", err)
			health.SetWSConnected(false)
		}
	}()

	tickDispatch := feed.NewDispatcher(eng, cfg.FeedWorkers, cfg.FeedQueueLen)
	tickDispatch.OnTick = func() {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
	}
	tickDispatch.OnDrop = func() { prom.TickDrops.Inc() }
	go tickDispatch.Run(ctx, tickCh)

	// ---- HTTP API ----
	apiSrv := api.NewServer(eng, emitter.History(), slogger)
	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: apiSrv.Handler()}
	go func() {
		log.Printf("[bracketengine] API listening on %s", cfg.APIAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[bracketengine] API server error: %v", err)
		}
	}()

	log.Printf("[bracketengine] ready: feed=%s api=%s metrics=%s sqlite=%s",
		cfg.FeedWSURL, cfg.APIAddr, cfg.MetricsAddr, cfg.SQLitePath)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[bracketengine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[bracketengine] shutdown complete.")
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	var backends []notification.Notifier
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(backends) == 0 {
		return notification.NewLogNotifier()
	}
	return notification.NewMultiNotifier(backends...)
}
