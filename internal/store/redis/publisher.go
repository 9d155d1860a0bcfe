// Package redis publishes bracket lifecycle events to Redis PubSub and
// maintains a latest-state cache per bracket, so dashboards and downstream
// services can follow the engine without hitting SQLite.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"bracket-enginev1/internal/events"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL  = 30 * time.Minute
	defaultPendingCap = 1024
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher consumes engine events and writes them to Redis. A tripped
// breaker buffers events in memory instead of blocking the event loop;
// buffered events flush in order once Redis recovers.
type Publisher struct {
	client  *goredis.Client
	breaker *Breaker
	pending []events.Event

	// Callbacks for metrics wiring (optional).
	OnPublish  func(eventType string)
	OnWriteDur func(d time.Duration)
	OnBuffer   func(pendingLen int)
	OnFlush    func(flushed int)
}

// OnBreakerChange registers a hook for publish breaker state transitions.
func (p *Publisher) OnBreakerChange(fn func(from, to State)) {
	p.breaker.OnStateChange = fn
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{
		client:  client,
		breaker: NewBreaker(5, 10*time.Second),
	}, nil
}

// BreakerState returns the publish breaker state for health reporting.
func (p *Publisher) BreakerState() State { return p.breaker.CurrentState() }

// Run consumes events until ctx is cancelled or the channel is closed.
// Run owns the pending buffer; it must not be called concurrently.
func (p *Publisher) Run(ctx context.Context, eventCh <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			p.drain(eventCh)
			return
		case ev, ok := <-eventCh:
			if !ok {
				p.flushPending(context.Background())
				return
			}
			p.publish(ctx, ev)
		}
	}
}

// drain gives already-queued events one last publish attempt on shutdown.
func (p *Publisher) drain(eventCh <-chan events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				p.flushPending(ctx)
				return
			}
			p.publish(ctx, ev)
		default:
			p.flushPending(ctx)
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev events.Event) {
	if len(p.pending) > 0 {
		p.flushPending(ctx)
	}

	if err := p.breaker.Do(func() error { return p.write(ctx, ev) }); err != nil {
		p.buffer(ev)
		if err != ErrBreakerOpen {
			log.Printf("[redis] publish error for %s seq=%d: %v", ev.Type, ev.Seq, err)
		}
		return
	}
	if p.OnPublish != nil {
		p.OnPublish(string(ev.Type))
	}
}

// write performs the pipelined fan-out for one event: a per-type channel, a
// per-bracket channel, and the latest-state cache key.
func (p *Publisher) write(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, "pub:bracket:"+string(ev.Type), jsonData)
	pipe.Publish(ctx, "pub:bracket:id:"+ev.Bracket.ID, jsonData)
	pipe.Set(ctx, "latest:bracket:"+ev.Bracket.ID, jsonData, defaultLatestTTL)
	start := time.Now()
	_, err = pipe.Exec(ctx)
	if err == nil && p.OnWriteDur != nil {
		p.OnWriteDur(time.Since(start))
	}
	return err
}

func (p *Publisher) buffer(ev events.Event) {
	if len(p.pending) >= defaultPendingCap {
		// Oldest event gives way; the latest-state cache self-heals on the
		// next successful publish for that bracket.
		copy(p.pending, p.pending[1:])
		p.pending = p.pending[:len(p.pending)-1]
	}
	p.pending = append(p.pending, ev)
	if p.OnBuffer != nil {
		p.OnBuffer(len(p.pending))
	}
}

func (p *Publisher) flushPending(ctx context.Context) {
	flushed := 0
	for len(p.pending) > 0 {
		ev := p.pending[0]
		if err := p.breaker.Do(func() error { return p.write(ctx, ev) }); err != nil {
			break
		}
		p.pending = p.pending[1:]
		flushed++
		if p.OnPublish != nil {
			p.OnPublish(string(ev.Type))
		}
	}
	if flushed > 0 {
		log.Printf("[redis] flushed %d buffered events", flushed)
		if p.OnFlush != nil {
			p.OnFlush(flushed)
		}
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
