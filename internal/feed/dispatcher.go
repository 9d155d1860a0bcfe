package feed

import (
	"context"
	"errors"
	"hash/fnv"
	"log"

	"bracket-enginev1/internal/bracket"
	"bracket-enginev1/internal/model"
)

// TrailingUpdater is the slice of the engine the dispatcher needs.
type TrailingUpdater interface {
	TrailingWatchers(symbol string) []string
	UpdateTrailingStop(ctx context.Context, id string, price int64) (bool, error)
}

const (
	defaultWorkers  = 4
	defaultQueueLen = 256
)

type job struct {
	bracketID string
	price     int64
}

// Dispatcher fans ticks out to the trailing stops watching each symbol.
// Jobs for the same bracket always hash to the same worker, so per-bracket
// ticks apply in arrival order; different brackets update in parallel.
type Dispatcher struct {
	eng    TrailingUpdater
	queues []chan job

	// Optional hooks for metrics wiring.
	OnTick func()
	OnDrop func()
}

// NewDispatcher creates a dispatcher with the given worker count and
// per-worker queue length. Zero values pick the defaults.
func NewDispatcher(eng TrailingUpdater, workers, queueLen int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	queues := make([]chan job, workers)
	for i := range queues {
		queues[i] = make(chan job, queueLen)
	}
	return &Dispatcher{eng: eng, queues: queues}
}

// Run consumes ticks until ctx is cancelled or tickCh is closed.
func (d *Dispatcher) Run(ctx context.Context, tickCh <-chan model.Tick) {
	for i := range d.queues {
		go d.worker(ctx, d.queues[i])
	}
	defer func() {
		for _, q := range d.queues {
			close(q)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			d.dispatch(tick)
		}
	}
}

func (d *Dispatcher) dispatch(tick model.Tick) {
	if d.OnTick != nil {
		d.OnTick()
	}
	for _, id := range d.eng.TrailingWatchers(tick.Symbol) {
		q := d.queues[workerFor(id, len(d.queues))]
		select {
		case q <- job{bracketID: id, price: tick.Price}:
		default:
			// Dropping is safe: the ratchet only needs the running maximum,
			// and a later tick at or above this price re-establishes it.
			if d.OnDrop != nil {
				d.OnDrop()
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, q <-chan job) {
	for j := range q {
		_, err := d.eng.UpdateTrailingStop(ctx, j.bracketID, j.price)
		if err == nil {
			continue
		}
		var nfe *bracket.NotFoundError
		if errors.As(err, &nfe) {
			// Bracket evicted between dispatch and apply; stale watch entry.
			continue
		}
		log.Printf("[feed] trailing update %s: %v", j.bracketID, err)
	}
}

func workerFor(id string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32()) % n
}
