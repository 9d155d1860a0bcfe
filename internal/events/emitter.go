// Package events publishes bracket lifecycle events to in-process
// subscribers (broker dispatch, Redis publishing, notifications). Delivery
// is fan-out over buffered channels: if a subscriber's channel is full the
// event is dropped for that consumer so a slow collaborator cannot block
// the engine. Every published event also lands in a bounded history buffer
// for replay.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"bracket-enginev1/internal/model"
)

// Type identifies a bracket lifecycle event.
type Type string

const (
	TypeBracketCreated   Type = "bracketOrderCreated"
	TypeParentExecuted   Type = "parentOrderExecuted"
	TypeTrailingUpdated  Type = "trailingStopUpdated"
	TypeChildTriggered   Type = "childOrderTriggered"
	TypeBracketCancelled Type = "bracketOrderCancelled"
	TypeBracketFailed    Type = "bracketOrderFailed"
)

// Event carries the full updated aggregate so consumers never need to read
// engine state. Seq is a process-wide monotonic sequence number assigned at
// publish time.
type Event struct {
	Seq     int64              `json:"seq"`
	Type    Type               `json:"type"`
	At      time.Time          `json:"at"`
	Bracket model.BracketOrder `json:"bracket"`
}

// Emitter broadcasts events to N subscriber channels.
type Emitter struct {
	mu      sync.RWMutex
	subs    []chan Event
	bufSize int
	closed  bool

	seq     atomic.Int64
	history *History

	// OnDrop is called when an event is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

// NewEmitter creates an Emitter with the given per-subscriber channel
// buffer size and history capacity.
func NewEmitter(bufSize, historySize int) *Emitter {
	return &Emitter{
		bufSize: bufSize,
		history: NewHistory(historySize),
	}
}

// Subscribe creates and returns a new subscriber channel. Must be called
// before the first Publish for a consumer to see all events.
func (e *Emitter) Subscribe() <-chan Event {
	ch := make(chan Event, e.bufSize)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// Publish assigns a sequence number, records the event in history, and
// fans it out to all subscribers. Never blocks.
func (e *Emitter) Publish(ev Event) {
	ev.Seq = e.seq.Add(1)
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.history.Add(ev)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for i, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			if e.OnDrop != nil {
				e.OnDrop(i)
			} else {
				log.Printf("[events] subscriber %d channel full, dropping %s for %s", i, ev.Type, ev.Bracket.ID)
			}
		}
	}
}

// History returns the bounded event history for replay queries.
func (e *Emitter) History() *History {
	return e.history
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subs {
		close(ch)
	}
}
