package events

import "sync"

// History is a fixed-size circular buffer of recent events. It backs the
// event-backfill API endpoint so collaborators that missed a delivery can
// re-fetch by sequence number.
//
// Thread-safe for concurrent writes and reads.
type History struct {
	mu   sync.RWMutex
	buf  []Event
	cap  int
	pos  int // next write position
	full bool
}

// NewHistory creates a history buffer with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 512
	}
	return &History{
		buf: make([]Event, capacity),
		cap: capacity,
	}
}

// Add appends an event, overwriting the oldest entry when full.
func (h *History) Add(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.pos] = ev
	h.pos = (h.pos + 1) % h.cap
	if h.pos == 0 && !h.full {
		h.full = true
	}
}

// Range returns all buffered events with Seq in [fromSeq, toSeq]
// (inclusive), in sequence order.
func (h *History) Range(fromSeq, toSeq int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []Event
	count := h.len()
	for i := 0; i < count; i++ {
		ev := h.buf[h.index(i)]
		if ev.Seq >= fromSeq && ev.Seq <= toSeq {
			result = append(result, ev)
		}
	}
	return result
}

// Latest returns up to n most recent events, oldest first.
func (h *History) Latest(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := h.len()
	if n > count {
		n = count
	}
	result := make([]Event, 0, n)
	for i := count - n; i < count; i++ {
		result = append(result, h.buf[h.index(i)])
	}
	return result
}

// Len returns the number of buffered events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.len()
}

func (h *History) len() int {
	if h.full {
		return h.cap
	}
	return h.pos
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (h *History) index(logical int) int {
	if h.full {
		return (h.pos + logical) % h.cap
	}
	return logical
}
