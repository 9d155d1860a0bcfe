package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the bracket engine from concrete storage
// implementations (SQLite, Redis). Each implementation satisfies one or
// more of these interfaces.

// BracketStore is the durable write-through store for bracket orders.
// Every mutation is upserted before the in-memory state is considered
// committed; a failed write must surface to the caller as a retryable
// error.
type BracketStore interface {
	// Upsert persists the full aggregate, replacing any previous row.
	Upsert(ctx context.Context, b *BracketOrder) error

	// Get returns the bracket with the given id, or (nil, nil) if absent.
	Get(ctx context.Context, id string) (*BracketOrder, error)

	// ListByUser returns all brackets owned by a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]BracketOrder, error)

	// LoadOpen returns every non-terminal bracket, used to rebuild the
	// in-memory index on startup.
	LoadOpen(ctx context.Context) ([]BracketOrder, error)

	// Close releases underlying resources.
	Close() error
}
