// Package bracket implements the bracket order engine: compound conditional
// orders made of one parent entry order plus dependent exit legs (profit
// target, stop loss, trailing stop) with one-cancels-other semantics.
//
// The Engine is the single mutation path for a BracketOrder. Each aggregate
// serializes its mutations on a per-aggregate lock held by the in-memory
// Index; the durable store is written under that lock before the in-memory
// state is swapped, so a failed write never commits. Lifecycle events are
// published after commit and never block (see internal/events).
package bracket

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bracket-enginev1/internal/events"
	"bracket-enginev1/internal/model"
)

// EventPublisher is the outbound event port, satisfied by *events.Emitter.
type EventPublisher interface {
	Publish(ev events.Event)
}

// Engine validates and applies bracket order state transitions.
type Engine struct {
	store model.BracketStore
	emit  EventPublisher
	idx   *Index
	log   *slog.Logger

	// Optional hooks for metrics wiring.
	OnCreate         func()
	OnActivate       func()
	OnTrailingUpdate func()
	OnTrailingNoop   func()
	OnTerminal       func(status model.Status)
}

// NewEngine creates an Engine on top of the given durable store and event
// publisher.
func NewEngine(store model.BracketStore, emit EventPublisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: store,
		emit:  emit,
		idx:   NewIndex(),
		log:   logger,
	}
}

var idSeq atomic.Uint64

// newBracketID generates a unique bracket order id from the creation
// timestamp plus a process-wide counter. Lightweight, no UUID dependency.
func newBracketID(now time.Time) string {
	return fmt.Sprintf("BO-%d-%04d", now.UnixNano(), idSeq.Add(1)%10000)
}

// ProfitTargetSpec describes a requested profit target leg.
type ProfitTargetSpec struct {
	Price int64 `json:"price"` // paise
}

// StopLossSpec describes a requested stop loss leg.
type StopLossSpec struct {
	StopPrice int64 `json:"stop_price"` // paise
}

// TrailingStopSpec describes a requested trailing stop leg.
type TrailingStopSpec struct {
	TrailAmount         int64   `json:"trail_amount"`  // paise, 0 = unset
	TrailPercent        float64 `json:"trail_percent"` // (0,100], 0 = unset
	InitialTriggerPrice int64   `json:"initial_trigger_price"`
}

// CreateRequest carries the parent order fields plus the requested exit
// legs. At least one exit leg is required.
type CreateRequest struct {
	Symbol          string                `json:"symbol"`
	Underlying      string                `json:"underlying"`
	BrokerID        string                `json:"broker_id"`
	OrderType       model.OrderType       `json:"order_type"`
	TransactionType model.TransactionType `json:"transaction_type"`
	Qty             int64                 `json:"qty"`
	Price           int64                 `json:"price"` // paise, required iff LIMIT

	ProfitTarget *ProfitTargetSpec `json:"profit_target,omitempty"`
	StopLoss     *StopLossSpec     `json:"stop_loss,omitempty"`
	TrailingStop *TrailingStopSpec `json:"trailing_stop,omitempty"`
}

func validateCreate(req *CreateRequest) error {
	if req.Symbol == "" {
		return &ValidationError{Field: "symbol", Msg: "required"}
	}
	if !req.OrderType.Valid() {
		return &ValidationError{Field: "order_type", Msg: "must be MARKET or LIMIT"}
	}
	if !req.TransactionType.Valid() {
		return &ValidationError{Field: "transaction_type", Msg: "must be BUY or SELL"}
	}
	if req.Qty <= 0 {
		return &ValidationError{Field: "qty", Msg: "must be positive"}
	}
	if req.OrderType == model.OrderTypeLimit && req.Price <= 0 {
		return &ValidationError{Field: "price", Msg: "required for LIMIT orders"}
	}
	if req.OrderType == model.OrderTypeMarket && req.Price != 0 {
		return &ValidationError{Field: "price", Msg: "must be omitted for MARKET orders"}
	}
	if req.ProfitTarget == nil && req.StopLoss == nil && req.TrailingStop == nil {
		return &ValidationError{Field: "exit_legs", Msg: "at least one of profit_target, stop_loss, trailing_stop required"}
	}
	if pt := req.ProfitTarget; pt != nil && pt.Price <= 0 {
		return &ValidationError{Field: "profit_target.price", Msg: "must be positive"}
	}
	if sl := req.StopLoss; sl != nil && sl.StopPrice <= 0 {
		return &ValidationError{Field: "stop_loss.stop_price", Msg: "must be positive"}
	}
	if ts := req.TrailingStop; ts != nil {
		if ts.TrailAmount <= 0 && ts.TrailPercent <= 0 {
			return &ValidationError{Field: "trailing_stop", Msg: "trail_amount or trail_percent required"}
		}
		if ts.TrailAmount < 0 {
			return &ValidationError{Field: "trailing_stop.trail_amount", Msg: "must be positive"}
		}
		if ts.TrailPercent < 0 || ts.TrailPercent > 100 {
			return &ValidationError{Field: "trailing_stop.trail_percent", Msg: "must be in (0,100]"}
		}
		if ts.InitialTriggerPrice <= 0 {
			return &ValidationError{Field: "trailing_stop.initial_trigger_price", Msg: "must be positive"}
		}
	}
	return nil
}

// Create validates the request, builds the aggregate in PENDING with all
// exit legs inactive, persists it, indexes it, and emits
// bracketOrderCreated. All-or-nothing: no partial state survives a
// validation or persistence failure.
func (e *Engine) Create(ctx context.Context, userID string, req *CreateRequest) (*model.BracketOrder, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Msg: "required"}
	}
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exitSide := req.TransactionType.Inverse()
	childBase := model.OrderLeg{
		Symbol:          req.Symbol,
		Underlying:      req.Underlying,
		TransactionType: exitSide,
		Qty:             req.Qty,
	}

	b := &model.BracketOrder{
		ID:       newBracketID(now),
		UserID:   userID,
		BrokerID: req.BrokerID,
		Status:   model.StatusPending,
		Parent: model.OrderLeg{
			Symbol:          req.Symbol,
			Underlying:      req.Underlying,
			OrderType:       req.OrderType,
			TransactionType: req.TransactionType,
			Qty:             req.Qty,
			Price:           req.Price,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if pt := req.ProfitTarget; pt != nil {
		leg := childBase
		leg.OrderType = model.OrderTypeLimit
		leg.Price = pt.Price
		b.ProfitTarget = &model.ProfitTargetLeg{OrderLeg: leg}
	}
	if sl := req.StopLoss; sl != nil {
		leg := childBase
		leg.OrderType = model.OrderTypeMarket
		b.StopLoss = &model.StopLossLeg{OrderLeg: leg, StopPrice: sl.StopPrice}
	}
	if ts := req.TrailingStop; ts != nil {
		leg := childBase
		leg.OrderType = model.OrderTypeMarket
		trail := &model.TrailingStopLeg{
			OrderLeg:     leg,
			TrailAmount:  ts.TrailAmount,
			TrailPercent: ts.TrailPercent,
		}
		// Seed the water mark and compute the initial trigger so the leg
		// is consistent even before activation.
		if req.TransactionType == model.TransactionBuy {
			trail.HighWaterMark = ts.InitialTriggerPrice
			trail.TrailTriggerPrice = trail.HighWaterMark - trail.Magnitude(trail.HighWaterMark)
		} else {
			trail.LowWaterMark = ts.InitialTriggerPrice
			trail.TrailTriggerPrice = trail.LowWaterMark + trail.Magnitude(trail.LowWaterMark)
		}
		b.TrailingStop = trail
	}

	if err := e.store.Upsert(ctx, b); err != nil {
		return nil, fmt.Errorf("persist bracket %s: %w", b.ID, err)
	}
	if !e.idx.Insert(b) {
		return nil, &ConflictError{ID: b.ID, Status: string(b.Status)}
	}
	if b.TrailingStop != nil {
		e.idx.Watch(b.Parent.Symbol, b.ID)
	}

	e.emit.Publish(events.Event{Type: events.TypeBracketCreated, Bracket: *b.Clone()})
	if e.OnCreate != nil {
		e.OnCreate()
	}
	e.log.Info("bracket created",
		slog.String("bracket_id", b.ID),
		slog.String("user_id", userID),
		slog.String("symbol", req.Symbol))
	return b.Clone(), nil
}

// mutation inspects/mutates the working copy under the aggregate lock.
// It reports whether anything changed and which events to publish on
// commit.
type mutation func(b *model.BracketOrder) (changed bool, evs []events.Type, err error)

// mutate applies fn to a clone of the committed aggregate, persists the
// clone, and only then swaps it in and publishes the returned events.
// Events publish under the aggregate lock, so per-aggregate event order
// matches mutation order.
func (e *Engine) mutate(ctx context.Context, id string, fn mutation) error {
	ent, ok := e.idx.lookup(id)
	if !ok {
		return &NotFoundError{ID: id}
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	work := ent.b.Clone()
	changed, evs, err := fn(work)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	work.UpdatedAt = time.Now().UTC()
	if err := e.store.Upsert(ctx, work); err != nil {
		return fmt.Errorf("persist bracket %s: %w", id, err)
	}
	ent.b = work

	for _, t := range evs {
		e.emit.Publish(events.Event{Type: t, Bracket: *work.Clone()})
	}
	return nil
}

// HandleParentExecution records a cumulative parent fill. A full fill
// transitions the bracket to ACTIVE and activates every exit leg exactly
// once; re-reporting the same full fill refreshes fill fields without
// re-emitting activation.
func (e *Engine) HandleParentExecution(ctx context.Context, id string, filledQty, avgFillPrice int64) error {
	if filledQty <= 0 {
		return &ValidationError{Field: "filled_qty", Msg: "must be positive"}
	}
	if avgFillPrice <= 0 {
		return &ValidationError{Field: "avg_fill_price", Msg: "must be positive"}
	}

	activated := false
	err := e.mutate(ctx, id, func(b *model.BracketOrder) (bool, []events.Type, error) {
		if b.Terminal() {
			return false, nil, &ConflictError{ID: id, Status: string(b.Status)}
		}
		if filledQty > b.Parent.Qty {
			return false, nil, &ValidationError{Field: "filled_qty", Msg: "exceeds order quantity"}
		}
		if filledQty < b.Parent.FilledQty {
			return false, nil, &ValidationError{Field: "filled_qty", Msg: "cumulative fill cannot decrease"}
		}

		refreshed := b.Parent.FilledQty != filledQty || b.Parent.AvgFillPrice != avgFillPrice
		b.Parent.FilledQty = filledQty
		b.Parent.AvgFillPrice = avgFillPrice

		if filledQty < b.Parent.Qty {
			changed := refreshed || b.Status != model.StatusPartiallyFilled
			b.Status = model.StatusPartiallyFilled
			return changed, nil, nil
		}

		// Full fill. Activation happens exactly once.
		if b.Status == model.StatusActive {
			return refreshed, nil, nil
		}
		b.Status = model.StatusActive
		b.SetChildrenActive(true)
		activated = true
		return true, []events.Type{events.TypeParentExecuted}, nil
	})
	if err != nil {
		return err
	}
	if activated {
		if e.OnActivate != nil {
			e.OnActivate()
		}
		e.log.Info("bracket activated", slog.String("bracket_id", id),
			slog.Int64("filled_qty", filledQty), slog.Int64("avg_fill_price", avgFillPrice))
	}
	return nil
}

// HandleChildExecution records a fill on an exit leg. A full child fill
// drives ACTIVE → COMPLETED and logically cancels the sibling legs (OCO):
// the local flags flip synchronously under the aggregate lock, and the
// emitted childOrderTriggered event lets the broker dispatcher cancel the
// sibling broker orders asynchronously.
func (e *Engine) HandleChildExecution(ctx context.Context, id string, leg model.LegKind, filledQty, avgFillPrice int64) error {
	if filledQty <= 0 {
		return &ValidationError{Field: "filled_qty", Msg: "must be positive"}
	}
	if avgFillPrice <= 0 {
		return &ValidationError{Field: "avg_fill_price", Msg: "must be positive"}
	}

	completed := false
	var symbol string
	err := e.mutate(ctx, id, func(b *model.BracketOrder) (bool, []events.Type, error) {
		if b.Terminal() {
			return false, nil, &ConflictError{ID: id, Status: string(b.Status)}
		}
		if b.Status != model.StatusActive {
			return false, nil, &ConflictError{ID: id, Status: string(b.Status)}
		}

		var target *model.OrderLeg
		switch leg {
		case model.LegProfitTarget:
			if b.ProfitTarget != nil {
				target = &b.ProfitTarget.OrderLeg
			}
		case model.LegStopLoss:
			if b.StopLoss != nil {
				target = &b.StopLoss.OrderLeg
			}
		case model.LegTrailingStop:
			if b.TrailingStop != nil {
				target = &b.TrailingStop.OrderLeg
			}
		default:
			return false, nil, &ValidationError{Field: "leg", Msg: "unknown leg kind"}
		}
		if target == nil {
			return false, nil, &ValidationError{Field: "leg", Msg: fmt.Sprintf("bracket has no %s leg", leg)}
		}
		if filledQty > target.Qty {
			return false, nil, &ValidationError{Field: "filled_qty", Msg: "exceeds leg quantity"}
		}
		if filledQty < target.FilledQty {
			return false, nil, &ValidationError{Field: "filled_qty", Msg: "cumulative fill cannot decrease"}
		}

		target.FilledQty = filledQty
		target.AvgFillPrice = avgFillPrice
		if filledQty < target.Qty {
			// Partial exit fill: stay ACTIVE, siblings stay live.
			return true, nil, nil
		}

		b.Status = model.StatusCompleted
		b.SetChildrenActive(false)
		completed = true
		symbol = b.Parent.Symbol
		return true, []events.Type{events.TypeChildTriggered}, nil
	})
	if err != nil {
		return err
	}
	if completed {
		e.idx.Unwatch(symbol, id)
		if e.OnTerminal != nil {
			e.OnTerminal(model.StatusCompleted)
		}
		e.log.Info("bracket completed", slog.String("bracket_id", id), slog.String("leg", string(leg)))
	}
	return nil
}

// UpdateTrailingStop re-evaluates the trailing leg against a new price.
// Returns whether the water mark (and trigger) moved. Unfavorable ticks,
// inactive legs, missing trailing legs, and terminal brackets are silent
// no-ops; only an unknown id is an error.
func (e *Engine) UpdateTrailingStop(ctx context.Context, id string, price int64) (bool, error) {
	if price <= 0 {
		return false, &ValidationError{Field: "price", Msg: "must be positive"}
	}

	updated := false
	err := e.mutate(ctx, id, func(b *model.BracketOrder) (bool, []events.Type, error) {
		ts := b.TrailingStop
		if b.Terminal() || ts == nil || !ts.IsActive {
			return false, nil, nil
		}

		if b.Parent.TransactionType == model.TransactionBuy {
			// Long-protecting: the high water mark only ratchets up.
			if price <= ts.HighWaterMark {
				return false, nil, nil
			}
			ts.HighWaterMark = price
			ts.TrailTriggerPrice = price - ts.Magnitude(price)
		} else {
			// Short-protecting: the low water mark only ratchets down.
			if price >= ts.LowWaterMark {
				return false, nil, nil
			}
			ts.LowWaterMark = price
			ts.TrailTriggerPrice = price + ts.Magnitude(price)
		}
		updated = true
		return true, []events.Type{events.TypeTrailingUpdated}, nil
	})
	if err != nil {
		return false, err
	}
	if updated {
		if e.OnTrailingUpdate != nil {
			e.OnTrailingUpdate()
		}
	} else if e.OnTrailingNoop != nil {
		e.OnTrailingNoop()
	}
	return updated, nil
}

// Modify applies one of the tagged modification variants. Fails with a
// ValidationError when the targeted leg is absent and a ConflictError when
// the bracket is terminal.
func (e *Engine) Modify(ctx context.Context, mod Modification) error {
	return e.mutate(ctx, mod.BracketID(), func(b *model.BracketOrder) (bool, []events.Type, error) {
		if b.Terminal() {
			return false, nil, &ConflictError{ID: b.ID, Status: string(b.Status)}
		}
		if err := mod.apply(b); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	})
}

// Cancel transitions a bracket to CANCELLED and deactivates its exit legs.
// Absence is a normal negative result: an unknown id returns (false, nil).
// Re-cancelling a CANCELLED bracket returns (false, nil) — idempotent
// no-op. Cancelling a COMPLETED or FAILED bracket returns a ConflictError.
// The in-memory status flips immediately; broker-side cancellation is
// dispatched asynchronously from the emitted event.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	if _, ok := e.idx.lookup(id); !ok {
		return false, nil
	}

	cancelled := false
	var symbol string
	var hadTrailing bool
	err := e.mutate(ctx, id, func(b *model.BracketOrder) (bool, []events.Type, error) {
		if b.Status == model.StatusCancelled {
			return false, nil, nil
		}
		if b.Terminal() {
			return false, nil, &ConflictError{ID: id, Status: string(b.Status)}
		}
		b.Status = model.StatusCancelled
		b.SetChildrenActive(false)
		cancelled = true
		symbol = b.Parent.Symbol
		hadTrailing = b.TrailingStop != nil
		return true, []events.Type{events.TypeBracketCancelled}, nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		if hadTrailing {
			e.idx.Unwatch(symbol, id)
		}
		if e.OnTerminal != nil {
			e.OnTerminal(model.StatusCancelled)
		}
		e.log.Info("bracket cancelled", slog.String("bracket_id", id))
	}
	return cancelled, nil
}

// Fail transitions a bracket to FAILED with a reason, used when the broker
// rejects the parent or an activated exit leg.
func (e *Engine) Fail(ctx context.Context, id, reason string) error {
	var symbol string
	var hadTrailing bool
	err := e.mutate(ctx, id, func(b *model.BracketOrder) (bool, []events.Type, error) {
		if b.Terminal() {
			return false, nil, &ConflictError{ID: id, Status: string(b.Status)}
		}
		b.Status = model.StatusFailed
		b.FailReason = reason
		b.SetChildrenActive(false)
		symbol = b.Parent.Symbol
		hadTrailing = b.TrailingStop != nil
		return true, []events.Type{events.TypeBracketFailed}, nil
	})
	if err != nil {
		return err
	}
	if hadTrailing {
		e.idx.Unwatch(symbol, id)
	}
	if e.OnTerminal != nil {
		e.OnTerminal(model.StatusFailed)
	}
	e.log.Warn("bracket failed", slog.String("bracket_id", id), slog.String("reason", reason))
	return nil
}

// Get returns a snapshot of the bracket with the given id.
func (e *Engine) Get(id string) (*model.BracketOrder, error) {
	b, ok := e.idx.Snapshot(id)
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return b, nil
}

// ListByUser returns snapshots of every bracket owned by a user.
func (e *Engine) ListByUser(userID string) []model.BracketOrder {
	return e.idx.SnapshotByUser(userID)
}

// TrailingWatchers returns the ids of brackets with a trailing leg on the
// given symbol, for the price-feed dispatcher.
func (e *Engine) TrailingWatchers(symbol string) []string {
	return e.idx.Watchers(symbol)
}

// Restore rebuilds the in-memory index from every non-terminal bracket in
// the durable store. Called once on startup, before any traffic.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	open, err := e.store.LoadOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open brackets: %w", err)
	}
	restored := 0
	for i := range open {
		b := open[i].Clone()
		if !e.idx.Insert(b) {
			continue
		}
		if b.TrailingStop != nil {
			e.idx.Watch(b.Parent.Symbol, b.ID)
		}
		restored++
	}
	return restored, nil
}
