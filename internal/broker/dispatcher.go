package broker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"bracket-enginev1/internal/bracket"
	"bracket-enginev1/internal/events"
	"bracket-enginev1/internal/model"
)

// Failer is the slice of the engine the dispatcher needs to report broker
// rejections back into the lifecycle.
type Failer interface {
	Fail(ctx context.Context, id, reason string) error
}

// Dispatcher consumes engine events and mirrors them at the broker:
// created brackets place the parent order, activation places the exit
// legs, trailing updates move the stop trigger, and terminal transitions
// cancel whatever is still open. A broker rejection on any placement
// fails the bracket.
type Dispatcher struct {
	client Client
	eng    Failer

	mu     sync.Mutex
	orders map[string]map[model.LegKind]string // bracket id → leg → broker order id
	parent map[string]string                   // bracket id → parent broker order id

	// OnReject is an optional hook for metrics wiring.
	OnReject func()
}

// NewDispatcher creates a broker dispatcher.
func NewDispatcher(client Client, eng Failer) *Dispatcher {
	return &Dispatcher{
		client: client,
		eng:    eng,
		orders: make(map[string]map[model.LegKind]string),
		parent: make(map[string]string),
	}
}

// Run consumes events until ctx is cancelled or the channel is closed.
func (d *Dispatcher) Run(ctx context.Context, eventCh <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev events.Event) {
	b := &ev.Bracket
	switch ev.Type {
	case events.TypeBracketCreated:
		d.placeParent(ctx, b)
	case events.TypeParentExecuted:
		d.placeExits(ctx, b)
	case events.TypeTrailingUpdated:
		d.moveTrailingTrigger(ctx, b)
	case events.TypeChildTriggered, events.TypeBracketCancelled, events.TypeBracketFailed:
		d.cancelOpen(ctx, b)
	}
}

func (d *Dispatcher) placeParent(ctx context.Context, b *model.BracketOrder) {
	orderID, err := d.client.PlaceOrder(ctx, OrderRequest{
		Symbol:          b.Parent.Symbol,
		TransactionType: b.Parent.TransactionType,
		OrderType:       b.Parent.OrderType,
		Qty:             b.Parent.Qty,
		Price:           b.Parent.Price,
		Tag:             b.ID,
	})
	if err != nil {
		d.reject(ctx, b.ID, fmt.Sprintf("parent placement: %v", err))
		return
	}
	d.mu.Lock()
	d.parent[b.ID] = orderID
	d.mu.Unlock()
}

func (d *Dispatcher) placeExits(ctx context.Context, b *model.BracketOrder) {
	type exit struct {
		kind model.LegKind
		req  OrderRequest
	}
	var exits []exit

	if pt := b.ProfitTarget; pt != nil {
		exits = append(exits, exit{model.LegProfitTarget, OrderRequest{
			Symbol:          pt.Symbol,
			TransactionType: pt.TransactionType,
			OrderType:       model.OrderTypeLimit,
			Qty:             pt.Qty,
			Price:           pt.Price,
			Tag:             b.ID,
		}})
	}
	if sl := b.StopLoss; sl != nil {
		exits = append(exits, exit{model.LegStopLoss, OrderRequest{
			Symbol:          sl.Symbol,
			TransactionType: sl.TransactionType,
			OrderType:       model.OrderTypeMarket,
			Qty:             sl.Qty,
			TriggerPrice:    sl.StopPrice,
			Tag:             b.ID,
		}})
	}
	if ts := b.TrailingStop; ts != nil {
		exits = append(exits, exit{model.LegTrailingStop, OrderRequest{
			Symbol:          ts.Symbol,
			TransactionType: ts.TransactionType,
			OrderType:       model.OrderTypeMarket,
			Qty:             ts.Qty,
			TriggerPrice:    ts.TrailTriggerPrice,
			Tag:             b.ID,
		}})
	}

	// The parent is fully filled once exits are placed; it no longer needs
	// cancelling on a terminal transition.
	d.mu.Lock()
	delete(d.parent, b.ID)
	d.mu.Unlock()

	placed := make(map[model.LegKind]string, len(exits))
	for _, e := range exits {
		orderID, err := d.client.PlaceOrder(ctx, e.req)
		if err != nil {
			// Roll back the legs already placed before failing the bracket.
			for _, id := range placed {
				if cerr := d.client.CancelOrder(ctx, id); cerr != nil {
					log.Printf("[broker] rollback cancel %s: %v", id, cerr)
				}
			}
			d.reject(ctx, b.ID, fmt.Sprintf("%s placement: %v", e.kind, err))
			return
		}
		placed[e.kind] = orderID
	}

	d.mu.Lock()
	d.orders[b.ID] = placed
	d.mu.Unlock()
}

func (d *Dispatcher) moveTrailingTrigger(ctx context.Context, b *model.BracketOrder) {
	if b.TrailingStop == nil {
		return
	}
	d.mu.Lock()
	orderID := d.orders[b.ID][model.LegTrailingStop]
	d.mu.Unlock()
	if orderID == "" {
		return
	}
	if err := d.client.ModifyOrder(ctx, orderID, 0, b.TrailingStop.TrailTriggerPrice); err != nil {
		// The in-memory ratchet stays authoritative; the next update retries
		// with a fresher trigger anyway.
		log.Printf("[broker] trailing modify %s: %v", b.ID, err)
	}
}

func (d *Dispatcher) cancelOpen(ctx context.Context, b *model.BracketOrder) {
	d.mu.Lock()
	legs := d.orders[b.ID]
	parentID := d.parent[b.ID]
	delete(d.orders, b.ID)
	delete(d.parent, b.ID)
	d.mu.Unlock()

	if parentID != "" {
		if err := d.client.CancelOrder(ctx, parentID); err != nil {
			log.Printf("[broker] cancel parent %s: %v", b.ID, err)
		}
	}
	for kind, orderID := range legs {
		if filledLeg(b, kind) {
			continue
		}
		if err := d.client.CancelOrder(ctx, orderID); err != nil {
			log.Printf("[broker] cancel %s leg of %s: %v", kind, b.ID, err)
		}
	}
}

// filledLeg reports whether the leg already filled at the broker, in which
// case there is nothing left to cancel.
func filledLeg(b *model.BracketOrder, kind model.LegKind) bool {
	switch kind {
	case model.LegProfitTarget:
		return b.ProfitTarget != nil && b.ProfitTarget.Filled()
	case model.LegStopLoss:
		return b.StopLoss != nil && b.StopLoss.Filled()
	case model.LegTrailingStop:
		return b.TrailingStop != nil && b.TrailingStop.Filled()
	}
	return false
}

func (d *Dispatcher) reject(ctx context.Context, bracketID, reason string) {
	if d.OnReject != nil {
		d.OnReject()
	}
	rej := &bracket.BrokerRejectionError{ID: bracketID, Reason: reason}
	log.Printf("[broker] %v", rej)
	if err := d.eng.Fail(ctx, bracketID, reason); err != nil {
		log.Printf("[broker] fail %s: %v", bracketID, err)
	}
}
