// Package broker translates bracket lifecycle events into broker orders.
// The Client interface keeps the engine broker-agnostic; the Angel One
// implementation in angel.go is the production client, and LogClient is a
// stand-in for local runs without credentials.
package broker

import (
	"context"
	"log"

	"bracket-enginev1/internal/model"
)

// OrderRequest is a broker-neutral order placement request.
type OrderRequest struct {
	Symbol          string
	TransactionType model.TransactionType
	OrderType       model.OrderType
	Qty             int64
	Price           int64  // limit price in paise, 0 for market
	TriggerPrice    int64  // stop trigger in paise, 0 when not a stop order
	Tag             string // bracket id, echoed back in order updates
}

// Client places, modifies, and cancels broker orders. Implementations
// return the broker-side order id from PlaceOrder.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, price, triggerPrice int64) error
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// LogClient logs every call and succeeds. Used when no broker credentials
// are configured.
type LogClient struct{}

func (LogClient) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	log.Printf("[broker] place %s %s %s qty=%d price=%d trigger=%d tag=%s",
		req.TransactionType, req.OrderType, req.Symbol, req.Qty, req.Price, req.TriggerPrice, req.Tag)
	return "SIM-" + req.Tag, nil
}

func (LogClient) ModifyOrder(_ context.Context, brokerOrderID string, price, triggerPrice int64) error {
	log.Printf("[broker] modify %s price=%d trigger=%d", brokerOrderID, price, triggerPrice)
	return nil
}

func (LogClient) CancelOrder(_ context.Context, brokerOrderID string) error {
	log.Printf("[broker] cancel %s", brokerOrderID)
	return nil
}
