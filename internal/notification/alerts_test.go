package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"bracket-enginev1/internal/events"
	"bracket-enginev1/internal/model"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestRunAlerts_TerminalEventsOnly(t *testing.T) {
	n := &captureNotifier{}
	ch := make(chan events.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunAlerts(ctx, n, ch)
		close(done)
	}()

	b := model.BracketOrder{
		ID:     "BO-1",
		Parent: model.OrderLeg{Symbol: "NIFTY24DEC24000CE"},
	}
	ch <- events.Event{Type: events.TypeBracketCreated, Bracket: b}
	ch <- events.Event{Type: events.TypeParentExecuted, Bracket: b}
	ch <- events.Event{Type: events.TypeTrailingUpdated, Bracket: b}

	failed := b
	failed.Status = model.StatusFailed
	failed.FailReason = "margin shortfall"
	ch <- events.Event{Type: events.TypeBracketFailed, Bracket: failed}

	deadline := time.Now().Add(time.Second)
	for n.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if n.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", n.count())
	}
	got := n.alerts[0]
	if got.Level != AlertCritical || got.BracketID != "BO-1" {
		t.Errorf("unexpected alert: %+v", got)
	}
}

func TestAlertFor_CompletedNamesTriggeredLeg(t *testing.T) {
	b := model.BracketOrder{
		ID:     "BO-1",
		Status: model.StatusCompleted,
		Parent: model.OrderLeg{Symbol: "NIFTY24DEC24000CE"},
		StopLoss: &model.StopLossLeg{
			OrderLeg: model.OrderLeg{Qty: 50, FilledQty: 50},
		},
	}
	alert, send := alertFor(events.Event{Type: events.TypeChildTriggered, Bracket: b})
	if !send {
		t.Fatalf("expected an alert for childOrderTriggered")
	}
	if alert.Level != AlertInfo {
		t.Errorf("expected INFO, got %s", alert.Level)
	}
	if want := "NIFTY24DEC24000CE closed via stop loss"; alert.Message != want {
		t.Errorf("expected %q, got %q", want, alert.Message)
	}
}
