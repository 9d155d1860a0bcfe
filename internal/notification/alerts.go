package notification

import (
	"context"
	"fmt"

	"bracket-enginev1/internal/events"
	"bracket-enginev1/internal/model"
)

// RunAlerts consumes engine events and pushes an alert for every terminal
// transition. Non-terminal events (creation, activation, trailing moves)
// are too chatty for push channels and stay on the metrics/Redis side.
func RunAlerts(ctx context.Context, n Notifier, eventCh <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			alert, send := alertFor(ev)
			if !send {
				continue
			}
			// Best effort; Send implementations log their own failures.
			_ = n.Send(ctx, alert)
		}
	}
}

func alertFor(ev events.Event) (Alert, bool) {
	b := &ev.Bracket
	switch ev.Type {
	case events.TypeChildTriggered:
		return Alert{
			Level:     AlertInfo,
			Title:     "Bracket completed",
			Message:   fmt.Sprintf("%s closed via %s", b.Parent.Symbol, triggeredLeg(b)),
			BracketID: b.ID,
		}, true
	case events.TypeBracketCancelled:
		return Alert{
			Level:     AlertWarning,
			Title:     "Bracket cancelled",
			Message:   fmt.Sprintf("%s cancelled before completion", b.Parent.Symbol),
			BracketID: b.ID,
		}, true
	case events.TypeBracketFailed:
		return Alert{
			Level:     AlertCritical,
			Title:     "Bracket failed",
			Message:   fmt.Sprintf("%s failed: %s", b.Parent.Symbol, b.FailReason),
			BracketID: b.ID,
		}, true
	}
	return Alert{}, false
}

// triggeredLeg names the exit leg that filled, judged by fill quantities.
func triggeredLeg(b *model.BracketOrder) string {
	if b.ProfitTarget != nil && b.ProfitTarget.Filled() {
		return "profit target"
	}
	if b.StopLoss != nil && b.StopLoss.Filled() {
		return "stop loss"
	}
	if b.TrailingStop != nil && b.TrailingStop.Filled() {
		return "trailing stop"
	}
	return "exit leg"
}
