// Package notification delivers bracket lifecycle alerts to external
// channels (Telegram, generic webhooks). Terminal transitions are the
// interesting ones: a completed, cancelled, or failed bracket is something
// a trader wants pushed, not polled.
package notification

import (
	"context"
	"log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level     AlertLevel `json:"level"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	BracketID string     `json:"bracket_id,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// MultiNotifier fans an alert out to several backends. Delivery failures
// are logged per backend and never short-circuit the others.
type MultiNotifier struct {
	backends []Notifier
}

// NewMultiNotifier creates a fan-out notifier.
func NewMultiNotifier(backends ...Notifier) *MultiNotifier {
	return &MultiNotifier{backends: backends}
}

func (m *MultiNotifier) Send(ctx context.Context, alert Alert) error {
	for _, n := range m.backends {
		if err := n.Send(ctx, alert); err != nil {
			log.Printf("[notify] backend error: %v", err)
		}
	}
	return nil
}
