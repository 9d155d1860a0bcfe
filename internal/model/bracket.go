package model

import "time"

// Status is the lifecycle state of a bracket order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusActive          Status = "ACTIVE"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether the status is final. Terminal brackets accept
// no further mutation and are retained for audit only.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// LegKind identifies which exit leg of a bracket an operation targets.
type LegKind string

const (
	LegProfitTarget LegKind = "PROFIT_TARGET"
	LegStopLoss     LegKind = "STOP_LOSS"
	LegTrailingStop LegKind = "TRAILING_STOP"
)

// ProfitTargetLeg is a limit exit leg. Inactive until the parent fills.
type ProfitTargetLeg struct {
	OrderLeg
	IsActive bool `json:"is_active"`
}

// StopLossLeg is a stop exit leg triggered at StopPrice.
type StopLossLeg struct {
	OrderLeg
	StopPrice int64 `json:"stop_price"` // trigger price in paise
	IsActive  bool  `json:"is_active"`
}

// TrailingStopLeg is a stop exit leg whose trigger ratchets with the market.
// Exactly one water mark is meaningful per bracket: HighWaterMark for a
// long-protecting leg (parent = BUY), LowWaterMark for a short-protecting
// leg (parent = SELL).
type TrailingStopLeg struct {
	OrderLeg
	TrailAmount       int64   `json:"trail_amount"`  // absolute distance in paise (0 = unset)
	TrailPercent      float64 `json:"trail_percent"` // relative distance, (0,100] (0 = unset)
	HighWaterMark     int64   `json:"high_water_mark"`
	LowWaterMark      int64   `json:"low_water_mark"`
	TrailTriggerPrice int64   `json:"trail_trigger_price"`
	IsActive          bool    `json:"is_active"`
}

// Magnitude returns the absolute trail distance in paise against the given
// water mark. TrailAmount takes precedence when both fields are set.
func (l *TrailingStopLeg) Magnitude(waterMark int64) int64 {
	if l.TrailAmount > 0 {
		return l.TrailAmount
	}
	return int64(float64(waterMark) * l.TrailPercent / 100.0)
}

// BracketOrder is the root aggregate: one parent entry order plus at least
// one exit leg. The aggregate exclusively owns its legs; legs are never
// shared across brackets.
type BracketOrder struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	BrokerID   string `json:"broker_id"`
	Status     Status `json:"status"`
	FailReason string `json:"fail_reason,omitempty"`

	Parent       OrderLeg         `json:"parent"`
	ProfitTarget *ProfitTargetLeg `json:"profit_target,omitempty"`
	StopLoss     *StopLossLeg     `json:"stop_loss,omitempty"`
	TrailingStop *TrailingStopLeg `json:"trailing_stop,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the bracket is in a final state.
func (b *BracketOrder) Terminal() bool {
	return b.Status.Terminal()
}

// HasExitLeg reports whether at least one exit leg is present.
// A bracket with no exit condition is meaningless and rejected at creation.
func (b *BracketOrder) HasExitLeg() bool {
	return b.ProfitTarget != nil || b.StopLoss != nil || b.TrailingStop != nil
}

// SetChildrenActive flips the activation flag on every present exit leg.
func (b *BracketOrder) SetChildrenActive(active bool) {
	if b.ProfitTarget != nil {
		b.ProfitTarget.IsActive = active
	}
	if b.StopLoss != nil {
		b.StopLoss.IsActive = active
	}
	if b.TrailingStop != nil {
		b.TrailingStop.IsActive = active
	}
}

// ChildrenActive reports whether any present exit leg is active.
func (b *BracketOrder) ChildrenActive() bool {
	if b.ProfitTarget != nil && b.ProfitTarget.IsActive {
		return true
	}
	if b.StopLoss != nil && b.StopLoss.IsActive {
		return true
	}
	return b.TrailingStop != nil && b.TrailingStop.IsActive
}

// Clone returns a deep copy of the bracket. Mutations always operate on a
// clone so that a failed persistence write never leaks into the committed
// in-memory state.
func (b *BracketOrder) Clone() *BracketOrder {
	cp := *b
	if b.ProfitTarget != nil {
		pt := *b.ProfitTarget
		cp.ProfitTarget = &pt
	}
	if b.StopLoss != nil {
		sl := *b.StopLoss
		cp.StopLoss = &sl
	}
	if b.TrailingStop != nil {
		ts := *b.TrailingStop
		cp.TrailingStop = &ts
	}
	return &cp
}
