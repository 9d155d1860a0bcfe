package bracket

import "bracket-enginev1/internal/model"

// Modification is a sealed sum type over the three supported bracket
// modifications. Modeling each variant as its own struct keeps invalid
// field combinations unrepresentable.
type Modification interface {
	BracketID() string

	// apply mutates the working copy under the aggregate lock. Returns a
	// ValidationError when the targeted leg is absent or the new values
	// are out of range.
	apply(b *model.BracketOrder) error
}

// ProfitTargetMod overwrites the profit target leg's limit price.
type ProfitTargetMod struct {
	ID       string `json:"id"`
	NewPrice int64  `json:"new_price"` // paise
}

func (m ProfitTargetMod) BracketID() string { return m.ID }

func (m ProfitTargetMod) apply(b *model.BracketOrder) error {
	if b.ProfitTarget == nil {
		return &ValidationError{Field: "profit_target", Msg: "bracket has no profit target leg"}
	}
	if m.NewPrice <= 0 {
		return &ValidationError{Field: "new_price", Msg: "must be positive"}
	}
	b.ProfitTarget.Price = m.NewPrice
	return nil
}

// StopLossMod overwrites the stop loss leg's trigger price.
type StopLossMod struct {
	ID           string `json:"id"`
	NewStopPrice int64  `json:"new_stop_price"` // paise
}

func (m StopLossMod) BracketID() string { return m.ID }

func (m StopLossMod) apply(b *model.BracketOrder) error {
	if b.StopLoss == nil {
		return &ValidationError{Field: "stop_loss", Msg: "bracket has no stop loss leg"}
	}
	if m.NewStopPrice <= 0 {
		return &ValidationError{Field: "new_stop_price", Msg: "must be positive"}
	}
	b.StopLoss.StopPrice = m.NewStopPrice
	return nil
}

// TrailingStopMod overwrites the trail distance on the trailing leg.
// The trigger price is NOT recomputed here: recomputation happens on the
// next favorable tick, which preserves the ratchet against the existing
// water mark.
type TrailingStopMod struct {
	ID           string  `json:"id"`
	TrailAmount  int64   `json:"trail_amount"`  // paise, 0 = leave unset
	TrailPercent float64 `json:"trail_percent"` // (0,100], 0 = leave unset
}

func (m TrailingStopMod) BracketID() string { return m.ID }

func (m TrailingStopMod) apply(b *model.BracketOrder) error {
	if b.TrailingStop == nil {
		return &ValidationError{Field: "trailing_stop", Msg: "bracket has no trailing stop leg"}
	}
	if m.TrailAmount <= 0 && m.TrailPercent <= 0 {
		return &ValidationError{Field: "trailing_stop", Msg: "trail_amount or trail_percent required"}
	}
	if m.TrailAmount < 0 {
		return &ValidationError{Field: "trail_amount", Msg: "must be positive"}
	}
	if m.TrailPercent < 0 || m.TrailPercent > 100 {
		return &ValidationError{Field: "trail_percent", Msg: "must be in (0,100]"}
	}
	b.TrailingStop.TrailAmount = m.TrailAmount
	b.TrailingStop.TrailPercent = m.TrailPercent
	return nil
}
