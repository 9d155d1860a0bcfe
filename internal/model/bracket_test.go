package model

import "testing"

func TestTransactionType_Inverse(t *testing.T) {
	if TransactionBuy.Inverse() != TransactionSell {
		t.Errorf("expected BUY inverse to be SELL")
	}
	if TransactionSell.Inverse() != TransactionBuy {
		t.Errorf("expected SELL inverse to be BUY")
	}
}

func TestStatus_Terminal(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusPartiallyFilled, false},
		{StatusActive, false},
		{StatusCompleted, true},
		{StatusCancelled, true},
		{StatusFailed, true},
	}
	for _, c := range cases {
		if got := c.status.Terminal(); got != c.terminal {
			t.Errorf("%s: Terminal() = %v, want %v", c.status, got, c.terminal)
		}
	}
}

func TestTrailingStopLeg_Magnitude(t *testing.T) {
	// TrailAmount takes precedence over TrailPercent.
	leg := &TrailingStopLeg{TrailAmount: 1000, TrailPercent: 10}
	if got := leg.Magnitude(12000); got != 1000 {
		t.Errorf("expected amount precedence 1000, got %d", got)
	}

	// Percent-only magnitude scales with the water mark.
	leg = &TrailingStopLeg{TrailPercent: 10}
	if got := leg.Magnitude(12000); got != 1200 {
		t.Errorf("expected 10%% of 12000 = 1200, got %d", got)
	}
}

func TestBracketOrder_Clone_IsDeep(t *testing.T) {
	b := &BracketOrder{
		ID:     "BO-1",
		Status: StatusPending,
		Parent: OrderLeg{Symbol: "NIFTY24DECFUT", Qty: 50},
		ProfitTarget: &ProfitTargetLeg{
			OrderLeg: OrderLeg{Symbol: "NIFTY24DECFUT", Qty: 50, Price: 15000_00},
		},
		TrailingStop: &TrailingStopLeg{
			OrderLeg:      OrderLeg{Symbol: "NIFTY24DECFUT", Qty: 50},
			TrailAmount:   10_00,
			HighWaterMark: 9000_00,
		},
	}

	cp := b.Clone()
	cp.ProfitTarget.Price = 16000_00
	cp.TrailingStop.HighWaterMark = 9500_00
	cp.Status = StatusActive

	if b.ProfitTarget.Price != 15000_00 {
		t.Errorf("clone leaked profit target mutation into original")
	}
	if b.TrailingStop.HighWaterMark != 9000_00 {
		t.Errorf("clone leaked trailing mutation into original")
	}
	if b.Status != StatusPending {
		t.Errorf("clone leaked status mutation into original")
	}
}

func TestBracketOrder_SetChildrenActive(t *testing.T) {
	b := &BracketOrder{
		ProfitTarget: &ProfitTargetLeg{},
		StopLoss:     &StopLossLeg{},
		TrailingStop: &TrailingStopLeg{},
	}
	if b.ChildrenActive() {
		t.Fatal("children should start inactive")
	}
	b.SetChildrenActive(true)
	if !b.ProfitTarget.IsActive || !b.StopLoss.IsActive || !b.TrailingStop.IsActive {
		t.Errorf("expected all children active")
	}
	b.SetChildrenActive(false)
	if b.ChildrenActive() {
		t.Errorf("expected all children deactivated")
	}
}
