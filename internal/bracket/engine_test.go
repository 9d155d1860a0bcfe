package bracket

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bracket-enginev1/internal/events"
	"bracket-enginev1/internal/model"
)

// memStore is an in-memory BracketStore double.
type memStore struct {
	mu       sync.Mutex
	byID     map[string]model.BracketOrder
	upserts  int
	failNext error
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]model.BracketOrder)}
}

func (s *memStore) Upsert(_ context.Context, b *model.BracketOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.upserts++
	s.byID[b.ID] = *b.Clone()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*model.BracketOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return b.Clone(), nil
}

func (s *memStore) ListByUser(_ context.Context, userID string) ([]model.BracketOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BracketOrder
	for _, b := range s.byID {
		if b.UserID == userID {
			out = append(out, *b.Clone())
		}
	}
	return out, nil
}

func (s *memStore) LoadOpen(_ context.Context) ([]model.BracketOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BracketOrder
	for _, b := range s.byID {
		if !b.Terminal() {
			out = append(out, *b.Clone())
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// captureEmitter records published events in order.
type captureEmitter struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *captureEmitter) Publish(ev events.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *captureEmitter) types() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Type, len(c.evs))
	for i, ev := range c.evs {
		out[i] = ev.Type
	}
	return out
}

func (c *captureEmitter) last() events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evs[len(c.evs)-1]
}

func newTestEngine() (*Engine, *memStore, *captureEmitter) {
	st := newMemStore()
	em := &captureEmitter{}
	return NewEngine(st, em, nil), st, em
}

func limitBuyReq() *CreateRequest {
	return &CreateRequest{
		Symbol:          "NIFTY24DEC24000CE",
		Underlying:      "NIFTY",
		OrderType:       model.OrderTypeLimit,
		TransactionType: model.TransactionBuy,
		Qty:             50,
		Price:           100_00,
		ProfitTarget:    &ProfitTargetSpec{Price: 150_00},
		StopLoss:        &StopLossSpec{StopPrice: 80_00},
	}
}

func TestCreate_BuyWithProfitTargetAndStopLoss(t *testing.T) {
	eng, st, em := newTestEngine()

	b, err := eng.Create(context.Background(), "u1", limitBuyReq())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if b.Status != model.StatusPending {
		t.Errorf("expected PENDING, got %s", b.Status)
	}
	if b.ProfitTarget == nil || b.StopLoss == nil {
		t.Fatalf("expected both exit legs")
	}
	if b.ProfitTarget.TransactionType != model.TransactionSell {
		t.Errorf("profit target side: expected SELL, got %s", b.ProfitTarget.TransactionType)
	}
	if b.StopLoss.TransactionType != model.TransactionSell {
		t.Errorf("stop loss side: expected SELL, got %s", b.StopLoss.TransactionType)
	}
	if b.ProfitTarget.Price != 150_00 || b.StopLoss.StopPrice != 80_00 {
		t.Errorf("leg prices not carried over: pt=%d sl=%d", b.ProfitTarget.Price, b.StopLoss.StopPrice)
	}
	if b.ProfitTarget.IsActive || b.StopLoss.IsActive {
		t.Errorf("exit legs must be inactive before the parent fills")
	}
	if b.ProfitTarget.Qty != 50 || b.StopLoss.Qty != 50 {
		t.Errorf("exit legs must mirror parent quantity")
	}

	persisted, _ := st.Get(context.Background(), b.ID)
	if persisted == nil {
		t.Fatalf("bracket not persisted")
	}
	if got := em.types(); len(got) != 1 || got[0] != events.TypeBracketCreated {
		t.Errorf("expected [bracketOrderCreated], got %v", got)
	}
}

func TestCreate_ValidationFailures(t *testing.T) {
	eng, st, em := newTestEngine()
	ctx := context.Background()

	cases := []struct {
		name   string
		mut    func(r *CreateRequest)
		userID string
	}{
		{"no user", func(r *CreateRequest) {}, ""},
		{"no symbol", func(r *CreateRequest) { r.Symbol = "" }, "u1"},
		{"zero qty", func(r *CreateRequest) { r.Qty = 0 }, "u1"},
		{"negative qty", func(r *CreateRequest) { r.Qty = -5 }, "u1"},
		{"limit without price", func(r *CreateRequest) { r.Price = 0 }, "u1"},
		{"market with price", func(r *CreateRequest) { r.OrderType = model.OrderTypeMarket }, "u1"},
		{"bad order type", func(r *CreateRequest) { r.OrderType = "STOP" }, "u1"},
		{"bad side", func(r *CreateRequest) { r.TransactionType = "SHORT" }, "u1"},
		{"no exit legs", func(r *CreateRequest) { r.ProfitTarget, r.StopLoss = nil, nil }, "u1"},
		{"zero target price", func(r *CreateRequest) { r.ProfitTarget.Price = 0 }, "u1"},
		{"zero stop price", func(r *CreateRequest) { r.StopLoss.StopPrice = 0 }, "u1"},
		{"trailing without distance", func(r *CreateRequest) {
			r.TrailingStop = &TrailingStopSpec{InitialTriggerPrice: 90_00}
		}, "u1"},
		{"trailing percent out of range", func(r *CreateRequest) {
			r.TrailingStop = &TrailingStopSpec{TrailPercent: 150, InitialTriggerPrice: 90_00}
		}, "u1"},
		{"trailing without initial trigger", func(r *CreateRequest) {
			r.TrailingStop = &TrailingStopSpec{TrailAmount: 10_00}
		}, "u1"},
	}

	for _, tc := range cases {
		req := limitBuyReq()
		tc.mut(req)
		_, err := eng.Create(ctx, tc.userID, req)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}

	if st.upserts != 0 {
		t.Errorf("rejected requests must not touch the store, got %d upserts", st.upserts)
	}
	if len(em.types()) != 0 {
		t.Errorf("rejected requests must not emit events, got %v", em.types())
	}
}

func TestCreate_PersistFailureLeavesNoState(t *testing.T) {
	eng, st, em := newTestEngine()
	st.failNext = errors.New("disk full")

	_, err := eng.Create(context.Background(), "u1", limitBuyReq())
	if err == nil {
		t.Fatalf("expected error from store")
	}
	if len(eng.ListByUser("u1")) != 0 {
		t.Errorf("failed create must not index the bracket")
	}
	if len(em.types()) != 0 {
		t.Errorf("failed create must not emit events, got %v", em.types())
	}
}

func TestParentExecution_FullFillActivatesOnce(t *testing.T) {
	eng, _, em := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	if err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00); err != nil {
		t.Fatalf("execution: %v", err)
	}

	got, _ := eng.Get(b.ID)
	if got.Status != model.StatusActive {
		t.Errorf("expected ACTIVE, got %s", got.Status)
	}
	if got.Parent.FilledQty != 50 || got.Parent.AvgFillPrice != 105_00 {
		t.Errorf("fill not recorded: %+v", got.Parent)
	}
	if !got.ProfitTarget.IsActive || !got.StopLoss.IsActive {
		t.Errorf("exit legs must activate on full fill")
	}
	if types := em.types(); types[len(types)-1] != events.TypeParentExecuted {
		t.Errorf("expected parentOrderExecuted, got %v", types)
	}

	// Duplicate full-fill report: no second activation event.
	before := len(em.types())
	if err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00); err != nil {
		t.Fatalf("duplicate execution: %v", err)
	}
	if len(em.types()) != before {
		t.Errorf("duplicate full fill must not re-emit activation")
	}
}

func TestParentExecution_PartialThenFull(t *testing.T) {
	eng, _, em := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	if err := eng.HandleParentExecution(ctx, b.ID, 20, 104_00); err != nil {
		t.Fatalf("partial: %v", err)
	}
	got, _ := eng.Get(b.ID)
	if got.Status != model.StatusPartiallyFilled {
		t.Errorf("expected PARTIALLY_FILLED, got %s", got.Status)
	}
	if got.ChildrenActive() {
		t.Errorf("exit legs must stay inactive on partial fill")
	}
	for _, typ := range em.types() {
		if typ == events.TypeParentExecuted {
			t.Errorf("partial fill must not emit parentOrderExecuted")
		}
	}

	if err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00); err != nil {
		t.Fatalf("full: %v", err)
	}
	got, _ = eng.Get(b.ID)
	if got.Status != model.StatusActive || !got.ChildrenActive() {
		t.Errorf("full fill after partial must activate: %+v", got.Status)
	}
}

func TestParentExecution_RejectsBadReports(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	var ve *ValidationError
	if err := eng.HandleParentExecution(ctx, b.ID, 0, 100_00); !errors.As(err, &ve) {
		t.Errorf("zero qty: expected ValidationError, got %v", err)
	}
	if err := eng.HandleParentExecution(ctx, b.ID, 60, 100_00); !errors.As(err, &ve) {
		t.Errorf("over-fill: expected ValidationError, got %v", err)
	}
	if err := eng.HandleParentExecution(ctx, b.ID, 20, 0); !errors.As(err, &ve) {
		t.Errorf("zero price: expected ValidationError, got %v", err)
	}

	if err := eng.HandleParentExecution(ctx, b.ID, 20, 104_00); err != nil {
		t.Fatalf("partial: %v", err)
	}
	if err := eng.HandleParentExecution(ctx, b.ID, 10, 104_00); !errors.As(err, &ve) {
		t.Errorf("decreasing cumulative fill: expected ValidationError, got %v", err)
	}

	var nfe *NotFoundError
	if err := eng.HandleParentExecution(ctx, "BO-missing", 10, 100_00); !errors.As(err, &nfe) {
		t.Errorf("unknown id: expected NotFoundError, got %v", err)
	}
}

func TestChildExecution_CompletesAndCancelsSibling(t *testing.T) {
	eng, _, em := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())
	if err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00); err != nil {
		t.Fatalf("execution: %v", err)
	}

	if err := eng.HandleChildExecution(ctx, b.ID, model.LegProfitTarget, 50, 150_00); err != nil {
		t.Fatalf("child execution: %v", err)
	}

	got, _ := eng.Get(b.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
	if got.StopLoss.IsActive {
		t.Errorf("OCO: sibling stop loss must deactivate")
	}
	if got.ProfitTarget.FilledQty != 50 || got.ProfitTarget.AvgFillPrice != 150_00 {
		t.Errorf("child fill not recorded: %+v", got.ProfitTarget.OrderLeg)
	}
	if ev := em.last(); ev.Type != events.TypeChildTriggered {
		t.Errorf("expected childOrderTriggered, got %s", ev.Type)
	}
}

func TestChildExecution_BeforeActivationConflicts(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	var ce *ConflictError
	err := eng.HandleChildExecution(ctx, b.ID, model.LegProfitTarget, 50, 150_00)
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError before activation, got %v", err)
	}
}

func TestChildExecution_MissingLeg(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	req := limitBuyReq()
	req.StopLoss = nil
	b, _ := eng.Create(ctx, "u1", req)
	if err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00); err != nil {
		t.Fatalf("execution: %v", err)
	}

	var ve *ValidationError
	err := eng.HandleChildExecution(ctx, b.ID, model.LegStopLoss, 50, 80_00)
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for absent leg, got %v", err)
	}
}

func TestModify_ProfitTarget(t *testing.T) {
	eng, st, _ := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	if err := eng.Modify(ctx, ProfitTargetMod{ID: b.ID, NewPrice: 160_00}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	got, _ := eng.Get(b.ID)
	if got.ProfitTarget.Price != 160_00 {
		t.Errorf("expected price 160_00, got %d", got.ProfitTarget.Price)
	}
	persisted, _ := st.Get(ctx, b.ID)
	if persisted.ProfitTarget.Price != 160_00 {
		t.Errorf("modification not written through")
	}
}

func TestModify_TerminalConflicts(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())
	if _, err := eng.Cancel(ctx, b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var ce *ConflictError
	if err := eng.Modify(ctx, StopLossMod{ID: b.ID, NewStopPrice: 85_00}); !errors.As(err, &ce) {
		t.Errorf("expected ConflictError, got %v", err)
	}
}

func TestCancel_Semantics(t *testing.T) {
	eng, _, em := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	ok, err := eng.Cancel(ctx, b.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	got, _ := eng.Get(b.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	if got.ChildrenActive() {
		t.Errorf("cancel must deactivate exit legs")
	}
	if ev := em.last(); ev.Type != events.TypeBracketCancelled {
		t.Errorf("expected bracketOrderCancelled, got %s", ev.Type)
	}

	// Re-cancel: idempotent no-op.
	ok, err = eng.Cancel(ctx, b.ID)
	if err != nil || ok {
		t.Errorf("re-cancel: expected (false, nil), got (%v, %v)", ok, err)
	}

	// Unknown id: absence is a normal negative result.
	ok, err = eng.Cancel(ctx, "BO-missing")
	if err != nil || ok {
		t.Errorf("unknown id: expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestCancel_CompletedConflicts(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())
	if err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00); err != nil {
		t.Fatalf("execution: %v", err)
	}
	if err := eng.HandleChildExecution(ctx, b.ID, model.LegProfitTarget, 50, 150_00); err != nil {
		t.Fatalf("child: %v", err)
	}

	var ce *ConflictError
	if _, err := eng.Cancel(ctx, b.ID); !errors.As(err, &ce) {
		t.Errorf("cancel of COMPLETED: expected ConflictError, got %v", err)
	}
}

func TestFail_RecordsReason(t *testing.T) {
	eng, _, em := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	if err := eng.Fail(ctx, b.ID, "broker rejected: margin shortfall"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := eng.Get(b.ID)
	if got.Status != model.StatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
	if got.FailReason == "" {
		t.Errorf("expected a fail reason")
	}
	if ev := em.last(); ev.Type != events.TypeBracketFailed {
		t.Errorf("expected bracketOrderFailed, got %s", ev.Type)
	}
}

func TestPersistFailure_DoesNotCommit(t *testing.T) {
	eng, st, em := newTestEngine()
	ctx := context.Background()
	b, _ := eng.Create(ctx, "u1", limitBuyReq())

	eventsBefore := len(em.types())
	st.failNext = errors.New("sqlite locked")
	err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00)
	if err == nil {
		t.Fatalf("expected persist error")
	}

	got, _ := eng.Get(b.ID)
	if got.Status != model.StatusPending {
		t.Errorf("failed write must not commit in memory, got %s", got.Status)
	}
	if got.Parent.FilledQty != 0 {
		t.Errorf("failed write must not leak fill data")
	}
	if len(em.types()) != eventsBefore {
		t.Errorf("failed write must not emit events")
	}

	// Retry succeeds once the store recovers.
	if err := eng.HandleParentExecution(ctx, b.ID, 50, 105_00); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = eng.Get(b.ID)
	if got.Status != model.StatusActive {
		t.Errorf("retry must commit, got %s", got.Status)
	}
}

func TestRestore_RebuildsIndexAndWatches(t *testing.T) {
	st := newMemStore()
	em := &captureEmitter{}
	eng1 := NewEngine(st, em, nil)
	ctx := context.Background()

	req := limitBuyReq()
	req.TrailingStop = &TrailingStopSpec{TrailAmount: 10_00, InitialTriggerPrice: 90_00}
	b1, _ := eng1.Create(ctx, "u1", req)
	b2, _ := eng1.Create(ctx, "u1", limitBuyReq())
	if _, err := eng1.Cancel(ctx, b2.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Fresh engine over the same store, as after a restart.
	eng2 := NewEngine(st, em, nil)
	n, err := eng2.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 restored bracket, got %d", n)
	}
	if _, err := eng2.Get(b1.ID); err != nil {
		t.Errorf("open bracket must be restored: %v", err)
	}
	if _, err := eng2.Get(b2.ID); err == nil {
		t.Errorf("terminal bracket must not be restored")
	}
	if w := eng2.TrailingWatchers(req.Symbol); len(w) != 1 || w[0] != b1.ID {
		t.Errorf("trailing watch must be restored, got %v", w)
	}
}

func TestListByUser(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()
	eng.Create(ctx, "u1", limitBuyReq())
	eng.Create(ctx, "u1", limitBuyReq())
	eng.Create(ctx, "u2", limitBuyReq())

	if got := len(eng.ListByUser("u1")); got != 2 {
		t.Errorf("expected 2 brackets for u1, got %d", got)
	}
	if got := len(eng.ListByUser("u3")); got != 0 {
		t.Errorf("expected 0 brackets for u3, got %d", got)
	}
}
