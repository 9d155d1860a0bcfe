package bracket

import (
	"fmt"
	"sync"
	"testing"

	"bracket-enginev1/internal/model"
)

func TestIndex_InsertOnce(t *testing.T) {
	idx := NewIndex()
	b := &model.BracketOrder{ID: "BO-1", UserID: "u1", Status: model.StatusPending}

	if !idx.Insert(b) {
		t.Fatalf("first insert must succeed")
	}
	if idx.Insert(&model.BracketOrder{ID: "BO-1", UserID: "u1"}) {
		t.Errorf("duplicate insert must be rejected")
	}
	if idx.Len() != 1 {
		t.Errorf("expected len 1, got %d", idx.Len())
	}
}

func TestIndex_SnapshotIsDeepCopy(t *testing.T) {
	idx := NewIndex()
	idx.Insert(&model.BracketOrder{
		ID:     "BO-1",
		UserID: "u1",
		Status: model.StatusActive,
		TrailingStop: &model.TrailingStopLeg{
			TrailAmount:   10_00,
			HighWaterMark: 100_00,
		},
	})

	snap, ok := idx.Snapshot("BO-1")
	if !ok {
		t.Fatalf("snapshot miss")
	}
	snap.Status = model.StatusCancelled
	snap.TrailingStop.HighWaterMark = 999_00

	again, _ := idx.Snapshot("BO-1")
	if again.Status != model.StatusActive {
		t.Errorf("snapshot mutation leaked into the index")
	}
	if again.TrailingStop.HighWaterMark != 100_00 {
		t.Errorf("snapshot leg mutation leaked into the index")
	}
}

func TestIndex_WatchUnwatch(t *testing.T) {
	idx := NewIndex()
	idx.Watch("NIFTY24DEC24000CE", "BO-1")
	idx.Watch("NIFTY24DEC24000CE", "BO-2")
	idx.Watch("BANKNIFTY24DEC51000CE", "BO-3")

	if got := idx.Watchers("NIFTY24DEC24000CE"); len(got) != 2 {
		t.Errorf("expected 2 watchers, got %v", got)
	}
	idx.Unwatch("NIFTY24DEC24000CE", "BO-1")
	if got := idx.Watchers("NIFTY24DEC24000CE"); len(got) != 1 || got[0] != "BO-2" {
		t.Errorf("expected [BO-2], got %v", got)
	}
	idx.Unwatch("NIFTY24DEC24000CE", "BO-2")
	if got := idx.Watchers("NIFTY24DEC24000CE"); len(got) != 0 {
		t.Errorf("expected no watchers, got %v", got)
	}
	// Unwatch on an empty symbol is harmless.
	idx.Unwatch("ABSENT", "BO-9")
}

func TestIndex_ConcurrentInsertAndSnapshot(t *testing.T) {
	idx := NewIndex()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("BO-%d", i)
			idx.Insert(&model.BracketOrder{ID: id, UserID: "u1", Status: model.StatusPending})
			idx.Snapshot(id)
		}(i)
	}
	wg.Wait()

	if idx.Len() != n {
		t.Errorf("expected %d entries, got %d", n, idx.Len())
	}
	if got := len(idx.SnapshotByUser("u1")); got != n {
		t.Errorf("expected %d user brackets, got %d", n, got)
	}
}
