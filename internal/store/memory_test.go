package store

import (
	"context"
	"testing"
	"time"

	"github.com/tickgrid/bet-engine/internal/fixmath"
	"github.com/tickgrid/bet-engine/internal/model"
)

func seedBet(t *testing.T, s *MemoryStore, id, user, orderID string, slot int64, shares uint64) *model.Position {
	t.Helper()
	p := &model.Position{
		ID:              id,
		UserID:          user,
		GridID:          "1700000050-10.00-10.05",
		Slot:            slot,
		PriceMin:        10_00000000,
		PriceMax:        10_05000000,
		Wager:           1_000_000,
		Shares:          shares,
		Multiplier:      5 * fixmath.Precision,
		Status:          model.StatusConfirmed,
		ExternalOrderID: orderID,
		CreatedAt:       time.Unix(1_700_000_000, 0),
	}
	if err := s.InsertBet(context.Background(), p); err != nil {
		t.Fatalf("insert bet: %v", err)
	}
	return p
}

func TestMemoryStore_CellShares(t *testing.T) {
	s := NewMemoryStore()
	seedBet(t, s, "b1", "u1", "o1", 1700000050, 2_000_000)
	seedBet(t, s, "b2", "u2", "o2", 1700000050, 3_000_000)
	// Different slot, same band: not counted.
	seedBet(t, s, "b3", "u1", "o3", 1700000055, 1_000_000)

	got, err := s.CellShares(context.Background(), 1700000050, 10_00000000, 10_05000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := uint64(5_000_000); got != want {
		t.Errorf("cell shares = %d, want %d", got, want)
	}
}

func TestMemoryStore_CellShares_ExcludesDiscarded(t *testing.T) {
	s := NewMemoryStore()
	p := seedBet(t, s, "b1", "u1", "o1", 1700000050, 2_000_000)
	p.Status = model.StatusDiscarded
	// Re-insert a discarded bet; aggregate must ignore it.
	s2 := NewMemoryStore()
	if err := s2.InsertBet(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	got, _ := s2.CellShares(context.Background(), 1700000050, 10_00000000, 10_05000000)
	if got != 0 {
		t.Errorf("discarded bets must not count toward cell shares, got %d", got)
	}
}

func TestMemoryStore_SettleBet_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	seedBet(t, s, "b1", "u1", "order-1", 1700000050, 1_000_000)

	at := time.Unix(1_700_000_060, 0)
	if err := s.SettleBet(context.Background(), "order-1", model.StatusWon, 5_000_000, at); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	// Repeat with a different outcome: must be a no-op.
	if err := s.SettleBet(context.Background(), "order-1", model.StatusLost, 0, at.Add(time.Second)); err != nil {
		t.Fatalf("second settle: %v", err)
	}

	bets, _ := s.BetsBySlot(context.Background(), 1700000050)
	if len(bets) != 1 {
		t.Fatalf("expected 1 bet, got %d", len(bets))
	}
	if bets[0].Status != model.StatusWon || bets[0].Payout != 5_000_000 {
		t.Errorf("repeat settle changed terminal state: %+v", bets[0])
	}
}

func TestMemoryStore_SettleBet_UnknownOrder(t *testing.T) {
	s := NewMemoryStore()
	err := s.SettleBet(context.Background(), "missing", model.StatusWon, 0, time.Now())
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_BetsByUser_Since(t *testing.T) {
	s := NewMemoryStore()
	old := seedBet(t, s, "b1", "u1", "o1", 1700000050, 1_000_000)
	_ = old

	bets, err := s.BetsByUser(context.Background(), "u1", time.Unix(1_700_000_001, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bets) != 0 {
		t.Errorf("expected no bets after since cutoff, got %d", len(bets))
	}

	bets, _ = s.BetsByUser(context.Background(), "u1", time.Unix(1_699_999_000, 0))
	if len(bets) != 1 {
		t.Errorf("expected 1 bet before cutoff, got %d", len(bets))
	}
}

func TestMemoryStore_RecordSettlement_AbsorbsRedelivery(t *testing.T) {
	s := NewMemoryStore()
	stl := &model.Settlement{ID: "s1", Slot: 1700000050, PriceMin: 1, PriceMax: 2}
	if err := s.RecordSettlement(context.Background(), stl); err != nil {
		t.Fatal(err)
	}
	dup := &model.Settlement{ID: "s2", Slot: 1700000050, PriceMin: 9, PriceMax: 10}
	if err := s.RecordSettlement(context.Background(), dup); err != nil {
		t.Fatal(err)
	}

	got := s.Settlements()
	if len(got) != 1 {
		t.Fatalf("expected 1 settlement, got %d", len(got))
	}
	if got[0].ID != "s1" {
		t.Errorf("redelivery replaced the original settlement: %+v", got[0])
	}
}

func TestMemoryPositionStore_RoundTrip(t *testing.T) {
	ps := NewMemoryPositionStore()
	ctx := context.Background()

	loaded, err := ps.LoadSnapshot(ctx, "u1")
	if err != nil || loaded != nil {
		t.Fatalf("empty load: got %v, %v", loaded, err)
	}

	in := []model.Position{{ID: "p1", UserID: "u1", Status: model.StatusPending}}
	if err := ps.SaveSnapshot(ctx, "u1", in); err != nil {
		t.Fatal(err)
	}

	loaded, err = ps.LoadSnapshot(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].ID != "p1" {
		t.Errorf("snapshot round trip mismatch: %+v", loaded)
	}

	// Mutating the returned slice must not affect the stored snapshot.
	loaded[0].Status = model.StatusWon
	again, _ := ps.LoadSnapshot(ctx, "u1")
	if again[0].Status != model.StatusPending {
		t.Error("snapshot store leaked internal state")
	}
}
