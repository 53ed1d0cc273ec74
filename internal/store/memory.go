package store

import (
	"context"
	"sync"
	"time"

	"github.com/tickgrid/bet-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	bets        []model.Position
	settlements map[int64]model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[int64]model.Settlement),
	}
}

func (s *MemoryStore) InsertBet(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bets = append(s.bets, *p)
	return nil
}

func (s *MemoryStore) CellShares(_ context.Context, slot, priceMin, priceMax int64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for _, b := range s.bets {
		if b.Slot == slot && b.PriceMin == priceMin && b.PriceMax == priceMax &&
			b.Status != model.StatusDiscarded {
			total += b.Shares
		}
	}
	return total, nil
}

func (s *MemoryStore) BetsBySlot(_ context.Context, slot int64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, b := range s.bets {
		if b.Slot == slot {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) BetsByUser(_ context.Context, userID string, since time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, b := range s.bets {
		if b.UserID == userID && !b.CreatedAt.Before(since) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) SettleBet(_ context.Context, externalOrderID string, status model.Status, payout int64, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.bets {
		if s.bets[i].ExternalOrderID != externalOrderID {
			continue
		}
		if s.bets[i].Status.Terminal() {
			return nil // already settled; repeat applications are no-ops
		}
		s.bets[i].Status = status
		s.bets[i].Payout = payout
		s.bets[i].SettledAt = settledAt
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) RecordSettlement(_ context.Context, stl *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[stl.Slot]; ok {
		return nil
	}
	s.settlements[stl.Slot] = *stl
	return nil
}

// Settlements returns recorded settlements, for test assertions.
func (s *MemoryStore) Settlements() []model.Settlement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Settlement, 0, len(s.settlements))
	for _, stl := range s.settlements {
		out = append(out, stl)
	}
	return out
}

// MemoryPositionStore implements PositionStore in memory for tests.
type MemoryPositionStore struct {
	mu        sync.RWMutex
	snapshots map[string][]model.Position
}

// NewMemoryPositionStore creates an in-memory snapshot store.
func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{snapshots: make(map[string][]model.Position)}
}

func (s *MemoryPositionStore) SaveSnapshot(_ context.Context, userID string, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]model.Position, len(positions))
	copy(cp, positions)
	s.snapshots[userID] = cp
	return nil
}

func (s *MemoryPositionStore) LoadSnapshot(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[userID]
	if !ok {
		return nil, nil
	}
	cp := make([]model.Position, len(snap))
	copy(cp, snap)
	return cp, nil
}
