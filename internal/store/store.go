// Package store defines the persistence interfaces for the bet engine.
// PostgreSQL is the authoritative ledger; Redis holds per-user position
// snapshots so a restarted session does not lose open bets; an in-memory
// implementation backs tests and development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tickgrid/bet-engine/internal/model"
)

// ErrNotFound is returned for lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the authoritative ledger interface.
type Store interface {
	// InsertBet appends a bet to the ledger.
	InsertBet(ctx context.Context, p *model.Position) error

	// CellShares returns the cumulative 10^6-scale shares issued in one
	// cell, across all users. Zero with no error for an untouched cell.
	CellShares(ctx context.Context, slot, priceMin, priceMax int64) (uint64, error)

	// BetsBySlot returns every bet recorded under a time slot.
	BetsBySlot(ctx context.Context, slot int64) ([]model.Position, error)

	// BetsByUser returns a user's bets created at or after since.
	BetsByUser(ctx context.Context, userID string, since time.Time) ([]model.Position, error)

	// SettleBet upserts a bet's terminal status and payout, keyed by its
	// external order ID. Safe to repeat: a bet already in a terminal
	// status is left untouched.
	SettleBet(ctx context.Context, externalOrderID string, status model.Status, payout int64, settledAt time.Time) error

	// RecordSettlement persists an authoritative settlement. Idempotent
	// per slot; redeliveries are absorbed.
	RecordSettlement(ctx context.Context, s *model.Settlement) error
}

// PositionStore is the durable local-position collaborator: a per-user
// key-value snapshot of open and recently-terminal positions.
type PositionStore interface {
	SaveSnapshot(ctx context.Context, userID string, positions []model.Position) error
	LoadSnapshot(ctx context.Context, userID string) ([]model.Position, error)
}
