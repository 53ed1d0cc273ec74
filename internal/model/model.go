// Package model defines the core domain types shared across the bet engine.
// Money crosses process boundaries as scaled integers (prices × 10^8,
// amounts and shares × 10^6, multipliers × 10^18); shopspring/decimal is
// used to render those scales exactly — never float64 for money.
package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tickgrid/bet-engine/internal/fixmath"
	"github.com/tickgrid/bet-engine/internal/grid"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusWon       Status = "won"
	StatusLost      Status = "lost"
	StatusDiscarded Status = "discarded"
)

// Terminal reports whether the status is final. Terminal positions never
// transition again; later events for them are no-ops.
func (s Status) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusDiscarded
}

// Position is one user's bet in one cell, tracked from placement through
// settlement.
type Position struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	GridID          string    `json:"grid_id"`
	Slot            int64     `json:"slot"`
	PriceMin        int64     `json:"price_min"`  // ×10^8
	PriceMax        int64     `json:"price_max"`  // ×10^8
	Wager           int64     `json:"wager"`      // ×10^6
	Shares          uint64    `json:"shares"`     // ×10^6
	Multiplier      uint64    `json:"multiplier"` // ×10^18, fixed at placement
	Status          Status    `json:"status"`
	ExternalOrderID string    `json:"external_order_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	SettledAt       time.Time `json:"settled_at,omitempty"`
	Payout          int64     `json:"payout"` // ×10^6, defined when Won/Lost
}

// Cell returns the position's grid cell.
func (p *Position) Cell() grid.Cell {
	return grid.Cell{Slot: p.Slot, Band: grid.Band{Min: p.PriceMin, Max: p.PriceMax}}
}

// DisplayPayout is wager × multiplier at the 10^6 amount scale. Recorded at
// placement for display; the settled payout is authoritative.
func (p *Position) DisplayPayout() int64 {
	return PayoutFor(p.Wager, p.Multiplier)
}

// PayoutFor computes a 10^6-scale payout from a 10^6-scale wager and a
// 10^18-scale multiplier.
func PayoutFor(wager int64, multiplier uint64) int64 {
	if wager <= 0 {
		return 0
	}
	return int64(fixmath.MulDiv(uint64(wager), multiplier, fixmath.Precision))
}

// Bet is one placement observed on the all-users bet feed. Redeliveries
// carry the same ID.
type Bet struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	GridID   string `json:"grid_id"`
	Slot     int64  `json:"slot"`
	PriceMin int64  `json:"price_min"` // ×10^8
	PriceMax int64  `json:"price_max"` // ×10^8
	Wager    int64  `json:"wager"`     // ×10^6
	Shares   uint64 `json:"shares"`    // ×10^6
}

// Settlement is the authoritative realized price range for one slot,
// delivered at least once by the settlement feed.
type Settlement struct {
	ID       string `json:"id,omitempty"`
	Slot     int64  `json:"slot"`
	PriceMin int64  `json:"price_min"` // ×10^8
	PriceMax int64  `json:"price_max"` // ×10^8
}

// Overlaps applies the strict open-interval win test against a position's
// band: a realized range that merely touches a boundary is a loss.
func (s Settlement) Overlaps(priceMin, priceMax int64) bool {
	return s.PriceMin < priceMax && s.PriceMax > priceMin
}

// CellAggregate is the total volume this engine knows to be in a cell, from
// all bettors. It may lag the authoritative backend total; it exists to
// project the multiplier the next bettor would receive.
type CellAggregate struct {
	GridID string `json:"grid_id"`
	Slot   int64  `json:"slot"`
	Shares uint64 `json:"shares"` // ×10^6
	Wager  int64  `json:"wager"`  // ×10^6
}

// PlacementRequest is handed to the order-submission collaborator.
type PlacementRequest struct {
	TimeOffsetSeconds int64  `json:"time_offset_seconds"`
	PriceLevel        int64  `json:"price_level"` // band min, ×10^8
	CellKey           string `json:"cell_key"`
}

// PlacementResult is the submission collaborator's response.
type PlacementResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// --- Decimal rendering for API boundaries ---

// AmountDecimal renders a 10^6-scale amount as an exact decimal.
func AmountDecimal(a int64) decimal.Decimal {
	return decimal.New(a, -6)
}

// PriceDecimal renders a 10^8-scale price as an exact decimal.
func PriceDecimal(p int64) decimal.Decimal {
	return decimal.New(p, -8)
}

// FixedDecimal renders a 10^18-scale fixed-point value as an exact decimal.
func FixedDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -18)
}
