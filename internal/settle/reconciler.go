// Package settle reconciles authoritative slot settlements against local
// positions. The settlement feed is at-least-once; the reconciler's seen-slot
// set makes redeliveries no-ops, and every downstream transition is itself
// idempotent as a second line of defense.
package settle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tickgrid/bet-engine/internal/grid"
	"github.com/tickgrid/bet-engine/internal/metrics"
	"github.com/tickgrid/bet-engine/internal/model"
	"github.com/tickgrid/bet-engine/internal/store"
)

// DefaultOutcomeRetention is how long a slot's display outcomes stay
// queryable after settlement.
const DefaultOutcomeRetention = 30 * time.Second

// Positions is the slice of the lifecycle manager the reconciler needs.
type Positions interface {
	OpenBySlot(slot int64) []model.Position
	CellsBySlot(slot int64) []grid.Cell
	Resolve(id string, won bool, payout int64, settledAt time.Time) error
	AdoptSettled(p model.Position)
	PruneSlot(slot int64)
}

// Outcome is the display verdict for one cell of a settled slot.
type Outcome struct {
	GridID string `json:"grid_id"`
	Won    bool   `json:"won"`
}

type slotOutcome struct {
	outcomes  map[string]Outcome
	settledAt time.Time
}

// Reconciler applies settlements to positions and maintains the short-lived
// per-cell outcome map used for result highlighting.
type Reconciler struct {
	ledger    store.Store
	positions Positions
	retention time.Duration
	clock     func() time.Time

	mu       sync.RWMutex
	seen     map[int64]struct{}
	outcomes map[int64]slotOutcome
}

// New creates a reconciler. A non-positive retention takes
// DefaultOutcomeRetention; a nil clock uses time.Now.
func New(ledger store.Store, positions Positions, retention time.Duration, clock func() time.Time) *Reconciler {
	if retention <= 0 {
		retention = DefaultOutcomeRetention
	}
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		ledger:    ledger,
		positions: positions,
		retention: retention,
		clock:     clock,
		seen:      make(map[int64]struct{}),
		outcomes:  make(map[int64]slotOutcome),
	}
}

// Apply processes one settlement. Check-and-insert on the seen-slot set
// happens under the lock, so concurrent redeliveries of the same slot
// cannot both proceed.
func (r *Reconciler) Apply(ctx context.Context, s model.Settlement) {
	r.mu.Lock()
	if _, dup := r.seen[s.Slot]; dup {
		r.mu.Unlock()
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	r.seen[s.Slot] = struct{}{}
	r.mu.Unlock()

	now := r.clock()
	open := r.positions.OpenBySlot(s.Slot)

	if len(open) == 0 {
		r.settleFromLedger(ctx, s, now)
	} else {
		r.settleLocal(s, open, now)
	}

	r.recordOutcomes(s, now)
	r.positions.PruneSlot(s.Slot)

	// Write-behind: the authoritative settlement itself is persisted off
	// the reconciliation path.
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stl := s
		if err := r.ledger.RecordSettlement(wctx, &stl); err != nil {
			metrics.SettleWriteFailures.Inc()
			slog.Warn("settlement persist failed", "slot", s.Slot, "err", err)
		}
	}()
}

// settleLocal resolves the tracked open positions in the slot. A failure on
// one position never blocks the rest.
func (r *Reconciler) settleLocal(s model.Settlement, open []model.Position, now time.Time) {
	for _, p := range open {
		won := s.Overlaps(p.PriceMin, p.PriceMax)
		payout := int64(0)
		if won {
			payout = model.PayoutFor(p.Wager, p.Multiplier)
		}
		if err := r.positions.Resolve(p.ID, won, payout, now); err != nil {
			slog.Warn("resolve failed", "position_id", p.ID, "err", err)
			continue
		}
		result := "lost"
		if won {
			result = "won"
		}
		metrics.SettlementsTotal.WithLabelValues(result).Inc()
		slog.Info("position settled",
			"position_id", p.ID,
			"grid_id", p.GridID,
			"result", result,
			"payout", model.AmountDecimal(payout).String(),
		)

		go r.persistResult(p.ExternalOrderID, won, payout, now)
	}
}

// settleFromLedger covers the restart gap: the slot has no locally tracked
// positions, so the ledger's bets for the slot are settled directly and
// surfaced as adopted terminal positions.
func (r *Reconciler) settleFromLedger(ctx context.Context, s model.Settlement, now time.Time) {
	bets, err := r.ledger.BetsBySlot(ctx, s.Slot)
	if err != nil {
		slog.Warn("ledger fallback lookup failed", "slot", s.Slot, "err", err)
		return
	}
	for _, p := range bets {
		if p.Status.Terminal() {
			continue
		}
		won := s.Overlaps(p.PriceMin, p.PriceMax)
		payout := int64(0)
		status := model.StatusLost
		if won {
			payout = model.PayoutFor(p.Wager, p.Multiplier)
			status = model.StatusWon
		}
		if err := r.ledger.SettleBet(ctx, p.ExternalOrderID, status, payout, now); err != nil {
			metrics.SettleWriteFailures.Inc()
			slog.Warn("ledger settle failed", "position_id", p.ID, "err", err)
			continue
		}
		metrics.SettlementsTotal.WithLabelValues(string(status)).Inc()

		p.Status = status
		p.Payout = payout
		p.SettledAt = now.UTC()
		r.positions.AdoptSettled(p)
	}
}

func (r *Reconciler) persistResult(externalOrderID string, won bool, payout int64, now time.Time) {
	if externalOrderID == "" {
		return
	}
	status := model.StatusLost
	if won {
		status = model.StatusWon
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ledger.SettleBet(ctx, externalOrderID, status, payout, now); err != nil {
		metrics.SettleWriteFailures.Inc()
		slog.Warn("result persist failed", "order_id", externalOrderID, "err", err)
	}
}

// recordOutcomes computes the display verdict for every cell the engine
// knows about in the slot, from both tracked positions and feed aggregates.
func (r *Reconciler) recordOutcomes(s model.Settlement, now time.Time) {
	cells := r.positions.CellsBySlot(s.Slot)
	out := make(map[string]Outcome, len(cells))
	for _, c := range cells {
		out[c.ID()] = Outcome{
			GridID: c.ID(),
			Won:    s.Overlaps(c.Band.Min, c.Band.Max),
		}
	}

	r.mu.Lock()
	r.outcomes[s.Slot] = slotOutcome{outcomes: out, settledAt: now}
	r.mu.Unlock()
}

// Outcomes returns the display verdicts for a settled slot, or false if
// the slot is unknown or its retention window has passed.
func (r *Reconciler) Outcomes(slot int64) (map[string]Outcome, bool) {
	now := r.clock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	so, ok := r.outcomes[slot]
	if !ok || now.Sub(so.settledAt) >= r.retention {
		return nil, false
	}
	cp := make(map[string]Outcome, len(so.outcomes))
	for k, v := range so.outcomes {
		cp[k] = v
	}
	return cp, true
}

// EvictExpired drops outcome maps past their retention window and returns
// how many were removed. The seen-slot set is trimmed alongside: once the
// outcomes are gone a redelivered settlement is harmless, since every
// transition it would trigger is idempotent.
func (r *Reconciler) EvictExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for slot, so := range r.outcomes {
		if now.Sub(so.settledAt) >= r.retention {
			delete(r.outcomes, slot)
			delete(r.seen, slot)
			n++
		}
	}
	return n
}

// Sweep evicts expired outcomes every interval until ctx is cancelled.
// Run it in a goroutine.
func (r *Reconciler) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictExpired(now)
		}
	}
}
