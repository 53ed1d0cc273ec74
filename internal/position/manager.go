// Package position tracks a user's bets through their lifecycle:
// Pending → Confirmed → Won/Lost, or Pending → Discarded. It owns the
// engine's view of per-cell volume (aggregated from the all-users bet feed)
// and keeps the user's open positions durable across session restarts.
//
// No method blocks on I/O from the caller's perspective. Placement pricing
// is optimistic; submission, the confirmed-projection refresh, and snapshot
// persistence all run on background goroutines that check the manager's
// lifecycle before writing anything.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tickgrid/bet-engine/internal/grid"
	"github.com/tickgrid/bet-engine/internal/metrics"
	"github.com/tickgrid/bet-engine/internal/model"
	"github.com/tickgrid/bet-engine/internal/pricecache"
	"github.com/tickgrid/bet-engine/internal/pricing"
	"github.com/tickgrid/bet-engine/internal/store"
)

var (
	// ErrNotFound is returned for unknown position IDs.
	ErrNotFound = errors.New("position: not found")

	// ErrNotPending is returned when Confirm or Reject targets a position
	// that already left the Pending state.
	ErrNotPending = errors.New("position: not pending")

	// ErrPlacementInFlight is returned when a cell already has an
	// outstanding placement for this user.
	ErrPlacementInFlight = errors.New("position: placement already in flight for cell")
)

// Defaults for the manager's timing knobs.
const (
	DefaultRefreshDelay = 1500 * time.Millisecond
	DefaultPersistEvery = 2 * time.Second
	DefaultHorizon      = 24 * time.Hour
)

// Submitter is the order-submission collaborator. Implementations must be
// safe for concurrent use.
type Submitter interface {
	PlaceBet(ctx context.Context, req model.PlacementRequest) (model.PlacementResult, error)
}

// Config carries the manager's identity and timing knobs. Zero durations
// take the package defaults; a nil Clock uses time.Now.
type Config struct {
	UserID       string
	RefreshDelay time.Duration
	PersistEvery time.Duration
	Horizon      time.Duration
	Clock        func() time.Time

	// OnReject is invoked (on the caller's goroutine) when a placement is
	// rejected, carrying the backend's reason so collaborators can run
	// remediation such as clearing a stale session.
	OnReject func(positionID, reason string)
}

// Manager is the per-user bet lifecycle state machine.
type Manager struct {
	cfg       Config
	ledger    store.Store
	snapshots store.PositionStore // may be nil
	cache     *pricecache.Cache
	submitter Submitter

	mu         sync.RWMutex
	positions  map[string]*model.Position
	inflight   map[string]struct{} // gridID → outstanding submission
	aggregates map[string]*model.CellAggregate
	seenBets   map[string]int64 // bet ID → slot, for pruning
	dirty      bool
	closed     bool

	done chan struct{}
}

// NewManager creates a lifecycle manager. snapshots may be nil (no local
// durability); submitter may be nil only if Place is never called.
func NewManager(cfg Config, ledger store.Store, snapshots store.PositionStore, cache *pricecache.Cache, submitter Submitter) *Manager {
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = DefaultPersistEvery
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		cfg:        cfg,
		ledger:     ledger,
		snapshots:  snapshots,
		cache:      cache,
		submitter:  submitter,
		positions:  make(map[string]*model.Position),
		inflight:   make(map[string]struct{}),
		aggregates: make(map[string]*model.CellAggregate),
		seenBets:   make(map[string]int64),
		done:       make(chan struct{}),
	}
}

// Close tears the manager down: pending asynchronous refreshes and
// submissions are abandoned without effect.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *Manager) active() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Place prices a wager in the given cell, records a Pending position, and
// dispatches the placement to the submission collaborator in the
// background. The returned position carries the locked-in multiplier and a
// display payout; neither changes when the backend later confirms.
func (m *Manager) Place(ctx context.Context, cell grid.Cell, wager int64) (model.Position, error) {
	now := m.cfg.Clock()
	if grid.TimeUntilStart(cell.Slot, now) <= 0 {
		return model.Position{}, pricing.ErrSlotClosed
	}
	gid := cell.ID()

	m.mu.Lock()
	if _, busy := m.inflight[gid]; busy {
		m.mu.Unlock()
		return model.Position{}, ErrPlacementInFlight
	}
	m.inflight[gid] = struct{}{}
	existing, haveAgg := m.cellSharesLocked(gid)
	m.mu.Unlock()

	if !haveAgg {
		// No local aggregate for the cell; a ledger point lookup narrows
		// the price when other bettors already occupy it. Failures fall
		// back to the quick estimate rather than stall the interactive path.
		if shares, err := m.ledger.CellShares(ctx, cell.Slot, cell.Band.Min, cell.Band.Max); err == nil {
			existing = shares
		} else {
			metrics.CacheEvents.WithLabelValues("fallback").Inc()
			slog.Warn("cell share lookup failed, using quick estimate", "grid_id", gid, "err", err)
			existing = 0
		}
	}

	price, err := pricing.PricePerShare(existing, cell.Slot, now.Unix())
	if err != nil {
		m.clearInflight(gid)
		return model.Position{}, err
	}
	mult, err := pricing.Multiplier(price)
	if err != nil {
		m.clearInflight(gid)
		return model.Position{}, err
	}
	shares, err := pricing.SharesForWager(existing, wager, cell.Slot, now.Unix())
	if err != nil {
		m.clearInflight(gid)
		return model.Position{}, err
	}

	pos := &model.Position{
		ID:         uuid.New().String(),
		UserID:     m.cfg.UserID,
		GridID:     gid,
		Slot:       cell.Slot,
		PriceMin:   cell.Band.Min,
		PriceMax:   cell.Band.Max,
		Wager:      wager,
		Shares:     shares,
		Multiplier: mult,
		Status:     model.StatusPending,
		CreatedAt:  now.UTC(),
		Payout:     model.PayoutFor(wager, mult),
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.dirty = true
	m.mu.Unlock()

	metrics.BetsTotal.WithLabelValues(string(model.StatusPending)).Inc()
	metrics.OpenPositions.Inc()

	// Optimistic next-bettor projection: the cell now carries this wager's
	// shares too.
	if m.cache != nil {
		if nextPrice, err := pricing.PricePerShare(existing+shares, cell.Slot, now.Unix()); err == nil {
			if nextMult, err := pricing.Multiplier(nextPrice); err == nil {
				m.cache.PutOptimistic(gid, cell.Slot, existing+shares, nextMult, now)
			}
		}
	}

	slog.Info("bet placed",
		"position_id", pos.ID,
		"grid_id", gid,
		"wager", model.AmountDecimal(wager).String(),
		"multiplier", model.FixedDecimal(mult).String(),
	)

	go m.submit(pos.ID, model.PlacementRequest{
		TimeOffsetSeconds: grid.TimeUntilStart(cell.Slot, now),
		PriceLevel:        cell.Band.Min,
		CellKey:           gid,
	})

	return *pos, nil
}

// submit runs the placement call and applies its outcome. It owns its own
// context: the caller's request ends long before the backend answers.
// Abandoned without effect if the manager is torn down while the call is
// outstanding.
func (m *Manager) submit(positionID string, req model.PlacementRequest) {
	defer m.clearInflight(req.CellKey)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := m.submitter.PlaceBet(ctx, req)
	if !m.active() {
		return
	}
	if err != nil {
		if rejErr := m.Reject(positionID, err.Error()); rejErr != nil {
			slog.Warn("reject after submit failure", "position_id", positionID, "err", rejErr)
		}
		return
	}
	if !res.Success {
		if rejErr := m.Reject(positionID, res.Error); rejErr != nil {
			slog.Warn("reject after backend decline", "position_id", positionID, "err", rejErr)
		}
		return
	}
	if err := m.Confirm(positionID, res.OrderID); err != nil {
		slog.Warn("confirm failed", "position_id", positionID, "err", err)
	}
}

func (m *Manager) clearInflight(gid string) {
	m.mu.Lock()
	delete(m.inflight, gid)
	m.mu.Unlock()
}

// Confirm transitions a Pending position to Confirmed, stamps the external
// order ID, and schedules a delayed refresh of the cell's next-bettor
// projection from authoritative totals. The position's own multiplier is
// already fixed and is never re-priced.
func (m *Manager) Confirm(id, externalOrderID string) error {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if p.Status != model.StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}
	p.Status = model.StatusConfirmed
	p.ExternalOrderID = externalOrderID
	m.dirty = true
	cell := p.Cell()
	cp := *p
	m.mu.Unlock()

	metrics.BetsTotal.WithLabelValues(string(model.StatusConfirmed)).Inc()
	slog.Info("bet confirmed", "position_id", id, "order_id", externalOrderID)

	go func() {
		if !m.active() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.ledger.InsertBet(ctx, &cp); err != nil {
			slog.Warn("ledger insert failed", "position_id", cp.ID, "err", err)
		}
		m.refreshProjection(cell)
	}()
	return nil
}

// refreshProjection waits out the backend's own aggregation delay, then
// reads the authoritative cell total and records a Confirmed projection.
func (m *Manager) refreshProjection(cell grid.Cell) {
	select {
	case <-m.done:
		return
	case <-time.After(m.cfg.RefreshDelay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shares, err := m.ledger.CellShares(ctx, cell.Slot, cell.Band.Min, cell.Band.Max)
	if err != nil {
		slog.Warn("projection refresh lookup failed", "grid_id", cell.ID(), "err", err)
		return
	}
	if !m.active() {
		return
	}

	now := m.cfg.Clock()
	price, err := pricing.PricePerShare(shares, cell.Slot, now.Unix())
	if err != nil {
		return // slot closed in the meantime
	}
	mult, err := pricing.Multiplier(price)
	if err != nil {
		return
	}
	if m.cache != nil {
		m.cache.PutConfirmed(cell.ID(), cell.Slot, shares, mult, now)
	}

	m.mu.Lock()
	agg, ok := m.aggregates[cell.ID()]
	if !ok {
		agg = &model.CellAggregate{GridID: cell.ID(), Slot: cell.Slot}
		m.aggregates[cell.ID()] = agg
	}
	if shares > agg.Shares {
		agg.Shares = shares
	}
	m.mu.Unlock()
}

// Reject transitions a Pending position to Discarded and removes it from
// the active set entirely. The reason is surfaced via Config.OnReject.
func (m *Manager) Reject(id, reason string) error {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if p.Status != model.StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}
	p.Status = model.StatusDiscarded
	delete(m.positions, id)
	m.dirty = true
	m.mu.Unlock()

	metrics.BetsTotal.WithLabelValues(string(model.StatusDiscarded)).Inc()
	metrics.OpenPositions.Dec()
	slog.Info("bet discarded", "position_id", id, "reason", reason)

	if m.cfg.OnReject != nil {
		m.cfg.OnReject(id, reason)
	}
	return nil
}

// Resolve transitions a Pending or Confirmed position to Won or Lost.
// Terminal positions are left untouched and return nil: settlement
// redeliveries must be no-ops.
func (m *Manager) Resolve(id string, won bool, payout int64, settledAt time.Time) error {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if p.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	status := model.StatusLost
	if won {
		status = model.StatusWon
	}
	p.Status = status
	p.Payout = payout
	p.SettledAt = settledAt.UTC()
	m.dirty = true
	m.mu.Unlock()

	metrics.BetsTotal.WithLabelValues(string(status)).Inc()
	metrics.OpenPositions.Dec()
	return nil
}

// AdoptSettled surfaces a terminal position that was resolved from the
// ledger fallback path so it can be displayed, even though it was not
// previously tracked locally. Existing entries are not overwritten.
func (m *Manager) AdoptSettled(p model.Position) {
	if !p.Status.Terminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[p.ID]; exists {
		return
	}
	cp := p
	m.positions[p.ID] = &cp
	m.dirty = true
}

// Get returns a copy of one position.
func (m *Manager) Get(id string) (model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return *p, nil
}

// All returns copies of every tracked position.
func (m *Manager) All() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// OpenBySlot returns copies of the non-terminal positions in one slot.
func (m *Manager) OpenBySlot(slot int64) []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.Slot == slot && !p.Status.Terminal() {
			out = append(out, *p)
		}
	}
	return out
}

// CellsBySlot returns every cell in the slot known to this engine, from
// both tracked positions and feed aggregates. Used for outcome
// highlighting across all users.
func (m *Manager) CellsBySlot(slot int64) []grid.Cell {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]grid.Cell)
	for _, p := range m.positions {
		if p.Slot == slot {
			seen[p.GridID] = p.Cell()
		}
	}
	for gid, agg := range m.aggregates {
		if agg.Slot != slot {
			continue
		}
		if _, ok := seen[gid]; ok {
			continue
		}
		if cell, err := grid.ParseID(gid); err == nil {
			seen[gid] = cell
		}
	}

	out := make([]grid.Cell, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	return out
}

// ApplyBet folds one all-users bet-feed event into the cell aggregates.
// Redeliveries (same bet ID) are absorbed.
func (m *Manager) ApplyBet(b model.Bet) {
	now := m.cfg.Clock()

	m.mu.Lock()
	if _, dup := m.seenBets[b.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.seenBets[b.ID] = b.Slot

	agg, ok := m.aggregates[b.GridID]
	if !ok {
		agg = &model.CellAggregate{GridID: b.GridID, Slot: b.Slot}
		m.aggregates[b.GridID] = agg
	}
	agg.Shares += b.Shares
	agg.Wager += b.Wager
	shares := agg.Shares
	m.mu.Unlock()

	// Feed-derived totals may lag the backend; project optimistically.
	if m.cache != nil {
		if price, err := pricing.PricePerShare(shares, b.Slot, now.Unix()); err == nil {
			if mult, err := pricing.Multiplier(price); err == nil {
				m.cache.PutOptimistic(b.GridID, b.Slot, shares, mult, now)
			}
		}
	}
}

// PruneSlot drops aggregates and bet-feed dedup entries for a settled
// slot, bounding memory on the moving time axis.
func (m *Manager) PruneSlot(slot int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gid, agg := range m.aggregates {
		if agg.Slot == slot {
			delete(m.aggregates, gid)
		}
	}
	for id, s := range m.seenBets {
		if s == slot {
			delete(m.seenBets, id)
		}
	}
}

// CellShares returns the locally known share total for a cell.
func (m *Manager) CellShares(gid string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cellSharesLocked(gid)
}

func (m *Manager) cellSharesLocked(gid string) (uint64, bool) {
	agg, ok := m.aggregates[gid]
	if !ok {
		return 0, false
	}
	return agg.Shares, true
}

// --- Durability ---

// Run persists dirty snapshots every PersistEvery until ctx is cancelled,
// then writes one final snapshot. Run it in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	if m.snapshots == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.cfg.PersistEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			m.persist(flushCtx, true)
			cancel()
			return
		case <-ticker.C:
			m.persist(ctx, false)
		}
	}
}

// persist writes the snapshot if anything changed since the last write,
// dropping terminal positions older than the horizon along the way.
func (m *Manager) persist(ctx context.Context, force bool) {
	now := m.cfg.Clock()

	m.mu.Lock()
	if !m.dirty && !force {
		m.mu.Unlock()
		return
	}
	m.dirty = false

	cutoff := now.Add(-m.cfg.Horizon)
	snapshot := make([]model.Position, 0, len(m.positions))
	for id, p := range m.positions {
		if p.Status.Terminal() && !p.SettledAt.IsZero() && p.SettledAt.Before(cutoff) {
			delete(m.positions, id)
			continue
		}
		snapshot = append(snapshot, *p)
	}
	m.mu.Unlock()

	if err := m.snapshots.SaveSnapshot(ctx, m.cfg.UserID, snapshot); err != nil {
		slog.Warn("position snapshot write failed", "err", err)
		m.mu.Lock()
		m.dirty = true // retry on the next tick
		m.mu.Unlock()
	}
}

// Restore loads the local snapshot and merges the ledger's view of the
// user's recent bets. On any conflict the ledger status is authoritative.
func (m *Manager) Restore(ctx context.Context) error {
	now := m.cfg.Clock()

	if m.snapshots != nil {
		snap, err := m.snapshots.LoadSnapshot(ctx, m.cfg.UserID)
		if err != nil {
			slog.Warn("snapshot load failed, relying on ledger", "err", err)
		}
		m.mu.Lock()
		for _, p := range snap {
			if p.Status == model.StatusDiscarded {
				continue
			}
			cp := p
			m.positions[p.ID] = &cp
		}
		m.mu.Unlock()
	}

	ledgerBets, err := m.ledger.BetsByUser(ctx, m.cfg.UserID, now.Add(-m.cfg.Horizon))
	if err != nil {
		return fmt.Errorf("restore from ledger: %w", err)
	}

	m.mu.Lock()
	byOrder := make(map[string]*model.Position, len(m.positions))
	for _, p := range m.positions {
		if p.ExternalOrderID != "" {
			byOrder[p.ExternalOrderID] = p
		}
	}
	for _, lb := range ledgerBets {
		if lb.Status == model.StatusDiscarded {
			continue
		}
		local, ok := byOrder[lb.ExternalOrderID]
		if ok && lb.ExternalOrderID != "" {
			if local.Status != lb.Status {
				slog.Warn("reconciliation conflict, ledger wins",
					"position_id", local.ID,
					"local_status", local.Status,
					"ledger_status", lb.Status,
				)
				local.Status = lb.Status
				local.Payout = lb.Payout
				local.SettledAt = lb.SettledAt
			}
			continue
		}
		cp := lb
		m.positions[cp.ID] = &cp
	}

	open := 0
	for _, p := range m.positions {
		if !p.Status.Terminal() {
			open++
		}
	}
	m.dirty = true
	m.mu.Unlock()

	metrics.OpenPositions.Set(float64(open))
	slog.Info("positions restored", "count", len(m.All()), "open", open)
	return nil
}
