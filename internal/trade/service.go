// Package trade provides the HTTP handlers for quoting multipliers,
// placing bets, and querying positions and settlement outcomes.
//
// All monetary values cross the API as exact decimal strings — never
// float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tickgrid/bet-engine/internal/feed"
	"github.com/tickgrid/bet-engine/internal/grid"
	"github.com/tickgrid/bet-engine/internal/metrics"
	"github.com/tickgrid/bet-engine/internal/model"
	"github.com/tickgrid/bet-engine/internal/position"
	"github.com/tickgrid/bet-engine/internal/pricecache"
	"github.com/tickgrid/bet-engine/internal/pricing"
	"github.com/tickgrid/bet-engine/internal/settle"
	"github.com/tickgrid/bet-engine/internal/store"
)

// Service handles bet-engine HTTP operations.
type Service struct {
	ledger     store.Store
	positions  *position.Manager
	reconciler *settle.Reconciler
	cache      *pricecache.Cache
	hub        *feed.Hub // optional, for real-time broadcasts
	clock      func() time.Time
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed; a nil clock uses time.Now.
func NewService(ledger store.Store, positions *position.Manager, reconciler *settle.Reconciler, cache *pricecache.Cache, hub *feed.Hub, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		ledger:     ledger,
		positions:  positions,
		reconciler: reconciler,
		cache:      cache,
		hub:        hub,
		clock:      clock,
	}
}

// Routes mounts the service's endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/quote", s.GetQuote)
	r.Post("/bets", s.PlaceBet)
	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{id}", s.GetPosition)
	r.Post("/settlements", s.IngestSettlement)
	r.Get("/slots/{slot}/outcomes", s.GetOutcomes)
}

// --- Request/Response types ---

// QuoteResponse is the JSON body returned from GET /quote.
type QuoteResponse struct {
	GridID     string          `json:"grid_id"`
	Bucket     string          `json:"bucket"`
	Price      decimal.Decimal `json:"price"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Source     string          `json:"source"` // cache, ledger, local, estimate
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	GridID string          `json:"grid_id"`
	Wager  decimal.Decimal `json:"wager"`
}

// PositionResponse is one position rendered for the API.
type PositionResponse struct {
	ID              string          `json:"id"`
	GridID          string          `json:"grid_id"`
	Slot            int64           `json:"slot"`
	Wager           decimal.Decimal `json:"wager"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	Payout          decimal.Decimal `json:"payout"`
	Status          model.Status    `json:"status"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty"`
}

func renderPosition(p model.Position) PositionResponse {
	// Live positions show the payout the locked multiplier projects; once
	// the position is terminal the settled payout is authoritative.
	payout := p.Payout
	if !p.Status.Terminal() {
		payout = p.DisplayPayout()
	}
	out := PositionResponse{
		ID:              p.ID,
		GridID:          p.GridID,
		Slot:            p.Slot,
		Wager:           model.AmountDecimal(p.Wager),
		Multiplier:      model.FixedDecimal(p.Multiplier),
		Payout:          model.AmountDecimal(payout),
		Status:          p.Status,
		ExternalOrderID: p.ExternalOrderID,
		CreatedAt:       p.CreatedAt,
	}
	if !p.SettledAt.IsZero() {
		t := p.SettledAt
		out.SettledAt = &t
	}
	return out
}

// --- HTTP Handlers ---

// GetQuote handles GET /quote?grid_id=...
//
// Resolution order: cache, authoritative ledger totals, locally aggregated
// feed totals, and finally the zero-volume quick estimate. The estimate is
// never cached.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	cell, err := grid.ParseID(r.URL.Query().Get("grid_id"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := s.clock()
	bucket := grid.BucketFor(grid.TimeUntilStart(cell.Slot, now))

	if e, ok := s.cache.Get(cell.ID(), cell.Slot, now); ok {
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		writeJSON(w, QuoteResponse{
			GridID:     cell.ID(),
			Bucket:     bucket.String(),
			Price:      priceFromMultiplier(e.Multiplier),
			Multiplier: model.FixedDecimal(e.Multiplier),
			Source:     "cache",
		})
		return
	}
	metrics.CacheEvents.WithLabelValues("miss").Inc()

	shares, source := s.resolveShares(r.Context(), cell)
	price, err := pricing.PricePerShare(shares, cell.Slot, now.Unix())
	if err != nil {
		if errors.Is(err, pricing.ErrSlotClosed) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mult, err := pricing.Multiplier(price)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch source {
	case "ledger":
		s.cache.PutConfirmed(cell.ID(), cell.Slot, shares, mult, now)
	case "local":
		s.cache.PutOptimistic(cell.ID(), cell.Slot, shares, mult, now)
	}

	writeJSON(w, QuoteResponse{
		GridID:     cell.ID(),
		Bucket:     bucket.String(),
		Price:      model.FixedDecimal(price),
		Multiplier: model.FixedDecimal(mult),
		Source:     source,
	})
}

// resolveShares finds the best available share total for a cell.
func (s *Service) resolveShares(ctx context.Context, cell grid.Cell) (uint64, string) {
	lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	shares, err := s.ledger.CellShares(lctx, cell.Slot, cell.Band.Min, cell.Band.Max)
	if err == nil {
		return shares, "ledger"
	}
	slog.Warn("ledger share lookup failed", "grid_id", cell.ID(), "err", err)
	if shares, ok := s.positions.CellShares(cell.ID()); ok {
		return shares, "local"
	}
	metrics.CacheEvents.WithLabelValues("fallback").Inc()
	return 0, "estimate"
}

// PlaceBet handles POST /bets.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cell, err := grid.ParseID(req.GridID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Wager.LessThanOrEqual(decimal.Zero) {
		writeError(w, "wager must be positive", http.StatusBadRequest)
		return
	}
	wager := req.Wager.Shift(6).IntPart() // ×10^6 internal amount

	pos, err := s.positions.Place(r.Context(), cell, wager)
	switch {
	case err == nil:
	case errors.Is(err, pricing.ErrSlotClosed):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, position.ErrPlacementInFlight):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, pricing.ErrInvalidWager):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(feed.HubMessage{
			Type:       feed.HubTypePosition,
			GridID:     pos.GridID,
			Slot:       pos.Slot,
			PositionID: pos.ID,
			Status:     string(pos.Status),
			Multiplier: model.FixedDecimal(pos.Multiplier).String(),
		})
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, renderPosition(pos))
}

// ListPositions handles GET /positions.
func (s *Service) ListPositions(w http.ResponseWriter, _ *http.Request) {
	all := s.positions.All()
	out := make([]PositionResponse, 0, len(all))
	for _, p := range all {
		out = append(out, renderPosition(p))
	}
	writeJSON(w, out)
}

// GetPosition handles GET /positions/{id}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.positions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, renderPosition(p))
}

// SettlementRequest is the JSON body for POST /settlements: the webhook
// mirror of the settlement feed, with 10^8-scale realized prices.
type SettlementRequest struct {
	Slot     int64 `json:"slot"`
	PriceMin int64 `json:"price_min"`
	PriceMax int64 `json:"price_max"`
}

// IngestSettlement handles POST /settlements.
func (s *Service) IngestSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Slot <= 0 || req.PriceMin >= req.PriceMax {
		writeError(w, "invalid settlement range", http.StatusBadRequest)
		return
	}

	stl := model.Settlement{Slot: req.Slot, PriceMin: req.PriceMin, PriceMax: req.PriceMax}
	s.reconciler.Apply(r.Context(), stl)

	if s.hub != nil {
		if outcomes, ok := s.reconciler.Outcomes(req.Slot); ok {
			for _, o := range outcomes {
				won := o.Won
				s.hub.Broadcast(feed.HubMessage{
					Type:   feed.HubTypeOutcome,
					GridID: o.GridID,
					Slot:   req.Slot,
					Won:    &won,
				})
			}
		}
	}

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "accepted"})
}

// GetOutcomes handles GET /slots/{slot}/outcomes.
func (s *Service) GetOutcomes(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.ParseInt(chi.URLParam(r, "slot"), 10, 64)
	if err != nil {
		writeError(w, "invalid slot", http.StatusBadRequest)
		return
	}
	outcomes, ok := s.reconciler.Outcomes(slot)
	if !ok {
		writeError(w, "no outcomes for slot", http.StatusNotFound)
		return
	}
	out := make([]settle.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o)
	}
	writeJSON(w, out)
}

// --- helpers ---

// priceFromMultiplier inverts a cached multiplier back to its price.
func priceFromMultiplier(mult uint64) decimal.Decimal {
	if mult == 0 {
		return decimal.Zero
	}
	return decimal.New(1, 0).DivRound(model.FixedDecimal(mult), 8)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
