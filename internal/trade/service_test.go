package trade

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tickgrid/bet-engine/internal/fixmath"
	"github.com/tickgrid/bet-engine/internal/grid"
	"github.com/tickgrid/bet-engine/internal/model"
	"github.com/tickgrid/bet-engine/internal/position"
	"github.com/tickgrid/bet-engine/internal/pricecache"
	"github.com/tickgrid/bet-engine/internal/settle"
	"github.com/tickgrid/bet-engine/internal/store"
	"github.com/tickgrid/bet-engine/internal/submit"
)

const baseNow = int64(1_700_000_000)

type fixture struct {
	router  *chi.Mux
	ledger  *store.MemoryStore
	manager *position.Manager
	cache   *pricecache.Cache
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(baseNow, 0)}
	clock := func() time.Time { return f.now }
	ledger := store.NewMemoryStore()
	cache := pricecache.New(pricecache.DefaultTTL)
	manager := position.NewManager(position.Config{
		UserID:       "u1",
		RefreshDelay: time.Millisecond,
		Clock:        clock,
	}, ledger, nil, cache, submit.Loopback{})
	t.Cleanup(manager.Close)
	reconciler := settle.New(ledger, manager, settle.DefaultOutcomeRetention, clock)
	svc := NewService(ledger, manager, reconciler, cache, nil, clock)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	f.router, f.ledger, f.manager, f.cache = r, ledger, manager, cache
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func testGridID(slotsAhead int64) string {
	slot := (baseNow/grid.SlotSeconds)*grid.SlotSeconds + slotsAhead*grid.SlotSeconds
	return grid.ID(slot, 100_00000000, 101_00000000)
}

func testSlot(slotsAhead int64) int64 {
	return (baseNow/grid.SlotSeconds)*grid.SlotSeconds + slotsAhead*grid.SlotSeconds
}

func TestGetQuoteFirstBettor(t *testing.T) {
	f := newFixture(t)
	// 10 slots ahead → 50s out → 0.20 tier → 5x.
	rec := f.do(t, http.MethodGet, "/api/v1/quote?grid_id="+testGridID(10), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var q QuoteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.Multiplier.String() != "5" {
		t.Fatalf("multiplier = %s, want 5", q.Multiplier)
	}
	if q.Source != "ledger" {
		t.Fatalf("source = %s, want ledger", q.Source)
	}
	if q.Bucket != "40+" {
		t.Fatalf("bucket = %s", q.Bucket)
	}

	// Second hit comes from the cache.
	rec = f.do(t, http.MethodGet, "/api/v1/quote?grid_id="+testGridID(10), nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.Source != "cache" {
		t.Fatalf("source = %s, want cache", q.Source)
	}
	if q.Multiplier.String() != "5" {
		t.Fatalf("cached multiplier = %s, want 5", q.Multiplier)
	}
}

func TestGetQuoteRejectsBadGridID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/quote?grid_id=garbage", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetQuoteClosedSlot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/quote?grid_id="+testGridID(0), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetQuoteClosedSlotIgnoresWarmCache(t *testing.T) {
	// A cached quote must not outlive the slot: once the slot starts, the
	// same request is rejected, fresh cache entry or not.
	f := newFixture(t)
	gid := testGridID(1)
	f.now = f.now.Add(2 * time.Second) // 3s before the slot starts

	rec := f.do(t, http.MethodGet, "/api/v1/quote?grid_id="+gid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("warmup status = %d body=%s", rec.Code, rec.Body)
	}

	f.now = f.now.Add(4 * time.Second) // past the slot start, entry still TTL-fresh
	rec = f.do(t, http.MethodGet, "/api/v1/quote?grid_id="+gid, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 after slot start", rec.Code)
	}
}

func TestPlaceBet(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/bets", PlaceBetRequest{
		GridID: testGridID(10),
		Wager:  mustDecimal(t, "1.00"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var p PositionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", p.Status)
	}
	if p.Multiplier.String() != "5" {
		t.Fatalf("multiplier = %s, want 5", p.Multiplier)
	}
	if p.Payout.String() != "5" {
		t.Fatalf("payout = %s, want 5", p.Payout)
	}

	// The position is queryable immediately.
	rec = f.do(t, http.MethodGet, "/api/v1/positions/"+p.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/positions", nil)
	var all []PositionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("positions = %d, want 1", len(all))
	}
}

func TestRenderPositionProjectsLivePayout(t *testing.T) {
	// A live position renders the payout its locked multiplier projects,
	// even when nothing has been settled into the Payout field yet. Once
	// terminal, the settled value is authoritative.
	p := model.Position{
		ID:         "p1",
		Wager:      2_000_000,
		Multiplier: 5 * fixmath.Precision,
		Status:     model.StatusConfirmed,
	}
	if got := renderPosition(p).Payout.String(); got != "10" {
		t.Fatalf("live payout = %s, want 10", got)
	}

	p.Status = model.StatusLost
	if got := renderPosition(p).Payout.String(); got != "0" {
		t.Fatalf("lost payout = %s, want 0", got)
	}
}

func TestPlaceBetValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  PlaceBetRequest
		want int
	}{
		{"bad grid id", PlaceBetRequest{GridID: "nope", Wager: mustDecimal(t, "1")}, http.StatusBadRequest},
		{"zero wager", PlaceBetRequest{GridID: testGridID(10), Wager: mustDecimal(t, "0")}, http.StatusBadRequest},
		{"closed slot", PlaceBetRequest{GridID: testGridID(0), Wager: mustDecimal(t, "1")}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, "/api/v1/bets", tc.req); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestGetPositionNotFound(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/v1/positions/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIngestSettlementAndOutcomes(t *testing.T) {
	f := newFixture(t)
	gid := testGridID(10)
	slot := testSlot(10)

	rec := f.do(t, http.MethodPost, "/api/v1/bets", PlaceBetRequest{
		GridID: gid,
		Wager:  mustDecimal(t, "1.00"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("place status = %d", rec.Code)
	}
	var p PositionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/settlements", SettlementRequest{
		Slot: slot, PriceMin: 99_00000000, PriceMax: 102_00000000,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d body=%s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/slots/%d/outcomes", slot), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("outcomes status = %d", rec.Code)
	}
	var outcomes []settle.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcomes); err != nil {
		t.Fatalf("decode outcomes: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Won || outcomes[0].GridID != gid {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	// The position settled as a win with the locked 5x payout.
	rec = f.do(t, http.MethodGet, "/api/v1/positions/"+p.ID, nil)
	var settled PositionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode settled: %v", err)
	}
	if settled.Status != model.StatusWon || settled.Payout.String() != "5" {
		t.Fatalf("settled = %+v", settled)
	}

	// Redelivery stays idempotent.
	rec = f.do(t, http.MethodPost, "/api/v1/settlements", SettlementRequest{
		Slot: slot, PriceMin: 200_00000000, PriceMax: 300_00000000,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("redelivery status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/positions/"+p.ID, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode after redelivery: %v", err)
	}
	if settled.Status != model.StatusWon {
		t.Fatalf("redelivery flipped status to %s", settled.Status)
	}
}

func TestIngestSettlementValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/settlements", SettlementRequest{
		Slot: 100, PriceMin: 102_00000000, PriceMax: 99_00000000,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetOutcomesUnknownSlot(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/v1/slots/12345/outcomes", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
