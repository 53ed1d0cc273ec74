package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tickgrid/bet-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Scaled integer amounts are stored as BIGINT; shares and multipliers as
// NUMERIC since they are unsigned 64-bit values and summed share totals
// can exceed BIGINT's signed range.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertBet(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bets (id, user_id, grid_id, slot, price_min, price_max,
		                   wager, shares, multiplier, status, external_order_id,
		                   created_at, settled_at, payout)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14)`,
		p.ID, p.UserID, p.GridID, p.Slot, p.PriceMin, p.PriceMax,
		p.Wager, fmt.Sprintf("%d", p.Shares), fmt.Sprintf("%d", p.Multiplier),
		string(p.Status), nullable(p.ExternalOrderID),
		p.CreatedAt, nullableTime(p.SettledAt), p.Payout,
	)
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) CellShares(ctx context.Context, slot, priceMin, priceMax int64) (uint64, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(shares), 0)::TEXT
		 FROM bets
		 WHERE slot = $1 AND price_min = $2 AND price_max = $3
		   AND status <> 'discarded'`,
		slot, priceMin, priceMax).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("cell shares %d [%d,%d): %w", slot, priceMin, priceMax, err)
	}

	var shares uint64
	if _, err := fmt.Sscan(total, &shares); err != nil {
		return 0, fmt.Errorf("cell shares %d: parse %q: %w", slot, total, err)
	}
	return shares, nil
}

func (s *PostgresStore) BetsBySlot(ctx context.Context, slot int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, betSelect+` WHERE slot = $1 ORDER BY created_at`, slot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) BetsByUser(ctx context.Context, userID string, since time.Time) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		betSelect+` WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at`,
		userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) SettleBet(ctx context.Context, externalOrderID string, status model.Status, payout int64, settledAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bets
		 SET status = $2, payout = $3, settled_at = $4
		 WHERE external_order_id = $1
		   AND status NOT IN ('won', 'lost', 'discarded')`,
		externalOrderID, string(status), payout, settledAt,
	)
	if err != nil {
		return fmt.Errorf("settle bet %s: %w", externalOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already terminal; distinguish so callers can
		// treat the repeat application as a no-op.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM bets WHERE external_order_id = $1)`,
			externalOrderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("settle bet %s: %w", externalOrderID, ErrNotFound)
		}
	}
	return nil
}

func (s *PostgresStore) RecordSettlement(ctx context.Context, stl *model.Settlement) error {
	id := stl.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, slot, price_min, price_max, received_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (slot) DO NOTHING`,
		id, stl.Slot, stl.PriceMin, stl.PriceMax, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record settlement slot %d: %w", stl.Slot, err)
	}
	return nil
}

const betSelect = `SELECT id, user_id, grid_id, slot, price_min, price_max,
       wager, shares::TEXT, multiplier::TEXT, status,
       COALESCE(external_order_id, ''), created_at, settled_at, payout
 FROM bets`

func scanBets(rows pgx.Rows) ([]model.Position, error) {
	var bets []model.Position
	for rows.Next() {
		var p model.Position
		var sharesS, multS, statusS string
		var settledAt *time.Time

		if err := rows.Scan(&p.ID, &p.UserID, &p.GridID, &p.Slot,
			&p.PriceMin, &p.PriceMax, &p.Wager,
			&sharesS, &multS, &statusS,
			&p.ExternalOrderID, &p.CreatedAt, &settledAt, &p.Payout); err != nil {
			return nil, err
		}

		if _, err := fmt.Sscan(sharesS, &p.Shares); err != nil {
			return nil, fmt.Errorf("bet %s: parse shares %q: %w", p.ID, sharesS, err)
		}
		if _, err := fmt.Sscan(multS, &p.Multiplier); err != nil {
			return nil, fmt.Errorf("bet %s: parse multiplier %q: %w", p.ID, multS, err)
		}
		p.Status = model.Status(statusS)
		if settledAt != nil {
			p.SettledAt = *settledAt
		}

		bets = append(bets, p)
	}
	return bets, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
