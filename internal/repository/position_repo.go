package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// PositionRepository handles per-participant stakes.
type PositionRepository struct {
	db *sqlx.DB
}

// NewPositionRepository creates a new PositionRepository.
func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

type positionRow struct {
	MarketID string `db:"market_id"`
	domain.Position
}

// Get returns p's position in market id, zero-valued when p never bid.
// Participants are stored by their canonical key.
func (r *PositionRepository) Get(ctx context.Context, id domain.MarketID, p domain.Participant) (domain.Position, error) {
	return r.get(ctx, r.db, `
		SELECT participant, long_stake, short_stake, claimed
		FROM positions WHERE market_id = $1 AND participant = $2`, id, p)
}

// Lock is Get with FOR UPDATE inside tx.
func (r *PositionRepository) Lock(ctx context.Context, tx *sqlx.Tx, id domain.MarketID, p domain.Participant) (domain.Position, error) {
	return r.get(ctx, tx, `
		SELECT participant, long_stake, short_stake, claimed
		FROM positions WHERE market_id = $1 AND participant = $2 FOR UPDATE`, id, p)
}

func (r *PositionRepository) get(ctx context.Context, q sqlx.QueryerContext, query string, id domain.MarketID, p domain.Participant) (domain.Position, error) {
	var pos domain.Position
	err := sqlx.GetContext(ctx, q, &pos, query, string(id), string(p.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{Participant: p.Key(), Long: decimal.Zero, Short: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_repo.get: %w", err)
	}
	return pos, nil
}

// Upsert writes pos within tx.
func (r *PositionRepository) Upsert(ctx context.Context, tx *sqlx.Tx, id domain.MarketID, pos domain.Position) error {
	pos.Participant = pos.Participant.Key()
	query := `
		INSERT INTO positions (market_id, participant, long_stake, short_stake, claimed)
		VALUES (:market_id, :participant, :long_stake, :short_stake, :claimed)
		ON CONFLICT (market_id, participant) DO UPDATE
		SET long_stake  = EXCLUDED.long_stake,
		    short_stake = EXCLUDED.short_stake,
		    claimed     = EXCLUDED.claimed,
		    updated_at  = now()`
	if _, err := tx.NamedExecContext(ctx, query, positionRow{MarketID: string(id), Position: pos}); err != nil {
		return fmt.Errorf("position_repo.Upsert: %w", err)
	}
	return nil
}

// ListByMarket returns every position in market id.
func (r *PositionRepository) ListByMarket(ctx context.Context, id domain.MarketID) ([]domain.Position, error) {
	var out []domain.Position
	err := r.db.SelectContext(ctx, &out, `
		SELECT participant, long_stake, short_stake, claimed
		FROM positions WHERE market_id = $1 ORDER BY participant`, string(id))
	if err != nil {
		return nil, fmt.Errorf("position_repo.ListByMarket: %w", err)
	}
	return out, nil
}
