package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Action is one accepted write, kept as an audit trail. Its ID is the
// receipt reference handed back to the caller.
type Action struct {
	ID        uuid.UUID          `json:"id"         db:"id"`
	MarketID  domain.MarketID    `json:"market_id"  db:"market_id"`
	Actor     domain.Participant `json:"actor"      db:"actor"`
	Action    string             `json:"action"     db:"action"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
}

// ActionRepository records accepted writes.
type ActionRepository struct {
	db *sqlx.DB
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(db *sqlx.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// Record inserts a within tx.
func (r *ActionRepository) Record(ctx context.Context, tx *sqlx.Tx, a Action) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO market_actions (id, market_id, actor, action, created_at)
		VALUES (:id, :market_id, :actor, :action, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("action_repo.Record: %w", err)
	}
	return nil
}

// ListByMarket returns the audit trail of market id, oldest first.
func (r *ActionRepository) ListByMarket(ctx context.Context, id domain.MarketID, limit int) ([]Action, error) {
	var out []Action
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, market_id, actor, action, created_at
		FROM market_actions WHERE market_id = $1 ORDER BY seq ASC LIMIT $2`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("action_repo.ListByMarket: %w", err)
	}
	return out, nil
}
