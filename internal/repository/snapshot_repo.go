package repository

import (
	"context"
	"fmt"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/jmoiron/sqlx"
)

// SnapshotRepository stores the PositionUpdated log.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Append records s within tx.
func (r *SnapshotRepository) Append(ctx context.Context, tx *sqlx.Tx, id domain.MarketID, s domain.PositionSnapshot) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO position_snapshots (market_id, recorded_at, long_total, short_total) VALUES ($1, $2, $3, $4)`,
		string(id), s.Timestamp.UTC(), s.Long, s.Short)
	if err != nil {
		return fmt.Errorf("snapshot_repo.Append: %w", err)
	}
	return nil
}

// ListByMarket returns the log of market id in insertion order.
func (r *SnapshotRepository) ListByMarket(ctx context.Context, id domain.MarketID) ([]domain.PositionSnapshot, error) {
	out, _, err := r.ListSince(ctx, id, 0)
	return out, err
}

// ListSince returns entries with a sequence number above after, together
// with the highest sequence number seen.
func (r *SnapshotRepository) ListSince(ctx context.Context, id domain.MarketID, after int64) ([]domain.PositionSnapshot, int64, error) {
	type row struct {
		Seq int64 `db:"id"`
		domain.PositionSnapshot
	}
	var rows []row
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, recorded_at, long_total, short_total
		FROM position_snapshots WHERE market_id = $1 AND id > $2 ORDER BY id`, string(id), after)
	if err != nil {
		return nil, after, fmt.Errorf("snapshot_repo.ListSince: %w", err)
	}
	out := make([]domain.PositionSnapshot, len(rows))
	last := after
	for i, row := range rows {
		out[i] = row.PositionSnapshot
		out[i].Timestamp = row.Timestamp.UTC()
		last = row.Seq
	}
	return out, last, nil
}

// LastSeq returns the highest sequence number recorded for market id.
func (r *SnapshotRepository) LastSeq(ctx context.Context, id domain.MarketID) (int64, error) {
	var seq int64
	err := r.db.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(id), 0) FROM position_snapshots WHERE market_id = $1`, string(id))
	if err != nil {
		return 0, fmt.Errorf("snapshot_repo.LastSeq: %w", err)
	}
	return seq, nil
}
