package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// marketRow mirrors the markets table. Optional columns are nullable so a
// market in Trading round-trips without sentinel timestamps.
type marketRow struct {
	ID               string              `db:"id"`
	TradingPair      string              `db:"trading_pair"`
	StrikePrice      decimal.Decimal     `db:"strike_price"`
	FinalPrice       decimal.NullDecimal `db:"final_price"`
	Phase            int16               `db:"phase"`
	BiddingStartTime sql.NullTime        `db:"bidding_start_time"`
	MaturityTime     time.Time           `db:"maturity_time"`
	ResolveTime      sql.NullTime        `db:"resolve_time"`
	FeeRateMilli     int64               `db:"fee_rate_milli"`
	Owner            string              `db:"owner"`
	LongTotal        decimal.Decimal     `db:"long_total"`
	ShortTotal       decimal.Decimal     `db:"short_total"`
	CreatedAt        time.Time           `db:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at"`
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func rowFromMarket(m domain.Market, p domain.Pool) marketRow {
	r := marketRow{
		ID:               string(m.ID),
		TradingPair:      m.TradingPair,
		StrikePrice:      m.StrikePrice,
		Phase:            int16(m.Phase),
		BiddingStartTime: nullTime(m.BiddingStartTime),
		MaturityTime:     m.MaturityTime.UTC(),
		ResolveTime:      nullTime(m.ResolveTime),
		FeeRateMilli:     m.FeeRateMilli,
		Owner:            string(m.Owner),
		LongTotal:        p.Long,
		ShortTotal:       p.Short,
	}
	if m.FinalPrice != nil {
		r.FinalPrice = decimal.NullDecimal{Decimal: *m.FinalPrice, Valid: true}
	}
	return r
}

func (r marketRow) market() (domain.Market, domain.Pool) {
	m := domain.Market{
		ID:           domain.MarketID(r.ID),
		TradingPair:  r.TradingPair,
		StrikePrice:  r.StrikePrice,
		Phase:        domain.Phase(r.Phase),
		MaturityTime: r.MaturityTime.UTC(),
		FeeRateMilli: r.FeeRateMilli,
		Owner:        domain.Participant(r.Owner),
	}
	if r.BiddingStartTime.Valid {
		m.BiddingStartTime = r.BiddingStartTime.Time.UTC()
	}
	if r.ResolveTime.Valid {
		m.ResolveTime = r.ResolveTime.Time.UTC()
	}
	if r.FinalPrice.Valid {
		fp := r.FinalPrice.Decimal
		m.FinalPrice = &fp
	}
	return m, domain.Pool{Long: r.LongTotal, Short: r.ShortTotal}
}

// MarketRepository handles all database operations for Markets.
type MarketRepository struct {
	db *sqlx.DB
}

// NewMarketRepository creates a new MarketRepository.
func NewMarketRepository(db *sqlx.DB) *MarketRepository {
	return &MarketRepository{db: db}
}

// Create inserts a new market row with an empty pool.
func (r *MarketRepository) Create(ctx context.Context, m domain.Market) error {
	row := rowFromMarket(m, domain.Pool{Long: decimal.Zero, Short: decimal.Zero})
	query := `
		INSERT INTO markets
			(id, trading_pair, strike_price, final_price, phase, bidding_start_time,
			 maturity_time, resolve_time, fee_rate_milli, owner, long_total, short_total)
		VALUES
			(:id, :trading_pair, :strike_price, :final_price, :phase, :bidding_start_time,
			 :maturity_time, :resolve_time, :fee_rate_milli, :owner, :long_total, :short_total)`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("market_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a market and its pool by primary key.
func (r *MarketRepository) GetByID(ctx context.Context, id domain.MarketID) (domain.Market, domain.Pool, error) {
	return r.get(ctx, r.db, `SELECT * FROM markets WHERE id = $1`, id)
}

// Lock fetches a market inside tx with FOR UPDATE, serialising every write
// to that market until tx ends.
func (r *MarketRepository) Lock(ctx context.Context, tx *sqlx.Tx, id domain.MarketID) (domain.Market, domain.Pool, error) {
	return r.get(ctx, tx, `SELECT * FROM markets WHERE id = $1 FOR UPDATE`, id)
}

func (r *MarketRepository) get(ctx context.Context, q sqlx.QueryerContext, query string, id domain.MarketID) (domain.Market, domain.Pool, error) {
	var row marketRow
	if err := sqlx.GetContext(ctx, q, &row, query, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Market{}, domain.Pool{}, fmt.Errorf("market_repo: %s: %w", id, domain.ErrMarketNotFound)
		}
		return domain.Market{}, domain.Pool{}, fmt.Errorf("market_repo.get: %w", err)
	}
	m, p := row.market()
	return m, p, nil
}

// Save writes the mutable columns of m and its pool within tx.
func (r *MarketRepository) Save(ctx context.Context, tx *sqlx.Tx, m domain.Market, p domain.Pool) error {
	query := `
		UPDATE markets
		SET phase              = :phase,
		    bidding_start_time = :bidding_start_time,
		    final_price        = :final_price,
		    resolve_time       = :resolve_time,
		    long_total         = :long_total,
		    short_total        = :short_total,
		    updated_at         = now()
		WHERE id = :id`
	res, err := tx.NamedExecContext(ctx, query, rowFromMarket(m, p))
	if err != nil {
		return fmt.Errorf("market_repo.Save: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("market_repo.Save: %s: %w", m.ID, domain.ErrMarketNotFound)
	}
	return nil
}

// ListIDs returns every market id, newest maturity first.
func (r *MarketRepository) ListIDs(ctx context.Context) ([]domain.MarketID, error) {
	var ids []domain.MarketID
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM markets ORDER BY maturity_time DESC, id`); err != nil {
		return nil, fmt.Errorf("market_repo.ListIDs: %w", err)
	}
	return ids, nil
}

// DueForResolution returns Bidding markets whose maturity has passed.
func (r *MarketRepository) DueForResolution(ctx context.Context, now time.Time) ([]domain.MarketID, error) {
	var ids []domain.MarketID
	err := r.db.SelectContext(ctx, &ids,
		`SELECT id FROM markets WHERE phase = $1 AND maturity_time <= $2 ORDER BY maturity_time ASC`,
		int16(domain.PhaseBidding), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("market_repo.DueForResolution: %w", err)
	}
	return ids, nil
}

// DueForExpiry returns Maturity markets resolved at or before cutoff.
func (r *MarketRepository) DueForExpiry(ctx context.Context, cutoff time.Time) ([]domain.MarketID, error) {
	var ids []domain.MarketID
	err := r.db.SelectContext(ctx, &ids,
		`SELECT id FROM markets WHERE phase = $1 AND resolve_time <= $2 ORDER BY resolve_time ASC`,
		int16(domain.PhaseMaturity), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("market_repo.DueForExpiry: %w", err)
	}
	return ids, nil
}
