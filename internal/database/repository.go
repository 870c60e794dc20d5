package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"okx-trading-advisor/internal/reco"
)

// Repository provides recommendation persistence on the shared pool.
type Repository struct {
	db *DB
}

var _ reco.Repository = (*Repository)(nil)

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

const recommendationColumns = `
	id, symbol, direction, entry_price, take_profit_price, stop_loss_price,
	confidence_score, leverage, position_size, strategy_type, source, status,
	current_price, pnl_percent, trail_active, trail_price, high_water_mark,
	low_water_mark, result, exit_price, exit_time, exit_reason, pnl_amount,
	dedupe_key, created_at, updated_at`

// Create inserts a new recommendation row.
func (r *Repository) Create(ctx context.Context, rec *reco.Recommendation) error {
	query := `
		INSERT INTO recommendations (` + recommendationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		rec.ID, rec.Symbol, string(rec.Direction), rec.EntryPrice, rec.TakeProfitPrice, rec.StopLossPrice,
		rec.ConfidenceScore, rec.Leverage, rec.PositionSize, rec.StrategyType, rec.Source, string(rec.Status),
		rec.CurrentPrice, rec.PnlPercent, rec.TrailActive, rec.TrailPrice, rec.HighWaterMark,
		rec.LowWaterMark, string(rec.Result), rec.ExitPrice, rec.ExitTime, string(rec.ExitReason), rec.PnlAmount,
		rec.DedupeKey, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// Update writes the mutable lifecycle fields for an existing row.
func (r *Repository) Update(ctx context.Context, rec *reco.Recommendation) error {
	query := `
		UPDATE recommendations
		SET status = $2, current_price = $3, pnl_percent = $4, trail_active = $5,
		    trail_price = $6, high_water_mark = $7, low_water_mark = $8,
		    result = $9, exit_price = $10, exit_time = $11, exit_reason = $12,
		    pnl_amount = $13, updated_at = $14
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		rec.ID, string(rec.Status), rec.CurrentPrice, rec.PnlPercent, rec.TrailActive,
		rec.TrailPrice, rec.HighWaterMark, rec.LowWaterMark,
		string(rec.Result), rec.ExitPrice, rec.ExitTime, string(rec.ExitReason),
		rec.PnlAmount, rec.UpdatedAt,
	)
	return err
}

// GetOpen retrieves every PENDING and ACTIVE recommendation for rehydration.
func (r *Repository) GetOpen(ctx context.Context) ([]*reco.Recommendation, error) {
	query := `
		SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE status IN ('PENDING', 'ACTIVE')
		ORDER BY created_at ASC
	`
	return r.queryRecommendations(ctx, query)
}

// GetByID retrieves one recommendation. Unknown ids return (nil, nil).
func (r *Repository) GetByID(ctx context.Context, id string) (*reco.Recommendation, error) {
	query := `
		SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE id = $1
	`
	rec, err := scanRecommendation(r.db.Pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetHistory retrieves terminal recommendations, newest close first. An empty
// symbol matches all symbols.
func (r *Repository) GetHistory(ctx context.Context, symbol string, limit int) ([]*reco.Recommendation, error) {
	query := `
		SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE status IN ('CLOSED', 'EXPIRED') AND ($1 = '' OR symbol = $1)
		ORDER BY exit_time DESC NULLS LAST
		LIMIT $2
	`
	return r.queryRecommendations(ctx, query, symbol, limit)
}

// SymbolStats aggregates closed results for one symbol, or all rows when the
// symbol is empty.
func (r *Repository) SymbolStats(ctx context.Context, symbol string) (*reco.SymbolStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE result = 'WIN') AS wins,
			COUNT(*) FILTER (WHERE result = 'LOSS') AS losses,
			COUNT(*) FILTER (WHERE result = 'BREAKEVEN') AS breakevens,
			COALESCE(SUM(pnl_percent), 0) AS total_pnl,
			COALESCE(MAX(pnl_percent), 0) AS best_pnl,
			COALESCE(MIN(pnl_percent), 0) AS worst_pnl
		FROM recommendations
		WHERE status = 'CLOSED' AND ($1 = '' OR symbol = $1)
	`
	stats := &reco.SymbolStats{Symbol: symbol}
	err := r.db.Pool.QueryRow(ctx, query, symbol).Scan(
		&stats.Total, &stats.Wins, &stats.Losses, &stats.Breakevens,
		&stats.TotalPnlPct, &stats.BestPnlPct, &stats.WorstPnlPct,
	)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	if decided := stats.Wins + stats.Losses; decided > 0 {
		stats.WinRate = float64(stats.Wins) / float64(decided) * 100
	}
	if stats.Total > 0 {
		stats.AvgPnlPct = stats.TotalPnlPct / float64(stats.Total)
	}
	return stats, nil
}

// DeleteClosedBefore removes terminal recommendations that closed before the
// cutoff and reports how many rows went away.
func (r *Repository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM recommendations
		WHERE status IN ('CLOSED', 'EXPIRED') AND exit_time IS NOT NULL AND exit_time < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) queryRecommendations(ctx context.Context, query string, args ...interface{}) ([]*reco.Recommendation, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reco.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecommendation(row pgx.Row) (*reco.Recommendation, error) {
	rec := &reco.Recommendation{}
	var direction, status, result, exitReason string
	err := row.Scan(
		&rec.ID, &rec.Symbol, &direction, &rec.EntryPrice, &rec.TakeProfitPrice, &rec.StopLossPrice,
		&rec.ConfidenceScore, &rec.Leverage, &rec.PositionSize, &rec.StrategyType, &rec.Source, &status,
		&rec.CurrentPrice, &rec.PnlPercent, &rec.TrailActive, &rec.TrailPrice, &rec.HighWaterMark,
		&rec.LowWaterMark, &result, &rec.ExitPrice, &rec.ExitTime, &exitReason, &rec.PnlAmount,
		&rec.DedupeKey, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Direction = reco.Direction(direction)
	rec.Status = reco.Status(status)
	rec.Result = reco.Result(result)
	rec.ExitReason = reco.ExitReason(exitReason)
	return rec, nil
}
