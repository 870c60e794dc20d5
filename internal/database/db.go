// Package database provides the PostgreSQL persistence layer for
// recommendations.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"okx-trading-advisor/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "database").Logger(),
	}
	db.logger.Info().Str("database", cfg.DBName).Str("host", cfg.Host).Msg("Connected to PostgreSQL")
	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// Migrate creates the recommendations schema. Statements are idempotent so
// startup can run them unconditionally.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recommendations (
			id VARCHAR(36) PRIMARY KEY,
			symbol VARCHAR(30) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			take_profit_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			stop_loss_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			confidence_score DECIMAL(6, 4) NOT NULL DEFAULT 0,
			leverage DECIMAL(8, 2) NOT NULL DEFAULT 1,
			position_size DECIMAL(20, 8) NOT NULL DEFAULT 0,
			strategy_type VARCHAR(50) NOT NULL DEFAULT '',
			source VARCHAR(50) NOT NULL DEFAULT '',
			status VARCHAR(10) NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			trail_active BOOLEAN NOT NULL DEFAULT FALSE,
			trail_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			high_water_mark DECIMAL(20, 8) NOT NULL DEFAULT 0,
			low_water_mark DECIMAL(20, 8) NOT NULL DEFAULT 0,
			result VARCHAR(10) NOT NULL DEFAULT '',
			exit_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			exit_time TIMESTAMPTZ,
			exit_reason VARCHAR(10) NOT NULL DEFAULT '',
			pnl_amount DECIMAL(20, 8) NOT NULL DEFAULT 0,
			dedupe_key VARCHAR(160) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_symbol ON recommendations(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_exit_time ON recommendations(exit_time)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_created_at ON recommendations(created_at)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations complete")
	return nil
}
