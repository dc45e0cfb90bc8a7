package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gamedata-sync/internal/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return classify("pinging database", err)
	}
	return nil
}

// jsonColumnMigration converts a column created as jsonb by an older schema
// to json. It does nothing when the column already has the json type.
func jsonColumnMigration(table, column string) string {
	return fmt.Sprintf(`DO $$
		BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_schema = current_schema() AND table_name = '%[1]s'
					AND column_name = '%[2]s' AND data_type = 'jsonb'
			) THEN
				ALTER TABLE %[1]s ALTER COLUMN %[2]s TYPE JSON USING %[2]s::text::json;
			END IF;
		END $$`, table, column)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS children (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			archived_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS game_definitions (
			id UUID PRIMARY KEY,
			game_key VARCHAR(64) NOT NULL UNIQUE,
			display_name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category VARCHAR(64) NOT NULL DEFAULT '',
			min_age_months INT NOT NULL,
			max_age_months INT NOT NULL,
			default_config JSON NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (min_age_months <= max_age_months)
		)`,
		`CREATE TABLE IF NOT EXISTS child_game_instances (
			id UUID PRIMARY KEY,
			child_id UUID NOT NULL REFERENCES children(id) ON DELETE CASCADE,
			game_id UUID NOT NULL REFERENCES game_definitions(id),
			settings JSON NOT NULL DEFAULT '{}',
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_played_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(child_id, game_id)
		)`,
		`CREATE TABLE IF NOT EXISTS game_data (
			id UUID PRIMARY KEY,
			instance_id UUID NOT NULL REFERENCES child_game_instances(id) ON DELETE CASCADE,
			data_key VARCHAR(255) NOT NULL,
			data_value JSON NOT NULL,
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(instance_id, data_key)
		)`,
		// Documents are stored as json, not jsonb: jsonb rejects the \u0000
		// escape, which is valid JSON a client may send.
		jsonColumnMigration("game_definitions", "default_config"),
		jsonColumnMigration("child_game_instances", "settings"),
		jsonColumnMigration("game_data", "data_value"),
		`CREATE INDEX IF NOT EXISTS idx_game_definitions_active ON game_definitions(is_active, display_name)`,
		`CREATE INDEX IF NOT EXISTS idx_child_game_instances_child ON child_game_instances(child_id)`,
		`CREATE INDEX IF NOT EXISTS idx_game_data_instance_updated ON game_data(instance_id, updated_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// UpsertChild provisions a child row. It returns true when the row is new.
func (r *Repository) UpsertChild(ctx context.Context, childID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO children (id, created_at)
		VALUES ($1, now())
		ON CONFLICT (id) DO UPDATE SET archived_at = NULL
		RETURNING (xmax = 0)
	`
	var inserted bool
	if err := r.pool.QueryRow(ctx, query, childID).Scan(&inserted); err != nil {
		return false, classify("upserting child", err)
	}
	return inserted, nil
}

// scanner is satisfied by pgx.Row and pgx.Rows
type scanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
