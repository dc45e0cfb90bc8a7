package postgres

import (
	"context"
	"fmt"

	"github.com/gamedata-sync/internal/domain"
)

const gameColumns = `id, game_key, display_name, description, category, min_age_months, max_age_months,
	default_config, is_active, created_at, updated_at`

func scanGame(row scanner) (*domain.GameDefinition, error) {
	var def domain.GameDefinition
	var defaultConfig []byte
	err := row.Scan(
		&def.ID,
		&def.GameKey,
		&def.DisplayName,
		&def.Description,
		&def.Category,
		&def.MinAgeMonths,
		&def.MaxAgeMonths,
		&defaultConfig,
		&def.IsActive,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	def.DefaultConfig = defaultConfig
	return &def, nil
}

// CreateGame inserts a catalog entry. A duplicate game key yields domain.ErrGameExists.
func (r *Repository) CreateGame(ctx context.Context, def domain.GameDefinition) (*domain.GameDefinition, error) {
	query := `
		INSERT INTO game_definitions (id, game_key, display_name, description, category,
			min_age_months, max_age_months, default_config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING ` + gameColumns

	row := r.pool.QueryRow(ctx, query,
		def.ID,
		def.GameKey,
		def.DisplayName,
		def.Description,
		def.Category,
		def.MinAgeMonths,
		def.MaxAgeMonths,
		[]byte(def.DefaultConfig),
		def.IsActive,
		def.CreatedAt,
	)
	created, err := scanGame(row)
	if err != nil {
		if _, ok := constraintError(err, codeUniqueViolation); ok {
			return nil, domain.ErrGameExists
		}
		if _, ok := constraintError(err, codeCheckViolation); ok {
			return nil, domain.NewValidationError("minAgeMonths", "must not exceed maxAgeMonths")
		}
		return nil, classify("creating game", err)
	}
	return created, nil
}

// GetGameByKey retrieves a catalog entry by key
func (r *Repository) GetGameByKey(ctx context.Context, gameKey string) (*domain.GameDefinition, error) {
	query := `SELECT ` + gameColumns + ` FROM game_definitions WHERE game_key = $1`
	def, err := scanGame(r.pool.QueryRow(ctx, query, gameKey))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrGameNotFound
		}
		return nil, classify("getting game", err)
	}
	return def, nil
}

// ListGames retrieves every catalog entry ordered by display name
func (r *Repository) ListGames(ctx context.Context) ([]domain.GameDefinition, error) {
	query := `SELECT ` + gameColumns + ` FROM game_definitions ORDER BY display_name, game_key`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, classify("listing games", err)
	}
	defer rows.Close()

	var defs []domain.GameDefinition
	for rows.Next() {
		def, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning game: %w", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("listing games", err)
	}
	return defs, nil
}

// SetGameActive toggles whether a game is offered to children
func (r *Repository) SetGameActive(ctx context.Context, gameKey string, active bool) (*domain.GameDefinition, error) {
	query := `
		UPDATE game_definitions SET is_active = $2, updated_at = now()
		WHERE game_key = $1
		RETURNING ` + gameColumns
	def, err := scanGame(r.pool.QueryRow(ctx, query, gameKey, active))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrGameNotFound
		}
		return nil, classify("updating game", err)
	}
	return def, nil
}
