package postgres

import (
	"context"
	"encoding/json"

	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
)

const instanceColumns = `i.id, i.child_id, i.game_id, g.game_key, i.settings, i.is_enabled,
	i.last_played_at, i.created_at, i.updated_at`

func scanInstance(row scanner) (*domain.ChildGameInstance, error) {
	var inst domain.ChildGameInstance
	var settings []byte
	err := row.Scan(
		&inst.ID,
		&inst.ChildID,
		&inst.GameID,
		&inst.GameKey,
		&settings,
		&inst.IsEnabled,
		&inst.LastPlayedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Settings = settings
	return &inst, nil
}

// CreateInstanceIfAbsent inserts an instance unless one already exists for
// (child, game), in which case the existing row is returned with created=false.
// The insert and the fallback read are separate statements so the read sees a
// row committed by a concurrent writer that won the insert.
func (r *Repository) CreateInstanceIfAbsent(ctx context.Context, inst domain.ChildGameInstance) (*domain.ChildGameInstance, bool, error) {
	query := `
		WITH ins AS (
			INSERT INTO child_game_instances (id, child_id, game_id, settings, is_enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, TRUE, now(), now())
			ON CONFLICT (child_id, game_id) DO NOTHING
			RETURNING *
		)
		SELECT ` + instanceColumns + `
		FROM ins i
		JOIN game_definitions g ON g.id = i.game_id
	`
	created, err := scanInstance(r.pool.QueryRow(ctx, query, inst.ID, inst.ChildID, inst.GameID, []byte(inst.Settings)))
	if err == nil {
		return created, true, nil
	}
	if !isNoRows(err) {
		if pgErr, ok := constraintError(err, codeForeignKeyViolation); ok {
			if pgErr.ConstraintName == "child_game_instances_game_id_fkey" {
				return nil, false, domain.ErrGameNotFound
			}
			return nil, false, domain.ErrChildNotFound
		}
		return nil, false, classify("creating game instance", err)
	}

	existing, err := r.GetInstance(ctx, inst.ChildID, inst.GameID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetInstance retrieves the instance binding a child to a game
func (r *Repository) GetInstance(ctx context.Context, childID, gameID uuid.UUID) (*domain.ChildGameInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM child_game_instances i
		JOIN game_definitions g ON g.id = i.game_id
		WHERE i.child_id = $1 AND i.game_id = $2
	`
	inst, err := scanInstance(r.pool.QueryRow(ctx, query, childID, gameID))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, classify("getting game instance", err)
	}
	return inst, nil
}

// GetInstanceByID retrieves an instance by its id
func (r *Repository) GetInstanceByID(ctx context.Context, instanceID uuid.UUID) (*domain.ChildGameInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM child_game_instances i
		JOIN game_definitions g ON g.id = i.game_id
		WHERE i.id = $1
	`
	inst, err := scanInstance(r.pool.QueryRow(ctx, query, instanceID))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, classify("getting game instance", err)
	}
	return inst, nil
}

// UpdateInstanceSettings replaces the settings document of an instance
func (r *Repository) UpdateInstanceSettings(ctx context.Context, instanceID uuid.UUID, settings json.RawMessage) (*domain.ChildGameInstance, error) {
	query := `
		WITH upd AS (
			UPDATE child_game_instances SET settings = $2, updated_at = now()
			WHERE id = $1
			RETURNING *
		)
		SELECT ` + instanceColumns + `
		FROM upd i
		JOIN game_definitions g ON g.id = i.game_id
	`
	inst, err := scanInstance(r.pool.QueryRow(ctx, query, instanceID, []byte(settings)))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, classify("updating instance settings", err)
	}
	return inst, nil
}

// TouchInstance records play activity. Updates are throttled to one per
// minute so concurrent saves to different keys rarely contend on the
// instance row.
func (r *Repository) TouchInstance(ctx context.Context, instanceID uuid.UUID) error {
	query := `
		UPDATE child_game_instances SET last_played_at = statement_timestamp()
		WHERE id = $1
		  AND (last_played_at IS NULL OR last_played_at < statement_timestamp() - interval '1 minute')
	`
	if _, err := r.pool.Exec(ctx, query, instanceID); err != nil {
		return classify("touching game instance", err)
	}
	return nil
}
