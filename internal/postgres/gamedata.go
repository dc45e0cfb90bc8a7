package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
)

const recordColumns = `d.id, d.instance_id, i.child_id, g.game_key, d.data_key, d.data_value,
	d.version, d.created_at, d.updated_at`

func scanRecord(row scanner) (*domain.GameDataRecord, error) {
	var rec domain.GameDataRecord
	var value []byte
	err := row.Scan(
		&rec.ID,
		&rec.InstanceID,
		&rec.ChildID,
		&rec.GameKey,
		&rec.DataKey,
		&value,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.DataValue = json.RawMessage(value)
	return &rec, nil
}

// UpsertData stores value under (instance, key) in a single statement.
// A new key starts at version 1; an existing key has its value replaced,
// its version incremented and created_at left alone. Concurrent writers to
// the same key are serialized by the unique index, so N successful calls
// leave exactly one row at version N. updated_at is forced to move forward
// even when a waiting writer's statement began before the previous commit.
func (r *Repository) UpsertData(ctx context.Context, instanceID uuid.UUID, dataKey string, value json.RawMessage) (*domain.GameDataRecord, error) {
	query := `
		WITH up AS (
			INSERT INTO game_data (id, instance_id, data_key, data_value, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 1, statement_timestamp(), statement_timestamp())
			ON CONFLICT (instance_id, data_key) DO UPDATE SET
				data_value = EXCLUDED.data_value,
				version = game_data.version + 1,
				updated_at = GREATEST(statement_timestamp(), game_data.updated_at + interval '1 microsecond')
			RETURNING *
		)
		SELECT ` + recordColumns + `
		FROM up d
		JOIN child_game_instances i ON i.id = d.instance_id
		JOIN game_definitions g ON g.id = i.game_id
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, uuid.New(), instanceID, dataKey, []byte(value)))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrInstanceNotFound
		}
		if _, ok := constraintError(err, codeForeignKeyViolation); ok {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, classify("upserting game data", err)
	}
	return rec, nil
}

// GetData retrieves the record stored under (instance, key)
func (r *Repository) GetData(ctx context.Context, instanceID uuid.UUID, dataKey string) (*domain.GameDataRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM game_data d
		JOIN child_game_instances i ON i.id = d.instance_id
		JOIN game_definitions g ON g.id = i.game_id
		WHERE d.instance_id = $1 AND d.data_key = $2
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, instanceID, dataKey))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrDataNotFound
		}
		return nil, classify("getting game data", err)
	}
	return rec, nil
}

// ListData retrieves the records of an instance, newest update first
func (r *Repository) ListData(ctx context.Context, instanceID uuid.UUID, filter domain.DataFilter) ([]domain.GameDataRecord, error) {
	where := []string{"d.instance_id = $1"}
	args := []any{instanceID}
	where, args = appendDataFilter(where, args, filter)

	return r.queryRecords(ctx, "listing game data", where, args)
}

// ListChildData retrieves a child's records across games, or within one game
// when gameKey is set, newest update first
func (r *Repository) ListChildData(ctx context.Context, childID uuid.UUID, gameKey string, filter domain.DataFilter) ([]domain.GameDataRecord, error) {
	where := []string{"i.child_id = $1"}
	args := []any{childID}
	if gameKey != "" {
		args = append(args, gameKey)
		where = append(where, fmt.Sprintf("g.game_key = $%d", len(args)))
	}
	where, args = appendDataFilter(where, args, filter)

	return r.queryRecords(ctx, "listing child game data", where, args)
}

func appendDataFilter(where []string, args []any, filter domain.DataFilter) ([]string, []any) {
	if filter.DataKey != "" {
		args = append(args, filter.DataKey)
		where = append(where, fmt.Sprintf("d.data_key = $%d", len(args)))
	}
	if filter.KeyPrefix != "" {
		args = append(args, escapeLike(filter.KeyPrefix)+"%")
		where = append(where, fmt.Sprintf(`d.data_key LIKE $%d ESCAPE '\'`, len(args)))
	}
	return where, args
}

func (r *Repository) queryRecords(ctx context.Context, op string, where []string, args []any) ([]domain.GameDataRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM game_data d
		JOIN child_game_instances i ON i.id = d.instance_id
		JOIN game_definitions g ON g.id = i.game_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY d.updated_at DESC, d.data_key
	`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	records := []domain.GameDataRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning game data: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return records, nil
}

// DeleteData removes the record under (instance, key). It reports whether a
// row existed and the database time of the removal.
func (r *Repository) DeleteData(ctx context.Context, instanceID uuid.UUID, dataKey string) (bool, time.Time, error) {
	query := `
		DELETE FROM game_data
		WHERE instance_id = $1 AND data_key = $2
		RETURNING clock_timestamp()
	`
	var deletedAt time.Time
	err := r.pool.QueryRow(ctx, query, instanceID, dataKey).Scan(&deletedAt)
	if err != nil {
		if isNoRows(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, classify("deleting game data", err)
	}
	return true, deletedAt, nil
}

// DeleteAllData removes every record of an instance and returns the removed
// keys with the database time of the removal
func (r *Repository) DeleteAllData(ctx context.Context, instanceID uuid.UUID) ([]string, time.Time, error) {
	query := `
		DELETE FROM game_data
		WHERE instance_id = $1
		RETURNING data_key, clock_timestamp()
	`
	rows, err := r.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, time.Time{}, classify("deleting instance game data", err)
	}
	defer rows.Close()

	var keys []string
	var deletedAt time.Time
	for rows.Next() {
		var key string
		var at time.Time
		if err := rows.Scan(&key, &at); err != nil {
			return nil, time.Time{}, fmt.Errorf("scanning deleted key: %w", err)
		}
		keys = append(keys, key)
		if at.After(deletedAt) {
			deletedAt = at
		}
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, classify("deleting instance game data", err)
	}
	return keys, deletedAt, nil
}

// escapeLike neutralizes LIKE wildcards in a literal prefix
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
