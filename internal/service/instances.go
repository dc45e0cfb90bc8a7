package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/metrics"
	"github.com/google/uuid"
)

// InstanceManager binds children to games. Each (child, game) pair gets at
// most one instance, created on first use.
type InstanceManager struct {
	catalog Catalog
	store   InstanceStore
	logger  *slog.Logger
}

// NewInstanceManager creates a new instance manager
func NewInstanceManager(catalog Catalog, store InstanceStore, logger *slog.Logger) *InstanceManager {
	return &InstanceManager{
		catalog: catalog,
		store:   store,
		logger:  logger,
	}
}

// GetOrCreate returns the child's instance of gameKey, creating it seeded with
// the game's default config merged under initialSettings. Concurrent callers
// for the same pair all observe the same instance; created is true for
// exactly one of them.
func (m *InstanceManager) GetOrCreate(ctx context.Context, childID uuid.UUID, gameKey string, initialSettings json.RawMessage) (*domain.ChildGameInstance, bool, error) {
	if err := domain.ValidateGameKey(gameKey); err != nil {
		return nil, false, err
	}
	if len(initialSettings) > 0 {
		if err := domain.ValidateJSON("settings", initialSettings); err != nil {
			return nil, false, err
		}
	}

	def, err := m.catalog.GetActive(gameKey)
	if err != nil {
		return nil, false, err
	}

	// Most calls hit an existing instance; skip the insert for them.
	existing, err := m.store.GetInstance(ctx, childID, def.ID)
	if err == nil {
		metrics.RecordInstanceResolve(false)
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrInstanceNotFound) {
		return nil, false, fmt.Errorf("looking up game instance: %w", err)
	}

	settings, err := domain.MergeUnder(def.DefaultConfig, initialSettings)
	if err != nil {
		return nil, false, err
	}

	inst, created, err := m.store.CreateInstanceIfAbsent(ctx, domain.ChildGameInstance{
		ID:       uuid.New(),
		ChildID:  childID,
		GameID:   def.ID,
		GameKey:  def.GameKey,
		Settings: settings,
	})
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("creating game instance: %w", err)
	}

	metrics.RecordInstanceResolve(created)
	if created {
		m.logger.Info("game instance created",
			"child_id", childID,
			"game_key", gameKey,
			"instance_id", inst.ID,
		)
	}
	return inst, created, nil
}

// GetByChildAndKey returns the child's existing instance of gameKey. Games
// that were deactivated still resolve so their data stays reachable.
func (m *InstanceManager) GetByChildAndKey(ctx context.Context, childID uuid.UUID, gameKey string) (*domain.ChildGameInstance, error) {
	if err := domain.ValidateGameKey(gameKey); err != nil {
		return nil, err
	}
	def, err := m.catalog.GetByKey(gameKey)
	if err != nil {
		return nil, err
	}
	return m.store.GetInstance(ctx, childID, def.ID)
}

// Get returns an instance by id
func (m *InstanceManager) Get(ctx context.Context, instanceID uuid.UUID) (*domain.ChildGameInstance, error) {
	return m.store.GetInstanceByID(ctx, instanceID)
}

// UpdateSettings replaces an instance's settings wholesale
func (m *InstanceManager) UpdateSettings(ctx context.Context, instanceID uuid.UUID, settings json.RawMessage) (*domain.ChildGameInstance, error) {
	if err := domain.ValidateJSON("settings", settings); err != nil {
		return nil, err
	}
	inst, err := m.store.UpdateInstanceSettings(ctx, instanceID, settings)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Touch records play activity. Failures are logged and otherwise ignored.
func (m *InstanceManager) Touch(ctx context.Context, instanceID uuid.UUID) {
	if err := m.store.TouchInstance(ctx, instanceID); err != nil {
		m.logger.Warn("failed to record play activity",
			"instance_id", instanceID,
			"error", err,
		)
	}
}
