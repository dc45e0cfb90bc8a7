package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
)

// GameDataService is the child-scoped entry point used by the HTTP and Kafka
// surfaces. It resolves (child, game) to an instance and delegates to the
// DataStore.
type GameDataService struct {
	instances *InstanceManager
	data      *DataStore
	children  ChildStore
	notifier  Notifier
	logger    *slog.Logger

	batchRetries    int
	batchRetryDelay time.Duration
}

// NewGameDataService creates a new game data service. notifier may be nil.
func NewGameDataService(
	instances *InstanceManager,
	data *DataStore,
	children ChildStore,
	notifier Notifier,
	logger *slog.Logger,
) *GameDataService {
	return &GameDataService{
		instances: instances,
		data:      data,
		children:  children,
		notifier:  notifier,
		logger:    logger,

		batchRetries:    3,
		batchRetryDelay: time.Second,
	}
}

// SetBatchRetry sets how often a batched save that failed transiently is
// retried and the initial delay between attempts
func (s *GameDataService) SetBatchRetry(attempts int, delay time.Duration) {
	if attempts < 0 {
		attempts = 0
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	s.batchRetries = attempts
	s.batchRetryDelay = delay
}

// ProvisionChild registers a child so instances can reference it
func (s *GameDataService) ProvisionChild(ctx context.Context, childID uuid.UUID) (bool, error) {
	created, err := s.children.UpsertChild(ctx, childID)
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Info("child provisioned", "child_id", childID)
	}
	return created, nil
}

// ProvisionInstance returns the child's instance of gameKey, creating it if needed
func (s *GameDataService) ProvisionInstance(ctx context.Context, childID uuid.UUID, gameKey string, settings json.RawMessage) (*domain.ChildGameInstance, bool, error) {
	return s.instances.GetOrCreate(ctx, childID, gameKey, settings)
}

// GetInstance returns the child's existing instance of gameKey
func (s *GameDataService) GetInstance(ctx context.Context, childID uuid.UUID, gameKey string) (*domain.ChildGameInstance, error) {
	return s.instances.GetByChildAndKey(ctx, childID, gameKey)
}

// UpdateInstanceSettings replaces the settings of the child's instance of gameKey
func (s *GameDataService) UpdateInstanceSettings(ctx context.Context, childID uuid.UUID, gameKey string, settings json.RawMessage) (*domain.ChildGameInstance, error) {
	inst, err := s.instances.GetByChildAndKey(ctx, childID, gameKey)
	if err != nil {
		return nil, err
	}
	return s.instances.UpdateSettings(ctx, inst.ID, settings)
}

// SaveChildData stores a value for the child, creating the game instance on
// first use. Retrying after a failed save never creates a second instance.
func (s *GameDataService) SaveChildData(ctx context.Context, childID uuid.UUID, req domain.SaveGameDataRequest) (*domain.GameDataRecord, error) {
	if err := domain.ValidateGameKey(req.GameKey); err != nil {
		return nil, err
	}
	if err := s.data.Validate(req.DataKey, req.DataValue); err != nil {
		return nil, err
	}

	inst, _, err := s.instances.GetOrCreate(ctx, childID, req.GameKey, nil)
	if err != nil {
		return nil, err
	}

	rec, err := s.data.Save(ctx, inst.ID, req.DataKey, req.DataValue)
	if err != nil {
		return nil, err
	}

	s.instances.Touch(ctx, inst.ID)
	s.publish(domain.ChangeEvent{
		ChildID:   childID,
		GameKey:   rec.GameKey,
		DataKey:   rec.DataKey,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	})

	return rec, nil
}

// GetChildData returns one record. A child that never played the game has
// no data, which is reported as domain.ErrDataNotFound.
func (s *GameDataService) GetChildData(ctx context.Context, childID uuid.UUID, gameKey, dataKey string) (*domain.GameDataRecord, error) {
	inst, err := s.instances.GetByChildAndKey(ctx, childID, gameKey)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return nil, domain.ErrDataNotFound
		}
		return nil, err
	}
	return s.data.Load(ctx, inst.ID, dataKey)
}

// ListChildData returns the child's records, newest first. An empty gameKey
// lists across every game the child has played.
func (s *GameDataService) ListChildData(ctx context.Context, childID uuid.UUID, gameKey string, filter domain.DataFilter) ([]domain.GameDataRecord, error) {
	if gameKey == "" {
		return s.data.ListForChild(ctx, childID, "", filter)
	}

	inst, err := s.instances.GetByChildAndKey(ctx, childID, gameKey)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return []domain.GameDataRecord{}, nil
		}
		return nil, err
	}
	return s.data.List(ctx, inst.ID, filter)
}

// DeleteChildData removes one record and reports whether it existed
func (s *GameDataService) DeleteChildData(ctx context.Context, childID uuid.UUID, gameKey, dataKey string) (bool, error) {
	inst, err := s.instances.GetByChildAndKey(ctx, childID, gameKey)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return false, nil
		}
		return false, err
	}

	deleted, err := s.data.Delete(ctx, inst.ID, dataKey)
	if err != nil {
		return false, err
	}
	if deleted {
		s.publish(domain.ChangeEvent{
			ChildID:   childID,
			GameKey:   inst.GameKey,
			DataKey:   dataKey,
			UpdatedAt: time.Now().UTC(),
			Deleted:   true,
		})
	}
	return deleted, nil
}

// DeleteChildGameData removes every record the child has for gameKey and
// returns how many were removed
func (s *GameDataService) DeleteChildGameData(ctx context.Context, childID uuid.UUID, gameKey string) (int, error) {
	inst, err := s.instances.GetByChildAndKey(ctx, childID, gameKey)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return 0, nil
		}
		return 0, err
	}

	keys, err := s.data.DeleteAll(ctx, inst.ID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, key := range keys {
		s.publish(domain.ChangeEvent{
			ChildID:   childID,
			GameKey:   inst.GameKey,
			DataKey:   key,
			UpdatedAt: now,
			Deleted:   true,
		})
	}

	s.logger.Info("child game data cleared",
		"child_id", childID,
		"game_key", gameKey,
		"deleted", len(keys),
	)
	return len(keys), nil
}

// SaveChildDataBatch applies save commands one by one. A command that is
// invalid is counted as failed and skipped. A transient failure is retried in
// place; when the retries run out the batch stops and an error is returned so
// the caller can redeliver the unsaved commands.
func (s *GameDataService) SaveChildDataBatch(ctx context.Context, commands []domain.SaveCommand) (domain.BatchResult, error) {
	var result domain.BatchResult
	for _, cmd := range commands {
		if cmd.ChildID == uuid.Nil {
			s.logger.Error("save command without child id",
				"game_key", cmd.GameKey,
				"data_key", cmd.DataKey,
			)
			result.Failed++
			continue
		}

		err := s.saveWithRetry(ctx, cmd)
		if err == nil {
			result.Saved++
			continue
		}
		if domain.IsTransientError(err) || ctx.Err() != nil {
			return result, fmt.Errorf("saving %s/%s for child %s: %w", cmd.GameKey, cmd.DataKey, cmd.ChildID, err)
		}

		s.logger.Error("failed to save game data in batch",
			"child_id", cmd.ChildID,
			"game_key", cmd.GameKey,
			"data_key", cmd.DataKey,
			"device_id", cmd.DeviceID,
			"error", err,
		)
		result.Failed++
	}
	return result, nil
}

func (s *GameDataService) saveWithRetry(ctx context.Context, cmd domain.SaveCommand) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.batchRetryDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		_, err := s.SaveChildData(ctx, cmd.ChildID, domain.SaveGameDataRequest{
			GameKey:   cmd.GameKey,
			DataKey:   cmd.DataKey,
			DataValue: cmd.DataValue,
		})
		if err == nil {
			return nil
		}
		if !domain.IsTransientError(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("batched save failed transiently",
			"child_id", cmd.ChildID,
			"game_key", cmd.GameKey,
			"data_key", cmd.DataKey,
			"attempt", attempt,
			"error", err,
		)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.batchRetries)), ctx))
}

func (s *GameDataService) publish(event domain.ChangeEvent) {
	if s.notifier == nil {
		return
	}
	s.notifier.PublishChange(event)
}

