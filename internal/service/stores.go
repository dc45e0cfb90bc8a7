package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
)

// Catalog resolves game keys to definitions
type Catalog interface {
	GetByKey(gameKey string) (*domain.GameDefinition, error)
	GetActive(gameKey string) (*domain.GameDefinition, error)
}

// InstanceStore persists child game instances
type InstanceStore interface {
	CreateInstanceIfAbsent(ctx context.Context, inst domain.ChildGameInstance) (*domain.ChildGameInstance, bool, error)
	GetInstance(ctx context.Context, childID, gameID uuid.UUID) (*domain.ChildGameInstance, error)
	GetInstanceByID(ctx context.Context, instanceID uuid.UUID) (*domain.ChildGameInstance, error)
	UpdateInstanceSettings(ctx context.Context, instanceID uuid.UUID, settings json.RawMessage) (*domain.ChildGameInstance, error)
	TouchInstance(ctx context.Context, instanceID uuid.UUID) error
}

// RecordStore persists game data records
type RecordStore interface {
	UpsertData(ctx context.Context, instanceID uuid.UUID, dataKey string, value json.RawMessage) (*domain.GameDataRecord, error)
	GetData(ctx context.Context, instanceID uuid.UUID, dataKey string) (*domain.GameDataRecord, error)
	ListData(ctx context.Context, instanceID uuid.UUID, filter domain.DataFilter) ([]domain.GameDataRecord, error)
	ListChildData(ctx context.Context, childID uuid.UUID, gameKey string, filter domain.DataFilter) ([]domain.GameDataRecord, error)
	DeleteData(ctx context.Context, instanceID uuid.UUID, dataKey string) (bool, time.Time, error)
	DeleteAllData(ctx context.Context, instanceID uuid.UUID) ([]string, time.Time, error)
}

// ChildStore provisions child rows
type ChildStore interface {
	UpsertChild(ctx context.Context, childID uuid.UUID) (bool, error)
}

// RecordCache is an optional read-through cache in front of a RecordStore
type RecordCache interface {
	Get(ctx context.Context, instanceID uuid.UUID, dataKey string) (*domain.GameDataRecord, bool, error)
	Put(ctx context.Context, rec *domain.GameDataRecord) error
	Invalidate(ctx context.Context, instanceID uuid.UUID, dataKeys []string, deletedAt time.Time) error
}

// Notifier receives change events after successful writes
type Notifier interface {
	PublishChange(event domain.ChangeEvent)
}
