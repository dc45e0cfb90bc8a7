package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GameDefinition is a catalog entry for a game plugin
type GameDefinition struct {
	ID            uuid.UUID       `json:"id"`
	GameKey       string          `json:"gameKey"`
	DisplayName   string          `json:"displayName"`
	Description   string          `json:"description,omitempty"`
	Category      string          `json:"category,omitempty"`
	MinAgeMonths  int             `json:"minAgeMonths"`
	MaxAgeMonths  int             `json:"maxAgeMonths"`
	DefaultConfig json.RawMessage `json:"defaultConfig"`
	IsActive      bool            `json:"isActive"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Validate checks the registration constraints of a definition
func (d *GameDefinition) Validate() error {
	if err := ValidateGameKey(d.GameKey); err != nil {
		return err
	}
	if d.DisplayName == "" {
		return NewValidationError("displayName", "is required")
	}
	if d.MinAgeMonths < 0 {
		return NewValidationError("minAgeMonths", "must not be negative")
	}
	if d.MinAgeMonths > d.MaxAgeMonths {
		return NewValidationError("minAgeMonths", "must not exceed maxAgeMonths")
	}
	if err := ValidateJSON("defaultConfig", d.DefaultConfig); err != nil {
		return err
	}
	return nil
}

// RegisterGameRequest represents a request to add a game to the catalog
type RegisterGameRequest struct {
	GameKey       string          `json:"gameKey"`
	DisplayName   string          `json:"displayName"`
	Description   string          `json:"description,omitempty"`
	Category      string          `json:"category,omitempty"`
	MinAgeMonths  int             `json:"minAgeMonths"`
	MaxAgeMonths  int             `json:"maxAgeMonths"`
	DefaultConfig json.RawMessage `json:"defaultConfig,omitempty"`
	IsActive      *bool           `json:"isActive,omitempty"`
}

// ToDefinition converts a RegisterGameRequest to a GameDefinition with defaults
func (r *RegisterGameRequest) ToDefinition() GameDefinition {
	now := time.Now().UTC()
	def := GameDefinition{
		ID:            uuid.New(),
		GameKey:       r.GameKey,
		DisplayName:   r.DisplayName,
		Description:   r.Description,
		Category:      r.Category,
		MinAgeMonths:  r.MinAgeMonths,
		MaxAgeMonths:  r.MaxAgeMonths,
		DefaultConfig: r.DefaultConfig,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if len(def.DefaultConfig) == 0 {
		def.DefaultConfig = json.RawMessage(`{}`)
	}
	if r.IsActive != nil {
		def.IsActive = *r.IsActive
	}

	return def
}

// ChildGameInstance binds one child to one game
type ChildGameInstance struct {
	ID           uuid.UUID       `json:"id"`
	ChildID      uuid.UUID       `json:"childId"`
	GameID       uuid.UUID       `json:"gameId"`
	GameKey      string          `json:"gameKey"`
	Settings     json.RawMessage `json:"settings"`
	IsEnabled    bool            `json:"isEnabled"`
	LastPlayedAt *time.Time      `json:"lastPlayedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// GameDataRecord is one versioned JSON value stored under a data key
type GameDataRecord struct {
	ID         uuid.UUID       `json:"id"`
	InstanceID uuid.UUID       `json:"instanceId"`
	ChildID    uuid.UUID       `json:"childId"`
	GameKey    string          `json:"gameKey"`
	DataKey    string          `json:"dataKey"`
	DataValue  json.RawMessage `json:"dataValue"`
	Version    int             `json:"dataVersion"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DataFilter narrows a record listing. Empty fields match everything.
type DataFilter struct {
	DataKey   string
	KeyPrefix string
}

// Matches reports whether a data key passes the filter
func (f DataFilter) Matches(dataKey string) bool {
	if f.DataKey != "" && f.DataKey != dataKey {
		return false
	}
	if f.KeyPrefix != "" && (len(dataKey) < len(f.KeyPrefix) || dataKey[:len(f.KeyPrefix)] != f.KeyPrefix) {
		return false
	}
	return true
}

// SaveGameDataRequest represents a request to store a value under a data key
type SaveGameDataRequest struct {
	GameKey   string          `json:"gameKey"`
	DataKey   string          `json:"dataKey"`
	DataValue json.RawMessage `json:"dataValue"`
}

// SaveCommand is a save request arriving outside HTTP (offline uploads)
type SaveCommand struct {
	ChildID   uuid.UUID       `json:"childId"`
	GameKey   string          `json:"gameKey"`
	DataKey   string          `json:"dataKey"`
	DataValue json.RawMessage `json:"dataValue"`
	DeviceID  string          `json:"deviceId,omitempty"`
}

// ChangeEvent announces that a child's game data changed
type ChangeEvent struct {
	ChildID   uuid.UUID `json:"childId"`
	GameKey   string    `json:"gameKey"`
	DataKey   string    `json:"dataKey"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Deleted   bool      `json:"deleted"`
}

// BatchResult summarizes a batch of save commands
type BatchResult struct {
	Saved  int `json:"saved"`
	Failed int `json:"failed"`
}
