// Package storetest provides an in-memory implementation of the storage
// interfaces used by the registry and service packages. It follows the
// PostgreSQL repository's semantics closely enough for unit tests: unique
// keys, foreign keys, versioning and ordering.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gamedata-sync/internal/domain"
	"github.com/google/uuid"
)

type dataKey struct {
	instanceID uuid.UUID
	key        string
}

type pairKey struct {
	childID uuid.UUID
	gameID  uuid.UUID
}

// Store is a thread-safe in-memory game data store
type Store struct {
	mu        sync.Mutex
	children  map[uuid.UUID]bool
	games     map[string]domain.GameDefinition
	instances map[uuid.UUID]domain.ChildGameInstance
	byPair    map[pairKey]uuid.UUID
	records   map[dataKey]domain.GameDataRecord
	faults    map[string][]error
	calls     map[string]int
	now       func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		children:  make(map[uuid.UUID]bool),
		games:     make(map[string]domain.GameDefinition),
		instances: make(map[uuid.UUID]domain.ChildGameInstance),
		byPair:    make(map[pairKey]uuid.UUID),
		records:   make(map[dataKey]domain.GameDataRecord),
		faults:    make(map[string][]error),
		calls:     make(map[string]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call of op return err. Calls queue in order.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Calls returns how many times op was invoked
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records a call and pops a queued fault. Callers hold s.mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	if queued := s.faults[op]; len(queued) > 0 {
		s.faults[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// AddChild provisions a child directly
func (s *Store) AddChild(childID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[childID] = true
}

// UpsertChild provisions a child. It returns true when the child is new.
func (s *Store) UpsertChild(_ context.Context, childID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertChild"); err != nil {
		return false, err
	}
	if s.children[childID] {
		return false, nil
	}
	s.children[childID] = true
	return true, nil
}

// CreateGame stores a catalog entry
func (s *Store) CreateGame(_ context.Context, def domain.GameDefinition) (*domain.GameDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateGame"); err != nil {
		return nil, err
	}
	if _, ok := s.games[def.GameKey]; ok {
		return nil, domain.ErrGameExists
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	def.DefaultConfig = cloneRaw(def.DefaultConfig)
	s.games[def.GameKey] = def
	return &def, nil
}

// ListGames returns every catalog entry ordered by display name
func (s *Store) ListGames(_ context.Context) ([]domain.GameDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListGames"); err != nil {
		return nil, err
	}
	games := make([]domain.GameDefinition, 0, len(s.games))
	for _, def := range s.games {
		def.DefaultConfig = cloneRaw(def.DefaultConfig)
		games = append(games, def)
	}
	sort.Slice(games, func(i, j int) bool {
		if games[i].DisplayName != games[j].DisplayName {
			return games[i].DisplayName < games[j].DisplayName
		}
		return games[i].GameKey < games[j].GameKey
	})
	return games, nil
}

// SetGameActive toggles a catalog entry
func (s *Store) SetGameActive(_ context.Context, gameKey string, active bool) (*domain.GameDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetGameActive"); err != nil {
		return nil, err
	}
	def, ok := s.games[gameKey]
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	def.IsActive = active
	def.UpdatedAt = s.now()
	s.games[gameKey] = def
	return &def, nil
}

// CreateInstanceIfAbsent inserts an instance or returns the existing one
func (s *Store) CreateInstanceIfAbsent(_ context.Context, inst domain.ChildGameInstance) (*domain.ChildGameInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateInstanceIfAbsent"); err != nil {
		return nil, false, err
	}

	game, ok := s.gameByID(inst.GameID)
	if !ok {
		return nil, false, domain.ErrGameNotFound
	}
	if !s.children[inst.ChildID] {
		return nil, false, domain.ErrChildNotFound
	}

	pair := pairKey{inst.ChildID, inst.GameID}
	if id, ok := s.byPair[pair]; ok {
		existing := s.instances[id]
		return cloneInstance(existing), false, nil
	}

	now := s.now()
	inst.GameKey = game.GameKey
	inst.Settings = cloneRaw(inst.Settings)
	inst.IsEnabled = true
	inst.CreatedAt = now
	inst.UpdatedAt = now
	s.instances[inst.ID] = inst
	s.byPair[pair] = inst.ID
	return cloneInstance(inst), true, nil
}

// GetInstance returns the instance binding a child to a game
func (s *Store) GetInstance(_ context.Context, childID, gameID uuid.UUID) (*domain.ChildGameInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetInstance"); err != nil {
		return nil, err
	}
	id, ok := s.byPair[pairKey{childID, gameID}]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return cloneInstance(s.instances[id]), nil
}

// GetInstanceByID returns an instance by id
func (s *Store) GetInstanceByID(_ context.Context, instanceID uuid.UUID) (*domain.ChildGameInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetInstanceByID"); err != nil {
		return nil, err
	}
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

// UpdateInstanceSettings replaces an instance's settings
func (s *Store) UpdateInstanceSettings(_ context.Context, instanceID uuid.UUID, settings json.RawMessage) (*domain.ChildGameInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateInstanceSettings"); err != nil {
		return nil, err
	}
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	inst.Settings = cloneRaw(settings)
	inst.UpdatedAt = s.now()
	s.instances[instanceID] = inst
	return cloneInstance(inst), nil
}

// TouchInstance records play activity
func (s *Store) TouchInstance(_ context.Context, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("TouchInstance"); err != nil {
		return err
	}
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil
	}
	now := s.now()
	inst.LastPlayedAt = &now
	s.instances[instanceID] = inst
	return nil
}

// UpsertData inserts a record at version 1 or bumps an existing one
func (s *Store) UpsertData(_ context.Context, instanceID uuid.UUID, key string, value json.RawMessage) (*domain.GameDataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertData"); err != nil {
		return nil, err
	}
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}

	now := s.now()
	k := dataKey{instanceID, key}
	rec, exists := s.records[k]
	if !exists {
		rec = domain.GameDataRecord{
			ID:         uuid.New(),
			InstanceID: instanceID,
			ChildID:    inst.ChildID,
			GameKey:    inst.GameKey,
			DataKey:    key,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	} else {
		rec.Version++
		if floor := rec.UpdatedAt.Add(time.Microsecond); now.Before(floor) {
			now = floor
		}
		rec.UpdatedAt = now
	}
	rec.DataValue = cloneRaw(value)
	s.records[k] = rec

	out := cloneRecord(rec)
	return &out, nil
}

// GetData returns one record
func (s *Store) GetData(_ context.Context, instanceID uuid.UUID, key string) (*domain.GameDataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetData"); err != nil {
		return nil, err
	}
	rec, ok := s.records[dataKey{instanceID, key}]
	if !ok {
		return nil, domain.ErrDataNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

// ListData returns an instance's records, newest first
func (s *Store) ListData(_ context.Context, instanceID uuid.UUID, filter domain.DataFilter) ([]domain.GameDataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListData"); err != nil {
		return nil, err
	}
	return s.collect(func(rec domain.GameDataRecord) bool {
		return rec.InstanceID == instanceID && filter.Matches(rec.DataKey)
	}), nil
}

// ListChildData returns a child's records across games, newest first
func (s *Store) ListChildData(_ context.Context, childID uuid.UUID, gameKey string, filter domain.DataFilter) ([]domain.GameDataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListChildData"); err != nil {
		return nil, err
	}
	return s.collect(func(rec domain.GameDataRecord) bool {
		return rec.ChildID == childID &&
			(gameKey == "" || rec.GameKey == gameKey) &&
			filter.Matches(rec.DataKey)
	}), nil
}

// DeleteData removes one record
func (s *Store) DeleteData(_ context.Context, instanceID uuid.UUID, key string) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteData"); err != nil {
		return false, time.Time{}, err
	}
	k := dataKey{instanceID, key}
	if _, ok := s.records[k]; !ok {
		return false, time.Time{}, nil
	}
	delete(s.records, k)
	return true, s.now(), nil
}

// DeleteAllData removes every record of an instance
func (s *Store) DeleteAllData(_ context.Context, instanceID uuid.UUID) ([]string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteAllData"); err != nil {
		return nil, time.Time{}, err
	}
	var keys []string
	for k := range s.records {
		if k.instanceID == instanceID {
			keys = append(keys, k.key)
			delete(s.records, k)
		}
	}
	sort.Strings(keys)
	return keys, s.now(), nil
}

// RecordCount returns the number of stored records
func (s *Store) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// InstanceCount returns the number of stored instances
func (s *Store) InstanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func (s *Store) gameByID(id uuid.UUID) (domain.GameDefinition, bool) {
	for _, def := range s.games {
		if def.ID == id {
			return def, true
		}
	}
	return domain.GameDefinition{}, false
}

func (s *Store) collect(match func(domain.GameDataRecord) bool) []domain.GameDataRecord {
	out := []domain.GameDataRecord{}
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return strings.Compare(out[i].DataKey, out[j].DataKey) < 0
	})
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneInstance(inst domain.ChildGameInstance) *domain.ChildGameInstance {
	inst.Settings = cloneRaw(inst.Settings)
	if inst.LastPlayedAt != nil {
		at := *inst.LastPlayedAt
		inst.LastPlayedAt = &at
	}
	return &inst
}

func cloneRecord(rec domain.GameDataRecord) domain.GameDataRecord {
	rec.DataValue = cloneRaw(rec.DataValue)
	return rec
}
