package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gamedata-sync/internal/config"
	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/registry"
	"github.com/gamedata-sync/internal/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *storetest.Store
	registry  *registry.Registry
	instances *InstanceManager
	data      *DataStore
	svc       *GameDataService
	notifier  *recordingNotifier
	childID   uuid.UUID
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cache RecordCache) *fixture {
	t.Helper()
	logger := testLogger()
	store := storetest.New()
	reg := registry.New(store, logger)

	for _, req := range []domain.RegisterGameRequest{
		{GameKey: "sticker_book", DisplayName: "Sticker Book", MinAgeMonths: 24, MaxAgeMonths: 96,
			DefaultConfig: json.RawMessage(`{"theme":"animals","sound":true}`)},
		{GameKey: "story_reader", DisplayName: "Story Reader", MinAgeMonths: 36, MaxAgeMonths: 120},
		{GameKey: "retired", DisplayName: "Retired", MinAgeMonths: 0, MaxAgeMonths: 12, IsActive: boolPtr(false)},
	} {
		_, err := reg.Register(context.Background(), req.ToDefinition())
		require.NoError(t, err)
	}

	childID := uuid.New()
	store.AddChild(childID)

	instances := NewInstanceManager(reg, store, logger)
	data := NewDataStore(store, cache, &config.GamesConfig{MaxDataKeyLength: 64, MaxValueBytes: 4096}, logger)
	notifier := &recordingNotifier{}

	return &fixture{
		store:     store,
		registry:  reg,
		instances: instances,
		data:      data,
		svc:       NewGameDataService(instances, data, store, notifier, logger),
		notifier:  notifier,
		childID:   childID,
	}
}

func (f *fixture) instance(t *testing.T, gameKey string) *domain.ChildGameInstance {
	t.Helper()
	inst, _, err := f.instances.GetOrCreate(context.Background(), f.childID, gameKey, nil)
	require.NoError(t, err)
	return inst
}

func boolPtr(b bool) *bool { return &b }

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (n *recordingNotifier) PublishChange(event domain.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Events() []domain.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.ChangeEvent(nil), n.events...)
}

// memoryCache mimics the Redis cache's timestamp guard.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*domain.GameDataRecord
	stamps  map[string]time.Time
	gets    int
	failPut error

	failInvalidate error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries: make(map[string]*domain.GameDataRecord),
		stamps:  make(map[string]time.Time),
	}
}

func cacheKey(instanceID uuid.UUID, dataKey string) string {
	return instanceID.String() + ":" + dataKey
}

func (c *memoryCache) Get(_ context.Context, instanceID uuid.UUID, dataKey string) (*domain.GameDataRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	rec, ok := c.entries[cacheKey(instanceID, dataKey)]
	if !ok || rec == nil {
		return nil, false, nil
	}
	out := *rec
	return &out, true, nil
}

func (c *memoryCache) Put(_ context.Context, rec *domain.GameDataRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPut != nil {
		return c.failPut
	}
	k := cacheKey(rec.InstanceID, rec.DataKey)
	if ts, ok := c.stamps[k]; ok {
		if ts.After(rec.UpdatedAt) || (ts.Equal(rec.UpdatedAt) && c.entries[k] != nil) {
			return nil
		}
	}
	out := *rec
	c.entries[k] = &out
	c.stamps[k] = rec.UpdatedAt
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, instanceID uuid.UUID, keys []string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failInvalidate != nil {
		return c.failInvalidate
	}
	for _, key := range keys {
		k := cacheKey(instanceID, key)
		if ts, ok := c.stamps[k]; ok && !at.After(ts) {
			continue
		}
		c.entries[k] = nil
		c.stamps[k] = at
	}
	return nil
}

func TestSaveScenarios(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	first, err := f.data.Save(ctx, inst.ID, "project_1", json.RawMessage(`{"name":"Art"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.JSONEq(t, `{"name":"Art"}`, string(first.DataValue))
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	second, err := f.data.Save(ctx, inst.ID, "project_1", json.RawMessage(`{"name":"Art2"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	third, err := f.data.Save(ctx, inst.ID, "project_1", json.RawMessage(`{"name":"Art3"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, third.Version)
	assert.True(t, third.UpdatedAt.After(second.UpdatedAt))
	assert.Equal(t, 1, f.store.RecordCount())
}

func TestRoundTripEveryJSONKind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	values := map[string]string{
		"object": `{"stickers":[{"id":1,"x":0.5}],"meta":{"done":false}}`,
		"array":  `[1,"two",{"three":3},null]`,
		"string": `"hello"`,
		"number": `42.5`,
		"bool":   `true`,
		"null":   `null`,
	}
	for key, raw := range values {
		_, err := f.data.Save(ctx, inst.ID, key, json.RawMessage(raw))
		require.NoError(t, err, key)

		got, err := f.data.Load(ctx, inst.ID, key)
		require.NoError(t, err, key)
		assert.JSONEq(t, raw, string(got.DataValue), key)
	}
}

func TestConcurrentSavesNoLostUpdates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.data.Save(ctx, inst.ID, "shared", json.RawMessage(fmt.Sprintf(`{"writer":%d}`, i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := f.data.Load(ctx, inst.ID, "shared")
	require.NoError(t, err)
	assert.Equal(t, writers, rec.Version)
	assert.Equal(t, 1, f.store.RecordCount())
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"empty key", "", `{}`},
		{"control char", "a\x00b", `{}`},
		{"key too long", string(make([]byte, 65)), `{}`},
		{"invalid json", "k", `{"open":`},
		{"empty value", "k", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.data.Save(ctx, inst.ID, tt.key, json.RawMessage(tt.value))
			require.Error(t, err)
			assert.True(t, domain.IsValidationError(err))
		})
	}
	assert.Equal(t, 0, f.store.Calls("UpsertData"))
}

func TestLoadMissingAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	_, err := f.data.Load(ctx, inst.ID, "nothing")
	assert.ErrorIs(t, err, domain.ErrDataNotFound)

	_, err = f.data.Save(ctx, inst.ID, "project_1", json.RawMessage(`{"name":"Art"}`))
	require.NoError(t, err)

	deleted, err := f.data.Delete(ctx, inst.ID, "project_1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.data.Load(ctx, inst.ID, "project_1")
	assert.ErrorIs(t, err, domain.ErrDataNotFound)

	deleted, err = f.data.Delete(ctx, inst.ID, "project_1")
	require.NoError(t, err)
	assert.False(t, deleted)

	// A key saved after deletion starts over at version 1.
	rec, err := f.data.Save(ctx, inst.ID, "project_1", json.RawMessage(`{"name":"New"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestListOrderedByUpdatedAtDesc(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	var mu sync.Mutex
	f.store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	for _, key := range []string{"a", "b", "c"} {
		_, err := f.data.Save(ctx, inst.ID, key, json.RawMessage(`1`))
		require.NoError(t, err)
	}
	_, err := f.data.Save(ctx, inst.ID, "a", json.RawMessage(`2`))
	require.NoError(t, err)

	records, err := f.data.List(ctx, inst.ID, domain.DataFilter{})
	require.NoError(t, err)
	var keys []string
	for _, rec := range records {
		keys = append(keys, rec.DataKey)
	}
	assert.Equal(t, []string{"a", "c", "b"}, keys)

	filtered, err := f.data.List(ctx, inst.ID, domain.DataFilter{DataKey: "b"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].DataKey)
}

func TestDeleteAll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")
	other := f.instance(t, "story_reader")

	for _, key := range []string{"p1", "p2", "p3"} {
		_, err := f.data.Save(ctx, inst.ID, key, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := f.data.Save(ctx, other.ID, "bookmark", json.RawMessage(`12`))
	require.NoError(t, err)

	keys, err := f.data.DeleteAll(ctx, inst.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, keys)

	remaining, err := f.data.List(ctx, other.ID, domain.DataFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestGetOrCreateSeedsSettings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inst, created, err := f.instances.GetOrCreate(ctx, f.childID, "sticker_book", json.RawMessage(`{"sound":false}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.JSONEq(t, `{"theme":"animals","sound":false}`, string(inst.Settings))

	again, created, err := f.instances.GetOrCreate(ctx, f.childID, "sticker_book", json.RawMessage(`{"theme":"space"}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inst.ID, again.ID)
	assert.JSONEq(t, `{"theme":"animals","sound":false}`, string(again.Settings))
}

func TestGetOrCreateConcurrent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const callers = 20
	ids := make([]uuid.UUID, callers)
	createdFlags := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, created, err := f.instances.GetOrCreate(ctx, f.childID, "story_reader", nil)
			if assert.NoError(t, err) {
				ids[i] = inst.ID
				createdFlags[i] = created
			}
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if createdFlags[i] {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)
	assert.Equal(t, 1, f.store.InstanceCount())
}

func TestGetOrCreateErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.instances.GetOrCreate(ctx, f.childID, "unknown", nil)
	assert.ErrorIs(t, err, domain.ErrGameNotFound)

	_, _, err = f.instances.GetOrCreate(ctx, f.childID, "retired", nil)
	assert.ErrorIs(t, err, domain.ErrGameNotFound)

	_, _, err = f.instances.GetOrCreate(ctx, uuid.New(), "sticker_book", nil)
	assert.ErrorIs(t, err, domain.ErrChildNotFound)

	_, _, err = f.instances.GetOrCreate(ctx, f.childID, "Bad Key", nil)
	assert.True(t, domain.IsValidationError(err))

	_, _, err = f.instances.GetOrCreate(ctx, f.childID, "sticker_book", json.RawMessage(`{nope`))
	assert.True(t, domain.IsValidationError(err))

	f.store.FailNext("GetInstance", &domain.TransientError{Op: "getting game instance", Err: errors.New("timeout")})
	_, _, err = f.instances.GetOrCreate(ctx, f.childID, "sticker_book", nil)
	assert.True(t, domain.IsTransientError(err))
}

func TestUpdateSettingsReplaces(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	updated, err := f.instances.UpdateSettings(ctx, inst.ID, json.RawMessage(`{"volume":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"volume":3}`, string(updated.Settings))

	_, err = f.instances.UpdateSettings(ctx, uuid.New(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)

	got, err := f.instances.GetByChildAndKey(ctx, f.childID, "sticker_book")
	require.NoError(t, err)
	assert.JSONEq(t, `{"volume":3}`, string(got.Settings))

	_, err = f.instances.GetByChildAndKey(ctx, f.childID, "story_reader")
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestCacheReadThroughAndInvalidation(t *testing.T) {
	cache := newMemoryCache()
	f := newFixture(t, cache)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	_, err := f.data.Save(ctx, inst.ID, "k", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	rec, err := f.data.Load(ctx, inst.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, 0, f.store.Calls("GetData"))

	deleted, err := f.data.Delete(ctx, inst.ID, "k")
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = f.data.Load(ctx, inst.ID, "k")
	assert.ErrorIs(t, err, domain.ErrDataNotFound)
	assert.Equal(t, 1, f.store.Calls("GetData"))
}

func TestCacheFailureDoesNotFailSave(t *testing.T) {
	cache := newMemoryCache()
	cache.failPut = errors.New("redis down")
	f := newFixture(t, cache)
	inst := f.instance(t, "sticker_book")

	rec, err := f.data.Save(context.Background(), inst.ID, "k", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestFailedCacheWriteEvictsStaleCopy(t *testing.T) {
	cache := newMemoryCache()
	f := newFixture(t, cache)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	_, err := f.data.Save(ctx, inst.ID, "k", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	cache.mu.Lock()
	cache.failPut = errors.New("redis timeout")
	cache.mu.Unlock()
	_, err = f.data.Save(ctx, inst.ID, "k", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	cache.mu.Lock()
	cache.failPut = nil
	cache.mu.Unlock()

	rec, err := f.data.Load(ctx, inst.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.JSONEq(t, `{"v":2}`, string(rec.DataValue))
	assert.Equal(t, 1, f.store.Calls("GetData"))

	// the read-through repopulated the evicted entry
	rec, err = f.data.Load(ctx, inst.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, 1, f.store.Calls("GetData"))
}

func TestUnreachableCacheIsBypassedUntilWriteSucceeds(t *testing.T) {
	cache := newMemoryCache()
	f := newFixture(t, cache)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	_, err := f.data.Save(ctx, inst.ID, "k", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	cache.mu.Lock()
	cache.failPut = errors.New("redis timeout")
	cache.failInvalidate = errors.New("redis timeout")
	cache.mu.Unlock()
	_, err = f.data.Save(ctx, inst.ID, "k", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	cache.mu.Lock()
	cache.failPut = nil
	cache.failInvalidate = nil
	getsBefore := cache.gets
	cache.mu.Unlock()

	// the cache still holds v1 but is not consulted
	rec, err := f.data.Load(ctx, inst.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, 1, f.store.Calls("GetData"))
	cache.mu.Lock()
	assert.Equal(t, getsBefore, cache.gets)
	cache.mu.Unlock()

	rec, err = f.data.Load(ctx, inst.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, 1, f.store.Calls("GetData"))
}

func TestFailedCacheInvalidationHidesDeletedRecord(t *testing.T) {
	cache := newMemoryCache()
	f := newFixture(t, cache)
	ctx := context.Background()
	inst := f.instance(t, "sticker_book")

	_, err := f.data.Save(ctx, inst.ID, "k", json.RawMessage(`1`))
	require.NoError(t, err)

	cache.mu.Lock()
	cache.failInvalidate = errors.New("redis timeout")
	cache.mu.Unlock()
	deleted, err := f.data.Delete(ctx, inst.ID, "k")
	require.NoError(t, err)
	require.True(t, deleted)

	cache.mu.Lock()
	cache.failInvalidate = nil
	cache.mu.Unlock()

	_, err = f.data.Load(ctx, inst.ID, "k")
	assert.ErrorIs(t, err, domain.ErrDataNotFound)
}

func TestSaveChildDataCreatesInstanceOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := domain.SaveGameDataRequest{GameKey: "sticker_book", DataKey: "project_1", DataValue: json.RawMessage(`{"name":"Art"}`)}

	f.store.FailNext("UpsertData", &domain.TransientError{Op: "upserting game data", Err: errors.New("conn reset")})
	_, err := f.svc.SaveChildData(ctx, f.childID, req)
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
	assert.Equal(t, 1, f.store.InstanceCount())

	rec, err := f.svc.SaveChildData(ctx, f.childID, req)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, f.childID, rec.ChildID)
	assert.Equal(t, "sticker_book", rec.GameKey)
	assert.Equal(t, 1, f.store.InstanceCount())

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "project_1", events[0].DataKey)
	assert.Equal(t, 1, events[0].Version)
	assert.False(t, events[0].Deleted)
}

func TestSaveChildDataValidatesBeforeProvisioning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SaveChildData(ctx, f.childID, domain.SaveGameDataRequest{GameKey: "sticker_book", DataKey: "", DataValue: json.RawMessage(`{}`)})
	assert.True(t, domain.IsValidationError(err))

	_, err = f.svc.SaveChildData(ctx, f.childID, domain.SaveGameDataRequest{GameKey: "NOPE!", DataKey: "k", DataValue: json.RawMessage(`{}`)})
	assert.True(t, domain.IsValidationError(err))

	assert.Equal(t, 0, f.store.InstanceCount())
}

func TestChildScopedReads(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.GetChildData(ctx, f.childID, "sticker_book", "project_1")
	assert.ErrorIs(t, err, domain.ErrDataNotFound)

	list, err := f.svc.ListChildData(ctx, f.childID, "sticker_book", domain.DataFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.svc.ListChildData(ctx, f.childID, "unknown", domain.DataFilter{})
	assert.ErrorIs(t, err, domain.ErrGameNotFound)

	for _, req := range []domain.SaveGameDataRequest{
		{GameKey: "sticker_book", DataKey: "project_1", DataValue: json.RawMessage(`{}`)},
		{GameKey: "sticker_book", DataKey: "project_2", DataValue: json.RawMessage(`{}`)},
		{GameKey: "story_reader", DataKey: "bookmark", DataValue: json.RawMessage(`7`)},
	} {
		_, err := f.svc.SaveChildData(ctx, f.childID, req)
		require.NoError(t, err)
	}

	all, err := f.svc.ListChildData(ctx, f.childID, "", domain.DataFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	projects, err := f.svc.ListChildData(ctx, f.childID, "sticker_book", domain.DataFilter{KeyPrefix: "project_"})
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	got, err := f.svc.GetChildData(ctx, f.childID, "story_reader", "bookmark")
	require.NoError(t, err)
	assert.Equal(t, "7", string(got.DataValue))
}

func TestChildScopedDeletes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	deleted, err := f.svc.DeleteChildData(ctx, f.childID, "sticker_book", "project_1")
	require.NoError(t, err)
	assert.False(t, deleted)

	for _, key := range []string{"project_1", "project_2"} {
		_, err := f.svc.SaveChildData(ctx, f.childID, domain.SaveGameDataRequest{GameKey: "sticker_book", DataKey: key, DataValue: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	deleted, err = f.svc.DeleteChildData(ctx, f.childID, "sticker_book", "project_1")
	require.NoError(t, err)
	assert.True(t, deleted)

	count, err := f.svc.DeleteChildGameData(ctx, f.childID, "sticker_book")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = f.svc.DeleteChildGameData(ctx, f.childID, "story_reader")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	var deletes int
	for _, e := range f.notifier.Events() {
		if e.Deleted {
			deletes++
		}
	}
	assert.Equal(t, 2, deletes)
}

func TestSaveChildDataBatchContinuesPastFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.svc.SaveChildDataBatch(ctx, []domain.SaveCommand{
		{ChildID: f.childID, GameKey: "sticker_book", DataKey: "a", DataValue: json.RawMessage(`1`)},
		{ChildID: uuid.Nil, GameKey: "sticker_book", DataKey: "b", DataValue: json.RawMessage(`1`)},
		{ChildID: f.childID, GameKey: "unknown", DataKey: "c", DataValue: json.RawMessage(`1`)},
		{ChildID: f.childID, GameKey: "sticker_book", DataKey: "a", DataValue: json.RawMessage(`2`)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Saved: 2, Failed: 2}, result)

	rec, err := f.svc.GetChildData(ctx, f.childID, "sticker_book", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
}

func TestSaveChildDataBatchRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.SetBatchRetry(2, time.Millisecond)
	ctx := context.Background()

	f.store.FailNext("UpsertData", &domain.TransientError{Op: "upserting game data", Err: errors.New("conn reset")})
	result, err := f.svc.SaveChildDataBatch(ctx, []domain.SaveCommand{
		{ChildID: f.childID, GameKey: "sticker_book", DataKey: "a", DataValue: json.RawMessage(`1`)},
		{ChildID: f.childID, GameKey: "sticker_book", DataKey: "b", DataValue: json.RawMessage(`2`)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Saved: 2}, result)
	assert.Equal(t, 3, f.store.Calls("UpsertData"))

	rec, err := f.svc.GetChildData(ctx, f.childID, "sticker_book", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestSaveChildDataBatchStopsWhenRetriesRunOut(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.SetBatchRetry(2, time.Millisecond)
	ctx := context.Background()

	_, err := f.svc.SaveChildData(ctx, f.childID, domain.SaveGameDataRequest{GameKey: "sticker_book", DataKey: "warmup", DataValue: json.RawMessage(`0`)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.store.FailNext("UpsertData", &domain.TransientError{Op: "upserting game data", Err: errors.New("conn reset")})
	}
	result, err := f.svc.SaveChildDataBatch(ctx, []domain.SaveCommand{
		{ChildID: f.childID, GameKey: "sticker_book", DataKey: "a", DataValue: json.RawMessage(`1`)},
		{ChildID: f.childID, GameKey: "sticker_book", DataKey: "b", DataValue: json.RawMessage(`2`)},
	})
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
	assert.Equal(t, domain.BatchResult{}, result)

	// nothing after the failing command was attempted
	_, err = f.svc.GetChildData(ctx, f.childID, "sticker_book", "b")
	assert.ErrorIs(t, err, domain.ErrDataNotFound)
	assert.Equal(t, 4, f.store.Calls("UpsertData"))
}

func TestProvisionChild(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	childID := uuid.New()

	created, err := f.svc.ProvisionChild(ctx, childID)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.ProvisionChild(ctx, childID)
	require.NoError(t, err)
	assert.False(t, created)

	inst, created, err := f.svc.ProvisionInstance(ctx, childID, "story_reader", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.JSONEq(t, `{}`, string(inst.Settings))
}
