package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func definition(key, name string, active bool) domain.GameDefinition {
	req := domain.RegisterGameRequest{
		GameKey:       key,
		DisplayName:   name,
		MinAgeMonths:  24,
		MaxAgeMonths:  96,
		DefaultConfig: json.RawMessage(`{"difficulty":"easy"}`),
		IsActive:      &active,
	}
	return req.ToDefinition()
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New(storetest.New(), testLogger())
	ctx := context.Background()

	created, err := reg.Register(ctx, definition("sticker_book", "Sticker Book", true))
	require.NoError(t, err)
	assert.Equal(t, "sticker_book", created.GameKey)

	got, err := reg.GetByKey("sticker_book")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.JSONEq(t, `{"difficulty":"easy"}`, string(got.DefaultConfig))

	_, err = reg.GetByKey("missing")
	assert.ErrorIs(t, err, domain.ErrGameNotFound)
	assert.True(t, domain.IsNotFoundError(err))
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	reg := New(storetest.New(), testLogger())
	ctx := context.Background()

	_, err := reg.Register(ctx, definition("story_reader", "Story Reader", true))
	require.NoError(t, err)

	_, err = reg.Register(ctx, definition("story_reader", "Another", true))
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.ErrorIs(t, err, domain.ErrGameExists)
}

func TestRegisterRejectsDuplicateFromStore(t *testing.T) {
	store := storetest.New()
	reg := New(store, testLogger())
	ctx := context.Background()

	// Registered by another replica; this registry has not reloaded yet.
	_, err := store.CreateGame(ctx, definition("puzzle", "Puzzle", true))
	require.NoError(t, err)

	_, err = reg.Register(ctx, definition("puzzle", "Puzzle", true))
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

func TestRegisterRejectsInvalidAgeRange(t *testing.T) {
	reg := New(storetest.New(), testLogger())
	def := definition("counting", "Counting", true)
	def.MinAgeMonths = 100
	def.MaxAgeMonths = 50

	_, err := reg.Register(context.Background(), def)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Equal(t, 0, reg.Len())
}

func TestRegisterStoreFailure(t *testing.T) {
	store := storetest.New()
	store.FailNext("CreateGame", &domain.TransientError{Op: "creating game", Err: errors.New("conn reset")})
	reg := New(store, testLogger())

	_, err := reg.Register(context.Background(), definition("drawing", "Drawing", true))
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))

	_, err = reg.GetByKey("drawing")
	assert.ErrorIs(t, err, domain.ErrGameNotFound)
}

func TestListActiveOrderedByDisplayName(t *testing.T) {
	reg := New(storetest.New(), testLogger())
	ctx := context.Background()

	for _, def := range []domain.GameDefinition{
		definition("zoo", "Zoo Friends", true),
		definition("abc", "Alphabet", true),
		definition("hidden", "Beta Game", false),
		definition("music", "Music Box", true),
	} {
		_, err := reg.Register(ctx, def)
		require.NoError(t, err)
	}

	var names []string
	for _, def := range reg.ListActive() {
		names = append(names, def.DisplayName)
	}
	assert.Equal(t, []string{"Alphabet", "Music Box", "Zoo Friends"}, names)

	// Restartable: a second listing yields the same sequence.
	assert.Len(t, reg.ListActive(), 3)
}

func TestSetActiveAndGetActive(t *testing.T) {
	reg := New(storetest.New(), testLogger())
	ctx := context.Background()

	_, err := reg.Register(ctx, definition("maze", "Maze", true))
	require.NoError(t, err)

	_, err = reg.SetActive(ctx, "maze", false)
	require.NoError(t, err)

	_, err = reg.GetActive("maze")
	assert.ErrorIs(t, err, domain.ErrGameNotFound)
	assert.Empty(t, reg.ListActive())

	def, err := reg.GetByKey("maze")
	require.NoError(t, err)
	assert.False(t, def.IsActive)

	_, err = reg.SetActive(ctx, "unknown", true)
	assert.ErrorIs(t, err, domain.ErrGameNotFound)
}

func TestReloadReplacesCatalog(t *testing.T) {
	store := storetest.New()
	ctx := context.Background()
	_, err := store.CreateGame(ctx, definition("a", "A", true))
	require.NoError(t, err)
	_, err = store.CreateGame(ctx, definition("b", "B", false))
	require.NoError(t, err)

	reg := New(store, testLogger())
	require.NoError(t, reg.Reload(ctx))

	assert.Equal(t, 2, reg.Len())
	assert.Len(t, reg.ListActive(), 1)
}

// racingStore publishes a write through the registry after each catalog read
// and before the read is returned, like a concurrent request would
type racingStore struct {
	*storetest.Store
	reg    *Registry
	racing int
	reads  int
}

func (s *racingStore) ListGames(ctx context.Context) ([]domain.GameDefinition, error) {
	games, err := s.Store.ListGames(ctx)
	s.reads++
	if err == nil && s.reads <= s.racing {
		key := fmt.Sprintf("late%d", s.reads)
		if _, regErr := s.reg.Register(ctx, definition(key, key, true)); regErr != nil {
			return nil, regErr
		}
	}
	return games, err
}

func TestReloadKeepsWritesPublishedDuringRead(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: storetest.New(), racing: 1}
	_, err := store.CreateGame(ctx, definition("a", "A", true))
	require.NoError(t, err)

	reg := New(store, testLogger())
	store.reg = reg
	require.NoError(t, reg.Reload(ctx))

	assert.Equal(t, 2, store.reads)
	assert.Equal(t, 2, reg.Len())
	_, err = reg.GetActive("late1")
	assert.NoError(t, err)
}

func TestReloadGivesUpWhenAlwaysOvertaken(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: storetest.New(), racing: reloadAttempts}
	reg := New(store, testLogger())
	store.reg = reg

	err := reg.Reload(ctx)
	require.Error(t, err)
	assert.Equal(t, reloadAttempts, store.reads)

	// published writes survive the abandoned reload
	assert.Equal(t, reloadAttempts, reg.Len())
}

func TestReturnedDefinitionsAreCopies(t *testing.T) {
	reg := New(storetest.New(), testLogger())
	_, err := reg.Register(context.Background(), definition("copy", "Copy", true))
	require.NoError(t, err)

	got, err := reg.GetByKey("copy")
	require.NoError(t, err)
	got.DefaultConfig[0] = 'X'
	got.DisplayName = "mutated"

	again, err := reg.GetByKey("copy")
	require.NoError(t, err)
	assert.Equal(t, "Copy", again.DisplayName)
	assert.JSONEq(t, `{"difficulty":"easy"}`, string(again.DefaultConfig))
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	reg := New(storetest.New(), testLogger())
	ctx := context.Background()
	_, err := reg.Register(ctx, definition("base", "Base", true))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := reg.GetByKey("base")
				assert.NoError(t, err)
				reg.ListActive()
			}
		}()
	}
	for i := 0; i < 20; i++ {
		_, err := reg.SetActive(ctx, "base", i%2 == 0)
		require.NoError(t, err)
	}
	wg.Wait()
}
