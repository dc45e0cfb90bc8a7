package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gamedata-sync/internal/domain"
)

// Store persists catalog entries
type Store interface {
	CreateGame(ctx context.Context, def domain.GameDefinition) (*domain.GameDefinition, error)
	ListGames(ctx context.Context) ([]domain.GameDefinition, error)
	SetGameActive(ctx context.Context, gameKey string, active bool) (*domain.GameDefinition, error)
}

// Registry is the game catalog. Reads are served from memory and never touch
// the store; writes go to the store first and are then published.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	byKey  map[string]domain.GameDefinition
	active []domain.GameDefinition
	// gen counts published writes so a reload can tell whether its snapshot
	// was overtaken while it was being read
	gen uint64
}

const reloadAttempts = 3

// New creates an empty registry. Call Reload to populate it.
func New(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		byKey:  make(map[string]domain.GameDefinition),
	}
}

// Register validates and adds a game definition to the catalog
func (r *Registry) Register(ctx context.Context, def domain.GameDefinition) (*domain.GameDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	_, exists := r.byKey[def.GameKey]
	r.mu.RUnlock()
	if exists {
		return nil, duplicateKey(def.GameKey)
	}

	created, err := r.store.CreateGame(ctx, def)
	if err != nil {
		if errors.Is(err, domain.ErrGameExists) {
			return nil, duplicateKey(def.GameKey)
		}
		return nil, fmt.Errorf("storing game definition: %w", err)
	}

	r.publish(*created)

	r.logger.Info("game registered",
		"game_key", created.GameKey,
		"active", created.IsActive,
	)

	out := clone(*created)
	return &out, nil
}

// GetByKey returns the definition for gameKey, active or not
func (r *Registry) GetByKey(gameKey string) (*domain.GameDefinition, error) {
	r.mu.RLock()
	def, ok := r.byKey[gameKey]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrGameNotFound
	}

	out := clone(def)
	return &out, nil
}

// GetActive returns the definition for gameKey only if it is active
func (r *Registry) GetActive(gameKey string) (*domain.GameDefinition, error) {
	def, err := r.GetByKey(gameKey)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, domain.ErrGameNotFound
	}
	return def, nil
}

// ListActive returns the active games ordered by display name
func (r *Registry) ListActive() []domain.GameDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.GameDefinition, len(r.active))
	for i, def := range r.active {
		out[i] = clone(def)
	}
	return out
}

// SetActive toggles whether a game is offered to children
func (r *Registry) SetActive(ctx context.Context, gameKey string, active bool) (*domain.GameDefinition, error) {
	updated, err := r.store.SetGameActive(ctx, gameKey, active)
	if err != nil {
		return nil, err
	}

	r.publish(*updated)

	r.logger.Info("game activation changed",
		"game_key", gameKey,
		"active", active,
	)

	out := clone(*updated)
	return &out, nil
}

// Reload replaces the in-memory catalog with the stored one. A write
// published while the store was being read may be missing from the
// snapshot, so the read is repeated; after reloadAttempts overtaken reads the
// current catalog is kept and an error returned.
func (r *Registry) Reload(ctx context.Context) error {
	for attempt := 1; attempt <= reloadAttempts; attempt++ {
		r.mu.RLock()
		gen := r.gen
		r.mu.RUnlock()

		games, err := r.store.ListGames(ctx)
		if err != nil {
			return fmt.Errorf("loading game catalog: %w", err)
		}

		byKey := make(map[string]domain.GameDefinition, len(games))
		for _, def := range games {
			byKey[def.GameKey] = def
		}

		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			r.logger.Debug("game catalog changed during reload, retrying", "attempt", attempt)
			continue
		}
		r.byKey = byKey
		r.active = activeSorted(byKey)
		r.mu.Unlock()

		r.logger.Debug("game catalog reloaded", "games", len(byKey))
		return nil
	}
	return fmt.Errorf("loading game catalog: overtaken by concurrent writes %d times", reloadAttempts)
}

// Len returns the number of catalog entries, active or not
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

func (r *Registry) publish(def domain.GameDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[def.GameKey] = def
	r.active = activeSorted(r.byKey)
	r.gen++
}

func activeSorted(byKey map[string]domain.GameDefinition) []domain.GameDefinition {
	active := make([]domain.GameDefinition, 0, len(byKey))
	for _, def := range byKey {
		if def.IsActive {
			active = append(active, def)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].DisplayName != active[j].DisplayName {
			return active[i].DisplayName < active[j].DisplayName
		}
		return active[i].GameKey < active[j].GameKey
	})
	return active
}

// clone copies the default config so callers cannot mutate catalog state
func clone(def domain.GameDefinition) domain.GameDefinition {
	if def.DefaultConfig != nil {
		def.DefaultConfig = append([]byte(nil), def.DefaultConfig...)
	}
	return def
}

func duplicateKey(gameKey string) error {
	return &domain.ValidationError{
		Field:   "gameKey",
		Message: fmt.Sprintf("%q is already registered", gameKey),
		Err:     domain.ErrGameExists,
	}
}
