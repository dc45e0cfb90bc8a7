// Package reconcile merges a device's offline edits into the server's game
// data when connectivity returns. Each key is reconciled independently
// against its last synced version; concurrent edits on both sides are
// resolved last-writer-wins by updatedAt and logged.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Conflict resolutions
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionServerWins = "server_wins"
)

// Remote is the server side of one child's game data. Fetch returns
// domain.ErrDataNotFound when the key does not exist. Transient failures are
// reported as *domain.TransientError.
type Remote interface {
	Fetch(ctx context.Context, gameKey, dataKey string) (*domain.GameDataRecord, error)
	Save(ctx context.Context, gameKey, dataKey string, value json.RawMessage) (*domain.GameDataRecord, error)
	List(ctx context.Context, gameKey string) ([]domain.GameDataRecord, error)
}

// Options tunes a Reconciler
type Options struct {
	// Concurrency bounds how many keys sync at once.
	Concurrency int
	// CallTimeout bounds each remote call.
	CallTimeout time.Duration
	// RetryInitialInterval and RetryMaxElapsed shape the backoff applied to
	// transient read failures.
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	// Now supplies local edit times.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 200 * time.Millisecond
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// KeyFailure reports a key that could not be synced in a pass
type KeyFailure struct {
	DataKey string
	Err     error
}

// Report summarizes one Sync pass
type Report struct {
	Pushed    int
	Conflicts []*domain.ConflictError
	Failed    []KeyFailure
	Skipped   int
}

// Reconciler keeps the local cache of one child's data for one game
type Reconciler struct {
	remote  Remote
	gameKey string
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	syncMu  sync.Mutex
}

// New creates a reconciler with an empty local cache
func New(remote Remote, gameKey string, opts Options, logger *slog.Logger) *Reconciler {
	opts.applyDefaults()
	return &Reconciler{
		remote:  remote,
		gameKey: gameKey,
		opts:    opts,
		logger:  logger.With("game_key", gameKey),
		entries: make(map[string]*Entry),
	}
}

// GameKey returns the game this reconciler serves
func (r *Reconciler) GameKey() string {
	return r.gameKey
}

// Put records a local edit. The key becomes dirty until the next Sync
// pushes it.
func (r *Reconciler) Put(dataKey string, value json.RawMessage) error {
	if err := domain.ValidateDataKey(dataKey, 0); err != nil {
		return err
	}
	if err := domain.ValidateDataValue(value, 0); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[dataKey]
	if !ok {
		e = &Entry{DataKey: dataKey}
		r.entries[dataKey] = e
	}
	e.Value = append(json.RawMessage(nil), value...)
	e.UpdatedAt = r.opts.Now()
	e.rev++
	if e.State != StateSyncing && e.State != StateConflicted {
		e.State = StateDirty
	}
	return nil
}

// Get returns a copy of the local entry for dataKey
func (r *Reconciler) Get(dataKey string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[dataKey]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Entries returns a snapshot of every local entry ordered by key
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DataKey < out[j].DataKey })
	return out
}

// Restore replaces the local cache, e.g. after loading it from disk. Entries
// that were in flight when saved are treated as dirty.
func (r *Reconciler) Restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*Entry, len(entries))
	for _, e := range entries {
		e := e.clone()
		switch e.State {
		case StateClean, StateDirty, StateConflicted:
		default:
			e.State = StateDirty
		}
		r.entries[e.DataKey] = &e
	}
}

// Refresh pulls the server's records into the local cache. Clean entries are
// updated and unseen keys are added as clean; pending local edits are left
// for Sync.
func (r *Reconciler) Refresh(ctx context.Context) error {
	var records []domain.GameDataRecord
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.remote.List(ctx, r.gameKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing server records: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for _, rec := range records {
		e, ok := r.entries[rec.DataKey]
		if !ok {
			r.entries[rec.DataKey] = &Entry{
				DataKey:           rec.DataKey,
				Value:             append(json.RawMessage(nil), rec.DataValue...),
				State:             StateClean,
				LastSyncedVersion: rec.Version,
				UpdatedAt:         rec.UpdatedAt,
			}
			updated++
			continue
		}
		if e.State == StateClean && e.LastSyncedVersion != rec.Version {
			e.Value = append(json.RawMessage(nil), rec.DataValue...)
			e.LastSyncedVersion = rec.Version
			e.UpdatedAt = rec.UpdatedAt
			updated++
		}
	}

	r.logger.Debug("local cache refreshed", "server_records", len(records), "updated", updated)
	return nil
}

// Sync pushes every pending key. Keys are reconciled independently and
// concurrently; a failure or conflict on one key never blocks another. A key
// whose push fails stays pending and is re-fetched first on the next pass.
func (r *Reconciler) Sync(ctx context.Context) (Report, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	var report Report
	var pending []string

	r.mu.Lock()
	for key, e := range r.entries {
		if e.pending() {
			pending = append(pending, key)
		} else {
			report.Skipped++
		}
	}
	r.mu.Unlock()
	sort.Strings(pending)

	var reportMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)

	for _, key := range pending {
		key := key
		g.Go(func() error {
			conflict, err := r.syncKey(ctx, key)

			reportMu.Lock()
			defer reportMu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, KeyFailure{DataKey: key, Err: err})
				metrics.RecordSyncOutcome("failed")
			case conflict != nil:
				report.Conflicts = append(report.Conflicts, conflict)
				metrics.RecordSyncOutcome("conflict")
			default:
				report.Pushed++
				metrics.RecordSyncOutcome("pushed")
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].DataKey < report.Failed[j].DataKey })
	sort.Slice(report.Conflicts, func(i, j int) bool { return report.Conflicts[i].DataKey < report.Conflicts[j].DataKey })

	r.logger.Info("sync pass completed",
		"pushed", report.Pushed,
		"conflicts", len(report.Conflicts),
		"failed", len(report.Failed),
		"skipped", report.Skipped,
	)
	return report, ctx.Err()
}

// syncKey reconciles one pending key. It returns the conflict it resolved,
// if any.
func (r *Reconciler) syncKey(ctx context.Context, key string) (*domain.ConflictError, error) {
	snap, ok := r.begin(key)
	if !ok {
		return nil, nil
	}

	var server *domain.GameDataRecord
	err := r.retry(ctx, func(ctx context.Context) error {
		rec, err := r.remote.Fetch(ctx, r.gameKey, key)
		if errors.Is(err, domain.ErrDataNotFound) {
			server = nil
			return nil
		}
		server = rec
		return err
	})
	if err != nil {
		r.abort(key, snap.State)
		return nil, fmt.Errorf("fetching server record: %w", err)
	}

	// Nobody else wrote the key since our last sync: push ours.
	if server == nil || server.Version == snap.LastSyncedVersion {
		rec, err := r.push(ctx, key, snap.Value)
		if err != nil {
			r.abort(key, snap.State)
			return nil, err
		}
		r.commit(key, snap.rev, rec, nil)
		return nil, nil
	}

	// The server already holds our value, typically from a push whose
	// response was lost. Adopt its version without writing again.
	if domain.EqualJSON(server.DataValue, snap.Value) {
		r.commit(key, snap.rev, server, nil)
		return nil, nil
	}

	// Both sides changed the key. The later edit wins and is written back so
	// the server version moves past both.
	conflict := &domain.ConflictError{
		InstanceID:        server.InstanceID.String(),
		DataKey:           key,
		LastSyncedVersion: snap.LastSyncedVersion,
		ServerVersion:     server.Version,
		Resolution:        ResolutionServerWins,
	}
	winner := server.DataValue
	if snap.UpdatedAt.After(server.UpdatedAt) {
		conflict.Resolution = ResolutionLocalWins
		winner = snap.Value
	}

	r.logger.Warn("divergent edits detected",
		"instance_id", conflict.InstanceID,
		"data_key", key,
		"last_synced_version", conflict.LastSyncedVersion,
		"server_version", conflict.ServerVersion,
		"local_updated_at", snap.UpdatedAt,
		"server_updated_at", server.UpdatedAt,
		"resolution", conflict.Resolution,
	)

	rec, err := r.push(ctx, key, winner)
	if err != nil {
		if conflict.Resolution == ResolutionServerWins {
			// The server already holds the winning value; adopt it.
			r.commit(key, snap.rev, server, server.DataValue)
			return conflict, nil
		}
		r.abort(key, StateConflicted)
		return nil, err
	}

	var adopt json.RawMessage
	if conflict.Resolution == ResolutionServerWins {
		adopt = server.DataValue
	}
	r.commit(key, snap.rev, rec, adopt)
	return conflict, nil
}

// begin marks a pending key as syncing and returns a snapshot of it
func (r *Reconciler) begin(key string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || !e.pending() {
		return Entry{}, false
	}
	snap := e.clone()
	e.State = StateSyncing
	return snap, true
}

// abort returns a key to a pending state after a failed attempt
func (r *Reconciler) abort(key string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		if state != StateConflicted {
			state = StateDirty
		}
		e.State = state
	}
}

// commit records a server-confirmed version. adopt replaces the local value
// when the server's content won. If the key was edited again while in
// flight, the newer edit stays pending against the confirmed version.
func (r *Reconciler) commit(key string, rev int, rec *domain.GameDataRecord, adopt json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.LastSyncedVersion = rec.Version
	if e.rev != rev {
		e.State = StateDirty
		return
	}
	if adopt != nil {
		e.Value = append(json.RawMessage(nil), adopt...)
	}
	e.UpdatedAt = rec.UpdatedAt
	e.State = StateClean
}

// push saves a value. Saves are not retried: a save that timed out may have
// committed, so the next pass re-fetches before writing again.
func (r *Reconciler) push(ctx context.Context, key string, value json.RawMessage) (*domain.GameDataRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	rec, err := r.remote.Save(callCtx, r.gameKey, key, value)
	if err != nil {
		return nil, fmt.Errorf("saving to server: %w", err)
	}
	return rec, nil
}

// retry runs an idempotent remote read, backing off on transient failures
func (r *Reconciler) retry(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.RetryInitialInterval
	policy.MaxElapsedTime = r.opts.RetryMaxElapsed

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()

		err := op(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !domain.IsTransientError(err) {
			return backoff.Permanent(err)
		}
		r.logger.Debug("transient remote failure, retrying", "error", err)
		return err
	}, backoff.WithContext(policy, ctx))
}
