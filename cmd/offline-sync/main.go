package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gamedata-sync/internal/client"
	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/reconcile"
	"github.com/google/uuid"
)

// putFlags collects repeated -put key=json arguments
type putFlags []string

func (p *putFlags) String() string { return strings.Join(*p, ",") }

func (p *putFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected key=json, got %q", v)
	}
	*p = append(*p, v)
	return nil
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Game data server URL")
	child := flag.String("child", "", "Child ID")
	gameKey := flag.String("game", "", "Game key")
	cachePath := flag.String("cache", "", "Local cache file (default: ./<child>-<game>.json)")
	watch := flag.Bool("watch", false, "Keep syncing in the background and follow server changes")
	interval := flag.Duration("interval", 30*time.Second, "Sync interval in watch mode")
	debug := flag.Bool("debug", false, "Enable debug logging")
	var puts putFlags
	flag.Var(&puts, "put", "Record a local edit as key=json (repeatable)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	childID, err := uuid.Parse(*child)
	if err != nil {
		logger.Error("invalid -child", "error", err)
		os.Exit(2)
	}
	if err := domain.ValidateGameKey(*gameKey); err != nil {
		logger.Error("invalid -game", "error", err)
		os.Exit(2)
	}
	if *cachePath == "" {
		*cachePath = fmt.Sprintf("%s-%s.json", childID, *gameKey)
	}

	api := client.New(*server, childID, nil, logger)
	r := reconcile.New(api, *gameKey, reconcile.Options{}, logger)

	if err := loadState(*cachePath, r); err != nil {
		logger.Error("failed to load local cache", "path", *cachePath, "error", err)
		os.Exit(1)
	}

	for _, p := range puts {
		key, value, _ := strings.Cut(p, "=")
		if err := r.Put(key, json.RawMessage(value)); err != nil {
			logger.Error("rejected local edit", "data_key", key, "error", err)
			os.Exit(2)
		}
	}
	// Persist edits before touching the network so they survive a failed sync
	if err := saveState(*cachePath, r); err != nil {
		logger.Error("failed to save local cache", "path", *cachePath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *watch {
		runWatch(ctx, api, r, *interval, *cachePath, logger)
		return
	}

	if err := r.Refresh(ctx); err != nil {
		logger.Warn("refresh failed", "error", err)
	}
	report, err := r.Sync(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
	}
	if err := saveState(*cachePath, r); err != nil {
		logger.Error("failed to save local cache", "path", *cachePath, "error", err)
		os.Exit(1)
	}

	printReport(report, r)
	if err != nil || len(report.Failed) > 0 {
		os.Exit(1)
	}
}

// runWatch syncs on a timer and whenever the server announces a change for
// this game, until ctx is cancelled
func runWatch(ctx context.Context, api *client.Client, r *reconcile.Reconciler, interval time.Duration, statePath string, logger *slog.Logger) {
	w := reconcile.NewWorker(r, interval, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start sync worker", "error", err)
		os.Exit(1)
	}
	w.Trigger()

	feed := backoff.NewExponentialBackOff()
	feed.MaxElapsedTime = 0
	feed.MaxInterval = time.Minute

	go func() {
		_ = backoff.Retry(func() error {
			err := api.WatchChanges(ctx, func(event domain.ChangeEvent) {
				if event.GameKey == r.GameKey() {
					w.Trigger()
				}
			})
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logger.Warn("change feed disconnected", "error", err)
			return err
		}, backoff.WithContext(feed, ctx))
	}()

	<-ctx.Done()
	if err := w.Stop(); err != nil {
		logger.Error("failed to stop sync worker", "error", err)
	}
	if err := saveState(statePath, r); err != nil {
		logger.Error("failed to save local cache", "path", statePath, "error", err)
	}
}

func loadState(path string, r *reconcile.Reconciler) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []reconcile.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	r.Restore(entries)
	return nil
}

// saveState writes the cache through a temp file so a crash never leaves a
// truncated cache behind
func saveState(path string, r *reconcile.Reconciler) error {
	raw, err := json.MarshalIndent(r.Entries(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".offline-sync-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func printReport(report reconcile.Report, r *reconcile.Reconciler) {
	fmt.Printf("pushed %d, skipped %d, conflicts %d, failed %d\n",
		report.Pushed, report.Skipped, len(report.Conflicts), len(report.Failed))
	for _, c := range report.Conflicts {
		fmt.Printf("  conflict %s: last synced v%d, server v%d, %s\n",
			c.DataKey, c.LastSyncedVersion, c.ServerVersion, c.Resolution)
	}
	for _, f := range report.Failed {
		fmt.Printf("  failed %s: %v\n", f.DataKey, f.Err)
	}
	for _, e := range r.Entries() {
		fmt.Printf("  %-24s v%-4d %-10s %s\n", e.DataKey, e.LastSyncedVersion, e.State, e.Value)
	}
}
