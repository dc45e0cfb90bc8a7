// Package worker runs background maintenance for the game data server.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reloader rebuilds an in-memory view from durable storage
type Reloader interface {
	Reload(ctx context.Context) error
	Len() int
}

// RegistryRefresher periodically reloads the game catalog so games
// registered or toggled by other replicas become visible
type RegistryRefresher struct {
	registry Reloader
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewRegistryRefresher creates a new refresher
func NewRegistryRefresher(registry Reloader, interval time.Duration, logger *slog.Logger) *RegistryRefresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RegistryRefresher{
		registry: registry,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background refresh loop
func (w *RegistryRefresher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("registry refresher started", "interval", w.interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background refresh loop
func (w *RegistryRefresher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("registry refresher stopped")
	return nil
}

func (w *RegistryRefresher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// IsRunning returns whether the refresher is currently running
func (w *RegistryRefresher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce reloads the catalog. A failed reload keeps the previous snapshot.
func (w *RegistryRefresher) RunOnce(ctx context.Context) {
	start := time.Now()
	if err := w.registry.Reload(ctx); err != nil {
		w.logger.Error("failed to reload game registry", "error", err)
		return
	}
	w.logger.Debug("game registry reloaded",
		"games", w.registry.Len(),
		"duration", time.Since(start),
	)
}
