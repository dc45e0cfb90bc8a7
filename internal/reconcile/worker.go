package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Worker runs a Reconciler in the background: every interval, or sooner when
// triggered, it pushes pending edits and then pulls server changes.
type Worker struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	triggerCh  chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewWorker creates a new background sync worker
func NewWorker(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background sync loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started",
		"game_key", w.reconciler.GameKey(),
		"interval", w.interval,
	)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync loop and waits for it to exit
func (w *Worker) Stop() error {
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

	w.logger.Info("sync worker stopped")
	return nil
}

// Trigger asks for a sync pass as soon as possible, e.g. after a change
// notification or when connectivity returns
func (w *Worker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
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
		case <-w.triggerCh:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single sync pass followed by a refresh
func (w *Worker) RunOnce(ctx context.Context) {
	if _, err := w.reconciler.Sync(ctx); err != nil {
		w.logger.Error("sync pass interrupted", "error", err)
		return
	}
	if err := w.reconciler.Refresh(ctx); err != nil {
		w.logger.Warn("failed to refresh local cache", "error", err)
	}
}
