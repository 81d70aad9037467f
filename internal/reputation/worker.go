package reputation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProfileSource lists the profiles to snapshot. *Service implements it.
type ProfileSource interface {
	ListProfiles(ctx context.Context) ([]*Profile, error)
}

// Worker records a snapshot of every profile on a fixed interval so score
// history can be charted.
type Worker struct {
	source   ProfileSource
	store    SnapshotStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewWorker returns a Worker snapshotting source into store every interval.
func NewWorker(source ProfileSource, store SnapshotStore, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		source:   source,
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start snapshots immediately, then every interval, until ctx ends or Stop
// is called. It blocks.
func (w *Worker) Start(ctx context.Context) {
	w.snapshot(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.snapshot(ctx)
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

// Stop ends Start. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Worker) snapshot(ctx context.Context) {
	profiles, err := w.source.ListProfiles(ctx)
	switch {
	case err != nil:
		w.logger.Warn("reputation snapshot: list profiles", "error", err)
		return
	case len(profiles) == 0:
		return
	}

	at := w.now()
	batch := make([]*Snapshot, len(profiles))
	for i, p := range profiles {
		batch[i] = SnapshotFromProfile(p, at)
	}
	if err := w.store.SaveBatch(ctx, batch); err != nil {
		w.logger.Warn("reputation snapshot: save", "error", err, "count", len(batch))
		return
	}
	w.logger.Debug("reputation snapshot saved", "agents", len(batch))
}
