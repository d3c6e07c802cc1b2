package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/gandalf/internal/store"
)

// MaintainableStore is the subset of store.Store consumed by
// StoreMaintenanceWorker.
type MaintainableStore interface {
	Maintain(ctx context.Context, isAllowedKey func(string) bool, maxBytes int64) (store.MaintenanceReport, error)
}

// StoreMaintenanceWorker periodically sweeps disallowed KV keys, prunes
// events/usage past their retention windows, and rebuilds the store file if
// it is still over budget afterwards.
type StoreMaintenanceWorker struct {
	store        MaintainableStore
	isAllowedKey func(string) bool
	maxBytes     int64
	every        time.Duration
}

// NewStoreMaintenanceWorker creates a StoreMaintenanceWorker.
func NewStoreMaintenanceWorker(s MaintainableStore, isAllowedKey func(string) bool, maxBytes int64, every time.Duration) *StoreMaintenanceWorker {
	if every <= 0 {
		every = time.Hour
	}
	return &StoreMaintenanceWorker{store: s, isAllowedKey: isAllowedKey, maxBytes: maxBytes, every: every}
}

// Name returns the worker identifier.
func (w *StoreMaintenanceWorker) Name() string { return "store_maintenance" }

// Run maintains the store on startup, then on w.every until ctx is cancelled.
func (w *StoreMaintenanceWorker) Run(ctx context.Context) error {
	w.maintain(ctx)

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.maintain(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *StoreMaintenanceWorker) maintain(ctx context.Context) {
	report, err := w.store.Maintain(ctx, w.isAllowedKey, w.maxBytes)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "store maintenance failed", slog.String("error", err.Error()))
		return
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "store maintenance completed",
		slog.Int("keys_swept", report.KeysSwept),
		slog.Int64("events_pruned", report.EventsPruned),
		slog.Int64("usage_pruned", report.UsagePruned),
		slog.Bool("rebuilt", report.Rebuilt),
		slog.Float64("size_before_mb", report.SizeBeforeMB),
		slog.Float64("size_after_mb", report.SizeAfterMB),
	)
}
