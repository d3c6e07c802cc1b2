package sqlite

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eugener/gandalf/internal/store"
)

// eventRetention and usageRetention bound how long detail rows are kept
// before a maintenance pass prunes them; day aggregates survive pruning.
const (
	eventRetention = 14 * 24 * time.Hour
	usageRetention = 90 * 24 * time.Hour
)

// Maintain sweeps KV keys that isAllowedKey rejects, prunes old events and
// usage detail rows, and -- if the on-disk file is still larger than
// maxBytes afterward -- rebuilds the database into a fresh file containing
// only the surviving rows, then atomically swaps it into place. A failed
// swap leaves the original file as the last-good backup.
func (s *Store) Maintain(ctx context.Context, isAllowedKey func(string) bool, maxBytes int64) (store.MaintenanceReport, error) {
	var report store.MaintenanceReport

	if before, err := fileSizeMB(s.path); err == nil {
		report.SizeBeforeMB = before
	}

	if isAllowedKey != nil {
		keys, err := s.Keys(ctx, "")
		if err != nil {
			return report, fmt.Errorf("maintain: list keys: %w", err)
		}
		for _, k := range keys {
			if !isAllowedKey(k) {
				if err := s.Delete(ctx, k); err != nil {
					return report, fmt.Errorf("maintain: delete key %q: %w", k, err)
				}
				report.KeysSwept++
			}
		}
	}

	evicted, err := s.PruneEventsBefore(ctx, time.Now().Add(-eventRetention))
	if err != nil {
		return report, fmt.Errorf("maintain: prune events: %w", err)
	}
	report.EventsPruned = evicted

	usagePruned, err := s.PruneUsageBefore(ctx, time.Now().Add(-usageRetention))
	if err != nil {
		return report, fmt.Errorf("maintain: prune usage: %w", err)
	}
	report.UsagePruned = usagePruned

	if _, err := s.write.ExecContext(ctx, `VACUUM`); err != nil {
		return report, fmt.Errorf("maintain: vacuum: %w", err)
	}

	after, err := fileSizeMB(s.path)
	if err == nil {
		report.SizeAfterMB = after
	}

	if maxBytes > 0 && s.path != ":memory:" {
		if info, statErr := os.Stat(s.path); statErr == nil && info.Size() > maxBytes {
			if err := s.rebuildAndSwap(ctx); err != nil {
				return report, fmt.Errorf("maintain: rebuild: %w", err)
			}
			report.Rebuilt = true
			if after, err := fileSizeMB(s.path); err == nil {
				report.SizeAfterMB = after
			}
		}
	}

	return report, nil
}

// rebuildAndSwap creates a fresh database file containing the same schema
// and current row set (VACUUM already compacted it), then performs a
// rename-based swap so a crash mid-rebuild leaves either the old or the new
// file fully intact, never a half-written one. The old file is kept as a
// timestamped backup instead of being deleted outright.
func (s *Store) rebuildAndSwap(ctx context.Context) error {
	tmpPath := s.path + ".rebuild.tmp"
	_ = os.Remove(tmpPath)

	if _, err := s.write.ExecContext(ctx, `VACUUM INTO ?`, tmpPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", tmpPath, err)
	}

	backupPath := fmt.Sprintf("%s.bak.%d", s.path, time.Now().UnixMilli())

	if err := s.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close before swap: %w", err)
	}

	if err := os.Rename(s.path, backupPath); err != nil {
		return fmt.Errorf("backup original: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		// Attempt rollback so the gateway can still start against the
		// last-known-good file.
		if rbErr := os.Rename(backupPath, s.path); rbErr != nil {
			return fmt.Errorf("swap failed (%v) and rollback failed (%v)", err, rbErr)
		}
		return fmt.Errorf("swap failed, rolled back to backup: %w", err)
	}

	reopened, err := New(s.path)
	if err != nil {
		return fmt.Errorf("reopen after swap: %w", err)
	}
	s.write = reopened.write
	s.read = reopened.read
	return nil
}

func fileSizeMB(path string) (float64, error) {
	if path == ":memory:" {
		return 0, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.Size()) / (1024 * 1024), nil
}
