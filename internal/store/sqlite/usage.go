package sqlite

import (
	"context"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/store"
)

// LocalDayKey formats unixMs as a YYYY-MM-DD key in local time, matching
// the original usage tracker's day bucketing (local time, not UTC, since
// usage is reported to a human operator watching their own clock).
func LocalDayKey(unixMs int64) string {
	t := time.UnixMilli(unixMs)
	if t.IsZero() {
		return "1970-01-01"
	}
	return t.Local().Format("2006-01-02")
}

// InsertUsage appends one usage record and folds it into that day's
// per-provider aggregate in the same transaction.
func (s *Store) InsertUsage(ctx context.Context, r gateway.UsageRecord) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.UnixMilli(r.UnixMs)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, provider, api_key_ref, model, origin, input_tokens, output_tokens,
			 total_tokens, cache_creation_input_tokens, cache_read_input_tokens, created_at, unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Provider, r.APIKeyRef, r.Model, string(r.Origin),
		r.InputTokens, r.OutputTokens, r.TotalTokens,
		r.CacheCreationInputTokens, r.CacheReadInputTokens,
		createdAt.UTC().Format(time.RFC3339), r.UnixMs)
	if err != nil {
		return err
	}

	day := LocalDayKey(r.UnixMs)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_day_totals
			(day, provider, request_count, input_tokens, output_tokens, total_tokens,
			 cache_creation_input_tokens, cache_read_input_tokens, updated_at_unix_ms)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day, provider) DO UPDATE SET
			request_count = request_count + 1,
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			cache_creation_input_tokens = cache_creation_input_tokens + excluded.cache_creation_input_tokens,
			cache_read_input_tokens = cache_read_input_tokens + excluded.cache_read_input_tokens,
			updated_at_unix_ms = excluded.updated_at_unix_ms
	`, day, r.Provider, r.InputTokens, r.OutputTokens, r.TotalTokens,
		r.CacheCreationInputTokens, r.CacheReadInputTokens, r.UnixMs)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DayTotals returns the per-provider aggregate rows for the given local day key.
func (s *Store) DayTotals(ctx context.Context, day string) ([]store.UsageDayTotals, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT day, provider, request_count, input_tokens, output_tokens, total_tokens,
		       cache_creation_input_tokens, cache_read_input_tokens, updated_at_unix_ms
		FROM usage_day_totals WHERE day = ?
	`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.UsageDayTotals
	for rows.Next() {
		var t store.UsageDayTotals
		if err := rows.Scan(&t.Day, &t.Provider, &t.RequestCount, &t.InputTokens, &t.OutputTokens,
			&t.TotalTokens, &t.CacheCreationInputTokens, &t.CacheReadInputTokens, &t.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDays returns the most recent local day keys with usage, newest first.
func (s *Store) ListDays(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 31
	}
	rows, err := s.read.QueryContext(ctx, `
		SELECT DISTINCT day FROM usage_day_totals ORDER BY day DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneUsageBefore deletes individual usage_records rows older than cutoff.
// Day aggregates are left in place -- they're small and are the durable
// summary once the detail rows age out.
func (s *Store) PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM usage_records WHERE unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
