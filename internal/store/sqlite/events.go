package sqlite

import (
	"context"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// InsertEvent appends one operational event row.
func (s *Store) InsertEvent(ctx context.Context, e gateway.EventRecord) error {
	fields := e.Fields
	if len(fields) == 0 {
		fields = []byte("{}")
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO events (id, unix_ms, provider, level, code, message, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UnixMs, e.Provider, string(e.Level), e.Code, e.Message, string(fields))
	return err
}

// RecentEvents returns the most recent events, newest first, capped at limit.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]gateway.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, unix_ms, provider, level, code, message, fields
		FROM events ORDER BY unix_ms DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.EventRecord
	for rows.Next() {
		var e gateway.EventRecord
		var level, fields string
		if err := rows.Scan(&e.ID, &e.UnixMs, &e.Provider, &level, &e.Code, &e.Message, &fields); err != nil {
			return nil, err
		}
		e.Level = gateway.EventLevel(level)
		e.Fields = []byte(fields)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEventsBefore deletes events older than cutoff, returning the count removed.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM events WHERE unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
