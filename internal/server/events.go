package server

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	gateway "github.com/eugener/gandalf/internal"
)

// logEvent appends an operational event to the store (best-effort) and
// mirrors it to the structured logger. A nil store (tests, early boot) just
// logs.
func (s *server) logEvent(ctx context.Context, level gateway.EventLevel, code, provider, message string) {
	slog.LogAttrs(ctx, levelToSlog(level), message,
		slog.String("code", code),
		slog.String("provider", provider),
	)
	if s.deps.Store == nil {
		return
	}
	rec := gateway.EventRecord{
		ID:       uuid.Must(uuid.NewV7()).String(),
		UnixMs:   s.now().UnixMilli(),
		Provider: provider,
		Level:    level,
		Code:     code,
		Message:  message,
	}
	if err := s.deps.Store.InsertEvent(ctx, rec); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "event insert failed", slog.String("error", err.Error()))
	}
}

func levelToSlog(l gateway.EventLevel) slog.Level {
	switch l {
	case gateway.LevelError:
		return slog.LevelError
	case gateway.LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
