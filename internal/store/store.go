// Package store defines the persistence interfaces for the gateway: a
// small key/value layer for hot router state, an operational event log,
// and a usage-accounting append log with per-day aggregates. secrets are
// never kept here -- see package secrets.
package store

import (
	"context"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// KV is a small namespaced key/value store used for router state that must
// survive a restart: the manual override, per-session last-used routes,
// and the latest quota snapshot per provider.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key with the given prefix, for maintenance sweeps.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// EventStore persists the operational event log shown in /status.
type EventStore interface {
	InsertEvent(ctx context.Context, e gateway.EventRecord) error
	RecentEvents(ctx context.Context, limit int) ([]gateway.EventRecord, error)
	PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsageDayTotals is the materialized per-provider-per-day usage aggregate.
type UsageDayTotals struct {
	Day                      string `json:"day"` // local YYYY-MM-DD
	Provider                 string `json:"provider"`
	RequestCount             int64  `json:"request_count"`
	InputTokens              uint64 `json:"input_tokens"`
	OutputTokens             uint64 `json:"output_tokens"`
	TotalTokens              uint64 `json:"total_tokens"`
	CacheCreationInputTokens uint64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     uint64 `json:"cache_read_input_tokens"`
	UpdatedAtUnixMs          int64  `json:"updated_at_unix_ms"`
}

// UsageStore persists individual accounted calls plus the rolling per-day
// aggregate that the /status and billing surfaces read from.
type UsageStore interface {
	InsertUsage(ctx context.Context, r gateway.UsageRecord) error
	DayTotals(ctx context.Context, day string) ([]UsageDayTotals, error)
	ListDays(ctx context.Context, limit int) ([]string, error)
	PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines every persistence interface the gateway needs, plus
// lifecycle and maintenance operations.
type Store interface {
	KV
	EventStore
	UsageStore

	Ping(ctx context.Context) error
	Close() error
	// Maintain sweeps disallowed keys, prunes old events/usage rows, and
	// -- if the store is still oversized afterward -- rebuilds it from
	// only the allowed rows. isAllowedKey classifies KV keys worth keeping.
	Maintain(ctx context.Context, isAllowedKey func(string) bool, maxBytes int64) (MaintenanceReport, error)
}

// MaintenanceReport summarizes one Maintain pass.
type MaintenanceReport struct {
	KeysSwept     int
	EventsPruned  int64
	UsagePruned   int64
	Rebuilt       bool
	SizeBeforeMB  float64
	SizeAfterMB   float64
}
