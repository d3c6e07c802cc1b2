package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/store"
)

// FakeStore is an in-memory store.Store for testing, covering the KV,
// event, and usage interfaces without a SQLite file on disk.
type FakeStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	events []gateway.EventRecord
	usage  []gateway.UsageRecord
}

// NewFakeStore returns an empty, ready-to-use FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{kv: make(map[string][]byte)}
}

var _ store.Store = (*FakeStore)(nil)

func (s *FakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	return v, ok, nil
}

func (s *FakeStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.kv[key] = cp
	return nil
}

func (s *FakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *FakeStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FakeStore) InsertEvent(_ context.Context, e gateway.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]gateway.EventRecord{e}, s.events...)
	return nil
}

func (s *FakeStore) RecentEvents(_ context.Context, limit int) ([]gateway.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]gateway.EventRecord, limit)
	copy(out, s.events[:limit])
	return out, nil
}

func (s *FakeStore) PruneEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []gateway.EventRecord
	var pruned int64
	for _, e := range s.events {
		if e.UnixMs < cutoff.UnixMilli() {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return pruned, nil
}

func (s *FakeStore) InsertUsage(_ context.Context, r gateway.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, r)
	return nil
}

func (s *FakeStore) DayTotals(_ context.Context, day string) ([]store.UsageDayTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := make(map[string]*store.UsageDayTotals)
	for _, r := range s.usage {
		t := time.UnixMilli(r.UnixMs).Format("2006-01-02")
		if t != day {
			continue
		}
		agg, ok := totals[r.Provider]
		if !ok {
			agg = &store.UsageDayTotals{Day: day, Provider: r.Provider}
			totals[r.Provider] = agg
		}
		agg.RequestCount++
		agg.InputTokens += r.InputTokens
		agg.OutputTokens += r.OutputTokens
		agg.TotalTokens += r.TotalTokens
		agg.CacheCreationInputTokens += r.CacheCreationInputTokens
		agg.CacheReadInputTokens += r.CacheReadInputTokens
	}
	out := make([]store.UsageDayTotals, 0, len(totals))
	for _, v := range totals {
		out = append(out, *v)
	}
	return out, nil
}

func (s *FakeStore) ListDays(context.Context, int) ([]string, error) { return nil, nil }

func (s *FakeStore) PruneUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []gateway.UsageRecord
	var pruned int64
	for _, r := range s.usage {
		if r.UnixMs < cutoff.UnixMilli() {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.usage = kept
	return pruned, nil
}

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }

func (s *FakeStore) Maintain(context.Context, func(string) bool, int64) (store.MaintenanceReport, error) {
	return store.MaintenanceReport{}, nil
}
