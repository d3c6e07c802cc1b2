package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (s *fakeUsageStore) InsertUsage(_ context.Context, r gateway.UsageRecord) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range usageBatchSize {
		rec.Record(gateway.UsageRecord{ID: string(rune('a' + i%26))})
	}

	deadline := time.After(2 * time.Second)
	for {
		if store.totalRecords() >= usageBatchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d records", store.totalRecords())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_FlushOnTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan gateway.UsageRecord, usageChanSize),
		store: store,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.UsageRecord{ID: "test-1"})
	rec.Record(gateway.UsageRecord{ID: "test-2"})

	deadline := time.After(10 * time.Second)
	for {
		if store.totalRecords() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout flush not triggered; got %d records", store.totalRecords())
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan gateway.UsageRecord, 2),
		store: store,
	}

	rec.Record(gateway.UsageRecord{ID: "1"})
	rec.Record(gateway.UsageRecord{ID: "2"})
	rec.Record(gateway.UsageRecord{ID: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.UsageRecord{ID: "drain-1"})
	rec.Record(gateway.UsageRecord{ID: "drain-2"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if store.totalRecords() < 2 {
		t.Errorf("expected at least 2 drained records, got %d", store.totalRecords())
	}
}

func TestUsageRecorder_RecordAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)
	rec.Record(gateway.UsageRecord{Provider: "openai"})

	got := <-rec.ch
	if got.ID == "" {
		t.Error("ID not assigned")
	}
	if got.CreatedAt.IsZero() || got.UnixMs == 0 {
		t.Error("timestamp not assigned")
	}
}
