package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/secrets"
	"github.com/eugener/gandalf/internal/store"
)

const quotaPollInterval = 60 * time.Second

// usageRefreshSummaryWindow bounds how long successful refresh-all runs are
// batched before being flushed as a single usage.refresh_succeeded_summary
// event, so a healthy fleet doesn't write one event per minute forever.
const usageRefreshSummaryWindow = 30 * time.Minute

// Poller is the subset of internal/quota.Poller consumed by QuotaPollWorker.
type Poller interface {
	Fetch(ctx context.Context, cfg gateway.ProviderConfig, usageToken string) gateway.QuotaSnapshot
	// SharedKey groups providers whose quota endpoint resolves to the same
	// (base, auth key) account, so pollAll can fetch it once per group.
	SharedKey(cfg gateway.ProviderConfig, usageToken string) string
}

// QuotaStore is the persistence surface QuotaPollWorker needs: the KV layer
// for per-provider snapshots, plus the event log for refresh-summary
// bookkeeping.
type QuotaStore interface {
	store.KV
	InsertEvent(ctx context.Context, e gateway.EventRecord) error
}

// refreshWindow tracks a rolling window of successful refresh-all runs, so
// a long-lived process doesn't write a usage.refresh_succeeded_summary
// event on every single successful poll.
type refreshWindow struct {
	windowStart         time.Time
	firstSuccess        time.Time
	lastSuccess         time.Time
	successCount        int
	providers           int
	consecutiveFailures int
}

// QuotaPollWorker periodically polls each enabled provider's usage/budget
// endpoint and writes the latest snapshot into the KV store, keyed
// "quota:<provider>", for the router's quota-gating closure to read.
//
// Providers that share the same (effective base URL, auth key) -- the same
// upstream account reached through different provider entries -- are
// fetched once per poll cycle and fan the result out to every member of the
// group, instead of hammering the shared account once per provider entry.
type QuotaPollWorker struct {
	poller    Poller
	store     QuotaStore
	secrets   *secrets.Store
	providers []gateway.ProviderConfig
	now       func() time.Time

	refreshMu sync.Mutex
	window    refreshWindow
}

// NewQuotaPollWorker creates a QuotaPollWorker.
func NewQuotaPollWorker(poller Poller, kv QuotaStore, sec *secrets.Store, providers []gateway.ProviderConfig) *QuotaPollWorker {
	return &QuotaPollWorker{poller: poller, store: kv, secrets: sec, providers: providers, now: time.Now}
}

// Name returns the worker identifier.
func (w *QuotaPollWorker) Name() string { return "quota_poll" }

// Run polls all configured providers immediately, then on quotaPollInterval
// until ctx is cancelled.
func (w *QuotaPollWorker) Run(ctx context.Context) error {
	w.pollAll(ctx)

	ticker := time.NewTicker(quotaPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pollAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// quotaGroup is one (base, auth key) account shared by one or more
// configured providers.
type quotaGroup struct {
	cfg     gateway.ProviderConfig
	token   string
	members []string
}

func (w *QuotaPollWorker) pollAll(ctx context.Context) {
	groups := make(map[string]*quotaGroup)
	var order []string
	for _, p := range w.providers {
		if p.Disabled || p.UsageAdapter == gateway.UsageAdapterNone {
			continue
		}
		token := w.secrets.UsageToken(p.Name)
		if token == "" {
			token = w.secrets.ProviderKey(p.Name)
		}
		key := w.poller.SharedKey(p, token)
		g, ok := groups[key]
		if !ok {
			g = &quotaGroup{cfg: p, token: token}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, p.Name)
	}

	var okCount, errCount int
	var failed []string
	for _, key := range order {
		g := groups[key]
		snap := w.poller.Fetch(ctx, g.cfg, g.token)
		for _, name := range g.members {
			w.storeSnapshot(ctx, name, snap)
		}
		if snap.LastError != "" {
			errCount += len(g.members)
			failed = append(failed, g.members...)
		} else {
			okCount += len(g.members)
		}
	}

	if okCount+errCount > 0 {
		w.emitRefreshSummary(ctx, okCount, errCount, failed)
	}
}

func (w *QuotaPollWorker) storeSnapshot(ctx context.Context, provider string, snap gateway.QuotaSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota snapshot marshal failed",
			slog.String("provider", provider), slog.String("error", err.Error()))
		return
	}
	if err := w.store.Set(ctx, "quota:"+provider, data); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota snapshot store failed",
			slog.String("provider", provider), slog.String("error", err.Error()))
		return
	}
	if snap.LastError != "" {
		slog.LogAttrs(ctx, slog.LevelWarn, "quota poll error",
			slog.String("provider", provider), slog.String("error", snap.LastError))
	}
}

// emitRefreshSummary folds one pollAll pass into the rolling success
// window, flushing a usage.refresh_succeeded_summary event (and a
// usage.refresh_recovered event, if this run ended a failing streak) once
// the window elapses, or a usage.refresh_partial event -- naming up to the
// first three failing providers -- whenever any provider in the pass
// errored.
func (w *QuotaPollWorker) emitRefreshSummary(ctx context.Context, ok, errCount int, failed []string) {
	now := w.now()
	if errCount == 0 {
		summary, recoveredFailures := w.recordRefreshSuccess(now, ok)
		if summary != nil {
			w.logEvent(ctx, gateway.LevelInfo, "usage.refresh_succeeded_summary",
				fmt.Sprintf("usage refresh succeeded: %d runs, %d providers, 30m window", summary.successCount, summary.providers))
		}
		if recoveredFailures > 0 {
			w.logEvent(ctx, gateway.LevelInfo, "usage.refresh_recovered",
				fmt.Sprintf("usage refresh recovered after %d failures", recoveredFailures))
		}
		return
	}

	w.recordRefreshFailure()
	shown := failed
	suffix := ""
	if len(shown) > 3 {
		shown = shown[:3]
		suffix = ", ..."
	}
	w.logEvent(ctx, gateway.LevelError, "usage.refresh_partial",
		fmt.Sprintf("usage refresh partial: ok=%d err=%d (failed: %s%s)", ok, errCount, strings.Join(shown, ", "), suffix))
}

// recordRefreshSuccess folds one successful refresh-all pass into the
// rolling window, returning the just-flushed window (nil if the window
// hasn't elapsed yet) and the number of consecutive failures this run
// recovered from (0 if the streak wasn't broken).
func (w *QuotaPollWorker) recordRefreshSuccess(now time.Time, providers int) (*refreshWindow, int) {
	w.refreshMu.Lock()
	defer w.refreshMu.Unlock()

	st := &w.window
	recovered := 0
	if st.consecutiveFailures > 0 {
		recovered = st.consecutiveFailures
		st.consecutiveFailures = 0
	}

	var flushed *refreshWindow
	switch {
	case !st.windowStart.IsZero() && st.successCount > 0 && now.Sub(st.windowStart) >= usageRefreshSummaryWindow:
		prev := *st
		flushed = &prev
		*st = refreshWindow{windowStart: now, firstSuccess: now, lastSuccess: now, providers: providers}
	case st.windowStart.IsZero():
		st.windowStart = now
		st.firstSuccess = now
	}

	st.successCount++
	st.lastSuccess = now
	st.providers = providers
	return flushed, recovered
}

func (w *QuotaPollWorker) recordRefreshFailure() {
	w.refreshMu.Lock()
	defer w.refreshMu.Unlock()
	w.window.consecutiveFailures++
}

func (w *QuotaPollWorker) logEvent(ctx context.Context, level gateway.EventLevel, code, message string) {
	slog.LogAttrs(ctx, quotaLevelToSlog(level), message, slog.String("code", code))
	if w.store == nil {
		return
	}
	rec := gateway.EventRecord{
		ID:      uuid.Must(uuid.NewV7()).String(),
		UnixMs:  w.now().UnixMilli(),
		Level:   level,
		Code:    code,
		Message: message,
	}
	if err := w.store.InsertEvent(ctx, rec); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "event insert failed", slog.String("error", err.Error()))
	}
}

func quotaLevelToSlog(l gateway.EventLevel) slog.Level {
	switch l {
	case gateway.LevelError:
		return slog.LevelError
	case gateway.LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
