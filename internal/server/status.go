package server

import (
	"net/http"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/secrets"
)

// activeWindow is how recently a call must have touched activity for
// /status to surface an active_provider/active_reason pair at all.
const activeWindow = 2 * time.Minute

// statusResponse is the full external shape of GET /status.
type statusResponse struct {
	Listen            string                           `json:"listen"`
	PreferredProvider string                           `json:"preferred_provider"`
	ManualOverride    string                            `json:"manual_override,omitempty"`
	Providers         map[string]providerStatusEntry    `json:"providers"`
	Quota             map[string]gateway.QuotaSnapshot `json:"quota"`
	RecentEvents      []gateway.EventRecord             `json:"recent_events"`
	ActiveProvider    string                            `json:"active_provider,omitempty"`
	ActiveReason      string                            `json:"active_reason,omitempty"`
	LastActivityMs    int64                             `json:"last_activity_unix_ms"`
}

type providerStatusEntry struct {
	gateway.ProviderHealth
	DisplayName string `json:"display_name"`
	APIKey      string `json:"api_key"`
}

// handleStatus reports router health, quota, and recent operational events
// for every configured provider. It requires no authentication: it is the
// surface an operator's terminal dashboard polls.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := s.deps.Router.Snapshot()
	quota := make(map[string]gateway.QuotaSnapshot, len(s.deps.Providers))
	providers := make(map[string]providerStatusEntry, len(s.deps.Providers))

	for _, p := range s.deps.Providers {
		h := health[p.Name]
		if snap, ok := s.quotaSnapshot(ctx, p.Name); ok {
			quota[p.Name] = snap
			if !snap.HasRemaining() {
				h.Status = gateway.StatusClosed
				h.CooldownUntilUnixMs = 0
			}
		}
		apiKeyRef := "-"
		if s.deps.Secrets != nil {
			apiKeyRef = secrets.MaskAPIKey(s.deps.Secrets.ProviderKey(p.Name))
		}
		providers[p.Name] = providerStatusEntry{
			ProviderHealth: h,
			DisplayName:    p.DisplayName,
			APIKey:         apiKeyRef,
		}
	}

	events, _ := s.deps.Store.RecentEvents(ctx, 200)
	recent := recentByLevel(events, 5, 5)

	lastActivity := s.lastActivity(ctx)
	var activeProvider, activeReason string
	if lastActivity > 0 && s.now().UnixMilli()-lastActivity < activeWindow.Milliseconds() {
		if provider, reason, ok := s.mostRecentRoute(); ok {
			activeProvider, activeReason = provider, reason
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Listen:            s.deps.ListenAddr,
		PreferredProvider: s.deps.Routing.PreferredProvider,
		ManualOverride:    s.deps.Router.Override(),
		Providers:         providers,
		Quota:             quota,
		RecentEvents:      recent,
		ActiveProvider:    activeProvider,
		ActiveReason:      activeReason,
		LastActivityMs:    lastActivity,
	})
}

// recentByLevel splits events (most-recent-first) into up to infoLimit info
// events and up to errLimit error/warning events, preserving relative order
// within each bucket.
func recentByLevel(events []gateway.EventRecord, infoLimit, errLimit int) []gateway.EventRecord {
	out := make([]gateway.EventRecord, 0, infoLimit+errLimit)
	infoCount, errCount := 0, 0
	for _, e := range events {
		switch e.Level {
		case gateway.LevelError, gateway.LevelWarning:
			if errCount >= errLimit {
				continue
			}
			errCount++
		default:
			if infoCount >= infoLimit {
				continue
			}
			infoCount++
		}
		out = append(out, e)
		if infoCount >= infoLimit && errCount >= errLimit {
			break
		}
	}
	return out
}

// mostRecentRoute returns the provider/reason of whichever session has the
// most recently updated LastUsedRoute, used to summarize "what is this
// gateway doing right now" on /status.
func (s *server) mostRecentRoute() (provider, reason string, ok bool) {
	route, found := s.deps.Router.MostRecentRoute()
	if !found {
		return "", "", false
	}
	return route.Provider, route.Reason, true
}
