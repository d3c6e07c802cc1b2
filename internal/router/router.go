// Package router implements the provider selection state machine: a
// consecutive-failure health tracker per provider plus the preferred
// provider / fallback-chain / manual-override decision algorithm described
// by the routing config.
//
// Unlike a weighted sliding-window circuit breaker, a provider here only
// ever has four states -- healthy, degraded, cooldown, closed -- driven by
// a simple consecutive-failure count. "Degraded" is informational (the
// provider is still tried); "cooldown" and "closed" are not.
package router

import (
	"sync"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

// Clock abstracts time for tests.
type Clock func() time.Time

// Registry tracks per-provider health and the live manual override. It is
// the single source of truth DecideProvider reads from.
type Registry struct {
	mu       sync.RWMutex
	health   map[string]*gateway.ProviderHealth
	lastUsed map[string]gateway.LastUsedRoute // keyed by session ("" for the default session)
	override string                           // manual override provider name, "" if unset
	now      Clock
}

// NewRegistry returns an empty Registry. now defaults to time.Now when nil.
func NewRegistry(now Clock) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		health:   make(map[string]*gateway.ProviderHealth),
		lastUsed: make(map[string]gateway.LastUsedRoute),
		now:      now,
	}
}

func (r *Registry) healthLocked(provider string) *gateway.ProviderHealth {
	h, ok := r.health[provider]
	if !ok {
		h = &gateway.ProviderHealth{Status: gateway.StatusHealthy}
		r.health[provider] = h
	}
	return h
}

// Health returns a copy of the current health record for provider.
func (r *Registry) Health(provider string) gateway.ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.healthLocked(provider)
}

// Snapshot returns a copy of the health map for all known providers.
func (r *Registry) Snapshot() map[string]gateway.ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]gateway.ProviderHealth, len(r.health))
	for k, v := range r.health {
		out[k] = *v
	}
	return out
}

// RecordSuccess transitions provider to healthy, resetting its failure count.
func (r *Registry) RecordSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(provider)
	now := r.now().UnixMilli()
	if h.Status != gateway.StatusHealthy {
		h.HealthySinceUnixMs = now
	}
	h.Status = gateway.StatusHealthy
	h.ConsecutiveFailures = 0
	h.LastOKUnixMs = now
	h.CooldownUntilUnixMs = 0
	h.LastError = ""
	h.WaitingUsageConfirmation = false
}

// RecordFailure increments provider's consecutive-failure count, moving it
// to degraded, and to cooldown once cfg.FailureThreshold is reached. A
// cooled-down provider that fails again while already past its cooldown
// window escalates to closed until the operator clears it (or a future
// success resets it).
func (r *Registry) RecordFailure(provider string, cfg gateway.RoutingConfig, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(provider)
	now := r.now().UnixMilli()
	h.ConsecutiveFailures++
	h.HealthySinceUnixMs = 0
	if cause != nil {
		h.LastError = cause.Error()
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := cfg.CooldownSeconds
	if cooldown <= 0 {
		cooldown = 30
	}

	switch {
	case h.Status == gateway.StatusCooldown && now >= h.CooldownUntilUnixMs:
		h.Status = gateway.StatusClosed
	case h.ConsecutiveFailures >= threshold:
		h.Status = gateway.StatusCooldown
		h.CooldownUntilUnixMs = now + cooldown*1000
		h.WaitingUsageConfirmation = true
	default:
		h.Status = gateway.StatusDegraded
	}
}

// ClearCooldown releases provider from cooldown/closed back to degraded,
// letting the next request probe it again. Used once a cooldown window
// elapses or an operator manually re-enables a provider.
func (r *Registry) ClearCooldown(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.healthLocked(provider)
	if h.Status == gateway.StatusCooldown || h.Status == gateway.StatusClosed {
		h.Status = gateway.StatusDegraded
		h.ConsecutiveFailures = 0
		h.CooldownUntilUnixMs = 0
	}
}

// SetOverride pins routing to provider until cleared. While the override is
// un-routable, decisions fall back along cfg.ProviderOrder instead.
func (r *Registry) SetOverride(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = provider
}

// ClearOverride releases the manual override.
func (r *Registry) ClearOverride() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = ""
}

// Override returns the current manual override provider, or "" if unset.
func (r *Registry) Override() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.override
}

// LastUsed returns the last routing decision recorded for sessionKey.
func (r *Registry) LastUsed(sessionKey string) (gateway.LastUsedRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lu, ok := r.lastUsed[sessionKey]
	return lu, ok
}

// MostRecentRoute returns the LastUsedRoute with the highest UnixMs across
// every session, used by /status to summarize current routing activity
// without needing to know which session key is "the" active one.
func (r *Registry) MostRecentRoute() (gateway.LastUsedRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best gateway.LastUsedRoute
	found := false
	for _, lu := range r.lastUsed {
		if !found || lu.UnixMs > best.UnixMs {
			best = lu
			found = true
		}
	}
	return best, found
}

func (r *Registry) setLastUsed(sessionKey, provider, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[sessionKey] = gateway.LastUsedRoute{
		Provider: provider,
		Reason:   reason,
		UnixMs:   r.now().UnixMilli(),
	}
}

// routableLocked reports whether provider can currently be selected: not
// closed or in an unexpired cooldown, not still waiting on a usage
// confirmation after a cooldown, and -- when a quota snapshot is available
// -- still reporting remaining quota. A provider with no quota snapshot at
// all (quotaOK == nil) is treated as routable; the router doesn't require
// usage polling to be configured.
//
// A provider that tripped WaitingUsageConfirmation on its last cooldown
// entry stays un-routable even once its quota looks fine again, until a
// quota snapshot fresh and error-free enough to confirm it (quotaConfirmed)
// says so -- matching the original orchestrator's
// quota_snapshot_confirms_available gate. Confirmation clears the flag in
// place so later calls fall straight through to the plain quota check.
func (r *Registry) routableLocked(provider string, quotaOK func(string) (bool, bool), quotaConfirmed func(string) bool) bool {
	h := r.healthLocked(provider)
	now := r.now().UnixMilli()
	switch h.Status {
	case gateway.StatusClosed:
		return false
	case gateway.StatusCooldown:
		if now < h.CooldownUntilUnixMs {
			return false
		}
	}
	if h.WaitingUsageConfirmation {
		confirmed := quotaConfirmed != nil && quotaConfirmed(provider)
		if !confirmed {
			return false
		}
		h.WaitingUsageConfirmation = false
	}
	if quotaOK != nil {
		if hasQuota, known := quotaOK(provider); known && !hasQuota {
			return false
		}
	}
	return true
}

// Decision is the outcome of DecideProvider.
type Decision struct {
	Provider string
	Reason   string
}

// Reasons mirror the original orchestrator's decide_provider outcomes.
const (
	ReasonManualOverride          = "manual_override"
	ReasonManualOverrideUnhealthy = "manual_override_unhealthy"
	ReasonPreferredStabilizing    = "preferred_stabilizing"
	ReasonPreferredHealthy        = "preferred_healthy"
	ReasonPreferredUnhealthy      = "preferred_unhealthy"
	ReasonFallback                = "fallback"
	ReasonNone                    = "none"
)

// DecideProvider selects the provider to use for sessionKey, following:
//  1. A manual override, if set and routable.
//  2. The session- or global-preferred provider, subject to an auto-return
//     stabilization window: once routing has fallen away from the preferred
//     provider, it won't be returned to until cfg.PreferredStableSeconds
//     have passed since a recorded success brought it back to healthy. A
//     preferred provider with no success recorded since its last failure
//     (for example one whose cooldown simply expired) counts as stable
//     at once.
//  3. The first routable provider in cfg.ProviderOrder.
//
// quotaOK, if non-nil, reports (hasRemainingQuota, known) for a provider;
// an unknown provider is treated as quota-unconstrained.
//
// DecideProvider records its outcome as the session's LastUsedRoute. Use
// PeekProvider for a read-only preview that does not affect future
// stabilization decisions.
func (r *Registry) DecideProvider(cfg gateway.RoutingConfig, sessionKey string, quotaOK func(string) (bool, bool), quotaConfirmed func(string) bool) Decision {
	return r.decide(cfg, sessionKey, quotaOK, quotaConfirmed, true)
}

// PeekProvider previews the provider DecideProvider would currently select
// for sessionKey, without recording a LastUsedRoute. Used by read-only
// surfaces (model listings) that must reflect routing state without
// influencing it.
func (r *Registry) PeekProvider(cfg gateway.RoutingConfig, sessionKey string, quotaOK func(string) (bool, bool), quotaConfirmed func(string) bool) Decision {
	return r.decide(cfg, sessionKey, quotaOK, quotaConfirmed, false)
}

// fallbackLocked returns the first routable provider in cfg.ProviderOrder
// other than exclude, or "" if none qualify. Shared by the plain
// preferred-unhealthy fallback and the manual-override-unhealthy fallback,
// mirroring the original orchestrator's fallback_with_quota, which both
// paths route through identically.
func (r *Registry) fallbackLocked(cfg gateway.RoutingConfig, exclude string, quotaOK func(string) (bool, bool), quotaConfirmed func(string) bool) string {
	for _, candidate := range cfg.ProviderOrder {
		if candidate == exclude {
			continue
		}
		r.mu.Lock()
		ok := r.routableLocked(candidate, quotaOK, quotaConfirmed)
		r.mu.Unlock()
		if ok {
			return candidate
		}
	}
	return ""
}

func (r *Registry) decide(cfg gateway.RoutingConfig, sessionKey string, quotaOK func(string) (bool, bool), quotaConfirmed func(string) bool, record bool) Decision {
	maybeSetLastUsed := func(provider, reason string) {
		if record {
			r.setLastUsed(sessionKey, provider, reason)
		}
	}

	preferred := cfg.PreferredProvider
	if sp, ok := cfg.SessionPreferredProviders[sessionKey]; ok && sp != "" {
		preferred = sp
	}

	r.mu.RLock()
	override := r.override
	r.mu.RUnlock()

	// The manual override is a complete, self-contained branch: if it's
	// set but un-routable we go straight to the fallback chain tagged
	// manual_override_unhealthy, never falling through into the
	// preferred-provider/stabilization logic below.
	if override != "" {
		r.mu.Lock()
		ok := r.routableLocked(override, quotaOK, quotaConfirmed)
		r.mu.Unlock()
		if ok {
			maybeSetLastUsed(override, ReasonManualOverride)
			return Decision{Provider: override, Reason: ReasonManualOverride}
		}
		fallback := r.fallbackLocked(cfg, preferred, quotaOK, quotaConfirmed)
		if fallback == "" {
			return Decision{Provider: "", Reason: ReasonNone}
		}
		maybeSetLastUsed(fallback, ReasonManualOverrideUnhealthy)
		return Decision{Provider: fallback, Reason: ReasonManualOverrideUnhealthy}
	}

	if preferred != "" {
		r.mu.Lock()
		h := r.healthLocked(preferred)
		routable := r.routableLocked(preferred, quotaOK, quotaConfirmed)
		healthySinceMs := h.HealthySinceUnixMs
		r.mu.Unlock()

		if routable {
			lu, hadLast := r.LastUsed(sessionKey)
			stable := cfg.PreferredStableSeconds <= 0 || healthySinceMs == 0 ||
				r.now().UnixMilli()-healthySinceMs >= cfg.PreferredStableSeconds*1000

			if !hadLast || lu.Provider == preferred || !cfg.AutoReturnToPreferred || stable {
				maybeSetLastUsed(preferred, ReasonPreferredHealthy)
				return Decision{Provider: preferred, Reason: ReasonPreferredHealthy}
			}
			maybeSetLastUsed(lu.Provider, ReasonPreferredStabilizing)
			return Decision{Provider: lu.Provider, Reason: ReasonPreferredStabilizing}
		}
	}

	fallback := r.fallbackLocked(cfg, preferred, quotaOK, quotaConfirmed)
	if fallback == "" {
		return Decision{Provider: "", Reason: ReasonNone}
	}
	reason := ReasonFallback
	if preferred != "" {
		reason = ReasonPreferredUnhealthy
	}
	maybeSetLastUsed(fallback, reason)
	return Decision{Provider: fallback, Reason: reason}
}
