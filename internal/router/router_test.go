package router

import (
	"errors"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
)

func TestRegistry_RecordFailure_TripsCooldown(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{FailureThreshold: 2, CooldownSeconds: 30}

	r.RecordFailure("a", cfg, errors.New("boom"))
	if got := r.Health("a").Status; got != gateway.StatusDegraded {
		t.Fatalf("after 1 failure status = %v, want degraded", got)
	}

	r.RecordFailure("a", cfg, errors.New("boom"))
	h := r.Health("a")
	if h.Status != gateway.StatusCooldown {
		t.Fatalf("after threshold failures status = %v, want cooldown", h.Status)
	}
	if h.CooldownUntilUnixMs == 0 {
		t.Fatal("CooldownUntilUnixMs not set")
	}
}

func TestRegistry_RecordSuccess_ResetsHealth(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{FailureThreshold: 1, CooldownSeconds: 30}
	r.RecordFailure("a", cfg, errors.New("boom"))
	r.RecordSuccess("a")

	h := r.Health("a")
	if h.Status != gateway.StatusHealthy {
		t.Fatalf("status = %v, want healthy", h.Status)
	}
	if h.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0", h.ConsecutiveFailures)
	}
}

func TestRegistry_DecideProvider_ManualOverride(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.SetOverride("b")
	cfg := gateway.RoutingConfig{PreferredProvider: "a", ProviderOrder: []string{"a", "b"}}

	d := r.DecideProvider(cfg, "", nil, nil)
	if d.Provider != "b" || d.Reason != ReasonManualOverride {
		t.Fatalf("DecideProvider = %+v, want {b manual_override}", d)
	}
}

func TestRegistry_DecideProvider_FallsBackWhenPreferredCooldown(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{
		PreferredProvider: "a",
		ProviderOrder:     []string{"a", "b"},
		FailureThreshold:  1,
		CooldownSeconds:   30,
	}
	r.RecordFailure("a", cfg, errors.New("boom"))

	d := r.DecideProvider(cfg, "", nil, nil)
	if d.Provider != "b" {
		t.Fatalf("DecideProvider.Provider = %q, want b", d.Provider)
	}
	if d.Reason != ReasonPreferredUnhealthy {
		t.Fatalf("DecideProvider.Reason = %q, want preferred_unhealthy", d.Reason)
	}
}

func TestRegistry_DecideProvider_NoneRoutable(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{
		PreferredProvider: "a",
		ProviderOrder:     []string{"a", "b"},
		FailureThreshold:  1,
		CooldownSeconds:   30,
	}
	r.RecordFailure("a", cfg, errors.New("boom"))
	r.RecordFailure("b", cfg, errors.New("boom"))

	d := r.DecideProvider(cfg, "", nil, nil)
	if d.Provider != "" || d.Reason != ReasonNone {
		t.Fatalf("DecideProvider = %+v, want {\"\" none}", d)
	}
}

func TestRegistry_DecideProvider_QuotaGating(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{PreferredProvider: "a", ProviderOrder: []string{"a", "b"}}

	quota := func(p string) (bool, bool) {
		if p == "a" {
			return false, true // known, exhausted
		}
		return true, true
	}

	d := r.DecideProvider(cfg, "", quota, nil)
	if d.Provider != "b" {
		t.Fatalf("DecideProvider.Provider = %q, want b (a is quota-exhausted)", d.Provider)
	}
}

func TestRegistry_DecideProvider_OverrideUnhealthyFallsBack(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{
		PreferredProvider: "a",
		ProviderOrder:     []string{"a", "b", "c"},
		FailureThreshold:  1,
		CooldownSeconds:   9999,
	}
	r.SetOverride("c")
	r.RecordFailure("c", cfg, errors.New("boom"))

	// Preferred ("a") is healthy and stable, but an unroutable override
	// must short-circuit straight into the fallback chain (which excludes
	// the preferred provider, same as the plain preferred-unhealthy path)
	// instead of silently falling through to preferred_healthy.
	d := r.DecideProvider(cfg, "", nil, nil)
	if d.Provider != "b" || d.Reason != ReasonManualOverrideUnhealthy {
		t.Fatalf("DecideProvider = %+v, want {b manual_override_unhealthy}", d)
	}
}

func TestRegistry_DecideProvider_OverrideUnhealthyNoneRoutable(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{
		ProviderOrder:    []string{"a"},
		FailureThreshold: 1,
		CooldownSeconds:  9999,
	}
	r.SetOverride("a")
	r.RecordFailure("a", cfg, errors.New("boom"))

	d := r.DecideProvider(cfg, "", nil, nil)
	if d.Provider != "" || d.Reason != ReasonNone {
		t.Fatalf("DecideProvider = %+v, want {\"\" none}", d)
	}
}

func TestRegistry_RoutableLocked_WaitingUsageConfirmation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{FailureThreshold: 1, CooldownSeconds: 1}
	r.RecordFailure("a", cfg, errors.New("boom"))
	r.ClearCooldown("a") // status back to degraded, but usage confirmation still owed

	if !r.Health("a").WaitingUsageConfirmation {
		t.Fatal("expected WaitingUsageConfirmation to survive ClearCooldown")
	}

	quotaOK := func(string) (bool, bool) { return true, true }

	stillUnconfirmed := func(string) bool { return false }
	r.mu.Lock()
	routable := r.routableLocked("a", quotaOK, stillUnconfirmed)
	r.mu.Unlock()
	if routable {
		t.Fatal("routableLocked = true, want false while usage confirmation is outstanding")
	}

	confirmed := func(string) bool { return true }
	r.mu.Lock()
	routable = r.routableLocked("a", quotaOK, confirmed)
	r.mu.Unlock()
	if !routable {
		t.Fatal("routableLocked = false, want true once quota confirms availability")
	}
	if r.Health("a").WaitingUsageConfirmation {
		t.Fatal("WaitingUsageConfirmation should clear once confirmed")
	}
}

func TestRegistry_ClearCooldown(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	cfg := gateway.RoutingConfig{FailureThreshold: 1, CooldownSeconds: 9999}
	r.RecordFailure("a", cfg, errors.New("boom"))
	if r.Health("a").Status != gateway.StatusCooldown {
		t.Fatal("expected cooldown before ClearCooldown")
	}
	r.ClearCooldown("a")
	if got := r.Health("a").Status; got != gateway.StatusDegraded {
		t.Fatalf("status after ClearCooldown = %v, want degraded", got)
	}
}

func TestRegistry_DecideProvider_StabilizationWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	r := NewRegistry(clock)
	cfg := gateway.RoutingConfig{
		PreferredProvider:      "a",
		ProviderOrder:          []string{"a", "b"},
		FailureThreshold:       1,
		CooldownSeconds:        1,
		AutoReturnToPreferred:  true,
		PreferredStableSeconds: 60,
	}

	r.RecordFailure("a", cfg, errors.New("boom"))
	d := r.DecideProvider(cfg, "s1", nil, nil)
	if d.Provider != "b" {
		t.Fatalf("first decision = %+v, want b", d)
	}

	now = now.Add(2 * time.Second) // cooldown elapsed, but not yet stable
	r.ClearCooldown("a")
	r.RecordSuccess("a")

	d = r.DecideProvider(cfg, "s1", nil, nil)
	if d.Reason != ReasonPreferredStabilizing {
		t.Fatalf("decision right after recovery = %+v, want preferred_stabilizing", d)
	}

	now = now.Add(61 * time.Second) // now past the stabilization window
	d = r.DecideProvider(cfg, "s1", nil, nil)
	if d.Provider != "a" || d.Reason != ReasonPreferredHealthy {
		t.Fatalf("decision after stabilization window = %+v, want {a preferred_healthy}", d)
	}
}
