// Package gateway defines the domain types shared across the Codex gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// --- Provider configuration ---

// UsageAdapterKind identifies how a provider's usage/quota is polled.
type UsageAdapterKind string

const (
	UsageAdapterNone       UsageAdapterKind = ""
	UsageAdapterTokenStats UsageAdapterKind = "token-stats"
	UsageAdapterBudgetInfo UsageAdapterKind = "budget-info"
)

// ProviderConfig describes one upstream OpenAI-compatible provider.
type ProviderConfig struct {
	Name         string           `yaml:"name" json:"name"`
	DisplayName  string           `yaml:"display_name" json:"display_name"`
	BaseURL      string           `yaml:"base_url" json:"base_url"`
	UsageAdapter UsageAdapterKind `yaml:"usage_adapter" json:"usage_adapter,omitempty"`
	UsageBaseURL string           `yaml:"usage_base_url" json:"usage_base_url,omitempty"`
	Disabled     bool             `yaml:"disabled" json:"disabled,omitempty"`
	LegacyAPIKey string           `yaml:"api_key" json:"-"` // migrated to the secret store on boot, then blanked
}

// RoutingConfig holds the selection policy shared across all sessions.
type RoutingConfig struct {
	PreferredProvider         string            `yaml:"preferred_provider" json:"preferred_provider"`
	SessionPreferredProviders map[string]string `yaml:"session_preferred_providers" json:"-"`
	AutoReturnToPreferred     bool              `yaml:"auto_return_to_preferred" json:"-"`
	PreferredStableSeconds    int64             `yaml:"preferred_stable_seconds" json:"-"`
	FailureThreshold          int               `yaml:"failure_threshold" json:"-"`
	CooldownSeconds           int64             `yaml:"cooldown_seconds" json:"-"`
	RequestTimeoutSeconds     int64             `yaml:"request_timeout_seconds" json:"-"`
	ProviderOrder             []string          `yaml:"provider_order" json:"-"`
}

// --- Router state ---

// ProviderStatus is the externally visible health state of a provider.
type ProviderStatus string

const (
	StatusHealthy  ProviderStatus = "healthy"
	StatusDegraded ProviderStatus = "degraded"
	StatusCooldown ProviderStatus = "cooldown"
	StatusClosed   ProviderStatus = "closed"
)

// ProviderHealth is the in-memory health record for one provider.
type ProviderHealth struct {
	Status                   ProviderStatus `json:"status"`
	ConsecutiveFailures      int            `json:"consecutive_failures"`
	LastOKUnixMs             int64          `json:"last_ok_at_unix_ms"`
	HealthySinceUnixMs       int64          `json:"-"`
	CooldownUntilUnixMs      int64          `json:"cooldown_until_unix_ms"`
	LastError                string         `json:"last_error"`
	WaitingUsageConfirmation bool           `json:"-"`
}

// LastUsedRoute records the most recent routing decision for a session,
// used to implement the "return to preferred" stabilization window and the
// /status active-provider summary.
type LastUsedRoute struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
	UnixMs   int64  `json:"unix_ms"`
}

// --- Quota ---

// QuotaSnapshot is the latest usage/budget reading for a provider.
type QuotaSnapshot struct {
	Kind               UsageAdapterKind `json:"kind"`
	UpdatedAtUnixMs    int64            `json:"updated_at_unix_ms"`
	Remaining          *float64         `json:"remaining,omitempty"`
	TodayUsed          *float64         `json:"today_used,omitempty"`
	TodayAdded         *float64         `json:"today_added,omitempty"`
	DailySpentUSD      *float64         `json:"daily_spent_usd,omitempty"`
	DailyBudgetUSD     *float64         `json:"daily_budget_usd,omitempty"`
	WeeklySpentUSD     *float64         `json:"weekly_spent_usd,omitempty"`
	WeeklyBudgetUSD    *float64         `json:"weekly_budget_usd,omitempty"`
	MonthlySpentUSD    *float64         `json:"monthly_spent_usd,omitempty"`
	MonthlyBudgetUSD   *float64         `json:"monthly_budget_usd,omitempty"`
	LastError          string           `json:"last_error"`
	EffectiveUsageBase string           `json:"effective_usage_base,omitempty"`
}

// EmptyQuotaSnapshot returns a zero-value snapshot of the given kind.
func EmptyQuotaSnapshot(kind UsageAdapterKind) QuotaSnapshot {
	return QuotaSnapshot{Kind: kind}
}

// HasRemaining reports whether the snapshot indicates the provider still has
// quota available. Budget pairs are evaluated first as hard limits: if any
// configured spent/budget pair is exhausted, the provider is closed
// regardless of token-style remaining fields. Only when no budget pair
// applies do we fall through to the token-style remaining/used/added
// fields. A snapshot with no usable fields at all is treated as available.
func (q QuotaSnapshot) HasRemaining() bool {
	type pair struct{ spent, budget *float64 }
	for _, p := range []pair{
		{q.DailySpentUSD, q.DailyBudgetUSD},
		{q.WeeklySpentUSD, q.WeeklyBudgetUSD},
		{q.MonthlySpentUSD, q.MonthlyBudgetUSD},
	} {
		if p.spent != nil && p.budget != nil {
			if *p.budget <= 0 || *p.spent >= *p.budget {
				return false
			}
		}
	}

	if q.Remaining != nil {
		return *q.Remaining > 0
	}
	if q.TodayUsed != nil && q.TodayAdded != nil {
		return *q.TodayUsed < *q.TodayAdded
	}
	return true
}

// ConfirmsAvailable reports whether this snapshot is fresh enough and
// error-free enough to clear a waiting-usage-confirmation sub-state.
func (q QuotaSnapshot) ConfirmsAvailable() bool {
	return q.UpdatedAtUnixMs > 0 && q.LastError == "" && q.HasRemaining()
}

// --- Usage & events ---

// UsageOrigin classifies the OS context a request was made from. Only
// "unknown" is produced by the core; richer values may be supplied by an
// optional platform plug-in outside the routing core.
type UsageOrigin string

const (
	OriginUnknown UsageOrigin = "unknown"
	OriginWindows UsageOrigin = "windows"
	OriginWSL2    UsageOrigin = "wsl2"
)

// UsageRecord is one accounted completion call.
type UsageRecord struct {
	ID                       string      `json:"id"`
	Provider                 string      `json:"provider"`
	APIKeyRef                string      `json:"api_key_ref"`
	Model                    string      `json:"model"`
	Origin                   UsageOrigin `json:"origin"`
	InputTokens              uint64      `json:"input_tokens"`
	OutputTokens             uint64      `json:"output_tokens"`
	TotalTokens              uint64      `json:"total_tokens"`
	CacheCreationInputTokens uint64      `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     uint64      `json:"cache_read_input_tokens"`
	CreatedAt                time.Time   `json:"-"`
	UnixMs                   int64       `json:"unix_ms"`
}

// EventLevel is the severity of an EventRecord.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// EventRecord is one entry in the operational event log.
type EventRecord struct {
	ID       string          `json:"id"`
	UnixMs   int64           `json:"unix_ms"`
	Provider string          `json:"provider,omitempty"`
	Level    EventLevel      `json:"level"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Fields   json.RawMessage `json:"fields,omitempty"`
}

// --- Session journal ---

// ResponseItem is one line of a session journal file whose payload is a
// chat message. Only the fields the rewrite stage needs are kept.
type ResponseItem struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SessionMessage is a normalized message extracted from a session journal,
// or from the `input` array of a live request. Type distinguishes a chat
// message payload ("message") from the journal's other payload kinds
// (function calls, reasoning, etc.); ReadSessionMessages only keeps lines
// where it equals "message".
type SessionMessage struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// --- context helpers ---

// requestMeta bundles per-request context values into a single allocation.
type requestMeta struct {
	RequestID string
}

type ctxKey int

const ctxKeyMeta ctxKey = 0

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// --- Auth ---

// Authenticator validates the shared bearer token on incoming requests.
type Authenticator interface {
	Authenticate(r *http.Request) error
}
