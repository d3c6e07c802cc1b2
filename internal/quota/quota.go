// Package quota polls provider usage/budget endpoints and turns their
// responses into gateway.QuotaSnapshot values the router uses to gate
// provider selection.
package quota

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
)

// speedCacheTTL bounds how long a "fastest known base URL" result is
// trusted for providers that share a usage-reporting backend across many
// deployments, so a slow/unreachable mirror doesn't get re-probed first on
// every poll cycle.
const speedCacheTTL = 5 * time.Minute

// Poller fetches quota snapshots for configured providers.
type Poller struct {
	client     *http.Client
	speedCache *otter.Cache[string, string]
}

// NewPoller returns a Poller using client for outbound HTTP calls.
func NewPoller(client *http.Client) (*Poller, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, string](speedCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("quota: create speed cache: %w", err)
	}
	return &Poller{client: client, speedCache: c}, nil
}

// SharedKey returns the (base, auth key) group a provider's quota endpoint
// resolves to. Providers that return the same SharedKey share one account,
// so a poller fans a single remote fetch out to every member of the group
// instead of hammering the same account once per provider -- the same
// "same base + same key => same quota snapshot" rule the usage backend
// itself relies on.
func (p *Poller) SharedKey(cfg gateway.ProviderConfig, key string) string {
	bases := candidateBases(cfg)
	base := ""
	if len(bases) > 0 {
		base = bases[0]
	}
	return base + "\x00" + key
}

// Fetch polls cfg's usage adapter and returns a snapshot. key is the
// provider API key (token-stats) or JWT-style bearer token (budget-info);
// it is never logged.
func (p *Poller) Fetch(ctx context.Context, cfg gateway.ProviderConfig, key string) gateway.QuotaSnapshot {
	switch cfg.UsageAdapter {
	case gateway.UsageAdapterTokenStats:
		return p.fetchTokenStats(ctx, cfg, key)
	case gateway.UsageAdapterBudgetInfo:
		return p.fetchBudgetInfo(ctx, cfg, key)
	default:
		return gateway.EmptyQuotaSnapshot(gateway.UsageAdapterNone)
	}
}

// candidateBases returns the base URLs worth trying for a provider's usage
// endpoint: the explicit UsageBaseURL if set, else a heuristic derivation
// from BaseURL that strips a leading "-api." host segment some vendors use
// to separate their completions API from their account/usage API sharing
// the same root domain.
func candidateBases(cfg gateway.ProviderConfig) []string {
	if cfg.UsageBaseURL != "" {
		return []string{strings.TrimRight(cfg.UsageBaseURL, "/")}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return []string{base}
	}
	bases := []string{base}
	if stripped := strings.Replace(u.Host, "-api.", ".", 1); stripped != u.Host {
		u2 := *u
		u2.Host = stripped
		bases = append(bases, strings.TrimRight(u2.String(), "/"))
	}
	return dedupe(bases)
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// orderedBases puts a previously-fastest base for this provider's cache
// group first, if one is cached, so repeated polls skip known-dead mirrors.
func (p *Poller) orderedBases(cacheGroup string, bases []string) []string {
	fastest, ok := p.speedCache.GetIfPresent(cacheGroup)
	if !ok {
		return bases
	}
	out := make([]string, 0, len(bases))
	out = append(out, fastest)
	for _, b := range bases {
		if b != fastest {
			out = append(out, b)
		}
	}
	return dedupe(out)
}

func (p *Poller) rememberFastest(cacheGroup, base string) {
	p.speedCache.Set(cacheGroup, base)
}

// fetchTokenStats implements the token-stats usage adapter: GET
// <base>/api/token-stats?token_key=<key>, falling back to
// <base>/api/token-logs?token_key=<key>&page=1&page_size=1 when no
// candidate base returned a parseable token-stats answer (for any reason:
// 404, other HTTP error, transport error, or an unrecognized body).
func (p *Poller) fetchTokenStats(ctx context.Context, cfg gateway.ProviderConfig, key string) gateway.QuotaSnapshot {
	snap := gateway.EmptyQuotaSnapshot(gateway.UsageAdapterTokenStats)
	bases := p.orderedBases(cfg.Name, candidateBases(cfg))

	sawNotFound := false
	for _, base := range bases {
		u := base + "/api/token-stats?token_key=" + url.QueryEscape(key)
		body, err := p.get(ctx, u, "")
		if err != nil {
			if isNotFound(err) {
				sawNotFound = true
			}
			continue
		}
		if extractTokenStats(body, &snap) {
			snap.EffectiveUsageBase = base
			snap.UpdatedAtUnixMs = time.Now().UnixMilli()
			p.rememberFastest(cfg.Name, base)
			return snap
		}
	}

	for _, base := range bases {
		u := base + "/api/token-logs?token_key=" + url.QueryEscape(key) + "&page=1&page_size=1"
		body, err := p.get(ctx, u, "")
		if err != nil {
			continue
		}
		if extractTokenStats(body, &snap) {
			snap.EffectiveUsageBase = base
			snap.UpdatedAtUnixMs = time.Now().UnixMilli()
			p.rememberFastest(cfg.Name, base)
			return snap
		}
	}

	if sawNotFound {
		snap.LastError = "token-stats endpoint not found on any configured base"
	} else {
		snap.LastError = "token-stats endpoint unreachable"
	}
	return snap
}

// fetchBudgetInfo implements the budget-info usage adapter: GET
// <base>/api/backend/users/info with a bearer token, unwrapping an
// optional {"data": ...} envelope.
func (p *Poller) fetchBudgetInfo(ctx context.Context, cfg gateway.ProviderConfig, token string) gateway.QuotaSnapshot {
	snap := gateway.EmptyQuotaSnapshot(gateway.UsageAdapterBudgetInfo)
	bases := p.orderedBases(cfg.Name, candidateBases(cfg))

	for _, base := range bases {
		u := base + "/api/backend/users/info"
		body, err := p.get(ctx, u, token)
		if err != nil {
			continue
		}
		payload := body
		if data := gjson.GetBytes(body, "data"); data.Exists() && data.IsObject() {
			payload = []byte(data.Raw)
		}
		if !looksLikeBudgetResponse(payload) {
			continue
		}
		extractBudgetInfo(payload, &snap)
		snap.EffectiveUsageBase = base
		snap.UpdatedAtUnixMs = time.Now().UnixMilli()
		p.rememberFastest(cfg.Name, base)
		return snap
	}

	snap.LastError = "budget-info endpoint unreachable"
	return snap
}

func (p *Poller) get(ctx context.Context, rawURL, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, notFoundError{}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quota: %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return body, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

func isNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// extractTokenStats tries, in order: {"data":{"info":{...}}},
// {"data":{"token_info":{...}}}, {"data":{"data":{"token_info":{...}}}},
// {"token_info":{...}}, matching the alias chain the upstream usage API
// has used across revisions. remaining is computed from added-used when
// absent but both present. Returns false if no shape matched.
func extractTokenStats(body []byte, snap *gateway.QuotaSnapshot) bool {
	for _, path := range []string{"data.info", "data.token_info", "data.data.token_info", "token_info"} {
		obj := gjson.GetBytes(body, path)
		if !obj.Exists() || !obj.IsObject() {
			continue
		}
		used, hasUsed := asFloat(obj.Get("used"))
		added, hasAdded := asFloat(obj.Get("added"))
		remaining, hasRemaining := asFloat(obj.Get("remaining"))
		if !hasRemaining && hasUsed && hasAdded {
			r := added - used
			remaining, hasRemaining = r, true
		}
		if hasRemaining {
			snap.Remaining = &remaining
		}
		if hasUsed {
			snap.TodayUsed = &used
		}
		if hasAdded {
			snap.TodayAdded = &added
		}
		return hasRemaining || hasUsed || hasAdded
	}
	return false
}

// looksLikeBudgetResponse guards against accepting an unrelated JSON
// object from a base URL that happens to respond 200 on this path.
func looksLikeBudgetResponse(body []byte) bool {
	for _, key := range []string{"daily_spent_usd", "weekly_spent_usd", "monthly_spent_usd", "remaining_quota", "daily_budget_usd"} {
		if gjson.GetBytes(body, key).Exists() {
			return true
		}
	}
	return false
}

func extractBudgetInfo(body []byte, snap *gateway.QuotaSnapshot) {
	assign := func(key string, dst **float64) {
		if v, ok := asFloat(gjson.GetBytes(body, key)); ok {
			*dst = &v
		}
	}
	assign("daily_spent_usd", &snap.DailySpentUSD)
	assign("daily_budget_usd", &snap.DailyBudgetUSD)
	assign("weekly_spent_usd", &snap.WeeklySpentUSD)
	assign("weekly_budget_usd", &snap.WeeklyBudgetUSD)
	assign("monthly_spent_usd", &snap.MonthlySpentUSD)
	assign("monthly_budget_usd", &snap.MonthlyBudgetUSD)
	assign("remaining_quota", &snap.Remaining)
}

// asFloat tolerantly coerces a gjson result to float64: numbers pass
// through directly; strings have commas and a trailing "%" stripped before
// parsing, matching values some usage backends render as formatted text.
func asFloat(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Float(), true
	case gjson.String:
		s := strings.TrimSuffix(strings.ReplaceAll(r.String(), ",", ""), "%")
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
