package server

import (
	"context"
	"encoding/json"

	gateway "github.com/eugener/gandalf/internal"
)

const lastActivityKey = "last_activity_unix_ms"

// quotaSnapshot reads the latest quota snapshot the poller wrote for
// provider, if any.
func (s *server) quotaSnapshot(ctx context.Context, provider string) (gateway.QuotaSnapshot, bool) {
	if s.deps.Store == nil {
		return gateway.QuotaSnapshot{}, false
	}
	raw, ok, err := s.deps.Store.Get(ctx, "quota:"+provider)
	if err != nil || !ok {
		return gateway.QuotaSnapshot{}, false
	}
	var snap gateway.QuotaSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return gateway.QuotaSnapshot{}, false
	}
	return snap, true
}

// touchActivity records the current time as the last activity timestamp,
// read by /status to decide whether to surface an active provider.
// Updated on every /v1/models and /v1/responses call, successful or not.
func (s *server) touchActivity(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	v, _ := json.Marshal(s.now().UnixMilli())
	_ = s.deps.Store.Set(ctx, lastActivityKey, v)
}

func (s *server) lastActivity(ctx context.Context) int64 {
	if s.deps.Store == nil {
		return 0
	}
	raw, ok, err := s.deps.Store.Get(ctx, lastActivityKey)
	if err != nil || !ok {
		return 0
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0
	}
	return ms
}
