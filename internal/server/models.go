package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/upstream"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels forwards to whichever provider would currently be
// selected for the caller's session, without perturbing routing state:
// PeekProvider is used instead of DecideProvider so a CLI's startup model
// probe never commits a session to a provider or moves it off the
// stabilization window. An unreachable or unconfigured provider yields an
// empty list rather than an error, since this is a convenience probe the
// CLI already tolerates failing silently.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.touchActivity(ctx)

	key := sessionKey(r, nil)
	decision := s.deps.Router.PeekProvider(s.deps.Routing, key, s.quotaOK(ctx), s.quotaConfirmed(ctx))
	if decision.Provider == "" {
		writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: []modelEntry{}})
		return
	}

	client, err := s.deps.Upstreams.Get(decision.Provider)
	if err != nil {
		writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: []modelEntry{}})
		return
	}

	models, err := s.fetchModels(ctx, client, decision.Provider)
	if err != nil {
		s.logEvent(ctx, gateway.LevelWarning, "models.fetch_failed", decision.Provider, err.Error())
		writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: []modelEntry{}})
		return
	}

	now := s.now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{ID: m, Object: "model", Created: now, OwnedBy: "system"}
	}
	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

func (s *server) fetchModels(ctx context.Context, client *upstream.Client, providerName string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	targetURL := joinUpstreamURL(client.Config.BaseURL, "v1/models")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, err
	}
	setAuth := s.upstreamAuth(providerName, "")
	setAuth(req.Header)

	resp, err := client.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, upstream.ParseAPIError(providerName, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, 16)
	for _, m := range gjson.GetBytes(body, "data").Array() {
		if id := m.Get("id").String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
