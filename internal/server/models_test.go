package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/router"
	"github.com/eugener/gandalf/internal/testutil"
	"github.com/eugener/gandalf/internal/upstream"
)

func TestHandleListModels_ForwardsToPreferredProvider(t *testing.T) {
	t.Parallel()
	reg := upstream.NewRegistry()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-5-codex"},{"id":"gpt-5-mini"}]}`))
	})
	srv := testutil.NewFakeUpstream(reg, "primary", handler)
	t.Cleanup(srv.Close)

	routerReg := router.NewRegistry(nil)
	s := &server{deps: Deps{
		Router:    routerReg,
		Upstreams: reg,
		Store:     testutil.NewFakeStore(),
		Routing:   gateway.RoutingConfig{PreferredProvider: "primary", ProviderOrder: []string{"primary"}},
		Providers: []gateway.ProviderConfig{{Name: "primary", BaseURL: srv.URL}},
		Now:       time.Now,
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.handleListModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// PeekProvider must not have recorded a LastUsedRoute.
	if _, ok := routerReg.LastUsed(sessionKey(req, nil)); ok {
		t.Fatalf("handleListModels must not mutate LastUsedRoute")
	}
}

func TestHandleListModels_NoProviderYieldsEmptyList(t *testing.T) {
	t.Parallel()
	reg := upstream.NewRegistry()
	routerReg := router.NewRegistry(nil)
	s := &server{deps: Deps{
		Router:    routerReg,
		Upstreams: reg,
		Store:     testutil.NewFakeStore(),
		Routing:   gateway.RoutingConfig{}, // no preferred/order configured
		Now:       time.Now,
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.handleListModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with no routable provider", w.Code)
	}
}

func TestHandleListModels_UpstreamFailureYieldsEmptyListNot502(t *testing.T) {
	t.Parallel()
	reg := upstream.NewRegistry()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := testutil.NewFakeUpstream(reg, "primary", handler)
	t.Cleanup(srv.Close)

	routerReg := router.NewRegistry(nil)
	s := &server{deps: Deps{
		Router:    routerReg,
		Upstreams: reg,
		Store:     testutil.NewFakeStore(),
		Routing:   gateway.RoutingConfig{PreferredProvider: "primary", ProviderOrder: []string{"primary"}},
		Providers: []gateway.ProviderConfig{{Name: "primary", BaseURL: srv.URL}},
		Now:       time.Now,
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.handleListModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (never perturbs the CLI)", w.Code)
	}
}
