package testutil

import (
	"net/http"
	"net/http/httptest"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/upstream"
)

// NewFakeUpstream registers an upstream.Client backed by an httptest.Server
// running handler, under name, in registry. It returns the server so the
// caller can Close it and, if needed, inspect requests handler recorded.
func NewFakeUpstream(registry *upstream.Registry, name string, handler http.Handler) *httptest.Server {
	srv := httptest.NewServer(handler)
	registry.Register(name, &upstream.Client{
		Config:     gateway.ProviderConfig{Name: name, DisplayName: name, BaseURL: srv.URL},
		HTTPClient: srv.Client(),
	})
	return srv
}
