package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/dnscache"
)

func TestNewTransport_NoResolver(t *testing.T) {
	t.Parallel()
	tr := NewTransport(nil, true)
	if tr.DialContext != nil {
		t.Fatalf("DialContext should be nil without a resolver")
	}
	if !tr.ForceAttemptHTTP2 {
		t.Fatalf("ForceAttemptHTTP2 should be true")
	}
}

func TestNewTransport_WithResolver(t *testing.T) {
	t.Parallel()
	tr := NewTransport(&dnscache.Resolver{}, false)
	if tr.DialContext == nil {
		t.Fatalf("DialContext should be set when a resolver is given")
	}
	if tr.ForceAttemptHTTP2 {
		t.Fatalf("ForceAttemptHTTP2 should be false")
	}
}

func TestForwardRequest_BuffersJSON(t *testing.T) {
	t.Parallel()
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer injected" {
			t.Errorf("auth header = %q, want injected", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstreamSrv.Close()

	setAuth := func(h http.Header) { h.Set("Authorization", "Bearer injected") }

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	req.Header.Set("Authorization", "Bearer client-supplied")
	w := httptest.NewRecorder()

	err := ForwardRequest(context.Background(), upstreamSrv.Client(), upstreamSrv.URL, setAuth, w, req, "/v1/responses")
	if err != nil {
		t.Fatalf("ForwardRequest() error: %v", err)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}
}

func TestForwardRequest_StreamsSSE(t *testing.T) {
	t.Parallel()
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: hello\n\n"))
	}))
	defer upstreamSrv.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	w := httptest.NewRecorder()

	err := ForwardRequest(context.Background(), upstreamSrv.Client(), upstreamSrv.URL, nil, w, req, "/v1/responses")
	if err != nil {
		t.Fatalf("ForwardRequest() error: %v", err)
	}
	if got := w.Body.String(); got != "data: hello\n\n" {
		t.Fatalf("body = %q", got)
	}
}
