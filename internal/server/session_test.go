package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionKey_ExplicitHeaderWins(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	r.Header.Set("session_id", "explicit-session")
	r.Header.Set("x-codex-session", "should-be-ignored")
	if got := sessionKey(r, map[string]any{"session_id": "body-session"}); got != "explicit-session" {
		t.Fatalf("sessionKey() = %q, want explicit-session", got)
	}
}

func TestSessionKey_FallsBackToCodexHeaders(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	r.Header.Set("x-codex-session-id", "codex-session-42")
	if got := sessionKey(r, nil); got != "codex-session-42" {
		t.Fatalf("sessionKey() = %q, want codex-session-42", got)
	}
}

func TestSessionKey_FallsBackToBodyField(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	body := map[string]any{"codex_session_id": "from-body"}
	if got := sessionKey(r, body); got != "from-body" {
		t.Fatalf("sessionKey() = %q, want from-body", got)
	}
}

func TestSessionKey_FallsBackToPeerAddr(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	if got := sessionKey(r, nil); got != "peer:10.0.0.1:54321" {
		t.Fatalf("sessionKey() = %q, want peer:10.0.0.1:54321", got)
	}
}

func TestDecodeSessionProbeBody(t *testing.T) {
	t.Parallel()
	if m := decodeSessionProbeBody(nil); m != nil {
		t.Fatalf("decodeSessionProbeBody(nil) = %v, want nil", m)
	}
	if m := decodeSessionProbeBody([]byte("not json")); m != nil {
		t.Fatalf("decodeSessionProbeBody(invalid) = %v, want nil", m)
	}
	m := decodeSessionProbeBody([]byte(`{"session_id":"abc"}`))
	if m["session_id"] != "abc" {
		t.Fatalf("decodeSessionProbeBody() = %v", m)
	}
}
