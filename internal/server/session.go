package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// codexSessionHeaders are checked, in order, for a client-reported session
// id when the explicit session_id header is absent.
var codexSessionHeaders = []string{
	"session_id",
	"x-session-id",
	"x-codex-session",
	"x-codex-session-id",
	"codex-session",
	"codex_session",
}

// codexSessionBodyFields mirrors codexSessionHeaders for bodies that carry
// the session id as a JSON field instead of (or in addition to) a header.
var codexSessionBodyFields = []string{
	"session_id",
	"session",
	"codex_session_id",
	"codexSessionId",
}

// sessionKey resolves the routing session key for a request: an explicit
// session_id header, else a Codex-style session id from other headers or
// body fields, else a peer-socket fallback. body may be nil when the caller
// has not parsed one (e.g. /v1/models).
func sessionKey(r *http.Request, body map[string]any) string {
	if v := strings.TrimSpace(r.Header.Get("session_id")); v != "" {
		return v
	}
	for _, h := range codexSessionHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	for _, f := range codexSessionBodyFields {
		if s, ok := body[f].(string); ok {
			if v := strings.TrimSpace(s); v != "" {
				return v
			}
		}
	}
	return "peer:" + r.RemoteAddr
}

// decodeSessionProbeBody best-effort parses a request body just far enough
// to look for a session id field, without consuming r.Body for the real
// handler (callers pass the already-buffered bytes).
func decodeSessionProbeBody(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
