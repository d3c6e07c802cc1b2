package server

import (
	"encoding/json"
	"net/url"
	"strings"

	gateway "github.com/eugener/gandalf/internal"
)

// joinUpstreamURL builds the target URL for an upstream call, collapsing a
// trailing "/v1" on the base with a leading "v1/" on path so either
// "https://api.example.com" or "https://api.example.com/v1" work as a
// configured base_url.
func joinUpstreamURL(baseURL, path string) string {
	base := strings.TrimSuffix(baseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	path = strings.TrimPrefix(path, "/")
	return base + "/" + path
}

// upstreamHost extracts the host (no port) from baseURL, used by
// rewrite.PreferSimpleShape's host-suffix match.
func upstreamHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// dropToolItems removes every item of a request's "input" array whose
// "type" contains "tool", for upstreams that only accept the simple
// chat-message shape. Removed items are not translated into messages, and
// items of any other type pass through unchanged.
func dropToolItems(body map[string]any) {
	input, ok := body["input"].([]any)
	if !ok {
		return
	}
	out := input[:0]
	for _, item := range input {
		if m, ok := item.(map[string]any); ok {
			if t, _ := m["type"].(string); strings.Contains(t, "tool") {
				continue
			}
		}
		out = append(out, item)
	}
	body["input"] = out
}

// messagesEqual compares a reconstructed history item to a raw request
// input item by normalized role+content JSON.
func messagesEqual(a gateway.SessionMessage, b any) bool {
	m, ok := b.(map[string]any)
	if !ok {
		return false
	}
	role, _ := m["role"].(string)
	if role != a.Role {
		return false
	}
	bContent, err := json.Marshal(m["content"])
	if err != nil {
		return false
	}
	return string(bContent) == string(a.Content) || jsonEqual(bContent, a.Content)
}

// jsonEqual reports whether two JSON byte slices encode the same value,
// tolerating formatting differences (key order, whitespace).
func jsonEqual(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	na, err1 := json.Marshal(va)
	nb, err2 := json.Marshal(vb)
	return err1 == nil && err2 == nil && string(na) == string(nb)
}

// mergeSessionHistory prepends prior session messages to the current
// request's input array, skipping the longest suffix of prior that the
// client has already re-sent as a prefix of current -- so a client that
// re-transmits the journal's tail doesn't see it duplicated.
func mergeSessionHistory(prior []gateway.SessionMessage, current []any) []any {
	overlap := 0
	maxOverlap := len(prior)
	if len(current) < maxOverlap {
		maxOverlap = len(current)
	}
	for n := maxOverlap; n > 0; n-- {
		if suffixMatches(prior[len(prior)-n:], current[:n]) {
			overlap = n
			break
		}
	}

	out := make([]any, 0, len(prior)+len(current)-overlap)
	for _, m := range prior {
		out = append(out, map[string]any{"role": m.Role, "content": json.RawMessage(m.Content)})
	}
	out = append(out, current[overlap:]...)
	return out
}

func suffixMatches(tail []gateway.SessionMessage, prefix []any) bool {
	for i := range tail {
		if !messagesEqual(tail[i], prefix[i]) {
			return false
		}
	}
	return true
}
