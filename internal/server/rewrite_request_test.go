package server

import (
	"encoding/json"
	"testing"

	gateway "github.com/eugener/gandalf/internal"
)

func TestJoinUpstreamURL(t *testing.T) {
	t.Parallel()
	cases := []struct{ base, want string }{
		{"https://api.example.com", "https://api.example.com/v1/responses"},
		{"https://api.example.com/", "https://api.example.com/v1/responses"},
		{"https://api.example.com/v1", "https://api.example.com/v1/responses"},
		{"https://api.example.com/v1/", "https://api.example.com/v1/responses"},
	}
	for _, c := range cases {
		if got := joinUpstreamURL(c.base, "v1/responses"); got != c.want {
			t.Errorf("joinUpstreamURL(%q) = %q, want %q", c.base, got, c.want)
		}
	}
}

func TestUpstreamHost(t *testing.T) {
	t.Parallel()
	if got := upstreamHost("https://foo.ppchat.vip:443/v1"); got != "foo.ppchat.vip" {
		t.Fatalf("upstreamHost() = %q", got)
	}
	if got := upstreamHost("::not a url::"); got != "" {
		t.Fatalf("upstreamHost() = %q, want empty on parse failure", got)
	}
}

func TestDropToolItems(t *testing.T) {
	t.Parallel()
	body := map[string]any{
		"input": []any{
			map[string]any{"type": "message", "role": "user"},
			map[string]any{"type": "function_tool_call"},
			map[string]any{"type": "message", "role": "assistant"},
		},
	}
	dropToolItems(body)
	input := body["input"].([]any)
	if len(input) != 2 {
		t.Fatalf("len(input) = %d, want 2", len(input))
	}
}

func TestMergeSessionHistory_NoOverlap(t *testing.T) {
	t.Parallel()
	prior := []gateway.SessionMessage{
		{Role: "user", Content: json.RawMessage(`"hi"`)},
		{Role: "assistant", Content: json.RawMessage(`"hello"`)},
	}
	current := []any{map[string]any{"role": "user", "content": "what's next"}}

	merged := mergeSessionHistory(prior, current)
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}
}

func TestMergeSessionHistory_SkipsReSentTail(t *testing.T) {
	t.Parallel()
	prior := []gateway.SessionMessage{
		{Role: "user", Content: json.RawMessage(`"hi"`)},
		{Role: "assistant", Content: json.RawMessage(`"hello"`)},
	}
	// Client re-sends the exact tail of the journal plus one new message.
	current := []any{
		map[string]any{"role": "user", "content": "hi"},
		map[string]any{"role": "assistant", "content": "hello"},
		map[string]any{"role": "user", "content": "new question"},
	}

	merged := mergeSessionHistory(prior, current)
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3 (no duplication of the re-sent tail)", len(merged))
	}
}
