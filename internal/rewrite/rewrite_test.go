package rewrite

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPreferSimpleShape(t *testing.T) {
	t.Parallel()
	tests := []struct {
		host string
		want bool
	}{
		{host: "foo.openai.azure.com", want: true},
		{host: "api.openai.com", want: false},
		{host: "box.ollama.local", want: true},
	}
	for _, tt := range tests {
		if got := PreferSimpleShape(tt.host); got != tt.want {
			t.Errorf("PreferSimpleShape(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestCapabilityCache_MarkAndDrop(t *testing.T) {
	t.Parallel()
	c, err := NewCapabilityCache()
	if err != nil {
		t.Fatal(err)
	}

	if c.IsUnsupported("acme", "reasoning_effort") {
		t.Fatal("IsUnsupported true before any Mark call")
	}
	c.MarkUnsupported("acme", "reasoning_effort")
	if !c.IsUnsupported("acme", "reasoning_effort") {
		t.Fatal("IsUnsupported false after MarkUnsupported")
	}

	body := map[string]any{"model": "gpt-5", "reasoning_effort": "high"}
	c.DropUnsupportedParams("acme", body)
	if _, ok := body["reasoning_effort"]; ok {
		t.Error("reasoning_effort not dropped")
	}
	if _, ok := body["model"]; !ok {
		t.Error("unrelated key model was dropped")
	}
}

func TestReadSessionMessages(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout-1.jsonl")
	content := `{"type":"response_item","payload":{"type":"message","role":"user","content":"hi"}}
{"type":"response_item","payload":{"type":"function_call","name":"shell"}}
{"type":"other","payload":{"type":"message","role":"system","content":"ignored"}}
{"type":"response_item","payload":{"type":"message","role":"assistant","content":"hello"}}
not json at all
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	msgs, err := ReadSessionMessages(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestRebuildInputFromPreviousResponse_EmptyID(t *testing.T) {
	t.Parallel()
	msgs, err := RebuildInputFromPreviousResponse("/nonexistent", "")
	if err != nil || msgs != nil {
		t.Fatalf("RebuildInputFromPreviousResponse with empty ID = %v,%v, want nil,nil", msgs, err)
	}
}
