package upstream

import (
	"net/http"
	"sort"
	"testing"

	gateway "github.com/eugener/gandalf/internal"
)

func TestRegistry_RegisterGetList(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	if _, err := reg.Get("primary"); err == nil {
		t.Fatalf("Get() on empty registry = nil error, want error")
	}

	reg.Register("primary", &Client{Config: gateway.ProviderConfig{Name: "primary"}, HTTPClient: http.DefaultClient})
	reg.Register("secondary", &Client{Config: gateway.ProviderConfig{Name: "secondary"}, HTTPClient: http.DefaultClient})

	c, err := reg.Get("primary")
	if err != nil {
		t.Fatalf("Get(primary) error: %v", err)
	}
	if c.Config.Name != "primary" {
		t.Fatalf("Config.Name = %q", c.Config.Name)
	}

	names := reg.List()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Fatalf("List() = %v", names)
	}

	// Re-registering replaces the client.
	reg.Register("primary", &Client{Config: gateway.ProviderConfig{Name: "primary", BaseURL: "https://new"}, HTTPClient: http.DefaultClient})
	c, _ = reg.Get("primary")
	if c.Config.BaseURL != "https://new" {
		t.Fatalf("re-register did not replace client, BaseURL = %q", c.Config.BaseURL)
	}
}
