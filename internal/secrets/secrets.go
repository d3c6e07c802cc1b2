// Package secrets implements the on-disk secret store: provider API keys,
// usage-polling tokens, and the gateway's own bearer token. All of it lives
// in a single JSON file, never inside the SQLite store, so a store rebuild
// or corruption never touches credentials.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// gatewayTokenKey is the reserved entry inside the providers map that holds
// the gateway's own bearer token, mirroring the original store's layout
// instead of a dedicated field -- this keeps rename/clear semantics uniform.
const gatewayTokenKey = "__gateway_token__"

// file is the on-disk JSON shape.
type file struct {
	Providers    map[string]string `json:"providers"`
	UsageTokens  map[string]string `json:"usage_tokens"`
}

// Store is a mutex-guarded, whole-file-persisted secret store.
type Store struct {
	path string
	mu   sync.Mutex
	data file
}

// Open loads path if it exists, or starts with an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: file{
		Providers:   map[string]string{},
		UsageTokens: map[string]string{},
	}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	if len(b) == 0 {
		return s, nil
	}
	var f file
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("secrets: parse %s: %w", path, err)
	}
	if f.Providers == nil {
		f.Providers = map[string]string{}
	}
	if f.UsageTokens == nil {
		f.UsageTokens = map[string]string{}
	}
	s.data = f
	return s, nil
}

func (s *Store) persistLocked() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("secrets: mkdir %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("secrets: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("secrets: rename %s: %w", s.path, err)
	}
	return nil
}

// ProviderKey returns the API key stored for provider, or "" if unset.
func (s *Store) ProviderKey(provider string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Providers[provider]
}

// SetProviderKey stores (or clears, with key == "") the API key for provider.
func (s *Store) SetProviderKey(provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		delete(s.data.Providers, provider)
	} else {
		s.data.Providers[provider] = key
	}
	return s.persistLocked()
}

// RenameProvider moves both the provider key and any usage token from
// oldName to newName.
func (s *Store) RenameProvider(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data.Providers[oldName]; ok {
		delete(s.data.Providers, oldName)
		s.data.Providers[newName] = v
	}
	if v, ok := s.data.UsageTokens[oldName]; ok {
		delete(s.data.UsageTokens, oldName)
		s.data.UsageTokens[newName] = v
	}
	return s.persistLocked()
}

// UsageToken returns the usage-polling token stored for provider.
func (s *Store) UsageToken(provider string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UsageTokens[provider]
}

// SetUsageToken stores (or clears) the usage-polling token for provider.
func (s *Store) SetUsageToken(provider, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		delete(s.data.UsageTokens, provider)
	} else {
		s.data.UsageTokens[provider] = token
	}
	return s.persistLocked()
}

// GatewayToken returns the current gateway bearer token, or "" if none has
// been issued yet.
func (s *Store) GatewayToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Providers[gatewayTokenKey]
}

// EnsureGatewayToken returns the current gateway token, minting and
// persisting a fresh one if none exists yet.
func (s *Store) EnsureGatewayToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok := s.data.Providers[gatewayTokenKey]; tok != "" {
		return tok, nil
	}
	tok := newGatewayToken()
	s.data.Providers[gatewayTokenKey] = tok
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return tok, nil
}

// SetGatewayToken overwrites the gateway token with an explicit value,
// used when migrating a token configured in the YAML file.
func (s *Store) SetGatewayToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Providers[gatewayTokenKey] = token
	return s.persistLocked()
}

// RotateGatewayToken mints and persists a new gateway token, returning it.
func (s *Store) RotateGatewayToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := newGatewayToken()
	s.data.Providers[gatewayTokenKey] = tok
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return tok, nil
}

func newGatewayToken() string {
	return "ao_" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// MaskAPIKey returns a display-safe form of an API key: the first 6 and
// last 4 characters with a fixed run of asterisks between them for keys of
// at least 10 characters, "set" for shorter non-empty keys, and "-" when raw
// is empty. This mirrors the provider-key masking used throughout /status
// and event logs so raw keys never reach disk-backed logs or the API.
func MaskAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "-"
	case len(raw) >= 10:
		return raw[:6] + "******" + raw[len(raw)-4:]
	default:
		return "set"
	}
}
