// Package config provides configuration loading and secret-store bootstrapping.
package config

import (
	"log/slog"

	"github.com/eugener/gandalf/internal/secrets"
)

// Bootstrap migrates any plaintext provider API keys still present in the
// loaded config into the secret store, once, on first run, and ensures the
// gateway has a bearer token. A key already present in the secret store is
// left untouched -- the config file is never treated as more authoritative
// than a key the operator has since rotated through the API.
func Bootstrap(cfg *Config, store *secrets.Store) error {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey == "" {
			continue
		}
		if store.ProviderKey(p.Name) != "" {
			slog.Info("provider key already in secret store, skipping config migration", "provider", p.Name)
			p.APIKey = ""
			continue
		}
		if err := store.SetProviderKey(p.Name, p.APIKey); err != nil {
			return err
		}
		slog.Info("migrated provider key from config into secret store", "provider", p.Name)
		p.APIKey = ""
	}

	if cfg.Auth.Token != "" && store.GatewayToken() == "" {
		if err := store.SetGatewayToken(cfg.Auth.Token); err != nil {
			return err
		}
		slog.Info("migrated gateway token from config into secret store")
	}
	cfg.Auth.Token = ""

	if _, err := store.EnsureGatewayToken(); err != nil {
		return err
	}
	return nil
}
