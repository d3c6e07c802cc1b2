package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/auth"
	"github.com/eugener/gandalf/internal/cloudauth"
	"github.com/eugener/gandalf/internal/config"
	"github.com/eugener/gandalf/internal/quota"
	"github.com/eugener/gandalf/internal/rewrite"
	"github.com/eugener/gandalf/internal/router"
	"github.com/eugener/gandalf/internal/secrets"
	"github.com/eugener/gandalf/internal/server"
	"github.com/eugener/gandalf/internal/store/sqlite"
	"github.com/eugener/gandalf/internal/telemetry"
	"github.com/eugener/gandalf/internal/upstream"
	"github.com/eugener/gandalf/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting gateway", "version", version, "addr", cfg.Server.Addr)

	secretsStore, err := secrets.Open(cfg.Secrets.Path)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}

	if err := config.Bootstrap(cfg, secretsStore); err != nil {
		return fmt.Errorf("bootstrap secrets: %w", err)
	}

	db, recovered, err := sqlite.OpenWithRecovery(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if recovered {
		slog.Warn("store was corrupt, started from a fresh empty store", "path", cfg.Store.Path)
	}
	slog.Info("store opened", "path", cfg.Store.Path)

	ctx := context.Background()

	// Shared DNS cache for every provider's HTTP transport.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	upstreams := upstream.NewRegistry()
	var providers []gateway.ProviderConfig
	for _, p := range cfg.Providers {
		gp := p.ToGateway()
		if !p.IsEnabled() {
			slog.Info("provider skipped (disabled)", "name", p.Name)
			continue
		}

		apiKey := secretsStore.ProviderKey(p.Name)
		if apiKey == "" {
			apiKey = gp.LegacyAPIKey
		}

		client, err := buildProviderClient(ctx, p, apiKey, dnsResolver)
		if err != nil {
			return fmt.Errorf("provider %q: %w", p.Name, err)
		}

		upstreams.Register(p.Name, &upstream.Client{Config: gp, HTTPClient: client})
		providers = append(providers, gp)
		slog.Info("provider registered",
			"name", p.Name,
			"base_url", p.BaseURL,
			"hosting", p.Hosting,
			"usage_adapter", p.UsageAdapter,
		)
	}

	routerReg := router.NewRegistry(nil)
	capabilities, err := rewrite.NewCapabilityCache()
	if err != nil {
		return fmt.Errorf("create capability cache: %w", err)
	}

	authenticator := &auth.BearerAuthenticator{Token: secretsStore.GatewayToken}

	usageRecorder := worker.NewUsageRecorder(db)

	quotaPoller, err := quota.NewPoller(nil)
	if err != nil {
		return fmt.Errorf("create quota poller: %w", err)
	}
	quotaWorker := worker.NewQuotaPollWorker(quotaPoller, db, secretsStore, providers)

	isAllowedKey := func(key string) bool {
		if key == "last_activity_unix_ms" {
			return true
		}
		for _, p := range providers {
			if key == "quota:"+p.Name {
				return true
			}
		}
		return false
	}
	maxBytes := cfg.Store.MaxSizeMB * 1024 * 1024
	maintenanceWorker := worker.NewStoreMaintenanceWorker(db, isAllowedKey, maxBytes, cfg.Store.MaintainEvery)

	runner := worker.NewRunner(usageRecorder, quotaWorker, maintenanceWorker)

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("gateway/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Auth:           authenticator,
		Router:         routerReg,
		Upstreams:      upstreams,
		Capabilities:   capabilities,
		Secrets:        secretsStore,
		Store:          db,
		Routing:        cfg.Routing,
		Providers:      providers,
		SessionsDir:    cfg.Sessions.Dir,
		ListenAddr:     cfg.Server.Addr,
		Usage:          usageRecorder,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     db.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("gateway ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("gateway stopped")
	return nil
}

// buildProviderClient assembles an *http.Client with the auth transport
// chain for a provider entry. The base transport includes DNS caching and
// HTTP/2, except for providers whose base URL host matches
// rewrite.PreferSimpleShape (Azure OpenAI and local Ollama-style hosts),
// which stay on HTTP/1.1.
func buildProviderClient(ctx context.Context, p config.ProviderEntry, apiKey string, resolver *dnscache.Resolver) (*http.Client, error) {
	useHTTP2 := !rewrite.PreferSimpleShape(upstreamHostOf(p.BaseURL))
	base := upstream.NewTransport(resolver, useHTTP2)

	var transport http.RoundTripper = base

	switch {
	case p.Hosting == "vertex":
		gcpTransport, err := cloudauth.NewGCPOAuthTransport(ctx, base,
			"https://www.googleapis.com/auth/cloud-platform",
		)
		if err != nil {
			return nil, fmt.Errorf("gcp oauth: %w", err)
		}
		transport = gcpTransport
	case apiKey != "":
		transport = &cloudauth.APIKeyTransport{
			Key:        apiKey,
			HeaderName: "Authorization",
			Prefix:     "Bearer ",
			Base:       base,
		}
	}

	return &http.Client{Transport: transport}, nil
}

func upstreamHostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
