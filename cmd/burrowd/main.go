// Command burrowd runs the runner orchestration engine: the HTTP API,
// the lifecycle pipelines, and (on the elected leader) the background
// workers that keep warm pools filled and expired runners reclaimed.
//
// Configuration comes from the environment (see internal/config) plus an
// optional burrow.yaml manifest declaring cloud connectors.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/burrow-dev/burrow/platform/internal/allocator"
	"github.com/burrow-dev/burrow/platform/internal/api"
	"github.com/burrow-dev/burrow/platform/internal/auth"
	"github.com/burrow-dev/burrow/platform/internal/cloud"
	"github.com/burrow-dev/burrow/platform/internal/config"
	"github.com/burrow-dev/burrow/platform/internal/domain"
	"github.com/burrow-dev/burrow/platform/internal/drivers"
	"github.com/burrow-dev/burrow/platform/internal/events"
	"github.com/burrow-dev/burrow/platform/internal/keys"
	"github.com/burrow-dev/burrow/platform/internal/leader"
	"github.com/burrow-dev/burrow/platform/internal/lifecycle"
	"github.com/burrow-dev/burrow/platform/internal/pool"
	"github.com/burrow-dev/burrow/platform/internal/postgres"
	"github.com/burrow-dev/burrow/platform/internal/reaper"
	"github.com/burrow-dev/burrow/platform/internal/secgroups"
	"github.com/burrow-dev/burrow/platform/internal/secrets"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck())
	}

	initLogging()

	if err := run(); err != nil {
		slog.Error("burrowd: fatal", "error", err)
		os.Exit(1)
	}
}

// initLogging installs a JSON slog handler wrapped with the context handler
// so request IDs recorded by the router show up on every log line.
func initLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(api.NewContextHandler(inner)))
}

// runHealthcheck probes the local /health endpoint. Used as the container
// HEALTHCHECK command so the image needs no curl.
func runHealthcheck() int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + healthcheckAddr() + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck: status %d\n", resp.StatusCode)
		return 1
	}
	return 0
}

func healthcheckAddr() string {
	addr := os.Getenv("BURROW_LISTEN_ADDR")
	if addr == "" {
		if port := os.Getenv("PORT"); port != "" {
			addr = ":" + port
		} else {
			addr = config.DefaultListenAddr
		}
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "localhost:8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	manifest, err := config.LoadManifest(config.ResolveManifestPath())
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	ctx := context.Background()

	dbpool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer dbpool.Close()

	if err := postgres.Migrate(ctx, dbpool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	runners := postgres.NewRunnerStore(dbpool)
	images := postgres.NewCachedImageStore(postgres.NewImageStore(dbpool))
	connectors := postgres.NewConnectorStore(dbpool)
	keyStore := postgres.NewKeyStore(dbpool)
	groupStore := postgres.NewSecurityGroupStore(dbpool)
	scriptStore := postgres.NewScriptStore(dbpool)

	codec, err := secrets.NewCodec([]byte(cfg.EncryptionKey))
	if err != nil {
		return fmt.Errorf("init secrets codec: %w", err)
	}

	registry := cloud.NewRegistry()
	registry.Register("aws", cloud.NewEC2Factory(&cloud.SSHRunner{}))

	resolver := drivers.NewResolver(registry, connectors, codec)
	keyMgr := keys.NewManager(keyStore, codec)
	groupMgr := secgroups.NewManager(groupStore, resolver)

	if err := ensureConnectors(ctx, connectors, codec, *manifest); err != nil {
		return fmt.Errorf("ensure manifest connectors: %w", err)
	}

	bus := events.NewBus()
	scripts := lifecycle.NewScriptRunner(scriptStore)
	metrics := lifecycle.NewPushgatewayCleaner(cfg.PushgatewayURL)
	terminator := lifecycle.NewTerminator(runners, images, scripts, keyMgr, resolver, groupMgr, metrics, bus)
	readiness := lifecycle.NewReadiness(runners, scripts, keyMgr, bus, terminator, cfg.PushgatewayURL)
	launcher := lifecycle.NewLauncher(runners, images, keyMgr, resolver, groupMgr, readiness, bus)
	alloc := allocator.New(runners, images, scripts, keyMgr, resolver, groupMgr, launcher, terminator, bus)

	if cfg.MaxRunnerLifetime != domain.MaxSessionMinutes {
		slog.Warn("burrowd: session cap is fixed, MAX_RUNNER_LIFETIME ignored",
			"requested", cfg.MaxRunnerLifetime, "effective", domain.MaxSessionMinutes)
	}

	poolCtl, err := pool.New(runners, images, launcher, terminator,
		pool.DefaultSchedule, time.Duration(cfg.IdlePoolMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("init pool controller: %w", err)
	}
	expiry := reaper.New(runners, terminator, reaper.DefaultInterval)

	startWorkers := func(wctx context.Context) (stop func()) {
		slog.Info("burrowd: starting background workers")
		poolCtl.Start(wctx)
		expiry.Start(wctx)
		return func() {
			poolCtl.Stop()
			expiry.Stop()
		}
	}

	var stopLeader func()
	if cfg.WorkersEnabled {
		elector := leader.New(pgTryLock(dbpool), leader.RetryInterval, startWorkers)
		elector.Start(ctx)
		stopLeader = elector.Stop
	} else {
		slog.Info("burrowd: background workers disabled by configuration")
	}

	srv := &api.Server{
		Runners:    runners,
		Images:     images,
		Connectors: connectors,
		Scripts:    scriptStore,
		Allocator:  alloc,
		Terminator: terminator,
		Validator:  drivers.NewValidator(resolver),
		Encryptor:  codec,
		Events:     bus,

		Auth:        authMiddleware(),
		CORSOrigins: cfg.CORSOrigins,

		DBHealth: postgres.NewHealthChecker(dbpool),
	}
	if cfg.RateLimit > 0 {
		srv.RateLimit = &api.RateLimitConfig{
			RequestsPerSecond: float64(cfg.RateLimit) / 60,
			Burst:             cfg.RateLimit,
			CleanupInterval:   5 * time.Minute,
		}
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewRouter(srv),

		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: the event stream holds connections open for the
		// life of a provisioning pipeline. ReadHeaderTimeout still bounds
		// slow clients.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,

		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS13},
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertFile != "" {
			errCh <- httpSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()
	slog.Info("burrowd: listening", "addr", cfg.ListenAddr, "tls", cfg.TLSCertFile != "")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("burrowd: shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			if stopLeader != nil {
				stopLeader()
			}
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("burrowd: http shutdown", "error", err)
	}

	if stopLeader != nil {
		stopLeader()
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
	}
	if srv.AllocRateLimiterStop != nil {
		srv.AllocRateLimiterStop()
	}

	slog.Info("burrowd: stopped")
	return nil
}

// authMiddleware picks API key auth when BURROW_API_KEY is set, otherwise
// leaves the API open and says so loudly.
func authMiddleware() func(http.Handler) http.Handler {
	if key := os.Getenv("BURROW_API_KEY"); key != "" {
		return auth.APIKey(key)
	}
	slog.Warn("burrowd: BURROW_API_KEY not set, API authentication disabled")
	return auth.Noop()
}

// pgTryLock adapts the connection pool to the elector's lock probe. The
// advisory lock rides on whichever pooled session grabs it and is released
// by Postgres when that session ends.
func pgTryLock(dbpool *pgxpool.Pool) leader.TryLockFunc {
	return func(ctx context.Context) (bool, error) {
		var acquired bool
		err := dbpool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}
}

// ensureConnectors creates any manifest-declared connector that does not
// already exist. Matching is by provider, region, and tag; credentials of
// existing connectors are never overwritten from the manifest.
func ensureConnectors(ctx context.Context, store api.ConnectorStore, codec *secrets.Codec, m config.Manifest) error {
	if len(m.Connectors) == 0 {
		return nil
	}

	existing, err := store.ListConnectors(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.Provider+"/"+c.Region+"/"+c.Tag] = true
	}

	for _, decl := range m.Connectors {
		if have[decl.Provider+"/"+decl.Region+"/"+decl.Tag] {
			continue
		}

		accessKey, err := codec.Encrypt(decl.AccessKey)
		if err != nil {
			return fmt.Errorf("encrypt access key for %s/%s: %w", decl.Provider, decl.Region, err)
		}
		secretKey, err := codec.Encrypt(decl.SecretKey)
		if err != nil {
			return fmt.Errorf("encrypt secret key for %s/%s: %w", decl.Provider, decl.Region, err)
		}

		conn := &domain.CloudConnector{
			Provider:  decl.Provider,
			Region:    decl.Region,
			Tag:       decl.Tag,
			AccessKey: accessKey,
			SecretKey: secretKey,
		}
		if err := store.CreateConnector(ctx, conn); err != nil {
			return fmt.Errorf("create connector %s/%s: %w", decl.Provider, decl.Region, err)
		}
		slog.Info("burrowd: created connector from manifest",
			"provider", decl.Provider, "region", decl.Region, "tag", decl.Tag)
	}
	return nil
}
