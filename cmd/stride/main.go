package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/stride/internal/api"
	"github.com/btouchard/stride/internal/auth"
	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/config"
	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/fetch"
	stridemcp "github.com/btouchard/stride/internal/mcp"
	"github.com/btouchard/stride/internal/notify"
	"github.com/btouchard/stride/internal/observability"
	"github.com/btouchard/stride/internal/resilience"
	"github.com/btouchard/stride/internal/store"
	"github.com/btouchard/stride/internal/vault"
	"github.com/btouchard/stride/internal/vendor"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("stride %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	case "rotate-state-secret":
		cmdRotateStateSecret(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: stride <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve                 Start the Stride server\n")
	fmt.Fprintf(os.Stderr, "  check                 Validate configuration and vendor credentials\n")
	fmt.Fprintf(os.Stderr, "  rotate-state-secret   Replace the OAuth state signing key\n")
	fmt.Fprintf(os.Stderr, "  version               Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting stride",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"environment", cfg.Server.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Vendor.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "vendor error: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Security.APITokens) == 0 {
		fmt.Fprintln(os.Stderr, "warning: no security.api_tokens configured, every API call will be rejected")
	}

	fmt.Println("configuration is valid")
}

func cmdRotateStateSecret(args []string) {
	fs := flag.NewFlagSet("rotate-state-secret", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Security.StateSecret != "" {
		fmt.Fprintln(os.Stderr, "security.state_secret is set explicitly; change it in configuration instead")
		os.Exit(1)
	}

	dir := config.ExpandHome(cfg.Security.SecretDir)
	if _, err := auth.RotateSecret(dir, auth.StateSecretFile); err != nil {
		fmt.Fprintf(os.Stderr, "rotating state secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("state secret rotated; pending authorization links are now invalid")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(config.ExpandHome(cfg.Server.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Telemetry ---
	if err := observability.InitSentry(cfg.Telemetry, cfg.Server.Environment, version); err != nil {
		slog.Warn("sentry disabled", "error", err)
	}
	defer observability.FlushSentry()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// --- Store ---
	storeOpts := store.Options{
		Driver:      cfg.Database.Driver,
		Path:        config.ExpandHome(cfg.Database.Path),
		RedisURL:    cfg.Database.RedisURL,
		RedisPrefix: cfg.Database.RedisPrefix,
		Production:  cfg.Server.Production(),
	}
	db, err := store.Open(ctx, storeOpts)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("store opened", "store", store.Describe(storeOpts))

	// --- Notifications ---
	hub := notify.NewHub(notify.LogNotifier{Logger: slog.Default()})

	// --- Coach (degraded when vendor credentials are missing) ---
	var svc api.Coach
	var mcpCoach *coach.Service
	built, err := buildCoach(cfg, db, hub)
	switch {
	case errors.Is(err, errs.ErrConfiguration):
		slog.Error("vendor integration unavailable, serving 503", "error", err)
		svc = api.Unavailable(err)
	case err != nil:
		return err
	default:
		svc, mcpCoach = built, built
	}

	// --- MCP Server ---
	var mcpHTTP http.Handler
	if mcpCoach != nil {
		mcpServer := stridemcp.NewServer(&stridemcp.Deps{
			Coach:   mcpCoach,
			Version: version,
		})
		hub.Add(notify.NewMCPNotifier(mcpServer, cfg.Sync.ProgressDebounce))
		mcpHTTP = server.NewStreamableHTTPServer(mcpServer)
	}

	// --- HTTP Router ---
	if len(cfg.Security.APITokens) == 0 {
		slog.Warn("no api tokens configured, authenticated routes will reject every request")
	}
	router := api.NewRouter(svc, api.Options{
		TokenHashes: cfg.Security.TokenHashes(),
		MCP:         mcpHTTP,
		Version:     version,
	})

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("stride is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// buildCoach wires the vendor client, vault and fetcher. A configuration
// error means the server can still run in degraded mode.
func buildCoach(cfg *config.Config, db store.Store, notifier notify.Notifier) (*coach.Service, error) {
	secretDir := config.ExpandHome(cfg.Security.SecretDir)

	stateKey, err := auth.ResolveSecret(cfg.Security.StateSecret, secretDir, auth.StateSecretFile)
	if err != nil {
		return nil, fmt.Errorf("state secret: %w", err)
	}
	states, err := auth.NewStateCodec(stateKey, cfg.Security.StateTTL)
	if err != nil {
		return nil, err
	}

	vaultKey, err := auth.ResolveSecret(cfg.Security.EncryptionKey, secretDir, auth.EncryptionKeyFile)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	cipher, err := vault.NewCipher(vaultKey)
	if err != nil {
		return nil, err
	}

	client, err := vendor.New(cfg.Vendor, &http.Client{Timeout: cfg.Sync.RequestTimeout})
	if err != nil {
		return nil, err
	}

	observer := resilience.MultiObserver{
		resilience.LogObserver{Logger: slog.Default()},
		observability.NewSentryObserver(nil),
	}
	policy := resilience.Policy{
		MaxRetries: cfg.Resilience.RefreshRetries,
		BaseDelay:  cfg.Resilience.BaseDelay,
		MaxDelay:   cfg.Resilience.MaxDelay,
		Jitter:     cfg.Resilience.Jitter,
	}
	// The token and data endpoints fail independently, so each gets its own breaker.
	newExecutor := func(name string) *resilience.Executor {
		breaker := resilience.NewBreaker(name,
			cfg.Resilience.BreakerThreshold,
			cfg.Resilience.BreakerCooldown,
			resilience.WithStateObserver(observer))
		return resilience.NewExecutor(policy, resilience.WithBreaker(breaker), resilience.WithObserver(observer))
	}

	tokens := vault.New(db, client, cipher,
		vault.WithExecutor(newExecutor("vendor-auth")),
		vault.WithLogger(slog.Default().With("component", "vault")))
	fetcher := fetch.New(client, fetch.ConfigFrom(cfg.Vendor, cfg.Sync),
		fetch.WithExecutor(newExecutor("vendor-data")),
		fetch.WithLogger(slog.Default().With("component", "fetch")))

	return coach.New(coach.Deps{
		States:              states,
		Vendor:              client,
		Tokens:              tokens,
		Fetcher:             fetcher,
		Store:               db,
		Notifier:            notifier,
		Report:              observability.CaptureError,
		RedirectURI:         cfg.Vendor.RedirectURI,
		RequiredPermissions: cfg.Vendor.RequiredPermissions,
		MaxSyncDays:         cfg.Sync.MaxDays,
		Logger:              slog.Default().With("component", "coach"),
	})
}
