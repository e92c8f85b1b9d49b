// Package main is the entry point for the ogent-controller binary. It wires
// every internal package together at a single composition root and starts
// the HTTP/event-protocol listener.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build auth (admin authenticator + JWT manager + service)
//  4. Build registries, broadcaster, AI stage, metrics
//  5. Build Router and start its deadline/grace sweep
//  6. Build transport Hub and run its event loop
//  7. Build HTTP router and start listening
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/controller/internal/agentregistry"
	"github.com/ogent-io/ogent/controller/internal/aistage"
	"github.com/ogent-io/ogent/controller/internal/api"
	"github.com/ogent-io/ogent/controller/internal/auth"
	"github.com/ogent-io/ogent/controller/internal/broadcaster"
	"github.com/ogent-io/ogent/controller/internal/commandregistry"
	"github.com/ogent-io/ogent/controller/internal/metrics"
	"github.com/ogent-io/ogent/controller/internal/router"
	"github.com/ogent-io/ogent/controller/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenHost string
	listenPort int

	tokenSecret     string
	tokenTTLMinutes int
	adminUsername   string
	adminPassword   string

	messagingURL  string
	aiBackendKey  string

	commandRetention       int
	commandDeadlineMinutes int
	graceIntervalSeconds   int

	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ogent-controller",
		Short: "Ogent controller — distributed command-execution control plane",
		Long: `Ogent controller accepts authenticated command requests, routes them to
long-lived Agents over a bidirectional event protocol, streams progress
back to the requester, and delivers a final result record.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.listenHost, "listen-host", envOrDefault("OGENT_LISTEN_HOST", "0.0.0.0"), "HTTP/event-protocol listen host")
	flags.IntVar(&cfg.listenPort, "listen-port", envOrDefaultInt("OGENT_LISTEN_PORT", 8080), "HTTP/event-protocol listen port")
	flags.StringVar(&cfg.tokenSecret, "token-secret", envOrDefault("OGENT_TOKEN_SECRET", ""), "Presence-checked secret gating bearer token issuance (required)")
	flags.IntVar(&cfg.tokenTTLMinutes, "token-ttl-minutes", envOrDefaultInt("OGENT_TOKEN_TTL_MINUTES", 15), "Bearer token time-to-live in minutes")
	flags.StringVar(&cfg.adminUsername, "admin-username", envOrDefault("OGENT_ADMIN_USERNAME", "admin"), "Static admin username for POST /token")
	flags.StringVar(&cfg.adminPassword, "admin-password", envOrDefault("OGENT_ADMIN_PASSWORD", ""), "Static admin password for POST /token (required)")
	flags.StringVar(&cfg.messagingURL, "messaging-url", envOrDefault("OGENT_MESSAGING_URL", ""), "NATS URL for multi-replica fan-out (empty = in-memory, single replica)")
	flags.StringVar(&cfg.aiBackendKey, "ai-backend-key", envOrDefault("OGENT_AI_BACKEND_KEY", ""), "Credential for a real AI pre-processing backend (unset = heuristic backend)")
	flags.IntVar(&cfg.commandRetention, "command-retention", envOrDefaultInt("OGENT_COMMAND_RETENTION", commandregistry.DefaultRetention), "Bound on retained terminal commands")
	flags.IntVar(&cfg.commandDeadlineMinutes, "command-deadline-default", envOrDefaultInt("OGENT_COMMAND_DEADLINE_MINUTES", 5), "Default per-command overall deadline, in minutes")
	flags.IntVar(&cfg.graceIntervalSeconds, "grace-interval", envOrDefaultInt("OGENT_GRACE_INTERVAL_SECONDS", 30), "Grace interval after a session drop before bound commands go Lost, in seconds")
	flags.StringVar(&cfg.logLevel, "log-level", envOrDefault("OGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ogent-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.tokenSecret == "" {
		return fmt.Errorf("token secret is required — set --token-secret or OGENT_TOKEN_SECRET")
	}
	if cfg.adminPassword == "" {
		return fmt.Errorf("admin password is required — set --admin-password or OGENT_ADMIN_PASSWORD")
	}

	logger.Info("starting ogent controller",
		zap.String("version", version),
		zap.String("listen_host", cfg.listenHost),
		zap.Int("listen_port", cfg.listenPort),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Auth ---
	authenticator, err := auth.NewAuthenticator(cfg.adminUsername, cfg.adminPassword)
	if err != nil {
		return fmt.Errorf("failed to initialize authenticator: %w", err)
	}
	jwtManager, err := auth.NewJWTManagerGenerated("ogent-controller", time.Duration(cfg.tokenTTLMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	authService := auth.NewAuthService(authenticator, jwtManager)

	// --- Registries ---
	agents := agentregistry.New(logger)
	commands := commandregistry.New(cfg.commandRetention)

	// --- Broadcaster ---
	var bcast broadcaster.Broadcaster
	if cfg.messagingURL != "" {
		nats, err := broadcaster.NewNATS(cfg.messagingURL)
		if err != nil {
			return fmt.Errorf("failed to connect to messaging backend: %w", err)
		}
		defer nats.Close()
		bcast = nats
		logger.Info("broadcaster: using NATS", zap.String("url", cfg.messagingURL))
	} else {
		bcast = broadcaster.NewMemory()
		logger.Info("broadcaster: using in-memory (single replica)")
	}

	// --- AI pre-processing stage ---
	// ai_backend_key is accepted for forward compatibility, but the model
	// backend itself is an external collaborator — HeuristicBackend
	// stands in regardless of whether a key is configured.
	if cfg.aiBackendKey != "" {
		logger.Warn("ai-backend-key is set but no external AI backend is wired — using the heuristic backend")
	}
	ai := aistage.New(nil, true, 0, logger)

	// --- Metrics ---
	m := metrics.New(prometheus.DefaultRegisterer)

	// --- Router ---
	rt := router.New(agents, commands, bcast, ai, m, router.Config{
		CommandDeadlineDefault: time.Duration(cfg.commandDeadlineMinutes) * time.Minute,
		GraceInterval:          time.Duration(cfg.graceIntervalSeconds) * time.Second,
	}, logger)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	defer func() {
		if err := rt.Stop(); err != nil {
			logger.Warn("router shutdown error", zap.Error(err))
		}
	}()

	// --- Transport hub ---
	hub := transport.NewHub()
	go hub.Run(ctx)

	// --- HTTP server ---
	handler := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		Router:      rt,
		Hub:         hub,
		Logger:      logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.listenHost, cfg.listenPort)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the command stream endpoint holds the connection open
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down ogent controller")
	case err := <-serveErr:
		if err != nil {
			cancel()
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("ogent controller stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
