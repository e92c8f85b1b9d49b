// Package main is the entry point for the ogent-agent binary. It wires all
// internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build executors (local always; remote when enabled)
//  4. Build the executor pool (worker count = concurrency limit)
//  5. Collect capability info
//  6. Build the agent core (event protocol client)
//  7. Start the pool workers and the connection loop
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ogent-io/ogent/agent/internal/agentcore"
	"github.com/ogent-io/ogent/agent/internal/capabilities"
	"github.com/ogent-io/ogent/agent/internal/executor"
	"github.com/ogent-io/ogent/shared/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	controllerURL string
	username      string
	password      string

	reconnectDelaySeconds int
	maxReconnectAttempts  int
	concurrencyLimit      int

	remoteEnabled        bool
	remoteHost           string
	remotePort           int
	remoteUsername       string
	remotePassword       string
	remoteKeyPath        string
	remoteTimeoutSeconds int

	agentIDOverride string
	stateDir        string
	logLevel        string
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
		Use:   "ogent-agent",
		Short: "Ogent agent — executes commands on behalf of the controller",
		Long: `Ogent agent maintains a persistent event-protocol connection to the
controller, receives command dispatches, runs them through a local subshell
or a managed remote shell, and streams progress and results back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.controllerURL, "controller-url", envOrDefault("OGENT_CONTROLLER_URL", "http://localhost:8080"), "Controller base URL")
	flags.StringVar(&cfg.username, "username", envOrDefault("OGENT_USERNAME", ""), "Username for POST /token (required)")
	flags.StringVar(&cfg.password, "password", envOrDefault("OGENT_PASSWORD", ""), "Password for POST /token (required)")
	flags.IntVar(&cfg.reconnectDelaySeconds, "reconnect-delay", envOrDefaultInt("OGENT_RECONNECT_DELAY_SECONDS", 1), "Initial reconnect backoff, in seconds")
	flags.IntVar(&cfg.maxReconnectAttempts, "max-reconnect-attempts", envOrDefaultInt("OGENT_MAX_RECONNECT_ATTEMPTS", 0), "Consecutive failed connects before giving up (0 = retry forever)")
	flags.IntVar(&cfg.concurrencyLimit, "concurrency-limit", envOrDefaultInt("OGENT_CONCURRENCY_LIMIT", 1), "Parallel command workers (1 = serialized execution)")
	flags.BoolVar(&cfg.remoteEnabled, "remote-enabled", envOrDefault("OGENT_REMOTE_ENABLED", "") == "true", "Enable the remote shell executor")
	flags.StringVar(&cfg.remoteHost, "remote-host", envOrDefault("OGENT_REMOTE_HOST", ""), "Remote shell target host")
	flags.IntVar(&cfg.remotePort, "remote-port", envOrDefaultInt("OGENT_REMOTE_PORT", 22), "Remote shell target port")
	flags.StringVar(&cfg.remoteUsername, "remote-username", envOrDefault("OGENT_REMOTE_USERNAME", ""), "Remote shell username")
	flags.StringVar(&cfg.remotePassword, "remote-password", envOrDefault("OGENT_REMOTE_PASSWORD", ""), "Remote shell password")
	flags.StringVar(&cfg.remoteKeyPath, "remote-key-path", envOrDefault("OGENT_REMOTE_KEY_PATH", ""), "Path to the remote shell private key")
	flags.IntVar(&cfg.remoteTimeoutSeconds, "remote-timeout", envOrDefaultInt("OGENT_REMOTE_TIMEOUT_SECONDS", 10), "Remote shell dial timeout, in seconds")
	flags.StringVar(&cfg.agentIDOverride, "agent-id", envOrDefault("OGENT_AGENT_ID", ""), "Agent identity override (default: persisted state, else controller-assigned)")
	flags.StringVar(&cfg.stateDir, "state-dir", envOrDefault("OGENT_STATE_DIR", defaultStateDir()), "Directory for persisted agent state")
	flags.StringVar(&cfg.logLevel, "log-level", envOrDefault("OGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ogent-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.username == "" || cfg.password == "" {
		return fmt.Errorf("credentials are required — set --username/--password or OGENT_USERNAME/OGENT_PASSWORD")
	}
	if cfg.remoteEnabled && cfg.remoteHost == "" {
		return fmt.Errorf("remote execution enabled but no target — set --remote-host or OGENT_REMOTE_HOST")
	}

	logger.Info("starting ogent agent",
		zap.String("version", version),
		zap.String("controller_url", cfg.controllerURL),
		zap.Int("concurrency_limit", cfg.concurrencyLimit),
		zap.Bool("remote_enabled", cfg.remoteEnabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Executors ---
	local := executor.NewLocal(logger)
	kinds := []types.ExecutorKind{types.ExecutorLocal}
	remoteTarget := ""

	var remote executor.Executor
	if cfg.remoteEnabled {
		r := executor.NewRemote(executor.RemoteConfig{
			Host:     cfg.remoteHost,
			Port:     cfg.remotePort,
			Username: cfg.remoteUsername,
			Password: cfg.remotePassword,
			KeyPath:  cfg.remoteKeyPath,
			Timeout:  time.Duration(cfg.remoteTimeoutSeconds) * time.Second,
		}, logger)
		defer r.Close() //nolint:errcheck
		remote = r
		kinds = append(kinds, types.ExecutorRemote)
		remoteTarget = r.Target()
	}

	pool := executor.NewPool(local, remote, cfg.concurrencyLimit, logger)

	// --- Capabilities ---
	info := capabilities.Collect(version, kinds, remoteTarget)

	// --- Agent core ---
	core := agentcore.New(agentcore.Config{
		ControllerURL:        cfg.controllerURL,
		Username:             cfg.username,
		Password:             cfg.password,
		ReconnectDelay:       time.Duration(cfg.reconnectDelaySeconds) * time.Second,
		MaxReconnectAttempts: cfg.maxReconnectAttempts,
		StateDir:             cfg.stateDir,
		AgentIDOverride:      cfg.agentIDOverride,
	}, pool, info, logger)

	go pool.Run(ctx, core)

	if err := core.Run(ctx); err != nil {
		if errors.Is(err, agentcore.ErrMaxReconnects) {
			return fmt.Errorf("giving up on controller: %w", err)
		}
		return err
	}

	logger.Info("ogent agent stopped")
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

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ogent-agent")
	}
	return ".ogent-agent"
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
