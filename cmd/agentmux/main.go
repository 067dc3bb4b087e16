package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	_ "go.uber.org/automaxprocs"

	"github.com/joestump/agentmux/internal/agent"
	"github.com/joestump/agentmux/internal/config"
	"github.com/joestump/agentmux/internal/server"
	"github.com/joestump/agentmux/internal/store"
	"github.com/joestump/agentmux/internal/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentmux",
		Short: "Multiplexes agent sessions over WebSocket and stdio",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8787, "TCP port for the WebSocket transport")
	f.String("data-dir", config.DefaultDataDir(), "directory for persistent state")
	f.Int("max-sessions", 50, "maximum concurrent agent sessions")
	f.Int("max-connections", 200, "maximum concurrent client connections")
	f.Int64("max-message-bytes", 1<<20, "maximum frame size in bytes")
	f.Int("session-rate-per-min", 120, "per-session commands per minute")
	f.Int("global-rate-per-min", 1000, "global commands per minute")
	f.Int("ui-response-per-min", 60, "extension UI responses per minute")
	f.Duration("heartbeat-zombie", 5*time.Minute, "heartbeat silence before a session counts as a zombie")
	f.Duration("session-expiry", 24*time.Hour, "maximum session lifetime")
	f.Int("max-outcomes", 10000, "replay outcome cache size")
	f.Int("max-in-flight", 1000, "maximum commands executing at once")
	f.Duration("idempotency-ttl", 10*time.Minute, "idempotency cache entry lifetime")
	f.Duration("short-timeout", 30*time.Second, "deadline for the short timeout class")
	f.Duration("default-timeout", 5*time.Minute, "deadline for the default timeout class")
	f.Duration("dep-wait-timeout", 30*time.Second, "per-dependency wait budget")
	f.StringToString("timeout-classes", nil, "command=class timeout overrides (none, short, default)")
	f.Int("lock-max-waiters", 100, "maximum queued waiters per session lock")
	f.Duration("lock-wait-timeout", 5*time.Second, "lock acquisition wait budget")
	f.Int("breaker-failure-threshold", 5, "failures before a circuit opens")
	f.Duration("breaker-failure-window", time.Minute, "window for counting failures")
	f.Duration("breaker-recovery-timeout", 30*time.Second, "open to half-open delay")
	f.Int("breaker-half-open-max", 5, "concurrent half-open probes")
	f.Int("breaker-success-threshold", 2, "probe successes to close a circuit")
	f.Duration("breaker-slow-call", 30*time.Second, "latency counted as a slow failure")
	f.Duration("ui-request-timeout", time.Minute, "default extension UI request timeout")
	f.Int("ui-max-pending", 1000, "maximum pending extension UI requests")
	f.Duration("shutdown-drain", 30*time.Second, "in-flight drain budget on shutdown")
	f.Bool("stdio", true, "serve the stdio transport")
	f.String("log-level", "info", "zerolog level (trace, debug, info, warn, error)")
	f.String("log-format", "console", "log output format (console or json)")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the AGENTMUX_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("data_dir", "data-dir")
	bindFlag("max_sessions", "max-sessions")
	bindFlag("max_connections", "max-connections")
	bindFlag("max_message_bytes", "max-message-bytes")
	bindFlag("session_rate_per_min", "session-rate-per-min")
	bindFlag("global_rate_per_min", "global-rate-per-min")
	bindFlag("ui_response_per_min", "ui-response-per-min")
	bindFlag("heartbeat_zombie", "heartbeat-zombie")
	bindFlag("session_expiry", "session-expiry")
	bindFlag("max_outcomes", "max-outcomes")
	bindFlag("max_in_flight", "max-in-flight")
	bindFlag("idempotency_ttl", "idempotency-ttl")
	bindFlag("short_timeout", "short-timeout")
	bindFlag("default_timeout", "default-timeout")
	bindFlag("dep_wait_timeout", "dep-wait-timeout")
	bindFlag("timeout_classes", "timeout-classes")
	bindFlag("lock_max_waiters", "lock-max-waiters")
	bindFlag("lock_wait_timeout", "lock-wait-timeout")
	bindFlag("breaker_failure_threshold", "breaker-failure-threshold")
	bindFlag("breaker_failure_window", "breaker-failure-window")
	bindFlag("breaker_recovery_timeout", "breaker-recovery-timeout")
	bindFlag("breaker_half_open_max", "breaker-half-open-max")
	bindFlag("breaker_success_threshold", "breaker-success-threshold")
	bindFlag("breaker_slow_call", "breaker-slow-call")
	bindFlag("ui_request_timeout", "ui-request-timeout")
	bindFlag("ui_max_pending", "ui-max-pending")
	bindFlag("shutdown_drain", "shutdown-drain")
	bindFlag("stdio", "stdio")
	bindFlag("log_level", "log-level")
	bindFlag("log_format", "log-format")

	viper.SetEnvPrefix("AGENTMUX")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg)
	log.Info().Str("version", config.Version).Int("port", cfg.Port).
		Str("dataDir", cfg.DataDir).Msg("agentmux starting")

	meta, err := store.Open(cfg.DataDir, log.With().Str("component", "store").Logger())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := agent.NewFactory(agent.NewAnthropicClient(), log.With().Str("component", "agent").Logger())
	mgr := server.New(cfg, log, factory, meta, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		mgr.InitiateShutdown(cfg.ShutdownDrain)
		cancel()
	}()

	go mgr.Run()

	ws := transport.NewWSServer(cfg, mgr, reg, log.With().Str("component", "ws").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(ws.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return ws.Shutdown(shutdownCtx)
	})
	if viper.GetBool("stdio") {
		g.Go(func() error {
			stdio := transport.NewStdioRunner(cfg, mgr, os.Stdin, os.Stdout,
				log.With().Str("component", "stdio").Logger())
			err := stdio.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogFormat == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log.Level(level).With().Timestamp().Logger()
}
