// Package config holds runtime configuration for agentmux. Values merge
// flag values, AGENTMUX_* env vars, and defaults, all through viper (set
// up by the cobra command in cmd/agentmux).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for agentmux.
type Config struct {
	Port    int
	DataDir string

	// Resource governor.
	MaxSessions       int
	MaxConnections    int
	MaxMessageBytes   int64
	SessionRatePerMin int
	GlobalRatePerMin  int
	UIResponsePerMin  int
	HeartbeatZombie   time.Duration
	SessionExpiry     time.Duration

	// Replay and idempotency store.
	MaxOutcomes    int
	MaxInFlight    int
	IdempotencyTTL time.Duration

	// Execution engine.
	ShortTimeout   time.Duration
	DefaultTimeout time.Duration
	DepWaitTimeout time.Duration
	TimeoutClasses map[string]string

	// Session lock manager.
	LockMaxWaiters  int
	LockWaitTimeout time.Duration

	// Circuit breaker.
	BreakerFailureThreshold int
	BreakerFailureWindow    time.Duration
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMax      int
	BreakerSuccessThreshold int
	BreakerSlowCall         time.Duration

	// Extension UI requests.
	UIRequestTimeout time.Duration
	UIMaxPending     int

	// Shutdown.
	ShutdownDrain time.Duration

	LogLevel  string
	LogFormat string // console | json
}

// DefaultDataDir returns $HOME/.agentmux, falling back to the working
// directory when HOME is unset.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentmux"
	}
	return filepath.Join(home, ".agentmux")
}

// Load reads configuration from viper.
func Load() Config {
	return Config{
		Port:    viper.GetInt("port"),
		DataDir: viper.GetString("data_dir"),

		MaxSessions:       viper.GetInt("max_sessions"),
		MaxConnections:    viper.GetInt("max_connections"),
		MaxMessageBytes:   viper.GetInt64("max_message_bytes"),
		SessionRatePerMin: viper.GetInt("session_rate_per_min"),
		GlobalRatePerMin:  viper.GetInt("global_rate_per_min"),
		UIResponsePerMin:  viper.GetInt("ui_response_per_min"),
		HeartbeatZombie:   viper.GetDuration("heartbeat_zombie"),
		SessionExpiry:     viper.GetDuration("session_expiry"),

		MaxOutcomes:    viper.GetInt("max_outcomes"),
		MaxInFlight:    viper.GetInt("max_in_flight"),
		IdempotencyTTL: viper.GetDuration("idempotency_ttl"),

		ShortTimeout:   viper.GetDuration("short_timeout"),
		DefaultTimeout: viper.GetDuration("default_timeout"),
		DepWaitTimeout: viper.GetDuration("dep_wait_timeout"),
		TimeoutClasses: viper.GetStringMapString("timeout_classes"),

		LockMaxWaiters:  viper.GetInt("lock_max_waiters"),
		LockWaitTimeout: viper.GetDuration("lock_wait_timeout"),

		BreakerFailureThreshold: viper.GetInt("breaker_failure_threshold"),
		BreakerFailureWindow:    viper.GetDuration("breaker_failure_window"),
		BreakerRecoveryTimeout:  viper.GetDuration("breaker_recovery_timeout"),
		BreakerHalfOpenMax:      viper.GetInt("breaker_half_open_max"),
		BreakerSuccessThreshold: viper.GetInt("breaker_success_threshold"),
		BreakerSlowCall:         viper.GetDuration("breaker_slow_call"),

		UIRequestTimeout: viper.GetDuration("ui_request_timeout"),
		UIMaxPending:     viper.GetInt("ui_max_pending"),

		ShutdownDrain: viper.GetDuration("shutdown_drain"),

		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", c.Port)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	for cmd, class := range c.TimeoutClasses {
		switch class {
		case "none", "short", "default":
		default:
			return fmt.Errorf("timeout class for %q must be none, short, or default, got %q", cmd, class)
		}
	}
	return nil
}
