package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	UserID          string
	Token           string
	MetricsPort     int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("CHATSYNC_CONFIG", "configs/chatsync.yaml"),
		"Path to configuration file (env: CHATSYNC_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("CHATSYNC_CONFIG", "configs/chatsync.yaml"),
		"Path to configuration file (env: CHATSYNC_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CHATSYNC_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CHATSYNC_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CHATSYNC_LOG_FORMAT", "text"),
		"Log format: json, text (env: CHATSYNC_LOG_FORMAT)")

	flag.StringVar(&cfg.UserID, "user",
		getEnv("CHATSYNC_USER", ""),
		"User id to connect as (env: CHATSYNC_USER)")

	flag.StringVar(&cfg.Token, "token",
		getEnv("CHATSYNC_TOKEN", ""),
		"Session token for the user (env: CHATSYNC_TOKEN)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("CHATSYNC_METRICS_PORT", 0),
		"Prometheus metrics port, 0 to disable (env: CHATSYNC_METRICS_PORT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CHATSYNC_SHUTDOWN_TIMEOUT", 15*time.Second),
		"Graceful shutdown timeout (env: CHATSYNC_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	if !cfg.Validate && cfg.UserID == "" {
		return fmt.Errorf("a user id is required (-user or CHATSYNC_USER)")
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Chat Synchronization Client

Connects to the chat backend, keeps the local store in sync, and drains
messages queued while offline.

USAGE:
  %s [flags] [channel message...]

  With positional arguments, sends the message to the channel and waits
  for the delivery confirmation before exiting. Without them, tails the
  event stream until interrupted.

FLAGS:
`, appName, appName)
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
EXAMPLES:
  # Tail events as user alice
  %s -config configs/chatsync.yaml -user alice -token $TOKEN

  # Send a message and exit once delivered
  %s -user alice -token $TOKEN general "hello from the CLI"

  # Validate configuration without connecting
  %s -config configs/chatsync.yaml -validate
`, appName, appName, appName)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
