package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	CapturePath     string
	StatsInterval   time.Duration
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("SEMWIRE_CONFIG", ""),
		"Path to a JSON or YAML configuration file, empty for defaults (env: SEMWIRE_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("SEMWIRE_CONFIG", ""),
		"Path to a JSON or YAML configuration file, empty for defaults (env: SEMWIRE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SEMWIRE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SEMWIRE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SEMWIRE_LOG_FORMAT", "json"),
		"Log format: json, text (env: SEMWIRE_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("SEMWIRE_DEBUG", false),
		"Enable debug mode (env: SEMWIRE_DEBUG)")

	flag.StringVar(&cfg.CapturePath, "capture",
		getEnv("SEMWIRE_CAPTURE", ""),
		"Record every datagram to this pcap file (env: SEMWIRE_CAPTURE)")

	flag.DurationVar(&cfg.StatsInterval, "stats-interval",
		getEnvDuration("SEMWIRE_STATS_INTERVAL", 10*time.Second),
		"Interval between counter summaries in the log, 0 to disable (env: SEMWIRE_STATS_INTERVAL)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SEMWIRE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: SEMWIRE_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.StatsInterval < 0 {
		return fmt.Errorf("invalid stats interval: %s", cfg.StatsInterval)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - reliable ordered UDP media driver

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a configuration file
  %s --config=/etc/semwire/driver.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Record traffic for semwire-dump
  %s --config=driver.yaml --capture=/tmp/semwire.pcap

  # Run with environment variables
  export SEMWIRE_CONFIG=/etc/semwire/driver.yaml
  export SEMWIRE_THREADING_MODE=shared
  %s

  # Validate configuration only
  %s --config=driver.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
