package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mbest "github.com/DevHamza786/mbest-lms-sub001"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.mbest/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Push    ConfigPush    `toml:"push"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds the REST endpoint.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// ConfigAuth holds the session.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   int64  `toml:"user_id"`
	UserName string `toml:"user_name"`
	Email    string `toml:"email"`
}

// ConfigPush selects the push transport.
type ConfigPush struct {
	Transport     string `toml:"transport"` // "websocket", "nats" or "none"
	URL           string `toml:"url"`
	ChannelPrefix string `toml:"channel_prefix"`
	Event         string `toml:"event"`
	AuthKey       string `toml:"auth_key"`
	AuthSecret    string `toml:"auth_secret"`
}

// ConfigSync tunes polling and read receipts.
type ConfigSync struct {
	PollInterval   string `toml:"poll_interval"`
	ReadDebounce   string `toml:"read_debounce"`
	AckConcurrency int    `toml:"ack_concurrency"`
	AckRate        int    `toml:"ack_rate"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the config file path. MBEST_CONFIG overrides
// ~/.mbest/config.toml.
func configPath() (string, error) {
	if p := os.Getenv("MBEST_CONFIG"); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".mbest")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "push.transport").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			cfg.Default.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user_id %q", value)
			}
			cfg.Auth.UserID = n
		case "user_name":
			cfg.Auth.UserName = value
		case "email":
			cfg.Auth.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "push":
		switch field {
		case "transport":
			switch value {
			case "websocket", "nats", "none":
			default:
				return fmt.Errorf("unknown transport %q (valid: websocket, nats, none)", value)
			}
			cfg.Push.Transport = value
		case "url":
			cfg.Push.URL = value
		case "channel_prefix":
			cfg.Push.ChannelPrefix = value
		case "event":
			cfg.Push.Event = value
		case "auth_key":
			cfg.Push.AuthKey = value
		case "auth_secret":
			cfg.Push.AuthSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	case "sync":
		switch field {
		case "poll_interval", "read_debounce":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			if field == "poll_interval" {
				cfg.Sync.PollInterval = value
			} else {
				cfg.Sync.ReadDebounce = value
			}
		case "ack_concurrency", "ack_rate":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid %s %q", field, value)
			}
			if field == "ack_concurrency" {
				cfg.Sync.AckConcurrency = n
			} else {
				cfg.Sync.AckRate = n
			}
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, push, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel    string
	logJSON     bool
	metricsAddr string

	metrics *mbest.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "mbest",
	Short: "Thread messaging CLI",
	Long:  "Command-line client for LMS thread messaging.\nList threads, send messages and watch a thread live.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(); err != nil {
			return err
		}
		setupMetrics()
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func setupMetrics() {
	if metricsAddr == "" {
		return
	}
	reg := prometheus.NewRegistry()
	metrics = mbest.NewMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			slog.Error("metrics server stopped", "addr", metricsAddr, "err", err)
		}
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
