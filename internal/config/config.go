package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	OpenLibraryBaseURL string `env:"OPENLIBRARY_BASE_URL" default:"https://openlibrary.org"`

	// Scanner timing knobs. Defaults match the values the scan package ships
	// with; they exist as env vars for tuning on slow capture hardware.
	ScanSettleDelay        time.Duration `env:"SCAN_SETTLE_DELAY" default:"200ms"`
	ScanStreamPollBackoff  time.Duration `env:"SCAN_STREAM_POLL_BACKOFF" default:"50ms"`
	ScanStreamPollAttempts int           `env:"SCAN_STREAM_POLL_ATTEMPTS" default:"5"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	MaxClientsPerSession    int     `env:"MAX_CLIENTS_PER_SESSION" default:"10"`
	ConnectionRatePerSecond float64 `env:"CONNECTION_RATE_PER_SECOND" default:"10"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"10"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.ScanSettleDelay < 0 {
		return fmt.Errorf("SCAN_SETTLE_DELAY must not be negative, got %s", cfg.ScanSettleDelay)
	}
	if cfg.ScanStreamPollBackoff <= 0 {
		return fmt.Errorf("SCAN_STREAM_POLL_BACKOFF must be positive, got %s", cfg.ScanStreamPollBackoff)
	}
	if cfg.ScanStreamPollAttempts < 1 {
		return fmt.Errorf("SCAN_STREAM_POLL_ATTEMPTS must be at least 1, got %d", cfg.ScanStreamPollAttempts)
	}

	if cfg.MaxWebSocketConnections < 1 {
		return fmt.Errorf("MAX_WEBSOCKET_CONNECTIONS must be at least 1, got %d", cfg.MaxWebSocketConnections)
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be at least 1, got %d", cfg.MaxConnectionsPerIP)
	}
	if cfg.MaxClientsPerSession < 1 {
		return fmt.Errorf("MAX_CLIENTS_PER_SESSION must be at least 1, got %d", cfg.MaxClientsPerSession)
	}
	if cfg.ConnectionRatePerSecond <= 0 {
		return fmt.Errorf("CONNECTION_RATE_PER_SECOND must be positive, got %g", cfg.ConnectionRatePerSecond)
	}
	if cfg.ConnectionRateBurst < 1 {
		return fmt.Errorf("CONNECTION_RATE_BURST must be at least 1, got %d", cfg.ConnectionRateBurst)
	}

	return nil
}
