package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Telegram TelegramConfig `yaml:"telegram"`
	Ladder   LadderConfig   `yaml:"ladder"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ExchangeConfig struct {
	RESTEndpoint string        `yaml:"rest_endpoint"`
	WSEndpoint   string        `yaml:"ws_endpoint"`
	Category     string        `yaml:"category"`
	MaxTickAge   time.Duration `yaml:"max_tick_age"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type LadderConfig struct {
	QuoteLockTTL         time.Duration `yaml:"quote_lock_ttl"`
	QuoteRefreshInterval time.Duration `yaml:"quote_refresh_interval"`
	ExposureCacheTTL     time.Duration `yaml:"exposure_cache_ttl"`
	RecomputeInterval    time.Duration `yaml:"recompute_interval"`
	TriggerWatch         bool          `yaml:"trigger_watch"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	AuditFile string `yaml:"audit_file"`
	DriftDir  string `yaml:"drift_dir"`
}

// Default returns the settings used for anything the file leaves out.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "ladder.db"},
		Exchange: ExchangeConfig{
			RESTEndpoint: "https://api.bybit.com",
			WSEndpoint:   "wss://stream.bybit.com/v5/public/linear",
			Category:     "linear",
			MaxTickAge:   2 * time.Second,
		},
		Ladder: LadderConfig{
			QuoteLockTTL:         5 * time.Second,
			QuoteRefreshInterval: time.Second,
			ExposureCacheTTL:     30 * time.Second,
			RecomputeInterval:    time.Minute,
			TriggerWatch:         true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			AuditFile: "logs/ladder_audit.log",
			DriftDir:  "logs/drift",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies .env and
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		c.Telegram.ChatID = id
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	durations := map[string]time.Duration{
		"ladder.quote_lock_ttl":         c.Ladder.QuoteLockTTL,
		"ladder.quote_refresh_interval": c.Ladder.QuoteRefreshInterval,
		"ladder.exposure_cache_ttl":     c.Ladder.ExposureCacheTTL,
		"ladder.recompute_interval":     c.Ladder.RecomputeInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Ladder.QuoteRefreshInterval >= c.Ladder.QuoteLockTTL {
		return fmt.Errorf("ladder.quote_refresh_interval must be shorter than ladder.quote_lock_ttl")
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when a bot token is set")
	}
	return nil
}

// TelegramEnabled reports whether notifications should be delivered.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != ""
}
