// Package config loads server settings and the seed billing configuration.
//
// Sources, later ones winning:
//
//	built-in defaults
//	.env file (LEDGER_ENV_FILE, default ".env"), loaded into the environment
//	YAML file named by LEDGER_CONFIG
//	LEDGER_* environment variables
//
// cmd/server applies command-line flags on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/community-ledger/ledger"
)

type Config struct {
	LogLevel string        `yaml:"log_level"`
	Server   ServerConfig  `yaml:"server"`
	Billing  BillingSeed   `yaml:"billing"`
	Overdue  OverdueConfig `yaml:"overdue"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	DBPath          string        `yaml:"db_path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// BillingSeed is written to the store on first start. After that the stored
// configuration is authoritative and changes go through the API.
type BillingSeed struct {
	DefaultFee       string `yaml:"default_fee"`
	SurchargePercent string `yaml:"surcharge_percent"`
	GracePeriodDays  int    `yaml:"grace_period_days"`
	MaxLookahead     int    `yaml:"max_lookahead"`
}

type OverdueConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			DBPath:          "./data/ledger.db",
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: 10 * time.Second,
			EventBuffer:     256,
		},
		Billing: BillingSeed{
			DefaultFee:       "200.00",
			SurchargePercent: "10",
			GracePeriodDays:  5,
			MaxLookahead:     ledger.DefaultMaxLookahead,
		},
		Overdue: OverdueConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
	}
}

// Load builds the configuration from defaults, .env, YAML and environment.
func Load() (Config, error) {
	cfg := Default()

	envFile := getenvDefault("LEDGER_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}

	if path := os.Getenv("LEDGER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.Server.DBPath = getenvDefault("LEDGER_DB_PATH", cfg.Server.DBPath)
	if v := os.Getenv("LEDGER_CORS_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCSV(v)
	}
	cfg.Billing.DefaultFee = getenvDefault("LEDGER_DEFAULT_FEE", cfg.Billing.DefaultFee)
	cfg.Billing.SurchargePercent = getenvDefault("LEDGER_SURCHARGE_PERCENT", cfg.Billing.SurchargePercent)

	ints := []struct {
		key string
		dst *int
	}{
		{"LEDGER_PORT", &cfg.Server.Port},
		{"LEDGER_EVENT_BUFFER", &cfg.Server.EventBuffer},
		{"LEDGER_GRACE_DAYS", &cfg.Billing.GracePeriodDays},
		{"LEDGER_MAX_LOOKAHEAD", &cfg.Billing.MaxLookahead},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LEDGER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout},
		{"LEDGER_OVERDUE_INTERVAL", &cfg.Overdue.Interval},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = d
	}

	if v := os.Getenv("LEDGER_OVERDUE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LEDGER_OVERDUE_ENABLED: %w", err)
		}
		cfg.Overdue.Enabled = b
	}
	return nil
}

// Validate checks ranges and that the billing seed parses.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.DBPath == "" {
		return errors.New("db path required")
	}
	if c.Overdue.Enabled && c.Overdue.Interval <= 0 {
		return errors.New("overdue interval must be positive")
	}
	_, err := c.Billing.Ledger()
	return err
}

// Ledger converts the seed into a ledger.BillingConfig.
func (b BillingSeed) Ledger() (ledger.BillingConfig, error) {
	fee, err := ledger.ParseMoney(b.DefaultFee)
	if err != nil {
		return ledger.BillingConfig{}, fmt.Errorf("default fee %q: %w", b.DefaultFee, err)
	}
	if !fee.IsPositive() {
		return ledger.BillingConfig{}, fmt.Errorf("%w: default fee %s must be positive", ledger.ErrInvalidAmount, fee)
	}
	pct, err := decimal.NewFromString(b.SurchargePercent)
	if err != nil {
		return ledger.BillingConfig{}, fmt.Errorf("surcharge percent %q: %w", b.SurchargePercent, err)
	}
	if pct.IsNegative() {
		return ledger.BillingConfig{}, fmt.Errorf("surcharge percent %s is negative", pct)
	}
	if b.GracePeriodDays < 0 {
		return ledger.BillingConfig{}, fmt.Errorf("grace period %d is negative", b.GracePeriodDays)
	}
	return ledger.BillingConfig{
		DefaultFee:       fee,
		SurchargePercent: pct,
		GracePeriodDays:  b.GracePeriodDays,
		MaxLookahead:     b.MaxLookahead,
		UpdatedBy:        ledger.SystemActor,
	}, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func splitCSV(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
