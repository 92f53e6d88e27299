// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/logging"
	"github.com/atmx/backtest-engine/internal/symbol"
)

// Interpreter backends.
const (
	InterpreterRules = "rules"
	InterpreterLLM   = "llm"
)

// Decimal lets envconfig decode exact decimal values.
type Decimal struct {
	decimal.Decimal
}

// Decode implements envconfig.Decoder.
func (d *Decimal) Decode(value string) error {
	v, err := decimal.NewFromString(value)
	if err != nil {
		return err
	}
	d.Decimal = v
	return nil
}

// Config holds every setting of the server and CLI.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Market-data feed. PostgreSQL wins over SQLite; neither means in-memory.
	DatabaseURL string        `envconfig:"DATABASE_URL"`
	SQLitePath  string        `envconfig:"SQLITE_PATH"`
	RedisURL    string        `envconfig:"REDIS_URL"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	// Backtest defaults.
	DefaultAsset           string        `envconfig:"DEFAULT_ASSET" default:"BTC"`
	InitialCash            Decimal       `envconfig:"INITIAL_CASH" default:"100000"`
	Interpreter            string        `envconfig:"INTERPRETER" default:"rules"`
	InterpreterTimeout     time.Duration `envconfig:"INTERPRETER_TIMEOUT" default:"30s"`
	MaxConsecutiveFailures int           `envconfig:"MAX_CONSECUTIVE_FAILURES" default:"5"`
	MaxTotalFailures       int           `envconfig:"MAX_TOTAL_FAILURES" default:"0"`
	PeriodsPerYear         int           `envconfig:"PERIODS_PER_YEAR" default:"0"`
	RunTimeout             time.Duration `envconfig:"RUN_TIMEOUT" default:"2m"`

	// Language-model interpreter.
	LLM struct {
		Endpoint string `envconfig:"LLM_ENDPOINT"`
		APIKey   string `envconfig:"LLM_API_KEY"`
		Model    string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
		Window   int    `envconfig:"LLM_WINDOW" default:"60"`
	}
}

// Load reads an optional .env file (or the given files) and then the
// environment. Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and normalizes DefaultAsset.
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("config: PORT must be 1-65535, got %q", c.Port)
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}

	asset, err := symbol.Normalize(c.DefaultAsset)
	if err != nil {
		return fmt.Errorf("config: DEFAULT_ASSET: %w", err)
	}
	c.DefaultAsset = asset

	if !c.InitialCash.IsPositive() {
		return fmt.Errorf("config: INITIAL_CASH must be positive, got %s", c.InitialCash.String())
	}
	if c.InterpreterTimeout <= 0 {
		return fmt.Errorf("config: INTERPRETER_TIMEOUT must be positive, got %s", c.InterpreterTimeout)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("config: RUN_TIMEOUT must be positive, got %s", c.RunTimeout)
	}
	if c.MaxConsecutiveFailures < 0 || c.MaxTotalFailures < 0 {
		return errors.New("config: failure limits must not be negative")
	}
	if c.PeriodsPerYear < 0 {
		return fmt.Errorf("config: PERIODS_PER_YEAR must not be negative, got %d", c.PeriodsPerYear)
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive when REDIS_URL is set, got %s", c.CacheTTL)
	}

	switch c.Interpreter {
	case InterpreterRules:
	case InterpreterLLM:
		if c.LLM.Endpoint == "" {
			return errors.New("config: LLM_ENDPOINT is required when INTERPRETER=llm")
		}
		if c.LLM.Window < 1 {
			return fmt.Errorf("config: LLM_WINDOW must be positive, got %d", c.LLM.Window)
		}
	default:
		return fmt.Errorf("config: INTERPRETER must be %q or %q, got %q", InterpreterRules, InterpreterLLM, c.Interpreter)
	}
	return nil
}
