package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Core
	DatabaseURL   string `env:"DATABASE_URL"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Settlement
	PlatformFeeRate    float64 `env:"PLATFORM_FEE_RATE" envDefault:"0.15"`
	ConsensusThreshold float64 `env:"CONSENSUS_THRESHOLD" envDefault:"0.70"`
	MinEvaluations     int     `env:"MIN_EVALUATIONS" envDefault:"3"`
	MaxEvaluators      int     `env:"MAX_EVALUATORS" envDefault:"0"`

	// Reputation deltas applied on settlement
	WorkerApproveDelta    float64 `env:"REPUTATION_WORKER_APPROVE" envDefault:"1"`
	WorkerRejectDelta     float64 `env:"REPUTATION_WORKER_REJECT" envDefault:"-1"`
	EvaluatorAgreeDelta   float64 `env:"REPUTATION_EVALUATOR_AGREE" envDefault:"0.1"`
	EvaluatorDissentDelta float64 `env:"REPUTATION_EVALUATOR_DISSENT" envDefault:"-0.1"`

	// Ledger gateway
	LedgerDriver  string        `env:"LEDGER_DRIVER" envDefault:"http"`
	LedgerURL     string        `env:"LEDGER_API_URL"`
	LedgerAPIKey  string        `env:"LEDGER_API_KEY"`
	LedgerTimeout time.Duration `env:"LEDGER_TIMEOUT" envDefault:"30s"`

	// Ledger retry policy
	LedgerMaxAttempts   int           `env:"LEDGER_MAX_ATTEMPTS" envDefault:"4"`
	LedgerInitialDelay  time.Duration `env:"LEDGER_INITIAL_DELAY" envDefault:"500ms"`
	LedgerMaxDelay      time.Duration `env:"LEDGER_MAX_DELAY" envDefault:"8s"`
	LedgerBackoffFactor float64       `env:"LEDGER_BACKOFF_FACTOR" envDefault:"2"`

	// Deadline sweep
	SweepSchedule string `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`

	// Telegram operator bot
	BotToken          string  `env:"BOT_TOKEN"`
	AdminIDs          []int64 `env:"ADMIN_IDS" envSeparator:","`
	LogTelegramChatID int64   `env:"LOG_TELEGRAM_CHAT_ID"`
	LogTopicError     int     `env:"LOG_TOPIC_ERROR"`
	LogTopicFunding   int     `env:"LOG_TOPIC_FUNDING"`
	LogTopicSettled   int     `env:"LOG_TOPIC_SETTLED"`
	LogTopicRefund    int     `env:"LOG_TOPIC_REFUND"`

	// CORS
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.PlatformFeeRate < 0 || c.PlatformFeeRate >= 1 {
		return errors.New("PLATFORM_FEE_RATE must be in [0, 1)")
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		return errors.New("CONSENSUS_THRESHOLD must be in (0, 1]")
	}
	if c.MinEvaluations < MinConsensusEvaluations {
		return fmt.Errorf("MIN_EVALUATIONS must be >= %d", MinConsensusEvaluations)
	}
	if c.MaxEvaluators < 0 {
		return errors.New("MAX_EVALUATORS must be >= 0")
	}
	if c.LedgerMaxAttempts <= 0 {
		return errors.New("LEDGER_MAX_ATTEMPTS must be > 0")
	}
	switch c.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.LedgerDriver {
	case LedgerMemory:
	case LedgerHTTP:
		if c.LedgerURL == "" {
			return errors.New("LEDGER_API_URL is required for the http ledger driver")
		}
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver)
	}
	return nil
}

func (c *Config) FeeRate() decimal.Decimal {
	return decimal.NewFromFloat(c.PlatformFeeRate)
}

func (c *Config) Threshold() decimal.Decimal {
	return decimal.NewFromFloat(c.ConsensusThreshold)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}
