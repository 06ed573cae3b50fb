package config

import "time"

const (
	// Storage drivers
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	// Ledger drivers
	LedgerHTTP   = "http"
	LedgerMemory = "memory"

	// Hard floor for a consensus decision
	MinConsensusEvaluations = 3

	// Database pool sizing
	DBMaxConns = 20
	DBMinConns = 5

	// HTTP server timeouts
	HTTPReadTimeout     = 15 * time.Second
	HTTPWriteTimeout    = 60 * time.Second
	HTTPShutdownTimeout = 10 * time.Second

	// Telegram limits
	MaxTelegramMessageLen = 4096

	// Operator alert send timeout and pending alert cap
	AlertTimeout   = 10 * time.Second
	AlertQueueSize = 256

	// Per-sweep cap on tasks examined
	SweepBatchSize = 100
)
