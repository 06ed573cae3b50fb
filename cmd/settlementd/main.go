package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	taskescrow "github.com/set-night/taskescrow"
	"github.com/set-night/taskescrow/internal/api"
	"github.com/set-night/taskescrow/internal/config"
	"github.com/set-night/taskescrow/internal/consensus"
	"github.com/set-night/taskescrow/internal/handler"
	"github.com/set-night/taskescrow/internal/ledger"
	"github.com/set-night/taskescrow/internal/middleware"
	"github.com/set-night/taskescrow/internal/repository"
	"github.com/set-night/taskescrow/internal/retry"
	"github.com/set-night/taskescrow/internal/scheduler"
	"github.com/set-night/taskescrow/internal/service"
	"github.com/set-night/taskescrow/internal/telegram"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// Setup context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("settlement engine stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("settlement engine stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, health, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway := openLedger(cfg)

	// Operator bot is optional; without it alerts only go to the log.
	var b *bot.Bot
	var notifier service.Notifier
	if cfg.BotToken != "" {
		b, err = bot.New(cfg.BotToken,
			bot.WithMiddlewares(
				middleware.Recover(),
				middleware.Logging(),
				middleware.AdminOnly(cfg),
			),
			bot.WithDefaultHandler(func(context.Context, *bot.Bot, *models.Update) {}),
		)
		if err != nil {
			return fmt.Errorf("create bot: %w", err)
		}
		tgNotifier := telegram.NewNotifier(b, cfg)
		defer tgNotifier.Close()
		notifier = tgNotifier
	}

	// Initialize services
	retryCfg := &retry.Config{
		MaxAttempts:   cfg.LedgerMaxAttempts,
		InitialDelay:  cfg.LedgerInitialDelay,
		MaxDelay:      cfg.LedgerMaxDelay,
		BackoffFactor: cfg.LedgerBackoffFactor,
		JitterFactor:  retry.DefaultConfig().JitterFactor,
	}
	reputation := service.NewReputationService(store, service.ReputationDeltas{
		WorkerApprove:    decimal.NewFromFloat(cfg.WorkerApproveDelta),
		WorkerReject:     decimal.NewFromFloat(cfg.WorkerRejectDelta),
		EvaluatorAgree:   decimal.NewFromFloat(cfg.EvaluatorAgreeDelta),
		EvaluatorDissent: decimal.NewFromFloat(cfg.EvaluatorDissentDelta),
	})
	evaluator := consensus.New(cfg.Threshold(), cfg.MinEvaluations)
	machine := service.NewTaskMachine(store, gateway, reputation, evaluator, retryCfg, notifier)
	settlement := service.NewSettlementService(store, machine, reputation, service.Settings{
		FeeRate:       cfg.FeeRate(),
		MaxEvaluators: cfg.MaxEvaluators,
	})

	sweep, err := scheduler.New(cfg.SweepSchedule, settlement)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg, settlement, health)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), config.HTTPShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweep.Run(gctx) })

	if b != nil {
		h := handler.New(handler.Deps{
			Messenger: b,
			Cfg:       cfg,
			Operator:  settlement,
		})
		h.Register(b)

		g.Go(func() error {
			slog.Info("starting operator bot")
			b.Start(gctx)
			return nil
		})
	}

	return g.Wait()
}

// openStore connects the configured storage driver and returns its health
// probe and cleanup.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, api.HealthFunc, func(), error) {
	if cfg.StorageDriver == config.StorageMemory {
		slog.Warn("using in-memory storage, state is lost on restart")
		return repository.NewMemory(), nil, func() {}, nil
	}

	// Connect to database
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	// Run migrations
	migrationsFS, err := fs.Sub(taskescrow.MigrationsFS, "migrations")
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	if err := repository.RunMigrations(cfg.DatabaseURL, migrationsFS); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	return repository.NewPostgres(pool), pool.Ping, pool.Close, nil
}

func openLedger(cfg *config.Config) ledger.Gateway {
	if cfg.LedgerDriver == config.LedgerMemory {
		slog.Warn("using in-memory ledger, no funds move")
		return ledger.NewMemory()
	}
	return ledger.NewHTTPGateway(cfg.LedgerURL, cfg.LedgerAPIKey, cfg.LedgerTimeout)
}
