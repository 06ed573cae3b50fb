// Package scheduler runs the periodic deadline sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/set-night/taskescrow/internal/metrics"
	"github.com/set-night/taskescrow/internal/service"
)

type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (service.SweepReport, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	now     func() time.Time
	// ctx is the Run context handed to each sweep.
	ctx context.Context
}

// New schedules a sweep on spec, a standard cron expression or an
// "@every <duration>" descriptor. Overlapping runs are skipped.
func New(spec string, sweeper Sweeper) (*Scheduler, error) {
	logger := slogLogger{}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		), cron.WithLogger(logger)),
		sweeper: sweeper,
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(s.ctx) }); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// sweep in flight to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	slog.Info("deadline sweep scheduled", "next", s.cron.Entries()[0].Next)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("deadline sweep stopped")
	return nil
}

// RunOnce performs one sweep and records its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) (service.SweepReport, error) {
	start := time.Now()
	report, err := s.sweeper.SweepExpired(ctx, s.now())
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		slog.Error("deadline sweep failed", "error", err, "duration", time.Since(start))
		return report, err
	}

	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	if report.Examined > 0 {
		slog.Info("deadline sweep finished",
			"examined", report.Examined,
			"closed", report.Closed,
			"pending", report.Pending,
			"stuck", report.Stuck,
			"failed", report.Failed,
			"duration", time.Since(start),
		)
	}
	return report, nil
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
