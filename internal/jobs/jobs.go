// Package jobs wires the periodic maintenance work: the subscription expiry
// sweep and the payment polling sweep.
package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper runs one maintenance pass.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Poller checks pending payments against the gateway.
type Poller interface {
	SweepPending(ctx context.Context) (int, error)
}

// Config carries the cron expressions for each job. Empty disables a job.
type Config struct {
	SubscriptionSweepSpec string
	PaymentPollSpec       string
}

// Runner owns the cron scheduler.
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds the scheduler and registers the configured jobs. Panics inside a
// job are recovered and logged instead of taking the process down.
func New(cfg Config, billing Sweeper, payments Poller, logger *slog.Logger) (*Runner, error) {
	jobLogger := logger.With(slog.String("component", "jobs"))
	cronLogger := slog.NewLogLogger(jobLogger.Handler(), slog.LevelError)

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(cronLogger)),
	))

	if cfg.SubscriptionSweepSpec != "" && billing != nil {
		_, err := c.AddFunc(cfg.SubscriptionSweepSpec, func() {
			n, err := billing.SweepExpired(context.Background())
			if err != nil {
				jobLogger.Error("subscription sweep failed", "error", err)
				return
			}
			jobLogger.Debug("subscription sweep finished", "expired", n)
		})
		if err != nil {
			return nil, fmt.Errorf("schedule subscription sweep: %w", err)
		}
	}

	if cfg.PaymentPollSpec != "" && payments != nil {
		_, err := c.AddFunc(cfg.PaymentPollSpec, func() {
			n, err := payments.SweepPending(context.Background())
			if err != nil {
				jobLogger.Error("payment poll failed", "error", err)
				return
			}
			if n > 0 {
				jobLogger.Info("payment poll settled sessions", "count", n)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule payment poll: %w", err)
		}
	}

	return &Runner{cron: c, logger: jobLogger}, nil
}

// Start launches the scheduler in its own goroutine.
func (r *Runner) Start() {
	r.logger.Info("cron scheduler started", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron scheduler stopped")
}
