// Package scheduler runs the periodic money-movement housekeeping: escrow
// auto-release, webhook retries, withdrawal limit resets and wallet
// reconciliation. Every task takes a named advisory lock first so exactly
// one node runs it per tick.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rekberid/rekberd/internal/core/escrow"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/core/webhook"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// Lock names, hashed into pg advisory lock keys.
const (
	LockAutoRelease  = "scheduler:auto_release"
	LockWebhookRetry = "scheduler:webhook_retry"
	LockLimitReset   = "scheduler:limit_reset"
	LockReconcile    = "scheduler:reconcile"
)

// Config holds the task cadence. Zero values take the defaults.
type Config struct {
	AutoReleaseEvery  time.Duration
	WebhookRetryEvery time.Duration
	LimitResetEvery   time.Duration
	ReconcileEvery    time.Duration
	// ReconcileWindow is how stale a wallet's last reconciliation may be
	// before the sweep picks it up.
	ReconcileWindow time.Duration
	BatchSize       int
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		AutoReleaseEvery:  time.Minute,
		WebhookRetryEvery: 15 * time.Minute,
		LimitResetEvery:   time.Hour,
		ReconcileEvery:    6 * time.Hour,
		ReconcileWindow:   6 * time.Hour,
		BatchSize:         100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AutoReleaseEvery <= 0 {
		c.AutoReleaseEvery = d.AutoReleaseEvery
	}
	if c.WebhookRetryEvery <= 0 {
		c.WebhookRetryEvery = d.WebhookRetryEvery
	}
	if c.LimitResetEvery <= 0 {
		c.LimitResetEvery = d.LimitResetEvery
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = d.ReconcileEvery
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = d.ReconcileWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// Scheduler owns the periodic tasks.
type Scheduler struct {
	db       relationaldb.Database
	escrows  *escrow.Service
	webhooks *webhook.Service
	wallets  *wallet.Service
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func New(db relationaldb.Database, escrows *escrow.Service, webhooks *webhook.Service, wallets *wallet.Service, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		db:       db,
		escrows:  escrows,
		webhooks: webhooks,
		wallets:  wallets,
		cfg:      cfg.withDefaults(),
		log:      log.Named("scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, driving every task on its own ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, LockAutoRelease, s.cfg.AutoReleaseEvery, s.ReleaseExpired) })
	g.Go(func() error { return s.loop(ctx, LockWebhookRetry, s.cfg.WebhookRetryEvery, s.RetryWebhooks) })
	g.Go(func() error { return s.loop(ctx, LockLimitReset, s.cfg.LimitResetEvery, s.ResetLimits) })
	g.Go(func() error { return s.loop(ctx, LockReconcile, s.cfg.ReconcileEvery, s.ReconcileWallets) })
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, task func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runLocked(ctx, name, task)
		}
	}
}

// runLocked runs one task tick under its advisory lock. A held lock means
// another node is on it; that is not an error.
func (s *Scheduler) runLocked(ctx context.Context, name string, task func(context.Context) error) {
	release, ok, err := s.db.TryAdvisoryLock(ctx, name)
	if err != nil {
		s.log.Error("advisory lock failed", zap.String("task", name), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer release()

	if err := task(ctx); err != nil {
		s.log.Error("task failed", zap.String("task", name), zap.Error(err))
	}
}

// ReleaseExpired releases escrows whose holding period ran out.
func (s *Scheduler) ReleaseExpired(ctx context.Context) error {
	released, err := s.escrows.ReleaseExpired(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if released > 0 {
		s.log.Info("auto-released expired escrows", zap.Int("count", released))
	}
	return nil
}

// RetryWebhooks reprocesses failed provider callbacks that are due.
func (s *Scheduler) RetryWebhooks(ctx context.Context) error {
	processed, err := s.webhooks.RetryDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if processed > 0 {
		s.log.Info("retried webhooks", zap.Int("processed", processed))
	}
	return nil
}

// ResetLimits zeroes daily and monthly withdrawal usage whose boundary has
// passed.
func (s *Scheduler) ResetLimits(ctx context.Context) error {
	now := s.now()
	daily, err := s.db.ResetDailyUsage(ctx, now)
	if err != nil {
		return err
	}
	monthly, err := s.db.ResetMonthlyUsage(ctx, now)
	if err != nil {
		return err
	}
	if daily > 0 || monthly > 0 {
		s.log.Info("reset withdrawal usage",
			zap.Int64("daily_rows", daily),
			zap.Int64("monthly_rows", monthly))
	}
	return nil
}

// ReconcileWallets sweeps wallets not reconciled inside the window and
// checks each against its ledger entries. Mismatches are reported by the
// wallet service and leave the wallet marked stale so the next sweep
// retries it.
func (s *Scheduler) ReconcileWallets(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.ReconcileWindow)
	wallets, err := s.db.ListWalletsReconciledBefore(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	mismatches := 0
	for i := range wallets {
		report, err := s.wallets.Reconcile(ctx, wallets[i].ID)
		if err != nil {
			s.log.Error("reconciliation failed",
				zap.String("wallet_id", wallets[i].ID), zap.Error(err))
			continue
		}
		if !report.Match {
			mismatches++
		}
	}
	if mismatches > 0 {
		s.log.Error("wallet reconciliation found mismatches", zap.Int("count", mismatches))
	}
	return nil
}
