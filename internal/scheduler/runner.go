// Package scheduler runs periodic jobs on a seconds-resolution cron.
package scheduler

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Imdavid21/pnl-bloom-sub000/internal/ingest"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/model"
	"github.com/Imdavid21/pnl-bloom-sub000/internal/wallet"
)

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New builds a runner whose jobs receive baseCtx. A job still running when
// its next tick fires is skipped for that tick.
func New(baseCtx context.Context, logger *zap.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(schedule string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(schedule, func() {
		job(r.baseCtx)
	})
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// Syncer runs one sync to completion.
type Syncer interface {
	Sync(ctx context.Context, address string, opts ingest.SyncOptions) (*model.Run, error)
}

// SyncWallets returns a job that syncs each wallet in turn. A wallet that
// already has a run in progress is skipped until the next tick.
func SyncWallets(svc Syncer, wallets []string, logger *zap.Logger) func(context.Context) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) {
		for _, w := range wallets {
			if ctx.Err() != nil {
				return
			}
			run, err := svc.Sync(ctx, w, ingest.SyncOptions{})
			switch {
			case errors.Is(err, ingest.ErrRunInProgress):
				logger.Info("scheduled sync skipped, run in progress", zap.String("wallet", wallet.Short(w)))
			case err != nil:
				logger.Error("scheduled sync not started", zap.String("wallet", wallet.Short(w)), zap.Error(err))
			case run.Status == model.RunStatusFailed:
				logger.Warn("scheduled sync failed", zap.String("wallet", wallet.Short(w)), zap.String("run_id", run.ID))
			}
		}
	}
}
