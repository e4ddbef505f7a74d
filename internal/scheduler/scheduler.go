// Package scheduler runs the periodic jobs that drive billing: the billing
// tick, the grace-period sweep, the finalization sweep and the payout batch.
// Jobs execute at-least-once: two workers may run the same job concurrently
// after a crash or a slow tick, so every job body is idempotent and resumes
// safely from persisted state.
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"seerpay/internal/model"

	"github.com/shopspring/decimal"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seerpay_scheduler_runs_total",
		Help: "Scheduler job runs by outcome",
	}, []string{"job", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seerpay_scheduler_run_duration_seconds",
		Help:    "Scheduler job run duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"job"})
)

// SessionStore is the slice of the session repository the jobs need.
type SessionStore interface {
	ListActive(ctx context.Context, limit int) ([]model.Session, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
	ListEnded(ctx context.Context, limit int) ([]model.Session, error)
	AdvanceBilling(ctx context.Context, id string, minute int, at time.Time) error
	Transition(ctx context.Context, id string, to model.SessionState, mutate func(*model.Session)) (*model.Session, error)
}

// Ledger is the slice of the wallet ledger the jobs need.
type Ledger interface {
	GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error)
	Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error)
	ListEligibleForPayout(ctx context.Context, minimum decimal.Decimal, limit int) ([]model.Wallet, error)
	EnsurePayoutRequest(ctx context.Context, walletID, reference string, amount decimal.Decimal) (string, decimal.Decimal, error)
	ClosePayoutRequest(ctx context.Context, walletID, reference string) error
}

// Finalizer closes ended sessions. Implemented by service.Engine.
type Finalizer interface {
	FinalizeSession(ctx context.Context, sessionID string) error
}

// PayoutRail is the external transfer collaborator, idempotent on the
// transfer reference.
type PayoutRail interface {
	Transfer(ctx context.Context, destination string, amount decimal.Decimal, reference string) error
}

// Job is one periodic unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner drives a Job on a fixed interval. It implements the
// infrastructure.Server contract so jobs run under the app errgroup.
type Runner struct {
	job      Job
	interval time.Duration
	log      *zap.Logger
}

func NewRunner(job Job, interval time.Duration, log *zap.Logger) *Runner {
	return &Runner{job: job, interval: interval, log: log}
}

// Start runs the job once immediately (picking up work left over from a
// crash) and then on every tick until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) Stop(ctx context.Context) error {
	return nil
}

func (r *Runner) runOnce(ctx context.Context) {
	timer := prometheus.NewTimer(jobDuration.WithLabelValues(r.job.Name()))
	err := r.job.Run(ctx)
	timer.ObserveDuration()

	if err != nil {
		jobRuns.WithLabelValues(r.job.Name(), "error").Inc()
		r.log.Error("scheduler job failed", zap.String("job", r.job.Name()), zap.Error(err))
		return
	}
	jobRuns.WithLabelValues(r.job.Name(), "ok").Inc()
}
