package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FinalizeSweep finalizes sessions stuck in the ended state. It is the
// safety net behind the event-driven finalizer worker: sessions whose ended
// event was lost get picked up here.
type FinalizeSweep struct {
	sessions  SessionStore
	finalizer Finalizer
	batchSize int
	log       *zap.Logger
}

func NewFinalizeSweep(sessions SessionStore, finalizer Finalizer, batchSize int, log *zap.Logger) *FinalizeSweep {
	return &FinalizeSweep{sessions: sessions, finalizer: finalizer, batchSize: batchSize, log: log}
}

func (j *FinalizeSweep) Name() string { return "finalize_sweep" }

func (j *FinalizeSweep) Run(ctx context.Context) error {
	ended, err := j.sessions.ListEnded(ctx, j.batchSize)
	if err != nil {
		return errors.Wrap(err, "list ended sessions")
	}

	for i := range ended {
		if err := j.finalizer.FinalizeSession(ctx, ended[i].ID); err != nil {
			j.log.Error("finalizing session failed",
				zap.String("session_id", ended[i].ID), zap.Error(err))
		}
	}
	return nil
}
