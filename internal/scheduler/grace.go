package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"seerpay/internal/model"
	"seerpay/internal/repository"
)

// GraceExpiry ends sessions whose grace period ran out without a reconnect.
type GraceExpiry struct {
	sessions  SessionStore
	bus       repository.MessageBus
	batchSize int
	log       *zap.Logger
}

func NewGraceExpiry(sessions SessionStore, bus repository.MessageBus, batchSize int, log *zap.Logger) *GraceExpiry {
	return &GraceExpiry{sessions: sessions, bus: bus, batchSize: batchSize, log: log}
}

func (j *GraceExpiry) Name() string { return "grace_expiry" }

func (j *GraceExpiry) Run(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := j.sessions.ListGraceExpired(ctx, now, j.batchSize)
	if err != nil {
		return errors.Wrap(err, "list grace-expired sessions")
	}

	for i := range expired {
		s := &expired[i]
		if _, err := j.sessions.Transition(ctx, s.ID, model.StateEnded, func(s *model.Session) {
			s.EndedAt = &now
		}); err != nil {
			j.log.Error("ending grace-expired session failed",
				zap.String("session_id", s.ID), zap.Error(err))
			continue
		}

		data, _ := json.Marshal(repository.SessionEndedEvent{SessionID: s.ID})
		if err := j.bus.Publish(repository.TopicSessionEnded, data); err != nil {
			// Finalization is also swept from the database, so a lost
			// event only delays it.
			j.log.Warn("publishing session ended event failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}

		j.log.Info("session ended after grace expiry",
			zap.String("session_id", s.ID),
			zap.Int("billed_minutes", s.BillingMinutes))
	}
	return nil
}
