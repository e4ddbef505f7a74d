// Package worker holds the event-driven consumers.
package worker

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"seerpay/internal/repository"
	"seerpay/internal/scheduler"
)

// Finalizer listens for session ended events and finalizes the session:
// reconcile the payer wallet, write the summary, move it to the terminal
// state. Finalization is idempotent, so redelivered events are harmless.
type Finalizer struct {
	engine   scheduler.Finalizer
	natsConn *nats.Conn
	log      *zap.Logger
}

func NewFinalizer(engine scheduler.Finalizer, nc *nats.Conn, log *zap.Logger) *Finalizer {
	return &Finalizer{
		engine:   engine,
		natsConn: nc,
		log:      log,
	}
}

// Start subscribes to the session ended topic and blocks until ctx is
// cancelled. QueueSubscribe spreads events across instances so each ended
// session is finalized by exactly one worker in the group.
func (w *Finalizer) Start(ctx context.Context) error {
	sub, err := w.natsConn.QueueSubscribe(repository.TopicSessionEnded, "finalizer_group", func(m *nats.Msg) {
		var event repository.SessionEndedEvent
		if err := json.Unmarshal(m.Data, &event); err != nil {
			w.log.Error("finalizer: bad event payload", zap.Error(err))
			return
		}

		if err := w.engine.FinalizeSession(ctx, event.SessionID); err != nil {
			// The periodic finalize sweep retries anything dropped here.
			w.log.Error("finalizer: finalize session failed",
				zap.String("session_id", event.SessionID),
				zap.Error(err))
			return
		}

		w.log.Info("finalizer: session finalized",
			zap.String("session_id", event.SessionID))
	})
	if err != nil {
		return errors.Wrap(err, "finalizer: subscribe")
	}

	w.log.Info("finalizer worker is running")

	<-ctx.Done()

	w.log.Info("finalizer worker draining subscription")
	return sub.Drain()
}

// Stop implements the infrastructure.Server interface. Shutdown happens via
// ctx cancellation in Start.
func (w *Finalizer) Stop(ctx context.Context) error {
	return nil
}
