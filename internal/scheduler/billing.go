package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"seerpay/internal/model"
)

// BillingTick charges every active session for its next minute of service.
// The charge key is derived from the persisted minute counter, so a tick that
// crashes after debiting but before advancing the counter retries the same
// key on the next run and the ledger reports a replay instead of charging
// twice.
type BillingTick struct {
	sessions    SessionStore
	ledger      Ledger
	batchSize   int
	graceWindow time.Duration
	log         *zap.Logger
}

func NewBillingTick(sessions SessionStore, ledger Ledger, batchSize int, graceWindow time.Duration, log *zap.Logger) *BillingTick {
	return &BillingTick{
		sessions:    sessions,
		ledger:      ledger,
		batchSize:   batchSize,
		graceWindow: graceWindow,
		log:         log,
	}
}

func (j *BillingTick) Name() string { return "billing_tick" }

func (j *BillingTick) Run(ctx context.Context) error {
	now := time.Now().UTC()

	active, err := j.sessions.ListActive(ctx, j.batchSize)
	if err != nil {
		return errors.Wrap(err, "list active sessions")
	}

	for i := range active {
		j.chargeSession(ctx, &active[i], now)
	}
	return nil
}

// chargeSession bills one minute for a single session. Failures are logged
// and isolated so one broken session cannot stall the whole batch.
func (j *BillingTick) chargeSession(ctx context.Context, s *model.Session, now time.Time) {
	if !s.RatePerMinute.IsPositive() {
		j.log.Warn("skipping session with non-positive rate",
			zap.String("session_id", s.ID),
			zap.String("rate", s.RatePerMinute.String()))
		return
	}

	wallet, err := j.ledger.GetWalletByOwner(ctx, s.ClientID)
	if errors.Is(err, model.ErrAccountNotFound) {
		// No payer wallet: the session cannot be billed, end it.
		if _, terr := j.sessions.Transition(ctx, s.ID, model.StateEnded, func(s *model.Session) {
			s.EndedAt = &now
		}); terr != nil {
			j.log.Error("ending unbillable session failed",
				zap.String("session_id", s.ID), zap.Error(terr))
			return
		}
		j.log.Warn("ended session with no payer wallet",
			zap.String("session_id", s.ID),
			zap.String("client_id", s.ClientID))
		return
	}
	if err != nil {
		j.log.Error("payer wallet lookup failed",
			zap.String("session_id", s.ID), zap.Error(err))
		return
	}

	minute := s.BillingMinutes + 1
	out, err := j.ledger.Debit(ctx, wallet.ID, s.RatePerMinute, model.EntrySessionCharge,
		model.BillingKey(s.ID, minute), model.EntryRefs{SessionID: s.ID, ReferenceType: "session", ReferenceID: s.ID})

	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		deadline := now.Add(j.graceWindow)
		if _, terr := j.sessions.Transition(ctx, s.ID, model.StatePaused, func(s *model.Session) {
			s.GraceUntil = &deadline
			s.ReconnectCount++
		}); terr != nil {
			j.log.Error("pausing underfunded session failed",
				zap.String("session_id", s.ID), zap.Error(terr))
			return
		}
		j.log.Info("session paused on insufficient funds",
			zap.String("session_id", s.ID),
			zap.Time("grace_until", deadline))
		return
	case err != nil:
		j.log.Error("minute charge failed",
			zap.String("session_id", s.ID),
			zap.Int("minute", minute),
			zap.Error(err))
		return
	}

	// A replay means the minute was already paid for on a previous run that
	// died before advancing the counter. Either way the counter moves.
	if !out.Applied {
		j.log.Info("minute charge already recorded",
			zap.String("session_id", s.ID), zap.Int("minute", minute))
	}
	if err := j.sessions.AdvanceBilling(ctx, s.ID, minute, now); err != nil {
		j.log.Error("advancing billing counter failed",
			zap.String("session_id", s.ID),
			zap.Int("minute", minute),
			zap.Error(err))
	}
}
