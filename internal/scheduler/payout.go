package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"seerpay/internal/model"
)

// PayoutBatch sweeps provider balances above the payout minimum out to the
// external rail. Before the external call each wallet gets a persisted
// payout request pinning the transfer reference and amount; the request is
// closed only after the ledger debit lands. A run that dies between the
// transfer and the debit therefore retries with the same reference, the
// rail deduplicates on its idempotency key, and the provider is never paid
// twice.
type PayoutBatch struct {
	ledger    Ledger
	rail      PayoutRail
	minimum   decimal.Decimal
	batchSize int
	log       *zap.Logger
}

func NewPayoutBatch(ledger Ledger, rail PayoutRail, minimum decimal.Decimal, batchSize int, log *zap.Logger) *PayoutBatch {
	return &PayoutBatch{ledger: ledger, rail: rail, minimum: minimum, batchSize: batchSize, log: log}
}

func (j *PayoutBatch) Name() string { return "payout_batch" }

func (j *PayoutBatch) Run(ctx context.Context) error {
	wallets, err := j.ledger.ListEligibleForPayout(ctx, j.minimum, j.batchSize)
	if err != nil {
		return errors.Wrap(err, "list payout-eligible wallets")
	}

	for i := range wallets {
		j.payOut(ctx, &wallets[i])
	}
	return nil
}

// payOut runs one wallet's payout. Failures at any step are logged and
// skipped; the open request makes the retry on the next run idempotent.
func (j *PayoutBatch) payOut(ctx context.Context, w *model.Wallet) {
	ref, amount, err := j.ledger.EnsurePayoutRequest(ctx, w.ID, uuid.NewString(), w.Balance)
	if err != nil {
		j.log.Error("opening payout request failed",
			zap.String("wallet_id", w.ID), zap.Error(err))
		return
	}

	j.log.Info("starting payout",
		zap.String("wallet_id", w.ID),
		zap.String("amount", amount.String()),
		zap.String("reference", ref))

	if err := j.rail.Transfer(ctx, w.PayoutDestination, amount, ref); err != nil {
		// The request stays open and the balance intact; the next run
		// retries under the same reference.
		j.log.Warn("payout transfer failed",
			zap.String("wallet_id", w.ID),
			zap.String("reference", ref),
			zap.Error(err))
		return
	}

	key := fmt.Sprintf("payout_%s_%s", w.ID, ref)
	if _, err := j.ledger.Debit(ctx, w.ID, amount, model.EntryPayout, key, model.EntryRefs{
		ReferenceType: "payout",
		ReferenceID:   ref,
		PaymentRef:    ref,
	}); err != nil {
		j.log.Error("recording payout debit failed",
			zap.String("wallet_id", w.ID),
			zap.String("reference", ref),
			zap.Error(err))
		return
	}

	if err := j.ledger.ClosePayoutRequest(ctx, w.ID, ref); err != nil {
		// The debit key replays on the next run, so a dangling request
		// only delays closing, never double-debits.
		j.log.Error("closing payout request failed",
			zap.String("wallet_id", w.ID),
			zap.String("reference", ref),
			zap.Error(err))
		return
	}

	j.log.Info("payout complete",
		zap.String("wallet_id", w.ID),
		zap.String("amount", amount.String()),
		zap.String("reference", ref))
}
