package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"seerpay/internal/model"
)

// LedgerRepo is the wallet ledger store: an append-only entry log plus a
// cached balance per wallet, with idempotency enforced inside the same
// transaction as the balance mutation. All mutations on one wallet are
// serialized by a row-level lock; different wallets proceed independently.
type LedgerRepo struct {
	db    *pgxpool.Pool
	cache *BalanceCache
	bus   MessageBus
	log   *zap.Logger
}

func NewLedgerRepo(db *pgxpool.Pool, cache *BalanceCache, bus MessageBus, log *zap.Logger) *LedgerRepo {
	return &LedgerRepo{db: db, cache: cache, bus: bus, log: log}
}

const walletColumns = `id, owner_id, balance::text, payment_customer_id, payout_destination, created_at, updated_at`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	if err := row.Scan(&w.ID, &w.OwnerID, &balance, &w.PaymentCustomerID, &w.PayoutDestination, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	w.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, errors.Wrap(err, "parse wallet balance")
	}
	return &w, nil
}

// CreateWallet creates an empty wallet for the owning party.
func (r *LedgerRepo) CreateWallet(ctx context.Context, ownerID string) (*model.Wallet, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO wallets (id, owner_id) VALUES ($1, $2) RETURNING `+walletColumns,
		uuid.NewString(), ownerID)
	w, err := scanWallet(row)
	if err != nil {
		return nil, errors.Wrap(err, "create wallet")
	}
	return w, nil
}

func (r *LedgerRepo) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	w, err := scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	return w, err
}

func (r *LedgerRepo) GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error) {
	w, err := scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	return w, err
}

// SetPayoutDestination links the wallet to an external payout rail account,
// making it eligible for the payout batch.
func (r *LedgerRepo) SetPayoutDestination(ctx context.Context, walletID, destination string) error {
	ct, err := r.db.Exec(ctx,
		`UPDATE wallets SET payout_destination = $1, updated_at = now() WHERE id = $2`,
		destination, walletID)
	if err != nil {
		return errors.Wrap(err, "set payout destination")
	}
	if ct.RowsAffected() == 0 {
		return model.ErrAccountNotFound
	}
	return nil
}

// Balance returns the wallet's cached balance, serving from Redis when
// possible and warming the cache from Postgres on a miss.
func (r *LedgerRepo) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	if bal, ok := r.cache.Get(ctx, walletID); ok {
		return bal, nil
	}
	w, err := r.GetWallet(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	r.cache.Set(ctx, walletID, w.Balance)
	return w.Balance, nil
}

// Debit removes amount from the wallet. A duplicate idempotency key returns
// the original outcome with Applied=false instead of an error. Fails with
// ErrInsufficientFunds when the balance cannot cover the amount, leaving the
// balance unchanged.
func (r *LedgerRepo) Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	if !kind.Valid() {
		return nil, errors.Errorf("unknown entry kind %q", kind)
	}
	return r.apply(ctx, walletID, amount.Neg(), kind, key, refs)
}

// Credit adds amount to the wallet. Same idempotency contract as Debit;
// credits have no balance floor check.
func (r *LedgerRepo) Credit(ctx context.Context, walletID string, amount decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	if !kind.Valid() {
		return nil, errors.Errorf("unknown entry kind %q", kind)
	}
	return r.apply(ctx, walletID, amount, kind, key, refs)
}

// apply retries applyOnce when a concurrent writer aborts the transaction.
// Two calls racing the same idempotency key surface as a unique violation
// on one side; the rerun finds the committed entry and returns the replay
// outcome instead of the raw error.
func (r *LedgerRepo) apply(ctx context.Context, walletID string, signed decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error) {
	var out *model.Outcome
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var applyErr error
		out, applyErr = r.applyOnce(ctx, walletID, signed, kind, key, refs)
		if isRetryableTxError(applyErr) {
			return retry.RetryableError(applyErr)
		}
		return applyErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isRetryableTxError matches the two ways a concurrent writer can abort us:
// a serialization failure from the repeatable-read snapshot (40001) or a
// unique violation on the idempotency key (23505).
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "23505"
	}
	return false
}

// applyOnce runs the idempotency check, the wallet row lock, the entry
// append and the balance move as one transaction. signed is negative for
// debits.
func (r *LedgerRepo) applyOnce(ctx context.Context, walletID string, signed decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, errors.Wrap(err, "begin ledger tx")
	}
	defer tx.Rollback(ctx)

	// Replay check first: a second call with the same key is a no-op that
	// returns the prior result, never a second entry.
	if out, found, err := r.findByKey(ctx, tx, walletID, key); err != nil {
		return nil, err
	} else if found {
		return out, nil
	}

	var balStr string
	err = tx.QueryRow(ctx, `SELECT balance::text FROM wallets WHERE id = $1 FOR UPDATE`, walletID).Scan(&balStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock wallet row")
	}
	balance, err := decimal.NewFromString(balStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse wallet balance")
	}

	if signed.IsNegative() && balance.LessThan(signed.Neg()) {
		return nil, model.ErrInsufficientFunds
	}
	newBalance := balance.Add(signed)

	// External payment events get a second idempotency gate keyed by the
	// event id, so a redelivered webhook is a no-op even when the relay
	// derives a different entry key.
	if refs.PaymentEventID != "" {
		ct, err := tx.Exec(ctx,
			`INSERT INTO processed_payment_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`,
			refs.PaymentEventID)
		if err != nil {
			return nil, errors.Wrap(err, "record payment event")
		}
		if ct.RowsAffected() == 0 {
			return &model.Outcome{Balance: balance, Applied: false}, nil
		}
	}

	entry := model.LedgerEntry{
		WalletID:       walletID,
		Amount:         signed,
		Kind:           kind,
		IdempotencyKey: key,
		SessionID:      refs.SessionID,
		PaymentRef:     refs.PaymentRef,
		PaymentEventID: refs.PaymentEventID,
		ReferenceType:  refs.ReferenceType,
		ReferenceID:    refs.ReferenceID,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries
		   (wallet_id, amount, kind, idempotency_key, session_id, payment_ref, payment_event_id, reference_type, reference_id)
		 VALUES ($1, $2::numeric, $3, $4, NULLIF($5, '')::uuid, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		walletID, signed.String(), string(kind), key,
		refs.SessionID, refs.PaymentRef, refs.PaymentEventID, refs.ReferenceType, refs.ReferenceID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "append ledger entry")
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET balance = $1::numeric, updated_at = now() WHERE id = $2`,
		newBalance.String(), walletID)
	if err != nil {
		return nil, errors.Wrap(err, "update wallet balance")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit ledger tx")
	}

	r.refreshCache(ctx, walletID, newBalance)
	r.publishEntry(entry)

	return &model.Outcome{Entry: entry, Balance: newBalance, Applied: true}, nil
}

// findByKey looks up a prior entry for the idempotency key and rebuilds the
// original outcome around the wallet's current balance.
func (r *LedgerRepo) findByKey(ctx context.Context, tx pgx.Tx, walletID, key string) (*model.Outcome, bool, error) {
	var e model.LedgerEntry
	var amount, sessionID string
	err := tx.QueryRow(ctx,
		`SELECT id, wallet_id, amount::text, kind, idempotency_key,
		        COALESCE(session_id::text, ''), payment_ref, payment_event_id,
		        reference_type, reference_id, created_at
		   FROM ledger_entries WHERE idempotency_key = $1`, key,
	).Scan(&e.ID, &e.WalletID, &amount, &e.Kind, &e.IdempotencyKey,
		&sessionID, &e.PaymentRef, &e.PaymentEventID, &e.ReferenceType, &e.ReferenceID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "idempotency lookup")
	}
	e.SessionID = sessionID
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, false, errors.Wrap(err, "parse entry amount")
	}

	var balStr string
	if err := tx.QueryRow(ctx, `SELECT balance::text FROM wallets WHERE id = $1`, walletID).Scan(&balStr); err != nil {
		return nil, false, errors.Wrap(err, "read wallet balance")
	}
	balance, err := decimal.NewFromString(balStr)
	if err != nil {
		return nil, false, errors.Wrap(err, "parse wallet balance")
	}
	return &model.Outcome{Entry: e, Balance: balance, Applied: false}, true, nil
}

// Reconcile recomputes the balance from the signed sum of all entries.
// Drift overwrites the cache, but never silently: the correction is logged
// and an audit record is written in the same transaction.
func (r *LedgerRepo) Reconcile(ctx context.Context, walletID string) (decimal.Decimal, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "begin reconcile tx")
	}
	defer tx.Rollback(ctx)

	var cachedStr string
	err = tx.QueryRow(ctx, `SELECT balance::text FROM wallets WHERE id = $1 FOR UPDATE`, walletID).Scan(&cachedStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, model.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "lock wallet row")
	}
	cached, err := decimal.NewFromString(cachedStr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse wallet balance")
	}

	var sumStr string
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM ledger_entries WHERE wallet_id = $1`, walletID,
	).Scan(&sumStr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "sum ledger entries")
	}
	ledgerSum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse ledger sum")
	}

	if !cached.Equal(ledgerSum) {
		_, err = tx.Exec(ctx,
			`UPDATE wallets SET balance = $1::numeric, updated_at = now() WHERE id = $2`,
			ledgerSum.String(), walletID)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "correct wallet balance")
		}
		details, _ := json.Marshal(map[string]string{
			"cached_balance": cached.String(),
			"ledger_sum":     ledgerSum.String(),
		})
		_, err = tx.Exec(ctx,
			`INSERT INTO audit_log (action, object_type, object_id, details) VALUES ($1, $2, $3, $4)`,
			"wallet_reconciled", "wallet", walletID, details)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "write reconcile audit record")
		}
		r.log.Error("wallet balance drift corrected from ledger",
			zap.String("wallet_id", walletID),
			zap.String("cached_balance", cached.String()),
			zap.String("ledger_sum", ledgerSum.String()))
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, errors.Wrap(err, "commit reconcile tx")
	}

	r.refreshCache(ctx, walletID, ledgerSum)
	return ledgerSum, nil
}

// ListEligibleForPayout returns wallets with a payout destination and a
// balance at or above the minimum, oldest-touched first.
func (r *LedgerRepo) ListEligibleForPayout(ctx context.Context, minimum decimal.Decimal, limit int) ([]model.Wallet, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+walletColumns+`
		   FROM wallets
		  WHERE payout_destination <> '' AND balance >= $1::numeric
		  ORDER BY updated_at ASC
		  LIMIT $2`,
		minimum.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list payout-eligible wallets")
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// EnsurePayoutRequest returns the wallet's open payout request, creating one
// with the given reference and amount when none exists. The reference and
// amount stay fixed until ClosePayoutRequest, so a payout retried after a
// crash between the rail transfer and the ledger debit re-sends the same
// rail idempotency key and the rail deduplicates the transfer.
func (r *LedgerRepo) EnsurePayoutRequest(ctx context.Context, walletID, reference string, amount decimal.Decimal) (string, decimal.Decimal, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO payout_requests (wallet_id, reference, amount)
		 VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (wallet_id) DO NOTHING`,
		walletID, reference, amount.String())
	if err != nil {
		return "", decimal.Zero, errors.Wrap(err, "create payout request")
	}

	var ref, amtStr string
	err = r.db.QueryRow(ctx,
		`SELECT reference, amount::text FROM payout_requests WHERE wallet_id = $1`,
		walletID).Scan(&ref, &amtStr)
	if err != nil {
		return "", decimal.Zero, errors.Wrap(err, "read payout request")
	}
	amt, err := decimal.NewFromString(amtStr)
	if err != nil {
		return "", decimal.Zero, errors.Wrap(err, "parse payout request amount")
	}
	return ref, amt, nil
}

// ClosePayoutRequest removes the open request once the payout debit is in
// the ledger.
func (r *LedgerRepo) ClosePayoutRequest(ctx context.Context, walletID, reference string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM payout_requests WHERE wallet_id = $1 AND reference = $2`,
		walletID, reference)
	return errors.Wrap(err, "close payout request")
}

// RecordAudit appends an immutable audit record.
func (r *LedgerRepo) RecordAudit(ctx context.Context, action, objectType, objectID string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "marshal audit details")
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO audit_log (action, object_type, object_id, details) VALUES ($1, $2, $3, $4)`,
		action, objectType, objectID, payload)
	return errors.Wrap(err, "write audit record")
}

// refreshCache updates the cached balance after a committed mutation.
// If the refresh fails the stale key is dropped so readers fall back to
// Postgres; the ledger and the wallet row are already consistent.
func (r *LedgerRepo) refreshCache(ctx context.Context, walletID string, balance decimal.Decimal) {
	if err := r.cache.Refresh(ctx, walletID, balance); err != nil {
		r.log.Warn("balance cache refresh failed, invalidating key",
			zap.String("wallet_id", walletID), zap.Error(err))
	}
}

func (r *LedgerRepo) publishEntry(entry model.LedgerEntry) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(EntryRecordedEvent{
		WalletID:       entry.WalletID,
		Amount:         entry.Amount.String(),
		Kind:           string(entry.Kind),
		IdempotencyKey: entry.IdempotencyKey,
		CreatedAt:      entry.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(TopicEntryRecorded, data); err != nil {
		r.log.Warn("failed to publish ledger event", zap.Error(err))
	}
}

// EntryRecordedEvent is the bus payload emitted after a ledger mutation.
type EntryRecordedEvent struct {
	WalletID       string    `json:"wallet_id"`
	Amount         string    `json:"amount"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}
