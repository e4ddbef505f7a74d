package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"seerpay/internal/model"
	"seerpay/internal/repository"
)

type fakeSessions struct {
	sessions map[string]*model.Session
}

func newFakeSessions(ss ...*model.Session) *fakeSessions {
	f := &fakeSessions{sessions: make(map[string]*model.Session)}
	for _, s := range ss {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeSessions) listByState(states ...model.SessionState) []model.Session {
	var out []model.Session
	for _, s := range f.sessions {
		for _, st := range states {
			if s.State == st {
				out = append(out, *s)
			}
		}
	}
	return out
}

func (f *fakeSessions) ListActive(ctx context.Context, limit int) ([]model.Session, error) {
	return f.listByState(model.StateActive), nil
}

func (f *fakeSessions) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	var out []model.Session
	for _, s := range f.listByState(model.StatePaused, model.StateReconnecting) {
		if s.GraceExpired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) ListEnded(ctx context.Context, limit int) ([]model.Session, error) {
	return f.listByState(model.StateEnded), nil
}

func (f *fakeSessions) AdvanceBilling(ctx context.Context, id string, minute int, at time.Time) error {
	s, ok := f.sessions[id]
	if !ok {
		return model.ErrSessionNotFound
	}
	if minute != s.BillingMinutes+1 {
		return errors.Errorf("billing counter out of order: have %d, got minute %d", s.BillingMinutes, minute)
	}
	s.BillingMinutes = minute
	s.LastBilledAt = &at
	return nil
}

func (f *fakeSessions) Transition(ctx context.Context, id string, to model.SessionState, mutate func(*model.Session)) (*model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if !s.State.CanTransitionTo(to) {
		return nil, errors.Wrapf(model.ErrInvalidTransition, "%s -> %s", s.State, to)
	}
	s.State = to
	if mutate != nil {
		mutate(s)
	}
	cp := *s
	return &cp, nil
}

type payoutRequest struct {
	reference string
	amount    decimal.Decimal
}

type fakeLedger struct {
	byOwner    map[string]*model.Wallet
	byID       map[string]*model.Wallet
	keys       map[string]model.LedgerEntry
	eligible   []model.Wallet
	requests   map[string]payoutRequest
	failDebits int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		byOwner:  make(map[string]*model.Wallet),
		byID:     make(map[string]*model.Wallet),
		keys:     make(map[string]model.LedgerEntry),
		requests: make(map[string]payoutRequest),
	}
}

func (f *fakeLedger) addWallet(owner, balance string) *model.Wallet {
	w := &model.Wallet{ID: "w_" + owner, OwnerID: owner, Balance: decimal.RequireFromString(balance)}
	f.byOwner[owner] = w
	f.byID[w.ID] = w
	return w
}

func (f *fakeLedger) GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error) {
	w, ok := f.byOwner[ownerID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return w, nil
}

func (f *fakeLedger) Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error) {
	if f.failDebits > 0 {
		f.failDebits--
		return nil, errors.New("db connection reset")
	}
	w, ok := f.byID[walletID]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	if prior, ok := f.keys[key]; ok {
		return &model.Outcome{Entry: prior, Balance: w.Balance, Applied: false}, nil
	}
	if w.Balance.LessThan(amount) {
		return nil, model.ErrInsufficientFunds
	}
	entry := model.LedgerEntry{
		WalletID:       walletID,
		Amount:         amount.Neg(),
		Kind:           kind,
		IdempotencyKey: key,
		SessionID:      refs.SessionID,
		PaymentRef:     refs.PaymentRef,
		ReferenceType:  refs.ReferenceType,
		ReferenceID:    refs.ReferenceID,
	}
	f.keys[key] = entry
	w.Balance = w.Balance.Sub(amount)
	return &model.Outcome{Entry: entry, Balance: w.Balance, Applied: true}, nil
}

func (f *fakeLedger) EnsurePayoutRequest(ctx context.Context, walletID, reference string, amount decimal.Decimal) (string, decimal.Decimal, error) {
	if req, ok := f.requests[walletID]; ok {
		return req.reference, req.amount, nil
	}
	f.requests[walletID] = payoutRequest{reference: reference, amount: amount}
	return reference, amount, nil
}

func (f *fakeLedger) ClosePayoutRequest(ctx context.Context, walletID, reference string) error {
	if req, ok := f.requests[walletID]; ok && req.reference == reference {
		delete(f.requests, walletID)
	}
	return nil
}

func (f *fakeLedger) ListEligibleForPayout(ctx context.Context, minimum decimal.Decimal, limit int) ([]model.Wallet, error) {
	var out []model.Wallet
	for _, w := range f.eligible {
		if cur, ok := f.byID[w.ID]; ok && !cur.Balance.LessThan(minimum) {
			out = append(out, *cur)
		}
	}
	return out, nil
}

type fakeBus struct {
	topics []string
}

func (f *fakeBus) Publish(topic string, data []byte) error {
	f.topics = append(f.topics, topic)
	return nil
}

func activeSession(id, client, rate string, minutes int) *model.Session {
	return &model.Session{
		ID:             id,
		ClientID:       client,
		ReaderID:       "reader",
		Modality:       model.ModalityVideo,
		State:          model.StateActive,
		RatePerMinute:  decimal.RequireFromString(rate),
		BillingMinutes: minutes,
	}
}

func TestBillingTickChargesUntilFundsRunOut(t *testing.T) {
	sessions := newFakeSessions(activeSession("s1", "client", "2.00", 0))
	ledger := newFakeLedger()
	w := ledger.addWallet("client", "5.00")

	tick := NewBillingTick(sessions, ledger, 100, 5*time.Minute, zap.NewNop())

	require.NoError(t, tick.Run(context.Background()))
	assert.Equal(t, 1, sessions.sessions["s1"].BillingMinutes)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("3.00")))

	require.NoError(t, tick.Run(context.Background()))
	assert.Equal(t, 2, sessions.sessions["s1"].BillingMinutes)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("1.00")))

	// Third minute is not covered: the session pauses with a grace window
	// and the counter stays where it was.
	require.NoError(t, tick.Run(context.Background()))
	s := sessions.sessions["s1"]
	assert.Equal(t, model.StatePaused, s.State)
	require.NotNil(t, s.GraceUntil)
	assert.True(t, s.GraceUntil.After(time.Now()))
	assert.Equal(t, 1, s.ReconnectCount, "entering paused counts like a disconnect")
	assert.Equal(t, 2, s.BillingMinutes)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("1.00")))
}

func TestBillingTickResumesAfterCrash(t *testing.T) {
	s := activeSession("s1", "client", "2.00", 0)
	sessions := newFakeSessions(s)
	ledger := newFakeLedger()
	w := ledger.addWallet("client", "10.00")

	// Simulate a previous run that died after debiting minute 1 but before
	// advancing the counter.
	_, err := ledger.Debit(context.Background(), w.ID, decimal.RequireFromString("2.00"),
		model.EntrySessionCharge, model.BillingKey("s1", 1), model.EntryRefs{SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, w.Balance.Equal(decimal.RequireFromString("8.00")))

	tick := NewBillingTick(sessions, ledger, 100, 5*time.Minute, zap.NewNop())
	require.NoError(t, tick.Run(context.Background()))

	// The replayed key charges nothing, but the counter catches up.
	assert.Equal(t, 1, s.BillingMinutes)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("8.00")))
}

func TestBillingTickEndsSessionWithoutWallet(t *testing.T) {
	s := activeSession("s1", "ghost", "2.00", 3)
	sessions := newFakeSessions(s)
	ledger := newFakeLedger()

	tick := NewBillingTick(sessions, ledger, 100, 5*time.Minute, zap.NewNop())
	require.NoError(t, tick.Run(context.Background()))

	assert.Equal(t, model.StateEnded, s.State)
	assert.NotNil(t, s.EndedAt)
}

func TestBillingTickSkipsFreeSessions(t *testing.T) {
	s := activeSession("s1", "client", "0", 0)
	sessions := newFakeSessions(s)
	ledger := newFakeLedger()
	w := ledger.addWallet("client", "5.00")

	tick := NewBillingTick(sessions, ledger, 100, 5*time.Minute, zap.NewNop())
	require.NoError(t, tick.Run(context.Background()))

	assert.Equal(t, 0, s.BillingMinutes)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("5.00")))
	assert.Equal(t, model.StateActive, s.State)
}

func TestGraceExpiryEndsSessions(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired := &model.Session{ID: "s1", State: model.StatePaused, GraceUntil: &past}
	waiting := &model.Session{ID: "s2", State: model.StatePaused, GraceUntil: &future}
	sessions := newFakeSessions(expired, waiting)
	bus := &fakeBus{}

	job := NewGraceExpiry(sessions, bus, 100, zap.NewNop())
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, model.StateEnded, expired.State)
	assert.NotNil(t, expired.EndedAt)
	assert.Equal(t, []string{repository.TopicSessionEnded}, bus.topics)

	assert.Equal(t, model.StatePaused, waiting.State, "deadline not reached yet")
}

type fakeFinalizer struct {
	finalized []string
	failID    string
}

func (f *fakeFinalizer) FinalizeSession(ctx context.Context, sessionID string) error {
	if sessionID == f.failID {
		return errors.New("boom")
	}
	f.finalized = append(f.finalized, sessionID)
	return nil
}

func TestFinalizeSweepIsolatesFailures(t *testing.T) {
	sessions := newFakeSessions(
		&model.Session{ID: "s1", State: model.StateEnded},
		&model.Session{ID: "s2", State: model.StateEnded},
		&model.Session{ID: "s3", State: model.StateActive},
	)
	fin := &fakeFinalizer{failID: "s1"}

	job := NewFinalizeSweep(sessions, fin, 100, zap.NewNop())
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"s2"}, fin.finalized, "the failing session is skipped, the rest proceed")
}

type railCall struct {
	destination string
	amount      decimal.Decimal
	reference   string
}

type fakeRail struct {
	failDest  string
	transfers []railCall
}

func (f *fakeRail) Transfer(ctx context.Context, destination string, amount decimal.Decimal, reference string) error {
	if destination == f.failDest {
		return errors.Wrap(model.ErrExternalCall, "rail unavailable")
	}
	f.transfers = append(f.transfers, railCall{destination: destination, amount: amount, reference: reference})
	return nil
}

func TestPayoutBatchSweepsEligibleWallets(t *testing.T) {
	ledger := newFakeLedger()
	broken := ledger.addWallet("reader1", "40.00")
	broken.PayoutDestination = "acct_broken"
	healthy := ledger.addWallet("reader2", "25.00")
	healthy.PayoutDestination = "acct_ok"
	ledger.eligible = []model.Wallet{*broken, *healthy}

	rail := &fakeRail{failDest: "acct_broken"}
	job := NewPayoutBatch(ledger, rail, decimal.RequireFromString("15.00"), 100, zap.NewNop())
	require.NoError(t, job.Run(context.Background()))

	// The failed transfer leaves the balance intact for the next run.
	assert.True(t, broken.Balance.Equal(decimal.RequireFromString("40.00")))

	// The healthy wallet is swept to zero with a reference-bearing key.
	assert.True(t, healthy.Balance.IsZero())
	require.Len(t, rail.transfers, 1)

	var payoutKey string
	for key := range ledger.keys {
		if strings.HasPrefix(key, "payout_"+healthy.ID+"_") {
			payoutKey = key
		}
	}
	require.NotEmpty(t, payoutKey, "payout debit recorded under a reference-embedding key")
	ref := strings.TrimPrefix(payoutKey, "payout_"+healthy.ID+"_")
	assert.Equal(t, ref, rail.transfers[0].reference, "ledger key and rail transfer share the reference")

	// The completed payout leaves no open request behind.
	assert.NotContains(t, ledger.requests, healthy.ID)
}

func TestPayoutBatchReusesReferenceAfterCrash(t *testing.T) {
	ledger := newFakeLedger()
	w := ledger.addWallet("reader1", "40.00")
	w.PayoutDestination = "acct_ok"
	ledger.eligible = []model.Wallet{*w}

	// The first run sends the transfer but dies before recording the debit.
	ledger.failDebits = 1
	rail := &fakeRail{}
	job := NewPayoutBatch(ledger, rail, decimal.RequireFromString("15.00"), 100, zap.NewNop())

	require.NoError(t, job.Run(context.Background()))
	require.Len(t, rail.transfers, 1)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("40.00")), "debit never landed")
	assert.Contains(t, ledger.requests, w.ID, "request stays open")

	// The retry re-sends under the same reference, so the rail can
	// deduplicate, and the debit finally lands.
	require.NoError(t, job.Run(context.Background()))
	require.Len(t, rail.transfers, 2)
	assert.Equal(t, rail.transfers[0].reference, rail.transfers[1].reference)
	assert.True(t, rail.transfers[0].amount.Equal(rail.transfers[1].amount))
	assert.True(t, w.Balance.IsZero())
	assert.NotContains(t, ledger.requests, w.ID)

	_, debited := ledger.keys["payout_"+w.ID+"_"+rail.transfers[0].reference]
	assert.True(t, debited, "debit key embeds the pinned reference")
}

func TestPayoutBatchSkipsBelowMinimum(t *testing.T) {
	ledger := newFakeLedger()
	small := ledger.addWallet("reader1", "10.00")
	small.PayoutDestination = "acct_small"
	ledger.eligible = []model.Wallet{*small}

	rail := &fakeRail{}
	job := NewPayoutBatch(ledger, rail, decimal.RequireFromString("15.00"), 100, zap.NewNop())
	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, rail.transfers)
	assert.True(t, small.Balance.Equal(decimal.RequireFromString("10.00")))
}
