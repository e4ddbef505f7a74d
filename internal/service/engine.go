// Package service implements the billing engine's public operations.
// Everything the outer platform does with money or sessions resolves to a
// call here, which in turn resolves to ledger mutations and state machine
// transitions.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"seerpay/internal/config"
	"seerpay/internal/model"
	"seerpay/internal/repository"
	"seerpay/internal/token"
)

const maxSummaryLen = 1000

// LedgerStore is the wallet ledger the engine mutates. Implemented by
// repository.LedgerRepo.
type LedgerStore interface {
	GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error)
	Balance(ctx context.Context, walletID string) (decimal.Decimal, error)
	Debit(ctx context.Context, walletID string, amount decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error)
	Credit(ctx context.Context, walletID string, amount decimal.Decimal, kind model.EntryKind, key string, refs model.EntryRefs) (*model.Outcome, error)
	Reconcile(ctx context.Context, walletID string) (decimal.Decimal, error)
	RecordAudit(ctx context.Context, action, objectType, objectID string, details map[string]any) error
}

// SessionStore persists sessions and serializes their state transitions.
// Implemented by repository.SessionRepo.
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Transition(ctx context.Context, id string, to model.SessionState, mutate func(*model.Session)) (*model.Session, error)
}

// TokenIssuer mints realtime channel access tokens.
type TokenIssuer interface {
	Issue(channel, partyID string, role token.Role, ttl time.Duration) (string, error)
}

// Engine ties the ledger, the session state machine and the realtime token
// issuer together behind the platform-facing operations.
type Engine struct {
	ledger   LedgerStore
	sessions SessionStore
	tokens   TokenIssuer
	bus      repository.MessageBus
	log      *zap.Logger

	graceWindow   time.Duration
	providerShare decimal.Decimal
	tokenTTL      time.Duration
}

func NewEngine(ledger LedgerStore, sessions SessionStore, tokens TokenIssuer, bus repository.MessageBus, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		ledger:        ledger,
		sessions:      sessions,
		tokens:        tokens,
		bus:           bus,
		log:           log,
		graceWindow:   cfg.GraceWindow,
		providerShare: cfg.ProviderShare,
		tokenTTL:      cfg.TokenTTL,
	}
}

// SessionHandle is a session plus the realtime access token minted for the
// party that activated or reconnected it.
type SessionHandle struct {
	Session *model.Session `json:"session"`
	Token   string         `json:"token,omitempty"`
	Channel string         `json:"channel,omitempty"`
}

// CreateSession books a new metered session in the created state. The rate
// is locked in here and never changes for the session's lifetime.
func (e *Engine) CreateSession(ctx context.Context, clientID, readerID string, modality model.Modality, rate decimal.Decimal) (*model.Session, error) {
	if !modality.Valid() {
		return nil, errors.Errorf("unknown modality %q", modality)
	}
	if rate.IsNegative() {
		return nil, model.ErrInvalidAmount
	}
	// The payer must have a wallet before a session can exist for them.
	if _, err := e.ledger.GetWalletByOwner(ctx, clientID); err != nil {
		return nil, err
	}

	s := &model.Session{
		ID:            uuid.NewString(),
		ClientID:      clientID,
		ReaderID:      readerID,
		Modality:      modality,
		State:         model.StateCreated,
		RatePerMinute: rate,
		CreatedAt:     time.Now(),
	}
	if err := e.sessions.Create(ctx, s); err != nil {
		return nil, err
	}
	e.log.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("client_id", clientID),
		zap.String("reader_id", readerID),
		zap.String("rate", rate.String()))
	return s, nil
}

// ActivateSession moves the session into active billing and issues the
// realtime token for the joining party. A created session passes through
// waiting on its first activation. The payer must be able to cover at least
// one rate unit.
func (e *Engine) ActivateSession(ctx context.Context, sessionID, partyID string) (*SessionHandle, error) {
	s, err := e.participantSession(ctx, sessionID, partyID)
	if err != nil {
		return nil, err
	}
	if err := e.checkPayerBalance(ctx, s); err != nil {
		return nil, err
	}

	if s.State == model.StateCreated {
		if s, err = e.sessions.Transition(ctx, sessionID, model.StateWaiting, nil); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	s, err = e.sessions.Transition(ctx, sessionID, model.StateActive, func(s *model.Session) {
		if s.ChannelName == "" {
			s.ChannelName = fmt.Sprintf("session_%s_%d", s.ID, now.Unix())
		}
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.GraceUntil = nil
	})
	if err != nil {
		return nil, err
	}

	tok, err := e.tokens.Issue(s.ChannelName, partyID, token.RolePublisher, e.tokenTTL)
	if err != nil {
		return nil, errors.Wrapf(model.ErrExternalCall, "issue channel token: %v", err)
	}
	e.log.Info("session activated", zap.String("session_id", s.ID), zap.String("party_id", partyID))
	return &SessionHandle{Session: s, Token: tok, Channel: s.ChannelName}, nil
}

// DisconnectSession pauses an active session and opens the reconnect grace
// window. Billing stops until the session is active again.
func (e *Engine) DisconnectSession(ctx context.Context, sessionID, partyID string) (*model.Session, error) {
	if _, err := e.participantSession(ctx, sessionID, partyID); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(e.graceWindow)
	s, err := e.sessions.Transition(ctx, sessionID, model.StatePaused, func(s *model.Session) {
		s.GraceUntil = &deadline
		s.ReconnectCount++
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("session paused",
		zap.String("session_id", s.ID),
		zap.String("party_id", partyID),
		zap.Time("grace_until", deadline))
	return s, nil
}

// ReconnectSession resumes a paused session if the grace deadline has not
// passed. Expired sessions are left for the grace sweep to end; the caller
// gets ErrGraceExpired.
func (e *Engine) ReconnectSession(ctx context.Context, sessionID, partyID string) (*SessionHandle, error) {
	s, err := e.participantSession(ctx, sessionID, partyID)
	if err != nil {
		return nil, err
	}
	if s.State != model.StatePaused && s.State != model.StateReconnecting {
		return nil, errors.Wrapf(model.ErrInvalidTransition, "reconnect from %s", s.State)
	}
	if s.GraceUntil == nil || time.Now().After(*s.GraceUntil) {
		return nil, model.ErrGraceExpired
	}

	// Mark the attempt first: if the balance check fails the session stays
	// in reconnecting, still subject to the grace sweep.
	if s.State == model.StatePaused {
		if s, err = e.sessions.Transition(ctx, sessionID, model.StateReconnecting, nil); err != nil {
			return nil, err
		}
	}
	if err := e.checkPayerBalance(ctx, s); err != nil {
		return nil, err
	}

	s, err = e.sessions.Transition(ctx, sessionID, model.StateActive, func(s *model.Session) {
		s.GraceUntil = nil
	})
	if err != nil {
		return nil, err
	}

	tok, err := e.tokens.Issue(s.ChannelName, partyID, token.RolePublisher, e.tokenTTL)
	if err != nil {
		return nil, errors.Wrapf(model.ErrExternalCall, "issue channel token: %v", err)
	}
	e.log.Info("session reconnected", zap.String("session_id", s.ID), zap.String("party_id", partyID))
	return &SessionHandle{Session: s, Token: tok, Channel: s.ChannelName}, nil
}

// EndSession terminates the session and enqueues finalization. The summary,
// when given, is recorded once and never rewritten.
func (e *Engine) EndSession(ctx context.Context, sessionID, partyID, summary string) (*model.Session, error) {
	if _, err := e.participantSession(ctx, sessionID, partyID); err != nil {
		return nil, err
	}
	now := time.Now()
	s, err := e.sessions.Transition(ctx, sessionID, model.StateEnded, func(s *model.Session) {
		s.EndedAt = &now
		if summary != "" {
			if len(summary) > maxSummaryLen {
				summary = summary[:maxSummaryLen]
			}
			s.Summary = summary
		}
	})
	if err != nil {
		return nil, err
	}
	e.publishEnded(s.ID)
	e.log.Info("session ended", zap.String("session_id", s.ID), zap.String("party_id", partyID))
	return s, nil
}

// GetSession returns the session for read-side callers.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	return e.sessions.Get(ctx, sessionID)
}

// FinalizeSession reconciles the payer's wallet against the ledger, writes
// the billing summary and closes the session. Safe to run any number of
// times: an already finalized session is a no-op. It never re-derives or
// re-issues ledger entries.
func (e *Engine) FinalizeSession(ctx context.Context, sessionID string) error {
	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State == model.StateFinalized {
		return nil
	}
	if s.State != model.StateEnded {
		return errors.Wrapf(model.ErrInvalidTransition, "finalize from %s", s.State)
	}

	wallet, err := e.ledger.GetWalletByOwner(ctx, s.ClientID)
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		// Sessions ended for a missing payer wallet still get closed.
		e.log.Warn("finalizing session without payer wallet", zap.String("session_id", sessionID))
	case err != nil:
		return err
	default:
		if _, err := e.ledger.Reconcile(ctx, wallet.ID); err != nil {
			return errors.Wrap(err, "reconcile payer wallet")
		}
	}

	total := s.TotalCharged()
	line := fmt.Sprintf("%d minutes, $%s charged", s.BillingMinutes, total.StringFixed(2))
	s, err = e.sessions.Transition(ctx, sessionID, model.StateFinalized, func(s *model.Session) {
		if s.Summary == "" {
			s.Summary = line
		} else {
			s.Summary += "\n" + line
		}
	})
	if err != nil {
		return err
	}

	if err := e.ledger.RecordAudit(ctx, "session_finalized", "session", s.ID, map[string]any{
		"modality":        string(s.Modality),
		"billing_minutes": s.BillingMinutes,
		"rate_per_minute": s.RatePerMinute.String(),
		"total_charged":   total.StringFixed(2),
	}); err != nil {
		return errors.Wrap(err, "write finalize audit record")
	}

	e.log.Info("session finalized",
		zap.String("session_id", s.ID),
		zap.Int("billing_minutes", s.BillingMinutes),
		zap.String("total_charged", total.StringFixed(2)))
	return nil
}

// TopUp credits the wallet for an external payment event. Redelivery of the
// same event id is a no-op.
func (e *Engine) TopUp(ctx context.Context, event model.PaymentEvent) (*model.Outcome, error) {
	if !event.Amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	wallet, err := e.ledger.GetWalletByOwner(ctx, event.OwnerID)
	if err != nil {
		return nil, err
	}
	return e.ledger.Credit(ctx, wallet.ID, event.Amount, model.EntryTopUp,
		"topup_"+event.EventID, model.EntryRefs{
			PaymentEventID: event.EventID,
			PaymentRef:     event.PaymentRef,
			ReferenceType:  "payment_event",
			ReferenceID:    event.EventID,
		})
}

// Refund debits the wallet for an external refund event, symmetric to TopUp.
func (e *Engine) Refund(ctx context.Context, event model.PaymentEvent) (*model.Outcome, error) {
	if !event.Amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	wallet, err := e.ledger.GetWalletByOwner(ctx, event.OwnerID)
	if err != nil {
		return nil, err
	}
	return e.ledger.Debit(ctx, wallet.ID, event.Amount, model.EntryRefund,
		"refund_"+event.EventID, model.EntryRefs{
			PaymentEventID: event.EventID,
			PaymentRef:     event.PaymentRef,
			ReferenceType:  "payment_event",
			ReferenceID:    event.EventID,
		})
}

// GiftResult holds the two legs of a gift: the sender's full debit and the
// reader's commission-share credit.
type GiftResult struct {
	Debit  *model.Outcome `json:"debit"`
	Credit *model.Outcome `json:"credit"`
}

// SendGift debits the full amount from the sender and credits the reader
// their share. The split lives here and nowhere else. Both legs carry
// idempotency keys derived from ref, so a retried call replays cleanly.
func (e *Engine) SendGift(ctx context.Context, senderID, readerID string, amount decimal.Decimal, ref string) (*GiftResult, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	sender, err := e.ledger.GetWalletByOwner(ctx, senderID)
	if err != nil {
		return nil, err
	}
	reader, err := e.ledger.GetWalletByOwner(ctx, readerID)
	if err != nil {
		return nil, err
	}

	refs := model.EntryRefs{ReferenceType: "gift", ReferenceID: ref}
	debit, err := e.ledger.Debit(ctx, sender.ID, amount, model.EntryGift, "gift_"+ref, refs)
	if err != nil {
		return nil, err
	}
	share := amount.Mul(e.providerShare).Round(2)
	credit, err := e.ledger.Credit(ctx, reader.ID, share, model.EntryCommission, "gift_commission_"+ref, refs)
	if err != nil {
		return nil, err
	}
	return &GiftResult{Debit: debit, Credit: credit}, nil
}

// BookSlot charges the client for a scheduled slot.
func (e *Engine) BookSlot(ctx context.Context, clientID, slotRef string, amount decimal.Decimal) (*model.Outcome, error) {
	wallet, err := e.ledger.GetWalletByOwner(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.ledger.Debit(ctx, wallet.ID, amount, model.EntryBooking,
		fmt.Sprintf("booking_%s_%s", slotRef, clientID),
		model.EntryRefs{ReferenceType: "booking", ReferenceID: slotRef})
}

// CancelBooking refunds a previously booked slot.
func (e *Engine) CancelBooking(ctx context.Context, clientID, slotRef string, amount decimal.Decimal) (*model.Outcome, error) {
	wallet, err := e.ledger.GetWalletByOwner(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.ledger.Credit(ctx, wallet.ID, amount, model.EntryRefund,
		fmt.Sprintf("booking_refund_%s_%s", slotRef, clientID),
		model.EntryRefs{ReferenceType: "booking", ReferenceID: slotRef})
}

// ChargePaidReply charges the client for one paid message reply. seq is the
// message ordinal within the conversation, making the key deterministic.
func (e *Engine) ChargePaidReply(ctx context.Context, clientID, conversationRef string, seq int, amount decimal.Decimal) (*model.Outcome, error) {
	wallet, err := e.ledger.GetWalletByOwner(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.ledger.Debit(ctx, wallet.ID, amount, model.EntryPaidReply,
		fmt.Sprintf("paid_reply_%s_%d", conversationRef, seq),
		model.EntryRefs{ReferenceType: "paid_reply", ReferenceID: conversationRef})
}

func (e *Engine) participantSession(ctx context.Context, sessionID, partyID string) (*model.Session, error) {
	s, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.HasParticipant(partyID) {
		return nil, model.ErrNotParticipant
	}
	return s, nil
}

// checkPayerBalance verifies the client can cover at least one rate unit.
func (e *Engine) checkPayerBalance(ctx context.Context, s *model.Session) error {
	if !s.RatePerMinute.IsPositive() {
		return nil
	}
	wallet, err := e.ledger.GetWalletByOwner(ctx, s.ClientID)
	if err != nil {
		return err
	}
	balance, err := e.ledger.Balance(ctx, wallet.ID)
	if err != nil {
		return err
	}
	if balance.LessThan(s.RatePerMinute) {
		return model.ErrInsufficientFunds
	}
	return nil
}

func (e *Engine) publishEnded(sessionID string) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(repository.SessionEndedEvent{SessionID: sessionID})
	if err != nil {
		return
	}
	if err := e.bus.Publish(repository.TopicSessionEnded, data); err != nil {
		e.log.Warn("failed to publish session ended event",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
