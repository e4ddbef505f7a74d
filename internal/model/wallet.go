package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry. The set is closed; billing logic
// switches over it exhaustively.
type EntryKind string

const (
	EntryTopUp         EntryKind = "top_up"
	EntrySessionCharge EntryKind = "session_charge"
	EntryBooking       EntryKind = "booking"
	EntryPaidReply     EntryKind = "paid_reply"
	EntryGift          EntryKind = "gift"
	EntryRefund        EntryKind = "refund"
	EntryAdjustment    EntryKind = "adjustment"
	EntryPayout        EntryKind = "payout"
	EntryCommission    EntryKind = "commission"
)

// Valid reports whether k is one of the known entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryTopUp, EntrySessionCharge, EntryBooking, EntryPaidReply,
		EntryGift, EntryRefund, EntryAdjustment, EntryPayout, EntryCommission:
		return true
	}
	return false
}

// Wallet holds the cached balance for one owning party. The balance is
// mutated only through ledger operations and must equal the signed sum of
// the wallet's ledger entries; Reconcile repairs any drift.
type Wallet struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	Balance           decimal.Decimal `json:"balance"`
	PaymentCustomerID string          `json:"payment_customer_id,omitempty"`
	PayoutDestination string          `json:"payout_destination,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LedgerEntry is one immutable signed money movement. Negative amounts are
// debits, positive are credits. Entries are append-only.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	WalletID       string          `json:"wallet_id"`
	Amount         decimal.Decimal `json:"amount"`
	Kind           EntryKind       `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	SessionID      string          `json:"session_id,omitempty"`
	PaymentRef     string          `json:"payment_ref,omitempty"`
	PaymentEventID string          `json:"payment_event_id,omitempty"`
	ReferenceType  string          `json:"reference_type,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EntryRefs carries the optional linkage fields for a ledger mutation.
// The links are informational; ledger correctness never depends on them.
type EntryRefs struct {
	SessionID      string
	PaymentRef     string
	PaymentEventID string
	ReferenceType  string
	ReferenceID    string
}

// Outcome is the result of a Debit or Credit. Applied is false when the
// idempotency key had already been used; the entry and balance then describe
// the previously applied mutation, and the call is a no-op.
type Outcome struct {
	Entry   LedgerEntry     `json:"entry"`
	Balance decimal.Decimal `json:"balance"`
	Applied bool            `json:"applied"`
}

// PaymentEvent is a top-up or refund notification delivered at-most-once by
// the external payment webhook relay. EventID gates redelivery.
type PaymentEvent struct {
	EventID    string          `json:"event_id"`
	OwnerID    string          `json:"owner_id"`
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"payment_ref,omitempty"`
}
