package model

import "github.com/pkg/errors"

// Error taxonomy for the billing engine. Callers match with errors.Is
// rather than inspecting message text.
var (
	// ErrInvalidAmount means a zero or negative amount was passed to a
	// ledger mutation. This is a contract violation by the caller.
	ErrInvalidAmount = errors.New("amount must be strictly positive")

	// ErrInsufficientFunds means a debit would take the balance negative.
	// The balance is left unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound means the wallet does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrSessionNotFound means the session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition means the requested session state change is not
	// an edge of the transition table. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrGraceExpired means a reconnect was attempted after the grace
	// deadline passed.
	ErrGraceExpired = errors.New("reconnect grace period expired")

	// ErrNotParticipant means the acting party is neither the client nor
	// the reader of the session.
	ErrNotParticipant = errors.New("party is not a session participant")

	// ErrExternalCall means a payment, payout or transport provider call
	// failed. The operation must not be assumed to have applied.
	ErrExternalCall = errors.New("external provider call failed")
)
