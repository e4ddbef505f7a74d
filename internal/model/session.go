package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the lifecycle state of a metered session.
type SessionState string

const (
	StateCreated      SessionState = "created"
	StateWaiting      SessionState = "waiting"
	StateActive       SessionState = "active"
	StatePaused       SessionState = "paused"
	StateReconnecting SessionState = "reconnecting"
	StateEnded        SessionState = "ended"
	StateFinalized    SessionState = "finalized"
)

// Modality is the interaction medium of a session.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
	ModalityVideo Modality = "video"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	switch m {
	case ModalityText, ModalityVoice, ModalityVideo:
		return true
	}
	return false
}

// transitions is the closed set of legal state edges. Any transition not
// listed here fails with ErrInvalidTransition and leaves state unchanged.
var transitions = map[SessionState][]SessionState{
	StateCreated:      {StateWaiting},
	StateWaiting:      {StateActive, StateEnded},
	StateActive:       {StatePaused, StateEnded},
	StatePaused:       {StateReconnecting, StateActive, StateEnded},
	StateReconnecting: {StateActive, StateEnded},
	StateEnded:        {StateFinalized},
}

// CanTransitionTo reports whether from→to is a legal edge.
func (s SessionState) CanTransitionTo(to SessionState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Billable reports whether billing ticks apply in this state.
func (s SessionState) Billable() bool {
	return s == StateActive
}

// Session is one metered interaction between a paying client and a reader.
// The rate is locked in when billing starts and never changes mid-session.
// Sessions are never deleted; ended and finalized rows are the audit trail.
type Session struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	ReaderID       string          `json:"reader_id"`
	Modality       Modality        `json:"modality"`
	State          SessionState    `json:"state"`
	ChannelName    string          `json:"channel_name,omitempty"`
	RatePerMinute  decimal.Decimal `json:"rate_per_minute"`
	BillingMinutes int             `json:"billing_minutes"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	LastBilledAt   *time.Time      `json:"last_billed_at,omitempty"`
	GraceUntil     *time.Time      `json:"grace_until,omitempty"`
	ReconnectCount int             `json:"reconnect_count"`
	Summary        string          `json:"summary,omitempty"`
}

// HasParticipant reports whether partyID is the client or the reader.
func (s *Session) HasParticipant(partyID string) bool {
	return partyID == s.ClientID || partyID == s.ReaderID
}

// NextBillingKey derives the idempotency key for the next unbilled minute.
// Because the key is a pure function of the persisted counter, a billing
// tick that crashed after charging but before advancing the counter cannot
// charge the same minute twice on rerun.
func (s *Session) NextBillingKey() string {
	return BillingKey(s.ID, s.BillingMinutes+1)
}

// BillingKey builds the idempotency key for one (session, minute) pair.
func BillingKey(sessionID string, minute int) string {
	return fmt.Sprintf("session_%s_min_%d", sessionID, minute)
}

// TotalCharged is the amount billed so far at the locked-in rate.
func (s *Session) TotalCharged() decimal.Decimal {
	return s.RatePerMinute.Mul(decimal.NewFromInt(int64(s.BillingMinutes)))
}

// GraceExpired reports whether the reconnect window has passed at now.
// A session with no deadline set is not considered expired.
func (s *Session) GraceExpired(now time.Time) bool {
	return s.GraceUntil != nil && now.After(*s.GraceUntil)
}
