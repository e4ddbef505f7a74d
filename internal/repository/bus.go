package repository

// MessageBus publishes engine events. The ledger publishes entry records and
// the session layer publishes ended-session notifications for finalization.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// Bus topics.
const (
	TopicEntryRecorded = "ledger.entries.recorded"
	TopicSessionEnded  = "sessions.ended"
)

// SessionEndedEvent is published when a session reaches the ended state and
// awaits finalization. Delivery is at-least-once; finalization is idempotent.
type SessionEndedEvent struct {
	SessionID string `json:"session_id"`
}
