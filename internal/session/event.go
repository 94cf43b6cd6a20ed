package session

// EventType discriminates session event variants.
type EventType string

const (
	EventPushMessage   EventType = "push_message"
	EventUpdateMessage EventType = "update_message"
	EventDeleteMessage EventType = "delete_message"
)

// Event is an immutable notification of one message mutation, scoped to one
// session. Events are the only channel through which session state becomes
// visible outside the session; Message is always a snapshot, never a live
// reference.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Message   Message   `json:"message,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

// Observer receives session events in emission order.
type Observer func(Event)
