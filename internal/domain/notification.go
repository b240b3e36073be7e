package domain

import "time"

// NotificationKind classifies a notification for rendering.
type NotificationKind string

const (
	NotificationKindInfo    NotificationKind = "info"
	NotificationKindSuccess NotificationKind = "success"
	NotificationKindWarning NotificationKind = "warning"
	NotificationKindError   NotificationKind = "error"

	// Control kinds travel on the stream only and are never persisted.
	NotificationKindHeartbeat     NotificationKind = "heartbeat"
	NotificationKindConnectionAck NotificationKind = "connection_ack"
)

// IsControl reports whether the kind is reserved for stream liveness.
func (k NotificationKind) IsControl() bool {
	return k == NotificationKindHeartbeat || k == NotificationKindConnectionAck
}

// Notification is a user-facing event. Everything except IsRead is immutable
// once persisted.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Message   string           `json:"message"`
	Kind      NotificationKind `json:"type"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Valid reports whether the notification carries the fields required for routing.
func (n *Notification) Valid() bool {
	return n != nil && n.ID != "" && n.UserID != "" && !n.Kind.IsControl()
}
