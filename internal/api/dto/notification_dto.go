package dto

// TriggerRequest is the producer payload for POST /api/notifications/trigger.
type TriggerRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// UnreadCountResponse reports the unread counter of an identity.
type UnreadCountResponse struct {
	Unread int `json:"unread"`
}

// MarkAllReadResponse reports how many notifications changed state.
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}
