package model

// Table names used as change-feed topics.
const (
	TableUserProfiles  = "user_profiles"
	TableChatMessages  = "chat_messages"
	TableRelationships = "relationships"
)

// Change events. EventAny is only meaningful when subscribing.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
	EventAny    = "*"
)

// Change is one row-level notification on the change feed. Record holds the
// new row (*Profile, *ChatMessage, *Edge) or, for deletes of profiles, the
// removed Profile.
type Change struct {
	Table  string `json:"table"`
	Event  string `json:"event"`
	Record any    `json:"record"`
}
