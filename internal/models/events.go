package models

// EventType identifies an outbound event on the wire.
type EventType string

const (
	EventJoinAck          EventType = "room:joined"
	EventPresence         EventType = "room:presence"
	EventSystemMessage    EventType = "room:system"
	EventChatMessage      EventType = "room:message"
	EventReaction         EventType = "room:reaction"
	EventHistoryPage      EventType = "history:page"
	EventHistoryError     EventType = "history:error"
	EventStreamStarted    EventType = "ai:started"
	EventStreamChunk      EventType = "ai:chunk"
	EventStreamComplete   EventType = "ai:complete"
	EventStreamError      EventType = "ai:error"
	EventDuplicateLogin   EventType = "session:duplicate"
	EventSessionEnded     EventType = "session:ended"
	EventProtocolError    EventType = "error"
)

// Event is the envelope for every outbound payload.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ConnMeta describes where a connection came from, shown to the existing
// session during duplicate-login arbitration.
type ConnMeta struct {
	RemoteAddr  string `json:"remote_addr"`
	UserAgent   string `json:"user_agent,omitempty"`
	ConnectedAt int64  `json:"connected_at"` // Unix ms
}

// JoinAck is sent privately to a user after a completed join.
type JoinAck struct {
	RoomID       string    `json:"room_id"`
	Participants []Profile `json:"participants"`
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	NextCursor   *int64    `json:"next_cursor,omitempty"`
}

// PresenceUpdate carries the room's participant profiles after a join or leave.
type PresenceUpdate struct {
	RoomID       string    `json:"room_id"`
	Participants []Profile `json:"participants"`
}

// HistoryPage is a window of messages, oldest first.
type HistoryPage struct {
	RoomID     string    `json:"room_id"`
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextCursor *int64    `json:"next_cursor,omitempty"` // oldest timestamp in page
}

// DuplicateLoginNotice is sent to the existing connection when a second
// connection authenticates for the same user.
type DuplicateLoginNotice struct {
	UserID   string   `json:"user_id"`
	NewConn  ConnMeta `json:"new_conn"`
	Deadline int64    `json:"deadline"` // Unix ms; when the grace window expires
}

// SessionEnded tells a connection it has been terminated and why.
type SessionEnded struct {
	Reason string `json:"reason"` // duplicate_login | force_logout | keep_existing
}

// StreamStarted announces an AI generation beginning in a room.
type StreamStarted struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Persona   string `json:"persona"`
	StartedAt int64  `json:"started_at"` // Unix ms
}

// StreamChunk carries one increment of AI output plus the accumulated text.
type StreamChunk struct {
	MessageID   string `json:"message_id"`
	RoomID      string `json:"room_id"`
	Delta       string `json:"delta"`
	Content     string `json:"content"` // full accumulated content so far
	InCodeFence bool   `json:"in_code_fence"`
	Complete    bool   `json:"complete"` // always false for chunks
}

// StreamComplete links the ephemeral streaming id to the persisted message.
type StreamComplete struct {
	MessageID   string  `json:"message_id"` // streaming id, for client reconciliation
	PersistedID string  `json:"persisted_id"`
	RoomID      string  `json:"room_id"`
	Message     Message `json:"message"`
}

// StreamError reports a failed generation, scoped to one session.
type StreamError struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Persona   string `json:"persona"`
	Cause     string `json:"cause"`
}

// ReactionUpdate carries the new reaction state of one message.
type ReactionUpdate struct {
	RoomID    string              `json:"room_id"`
	MessageID string              `json:"message_id"`
	Reactions map[string][]string `json:"reactions"`
}

// ProtocolError is a non-fatal error event; it never closes the connection.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
