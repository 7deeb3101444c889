package models

// MessageType discriminates who produced a message.
type MessageType string

const (
	MessageChat   MessageType = "chat"   // regular user message
	MessageSystem MessageType = "system" // join/leave notices
	MessageAI     MessageType = "ai"     // persona-generated content
)

// Message represents a chat message stored in Redis.
type Message struct {
	ID        string              `json:"id"`   // ULID
	RoomID    string              `json:"room_id"`
	SenderID  string              `json:"from"` // userId, or persona name for AI messages
	Type      MessageType         `json:"msg_type"`
	Content   string              `json:"content"`
	Metadata  *AIMetadata         `json:"meta,omitempty"`
	Readers   []string            `json:"readers,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"` // emoji -> userIds
	Deleted   bool                `json:"deleted,omitempty"`
	Timestamp int64               `json:"ts"` // Unix ms
}

// AIMetadata records how an AI-generated message was produced.
type AIMetadata struct {
	Query      string `json:"query"`
	Persona    string `json:"persona"`
	DurationMS int64  `json:"duration_ms"`
}
