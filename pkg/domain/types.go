package domain

import "time"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Length bounds enforced at room creation and description edits, in runes.
const (
	MaxNameRunes        = 10
	MaxDescriptionRunes = 20
)

// Message is one entry of a room transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Room is a named conversation context. Messages[0] is always the system
// message built from Preset; indices 1..len-1 are the user-addressable part
// of the transcript.
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Preset        string    `json:"preset"`
	Owner         string    `json:"owner"`
	IsOpen        bool      `json:"isOpen"`
	IsWaiting     bool      `json:"isWaiting"`
	Messages      []Message `json:"messages"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CanUse reports whether caller may target the room at all.
func (r Room) CanUse(caller string) bool {
	return r.IsOpen || r.Owner == caller
}

// IsOwner reports whether caller owns the room.
func (r Room) IsOwner(caller string) bool {
	return r.Owner == caller
}

// TurnResult is the outcome of one successful request/response cycle.
type TurnResult struct {
	Reply         string `json:"reply"`
	MessageID     string `json:"messageId"`
	TranscriptLen int    `json:"transcriptLen"`
	Regenerated   bool   `json:"regenerated,omitempty"`
}
