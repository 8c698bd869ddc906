package domain

import (
	"time"

	"github.com/google/uuid"
)

// Chat is a conversation between two users, or a group. A chat may exist
// purely in memory as a preview: it becomes durable only when its first
// message is persisted, so empty chats never hit the store.
type Chat struct {
	ID            uuid.UUID   `json:"id"`
	IsGroup       bool        `json:"isGroup"`
	Participants  []uuid.UUID `json:"participants"`
	Title         string      `json:"title"`
	LastMessageID *uuid.UUID  `json:"lastMessageId,omitempty"`
	ImageURL      string      `json:"imageUrl,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// HasParticipant reports whether userID is a member of the chat.
func (c *Chat) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
