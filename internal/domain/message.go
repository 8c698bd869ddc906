package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single chat message. SeenBy only ever grows and never
// contains the author.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	ChatID    uuid.UUID   `json:"chatId"`
	AuthorID  uuid.UUID   `json:"authorId"`
	Content   string      `json:"content"`
	SeenBy    []uuid.UUID `json:"seenBy"`
	CreatedAt time.Time   `json:"createdAt"`
}
