package ws

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"relay-chat/internal/domain"
)

// Inbound event tags.
const (
	EventNewChat     = "newChat"
	EventNewMessage  = "newMessage"
	EventSeenMessage = "seenMessage"
	EventIsTyping    = "isTyping"
	EventNewGroup    = "newGroup"
)

// Outbound event tags.
const (
	EventConnected   = "connected"
	EventChatCreated = "chatCreated"
	EventError       = "error"
)

// InboundEnvelope is the frame clients send: {type, userId, load}. The
// userId field is part of the wire shape but is never trusted; the identity
// bound at admission is authoritative.
type InboundEnvelope struct {
	Type   string          `json:"type"`
	UserID uuid.UUID       `json:"userId,omitempty"`
	Load   json.RawMessage `json:"load"`
}

// OutboundEnvelope is the frame the server sends: {type, chatId?, load}.
type OutboundEnvelope struct {
	Type   string      `json:"type"`
	ChatID *uuid.UUID  `json:"chatId,omitempty"`
	Load   interface{} `json:"load,omitempty"`
}

func encodeEnvelope(eventType string, chatID *uuid.UUID, load interface{}) ([]byte, error) {
	data, err := json.Marshal(OutboundEnvelope{Type: eventType, ChatID: chatID, Load: load})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	return data, nil
}

// Inbound payloads.

type NewChatRequest struct {
	Participants []uuid.UUID `json:"participants"`
	Title        string      `json:"title"`
}

// ChatRef carries either a bare chat id or the full preview fields, for the
// lazy-create path of newMessage.
type ChatRef struct {
	ID           uuid.UUID   `json:"id"`
	IsGroup      bool        `json:"isGroup"`
	Participants []uuid.UUID `json:"participants,omitempty"`
	Title        string      `json:"title,omitempty"`
}

type NewMessageRequest struct {
	Chat    ChatRef `json:"chat"`
	Content string  `json:"content"`
}

type SeenMessageRequest struct {
	ChatID     uuid.UUID   `json:"chatId"`
	MessageIDs []uuid.UUID `json:"messageIds"`
}

type IsTypingRequest struct {
	ChatID uuid.UUID `json:"chatId"`
}

type NewGroupRequest struct {
	Participants []uuid.UUID `json:"participants"`
	Title        string      `json:"title"`
}

// Outbound payloads.

type ConnectedPayload struct {
	ChatIDs []uuid.UUID `json:"chatIds"`
}

type NewMessagePayload struct {
	Message domain.Message `json:"message"`
	// Chat rides along when the message just created it, so recipients
	// learn about the chat and the message in one frame.
	Chat *domain.Chat `json:"chat,omitempty"`
}

type SeenMessagePayload struct {
	ChatID     uuid.UUID   `json:"chatId"`
	MessageIDs []uuid.UUID `json:"messageIds"`
	SeenBy     uuid.UUID   `json:"seenBy"`
}

type IsTypingPayload struct {
	ChatID uuid.UUID `json:"chatId"`
	UserID uuid.UUID `json:"userId"`
}

// Error envelope payload, sent to the originating connection only.
type ErrorPayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

const (
	ErrKindBadRequest   = "badRequest"
	ErrKindUnauthorized = "unauthorized"
	ErrKindNotFound     = "notFound"
	ErrKindPersistence  = "persistenceFailure"
)
