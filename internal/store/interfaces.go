package store

import (
	"context"

	"github.com/google/uuid"

	"relay-chat/internal/domain"
)

// The durable store is consumed through these three interfaces. It is
// externally synchronized: each operation is atomic on its own, nothing
// here spans documents. Implementations return relayerrors sentinels for
// the cases callers branch on (ErrNotFound in particular).

// ChatStore persists chats.
type ChatStore interface {
	// FindChatByID returns the chat or relayerrors.ErrNotFound.
	FindChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error)

	// CreateChat inserts a new chat. The caller supplies the id.
	CreateChat(ctx context.Context, chat *domain.Chat) error

	// UpdateChatLastMessage repoints the chat's lastMessage reference.
	UpdateChatLastMessage(ctx context.Context, chatID, messageID uuid.UUID) error
}

// MessageStore persists messages and their seen state.
type MessageStore interface {
	// CreateMessage inserts a new message with an empty seenBy set.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// MarkSeen adds seenBy to the seenBy set of every listed message in
	// chatID that was not authored by seenBy. Idempotent: messages already
	// carrying seenBy stay unchanged but still count as matched. It returns
	// the matched message ids; an empty result means nothing was eligible.
	MarkSeen(ctx context.Context, chatID uuid.UUID, messageIDs []uuid.UUID, seenBy uuid.UUID) ([]uuid.UUID, error)
}

// UserStore tracks which chats a user belongs to.
type UserStore interface {
	// FindUserChatIDs returns every chat id the user is a member of.
	// Unknown users get an empty slice, not an error.
	FindUserChatIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	// AppendUserChatID adds chatID to the user's chat list. Idempotent:
	// appending an already-listed chat is a no-op.
	AppendUserChatID(ctx context.Context, userID, chatID uuid.UUID) error
}
