package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-chat/internal/domain"
	relayerrors "relay-chat/pkg/errors"
)

type ChatStore struct {
	pool *pgxpool.Pool
}

func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool}
}

func (s *ChatStore) FindChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	query := `
		SELECT id, is_group, participants, title, last_message_id, image_url, created_at
		FROM chats
		WHERE id = $1`

	var chat domain.Chat
	err := s.pool.QueryRow(ctx, query, chatID).Scan(
		&chat.ID,
		&chat.IsGroup,
		&chat.Participants,
		&chat.Title,
		&chat.LastMessageID,
		&chat.ImageURL,
		&chat.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relayerrors.ErrNotFound
		}
		return nil, fmt.Errorf("find chat: %w", err)
	}
	return &chat, nil
}

func (s *ChatStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	query := `
		INSERT INTO chats (id, is_group, participants, title, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, query,
		chat.ID, chat.IsGroup, chat.Participants, chat.Title, chat.ImageURL,
	).Scan(&chat.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (s *ChatStore) UpdateChatLastMessage(ctx context.Context, chatID, messageID uuid.UUID) error {
	query := `UPDATE chats SET last_message_id = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, chatID, messageID)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return relayerrors.ErrNotFound
	}
	return nil
}
