package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) FindUserChatIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT chat_id
		FROM chat_members
		WHERE user_id = $1`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list user chats: %w", err)
	}
	defer rows.Close()

	chatIDs := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		chatIDs = append(chatIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user chats rows: %w", err)
	}
	return chatIDs, nil
}

func (s *UserStore) AppendUserChatID(ctx context.Context, userID, chatID uuid.UUID) error {
	// ON CONFLICT DO NOTHING makes the append idempotent, so the dispatcher
	// can retry membership updates after partial multi-record failures.
	query := `
		INSERT INTO chat_members (chat_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("append user chat: %w", err)
	}
	return nil
}
