package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay-chat/internal/domain"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (id, chat_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, query,
		msg.ID, msg.ChatID, msg.AuthorID, msg.Content,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if msg.SeenBy == nil {
		msg.SeenBy = []uuid.UUID{}
	}
	return nil
}

// MarkSeen grows seen_by on the listed messages. The statement enforces the
// seen-protocol invariants in one round trip: the author never sees their
// own message, and the CASE keeps the append idempotent so a repeated call
// matches the same rows without growing the set again. RETURNING gives back
// every eligible row, which is what the fan-out carries.
func (s *MessageStore) MarkSeen(ctx context.Context, chatID uuid.UUID, messageIDs []uuid.UUID, seenBy uuid.UUID) ([]uuid.UUID, error) {
	query := `
		UPDATE messages
		SET seen_by = CASE
			WHEN seen_by @> ARRAY[$1]::uuid[] THEN seen_by
			ELSE array_append(seen_by, $1)
		END
		WHERE chat_id = $2
		  AND id = ANY($3)
		  AND author_id <> $1
		RETURNING id`

	rows, err := s.pool.Query(ctx, query, seenBy, chatID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}
	defer rows.Close()

	updated := make([]uuid.UUID, 0, len(messageIDs))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen id: %w", err)
		}
		updated = append(updated, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark seen rows: %w", err)
	}
	return updated, nil
}
