package ws

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay-chat/internal/presence"
)

// Broadcaster fans an outbound event out to every live member of a room.
// Delivery is best-effort: a full send buffer on one member never blocks or
// fails delivery to the rest, and never fails the operation that triggered
// the broadcast.
type Broadcaster struct {
	registry *presence.Registry
	logger   *ConnLogger
}

func NewBroadcaster(registry *presence.Registry, logger *ConnLogger) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast encodes the event once and enqueues it on every session
// currently in chatID's room.
func (b *Broadcaster) Broadcast(chatID uuid.UUID, eventType string, load interface{}) {
	data, err := encodeEnvelope(eventType, &chatID, load)
	if err != nil {
		b.logger.logger.Error("encode broadcast failed", zap.String("event", eventType), zap.Error(err))
		return
	}

	for _, s := range b.registry.MembersOf(chatID) {
		if !s.Enqueue(data) {
			b.logger.Warn("broadcast dropped, send buffer full", s.UserID(), s.SessionID())
		}
	}
}
