package ws

import (
	"context"
	"fmt"
	"time"

	"relay-chat/internal/presence"
)

const maxConnectionsPerUser = 10

// Hub owns the connection lifecycle: admitting a client into the presence
// registry, announcing its rooms, and cleaning up on disconnect. There is
// no central run loop; registry operations carry their own locking, so
// handlers for different connections never serialize through one goroutine.
type Hub struct {
	registry   *presence.Registry
	lastSeen   *presence.LastSeenStore
	dispatcher *Dispatcher
	logger     *ConnLogger
}

func NewHub(registry *presence.Registry, lastSeen *presence.LastSeenStore, dispatcher *Dispatcher, logger *ConnLogger) *Hub {
	return &Hub{
		registry:   registry,
		lastSeen:   lastSeen,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Register admits a freshly upgraded connection: bootstraps its room
// memberships from the store, sends the connected envelope and starts the
// pumps. On failure the connection is closed and no presence entry remains.
func (h *Hub) Register(ctx context.Context, client *Client) error {
	if existing := h.registry.Connections(client.userID); len(existing) >= maxConnectionsPerUser {
		h.logger.Warn("max connections per user reached", client.userID, client.sessionID)
		existing[0].(*Client).Close()
	}

	chatIDs, err := h.registry.Admit(ctx, client)
	if err != nil {
		client.conn.Close()
		return fmt.Errorf("admit connection: %w", err)
	}

	go client.writePump()

	data, err := encodeEnvelope(EventConnected, nil, ConnectedPayload{ChatIDs: chatIDs})
	if err == nil {
		client.Enqueue(data)
	}

	if h.lastSeen != nil {
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.lastSeen.SetOnline(sctx, client.userID, client.sessionID); err != nil {
				h.logger.Warn("last-seen online write failed", client.userID, client.sessionID)
			}
		}()
	}

	h.logger.Info("client connected", client.userID, client.sessionID)

	go client.readPump()
	return nil
}

// Unregister removes the client from every room it was indexed under. The
// registry call is purely in-memory; the redis mirror write happens off the
// disconnect path.
func (h *Hub) Unregister(client *Client) {
	h.registry.Remove(client)

	if h.lastSeen != nil && len(h.registry.Connections(client.userID)) == 0 {
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.lastSeen.SetOffline(sctx, client.userID); err != nil {
				h.logger.Warn("last-seen offline write failed", client.userID, client.sessionID)
			}
		}()
	}

	h.logger.Info("client disconnected", client.userID, client.sessionID)
}
