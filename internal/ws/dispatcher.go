package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay-chat/internal/domain"
	"relay-chat/internal/presence"
	"relay-chat/internal/store"
	relayerrors "relay-chat/pkg/errors"
)

const chatLockCount = 64

// Dispatcher interprets inbound events, performs the persistence side
// effect and triggers fan-out. It holds no state of its own beyond the
// striped per-chat mutexes: holding the chat's mutex across persist and
// broadcast is what gives every recipient the same per-chat event order as
// the store.
type Dispatcher struct {
	chats       store.ChatStore
	messages    store.MessageStore
	users       store.UserStore
	registry    *presence.Registry
	broadcaster *Broadcaster
	logger      *ConnLogger

	chatLocks [chatLockCount]sync.Mutex
}

func NewDispatcher(
	chats store.ChatStore,
	messages store.MessageStore,
	users store.UserStore,
	registry *presence.Registry,
	broadcaster *Broadcaster,
	logger *ConnLogger,
) *Dispatcher {
	return &Dispatcher{
		chats:       chats,
		messages:    messages,
		users:       users,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

func (d *Dispatcher) chatLock(chatID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(chatID[:])
	return &d.chatLocks[h.Sum32()%chatLockCount]
}

// Dispatch handles one inbound frame. Errors never propagate to other
// connections: they are reported back to the sender as an error envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, raw []byte) {
	var env InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.sendError(c, fmt.Errorf("%w: malformed envelope", relayerrors.ErrBadRequest))
		return
	}

	var err error
	switch env.Type {
	case EventNewChat:
		err = d.handleNewChat(ctx, c, env.Load)
	case EventNewMessage:
		err = d.handleNewMessage(ctx, c, env.Load)
	case EventSeenMessage:
		err = d.handleSeenMessage(ctx, c, env.Load)
	case EventIsTyping:
		err = d.handleIsTyping(ctx, c, env.Load)
	case EventNewGroup:
		err = d.handleNewGroup(ctx, c, env.Load)
	default:
		err = fmt.Errorf("%w: unknown event type %q", relayerrors.ErrBadRequest, env.Type)
	}

	if err != nil {
		d.logger.Warn("event rejected", c.userID, c.sessionID,
			zap.String("type", env.Type), zap.String("reason", err.Error()))
		d.sendError(c, err)
	}
}

// handleNewChat builds a preview chat and returns it to the requester only.
// Nothing is persisted and no rooms change; the chat becomes durable when
// its first message arrives.
func (d *Dispatcher) handleNewChat(_ context.Context, c *Client, load json.RawMessage) error {
	var req NewChatRequest
	if err := json.Unmarshal(load, &req); err != nil {
		return fmt.Errorf("%w: malformed newChat payload", relayerrors.ErrBadRequest)
	}
	if len(req.Participants) == 0 {
		return fmt.Errorf("%w: participants required", relayerrors.ErrBadRequest)
	}

	participants := unionWith(c.userID, req.Participants)
	if len(participants) != 2 {
		return fmt.Errorf("%w: a direct chat has exactly two participants", relayerrors.ErrBadRequest)
	}

	chat := domain.Chat{
		ID:           uuid.New(),
		IsGroup:      false,
		Participants: participants,
		Title:        req.Title,
		CreatedAt:    time.Now(),
	}

	data, err := encodeEnvelope(EventChatCreated, &chat.ID, chat)
	if err != nil {
		return err
	}
	c.Enqueue(data)
	return nil
}

func (d *Dispatcher) handleNewMessage(ctx context.Context, c *Client, load json.RawMessage) error {
	var req NewMessageRequest
	if err := json.Unmarshal(load, &req); err != nil {
		return fmt.Errorf("%w: malformed newMessage payload", relayerrors.ErrBadRequest)
	}
	if req.Chat.ID == uuid.Nil {
		return fmt.Errorf("%w: chat id required", relayerrors.ErrBadRequest)
	}
	if req.Content == "" {
		return fmt.Errorf("%w: content required", relayerrors.ErrBadRequest)
	}

	lock := d.chatLock(req.Chat.ID)
	lock.Lock()
	defer lock.Unlock()

	chat, err := d.chats.FindChatByID(ctx, req.Chat.ID)
	switch {
	case err == nil:
		return d.messageToExistingChat(ctx, c, chat, req.Content)
	case errors.Is(err, relayerrors.ErrNotFound):
		return d.messageToPreviewChat(ctx, c, req)
	default:
		return fmt.Errorf("find chat: %w", err)
	}
}

func (d *Dispatcher) messageToExistingChat(ctx context.Context, c *Client, chat *domain.Chat, content string) error {
	if !chat.HasParticipant(c.userID) {
		return fmt.Errorf("%w: not a participant of chat %s", relayerrors.ErrUnauthorized, chat.ID)
	}

	msg := &domain.Message{
		ID:       uuid.New(),
		ChatID:   chat.ID,
		AuthorID: c.userID,
		Content:  content,
		SeenBy:   []uuid.UUID{},
	}
	if err := d.messages.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if err := d.chats.UpdateChatLastMessage(ctx, chat.ID, msg.ID); err != nil {
		return fmt.Errorf("update last message: %w", err)
	}

	d.broadcaster.Broadcast(chat.ID, EventNewMessage, NewMessagePayload{Message: *msg})
	return nil
}

// messageToPreviewChat is the lazy-create path: the referenced chat does
// not exist yet, so the supplied preview fields become a durable chat, the
// message is persisted against it, every participant's chat list gains the
// new id and every online participant's connections are joined to the room
// before fan-out.
func (d *Dispatcher) messageToPreviewChat(ctx context.Context, c *Client, req NewMessageRequest) error {
	participants := dedupe(req.Chat.Participants)
	if len(participants) == 0 {
		return fmt.Errorf("%w: participants required for a new chat", relayerrors.ErrBadRequest)
	}
	if !containsID(participants, c.userID) {
		return fmt.Errorf("%w: sender is not a participant of the new chat", relayerrors.ErrUnauthorized)
	}
	if !req.Chat.IsGroup && len(participants) != 2 {
		return fmt.Errorf("%w: a direct chat has exactly two participants", relayerrors.ErrBadRequest)
	}

	chat := &domain.Chat{
		ID:           req.Chat.ID,
		IsGroup:      req.Chat.IsGroup,
		Participants: participants,
		Title:        req.Chat.Title,
		CreatedAt:    time.Now(),
	}
	if err := d.chats.CreateChat(ctx, chat); err != nil {
		return fmt.Errorf("persist chat: %w", err)
	}

	msg := &domain.Message{
		ID:       uuid.New(),
		ChatID:   chat.ID,
		AuthorID: c.userID,
		Content:  req.Content,
		SeenBy:   []uuid.UUID{},
	}
	if err := d.messages.CreateMessage(ctx, msg); err != nil {
		d.logger.Error("chat created but first message failed", c.userID, c.sessionID, err,
			zap.String("chat_id", chat.ID.String()))
		return fmt.Errorf("persist message: %w", err)
	}
	if err := d.chats.UpdateChatLastMessage(ctx, chat.ID, msg.ID); err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	chat.LastMessageID = &msg.ID

	d.attachParticipants(ctx, c, chat)

	d.broadcaster.Broadcast(chat.ID, EventNewMessage, NewMessagePayload{Message: *msg, Chat: chat})
	return nil
}

func (d *Dispatcher) handleSeenMessage(ctx context.Context, c *Client, load json.RawMessage) error {
	var req SeenMessageRequest
	if err := json.Unmarshal(load, &req); err != nil {
		return fmt.Errorf("%w: malformed seenMessage payload", relayerrors.ErrBadRequest)
	}
	if req.ChatID == uuid.Nil || len(req.MessageIDs) == 0 {
		return fmt.Errorf("%w: chat id and message ids required", relayerrors.ErrBadRequest)
	}

	lock := d.chatLock(req.ChatID)
	lock.Lock()
	defer lock.Unlock()

	chat, err := d.chats.FindChatByID(ctx, req.ChatID)
	if err != nil {
		if errors.Is(err, relayerrors.ErrNotFound) {
			return fmt.Errorf("%w: chat %s", relayerrors.ErrNotFound, req.ChatID)
		}
		return fmt.Errorf("find chat: %w", err)
	}
	if !chat.HasParticipant(c.userID) {
		return fmt.Errorf("%w: not a participant of chat %s", relayerrors.ErrUnauthorized, req.ChatID)
	}

	seen, err := d.messages.MarkSeen(ctx, req.ChatID, req.MessageIDs, c.userID)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	if len(seen) == 0 {
		return fmt.Errorf("%w: no matching messages in chat %s", relayerrors.ErrNotFound, req.ChatID)
	}

	d.broadcaster.Broadcast(req.ChatID, EventSeenMessage, SeenMessagePayload{
		ChatID:     req.ChatID,
		MessageIDs: seen,
		SeenBy:     c.userID,
	})
	return nil
}

// handleIsTyping is advisory: no persistence, no delivery guarantee. The
// membership check uses the connection's own in-memory set so the handler
// never blocks on I/O.
func (d *Dispatcher) handleIsTyping(_ context.Context, c *Client, load json.RawMessage) error {
	var req IsTypingRequest
	if err := json.Unmarshal(load, &req); err != nil {
		return fmt.Errorf("%w: malformed isTyping payload", relayerrors.ErrBadRequest)
	}
	if req.ChatID == uuid.Nil {
		return fmt.Errorf("%w: chat id required", relayerrors.ErrBadRequest)
	}
	if !d.registry.InRoom(c, req.ChatID) {
		return fmt.Errorf("%w: not a member of chat %s", relayerrors.ErrUnauthorized, req.ChatID)
	}

	d.broadcaster.Broadcast(req.ChatID, EventIsTyping, IsTypingPayload{
		ChatID: req.ChatID,
		UserID: c.userID,
	})
	return nil
}

func (d *Dispatcher) handleNewGroup(ctx context.Context, c *Client, load json.RawMessage) error {
	var req NewGroupRequest
	if err := json.Unmarshal(load, &req); err != nil {
		return fmt.Errorf("%w: malformed newGroup payload", relayerrors.ErrBadRequest)
	}
	if len(req.Participants) == 0 {
		return fmt.Errorf("%w: participants required", relayerrors.ErrBadRequest)
	}

	chat := &domain.Chat{
		ID:           uuid.New(),
		IsGroup:      true,
		Participants: unionWith(c.userID, req.Participants),
		Title:        req.Title,
		CreatedAt:    time.Now(),
	}

	lock := d.chatLock(chat.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := d.chats.CreateChat(ctx, chat); err != nil {
		return fmt.Errorf("persist group: %w", err)
	}

	d.attachParticipants(ctx, c, chat)

	d.broadcaster.Broadcast(chat.ID, EventNewGroup, chat)
	return nil
}

// attachParticipants gives every participant the new chat: the durable chat
// list gains the id (online or not) and every online participant's live
// connections are joined to the room. Membership appends are idempotent, so
// a partial failure is logged as a consistency warning and the remaining
// participants still proceed.
func (d *Dispatcher) attachParticipants(ctx context.Context, c *Client, chat *domain.Chat) {
	for _, p := range chat.Participants {
		if err := d.users.AppendUserChatID(ctx, p, chat.ID); err != nil {
			d.logger.Error("chat list update failed, membership inconsistent", c.userID, c.sessionID, err,
				zap.String("chat_id", chat.ID.String()),
				zap.String("participant_id", p.String()))
			continue
		}
		for _, s := range d.registry.Connections(p) {
			d.registry.JoinRoom(s, chat.ID)
		}
	}
}

func (d *Dispatcher) sendError(c *Client, err error) {
	kind := ErrKindPersistence
	switch {
	case errors.Is(err, relayerrors.ErrBadRequest):
		kind = ErrKindBadRequest
	case errors.Is(err, relayerrors.ErrUnauthorized):
		kind = ErrKindUnauthorized
	case errors.Is(err, relayerrors.ErrNotFound):
		kind = ErrKindNotFound
	}
	data, encErr := encodeEnvelope(EventError, nil, ErrorPayload{Kind: kind, Reason: err.Error()})
	if encErr != nil {
		return
	}
	c.Enqueue(data)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func unionWith(first uuid.UUID, ids []uuid.UUID) []uuid.UUID {
	return dedupe(append([]uuid.UUID{first}, ids...))
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
