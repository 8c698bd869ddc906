package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay-chat/internal/domain"
	"relay-chat/internal/presence"
	relayerrors "relay-chat/pkg/errors"
)

// In-memory store fakes. They mirror the contract documented on the store
// interfaces, including MarkSeen's idempotence and author exclusion.

type memChatStore struct {
	mu         sync.Mutex
	chats      map[uuid.UUID]*domain.Chat
	failCreate bool
}

func newMemChatStore() *memChatStore {
	return &memChatStore{chats: make(map[uuid.UUID]*domain.Chat)}
}

func (s *memChatStore) FindChatByID(_ context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, relayerrors.ErrNotFound
	}
	copied := *chat
	return &copied, nil
}

func (s *memChatStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return errors.New("store unavailable")
	}
	copied := *chat
	s.chats[chat.ID] = &copied
	return nil
}

func (s *memChatStore) UpdateChatLastMessage(_ context.Context, chatID, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return relayerrors.ErrNotFound
	}
	chat.LastMessageID = &messageID
	return nil
}

type memMessageStore struct {
	mu         sync.Mutex
	messages   map[uuid.UUID]*domain.Message
	failCreate bool
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{messages: make(map[uuid.UUID]*domain.Message)}
}

func (s *memMessageStore) CreateMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return errors.New("store unavailable")
	}
	copied := *msg
	s.messages[msg.ID] = &copied
	return nil
}

func (s *memMessageStore) MarkSeen(_ context.Context, chatID uuid.UUID, messageIDs []uuid.UUID, seenBy uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]uuid.UUID, 0, len(messageIDs))
	for _, id := range messageIDs {
		msg, ok := s.messages[id]
		if !ok || msg.ChatID != chatID || msg.AuthorID == seenBy {
			continue
		}
		matched = append(matched, id)
		already := false
		for _, u := range msg.SeenBy {
			if u == seenBy {
				already = true
				break
			}
		}
		if !already {
			msg.SeenBy = append(msg.SeenBy, seenBy)
		}
	}
	return matched, nil
}

func (s *memMessageStore) seenBy(id uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.messages[id].SeenBy...)
}

type memUserStore struct {
	mu     sync.Mutex
	chats  map[uuid.UUID][]uuid.UUID
	writes int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{chats: make(map[uuid.UUID][]uuid.UUID)}
}

func (s *memUserStore) FindUserChatIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.chats[userID]...), nil
}

func (s *memUserStore) AppendUserChatID(_ context.Context, userID, chatID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, id := range s.chats[userID] {
		if id == chatID {
			return nil
		}
	}
	s.chats[userID] = append(s.chats[userID], chatID)
	return nil
}

func (s *memUserStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type testEnv struct {
	chats      *memChatStore
	messages   *memMessageStore
	users      *memUserStore
	registry   *presence.Registry
	dispatcher *Dispatcher
	logger     *ConnLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := NewConnLogger(zap.NewNop())
	chats := newMemChatStore()
	messages := newMemMessageStore()
	users := newMemUserStore()
	registry := presence.NewRegistry(users)
	broadcaster := NewBroadcaster(registry, logger)
	dispatcher := NewDispatcher(chats, messages, users, registry, broadcaster, logger)
	return &testEnv{
		chats:      chats,
		messages:   messages,
		users:      users,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// connect admits a client without a real socket; replies accumulate on the
// send channel.
func (e *testEnv) connect(t *testing.T, userID uuid.UUID) *Client {
	t.Helper()
	c := NewClient(nil, nil, userID, uuid.New().String(), e.logger)
	_, err := e.registry.Admit(context.Background(), c)
	require.NoError(t, err)
	return c
}

func (e *testEnv) dispatch(t *testing.T, c *Client, eventType string, load interface{}) {
	t.Helper()
	raw, err := json.Marshal(load)
	require.NoError(t, err)
	frame, err := json.Marshal(InboundEnvelope{Type: eventType, Load: raw})
	require.NoError(t, err)
	e.dispatcher.Dispatch(context.Background(), c, frame)
}

type outFrame struct {
	Type   string          `json:"type"`
	ChatID *uuid.UUID      `json:"chatId"`
	Load   json.RawMessage `json:"load"`
}

func nextFrame(t *testing.T, c *Client) outFrame {
	t.Helper()
	select {
	case data := <-c.send:
		var frame outFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	default:
		t.Fatal("expected a queued envelope, found none")
		return outFrame{}
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected envelope: %s", data)
	default:
	}
}

func decodeLoad(t *testing.T, frame outFrame, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(frame.Load, dst))
}

func TestNewChatReturnsPreviewToRequesterOnly(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, uuid.New())
	bobID := uuid.New()
	bob := env.connect(t, bobID)

	env.dispatch(t, alice, EventNewChat, NewChatRequest{
		Participants: []uuid.UUID{bobID},
		Title:        "alice&bob",
	})

	frame := nextFrame(t, alice)
	require.Equal(t, EventChatCreated, frame.Type)

	var chat domain.Chat
	decodeLoad(t, frame, &chat)
	require.False(t, chat.IsGroup)
	require.ElementsMatch(t, []uuid.UUID{alice.userID, bobID}, chat.Participants)

	// Preview only: nothing persisted, nothing broadcast.
	require.Empty(t, env.chats.chats)
	requireNoFrame(t, bob)
}

func TestNewChatRejectsBadCardinality(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, uuid.New())

	env.dispatch(t, alice, EventNewChat, NewChatRequest{
		Participants: []uuid.UUID{uuid.New(), uuid.New()},
		Title:        "too many",
	})

	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Type)
	var errLoad ErrorPayload
	decodeLoad(t, frame, &errLoad)
	require.Equal(t, ErrKindBadRequest, errLoad.Kind)
}

func TestNewMessageCreatesChatLazily(t *testing.T) {
	env := newTestEnv(t)
	aliceID, bobID := uuid.New(), uuid.New()
	alice := env.connect(t, aliceID)
	bob := env.connect(t, bobID)

	chatID := uuid.New()
	env.dispatch(t, alice, EventNewMessage, NewMessageRequest{
		Chat: ChatRef{
			ID:           chatID,
			Participants: []uuid.UUID{aliceID, bobID},
			Title:        "alice&bob",
		},
		Content: "hi",
	})

	// Chat persisted with lastMessage pointing at the persisted message.
	stored, err := env.chats.FindChatByID(context.Background(), chatID)
	require.NoError(t, err)
	require.False(t, stored.IsGroup)
	require.NotNil(t, stored.LastMessageID)

	msg := env.messages.messages[*stored.LastMessageID]
	require.Equal(t, "hi", msg.Content)
	require.Equal(t, aliceID, msg.AuthorID)

	// Both participants' durable chat lists gained the id.
	aliceChats, _ := env.users.FindUserChatIDs(context.Background(), aliceID)
	bobChats, _ := env.users.FindUserChatIDs(context.Background(), bobID)
	require.Contains(t, aliceChats, chatID)
	require.Contains(t, bobChats, chatID)

	// Online recipient got the message with the chat riding along.
	frame := nextFrame(t, bob)
	require.Equal(t, EventNewMessage, frame.Type)
	var payload NewMessagePayload
	decodeLoad(t, frame, &payload)
	require.Equal(t, "hi", payload.Message.Content)
	require.NotNil(t, payload.Chat)
	require.Equal(t, chatID, payload.Chat.ID)

	// The sender is in the room too.
	senderFrame := nextFrame(t, alice)
	require.Equal(t, EventNewMessage, senderFrame.Type)
}

func TestNewMessageExistingChatPreservesOrder(t *testing.T) {
	env := newTestEnv(t)
	aliceID, bobID := uuid.New(), uuid.New()
	chatID := uuid.New()

	env.chats.chats[chatID] = &domain.Chat{
		ID:           chatID,
		Participants: []uuid.UUID{aliceID, bobID},
		Title:        "alice&bob",
	}
	env.users.chats[aliceID] = []uuid.UUID{chatID}
	env.users.chats[bobID] = []uuid.UUID{chatID}

	alice := env.connect(t, aliceID)
	bob := env.connect(t, bobID)

	env.dispatch(t, alice, EventNewMessage, NewMessageRequest{
		Chat: ChatRef{ID: chatID}, Content: "first",
	})
	env.dispatch(t, alice, EventNewMessage, NewMessageRequest{
		Chat: ChatRef{ID: chatID}, Content: "second",
	})

	var first, second NewMessagePayload
	decodeLoad(t, nextFrame(t, bob), &first)
	decodeLoad(t, nextFrame(t, bob), &second)
	require.Equal(t, "first", first.Message.Content)
	require.Equal(t, "second", second.Message.Content)
	require.Nil(t, first.Chat)

	stored, err := env.chats.FindChatByID(context.Background(), chatID)
	require.NoError(t, err)
	require.Equal(t, second.Message.ID, *stored.LastMessageID)
}

func TestNewMessageRejectsNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	chatID := uuid.New()
	env.chats.chats[chatID] = &domain.Chat{
		ID:           chatID,
		Participants: []uuid.UUID{uuid.New(), uuid.New()},
	}

	mallory := env.connect(t, uuid.New())
	env.dispatch(t, mallory, EventNewMessage, NewMessageRequest{
		Chat: ChatRef{ID: chatID}, Content: "hi",
	})

	frame := nextFrame(t, mallory)
	require.Equal(t, EventError, frame.Type)
	var errLoad ErrorPayload
	decodeLoad(t, frame, &errLoad)
	require.Equal(t, ErrKindUnauthorized, errLoad.Kind)
	require.Empty(t, env.messages.messages)
}

func TestNewMessagePersistenceFailureSkipsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	aliceID, bobID := uuid.New(), uuid.New()
	chatID := uuid.New()
	env.chats.chats[chatID] = &domain.Chat{
		ID:           chatID,
		Participants: []uuid.UUID{aliceID, bobID},
	}
	env.users.chats[bobID] = []uuid.UUID{chatID}

	alice := env.connect(t, aliceID)
	bob := env.connect(t, bobID)

	env.messages.failCreate = true
	env.dispatch(t, alice, EventNewMessage, NewMessageRequest{
		Chat: ChatRef{ID: chatID}, Content: "hi",
	})

	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Type)
	var errLoad ErrorPayload
	decodeLoad(t, frame, &errLoad)
	require.Equal(t, ErrKindPersistence, errLoad.Kind)
	requireNoFrame(t, bob)
}

func TestSeenMessageGrowsSetAndExcludesAuthor(t *testing.T) {
	env := newTestEnv(t)
	aliceID, bobID := uuid.New(), uuid.New()
	chatID := uuid.New()
	env.chats.chats[chatID] = &domain.Chat{
		ID:           chatID,
		Participants: []uuid.UUID{aliceID, bobID},
	}
	env.users.chats[aliceID] = []uuid.UUID{chatID}
	env.users.chats[bobID] = []uuid.UUID{chatID}

	msgA1, msgA2 := uuid.New(), uuid.New()
	msgB := uuid.New()
	env.messages.messages[msgA1] = &domain.Message{ID: msgA1, ChatID: chatID, AuthorID: aliceID}
	env.messages.messages[msgA2] = &domain.Message{ID: msgA2, ChatID: chatID, AuthorID: aliceID}
	env.messages.messages[msgB] = &domain.Message{ID: msgB, ChatID: chatID, AuthorID: bobID}

	alice := env.connect(t, aliceID)
	bob := env.connect(t, bobID)

	env.dispatch(t, bob, EventSeenMessage, SeenMessageRequest{
		ChatID:     chatID,
		MessageIDs: []uuid.UUID{msgA1, msgA2, msgB},
	})

	require.Equal(t, []uuid.UUID{bobID}, env.messages.seenBy(msgA1))
	require.Equal(t, []uuid.UUID{bobID}, env.messages.seenBy(msgA2))
	// Never the author's own message.
	require.Empty(t, env.messages.seenBy(msgB))

	frame := nextFrame(t, alice)
	require.Equal(t, EventSeenMessage, frame.Type)
	var payload SeenMessagePayload
	decodeLoad(t, frame, &payload)
	require.Equal(t, bobID, payload.SeenBy)
	require.ElementsMatch(t, []uuid.UUID{msgA1, msgA2}, payload.MessageIDs)

	// Repeating the call is a no-op that still succeeds.
	nextFrame(t, bob) // drain bob's own copy of the first broadcast
	env.dispatch(t, bob, EventSeenMessage, SeenMessageRequest{
		ChatID:     chatID,
		MessageIDs: []uuid.UUID{msgA1, msgA2},
	})
	repeat := nextFrame(t, bob)
	require.Equal(t, EventSeenMessage, repeat.Type)
	require.Equal(t, []uuid.UUID{bobID}, env.messages.seenBy(msgA1))
}

func TestSeenMessageOwnMessagesOnlyIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	aliceID := uuid.New()
	chatID := uuid.New()
	env.chats.chats[chatID] = &domain.Chat{
		ID:           chatID,
		Participants: []uuid.UUID{aliceID, uuid.New()},
	}
	env.users.chats[aliceID] = []uuid.UUID{chatID}

	msgID := uuid.New()
	env.messages.messages[msgID] = &domain.Message{ID: msgID, ChatID: chatID, AuthorID: aliceID}

	alice := env.connect(t, aliceID)
	env.dispatch(t, alice, EventSeenMessage, SeenMessageRequest{
		ChatID:     chatID,
		MessageIDs: []uuid.UUID{msgID},
	})

	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Type)
	var errLoad ErrorPayload
	decodeLoad(t, frame, &errLoad)
	require.Equal(t, ErrKindNotFound, errLoad.Kind)
	require.Empty(t, env.messages.seenBy(msgID))
}

func TestIsTypingBroadcastsWithoutPersistence(t *testing.T) {
	env := newTestEnv(t)
	aliceID, bobID := uuid.New(), uuid.New()
	chatID := uuid.New()
	env.users.chats[aliceID] = []uuid.UUID{chatID}
	env.users.chats[bobID] = []uuid.UUID{chatID}

	alice := env.connect(t, aliceID)
	bob := env.connect(t, bobID)
	writesBefore := env.users.writeCount()

	env.dispatch(t, alice, EventIsTyping, IsTypingRequest{ChatID: chatID})

	frame := nextFrame(t, bob)
	require.Equal(t, EventIsTyping, frame.Type)
	var payload IsTypingPayload
	decodeLoad(t, frame, &payload)
	require.Equal(t, aliceID, payload.UserID)
	require.Equal(t, chatID, payload.ChatID)

	require.Equal(t, writesBefore, env.users.writeCount())
	require.Empty(t, env.messages.messages)
}

func TestIsTypingOutsideRoomIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, uuid.New())

	env.dispatch(t, alice, EventIsTyping, IsTypingRequest{ChatID: uuid.New()})

	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Type)
	var errLoad ErrorPayload
	decodeLoad(t, frame, &errLoad)
	require.Equal(t, ErrKindUnauthorized, errLoad.Kind)
}

func TestNewGroupJoinsOnlineParticipants(t *testing.T) {
	env := newTestEnv(t)
	aliceID, bobID, carolID := uuid.New(), uuid.New(), uuid.New()
	alice := env.connect(t, aliceID)
	bob := env.connect(t, bobID)
	// carol is offline.

	env.dispatch(t, alice, EventNewGroup, NewGroupRequest{
		Participants: []uuid.UUID{bobID, carolID},
		Title:        "Trio",
	})

	require.Len(t, env.chats.chats, 1)
	var chat *domain.Chat
	for _, c := range env.chats.chats {
		chat = c
	}
	require.True(t, chat.IsGroup)
	require.ElementsMatch(t, []uuid.UUID{aliceID, bobID, carolID}, chat.Participants)

	// Every participant's durable chat list gained the id, online or not.
	for _, id := range []uuid.UUID{aliceID, bobID, carolID} {
		chats, _ := env.users.FindUserChatIDs(context.Background(), id)
		require.Contains(t, chats, chat.ID)
	}

	frame := nextFrame(t, bob)
	require.Equal(t, EventNewGroup, frame.Type)
	var got domain.Chat
	decodeLoad(t, frame, &got)
	require.Equal(t, chat.ID, got.ID)

	require.True(t, env.registry.InRoom(bob, chat.ID))
	require.True(t, env.registry.InRoom(alice, chat.ID))
}

func TestUnknownEventTypeIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(t, uuid.New())

	env.dispatch(t, alice, "selfDestruct", struct{}{})

	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Type)
	var errLoad ErrorPayload
	decodeLoad(t, frame, &errLoad)
	require.Equal(t, ErrKindBadRequest, errLoad.Kind)
}

func TestDisconnectedClientReceivesNoBroadcast(t *testing.T) {
	env := newTestEnv(t)
	aliceID, bobID := uuid.New(), uuid.New()
	chatID := uuid.New()
	env.chats.chats[chatID] = &domain.Chat{
		ID:           chatID,
		Participants: []uuid.UUID{aliceID, bobID},
	}
	env.users.chats[aliceID] = []uuid.UUID{chatID}
	env.users.chats[bobID] = []uuid.UUID{chatID}

	alice := env.connect(t, aliceID)
	bob := env.connect(t, bobID)

	env.registry.Remove(bob)

	env.dispatch(t, alice, EventNewMessage, NewMessageRequest{
		Chat: ChatRef{ID: chatID}, Content: "hi",
	})

	nextFrame(t, alice) // sender's own copy
	requireNoFrame(t, bob)
}
