package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// Session is one live client connection as the registry sees it. The
// websocket layer's Client satisfies this; the registry never touches the
// transport beyond enqueueing outbound frames.
type Session interface {
	SessionID() string
	UserID() uuid.UUID
	// Enqueue hands a frame to the session's writer without blocking.
	// It reports false when the session's buffer is full.
	Enqueue(data []byte) bool
}

// ChatLister is the slice of the durable store the registry needs to
// bootstrap a connection's room memberships.
type ChatLister interface {
	FindUserChatIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

const roomShardCount = 64

// roomShard guards the room buckets whose chat ids hash into it. Striping
// keeps the locking granularity per-room: traffic on one chat never blocks
// routing decisions for chats in other shards, and within a shard only the
// brief map mutation is held.
type roomShard struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]map[Session]struct{}
}

// entry is the per-connection membership set.
type entry struct {
	mu     sync.Mutex
	rooms  map[uuid.UUID]struct{}
	closed bool
}

// Registry is the single authoritative view of who is online and in which
// rooms. All of its operations are in-memory; only Admit touches the store,
// before the session becomes visible to anyone.
type Registry struct {
	chats  ChatLister
	shards [roomShardCount]roomShard

	mu      sync.RWMutex
	entries map[Session]*entry
	byUser  map[uuid.UUID]map[Session]struct{}
}

func NewRegistry(chats ChatLister) *Registry {
	r := &Registry{
		chats:   chats,
		entries: make(map[Session]*entry),
		byUser:  make(map[uuid.UUID]map[Session]struct{}),
	}
	for i := range r.shards {
		r.shards[i].rooms = make(map[uuid.UUID]map[Session]struct{})
	}
	return r
}

func (r *Registry) shard(chatID uuid.UUID) *roomShard {
	h := fnv.New32a()
	h.Write(chatID[:])
	return &r.shards[h.Sum32()%roomShardCount]
}

// Admit fetches the user's chat memberships from the store, registers the
// session and indexes it under every chat it belongs to. It returns the
// joined chat ids. The session is not visible to fan-out until the store
// fetch has succeeded.
func (r *Registry) Admit(ctx context.Context, s Session) ([]uuid.UUID, error) {
	chatIDs, err := r.chats.FindUserChatIDs(ctx, s.UserID())
	if err != nil {
		return nil, fmt.Errorf("load chat memberships: %w", err)
	}

	r.mu.Lock()
	if _, ok := r.entries[s]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s already admitted", s.SessionID())
	}
	r.entries[s] = &entry{rooms: make(map[uuid.UUID]struct{}, len(chatIDs))}
	if r.byUser[s.UserID()] == nil {
		r.byUser[s.UserID()] = make(map[Session]struct{})
	}
	r.byUser[s.UserID()][s] = struct{}{}
	r.mu.Unlock()

	for _, chatID := range chatIDs {
		r.JoinRoom(s, chatID)
	}
	return chatIDs, nil
}

// JoinRoom adds the session to chatID's room bucket. Idempotent; a no-op
// for sessions that have already been removed.
func (r *Registry) JoinRoom(s Session, chatID uuid.UUID) {
	r.mu.RLock()
	e, ok := r.entries[s]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A Remove racing with this join must win: once the entry is closed the
	// session must never reappear in a room bucket.
	if e.closed {
		return
	}
	if _, joined := e.rooms[chatID]; joined {
		return
	}
	e.rooms[chatID] = struct{}{}

	sh := r.shard(chatID)
	sh.mu.Lock()
	if sh.rooms[chatID] == nil {
		sh.rooms[chatID] = make(map[Session]struct{})
	}
	sh.rooms[chatID][s] = struct{}{}
	sh.mu.Unlock()
}

// Remove deletes the session's presence entry and drops it from every room
// bucket it belonged to. Purely in-memory, safe to call exactly once per
// session; a second call is a no-op.
func (r *Registry) Remove(s Session) {
	r.mu.Lock()
	e, ok := r.entries[s]
	if ok {
		delete(r.entries, s)
		if peers := r.byUser[s.UserID()]; peers != nil {
			delete(peers, s)
			if len(peers) == 0 {
				delete(r.byUser, s.UserID())
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for chatID := range e.rooms {
		sh := r.shard(chatID)
		sh.mu.Lock()
		if members := sh.rooms[chatID]; members != nil {
			delete(members, s)
			if len(members) == 0 {
				delete(sh.rooms, chatID)
			}
		}
		sh.mu.Unlock()
	}
	e.rooms = make(map[uuid.UUID]struct{})
}

// MembersOf returns a point-in-time snapshot of the sessions in chatID's
// room, for fan-out.
func (r *Registry) MembersOf(chatID uuid.UUID) []Session {
	sh := r.shard(chatID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	members := sh.rooms[chatID]
	out := make([]Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// Connections returns every live session for userID. Used to join all of a
// user's devices into a freshly created chat.
func (r *Registry) Connections(userID uuid.UUID) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.byUser[userID]))
	for s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// InRoom reports whether the session currently belongs to chatID.
func (r *Registry) InRoom(s Session, chatID uuid.UUID) bool {
	r.mu.RLock()
	e, ok := r.entries[s]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, joined := e.rooms[chatID]
	return joined
}
