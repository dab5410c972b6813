// Package hub is the realtime session layer. It authenticates socket
// sessions, enforces a single live session per user, tracks which session
// is in which room, fans events out to room members, streams assistant
// responses and cleans up after disconnects. All room and message state
// lives in the cache services; the hub holds only connection state.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/roomcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// RoomService is the slice of the room cache the hub drives.
type RoomService interface {
	GetRoom(ctx context.Context, roomID string) (*types.Room, string, error)
	AddParticipant(ctx context.Context, roomID string, user types.Participant) (*types.Room, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) (*types.Room, error)
}

// MessageService is the slice of the message cache the hub drives.
type MessageService interface {
	GetMessagesByRoom(ctx context.Context, q msgcache.HistoryQuery) (*msgcache.HistoryPage, error)
	CreateMessage(ctx context.Context, in msgcache.CreateInput) (*types.Message, error)
	MarkAsRead(ctx context.Context, messageIDs []string, userID string) ([]string, error)
	AddReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error)
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error)
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)
	WarmCacheForRoom(ctx context.Context, roomID string, limit int) (int, error)
}

// Authenticator completes the handshake and checks token ownership.
type Authenticator interface {
	Authenticate(ctx context.Context, token, sessionID string) (*types.User, error)
	VerifyOwnership(token, userID string) error
}

// SessionChecker revalidates an established session on message traffic.
type SessionChecker interface {
	Validate(ctx context.Context, userID, sessionID string) error
}

// Hub owns all realtime connection state for one instance.
type Hub struct {
	auth     Authenticator
	sessions SessionChecker
	rooms    RoomService
	messages MessageService
	provider ai.Provider
	logger   zerolog.Logger

	maxConns int
	dupGrace time.Duration

	mu             sync.RWMutex
	connectedUsers map[string]*session
	connectedRooms map[string]string
	roomMembers    map[string]map[*session]struct{}
	closed         bool

	streams      *StreamRegistry
	loads        *loadGuard
	participants *participantsCache

	wg sync.WaitGroup
}

// New wires the hub. The AI provider may be nil, which disables mentions.
func New(authn Authenticator, sessions SessionChecker, rooms RoomService, messages MessageService, provider ai.Provider, cfg *config.Config, logger zerolog.Logger) *Hub {
	return &Hub{
		auth:           authn,
		sessions:       sessions,
		rooms:          rooms,
		messages:       messages,
		provider:       provider,
		logger:         logger.With().Str("component", "hub").Logger(),
		maxConns:       cfg.WSMaxConnections,
		dupGrace:       cfg.DuplicateLoginGrace,
		connectedUsers: make(map[string]*session),
		connectedRooms: make(map[string]string),
		roomMembers:    make(map[string]map[*session]struct{}),
		streams:        newStreamRegistry(),
		loads:          newLoadGuard(),
		participants:   newParticipantsCache(participantsTTL),
	}
}

// ActiveSessions is the number of authenticated live sessions.
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connectedUsers)
}

// RoomOccupancy is the number of live sessions currently in the room.
func (h *Hub) RoomOccupancy(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.roomMembers[roomID])
}

// register installs the session as the user's single live session. An
// existing session for the same user goes through the duplicate-login
// sequence: notify, grace, end.
func (h *Hub) register(s *session) {
	h.mu.Lock()
	old := h.connectedUsers[s.user.ID]
	h.connectedUsers[s.user.ID] = s
	h.mu.Unlock()

	monitoring.RecordConnection()
	h.logger.Info().Str("user_id", s.user.ID).Str("remote", s.remoteAddr).Msg("Session authenticated")

	if old != nil && old != s {
		h.wg.Add(1)
		go h.retireDuplicate(old)
	}
}

func (h *Hub) retireDuplicate(old *session) {
	defer h.wg.Done()
	defer monitoring.RecoverPanic(h.logger, "duplicate_login", nil)

	monitoring.RecordDuplicateLogin()
	old.emit("duplicate_login", map[string]any{
		"deviceInfo": old.userAgent,
		"ipAddress":  old.remoteAddr,
		"timestamp":  types.NowMS(),
	})

	t := time.NewTimer(h.dupGrace)
	defer t.Stop()
	select {
	case <-old.ctx.Done():
		return
	case <-t.C:
	}
	old.emit("session_ended", map[string]any{"reason": reasonDuplicate})
	old.close(reasonDuplicate)
}

// disconnect tears down one session. Only the current owner of the user
// entry clears shared user state; a session replaced by a duplicate login
// cleans up just its own room membership and streams.
func (h *Hub) disconnect(s *session, reason string) {
	h.mu.Lock()
	if h.connectedUsers[s.user.ID] == s {
		delete(h.connectedUsers, s.user.ID)
		delete(h.connectedRooms, s.user.ID)
	}
	roomID := s.roomID
	s.roomID = ""
	if roomID != "" {
		h.dropMemberLocked(roomID, s)
	}
	h.mu.Unlock()

	s.close(reason)
	h.streams.cancelOwner(s.user.ID)
	if roomID != "" {
		h.loads.clear(loadKey(roomID, s.user.ID))
	}
	monitoring.RecordDisconnect(reason)
	h.logger.Info().Str("user_id", s.user.ID).Str("reason", reason).Msg("Session closed")

	if roomID == "" || reason == reasonClientLeft || reason == reasonDuplicate {
		return
	}
	// Unexpected drop while inside a room: tell the room.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sysMsg, err := h.messages.CreateMessage(ctx, msgcache.CreateInput{
		RoomID:  roomID,
		Type:    types.MessageSystem,
		Content: s.user.Name + msgSuffixDropped,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("Disconnect system message failed")
	} else {
		h.BroadcastToRoom(roomID, "message", sysMsg, "")
	}
	h.broadcastParticipants(ctx, roomID)
}

func (h *Hub) dropMemberLocked(roomID string, s *session) {
	if members, ok := h.roomMembers[roomID]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.roomMembers, roomID)
		}
	}
}

// BroadcastToRoom fans an event out to every session in the room,
// optionally excluding one user.
func (h *Hub) BroadcastToRoom(roomID, event string, data any, excludeUserID string) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Broadcast encode failed")
		return
	}
	h.mu.RLock()
	targets := make([]*session, 0, len(h.roomMembers[roomID]))
	for s := range h.roomMembers[roomID] {
		if excludeUserID != "" && s.user.ID == excludeUserID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(payload)
	}
}

// BroadcastAll fans an event out to every connected session. Room-list
// updates travel this way because watchers are not in any room yet.
func (h *Hub) BroadcastAll(event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Broadcast encode failed")
		return
	}
	h.mu.RLock()
	targets := make([]*session, 0, len(h.connectedUsers))
	for _, s := range h.connectedUsers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(payload)
	}
}

// NotifyRoomCreated publishes a new room to every connected client.
func (h *Hub) NotifyRoomCreated(room *types.Room) {
	if room == nil {
		return
	}
	h.BroadcastAll("roomCreated", room.Sanitized())
}

// NotifyRoomUpdated refreshes membership views after an HTTP-side join.
func (h *Hub) NotifyRoomUpdated(room *types.Room) {
	if room == nil {
		return
	}
	sanitized := room.Sanitized()
	h.participants.put(room.ID, sanitized.Participants)
	h.BroadcastToRoom(room.ID, "roomUpdate", sanitized, "")
	h.BroadcastToRoom(room.ID, "participantsUpdate", sanitized.Participants, "")
}

// NotifyMessagesRead relays read receipts produced by the HTTP surface.
func (h *Hub) NotifyMessagesRead(roomID, userID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	h.BroadcastToRoom(roomID, "messagesRead", map[string]any{
		"userId":     userID,
		"messageIds": messageIDs,
	}, userID)
}

// OnRoomCacheInvalidated is wired to the cross-instance bus after both
// exist. Peer cache invalidations evict the local participants cache.
func (h *Hub) OnRoomCacheInvalidated(keys []string) {
	for _, key := range keys {
		if roomID, ok := roomIDFromKey(key); ok {
			h.participants.invalidate(roomID)
		}
	}
}

func roomIDFromKey(key string) (string, bool) {
	if len(key) > len(roomcache.KeyPrefix) && key[:len(roomcache.KeyPrefix)] == roomcache.KeyPrefix {
		return key[len(roomcache.KeyPrefix):], true
	}
	return "", false
}

// broadcastParticipants sends the room's current participant list to its
// members, refreshing the short-lived cache on the way.
func (h *Hub) broadcastParticipants(ctx context.Context, roomID string) {
	list, err := h.participantsFor(ctx, roomID)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("Participants lookup failed")
		return
	}
	h.BroadcastToRoom(roomID, "participantsUpdate", list, "")
}

func (h *Hub) participantsFor(ctx context.Context, roomID string) ([]types.Participant, error) {
	if list, ok := h.participants.get(roomID); ok {
		return list, nil
	}
	room, _, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	list := room.Sanitized().Participants
	h.participants.put(roomID, list)
	return list, nil
}

// DrainSessions force-closes every live session, used by shutdown and the
// drain endpoint. Returns how many sessions were told to go.
func (h *Hub) DrainSessions(reason string) int {
	h.mu.Lock()
	h.closed = true
	targets := make([]*session, 0, len(h.connectedUsers))
	for _, s := range h.connectedUsers {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.emit("session_ended", map[string]any{"reason": reason})
		s.close(reason)
	}
	return len(targets)
}

// Shutdown drains all sessions and waits for their pumps, bounded by ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	n := h.DrainSessions(reasonShutdown)
	h.logger.Info().Int("sessions", n).Msg("Hub draining")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) accepting() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.closed && (h.maxConns <= 0 || len(h.connectedUsers) < h.maxConns)
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	monitoring.RecordEventSent()
	return json.Marshal(wireEvent{Event: event, Data: raw})
}
