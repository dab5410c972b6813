package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// wireEvent is the frame shape in both directions: an event name and its
// JSON payload.
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// System message suffixes appended to the user's display name. Clients
// render these verbatim.
const (
	msgSuffixJoined  = "님이 입장하였습니다."
	msgSuffixLeft    = "님이 퇴장하였습니다."
	msgSuffixDropped = "님이 연결이 끊어졌습니다."
)

// Client-facing failure strings.
const (
	errRoomNotFound  = "채팅방을 찾을 수 없습니다."
	errNotInRoom     = "채팅방에 참여하지 않았습니다."
	errBadRequest    = "잘못된 요청입니다."
	errBadFile       = "파일 정보가 올바르지 않습니다."
	errJoinFailed    = "채팅방 입장에 실패했습니다."
	errLoadFailed    = "이전 메시지를 불러오지 못했습니다."
	errSendFailed    = "메시지 전송에 실패했습니다."
	errReactionError = "리액션 처리에 실패했습니다."
)

const eventTimeout = 10 * time.Second

func (h *Hub) dispatch(s *session, raw []byte) {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Event == "" {
		s.emitError(errBadRequest)
		return
	}
	switch ev.Event {
	case "joinRoom":
		h.handleJoinRoom(s, ev.Data)
	case "leaveRoom":
		h.handleLeaveRoom(s, ev.Data)
	case "chatMessage":
		h.handleChatMessage(s, ev.Data)
	case "fetchPreviousMessages":
		h.handleFetchPrevious(s, ev.Data)
	case "markMessagesAsRead":
		h.handleMarkRead(s, ev.Data)
	case "messageReaction":
		h.handleReaction(s, ev.Data)
	case "force_login":
		h.handleForceLogin(s, ev.Data)
	default:
		s.emitError(errBadRequest)
	}
}

// decodeRoomID accepts both a bare string and `{roomId}`.
func decodeRoomID(data json.RawMessage) string {
	var bare string
	if json.Unmarshal(data, &bare) == nil && bare != "" {
		return bare
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if json.Unmarshal(data, &obj) == nil {
		return obj.RoomID
	}
	return ""
}

func (h *Hub) handleJoinRoom(s *session, data json.RawMessage) {
	roomID := decodeRoomID(data)
	if roomID == "" {
		s.emit("joinRoomError", map[string]any{"message": errBadRequest})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, eventTimeout)
	defer cancel()

	h.mu.RLock()
	already := s.roomID == roomID
	prior := s.roomID
	h.mu.RUnlock()

	if !already && prior != "" {
		h.leaveQuietly(s, prior)
	}

	var room *types.Room
	var err error
	if already {
		room, _, err = h.rooms.GetRoom(ctx, roomID)
	} else {
		room, err = h.rooms.AddParticipant(ctx, roomID, participantOf(s.user))
	}
	if err != nil {
		msg := errJoinFailed
		if errors.Is(err, durable.ErrNotFound) {
			msg = errRoomNotFound
		}
		h.logger.Warn().Err(err).Str("room", roomID).Str("user_id", s.user.ID).Msg("Join failed")
		s.emit("joinRoomError", map[string]any{"roomId": roomID, "message": msg})
		return
	}

	h.mu.Lock()
	s.roomID = roomID
	if h.connectedUsers[s.user.ID] == s {
		h.connectedRooms[s.user.ID] = roomID
	}
	if h.roomMembers[roomID] == nil {
		h.roomMembers[roomID] = make(map[*session]struct{})
	}
	h.roomMembers[roomID][s] = struct{}{}
	h.mu.Unlock()

	sanitized := room.Sanitized()
	h.participants.put(roomID, sanitized.Participants)

	var sysMsg *types.Message
	if !already {
		sysMsg, err = h.messages.CreateMessage(ctx, msgcache.CreateInput{
			RoomID:  roomID,
			Type:    types.MessageSystem,
			Content: s.user.Name + msgSuffixJoined,
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("room", roomID).Msg("Join system message failed")
		}
	}

	// Warm the room's recent history without holding the join up.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer monitoring.RecoverPanic(h.logger, "warmCacheForRoom", map[string]any{"room": roomID})
		wctx, wcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer wcancel()
		_, _ = h.messages.WarmCacheForRoom(wctx, roomID, msgcache.DefaultLimit)
	}()

	page, err := h.messages.GetMessagesByRoom(ctx, msgcache.HistoryQuery{
		RoomID: roomID,
		Limit:  msgcache.DefaultLimit,
	})
	if err != nil {
		// The join still succeeds; the client can page explicitly.
		h.logger.Warn().Err(err).Str("room", roomID).Msg("Join history load failed")
		page = &msgcache.HistoryPage{Messages: []types.Message{}}
	}

	s.emit("joinRoomSuccess", map[string]any{
		"roomId":          roomID,
		"participants":    sanitized.Participants,
		"messages":        page.Messages,
		"hasMore":         page.HasMore,
		"oldestTimestamp": page.OldestTimestamp,
		"activeStreams":   h.streams.forRoom(roomID),
	})
	if sysMsg != nil {
		h.BroadcastToRoom(roomID, "message", sysMsg, "")
	}
	h.BroadcastToRoom(roomID, "participantsUpdate", sanitized.Participants, "")
}

// leaveQuietly detaches the session from a room when it switches to
// another one: membership and streams go, but the user stays a durable
// participant and no system message is written.
func (h *Hub) leaveQuietly(s *session, roomID string) {
	h.mu.Lock()
	if s.roomID == roomID {
		s.roomID = ""
	}
	if h.connectedUsers[s.user.ID] == s {
		delete(h.connectedRooms, s.user.ID)
	}
	h.dropMemberLocked(roomID, s)
	h.mu.Unlock()

	h.BroadcastToRoom(roomID, "userLeft", map[string]any{
		"userId": s.user.ID,
		"name":   s.user.Name,
	}, "")
	h.streams.cancelOwnerInRoom(s.user.ID, roomID)
	h.loads.clear(loadKey(roomID, s.user.ID))
}

func (h *Hub) handleLeaveRoom(s *session, data json.RawMessage) {
	roomID := decodeRoomID(data)
	h.mu.RLock()
	inRoom := roomID != "" && s.roomID == roomID
	h.mu.RUnlock()
	if !inRoom {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, eventTimeout)
	defer cancel()

	h.mu.Lock()
	s.roomID = ""
	if h.connectedUsers[s.user.ID] == s {
		delete(h.connectedRooms, s.user.ID)
	}
	h.dropMemberLocked(roomID, s)
	h.mu.Unlock()

	h.streams.cancelOwnerInRoom(s.user.ID, roomID)
	h.loads.clear(loadKey(roomID, s.user.ID))

	room, err := h.rooms.RemoveParticipant(ctx, roomID, s.user.ID)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Str("user_id", s.user.ID).Msg("Leave failed")
		return
	}
	sanitized := room.Sanitized()
	h.participants.put(roomID, sanitized.Participants)

	sysMsg, err := h.messages.CreateMessage(ctx, msgcache.CreateInput{
		RoomID:  roomID,
		Type:    types.MessageSystem,
		Content: s.user.Name + msgSuffixLeft,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("Leave system message failed")
	} else {
		h.BroadcastToRoom(roomID, "message", sysMsg, "")
	}
	h.BroadcastToRoom(roomID, "participantsUpdate", sanitized.Participants, "")
}

func (h *Hub) handleChatMessage(s *session, data json.RawMessage) {
	var payload struct {
		Room     string                `json:"room"`
		Type     string                `json:"type"`
		Content  string                `json:"content"`
		FileData *types.FileDescriptor `json:"fileData"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		s.emitError(errBadRequest)
		return
	}
	h.mu.RLock()
	inRoom := s.roomID == payload.Room
	h.mu.RUnlock()
	if !inRoom {
		s.emitError(errNotInRoom)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, eventTimeout)
	defer cancel()

	// Sessions can be revoked while the socket stays up.
	if err := h.sessions.Validate(ctx, s.user.ID, s.sessionID); err != nil {
		s.emit("session_ended", map[string]any{"reason": "session_expired"})
		s.close(reasonForceLogout)
		return
	}

	msgType := types.MessageType(payload.Type)
	if msgType == "" {
		msgType = types.MessageText
	}
	var content string
	var file *types.FileDescriptor
	var mentions []string
	switch msgType {
	case types.MessageText:
		content = strings.TrimSpace(payload.Content)
		if content == "" {
			return
		}
		mentions = ai.ExtractMentions(content)
	case types.MessageFile:
		file = payload.FileData
		if file == nil || file.Filename == "" || file.OriginalName == "" || file.MimeType == "" ||
			file.Size <= 0 || file.S3URL == "" || file.S3Key == "" || file.S3Bucket == "" {
			s.emitError(errBadFile)
			return
		}
		content = strings.TrimSpace(payload.Content)
	default:
		// system and ai frames are minted server-side only.
		s.emitError(errBadRequest)
		return
	}

	msg, err := h.messages.CreateMessage(ctx, msgcache.CreateInput{
		RoomID:   payload.Room,
		Sender:   senderOf(s.user),
		Type:     msgType,
		Content:  content,
		File:     file,
		Mentions: mentions,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("room", payload.Room).Str("user_id", s.user.ID).Msg("Message create failed")
		s.emitError(errSendFailed)
		return
	}
	h.BroadcastToRoom(payload.Room, "message", msg, "")

	for _, handle := range mentions {
		h.startAIStream(s, payload.Room, handle, content)
	}
}

func (h *Hub) handleFetchPrevious(s *session, data json.RawMessage) {
	var payload struct {
		RoomID string        `json:"roomId"`
		Before *types.TimeMS `json:"before"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		s.emitError(errBadRequest)
		return
	}
	h.mu.RLock()
	inRoom := s.roomID == payload.RoomID
	h.mu.RUnlock()
	if !inRoom {
		s.emitError(errNotInRoom)
		return
	}

	key := loadKey(payload.RoomID, s.user.ID)
	if !h.loads.tryAcquire(key) {
		// A load for this room and user is already running; its result
		// will reach the client.
		return
	}

	q := msgcache.HistoryQuery{RoomID: payload.RoomID, Limit: msgcache.DefaultLimit}
	if payload.Before != nil {
		q.Before = *payload.Before
	}

	// History loads retry with backoff; run them off the read loop so the
	// session stays responsive.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.loads.release(key)
		defer monitoring.RecoverPanic(h.logger, "fetchPreviousMessages", map[string]any{"room": payload.RoomID})

		s.emit("messageLoadStart", map[string]any{"roomId": payload.RoomID})
		page, err := h.loads.load(s.ctx, h.messages, key, q)
		if err != nil {
			h.logger.Warn().Err(err).Str("room", payload.RoomID).Msg("History load failed")
			s.emitError(errLoadFailed)
			return
		}
		s.emit("previousMessagesLoaded", map[string]any{
			"roomId":          payload.RoomID,
			"messages":        page.Messages,
			"hasMore":         page.HasMore,
			"oldestTimestamp": page.OldestTimestamp,
		})
	}()
}

func (h *Hub) handleMarkRead(s *session, data json.RawMessage) {
	var payload struct {
		RoomID     string   `json:"roomId"`
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		s.emitError(errBadRequest)
		return
	}
	h.mu.RLock()
	inRoom := s.roomID == payload.RoomID
	h.mu.RUnlock()
	if !inRoom || len(payload.MessageIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, eventTimeout)
	defer cancel()

	updated, err := h.messages.MarkAsRead(ctx, payload.MessageIDs, s.user.ID)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", payload.RoomID).Msg("Mark-as-read failed")
		return
	}
	if len(updated) > 0 {
		h.BroadcastToRoom(payload.RoomID, "messagesRead", map[string]any{
			"userId":     s.user.ID,
			"messageIds": updated,
		}, s.user.ID)
	}
}

func (h *Hub) handleReaction(s *session, data json.RawMessage) {
	var payload struct {
		MessageID string `json:"messageId"`
		Reaction  string `json:"reaction"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(data, &payload); err != nil ||
		payload.MessageID == "" || payload.Reaction == "" {
		s.emitError(errBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, eventTimeout)
	defer cancel()

	msg, err := h.messages.GetMessage(ctx, payload.MessageID)
	if err != nil {
		s.emitError(errReactionError)
		return
	}
	h.mu.RLock()
	inRoom := s.roomID == msg.Room
	h.mu.RUnlock()
	if !inRoom {
		s.emitError(errNotInRoom)
		return
	}

	switch payload.Type {
	case "add":
		_, err = h.messages.AddReaction(ctx, payload.MessageID, payload.Reaction, s.user.ID)
	case "remove":
		_, err = h.messages.RemoveReaction(ctx, payload.MessageID, payload.Reaction, s.user.ID)
	default:
		s.emitError(errBadRequest)
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("message_id", payload.MessageID).Msg("Reaction failed")
		s.emitError(errReactionError)
		return
	}

	updated, err := h.messages.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return
	}
	h.BroadcastToRoom(msg.Room, "messageReactionUpdate", map[string]any{
		"messageId": payload.MessageID,
		"reactions": updated.Reactions,
	}, "")
}

func (h *Hub) handleForceLogin(s *session, data json.RawMessage) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		s.emitError(errBadRequest)
		return
	}
	if err := h.auth.VerifyOwnership(payload.Token, s.user.ID); err != nil {
		s.emitError(auth.FailureMessage(err))
		return
	}
	s.emit("session_ended", map[string]any{"reason": "force_logout"})
	s.close(reasonForceLogout)
}

func participantOf(u *types.User) types.Participant {
	return types.Participant{ID: u.ID, Name: u.Name, Email: u.Email}
}

func senderOf(u *types.User) *types.Sender {
	return &types.Sender{ID: u.ID, Name: u.Name, Email: u.Email, ProfileImage: u.ProfileImage}
}
