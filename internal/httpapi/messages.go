package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const msgHistoryFailed = "메시지를 불러오는데 실패했습니다."

// handleRoomMessages serves one history page. Returned messages are
// marked read for the requester off the request path.
func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	roomID := chi.URLParam(r, "roomID")

	room, _, err := s.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgRoomNotFound, "ROOM_NOT_FOUND")
			return
		}
		s.logger.Error().Err(err).Str("room", roomID).Msg("Room read failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "READ_FAILED")
		return
	}
	if !room.HasParticipant(user.ID) {
		writeError(w, http.StatusForbidden, msgNotParticipant, "NOT_PARTICIPANT")
		return
	}

	q := msgcache.HistoryQuery{
		RoomID: roomID,
		Limit:  queryInt(r, "limit", msgcache.DefaultLimit),
	}
	if q.Limit > msgcache.MaxLimit {
		q.Limit = msgcache.MaxLimit
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			q.Before = types.TimeMS(ms)
		}
	}

	page, err := s.messages.GetMessagesByRoom(r.Context(), q)
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomID).Msg("History read failed")
		writeError(w, http.StatusInternalServerError, msgHistoryFailed, "HISTORY_FAILED")
		return
	}

	if ids := unreadIDs(page.Messages, user.ID); len(ids) > 0 {
		go s.markReadAsync(roomID, user.ID, ids)
	}

	setCacheHeaders(w, page.Source)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    page,
	})
}

// unreadIDs picks the returned messages the requester has not read and did
// not author.
func unreadIDs(messages []types.Message, userID string) []string {
	var ids []string
	for i := range messages {
		m := &messages[i]
		if m.Sender != nil && m.Sender.ID == userID {
			continue
		}
		if m.HasReader(userID) {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// markReadAsync records the read receipts and relays them to the room's
// live sessions. Failures only log; the history response already went out.
func (s *Server) markReadAsync(roomID, userID string, ids []string) {
	defer monitoring.RecoverPanic(s.logger, "markReadAsync", map[string]any{"room": roomID})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := s.messages.MarkAsRead(ctx, ids, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("room", roomID).Msg("Auto mark-as-read failed")
		return
	}
	if len(updated) > 0 && s.notify != nil {
		s.notify.NotifyMessagesRead(roomID, userID, updated)
	}
}
