package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/roomcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// User-facing failure strings for the room endpoints.
const (
	msgInternalError    = "서버 오류가 발생했습니다."
	msgRoomNotFound     = "채팅방을 찾을 수 없습니다."
	msgRoomNameRequired = "방 이름은 필수입니다."
	msgNotParticipant   = "채팅방에 참여하지 않았습니다."
)

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	q := roomcache.ListQuery{
		Page:      queryInt(r, "page", 0),
		PageSize:  queryInt(r, "pageSize", 0),
		SortField: r.URL.Query().Get("sortField"),
		SortOrder: r.URL.Query().Get("sortOrder"),
		Search:    r.URL.Query().Get("search"),
		UserID:    user.ID,
	}
	switch r.URL.Query().Get("hasPassword") {
	case "true":
		yes := true
		q.HasPassword = &yes
	case "false":
		no := false
		q.HasPassword = &no
	}

	res, err := s.rooms.ListRooms(r.Context(), q)
	if err != nil {
		s.logger.Error().Err(err).Msg("Room list failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "LIST_FAILED")
		return
	}
	setCacheHeaders(w, res.Source)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"data":     res.Rooms,
		"metadata": res.Meta,
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, msgRoomNameRequired, "INVALID_REQUEST")
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, msgRoomNameRequired, "ROOM_NAME_REQUIRED")
		return
	}

	user := userFrom(r)
	room, err := s.rooms.CreateRoom(r.Context(), name, body.Password, asParticipant(user))
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("Room create failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "CREATE_FAILED")
		return
	}
	if s.notify != nil {
		s.notify.NotifyRoomCreated(room)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    room.Sanitized(),
	})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	room, source, err := s.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgRoomNotFound, "ROOM_NOT_FOUND")
			return
		}
		s.logger.Error().Err(err).Str("room", roomID).Msg("Room read failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "READ_FAILED")
		return
	}
	setCacheHeaders(w, source)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    room.Sanitized(),
	})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	// An empty body means a join without password.
	_ = json.NewDecoder(r.Body).Decode(&body)

	user := userFrom(r)
	roomID := chi.URLParam(r, "roomID")
	res, err := s.rooms.JoinRoom(r.Context(), roomID, asParticipant(user), body.Password)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgRoomNotFound, "ROOM_NOT_FOUND")
			return
		}
		s.logger.Error().Err(err).Str("room", roomID).Msg("Room join failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "JOIN_FAILED")
		return
	}
	if !res.Success {
		writeError(w, http.StatusUnauthorized, res.Message, "PASSWORD_MISMATCH")
		return
	}
	if s.notify != nil {
		s.notify.NotifyRoomUpdated(&res.Room)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    res.Room,
	})
}

func asParticipant(u *types.User) types.Participant {
	return types.Participant{ID: u.ID, Name: u.Name, Email: u.Email}
}
