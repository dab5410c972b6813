// Package httpapi is the HTTP surface: room CRUD and join, message
// history, file upload handshake and delivery, health and instance-status,
// metrics and the realtime upgrade. Handlers stay thin; the cache services
// do the heavy lifting.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/objectstore"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/roomcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/status"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// RoomDirectory is the slice of the room cache the HTTP surface drives.
type RoomDirectory interface {
	ListRooms(ctx context.Context, q roomcache.ListQuery) (*roomcache.ListResult, error)
	GetRoom(ctx context.Context, roomID string) (*types.Room, string, error)
	CreateRoom(ctx context.Context, name, password string, creator types.Participant) (*types.Room, error)
	JoinRoom(ctx context.Context, roomID string, user types.Participant, password string) (*roomcache.JoinResult, error)
}

// MessageReader serves history pages and read receipts.
type MessageReader interface {
	GetMessagesByRoom(ctx context.Context, q msgcache.HistoryQuery) (*msgcache.HistoryPage, error)
	MarkAsRead(ctx context.Context, messageIDs []string, userID string) ([]string, error)
}

// MessageLocator finds the message owning an uploaded file.
type MessageLocator interface {
	MessageByFilename(ctx context.Context, filename string) (*types.Message, error)
}

// Authenticator validates the x-auth-token/x-session-id header pair.
type Authenticator interface {
	Authenticate(ctx context.Context, token, sessionID string) (*types.User, error)
}

// Notifier pushes HTTP-side changes to connected realtime clients.
type Notifier interface {
	NotifyRoomCreated(room *types.Room)
	NotifyRoomUpdated(room *types.Room)
	NotifyMessagesRead(roomID, userID string, messageIDs []string)
}

// Server wires handlers to their collaborators. Files and Locator may be
// nil when the object store is not configured; the file endpoints then
// answer 503.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	authn    Authenticator
	rooms    RoomDirectory
	messages MessageReader
	locator  MessageLocator
	files    objectstore.Store
	notify   Notifier
	status   *status.Service
	ws       http.HandlerFunc
}

func New(cfg *config.Config, authn Authenticator, rooms RoomDirectory, messages MessageReader,
	locator MessageLocator, files objectstore.Store, notify Notifier, st *status.Service,
	ws http.HandlerFunc, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "http").Logger(),
		authn:    authn,
		rooms:    rooms,
		messages: messages,
		locator:  locator,
		files:    files,
		notify:   notify,
		status:   st,
		ws:       ws,
	}
}

// Routes builds the router. Room endpoints share a 60/min per-IP budget,
// message endpoints get 100/min.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleLiveness)
	r.Get("/metrics", monitoring.HandleMetrics)
	r.Route("/api/instance-status", func(r chi.Router) {
		r.Get("/health", s.handleInstanceHealth)
		r.Get("/detailed", s.handleInstanceDetailed)
		r.Get("/load-metrics", s.handleLoadMetrics)
		r.Get("/peers", s.handlePeers)
		r.Post("/drain", s.handleDrain)
	})

	if s.ws != nil {
		r.Get("/ws", s.handleUpgrade)
	}

	roomLimit := newIPLimiter(60, s.logger)
	messageLimit := newIPLimiter(100, s.logger)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Group(func(r chi.Router) {
			r.Use(roomLimit.middleware("rooms"))
			r.Get("/", s.handleListRooms)
			r.Post("/", s.handleCreateRoom)
			r.Get("/{roomID}", s.handleGetRoom)
			r.Post("/{roomID}/join", s.handleJoinRoom)
		})
		r.Group(func(r chi.Router) {
			r.Use(messageLimit.middleware("messages"))
			r.Get("/{roomID}/messages", s.handleRoomMessages)
		})
	})

	r.Route("/api/files", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/presigned-url", s.handlePresignedURL)
		r.Post("/upload-complete", s.handleUploadComplete)
		r.Get("/s3-url/download/{filename}", s.handleFileDownload)
		r.Get("/s3-url/view/{filename}", s.handleFileView)
	})

	return r
}

// handleLiveness answers the bare liveness probe.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": types.NowMS(),
		"env":       s.cfg.Environment,
		"instance":  s.cfg.InstanceID,
	})
}

// handleUpgrade hands the connection to the hub unless the instance is
// draining.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.status != nil && s.status.RejectingNew() {
		writeError(w, http.StatusServiceUnavailable, "Instance is draining", "DRAINING")
		return
	}
	s.ws(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the fixed failure shape. Code is optional.
func writeError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]any{
		"success": false,
		"message": message,
	}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

// setCacheHeaders marks where a read was served from. Hot-tier responses
// may be cached longer than durable fallbacks.
func setCacheHeaders(w http.ResponseWriter, source string) {
	maxAge := 10
	if source == roomcache.SourceHot {
		maxAge = 30
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAge))
	w.Header().Set("X-Cache-Source", source)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
