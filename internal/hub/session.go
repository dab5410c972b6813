package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the peer counts as gone.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Chat frames carry file descriptors and message batches.
	maxMessageSize = 64 << 10

	sendBuffer  = 256
	authTimeout = 10 * time.Second

	// Consecutive full-buffer drops before a client counts as too slow.
	maxSendStrikes = 3
)

// Disconnect reasons. The first two suppress the drop system message.
const (
	reasonClientLeft  = "client namespace disconnect"
	reasonDuplicate   = "duplicate_login"
	reasonTransport   = "transport error"
	reasonForceLogout = "force_logout"
	reasonShutdown    = "server shutdown"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: true,
	// Origin policy is enforced at the edge; instances accept any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one authenticated realtime connection.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	user        *types.User
	sessionID   string
	remoteAddr  string
	userAgent   string
	connectedAt time.Time

	// roomID is guarded by hub.mu alongside the membership maps.
	roomID string

	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	reason  atomic.Value
	strikes int32
}

type handshakeFrame struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

// ServeWS upgrades the request and runs the first-frame auth handshake.
// The client's first frame must be `{token, sessionId}` within the auth
// timeout; anything else closes the connection with the failure string.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.accepting() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}
	h.wg.Add(1)
	go h.handshake(conn, r)
}

func (h *Hub) handshake(conn *websocket.Conn, r *http.Request) {
	defer h.wg.Done()
	defer monitoring.RecoverPanic(h.logger, "handshake", nil)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	var frame handshakeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.reject(conn, auth.MsgAuthError)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	user, err := h.auth.Authenticate(ctx, frame.Token, frame.SessionID)
	cancel()
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Handshake rejected")
		h.reject(conn, auth.FailureMessage(err))
		return
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		user:        user,
		sessionID:   frame.SessionID,
		remoteAddr:  clientIP(r),
		userAgent:   r.UserAgent(),
		connectedAt: time.Now(),
		ctx:         sctx,
		cancel:      scancel,
	}
	h.register(s)
	h.wg.Add(2)
	go s.writePump()
	go s.readPump()
}

// reject closes an unauthenticated connection with the failure payload.
func (h *Hub) reject(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(map[string]string{"error": msg})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

// readPump reads frames until the connection dies, then runs the full
// disconnect sequence exactly once with the best-known reason.
func (s *session) readPump() {
	defer s.hub.wg.Done()
	defer monitoring.RecoverPanic(s.hub.logger, "readPump", map[string]any{"user_id": s.user.ID})

	reason := reasonTransport
	defer func() {
		if stored, ok := s.reason.Load().(string); ok && stored != "" {
			reason = stored
		}
		s.hub.disconnect(s, reason)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = reasonClientLeft
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.logger.Debug().Err(err).Str("user_id", s.user.ID).Msg("Read error")
			}
			return
		}
		monitoring.RecordEventReceived()
		s.hub.dispatch(s, raw)
	}
}

// writePump owns all writes: outbound events and keepalive pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		s.hub.wg.Done()
	}()
	defer monitoring.RecoverPanic(s.hub.logger, "writePump", map[string]any{"user_id": s.user.ID})

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a payload to the write pump without blocking the caller.
// A client that keeps a full buffer is disconnected after three strikes.
func (s *session) enqueue(payload []byte) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.send <- payload:
		atomic.StoreInt32(&s.strikes, 0)
	default:
		if atomic.AddInt32(&s.strikes, 1) >= maxSendStrikes {
			monitoring.RecordSlowClientDisconnect()
			s.hub.logger.Warn().Str("user_id", s.user.ID).Msg("Slow client disconnected")
			s.close(reasonTransport)
		}
	}
}

// emit sends one event to this session only.
func (s *session) emit(event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		s.hub.logger.Error().Err(err).Str("event", event).Msg("Event encode failed")
		return
	}
	s.enqueue(payload)
}

func (s *session) emitError(message string) {
	s.emit("error", map[string]any{"message": message})
}

// close tears the transport down. The first reason wins; readPump's defer
// turns it into the single disconnect call.
func (s *session) close(reason string) {
	s.once.Do(func() {
		s.reason.Store(reason)
		s.cancel()
		_ = s.conn.Close()
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
