package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

type fakeAuth struct {
	users map[string]*types.User
}

func (f *fakeAuth) Authenticate(_ context.Context, token, sessionID string) (*types.User, error) {
	if sessionID == "" {
		return nil, auth.ErrSessionInvalid
	}
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, auth.ErrTokenInvalid
}

func (f *fakeAuth) VerifyOwnership(token, userID string) error {
	if u, ok := f.users[token]; ok && u.ID == userID {
		return nil
	}
	return auth.ErrTokenInvalid
}

type fakeSessions struct {
	mu  sync.Mutex
	err error
}

func (f *fakeSessions) Validate(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSessions) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeRooms struct {
	mu       sync.Mutex
	rooms    map[string]*types.Room
	addCalls int
}

func (f *fakeRooms) GetRoom(_ context.Context, roomID string) (*types.Room, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, "", durable.ErrNotFound
	}
	return copyRoom(room), "redis", nil
}

func (f *fakeRooms) AddParticipant(_ context.Context, roomID string, user types.Participant) (*types.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, durable.ErrNotFound
	}
	f.addCalls++
	if !room.HasParticipant(user.ID) {
		room.Participants = append(room.Participants, user)
	}
	return copyRoom(room), nil
}

func (f *fakeRooms) RemoveParticipant(_ context.Context, roomID, userID string) (*types.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, durable.ErrNotFound
	}
	kept := room.Participants[:0]
	for _, p := range room.Participants {
		if p.ID != userID {
			kept = append(kept, p)
		}
	}
	room.Participants = kept
	return copyRoom(room), nil
}

func copyRoom(room *types.Room) *types.Room {
	out := *room
	out.Participants = append([]types.Participant(nil), room.Participants...)
	return &out
}

type fakeMessages struct {
	mu           sync.Mutex
	seq          int
	created      []msgcache.CreateInput
	byID         map[string]*types.Message
	history      []types.Message
	historyFails int
	warmCalls    int
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: make(map[string]*types.Message)}
}

func (f *fakeMessages) CreateMessage(_ context.Context, in msgcache.CreateInput) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	msg := &types.Message{
		ID:        fmt.Sprintf("m%d", f.seq),
		Room:      in.RoomID,
		Sender:    in.Sender,
		Type:      in.Type,
		Content:   in.Content,
		File:      in.File,
		AIType:    in.AIType,
		Mentions:  in.Mentions,
		Metadata:  in.Metadata,
		Timestamp: types.NowMS(),
		Reactions: map[string][]string{},
	}
	f.created = append(f.created, in)
	f.byID[msg.ID] = msg
	return msg, nil
}

func (f *fakeMessages) GetMessagesByRoom(_ context.Context, q msgcache.HistoryQuery) (*msgcache.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyFails > 0 {
		f.historyFails--
		return nil, errors.New("backend down")
	}
	return &msgcache.HistoryPage{Messages: append([]types.Message(nil), f.history...)}, nil
}

func (f *fakeMessages) MarkAsRead(_ context.Context, messageIDs []string, _ string) ([]string, error) {
	return messageIDs, nil
}

func (f *fakeMessages) AddReaction(_ context.Context, messageID, emoji, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[messageID]
	if !ok {
		return nil, durable.ErrNotFound
	}
	msg.Reactions[emoji] = append(msg.Reactions[emoji], userID)
	return msg.Reactions[emoji], nil
}

func (f *fakeMessages) RemoveReaction(_ context.Context, messageID, emoji, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[messageID]
	if !ok {
		return nil, durable.ErrNotFound
	}
	kept := msg.Reactions[emoji][:0]
	for _, id := range msg.Reactions[emoji] {
		if id != userID {
			kept = append(kept, id)
		}
	}
	msg.Reactions[emoji] = kept
	return kept, nil
}

func (f *fakeMessages) GetMessage(_ context.Context, messageID string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[messageID]
	if !ok {
		return nil, durable.ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (f *fakeMessages) WarmCacheForRoom(context.Context, string, int) (int, error) {
	f.mu.Lock()
	f.warmCalls++
	f.mu.Unlock()
	return 0, nil
}

func (f *fakeMessages) seed(msg *types.Message) {
	f.mu.Lock()
	if msg.Reactions == nil {
		msg.Reactions = map[string][]string{}
	}
	f.byID[msg.ID] = msg
	f.mu.Unlock()
}

func (f *fakeMessages) systemMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, in := range f.created {
		if in.Type == types.MessageSystem {
			out = append(out, in.Content)
		}
	}
	return out
}

func (f *fakeMessages) setHistory(msgs []types.Message) {
	f.mu.Lock()
	f.history = msgs
	f.mu.Unlock()
}

func (f *fakeMessages) setHistoryFails(n int) {
	f.mu.Lock()
	f.historyFails = n
	f.mu.Unlock()
}

type testEnv struct {
	hub      *Hub
	rooms    *fakeRooms
	messages *fakeMessages
	sessions *fakeSessions
	wsURL    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	authn := &fakeAuth{users: map[string]*types.User{
		"tok-kim": {ID: "u1", Name: "Kim", Email: "kim@example.com"},
		"tok-lee": {ID: "u2", Name: "Lee", Email: "lee@example.com"},
	}}
	sessions := &fakeSessions{}
	lee := types.Participant{ID: "u2", Name: "Lee", Email: "lee@example.com"}
	rooms := &fakeRooms{rooms: map[string]*types.Room{
		"r1": {ID: "r1", Name: "general", Creator: lee, Participants: []types.Participant{lee}},
	}}
	messages := newFakeMessages()
	cfg := &config.Config{
		WSMaxConnections:    100,
		DuplicateLoginGrace: 80 * time.Millisecond,
	}
	h := New(authn, sessions, rooms, messages, &ai.StubProvider{Delay: time.Millisecond}, cfg, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	return &testEnv{
		hub:      h,
		rooms:    rooms,
		messages: messages,
		sessions: sessions,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func connect(t *testing.T, wsURL, token, sessionID string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, wsURL)
	writeFrame(t, conn, map[string]string{"token": token, "sessionId": sessionID})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	writeFrame(t, conn, wireEvent{Event: event, Data: raw})
}

func readEventWithin(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var ev wireEvent
		err := conn.ReadJSON(&ev)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read while waiting for %q: %v", event, err)
		}
		if ev.Event == event && (match == nil || match(ev.Data)) {
			return ev.Data
		}
	}
	t.Fatalf("timed out waiting for %q", event)
	return nil
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	return readEventWithin(t, conn, event, 4*time.Second, nil)
}

// expectClosed reads until the connection errors with something other
// than a timeout.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
	}
	t.Fatal("connection stayed open")
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	conn := dialWS(t, env.wsURL)
	defer conn.Close()
	writeFrame(t, conn, map[string]string{"token": "nope", "sessionId": "s1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Error string `json:"error"`
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reject: %v", err)
	}
	if reply.Error != auth.MsgTokenInvalid {
		t.Fatalf("reject message = %q, want %q", reply.Error, auth.MsgTokenInvalid)
	}
	expectClosed(t, conn)
}

func TestJoinRoomDeliversStateAndSystemMessage(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()

	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r1"})

	var joined struct {
		RoomID       string              `json:"roomId"`
		Participants []types.Participant `json:"participants"`
		Messages     []types.Message     `json:"messages"`
		HasMore      bool                `json:"hasMore"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "joinRoomSuccess"), &joined); err != nil {
		t.Fatalf("decode joinRoomSuccess: %v", err)
	}
	if joined.RoomID != "r1" || len(joined.Participants) != 2 {
		t.Fatalf("joinRoomSuccess = %+v", joined)
	}

	var sys types.Message
	readEventWithin(t, conn, "message", 4*time.Second, func(data json.RawMessage) bool {
		return json.Unmarshal(data, &sys) == nil && sys.Type == types.MessageSystem
	})
	if sys.Content != "Kim님이 입장하였습니다." {
		t.Fatalf("system message = %q", sys.Content)
	}
	readEvent(t, conn, "participantsUpdate")

	// Joining again short-circuits: success reply, no second system message.
	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, conn, "joinRoomSuccess")
	if got := env.messages.systemMessages(); len(got) != 1 {
		t.Fatalf("system messages = %v, want exactly one", got)
	}
	if env.hub.RoomOccupancy("r1") != 1 {
		t.Fatalf("occupancy = %d, want 1", env.hub.RoomOccupancy("r1"))
	}
}

func TestJoinRoomUnknownRoom(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()

	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r404"})

	var failure struct {
		RoomID  string `json:"roomId"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "joinRoomError"), &failure); err != nil {
		t.Fatalf("decode joinRoomError: %v", err)
	}
	if failure.Message != "채팅방을 찾을 수 없습니다." {
		t.Fatalf("joinRoomError message = %q", failure.Message)
	}
}

func TestChatMessageBroadcastsToRoom(t *testing.T) {
	env := newTestEnv(t)

	kim := connect(t, env.wsURL, "tok-kim", "s1")
	defer kim.Close()
	lee := connect(t, env.wsURL, "tok-lee", "s2")
	defer lee.Close()

	sendEvent(t, kim, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, kim, "joinRoomSuccess")
	sendEvent(t, lee, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, lee, "joinRoomSuccess")

	sendEvent(t, kim, "chatMessage", map[string]any{
		"room":    "r1",
		"type":    "text",
		"content": "hello there",
	})

	for _, conn := range []*websocket.Conn{kim, lee} {
		var msg types.Message
		readEventWithin(t, conn, "message", 4*time.Second, func(data json.RawMessage) bool {
			return json.Unmarshal(data, &msg) == nil && msg.Content == "hello there"
		})
		if msg.Sender == nil || msg.Sender.ID != "u1" {
			t.Fatalf("message sender = %+v", msg.Sender)
		}
		if msg.Type != types.MessageText {
			t.Fatalf("message type = %q", msg.Type)
		}
	}
}

func TestChatMessageOutsideRoomFails(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()

	sendEvent(t, conn, "chatMessage", map[string]any{
		"room":    "r1",
		"type":    "text",
		"content": "hello",
	})

	var failure struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "error"), &failure); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if failure.Message != "채팅방에 참여하지 않았습니다." {
		t.Fatalf("error message = %q", failure.Message)
	}
}

func TestChatMessageRevokedSessionEndsSession(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()

	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, conn, "joinRoomSuccess")

	env.sessions.fail(auth.ErrSessionInvalid)
	sendEvent(t, conn, "chatMessage", map[string]any{
		"room":    "r1",
		"type":    "text",
		"content": "hello",
	})

	var ended struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "session_ended"), &ended); err != nil {
		t.Fatalf("decode session_ended: %v", err)
	}
	if ended.Reason != "session_expired" {
		t.Fatalf("reason = %q", ended.Reason)
	}
	expectClosed(t, conn)
}

func TestDuplicateLoginRetiresOldSession(t *testing.T) {
	env := newTestEnv(t)

	first := connect(t, env.wsURL, "tok-kim", "s1")
	defer first.Close()
	sendEvent(t, first, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, first, "joinRoomSuccess")

	second := connect(t, env.wsURL, "tok-kim", "s2")
	defer second.Close()

	readEvent(t, first, "duplicate_login")
	var ended struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(readEvent(t, first, "session_ended"), &ended); err != nil {
		t.Fatalf("decode session_ended: %v", err)
	}
	if ended.Reason != reasonDuplicate {
		t.Fatalf("reason = %q", ended.Reason)
	}
	expectClosed(t, first)

	// The replacement session is fully usable.
	sendEvent(t, second, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, second, "joinRoomSuccess")
	if n := env.hub.ActiveSessions(); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}
}

func TestFetchPreviousEmitsLoadLifecycle(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()
	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, conn, "joinRoomSuccess")

	env.messages.setHistory([]types.Message{
		{ID: "m-old-1", Room: "r1", Type: types.MessageText, Content: "first"},
		{ID: "m-old-2", Room: "r1", Type: types.MessageText, Content: "second"},
	})
	sendEvent(t, conn, "fetchPreviousMessages", map[string]any{"roomId": "r1"})

	readEvent(t, conn, "messageLoadStart")
	var page struct {
		RoomID   string          `json:"roomId"`
		Messages []types.Message `json:"messages"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "previousMessagesLoaded"), &page); err != nil {
		t.Fatalf("decode previousMessagesLoaded: %v", err)
	}
	if page.RoomID != "r1" || len(page.Messages) != 2 {
		t.Fatalf("previousMessagesLoaded = %+v", page)
	}
}

func TestFetchPreviousRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()
	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, conn, "joinRoomSuccess")

	env.messages.setHistory([]types.Message{
		{ID: "m-old-1", Room: "r1", Type: types.MessageText, Content: "recovered"},
	})
	env.messages.setHistoryFails(1)
	sendEvent(t, conn, "fetchPreviousMessages", map[string]any{"roomId": "r1"})

	readEvent(t, conn, "messageLoadStart")
	// First attempt fails, the retry lands after the 2 s backoff.
	var page struct {
		Messages []types.Message `json:"messages"`
	}
	if err := json.Unmarshal(readEventWithin(t, conn, "previousMessagesLoaded", 6*time.Second, nil), &page); err != nil {
		t.Fatalf("decode previousMessagesLoaded: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("messages = %+v", page.Messages)
	}
	if n := env.hub.loads.failureCount(loadKey("r1", "u1")); n != 0 {
		t.Fatalf("failure count after success = %d, want 0", n)
	}
}

func TestReactionRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()
	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, conn, "joinRoomSuccess")

	env.messages.seed(&types.Message{ID: "m100", Room: "r1", Type: types.MessageText, Content: "react to me"})
	sendEvent(t, conn, "messageReaction", map[string]string{
		"messageId": "m100",
		"reaction":  "👍",
		"type":      "add",
	})

	var update struct {
		MessageID string              `json:"messageId"`
		Reactions map[string][]string `json:"reactions"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "messageReactionUpdate"), &update); err != nil {
		t.Fatalf("decode messageReactionUpdate: %v", err)
	}
	if update.MessageID != "m100" || len(update.Reactions["👍"]) != 1 || update.Reactions["👍"][0] != "u1" {
		t.Fatalf("messageReactionUpdate = %+v", update)
	}
}

func TestForceLoginEndsOwnSession(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()

	sendEvent(t, conn, "force_login", map[string]string{"token": "tok-kim"})
	var ended struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "session_ended"), &ended); err != nil {
		t.Fatalf("decode session_ended: %v", err)
	}
	if ended.Reason != "force_logout" {
		t.Fatalf("reason = %q", ended.Reason)
	}
	expectClosed(t, conn)
}

func TestAIMentionStreamsToRoom(t *testing.T) {
	env := newTestEnv(t)

	conn := connect(t, env.wsURL, "tok-kim", "s1")
	defer conn.Close()
	sendEvent(t, conn, "joinRoom", map[string]string{"roomId": "r1"})
	readEvent(t, conn, "joinRoomSuccess")

	sendEvent(t, conn, "chatMessage", map[string]any{
		"room":    "r1",
		"type":    "text",
		"content": "@wayneAI explain channels",
	})

	var start struct {
		MessageID string `json:"messageId"`
		AIType    string `json:"aiType"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "aiMessageStart"), &start); err != nil {
		t.Fatalf("decode aiMessageStart: %v", err)
	}
	if start.AIType != ai.WayneAI || start.MessageID == "" {
		t.Fatalf("aiMessageStart = %+v", start)
	}

	readEvent(t, conn, "aiMessageChunk")

	var complete struct {
		MessageID  string `json:"messageId"`
		DocID      string `json:"_id"`
		Content    string `json:"content"`
		IsComplete bool   `json:"isComplete"`
		Query      string `json:"query"`
	}
	if err := json.Unmarshal(readEvent(t, conn, "aiMessageComplete"), &complete); err != nil {
		t.Fatalf("decode aiMessageComplete: %v", err)
	}
	if complete.MessageID != start.MessageID || complete.DocID == "" || !complete.IsComplete {
		t.Fatalf("aiMessageComplete = %+v", complete)
	}
	if complete.Query != "explain channels" {
		t.Fatalf("query = %q", complete.Query)
	}
	if complete.Content == "" {
		t.Fatal("empty final content")
	}
	if env.hub.streams.count() != 0 {
		t.Fatalf("streams left = %d", env.hub.streams.count())
	}
}

func TestDrainRejectsNewConnections(t *testing.T) {
	env := newTestEnv(t)

	env.hub.DrainSessions(reasonShutdown)
	if _, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil); err == nil {
		t.Fatal("dial succeeded against a draining hub")
	}
}
