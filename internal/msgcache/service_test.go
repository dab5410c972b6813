package msgcache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// fakeIndexStore gives the fallback store slice-backed streams plus a
// message-aware Search so the hot history path is exercisable.
type fakeIndexStore struct {
	*hottier.FallbackStore

	mu      sync.Mutex
	keys    []string
	streams map[string][]hottier.StreamEntry
	seq     int
}

func newFakeIndexStore() *fakeIndexStore {
	return &fakeIndexStore{
		FallbackStore: hottier.NewFallback(),
		streams:       make(map[string][]hottier.StreamEntry),
	}
}

func (s *fakeIndexStore) JSONSet(ctx context.Context, key, path string, v any) error {
	s.mu.Lock()
	seen := false
	for _, k := range s.keys {
		if k == key {
			seen = true
			break
		}
	}
	if !seen {
		s.keys = append(s.keys, key)
	}
	s.mu.Unlock()
	return s.FallbackStore.JSONSet(ctx, key, path, v)
}

var (
	roomQueryRe   = regexp.MustCompile(`@room:\{(\w+)\}`)
	beforeQueryRe = regexp.MustCompile(`\((\d+)\]`)
)

func (s *fakeIndexStore) Search(ctx context.Context, index, query string, opts hottier.SearchOptions) (hottier.SearchResult, error) {
	roomMatch := roomQueryRe.FindStringSubmatch(query)
	var before int64
	if m := beforeQueryRe.FindStringSubmatch(query); m != nil {
		before, _ = strconv.ParseInt(m[1], 10, 64)
	}

	s.mu.Lock()
	keys := append([]string(nil), s.keys...)
	s.mu.Unlock()

	var msgs []types.Message
	for _, key := range keys {
		if !strings.HasPrefix(key, KeyPrefix) {
			continue
		}
		raw, err := s.FallbackStore.JSONGet(ctx, key, "$")
		if err != nil {
			continue
		}
		var m types.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if roomMatch != nil && m.Room != roomMatch[1] {
			continue
		}
		if m.IsDeleted {
			continue
		}
		if before > 0 && int64(m.Timestamp) >= before {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp > msgs[j].Timestamp })

	res := hottier.SearchResult{Total: int64(len(msgs))}
	limit := len(msgs)
	if opts.Limit > 0 && int(opts.Limit) < limit {
		limit = int(opts.Limit)
	}
	for _, m := range msgs[:limit] {
		raw, _ := json.Marshal(m)
		res.Docs = append(res.Docs, hottier.SearchDoc{Key: Key(m.ID), Fields: map[string]string{"$": string(raw)}})
	}
	return res, nil
}

func (s *fakeIndexStore) StreamAppend(ctx context.Context, stream string, fields map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = fmt.Sprint(v)
	}
	s.streams[stream] = append(s.streams[stream], hottier.StreamEntry{ID: id, Fields: strFields})
	return id, nil
}

func (s *fakeIndexStore) GroupCreate(ctx context.Context, stream, group string) error {
	return nil
}

func (s *fakeIndexStore) streamOps(stream string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []string
	for _, e := range s.streams[stream] {
		ops = append(ops, e.Fields["operation"])
	}
	return ops
}

// fakeMessageDB is an in-memory durable.MessageStore for read paths.
type fakeMessageDB struct {
	mu   sync.Mutex
	msgs map[string]*types.Message
}

func newFakeMessageDB() *fakeMessageDB {
	return &fakeMessageDB{msgs: make(map[string]*types.Message)}
}

func (f *fakeMessageDB) put(m types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[m.ID] = &m
}

func (f *fakeMessageDB) UpsertMessage(ctx context.Context, m *types.Message) error {
	f.put(*m)
	return nil
}

func (f *fakeMessageDB) UpdateMessageFields(ctx context.Context, id string, fields map[string]any) error {
	return nil
}

func (f *fakeMessageDB) AddReader(ctx context.Context, id, userID string, readAt types.TimeMS) error {
	return nil
}

func (f *fakeMessageDB) AddReaction(ctx context.Context, id, emoji, userID string) error {
	return nil
}

func (f *fakeMessageDB) RemoveReaction(ctx context.Context, id, emoji, userID string) error {
	return nil
}

func (f *fakeMessageDB) SoftDeleteMessage(ctx context.Context, id string, deletedAt types.TimeMS) error {
	return nil
}

func (f *fakeMessageDB) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessageDB) MessagesByRoom(ctx context.Context, roomID string, before types.TimeMS, limit int) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Message
	for _, m := range f.msgs {
		if m.Room != roomID || m.IsDeleted {
			continue
		}
		if before > 0 && m.Timestamp >= before {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageDB) MessageByFilename(ctx context.Context, filename string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.File != nil && m.File.Filename == filename {
			cp := *m
			return &cp, nil
		}
	}
	return nil, durable.ErrNotFound
}

func (f *fakeMessageDB) ActiveRoomIDs(ctx context.Context, since time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, m := range f.msgs {
		if !seen[m.Room] {
			seen[m.Room] = true
			ids = append(ids, m.Room)
		}
	}
	return ids, nil
}

type recordingBroadcaster struct {
	mu  sync.Mutex
	ops []types.SyncOp
}

func (r *recordingBroadcaster) BroadcastMessageSync(ctx context.Context, op types.SyncOp, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func newService(t *testing.T) (*Service, *fakeIndexStore, *fakeMessageDB, *lock.Service) {
	t.Helper()
	store := newFakeIndexStore()
	t.Cleanup(func() { store.Close() })
	db := newFakeMessageDB()
	locks := lock.NewService(store, zerolog.Nop(), "inst-a")
	queue := syncqueue.New(store, zerolog.Nop())
	svc := New(store, db, locks, queue, zerolog.Nop(), "inst-a")
	return svc, store, db, locks
}

func TestCreateMessageFlow(t *testing.T) {
	svc, store, _, locks := newService(t)
	bcast := &recordingBroadcaster{}
	svc.SetBroadcaster(bcast)
	ctx := context.Background()

	msg, err := svc.CreateMessage(ctx, CreateInput{
		RoomID:  "r1",
		Sender:  &types.Sender{ID: "u1", Name: "one"},
		Type:    types.MessageText,
		Content: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.ID) != 24 {
		t.Errorf("message id = %q, want 24-hex", msg.ID)
	}
	if msg.Timestamp == 0 || msg.Readers == nil || msg.Reactions == nil {
		t.Errorf("message not fully initialized: %+v", msg)
	}
	if msg.InstanceID != "inst-a" {
		t.Errorf("instanceId = %q", msg.InstanceID)
	}

	raw, err := store.JSONGet(ctx, Key(msg.ID), "$")
	if err != nil {
		t.Fatal("message missing from hot tier")
	}
	if !strings.Contains(raw, `"readers":[]`) {
		t.Errorf("hot doc must serialize empty readers as []: %s", raw)
	}

	if ops := store.streamOps(syncqueue.StreamPrimary); len(ops) != 1 || ops[0] != "CREATE_MESSAGE" {
		t.Errorf("stream ops = %v", ops)
	}
	if len(bcast.ops) != 1 || bcast.ops[0] != types.OpCreateMessage {
		t.Errorf("broadcast ops = %v", bcast.ops)
	}
	if locks.ActiveCount() != 0 {
		t.Error("create lock must be released")
	}
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	msg, err := svc.CreateMessage(ctx, CreateInput{RoomID: "r1", Content: "hi", Sender: &types.Sender{ID: "u1"}})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := svc.MarkAsRead(ctx, []string{msg.ID, "missing"}, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 1 || updated[0] != msg.ID {
		t.Fatalf("updated = %v", updated)
	}

	updated, err = svc.MarkAsRead(ctx, []string{msg.ID}, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 0 {
		t.Fatalf("second mark must be a no-op, got %v", updated)
	}

	m, err := svc.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Readers) != 1 || m.Readers[0].UserID != "u2" {
		t.Errorf("readers = %+v", m.Readers)
	}
	ops := store.streamOps(syncqueue.StreamPrimary)
	if len(ops) != 2 || ops[1] != "MARK_AS_READ" {
		t.Errorf("stream ops = %v", ops)
	}
}

func TestReactionsAreSets(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	msg, err := svc.CreateMessage(ctx, CreateInput{RoomID: "r1", Content: "hi", Sender: &types.Sender{ID: "u1"}})
	if err != nil {
		t.Fatal(err)
	}

	users, err := svc.AddReaction(ctx, msg.ID, "👍", "u1")
	if err != nil || len(users) != 1 {
		t.Fatalf("add: users=%v err=%v", users, err)
	}
	users, err = svc.AddReaction(ctx, msg.ID, "👍", "u1")
	if err != nil || len(users) != 1 {
		t.Fatalf("re-add must not duplicate: users=%v err=%v", users, err)
	}
	users, err = svc.AddReaction(ctx, msg.ID, "👍", "u2")
	if err != nil || len(users) != 2 {
		t.Fatalf("second user: users=%v err=%v", users, err)
	}

	users, err = svc.RemoveReaction(ctx, msg.ID, "👍", "u1")
	if err != nil || len(users) != 1 || users[0] != "u2" {
		t.Fatalf("remove: users=%v err=%v", users, err)
	}
	users, err = svc.RemoveReaction(ctx, msg.ID, "👍", "u2")
	if err != nil || len(users) != 0 {
		t.Fatalf("final remove: users=%v err=%v", users, err)
	}

	m, err := svc.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Reactions["👍"]; ok {
		t.Error("empty reaction key must be dropped")
	}
}

func TestHistoryHotPath(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := svc.CreateMessage(ctx, CreateInput{RoomID: "r1", Content: fmt.Sprintf("m%d", i), Sender: &types.Sender{ID: "u1"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
		time.Sleep(2 * time.Millisecond) // distinct timestamps
	}
	if _, err := svc.CreateMessage(ctx, CreateInput{RoomID: "other", Content: "noise", Sender: &types.Sender{ID: "u1"}}); err != nil {
		t.Fatal(err)
	}

	page, err := svc.GetMessagesByRoom(ctx, HistoryQuery{RoomID: "r1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Source != SourceHot {
		t.Errorf("source = %q", page.Source)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("messages=%d hasMore=%v", len(page.Messages), page.HasMore)
	}
	// Ascending within the page, newest page overall.
	if page.Messages[0].Content != "m3" || page.Messages[1].Content != "m4" {
		t.Errorf("page = %q,%q", page.Messages[0].Content, page.Messages[1].Content)
	}
	if page.OldestTimestamp == nil || *page.OldestTimestamp != page.Messages[0].Timestamp {
		t.Error("oldestTimestamp must point at the first message of the page")
	}

	// Next (older) page via the cursor.
	older, err := svc.GetMessagesByRoom(ctx, HistoryQuery{RoomID: "r1", Before: *page.OldestTimestamp, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if older.Messages[len(older.Messages)-1].Content != "m2" {
		t.Errorf("older page ends with %q, want m2", older.Messages[len(older.Messages)-1].Content)
	}
}

func TestHistoryFallsBackToDurableAndRecaches(t *testing.T) {
	store := hottier.NewFallback() // no search support
	defer store.Close()
	db := newFakeMessageDB()
	base := types.NowMS()
	for i := 0; i < 3; i++ {
		db.put(types.Message{ID: fmt.Sprintf("m%d", i), Room: "r1", Type: types.MessageText, Content: fmt.Sprintf("m%d", i), Timestamp: base + types.TimeMS(i)})
	}
	locks := lock.NewService(store, zerolog.Nop(), "inst-a")
	queue := syncqueue.New(store, zerolog.Nop())
	svc := New(store, db, locks, queue, zerolog.Nop(), "inst-a")
	ctx := context.Background()

	page, err := svc.GetMessagesByRoom(ctx, HistoryQuery{RoomID: "r1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Source != SourceDurable {
		t.Errorf("source = %q", page.Source)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("messages=%d hasMore=%v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].Content != "m1" || page.Messages[1].Content != "m2" {
		t.Errorf("page = %q,%q", page.Messages[0].Content, page.Messages[1].Content)
	}

	// The fallback read re-cached what it served.
	if _, err := store.JSONGet(ctx, Key("m2"), "$"); err != nil {
		t.Error("durable hit was not re-cached")
	}
}

func TestHistoryLimitZeroReturnsEmpty(t *testing.T) {
	svc, _, _, _ := newService(t)
	page, err := svc.GetMessagesByRoom(context.Background(), HistoryQuery{RoomID: "r1", Limit: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 0 || page.HasMore || page.OldestTimestamp != nil {
		t.Errorf("page = %+v", page)
	}
}

func TestApplyRemoteNeverOverwrites(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	local, err := svc.CreateMessage(ctx, CreateInput{RoomID: "r1", Content: "local", Sender: &types.Sender{ID: "u1"}})
	if err != nil {
		t.Fatal(err)
	}

	remote := types.Message{ID: local.ID, Room: "r1", Type: types.MessageText, Content: "remote", InstanceID: "inst-b"}
	raw, _ := json.Marshal(remote)
	if err := svc.ApplyRemote(ctx, types.OpCreateMessage, raw); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.GetMessage(ctx, local.ID)
	if got.Content != "local" {
		t.Errorf("remote create overwrote local copy: %q", got.Content)
	}

	fresh := types.Message{ID: "bbbbbbbbbbbbbbbbbbbbbbbb", Room: "r1", Type: types.MessageText, Content: "remote-new", InstanceID: "inst-b"}
	raw, _ = json.Marshal(fresh)
	if err := svc.ApplyRemote(ctx, types.OpCreateMessage, raw); err != nil {
		t.Fatal(err)
	}
	if _, err := store.JSONGet(ctx, Key(fresh.ID), "$"); err != nil {
		t.Error("remote create for a new id must be cached")
	}

	// Non-create operations are not applied from the bus.
	if err := svc.ApplyRemote(ctx, types.OpUpdateMessage, json.RawMessage(`{}`)); err != nil {
		t.Errorf("non-create ops must be ignored, got %v", err)
	}
}

func TestWarmCacheForRoom(t *testing.T) {
	store := hottier.NewFallback()
	defer store.Close()
	db := newFakeMessageDB()
	base := types.NowMS()
	for i := 0; i < 3; i++ {
		db.put(types.Message{ID: fmt.Sprintf("m%d", i), Room: "r1", Timestamp: base + types.TimeMS(i)})
	}
	locks := lock.NewService(store, zerolog.Nop(), "inst-a")
	queue := syncqueue.New(store, zerolog.Nop())
	svc := New(store, db, locks, queue, zerolog.Nop(), "inst-a")
	ctx := context.Background()

	cached, err := svc.WarmCacheForRoom(ctx, "r1", 10)
	if err != nil || cached != 3 {
		t.Fatalf("cached=%d err=%v", cached, err)
	}
	rooms, msgs, err := svc.WarmAllActiveRooms(ctx)
	if err != nil || rooms != 1 || msgs != 3 {
		t.Fatalf("rooms=%d msgs=%d err=%v", rooms, msgs, err)
	}
}
