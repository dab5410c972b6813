// Package msgcache serves message documents hot-first: creates and
// mutations land in the hot tier synchronously, get a sync-queue event for
// the durable tier, and are broadcast to peer instances. History reads hit
// the hot-tier index and fall back to the durable tier, re-caching what
// they find.
package msgcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	// KeyPrefix namespaces message documents in the hot tier.
	KeyPrefix = "message:"
	// IndexName is the secondary index over message documents.
	IndexName = "idx_chat_messages"

	// MessageTTL bounds the hot tier to roughly a day of history. Rooms
	// have no TTL; messages age out and are re-cached on demand.
	MessageTTL = 24 * time.Hour

	DefaultLimit = 30
	MaxLimit     = 100

	// Create serializes per room so timestamps are monotonic within a
	// room on this instance.
	createLockPrefix  = "room_message_create:"
	createLockTTL     = 5 * time.Second
	createLockRetries = 30
)

// ErrLockNotAcquired reports that another writer held the room's create
// lock for the whole retry window.
// The text is load-bearing: callers and clients match on it.
var ErrLockNotAcquired = errors.New("Failed to acquire distributed lock")

// Cache source labels.
const (
	SourceHot     = "redis"
	SourceDurable = "mongodb"
)

// Key returns the hot-tier key for a message id.
func Key(messageID string) string {
	return KeyPrefix + messageID
}

// Broadcaster publishes message mutations to peer instances. Wired after
// the cross-instance bus is constructed; nil means single-instance mode.
type Broadcaster interface {
	BroadcastMessageSync(ctx context.Context, op types.SyncOp, payload any) error
}

// Service is the message cache layer.
type Service struct {
	store      hottier.Store
	db         durable.MessageStore
	locks      *lock.Service
	queue      *syncqueue.Queue
	logger     zerolog.Logger
	instanceID string

	mu    sync.RWMutex
	bcast Broadcaster
}

func New(store hottier.Store, db durable.MessageStore, locks *lock.Service, queue *syncqueue.Queue, logger zerolog.Logger, instanceID string) *Service {
	return &Service{
		store:      store,
		db:         db,
		locks:      locks,
		queue:      queue,
		logger:     logger.With().Str("component", "message-cache").Logger(),
		instanceID: instanceID,
	}
}

// SetBroadcaster binds the cross-instance bus once it exists.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	s.bcast = b
	s.mu.Unlock()
}

func (s *Service) broadcaster() Broadcaster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bcast
}

// EnsureIndex creates the message index. Existing indexes are left alone.
func (s *Service) EnsureIndex(ctx context.Context) error {
	def := hottier.IndexDefinition{
		Prefix: KeyPrefix,
		Fields: []hottier.Field{
			{JSONPath: "$._id", As: "id", Type: hottier.FieldTag},
			{JSONPath: "$.room", As: "room", Type: hottier.FieldTag},
			{JSONPath: "$.type", As: "type", Type: hottier.FieldTag},
			{JSONPath: "$.content", As: "content", Type: hottier.FieldText},
			{JSONPath: "$.sender._id", As: "senderId", Type: hottier.FieldTag},
			{JSONPath: "$.sender.name", As: "senderName", Type: hottier.FieldText},
			{JSONPath: "$.timestamp", As: "timestamp", Type: hottier.FieldNumeric, Sortable: true},
			{JSONPath: "$.isDeleted", As: "isDeleted", Type: hottier.FieldTag},
			{JSONPath: "$.aiType", As: "aiType", Type: hottier.FieldTag},
			{JSONPath: "$.readers[*].userId", As: "readerIds", Type: hottier.FieldTag},
		},
	}
	if err := s.store.IndexCreate(ctx, IndexName, def); err != nil {
		if hottier.IsUnsupported(err) {
			s.logger.Warn().Msg("Hot tier has no index support, history reads will use the durable tier")
			return nil
		}
		return fmt.Errorf("msgcache: create index: %w", err)
	}
	return nil
}

// HistoryQuery asks for one page of room history, newest page first.
// A non-zero Before bounds the page to strictly older timestamps.
type HistoryQuery struct {
	RoomID string
	Before types.TimeMS
	Limit  int
}

// HistoryPage is one page of history in ascending timestamp order.
// OldestTimestamp is the cursor for the next (older) page, nil when the
// page is empty.
type HistoryPage struct {
	Messages        []types.Message `json:"messages"`
	HasMore         bool            `json:"hasMore"`
	OldestTimestamp *types.TimeMS   `json:"oldestTimestamp"`
	Source          string          `json:"-"`
}

// GetMessagesByRoom serves a history page from the hot-tier index, falling
// back to the durable tier on error or a cold cache. Durable hits are
// re-cached for the next reader.
func (s *Service) GetMessagesByRoom(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	if q.RoomID == "" {
		return nil, errors.New("msgcache: room id required")
	}
	if q.Limit <= 0 {
		return &HistoryPage{Messages: []types.Message{}}, nil
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	page, err := s.historyHot(ctx, q)
	if err == nil && len(page.Messages) > 0 {
		monitoring.RecordCacheRead("message", SourceHot)
		return page, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", q.RoomID).
			Msg("Hot-tier history read failed, using durable tier")
	}

	page, err = s.historyDurable(ctx, q)
	if err != nil {
		return nil, err
	}
	monitoring.RecordCacheRead("message", SourceDurable)
	return page, nil
}

func (s *Service) historyHot(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	query := fmt.Sprintf("@room:{%s} @isDeleted:{false}", q.RoomID)
	if q.Before > 0 {
		// Exclusive upper bound: the cursor message itself is not repeated.
		query += fmt.Sprintf(" @timestamp:[0 (%d]", q.Before)
	}
	res, err := s.store.Search(ctx, IndexName, query, hottier.SearchOptions{
		SortBy:   "timestamp",
		SortDesc: true,
		Limit:    int64(q.Limit),
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]types.Message, 0, len(res.Docs))
	for _, doc := range res.Docs {
		m, err := s.docMessage(ctx, doc)
		if err != nil {
			continue
		}
		msgs = append(msgs, *m)
	}
	hasMore := len(res.Docs) >= q.Limit
	reverse(msgs)
	return &HistoryPage{
		Messages:        msgs,
		HasMore:         hasMore,
		OldestTimestamp: oldestOf(msgs),
		Source:          SourceHot,
	}, nil
}

func (s *Service) historyDurable(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	msgs, err := s.db.MessagesByRoom(ctx, q.RoomID, q.Before, q.Limit+1)
	if err != nil {
		return nil, fmt.Errorf("msgcache: history for %s: %w", q.RoomID, err)
	}
	hasMore := len(msgs) > q.Limit
	if hasMore {
		msgs = msgs[:q.Limit]
	}
	for i := range msgs {
		s.cacheMessage(ctx, &msgs[i])
	}
	reverse(msgs)
	return &HistoryPage{
		Messages:        msgs,
		HasMore:         hasMore,
		OldestTimestamp: oldestOf(msgs),
		Source:          SourceDurable,
	}, nil
}

// CreateInput describes a message to create. Sender is nil for system
// messages.
type CreateInput struct {
	RoomID   string
	Sender   *types.Sender
	Type     types.MessageType
	Content  string
	File     *types.FileDescriptor
	AIType   string
	Mentions []string
	Metadata map[string]any
}

// CreateMessage writes the message hot-first under the room's create lock,
// queues the durable write-back and broadcasts to peers. The lock bounds
// concurrent creates so timestamps stay monotonic per room on this
// instance.
func (s *Service) CreateMessage(ctx context.Context, in CreateInput) (*types.Message, error) {
	if in.RoomID == "" {
		return nil, errors.New("msgcache: room id required")
	}
	msgType := in.Type
	if msgType == "" {
		msgType = types.MessageText
	}

	resource := createLockPrefix + in.RoomID
	ok, err := s.locks.Acquire(ctx, resource, createLockTTL, createLockRetries)
	if err != nil {
		return nil, fmt.Errorf("msgcache: acquire create lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	// Release with a fresh context so shutdown or client cancellation
	// cannot leak the lock until its TTL.
	defer s.locks.Release(context.Background(), resource)

	msg := &types.Message{
		ID:         primitive.NewObjectID().Hex(),
		Room:       in.RoomID,
		Sender:     in.Sender,
		Type:       msgType,
		Content:    in.Content,
		File:       in.File,
		AIType:     in.AIType,
		Mentions:   in.Mentions,
		Timestamp:  types.NowMS(),
		Readers:    []types.Reader{},
		Reactions:  map[string][]string{},
		Metadata:   in.Metadata,
		InstanceID: s.instanceID,
	}

	if err := s.store.JSONSet(ctx, Key(msg.ID), "$", msg); err != nil {
		return nil, fmt.Errorf("msgcache: cache write: %w", err)
	}
	s.expireMessage(ctx, msg.ID)

	if _, err := s.queue.Enqueue(ctx, types.OpCreateMessage, msg); err != nil {
		// The hot tier has the message; the durable tier will not,
		// until a warm-cache or manual replay. Loud on purpose.
		s.logger.Error().Err(err).Str("message_id", msg.ID).
			Msg("Write-back enqueue failed, durable tier will miss this message")
	}
	s.broadcast(ctx, types.OpCreateMessage, msg)
	monitoring.RecordMessageCreated(string(msgType))
	return msg, nil
}

// MarkAsRead appends a read receipt for each message the user has not read
// yet and returns the ids actually updated. Missing and deleted messages
// are skipped, not errors.
func (s *Service) MarkAsRead(ctx context.Context, messageIDs []string, userID string) ([]string, error) {
	updated := make([]string, 0, len(messageIDs))
	now := types.NowMS()
	for _, id := range messageIDs {
		m, err := s.GetMessage(ctx, id)
		if err != nil {
			continue
		}
		if m.IsDeleted || m.HasReader(userID) {
			continue
		}
		m.Readers = append(m.Readers, types.Reader{UserID: userID, ReadAt: now})
		if err := s.store.JSONSet(ctx, Key(id), "$.readers", m.Readers); err != nil {
			s.logger.Warn().Err(err).Str("message_id", id).Msg("Reader update failed")
			continue
		}
		payload := types.MarkAsReadPayload{MessageID: id, UserID: userID, ReadAt: now}
		if _, err := s.queue.Enqueue(ctx, types.OpMarkAsRead, payload); err != nil {
			s.logger.Error().Err(err).Str("message_id", id).Msg("Write-back enqueue failed for read receipt")
		}
		updated = append(updated, id)
	}
	return updated, nil
}

// AddReaction adds the user to the emoji's user set and returns the
// resulting set. Adding twice is a no-op.
func (s *Service) AddReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error) {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	users := m.Reactions[emoji]
	for _, u := range users {
		if u == userID {
			return users, nil
		}
	}
	m.Reactions[emoji] = append(users, userID)
	if err := s.store.JSONSet(ctx, Key(messageID), "$.reactions", m.Reactions); err != nil {
		return nil, fmt.Errorf("msgcache: reaction update: %w", err)
	}
	payload := types.ReactionPayload{MessageID: messageID, Emoji: emoji, UserID: userID}
	if _, err := s.queue.Enqueue(ctx, types.OpAddReaction, payload); err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID).Msg("Write-back enqueue failed for reaction")
	}
	return m.Reactions[emoji], nil
}

// RemoveReaction removes the user from the emoji's user set, dropping the
// emoji key once empty, and returns the resulting set.
func (s *Service) RemoveReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error) {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	users := m.Reactions[emoji]
	found := false
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return users, nil
	}
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = users
	}
	if err := s.store.JSONSet(ctx, Key(messageID), "$.reactions", m.Reactions); err != nil {
		return nil, fmt.Errorf("msgcache: reaction update: %w", err)
	}
	payload := types.ReactionPayload{MessageID: messageID, Emoji: emoji, UserID: userID}
	if _, err := s.queue.Enqueue(ctx, types.OpRemoveReaction, payload); err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID).Msg("Write-back enqueue failed for reaction")
	}
	return users, nil
}

// GetMessage reads through the cache by id.
func (s *Service) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	raw, err := s.store.JSONGet(ctx, Key(messageID), "$")
	if err == nil {
		var m types.Message
		if uerr := json.Unmarshal([]byte(raw), &m); uerr == nil {
			return &m, nil
		}
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.cacheMessage(ctx, m)
	return m, nil
}

// ApplyRemote applies a peer instance's broadcast to the local cache. Only
// creates are applied, and never over an existing id: the peer's write-back
// owns the durable copy, this instance just warms its own cache.
func (s *Service) ApplyRemote(ctx context.Context, op types.SyncOp, data json.RawMessage) error {
	if op != types.OpCreateMessage {
		return nil
	}
	var m types.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("msgcache: decode remote message: %w", err)
	}
	if m.ID == "" {
		return errors.New("msgcache: remote message without id")
	}
	exists, err := s.store.Exists(ctx, Key(m.ID))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	s.cacheMessage(ctx, &m)
	return nil
}

// WarmCacheForRoom loads the newest messages of a room into the hot tier.
func (s *Service) WarmCacheForRoom(ctx context.Context, roomID string, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	msgs, err := s.db.MessagesByRoom(ctx, roomID, 0, limit)
	if err != nil {
		return 0, fmt.Errorf("msgcache: warm %s: %w", roomID, err)
	}
	cached := 0
	for i := range msgs {
		if s.cacheMessage(ctx, &msgs[i]) {
			cached++
		}
	}
	return cached, nil
}

// WarmAllActiveRooms warms every room with traffic inside the hot-tier
// retention window. Runs at startup.
func (s *Service) WarmAllActiveRooms(ctx context.Context) (int, int, error) {
	roomIDs, err := s.db.ActiveRoomIDs(ctx, time.Now().Add(-MessageTTL))
	if err != nil {
		return 0, 0, fmt.Errorf("msgcache: active rooms: %w", err)
	}
	total := 0
	for _, roomID := range roomIDs {
		n, err := s.WarmCacheForRoom(ctx, roomID, DefaultLimit)
		if err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("Warm cache failed for room")
			continue
		}
		total += n
	}
	s.logger.Info().Int("rooms", len(roomIDs)).Int("messages", total).Msg("Message cache warmed")
	return len(roomIDs), total, nil
}

func (s *Service) broadcast(ctx context.Context, op types.SyncOp, payload any) {
	b := s.broadcaster()
	if b == nil {
		return
	}
	if err := b.BroadcastMessageSync(ctx, op, payload); err != nil {
		s.logger.Warn().Err(err).Str("operation", string(op)).Msg("Cross-instance broadcast failed")
	}
}

func (s *Service) cacheMessage(ctx context.Context, m *types.Message) bool {
	if err := s.store.JSONSet(ctx, Key(m.ID), "$", m); err != nil {
		s.logger.Warn().Err(err).Str("message_id", m.ID).Msg("Message cache write failed")
		return false
	}
	s.expireMessage(ctx, m.ID)
	return true
}

func (s *Service) expireMessage(ctx context.Context, messageID string) {
	if _, err := s.store.Expire(ctx, Key(messageID), MessageTTL); err != nil {
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("Message TTL set failed")
	}
}

func (s *Service) docMessage(ctx context.Context, doc hottier.SearchDoc) (*types.Message, error) {
	raw, ok := doc.Fields["$"]
	if !ok {
		var err error
		raw, err = s.store.JSONGet(ctx, doc.Key, "$")
		if err != nil {
			return nil, err
		}
	}
	var m types.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("msgcache: decode %s: %w", doc.Key, err)
	}
	return &m, nil
}

func reverse(msgs []types.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func oldestOf(msgs []types.Message) *types.TimeMS {
	if len(msgs) == 0 {
		return nil
	}
	ts := msgs[0].Timestamp
	return &ts
}
