// Package roomcache serves room documents read-through/write-through: the
// durable tier is updated first, the hot-tier copy is rewritten after, and
// list queries run against the hot-tier secondary index with a durable
// fallback. Room documents carry their password in the hot tier (it is
// never indexed); responses are sanitized at the edge.
package roomcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	// KeyPrefix namespaces room documents in the hot tier.
	KeyPrefix = "chat_room:"
	// IndexName is the secondary index over room documents.
	IndexName = "idx_chat_rooms"

	DefaultPageSize = 10
	MaxPageSize     = 50
)

// MsgPasswordMismatch is the fixed join-rejection message. Clients match on
// it, so the text is part of the wire contract.
const MsgPasswordMismatch = "비밀번호가 일치하지 않습니다."

// Cache source labels, exposed to clients via response metadata.
const (
	SourceHot     = "redis"
	SourceDurable = "mongodb"
)

var sortFields = map[string]bool{
	"createdAt":         true,
	"name":              true,
	"participantsCount": true,
}

// Key returns the hot-tier key for a room id.
func Key(roomID string) string {
	return KeyPrefix + roomID
}

// Service is the room cache layer.
type Service struct {
	store      hottier.Store
	db         durable.RoomStore
	logger     zerolog.Logger
	instanceID string
}

func New(store hottier.Store, db durable.RoomStore, logger zerolog.Logger, instanceID string) *Service {
	return &Service{
		store:      store,
		db:         db,
		logger:     logger.With().Str("component", "room-cache").Logger(),
		instanceID: instanceID,
	}
}

// EnsureIndex creates the room index. Existing indexes are left alone.
func (s *Service) EnsureIndex(ctx context.Context) error {
	def := hottier.IndexDefinition{
		Prefix: KeyPrefix,
		Fields: []hottier.Field{
			{JSONPath: "$._id", As: "id", Type: hottier.FieldTag},
			{JSONPath: "$.name", As: "name", Type: hottier.FieldText, Weight: 1.0, Sortable: true},
			{JSONPath: "$.hasPassword", As: "hasPassword", Type: hottier.FieldTag},
			{JSONPath: "$.creator._id", As: "creatorId", Type: hottier.FieldTag},
			{JSONPath: "$.creator.name", As: "creatorName", Type: hottier.FieldText},
			{JSONPath: "$.participants[*]._id", As: "participantIds", Type: hottier.FieldTag},
			{JSONPath: "$.participantsCount", As: "participantsCount", Type: hottier.FieldNumeric, Sortable: true},
			{JSONPath: "$.createdAt", As: "createdAt", Type: hottier.FieldNumeric, Sortable: true},
		},
	}
	if err := s.store.IndexCreate(ctx, IndexName, def); err != nil {
		if hottier.IsUnsupported(err) {
			s.logger.Warn().Msg("Hot tier has no index support, room lists will use the durable tier")
			return nil
		}
		return fmt.Errorf("roomcache: create index: %w", err)
	}
	return nil
}

// ListQuery shapes a room listing request. Zero values mean defaults.
type ListQuery struct {
	Page        int
	PageSize    int
	SortField   string // createdAt | name | participantsCount
	SortOrder   string // asc | desc
	Search      string
	HasPassword *bool
	UserID      string // requester, for the isCreator flag
}

func (q *ListQuery) normalize() {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if !sortFields[q.SortField] {
		q.SortField = "createdAt"
	}
	if q.SortOrder != "asc" && q.SortOrder != "desc" {
		q.SortOrder = "desc"
	}
}

// RoomView is a sanitized room plus requester-relative flags.
type RoomView struct {
	types.Room
	IsCreator bool `json:"isCreator"`
}

// Sort echoes the applied ordering back to the client.
type Sort struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// PageMeta is the paging envelope for room lists.
type PageMeta struct {
	Total        int64  `json:"total"`
	Page         int    `json:"page"`
	PageSize     int    `json:"pageSize"`
	TotalPages   int    `json:"totalPages"`
	HasMore      bool   `json:"hasMore"`
	CurrentCount int    `json:"currentCount"`
	Sort         Sort   `json:"sort"`
	Source       string `json:"source"`
}

// ListResult is a page of rooms plus where it was served from.
type ListResult struct {
	Rooms  []RoomView
	Meta   PageMeta
	Source string
}

// ListRooms serves a page of rooms from the hot-tier index, falling back to
// the durable tier on error or an empty cache.
func (s *Service) ListRooms(ctx context.Context, q ListQuery) (*ListResult, error) {
	q.normalize()

	res, err := s.listHot(ctx, q)
	if err == nil && res.Meta.Total > 0 {
		monitoring.RecordCacheRead("room", SourceHot)
		return res, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Hot-tier room list failed, using durable tier")
	}

	out, err := s.listDurable(ctx, q)
	if err != nil {
		return nil, err
	}
	monitoring.RecordCacheRead("room", SourceDurable)
	return out, nil
}

func (s *Service) listHot(ctx context.Context, q ListQuery) (*ListResult, error) {
	query := buildQuery(q.Search, q.HasPassword)
	res, err := s.store.Search(ctx, IndexName, query, hottier.SearchOptions{
		SortBy:   q.SortField,
		SortDesc: q.SortOrder == "desc",
		Offset:   int64(q.Page) * int64(q.PageSize),
		Limit:    int64(q.PageSize),
	})
	if err != nil {
		return nil, err
	}

	views := make([]RoomView, 0, len(res.Docs))
	for _, doc := range res.Docs {
		room, err := s.docRoom(ctx, doc)
		if err != nil {
			// Evicted between search and fetch; skip it.
			continue
		}
		views = append(views, RoomView{Room: room.Sanitized(), IsCreator: room.Creator.ID == q.UserID})
	}
	return &ListResult{
		Rooms:  views,
		Meta:   buildMeta(res.Total, q, len(views), SourceHot),
		Source: SourceHot,
	}, nil
}

func (s *Service) listDurable(ctx context.Context, q ListQuery) (*ListResult, error) {
	rooms, total, err := s.db.ListRooms(ctx, durable.RoomFilter{
		Search:      q.Search,
		HasPassword: q.HasPassword,
		SortField:   q.SortField,
		SortDesc:    q.SortOrder == "desc",
		Skip:        int64(q.Page) * int64(q.PageSize),
		Limit:       int64(q.PageSize),
	})
	if err != nil {
		return nil, fmt.Errorf("roomcache: list rooms: %w", err)
	}

	views := make([]RoomView, 0, len(rooms))
	for i := range rooms {
		s.cacheRoom(ctx, &rooms[i])
		views = append(views, RoomView{Room: rooms[i].Sanitized(), IsCreator: rooms[i].Creator.ID == q.UserID})
	}
	return &ListResult{
		Rooms:  views,
		Meta:   buildMeta(total, q, len(views), SourceDurable),
		Source: SourceDurable,
	}, nil
}

func buildMeta(total int64, q ListQuery, count int, source string) PageMeta {
	totalPages := int(total) / q.PageSize
	if int(total)%q.PageSize != 0 {
		totalPages++
	}
	return PageMeta{
		Total:        total,
		Page:         q.Page,
		PageSize:     q.PageSize,
		TotalPages:   totalPages,
		HasMore:      int64(q.Page+1)*int64(q.PageSize) < total,
		CurrentCount: count,
		Sort:         Sort{Field: q.SortField, Order: q.SortOrder},
		Source:       source,
	}
}

// GetRoom reads through the cache. The returned room still carries its
// password; callers sanitize before responding.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*types.Room, string, error) {
	raw, err := s.store.JSONGet(ctx, Key(roomID), "$")
	if err == nil {
		var room types.Room
		if uerr := json.Unmarshal([]byte(raw), &room); uerr == nil {
			monitoring.RecordCacheRead("room", SourceHot)
			return &room, SourceHot, nil
		}
	}

	room, err := s.db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, "", err
	}
	s.cacheRoom(ctx, room)
	monitoring.RecordCacheRead("room", SourceDurable)
	return room, SourceDurable, nil
}

// CreateRoom writes through: durable first, then the hot-tier copy.
func (s *Service) CreateRoom(ctx context.Context, name, password string, creator types.Participant) (*types.Room, error) {
	now := types.NowMS()
	room := &types.Room{
		ID:                primitive.NewObjectID().Hex(),
		Name:              name,
		Creator:           creator,
		Participants:      []types.Participant{creator},
		HasPassword:       password != "",
		Password:          password,
		ParticipantsCount: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
		InstanceID:        s.instanceID,
	}
	if err := s.db.InsertRoom(ctx, room); err != nil {
		return nil, err
	}
	s.cacheRoom(ctx, room)
	s.logger.Info().Str("room_id", room.ID).Str("name", name).Msg("Room created")
	return room, nil
}

// JoinResult is the outcome of a join attempt. A password mismatch is a
// result, not an error: Success is false and Message carries the fixed text.
type JoinResult struct {
	Success bool
	Message string
	Room    types.Room
}

// JoinRoom checks the password against the durable copy and adds the user
// to the participant set. Joining a room twice is a no-op success.
func (s *Service) JoinRoom(ctx context.Context, roomID string, user types.Participant, password string) (*JoinResult, error) {
	room, err := s.db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.HasPassword && room.Password != password {
		return &JoinResult{Success: false, Message: MsgPasswordMismatch}, nil
	}
	if !room.HasParticipant(user.ID) {
		room, err = s.db.AddParticipant(ctx, roomID, user)
		if err != nil {
			return nil, err
		}
	}
	s.cacheRoom(ctx, room)
	return &JoinResult{Success: true, Room: room.Sanitized()}, nil
}

// AddParticipant adds the user without a password check, for presence joins
// by users who already passed the HTTP join.
func (s *Service) AddParticipant(ctx context.Context, roomID string, user types.Participant) (*types.Room, error) {
	room, err := s.db.AddParticipant(ctx, roomID, user)
	if err != nil {
		return nil, err
	}
	s.cacheRoom(ctx, room)
	return room, nil
}

// RemoveParticipant drops the user from the room.
func (s *Service) RemoveParticipant(ctx context.Context, roomID, userID string) (*types.Room, error) {
	room, err := s.db.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	s.cacheRoom(ctx, room)
	return room, nil
}

// WarmCache loads every room into the hot tier. Runs at startup so list
// queries hit the index immediately.
func (s *Service) WarmCache(ctx context.Context) (int, error) {
	rooms, err := s.db.AllRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("roomcache: warm cache: %w", err)
	}
	cached := 0
	for i := range rooms {
		if s.cacheRoom(ctx, &rooms[i]) {
			cached++
		}
	}
	s.logger.Info().Int("cached", cached).Int("total", len(rooms)).Msg("Room cache warmed")
	return cached, nil
}

// cacheRoom rewrites the hot-tier copy. Rooms have no TTL. Failures are
// logged and swallowed: the durable tier already holds the truth.
func (s *Service) cacheRoom(ctx context.Context, room *types.Room) bool {
	if err := s.store.JSONSet(ctx, Key(room.ID), "$", room); err != nil {
		s.logger.Warn().Err(err).Str("room_id", room.ID).Msg("Room cache write failed")
		return false
	}
	return true
}

// docRoom extracts the room document from a search hit, fetching it when
// the engine returned keys only.
func (s *Service) docRoom(ctx context.Context, doc hottier.SearchDoc) (*types.Room, error) {
	raw, ok := doc.Fields["$"]
	if !ok {
		var err error
		raw, err = s.store.JSONGet(ctx, doc.Key, "$")
		if err != nil {
			return nil, err
		}
	}
	var room types.Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, fmt.Errorf("roomcache: decode %s: %w", doc.Key, err)
	}
	return &room, nil
}

// buildQuery assembles the index query from the optional filters.
func buildQuery(search string, hasPassword *bool) string {
	var parts []string
	if term := escapeQueryTerm(search); term != "" {
		parts = append(parts, fmt.Sprintf("@name:%s*", term))
	}
	if hasPassword != nil {
		parts = append(parts, fmt.Sprintf("@hasPassword:{%t}", *hasPassword))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

// escapeQueryTerm strips everything the query syntax could interpret,
// keeping letters and digits of any script.
func escapeQueryTerm(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
