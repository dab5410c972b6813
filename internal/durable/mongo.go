package durable

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	collRooms    = "rooms"
	collMessages = "messages"
	collUsers    = "users"

	connectTimeout = 10 * time.Second
)

// Mongo implements Store over a MongoDB database.
type Mongo struct {
	client   *mongo.Client
	db       *mongo.Database
	rooms    *mongo.Collection
	messages *mongo.Collection
	users    *mongo.Collection
	logger   zerolog.Logger
}

// Connect dials the database behind the URI and verifies it with a ping.
func Connect(ctx context.Context, uri string, logger zerolog.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("durable: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("durable: ping: %w", err)
	}

	db := client.Database(databaseName(uri))
	m := &Mongo{
		client:   client,
		db:       db,
		rooms:    db.Collection(collRooms),
		messages: db.Collection(collMessages),
		users:    db.Collection(collUsers),
		logger:   logger.With().Str("component", "durable").Logger(),
	}
	m.logger.Info().Str("database", db.Name()).Msg("Durable tier connected")
	return m, nil
}

// databaseName extracts the database from the URI path, defaulting to chat.
func databaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "chat"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "chat"
	}
	return name
}

// EnsureIndexes creates the query indexes. Safe to call on every start.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "file.filename", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("durable: message indexes: %w", err)
	}
	_, err = m.rooms.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "participants._id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("durable: room indexes: %w", err)
	}
	return nil
}

// Database exposes the underlying handle for change-stream consumers.
func (m *Mongo) Database() *mongo.Database {
	return m.db
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// --- messages ---

func (m *Mongo) UpsertMessage(ctx context.Context, msg *types.Message) error {
	_, err := m.messages.InsertOne(ctx, msg)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Replayed event, the document is already there.
			return nil
		}
		return fmt.Errorf("durable: insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (m *Mongo) UpdateMessageFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set := bson.M{}
	for k, v := range fields {
		set[k] = v
	}
	if _, ok := set["updatedAt"]; !ok {
		set["updatedAt"] = types.NowMS()
	}
	res, err := m.messages.UpdateByID(ctx, id, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("durable: update message %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("durable: update message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) AddReader(ctx context.Context, id, userID string, readAt types.TimeMS) error {
	// Guarded push: matches only while the user has no receipt yet, so a
	// replay is a no-op instead of a duplicate.
	res, err := m.messages.UpdateOne(ctx,
		bson.M{"_id": id, "readers.userId": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"readers": types.Reader{UserID: userID, ReadAt: readAt}}},
	)
	if err != nil {
		return fmt.Errorf("durable: add reader %s/%s: %w", id, userID, err)
	}
	if res.MatchedCount == 0 {
		return m.requireMessage(ctx, id)
	}
	return nil
}

func (m *Mongo) AddReaction(ctx context.Context, id, emoji, userID string) error {
	res, err := m.messages.UpdateByID(ctx, id,
		bson.M{"$addToSet": bson.M{"reactions." + emoji: userID}},
	)
	if err != nil {
		return fmt.Errorf("durable: add reaction %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("durable: add reaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) RemoveReaction(ctx context.Context, id, emoji, userID string) error {
	field := "reactions." + emoji
	res, err := m.messages.UpdateByID(ctx, id,
		bson.M{"$pull": bson.M{field: userID}},
	)
	if err != nil {
		return fmt.Errorf("durable: remove reaction %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("durable: remove reaction %s: %w", id, ErrNotFound)
	}
	// Drop the emoji key once its user set is empty.
	_, err = m.messages.UpdateOne(ctx,
		bson.M{"_id": id, field: bson.M{"$size": 0}},
		bson.M{"$unset": bson.M{field: ""}},
	)
	if err != nil {
		return fmt.Errorf("durable: prune reaction %s: %w", id, err)
	}
	return nil
}

func (m *Mongo) SoftDeleteMessage(ctx context.Context, id string, deletedAt types.TimeMS) error {
	res, err := m.messages.UpdateByID(ctx, id,
		bson.M{"$set": bson.M{"isDeleted": true, "deletedAt": deletedAt}},
	)
	if err != nil {
		return fmt.Errorf("durable: delete message %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("durable: delete message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	var msg types.Message
	err := m.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: get message %s: %w", id, err)
	}
	return &msg, nil
}

func (m *Mongo) MessagesByRoom(ctx context.Context, roomID string, before types.TimeMS, limit int) ([]types.Message, error) {
	filter := bson.M{"room": roomID, "isDeleted": bson.M{"$ne": true}}
	if before > 0 {
		filter["timestamp"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := m.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("durable: messages by room %s: %w", roomID, err)
	}
	defer cur.Close(ctx)

	var msgs []types.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("durable: decode messages: %w", err)
	}
	return msgs, nil
}

func (m *Mongo) MessageByFilename(ctx context.Context, filename string) (*types.Message, error) {
	var msg types.Message
	err := m.messages.FindOne(ctx, bson.M{"file.filename": filename}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: message by filename: %w", err)
	}
	return &msg, nil
}

func (m *Mongo) ActiveRoomIDs(ctx context.Context, since time.Time) ([]string, error) {
	raw, err := m.messages.Distinct(ctx, "room",
		bson.M{"timestamp": bson.M{"$gte": since.UnixMilli()}},
	)
	if err != nil {
		return nil, fmt.Errorf("durable: active rooms: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// requireMessage distinguishes "already applied" from "missing document"
// after a guarded update matched nothing.
func (m *Mongo) requireMessage(ctx context.Context, id string) error {
	n, err := m.messages.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("durable: check message %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("durable: message %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- rooms ---

func (m *Mongo) InsertRoom(ctx context.Context, r *types.Room) error {
	if _, err := m.rooms.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("durable: insert room %s: %w", r.ID, err)
	}
	return nil
}

func (m *Mongo) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	var room types.Room
	err := m.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: get room %s: %w", id, err)
	}
	return &room, nil
}

func (m *Mongo) ListRooms(ctx context.Context, f RoomFilter) ([]types.Room, int64, error) {
	filter := bson.M{}
	if f.Search != "" {
		filter["name"] = bson.M{"$regex": regexEscape(f.Search), "$options": "i"}
	}
	if f.HasPassword != nil {
		filter["hasPassword"] = *f.HasPassword
	}

	total, err := m.rooms.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("durable: count rooms: %w", err)
	}

	sortField := f.SortField
	if sortField == "" {
		sortField = "createdAt"
	}
	order := 1
	if f.SortDesc {
		order = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: order}}).
		SetSkip(f.Skip)
	if f.Limit > 0 {
		opts.SetLimit(f.Limit)
	}
	cur, err := m.rooms.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("durable: list rooms: %w", err)
	}
	defer cur.Close(ctx)

	var rooms []types.Room
	if err := cur.All(ctx, &rooms); err != nil {
		return nil, 0, fmt.Errorf("durable: decode rooms: %w", err)
	}
	return rooms, total, nil
}

func (m *Mongo) AllRooms(ctx context.Context) ([]types.Room, error) {
	cur, err := m.rooms.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("durable: all rooms: %w", err)
	}
	defer cur.Close(ctx)

	var rooms []types.Room
	if err := cur.All(ctx, &rooms); err != nil {
		return nil, fmt.Errorf("durable: decode rooms: %w", err)
	}
	return rooms, nil
}

func (m *Mongo) AddParticipant(ctx context.Context, roomID string, p types.Participant) (*types.Room, error) {
	// Guarded like readers: matches only while the user is absent.
	res := m.rooms.FindOneAndUpdate(ctx,
		bson.M{"_id": roomID, "participants._id": bson.M{"$ne": p.ID}},
		bson.M{
			"$push": bson.M{"participants": p},
			"$inc":  bson.M{"participantsCount": 1},
			"$set":  bson.M{"updatedAt": types.NowMS()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var room types.Room
	err := res.Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Missing room or already a participant; a fetch tells them apart.
		return m.GetRoom(ctx, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("durable: add participant %s: %w", roomID, err)
	}
	return &room, nil
}

func (m *Mongo) RemoveParticipant(ctx context.Context, roomID, userID string) (*types.Room, error) {
	res := m.rooms.FindOneAndUpdate(ctx,
		bson.M{"_id": roomID, "participants._id": userID},
		bson.M{
			"$pull": bson.M{"participants": bson.M{"_id": userID}},
			"$inc":  bson.M{"participantsCount": -1},
			"$set":  bson.M{"updatedAt": types.NowMS()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var room types.Room
	err := res.Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return m.GetRoom(ctx, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("durable: remove participant %s: %w", roomID, err)
	}
	return &room, nil
}

// --- users ---

func (m *Mongo) GetUser(ctx context.Context, id string) (*types.User, error) {
	var user types.User
	err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: get user %s: %w", id, err)
	}
	return &user, nil
}

// regexEscape neutralizes regex metacharacters in user-supplied search text.
func regexEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
