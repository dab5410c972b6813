// Package durable is the system-of-record tier. Rooms, messages and user
// documents live here; the hot tier is a cache in front of it. Writes arrive
// either directly (room create/join) or asynchronously through the sync
// worker (message mutations), so every mutation here must be idempotent
// under replay.
package durable

import (
	"context"
	"errors"
	"time"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// ErrNotFound is returned when the referenced document does not exist.
var ErrNotFound = errors.New("durable: document not found")

// RoomFilter shapes a room listing query.
type RoomFilter struct {
	Search      string // case-insensitive name match, empty for all
	HasPassword *bool  // nil for all
	SortField   string // createdAt | name | participantsCount
	SortDesc    bool
	Skip        int64
	Limit       int64
}

// MessageStore is the durable message operation set. All mutations are
// idempotent: replaying a sync event yields the same end state.
type MessageStore interface {
	// UpsertMessage inserts the message. A duplicate id is treated as an
	// already-applied replay and succeeds.
	UpsertMessage(ctx context.Context, m *types.Message) error
	// UpdateMessageFields applies the fields as a single replace-set.
	UpdateMessageFields(ctx context.Context, id string, fields map[string]any) error
	// AddReader appends a read receipt unless the user already has one.
	AddReader(ctx context.Context, id, userID string, readAt types.TimeMS) error
	// AddReaction adds the user to the emoji's user set.
	AddReaction(ctx context.Context, id, emoji, userID string) error
	// RemoveReaction removes the user from the emoji's user set and drops
	// the emoji key once the set is empty.
	RemoveReaction(ctx context.Context, id, emoji, userID string) error
	// SoftDeleteMessage marks the message deleted without removing it.
	SoftDeleteMessage(ctx context.Context, id string, deletedAt types.TimeMS) error

	GetMessage(ctx context.Context, id string) (*types.Message, error)
	// MessagesByRoom returns non-deleted messages newest first. A non-zero
	// before bounds the page to timestamps strictly below it. Callers ask
	// for limit+1 to learn whether more pages exist.
	MessagesByRoom(ctx context.Context, roomID string, before types.TimeMS, limit int) ([]types.Message, error)
	// MessageByFilename finds the file message carrying the stored object.
	MessageByFilename(ctx context.Context, filename string) (*types.Message, error)
	// ActiveRoomIDs returns the distinct rooms with traffic since the
	// given time, for warm-cache passes.
	ActiveRoomIDs(ctx context.Context, since time.Time) ([]string, error)
}

// RoomStore is the durable room operation set. Rooms are written through:
// the caller updates this tier first, then rewrites the hot-tier copy.
type RoomStore interface {
	InsertRoom(ctx context.Context, r *types.Room) error
	// GetRoom returns the room including its password field.
	GetRoom(ctx context.Context, id string) (*types.Room, error)
	ListRooms(ctx context.Context, f RoomFilter) ([]types.Room, int64, error)
	AllRooms(ctx context.Context) ([]types.Room, error)
	// AddParticipant appends the user unless already present and returns
	// the resulting room either way.
	AddParticipant(ctx context.Context, roomID string, p types.Participant) (*types.Room, error)
	// RemoveParticipant drops the user and returns the resulting room.
	RemoveParticipant(ctx context.Context, roomID, userID string) (*types.Room, error)
}

// UserStore reads user accounts. Accounts are owned by the external auth
// boundary; this tier only resolves them for denormalized references.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
}

// Store is the full durable-tier surface.
type Store interface {
	MessageStore
	RoomStore
	UserStore
	Ping(ctx context.Context) error
}
