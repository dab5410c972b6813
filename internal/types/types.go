// Package types holds the document and wire shapes shared by the cache
// services, the sync pipeline, the replication service and the realtime hub.
//
// The JSON tags define the hot-tier document shape, which is also the wire
// shape sent to clients. The BSON tags define the durable-tier shape. Both
// use the same field names so a document read from either tier is
// interchangeable.
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// TimeMS is a millisecond epoch timestamp. It marshals to a JSON number and
// unmarshals from either a number (epoch ms) or an ISO-8601 string, because
// the durable tier historically stored ISO strings while the hot tier stores
// epoch ms.
type TimeMS int64

// NowMS returns the current wall-clock time as a TimeMS.
func NowMS() TimeMS {
	return TimeMS(time.Now().UnixMilli())
}

// Time converts the timestamp back to a time.Time.
func (t TimeMS) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// IsZero reports whether the timestamp is unset.
func (t TimeMS) IsZero() bool {
	return t == 0
}

// MarshalJSON emits the epoch-ms number.
func (t TimeMS) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(t), 10), nil
}

// UnmarshalJSON accepts an epoch-ms number or an RFC3339 string.
func (t *TimeMS) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*t = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = 0
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*t = TimeMS(parsed.UnixMilli())
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*t = TimeMS(n)
	return nil
}

// User is an externally owned account. The core only reads it, except for
// profile-image updates which arrive through replication.
type User struct {
	ID           string `json:"_id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Email        string `json:"email" bson:"email"`
	ProfileImage string `json:"profileImage,omitempty" bson:"profileImage,omitempty"`
}

// Participant is the denormalized user reference embedded in rooms.
type Participant struct {
	ID    string `json:"_id" bson:"_id"`
	Name  string `json:"name" bson:"name"`
	Email string `json:"email" bson:"email"`
}

// Sender is the denormalized user reference embedded in messages.
type Sender struct {
	ID           string `json:"_id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Email        string `json:"email" bson:"email"`
	ProfileImage string `json:"profileImage,omitempty" bson:"profileImage,omitempty"`
}

// Room is a chat room document.
//
// Invariants: the creator is always a participant, participant ids are
// unique, and HasPassword is true exactly when Password is non-empty.
// Password is stored verbatim and compared by equality; it is never indexed
// and is stripped from every response by Sanitized.
type Room struct {
	ID                string        `json:"_id" bson:"_id"`
	Name              string        `json:"name" bson:"name"`
	Creator           Participant   `json:"creator" bson:"creator"`
	Participants      []Participant `json:"participants" bson:"participants"`
	HasPassword       bool          `json:"hasPassword" bson:"hasPassword"`
	Password          string        `json:"password,omitempty" bson:"password,omitempty"`
	ParticipantsCount int           `json:"participantsCount" bson:"participantsCount"`
	CreatedAt         TimeMS        `json:"createdAt" bson:"createdAt"`
	UpdatedAt         TimeMS        `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	InstanceID        string        `json:"instanceId,omitempty" bson:"instanceId,omitempty"`
}

// Sanitized returns a copy safe for responses: no password, count refreshed.
func (r Room) Sanitized() Room {
	r.Password = ""
	r.ParticipantsCount = len(r.Participants)
	return r
}

// HasParticipant reports whether the user id is in the participant list.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// MessageType discriminates the message payload variants.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
	MessageAI     MessageType = "ai"
)

// FileDescriptor describes an uploaded object. Present exactly when the
// message type is "file".
type FileDescriptor struct {
	ID           string `json:"_id,omitempty" bson:"_id,omitempty"`
	Filename     string `json:"filename" bson:"filename"`
	OriginalName string `json:"originalname" bson:"originalname"`
	MimeType     string `json:"mimetype" bson:"mimetype"`
	Size         int64  `json:"size" bson:"size"`
	S3Key        string `json:"s3Key" bson:"s3Key"`
	S3Bucket     string `json:"s3Bucket" bson:"s3Bucket"`
	S3URL        string `json:"s3Url" bson:"s3Url"`
	UploadedAt   TimeMS `json:"uploadedAt,omitempty" bson:"uploadedAt,omitempty"`
}

// Reader records that a user has read a message.
type Reader struct {
	UserID string `json:"userId" bson:"userId"`
	ReadAt TimeMS `json:"readAt" bson:"readAt"`
}

// Message is a chat message document.
//
// Invariants: Readers is unique on UserID; each Reactions value is a unique
// user-id set; File is non-nil exactly when Type is "file"; AIType is
// non-empty exactly when Type is "ai"; soft-deleted messages keep their
// document but are excluded from history reads.
type Message struct {
	ID         string              `json:"_id" bson:"_id"`
	Room       string              `json:"room" bson:"room"`
	Sender     *Sender             `json:"sender,omitempty" bson:"sender,omitempty"`
	Type       MessageType         `json:"type" bson:"type"`
	Content    string              `json:"content" bson:"content"`
	File       *FileDescriptor     `json:"file,omitempty" bson:"file,omitempty"`
	AIType     string              `json:"aiType,omitempty" bson:"aiType,omitempty"`
	Mentions   []string            `json:"mentions,omitempty" bson:"mentions,omitempty"`
	Timestamp  TimeMS              `json:"timestamp" bson:"timestamp"`
	Readers    []Reader            `json:"readers" bson:"readers"`
	Reactions  map[string][]string `json:"reactions" bson:"reactions"`
	Metadata   map[string]any      `json:"metadata,omitempty" bson:"metadata,omitempty"`
	IsDeleted  bool                `json:"isDeleted" bson:"isDeleted"`
	DeletedAt  TimeMS              `json:"deletedAt,omitempty" bson:"deletedAt,omitempty"`
	UpdatedAt  TimeMS              `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	InstanceID string              `json:"instanceId,omitempty" bson:"instanceId,omitempty"`
}

// HasReader reports whether the user already appears in Readers.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.Readers {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// SyncOp enumerates the mutation operations carried by the sync queue.
type SyncOp string

const (
	OpCreateMessage  SyncOp = "CREATE_MESSAGE"
	OpUpdateMessage  SyncOp = "UPDATE_MESSAGE"
	OpMarkAsRead     SyncOp = "MARK_AS_READ"
	OpAddReaction    SyncOp = "ADD_REACTION"
	OpRemoveReaction SyncOp = "REMOVE_REACTION"
	OpDeleteMessage  SyncOp = "DELETE_MESSAGE"
)

// SyncEvent is one append-only record in the sync queue. Data embeds the
// full payload at enqueue time so the event is self-contained. The stream
// entry id is assigned by the queue and is distinct from any message id.
type SyncEvent struct {
	Operation  SyncOp          `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Timestamp  TimeMS          `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	OriginalID string          `json:"originalId,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
}

// MarkAsReadPayload is the Data shape for OpMarkAsRead.
type MarkAsReadPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	ReadAt    TimeMS `json:"readAt"`
}

// ReactionPayload is the Data shape for OpAddReaction and OpRemoveReaction.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// UpdateMessagePayload is the Data shape for OpUpdateMessage. UpdateData
// maps field names to replacement values and is applied as a single $set.
type UpdateMessagePayload struct {
	MessageID  string         `json:"messageId"`
	UpdateData map[string]any `json:"updateData"`
}

// DeleteMessagePayload is the Data shape for OpDeleteMessage.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
	DeletedAt TimeMS `json:"deletedAt"`
}

// Peer describes another instance discovered over the bus.
type Peer struct {
	InstanceID string `json:"instanceId"`
	Endpoint   string `json:"endpoint"` // hot-tier host:port
	BaseURL    string `json:"baseUrl"`  // HTTP base URL
	LastSeen   TimeMS `json:"lastSeen"`
}
