// Package hottier wraps the hot-tier engine (key-value + JSON documents +
// secondary index + streams) behind one typed facade with master/replica
// routing and an in-process fallback for degraded operation.
package hottier

import (
	"context"
	"time"
)

// MessageHandler receives pub/sub payloads. Handlers run on the subscriber
// goroutine and must not block.
type MessageHandler func(channel string, payload []byte)

// FieldType is an index field discriminator.
type FieldType string

const (
	FieldTag     FieldType = "tag"
	FieldText    FieldType = "text"
	FieldNumeric FieldType = "numeric"
)

// Field describes one indexed attribute of a JSON document.
type Field struct {
	JSONPath string  // source path, e.g. "$.name" or "$.participants[*]._id"
	As       string  // attribute name used in queries
	Type     FieldType
	Sortable bool
	Weight   float64 // text fields only, 0 means engine default
}

// IndexDefinition describes a secondary index over JSON documents sharing a
// key prefix.
type IndexDefinition struct {
	Prefix string
	Fields []Field
}

// SearchOptions controls result shaping for Search.
type SearchOptions struct {
	SortBy    string // attribute name, empty for engine order
	SortDesc  bool
	Offset    int64
	Limit     int64
	NoContent bool // keys only
}

// SearchDoc is one matched document.
type SearchDoc struct {
	Key    string
	Fields map[string]string
}

// SearchResult is the outcome of a Search call. Total counts all matches,
// not just the returned page.
type SearchResult struct {
	Total int64
	Docs  []SearchDoc
}

// StreamEntry is one record read from a stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Mode names the operating state of the client.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
)

// Status is a point-in-time snapshot of client health for status endpoints.
type Status struct {
	Mode             Mode   `json:"mode"`
	ClusterEnabled   bool   `json:"clusterEnabled"`
	MasterConnected  bool   `json:"masterConnected"`
	ReplicaConnected bool   `json:"replicaConnected"`
	FallbackToMaster int64  `json:"fallbackToMaster"`
	Reconnects       int64  `json:"reconnects"`
	DegradedSince    string `json:"degradedSince,omitempty"`
}

// Lua scripts for atomic check-and-act. Callers pass these to Eval; the
// in-process fallback recognizes them and executes the equivalent map
// operations atomically.

// ScriptCompareDel deletes the key only when it holds the expected value.
const ScriptCompareDel = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// ScriptComparePExpire refreshes the TTL (ms) only when the key holds the
// expected value.
const ScriptComparePExpire = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Store is the hot-tier operation set. Implementations: Client (engine with
// routing and degradation) and FallbackStore (in-process map).
//
// JSONGet returns the bare JSON value at the path, never the JSONPath array
// wrapper; a missing key or path yields a not-found error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	PTTL(ctx context.Context, key string) (time.Duration, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error

	JSONSet(ctx context.Context, key, path string, value any) error
	JSONGet(ctx context.Context, key, path string) (string, error)
	JSONDel(ctx context.Context, key, path string) error

	IndexCreate(ctx context.Context, name string, def IndexDefinition) error
	IndexDrop(ctx context.Context, name string) error
	Search(ctx context.Context, index, query string, opts SearchOptions) (SearchResult, error)

	StreamAppend(ctx context.Context, stream string, fields map[string]any) (string, error)
	StreamReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamEntry, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error
	GroupCreate(ctx context.Context, stream, group string) error

	Ping(ctx context.Context) error
	Status() Status
	Close() error
}
