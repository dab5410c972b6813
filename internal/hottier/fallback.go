package hottier

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// FallbackStore is the in-process map-backed Store used when the engine is
// unreachable, and as a lightweight double in tests. Key-value, TTL, JSON
// document and pub/sub operations are fully supported; pub/sub dispatches
// only within this process. Search and stream operations return
// command-unsupported.
//
// JSON paths are limited to "$" (whole document) and "$.<field>" (one
// top-level field), which covers every caller in this codebase.
type FallbackStore struct {
	mu       sync.Mutex
	entries  map[string]*fallbackEntry
	handlers map[string][]MessageHandler
	stop     chan struct{}
	stopOnce sync.Once
}

type fallbackEntry struct {
	data      string
	expiresAt time.Time // zero means no expiry
}

func (e *fallbackEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func NewFallback() *FallbackStore {
	f := &FallbackStore{
		entries:  make(map[string]*fallbackEntry),
		handlers: make(map[string][]MessageHandler),
		stop:     make(chan struct{}),
	}
	go f.janitor()
	return f
}

// janitor sweeps expired entries so long-lived degraded processes do not
// accumulate dead keys. Reads also evict lazily.
func (f *FallbackStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			now := time.Now()
			f.mu.Lock()
			for k, e := range f.entries {
				if e.expired(now) {
					delete(f.entries, k)
				}
			}
			f.mu.Unlock()
		}
	}
}

// live returns the entry for key, evicting it first if expired.
// Caller must hold f.mu.
func (f *FallbackStore) live(key string) (*fallbackEntry, bool) {
	e, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(f.entries, key)
		return nil, false
	}
	return e, true
}

func (f *FallbackStore) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return "", &Error{Kind: KindNotFound, Op: "get"}
	}
	return e.data, nil
}

func (f *FallbackStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(key, value, ttl)
	return nil
}

func (f *FallbackStore) setLocked(key, value string, ttl time.Duration) {
	e := &fallbackEntry{data: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	f.entries[key] = e
}

func (f *FallbackStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("setex %s: ttl must be positive", key)
	}
	return f.Set(ctx, key, value, ttl)
}

func (f *FallbackStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(key); ok {
		return false, nil
	}
	f.setLocked(key, value, ttl)
	return true, nil
}

func (f *FallbackStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func (f *FallbackStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	return true, nil
}

func (f *FallbackStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live(key)
	return ok, nil
}

func (f *FallbackStore) PTTL(ctx context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.live(key)
	if !ok {
		return 0, &Error{Kind: KindNotFound, Op: "pttl"}
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(e.expiresAt), nil
}

// Eval executes the known check-and-act scripts against the map. Arbitrary
// scripts are unsupported.
func (f *FallbackStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	if len(keys) != 1 || len(args) < 1 {
		return nil, &Error{Kind: KindCommandUnsupported, Op: "eval"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch script {
	case ScriptCompareDel:
		e, ok := f.live(keys[0])
		if !ok || e.data != fmt.Sprint(args[0]) {
			return int64(0), nil
		}
		delete(f.entries, keys[0])
		return int64(1), nil

	case ScriptComparePExpire:
		if len(args) < 2 {
			return nil, &Error{Kind: KindCommandUnsupported, Op: "eval"}
		}
		e, ok := f.live(keys[0])
		if !ok || e.data != fmt.Sprint(args[0]) {
			return int64(0), nil
		}
		ms, err := strconv.ParseInt(fmt.Sprint(args[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("eval: bad pexpire argument: %w", err)
		}
		e.expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
		return int64(1), nil

	default:
		return nil, &Error{Kind: KindCommandUnsupported, Op: "eval"}
	}
}

func (f *FallbackStore) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	handlers := make([]MessageHandler, len(f.handlers[channel]))
	copy(handlers, f.handlers[channel])
	f.mu.Unlock()

	for _, h := range handlers {
		go h(channel, payload)
	}
	return nil
}

func (f *FallbackStore) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	return nil
}

func (f *FallbackStore) JSONSet(ctx context.Context, key, path string, value any) error {
	raw, err := toRawJSON(value)
	if err != nil {
		return fmt.Errorf("jsonset %s: %w", key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if path == "$" || path == "" || path == "." {
		f.setLocked(key, string(raw), 0)
		return nil
	}

	field, ok := topLevelField(path)
	if !ok {
		return &Error{Kind: KindCommandUnsupported, Op: "jsonset"}
	}
	e, exists := f.live(key)
	if !exists {
		return &Error{Kind: KindNotFound, Op: "jsonset"}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(e.data), &doc); err != nil {
		return fmt.Errorf("jsonset %s: document is not an object: %w", key, err)
	}
	doc[field] = raw
	updated, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("jsonset %s: %w", key, err)
	}
	e.data = string(updated)
	return nil
}

func (f *FallbackStore) JSONGet(ctx context.Context, key, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.live(key)
	if !ok {
		return "", &Error{Kind: KindNotFound, Op: "jsonget"}
	}
	if path == "$" || path == "" || path == "." {
		return e.data, nil
	}
	field, fieldOK := topLevelField(path)
	if !fieldOK {
		return "", &Error{Kind: KindCommandUnsupported, Op: "jsonget"}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(e.data), &doc); err != nil {
		return "", fmt.Errorf("jsonget %s: document is not an object: %w", key, err)
	}
	raw, present := doc[field]
	if !present {
		return "", &Error{Kind: KindNotFound, Op: "jsonget"}
	}
	return string(raw), nil
}

func (f *FallbackStore) JSONDel(ctx context.Context, key, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if path == "$" || path == "" || path == "." {
		delete(f.entries, key)
		return nil
	}
	field, ok := topLevelField(path)
	if !ok {
		return &Error{Kind: KindCommandUnsupported, Op: "jsondel"}
	}
	e, exists := f.live(key)
	if !exists {
		return nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(e.data), &doc); err != nil {
		return fmt.Errorf("jsondel %s: document is not an object: %w", key, err)
	}
	delete(doc, field)
	updated, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("jsondel %s: %w", key, err)
	}
	e.data = string(updated)
	return nil
}

func (f *FallbackStore) IndexCreate(ctx context.Context, name string, def IndexDefinition) error {
	return &Error{Kind: KindCommandUnsupported, Op: "indexcreate"}
}

func (f *FallbackStore) IndexDrop(ctx context.Context, name string) error {
	return &Error{Kind: KindCommandUnsupported, Op: "indexdrop"}
}

func (f *FallbackStore) Search(ctx context.Context, index, query string, opts SearchOptions) (SearchResult, error) {
	return SearchResult{}, &Error{Kind: KindCommandUnsupported, Op: "search"}
}

func (f *FallbackStore) StreamAppend(ctx context.Context, stream string, fields map[string]any) (string, error) {
	return "", &Error{Kind: KindCommandUnsupported, Op: "streamappend"}
}

func (f *FallbackStore) StreamReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamEntry, error) {
	return nil, &Error{Kind: KindCommandUnsupported, Op: "streamreadgroup"}
}

func (f *FallbackStore) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	return &Error{Kind: KindCommandUnsupported, Op: "streamack"}
}

func (f *FallbackStore) GroupCreate(ctx context.Context, stream, group string) error {
	return &Error{Kind: KindCommandUnsupported, Op: "groupcreate"}
}

func (f *FallbackStore) Ping(ctx context.Context) error {
	return nil
}

func (f *FallbackStore) Status() Status {
	return Status{Mode: ModeDegraded}
}

func (f *FallbackStore) Close() error {
	f.stopOnce.Do(func() { close(f.stop) })
	return nil
}

// toRawJSON follows the engine convention: strings pass through as raw
// JSON, everything else is marshaled.
func toRawJSON(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case string:
		if !json.Valid([]byte(v)) {
			return nil, fmt.Errorf("string value is not valid JSON")
		}
		return json.RawMessage(v), nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("byte value is not valid JSON")
		}
		return json.RawMessage(v), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(value)
	}
}

// topLevelField extracts f from "$.f", rejecting deeper or wildcard paths.
func topLevelField(path string) (string, bool) {
	if len(path) < 3 || path[0] != '$' || path[1] != '.' {
		return "", false
	}
	field := path[2:]
	for _, r := range field {
		if r == '.' || r == '[' || r == '*' {
			return "", false
		}
	}
	return field, true
}
