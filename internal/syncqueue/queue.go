// Package syncqueue is the append-only mutation log between the hot tier
// and the durable tier. Events are appended on write-back, consumed by the
// sync worker through a consumer group, retried on handler failure, and
// parked on a dead-letter stream after the retry budget.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	// StreamPrimary holds pending mutations in arrival order.
	StreamPrimary = "mongo_sync_stream"
	// StreamDeadLetter holds events that exhausted their retries.
	StreamDeadLetter = "mongo_sync_dead_letter"
	// Group is the consumer group all sync workers share.
	Group = "mongo_sync_workers"

	// MaxRetries is the re-enqueue budget per event before dead-lettering.
	MaxRetries = 3
)

// Handler applies one event to the durable tier. A returned error triggers
// retry or dead-letter; handlers must be idempotent because retries can
// reorder and repeat delivery.
type Handler func(ctx context.Context, ev *types.SyncEvent) error

// Queue wraps the hot-tier stream commands with the retry protocol.
type Queue struct {
	store    hottier.Store
	logger   zerolog.Logger
	consumer string
}

func New(store hottier.Store, logger zerolog.Logger) *Queue {
	return &Queue{
		store:  store,
		logger: logger,
		// one consumer identity per process lifetime
		consumer: fmt.Sprintf("worker-%d-%d", os.Getpid(), time.Now().UnixMilli()),
	}
}

// Consumer returns this process's consumer-group member name.
func (q *Queue) Consumer() string {
	return q.consumer
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return q.store.GroupCreate(ctx, StreamPrimary, Group)
}

// Enqueue appends one mutation event. The payload is serialised into the
// event so it stays self-contained across retries. In degraded mode the
// append is dropped (write-back becomes lossy) and the id is empty.
func (q *Queue) Enqueue(ctx context.Context, op types.SyncOp, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: marshal payload: %w", op, err)
	}
	id, err := q.store.StreamAppend(ctx, StreamPrimary, map[string]any{
		"operation":  string(op),
		"data":       string(data),
		"timestamp":  time.Now().UnixMilli(),
		"retryCount": 0,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", op, err)
	}
	monitoring.RecordSyncEnqueued(string(op))
	return id, nil
}

// Consume reads up to count pending events for this consumer, blocking up
// to block, and runs the handler on each. Outcomes per event:
//
//	handler nil error        ack
//	error, retries left      re-append with retryCount+1, ack original
//	error, budget exhausted  copy to dead-letter, ack original
//
// Returns the number of events read.
func (q *Queue) Consume(ctx context.Context, handler Handler, block time.Duration, count int64) (int, error) {
	entries, err := q.store.StreamReadGroup(ctx, StreamPrimary, Group, q.consumer, block, count)
	if err != nil {
		return 0, fmt.Errorf("consume: %w", err)
	}

	for _, entry := range entries {
		ev, parseErr := parseEntry(entry)
		if parseErr != nil {
			// Poison entry: it can never succeed, park it immediately.
			q.logger.Error().Err(parseErr).Str("entry_id", entry.ID).
				Msg("Unparseable sync event, moving to dead letter")
			q.deadLetter(ctx, entry.ID, ev, parseErr)
			q.ack(ctx, entry.ID)
			continue
		}

		if handlerErr := handler(ctx, ev); handlerErr != nil {
			q.handleFailure(ctx, entry.ID, ev, handlerErr)
		} else {
			monitoring.RecordSyncProcessed(string(ev.Operation), monitoring.SyncOutcomeOK)
			q.ack(ctx, entry.ID)
		}
	}
	return len(entries), nil
}

func (q *Queue) handleFailure(ctx context.Context, entryID string, ev *types.SyncEvent, cause error) {
	if ev.RetryCount < MaxRetries {
		originalID := ev.OriginalID
		if originalID == "" {
			originalID = entryID
		}
		_, err := q.store.StreamAppend(ctx, StreamPrimary, map[string]any{
			"operation":  string(ev.Operation),
			"data":       string(ev.Data),
			"timestamp":  time.Now().UnixMilli(),
			"retryCount": ev.RetryCount + 1,
			"originalId": originalID,
			"lastError":  cause.Error(),
		})
		if err != nil {
			q.logger.Error().Err(err).Str("entry_id", entryID).
				Str("operation", string(ev.Operation)).
				Msg("Failed to re-enqueue sync event for retry")
		} else {
			q.logger.Warn().Str("entry_id", entryID).
				Str("operation", string(ev.Operation)).
				Int("retry_count", ev.RetryCount+1).
				Str("error", cause.Error()).
				Msg("Sync event failed, re-enqueued for retry")
			monitoring.RecordSyncProcessed(string(ev.Operation), monitoring.SyncOutcomeRetry)
		}
	} else {
		q.deadLetter(ctx, entryID, ev, cause)
	}
	q.ack(ctx, entryID)
}

func (q *Queue) deadLetter(ctx context.Context, entryID string, ev *types.SyncEvent, cause error) {
	fields := map[string]any{
		"failedAt":   time.Now().UnixMilli(),
		"finalError": cause.Error(),
	}
	operation := "unknown"
	if ev != nil {
		operation = string(ev.Operation)
		fields["operation"] = operation
		fields["data"] = string(ev.Data)
		fields["retryCount"] = ev.RetryCount
		if ev.OriginalID != "" {
			fields["originalId"] = ev.OriginalID
		} else {
			fields["originalId"] = entryID
		}
	} else {
		fields["originalId"] = entryID
	}

	if _, err := q.store.StreamAppend(ctx, StreamDeadLetter, fields); err != nil {
		q.logger.Error().Err(err).Str("entry_id", entryID).
			Msg("Failed to write sync event to dead letter stream")
		return
	}
	monitoring.RecordSyncProcessed(operation, monitoring.SyncOutcomeDeadLetter)
	q.logger.Error().Str("entry_id", entryID).Str("operation", operation).
		Str("final_error", cause.Error()).
		Msg("Sync event exhausted retries, moved to dead letter")
}

func (q *Queue) ack(ctx context.Context, entryID string) {
	if err := q.store.StreamAck(ctx, StreamPrimary, Group, entryID); err != nil {
		q.logger.Error().Err(err).Str("entry_id", entryID).Msg("Failed to ack sync event")
	}
}

// parseEntry decodes stream fields into a SyncEvent. A nil event with a
// non-nil error marks a poison entry.
func parseEntry(entry hottier.StreamEntry) (*types.SyncEvent, error) {
	op := entry.Fields["operation"]
	if op == "" {
		return nil, fmt.Errorf("entry %s: missing operation", entry.ID)
	}
	data := entry.Fields["data"]
	if data == "" || !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("entry %s: missing or invalid data payload", entry.ID)
	}

	ev := &types.SyncEvent{
		Operation:  types.SyncOp(op),
		Data:       json.RawMessage(data),
		OriginalID: entry.Fields["originalId"],
		LastError:  entry.Fields["lastError"],
	}
	if ts := entry.Fields["timestamp"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			ev.Timestamp = types.TimeMS(ms)
		}
	}
	if rc := entry.Fields["retryCount"]; rc != "" {
		n, err := strconv.Atoi(rc)
		if err != nil {
			return nil, fmt.Errorf("entry %s: bad retryCount %q", entry.ID, rc)
		}
		ev.RetryCount = n
	}
	return ev, nil
}
