// Package syncworker drains the sync queue into the durable tier. One
// worker goroutine per instance reads batches through the consumer group,
// applies each mutation idempotently and lets the queue handle retries and
// dead-lettering on failure.
package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	blockInterval = 5 * time.Second
	idlePause     = 100 * time.Millisecond
	batchSize     = 10
)

// Stats counts handled events since start. Snapshot via Worker.Stats.
type Stats struct {
	Processed   int64            `json:"processed"`
	Failed      int64            `json:"failed"`
	ByOperation map[string]int64 `json:"byOperation"`
}

// Worker is the single background consumer of the sync queue.
type Worker struct {
	queue  *syncqueue.Queue
	store  durable.MessageStore
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

func New(queue *syncqueue.Queue, store durable.MessageStore, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:  queue,
		store:  store,
		logger: logger.With().Str("component", "sync-worker").Logger(),
		stats:  Stats{ByOperation: make(map[string]int64)},
	}
}

// Start creates the consumer group and launches the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("syncworker: ensure group: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(runCtx)
	w.logger.Info().Str("consumer", w.queue.Consumer()).Msg("Sync worker started")
	return nil
}

// Stop cancels the loop and waits for the in-flight batch to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info().Msg("Sync worker stopped")
}

// Stats returns a copy of the counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := Stats{
		Processed:   w.stats.Processed,
		Failed:      w.stats.Failed,
		ByOperation: make(map[string]int64, len(w.stats.ByOperation)),
	}
	for k, v := range w.stats.ByOperation {
		out.ByOperation[k] = v
	}
	return out
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer monitoring.RecoverPanic(w.logger, "sync-worker", nil)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := w.queue.Consume(ctx, w.handle, blockInterval, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if hottier.IsUnsupported(err) {
				// Degraded hot tier has no streams; nothing to drain
				// until it recovers.
				sleepCtx(ctx, blockInterval)
				continue
			}
			w.logger.Warn().Err(err).Msg("Sync consume failed")
			sleepCtx(ctx, time.Second)
			continue
		}
		if n == 0 {
			sleepCtx(ctx, idlePause)
		}
	}
}

// handle applies one event to the durable tier. A returned error sends the
// event back through the queue's retry path.
func (w *Worker) handle(ctx context.Context, ev *types.SyncEvent) error {
	err := w.apply(ctx, ev)
	w.mu.Lock()
	if err != nil {
		w.stats.Failed++
	} else {
		w.stats.Processed++
		w.stats.ByOperation[string(ev.Operation)]++
	}
	w.mu.Unlock()
	return err
}

func (w *Worker) apply(ctx context.Context, ev *types.SyncEvent) error {
	switch ev.Operation {
	case types.OpCreateMessage:
		var msg types.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		return w.store.UpsertMessage(ctx, &msg)

	case types.OpUpdateMessage:
		var p types.UpdateMessagePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decode update: %w", err)
		}
		return w.store.UpdateMessageFields(ctx, p.MessageID, p.UpdateData)

	case types.OpMarkAsRead:
		var p types.MarkAsReadPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decode read receipt: %w", err)
		}
		return w.store.AddReader(ctx, p.MessageID, p.UserID, p.ReadAt)

	case types.OpAddReaction:
		var p types.ReactionPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decode reaction: %w", err)
		}
		return w.store.AddReaction(ctx, p.MessageID, p.Emoji, p.UserID)

	case types.OpRemoveReaction:
		var p types.ReactionPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decode reaction: %w", err)
		}
		return w.store.RemoveReaction(ctx, p.MessageID, p.Emoji, p.UserID)

	case types.OpDeleteMessage:
		var p types.DeleteMessagePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decode delete: %w", err)
		}
		return w.store.SoftDeleteMessage(ctx, p.MessageID, p.DeletedAt)

	default:
		return fmt.Errorf("unknown operation %q", ev.Operation)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
