package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/ai"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// ActiveStream is the snapshot of an in-flight assistant response handed
// to late joiners so they can render the partial message.
type ActiveStream struct {
	MessageID string       `json:"messageId"`
	AIType    string       `json:"aiType"`
	Content   string       `json:"content"`
	Timestamp types.TimeMS `json:"timestamp"`
}

type stream struct {
	id        string
	roomID    string
	aiType    string
	ownerID   string
	content   strings.Builder
	startedAt types.TimeMS
	updatedAt types.TimeMS
	cancel    context.CancelFunc
}

// StreamRegistry tracks in-flight assistant responses per instance. The
// hub consults it on join (partial content replay) and on disconnect
// (cancelling the owner's streams).
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func newStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*stream)}
}

func (r *StreamRegistry) begin(st *stream) {
	r.mu.Lock()
	r.streams[st.id] = st
	r.mu.Unlock()
}

// append accumulates a chunk and returns the full content so far. The
// second return is false once the stream has ended or been cancelled.
func (r *StreamRegistry) append(id, chunk string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[id]
	if !ok {
		return "", false
	}
	st.content.WriteString(chunk)
	st.updatedAt = types.NowMS()
	return st.content.String(), true
}

func (r *StreamRegistry) snapshot(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[id]
	if !ok {
		return "", false
	}
	return st.content.String(), true
}

func (r *StreamRegistry) end(id string) {
	r.mu.Lock()
	st, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// forRoom snapshots the room's live streams, oldest first.
func (r *StreamRegistry) forRoom(roomID string) []ActiveStream {
	r.mu.Lock()
	out := make([]ActiveStream, 0, 2)
	for _, st := range r.streams {
		if st.roomID != roomID {
			continue
		}
		out = append(out, ActiveStream{
			MessageID: st.id,
			AIType:    st.aiType,
			Content:   st.content.String(),
			Timestamp: st.startedAt,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (r *StreamRegistry) cancelOwner(userID string) {
	r.cancelWhere(func(st *stream) bool { return st.ownerID == userID })
}

func (r *StreamRegistry) cancelOwnerInRoom(userID, roomID string) {
	r.cancelWhere(func(st *stream) bool { return st.ownerID == userID && st.roomID == roomID })
}

func (r *StreamRegistry) cancelWhere(match func(*stream) bool) {
	r.mu.Lock()
	var cancelled []*stream
	for id, st := range r.streams {
		if match(st) {
			delete(r.streams, id)
			cancelled = append(cancelled, st)
		}
	}
	r.mu.Unlock()
	for _, st := range cancelled {
		st.cancel()
	}
}

func (r *StreamRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// startAIStream kicks off one assistant response for a mention. The
// stream lives under the requesting session's context, so a disconnect
// cancels it and late chunks become no-ops.
func (h *Hub) startAIStream(s *session, roomID, aiType, content string) {
	if h.provider == nil {
		return
	}
	query := ai.StripMention(content, aiType)
	if query == "" {
		return
	}

	id := fmt.Sprintf("%s-%d", aiType, time.Now().UnixMilli())
	ctx, cancel := context.WithCancel(s.ctx)
	st := &stream{
		id:        id,
		roomID:    roomID,
		aiType:    aiType,
		ownerID:   s.user.ID,
		startedAt: types.NowMS(),
		cancel:    cancel,
	}
	h.streams.begin(st)

	h.BroadcastToRoom(roomID, "aiMessageStart", map[string]any{
		"messageId": id,
		"aiType":    aiType,
		"timestamp": st.startedAt,
	}, "")

	ch, err := h.provider.Stream(ctx, ai.Request{AIType: aiType, Query: query})
	if err != nil {
		h.streams.end(id)
		h.logger.Warn().Err(err).Str("ai_type", aiType).Msg("AI stream start failed")
		h.BroadcastToRoom(roomID, "aiMessageError", map[string]any{
			"messageId": id,
			"error":     err.Error(),
			"aiType":    aiType,
		}, "")
		monitoring.RecordAIStream("error")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer monitoring.RecoverPanic(h.logger, "aiStream", map[string]any{"stream_id": id})
		defer h.streams.end(id)
		h.drainAIStream(ch, id, roomID, aiType, query)
	}()
}

func (h *Hub) drainAIStream(ch <-chan ai.Chunk, id, roomID, aiType, query string) {
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			if errors.Is(chunk.Err, context.Canceled) {
				monitoring.RecordAIStream("cancelled")
				return
			}
			h.logger.Warn().Err(chunk.Err).Str("stream_id", id).Msg("AI stream failed")
			h.BroadcastToRoom(roomID, "aiMessageError", map[string]any{
				"messageId": id,
				"error":     chunk.Err.Error(),
				"aiType":    aiType,
			}, "")
			monitoring.RecordAIStream("error")
			return

		case chunk.Final != nil:
			h.completeAIStream(id, roomID, aiType, query, chunk.Final)
			return

		default:
			full, live := h.streams.append(id, chunk.Content)
			if !live {
				return
			}
			h.BroadcastToRoom(roomID, "aiMessageChunk", map[string]any{
				"messageId":    id,
				"currentChunk": chunk.Content,
				"fullContent":  full,
				"isCodeBlock":  chunk.IsCodeBlock,
				"timestamp":    types.NowMS(),
				"aiType":       aiType,
				"isComplete":   false,
			}, "")
			monitoring.RecordAIChunk()
		}
	}
}

func (h *Hub) completeAIStream(id, roomID, aiType, query string, usage *ai.Usage) {
	full, live := h.streams.snapshot(id)
	if !live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	msg, err := h.messages.CreateMessage(ctx, msgcache.CreateInput{
		RoomID:  roomID,
		Type:    types.MessageAI,
		Content: full,
		AIType:  aiType,
		Metadata: map[string]any{
			"query":            query,
			"generationTime":   usage.GenerationTimeMS,
			"completionTokens": usage.CompletionTokens,
			"totalTokens":      usage.TotalTokens,
		},
	})
	if err != nil {
		h.logger.Error().Err(err).Str("stream_id", id).Msg("AI message persist failed")
		h.BroadcastToRoom(roomID, "aiMessageError", map[string]any{
			"messageId": id,
			"error":     errSendFailed,
			"aiType":    aiType,
		}, "")
		monitoring.RecordAIStream("error")
		return
	}

	h.BroadcastToRoom(roomID, "aiMessageComplete", map[string]any{
		"messageId":  id,
		"_id":        msg.ID,
		"content":    full,
		"aiType":     aiType,
		"timestamp":  msg.Timestamp,
		"isComplete": true,
		"query":      query,
		"reactions":  map[string][]string{},
	}, "")
	monitoring.RecordAIStream("complete")
}
