package hub

import (
	"context"
	"sync"
	"time"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/msgcache"
)

const (
	maxLoadRetries = 3
	loadTimeout    = 10 * time.Second
	loadBaseDelay  = 2 * time.Second
	loadMaxDelay   = 10 * time.Second
)

// loadGuard serialises history loads per (room, user). At most one load
// runs per pair, and consecutive failures shrink the next call's retry
// budget so a struggling backend is not hammered. A success clears the
// failure memory; so does a fully exhausted cycle, the client already got
// its error.
type loadGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	failures map[string]int
}

func newLoadGuard() *loadGuard {
	return &loadGuard{
		inflight: make(map[string]struct{}),
		failures: make(map[string]int),
	}
}

func loadKey(roomID, userID string) string {
	return roomID + "/" + userID
}

func (g *loadGuard) tryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *loadGuard) release(key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
}

// clear drops both the in-flight mark and the failure memory, used when
// the session leaves the room or disconnects.
func (g *loadGuard) clear(key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	delete(g.failures, key)
	g.mu.Unlock()
}

// attemptBudget converts carried failures into this call's attempt count.
// Always at least one attempt.
func (g *loadGuard) attemptBudget(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.failures[key]
	if n >= maxLoadRetries {
		delete(g.failures, key)
		n = 0
	}
	return maxLoadRetries - n
}

func (g *loadGuard) recordFailure(key string) {
	g.mu.Lock()
	g.failures[key]++
	g.mu.Unlock()
}

func (g *loadGuard) resetFailures(key string) {
	g.mu.Lock()
	delete(g.failures, key)
	g.mu.Unlock()
}

func (g *loadGuard) failureCount(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures[key]
}

// load runs the history query under the 10 s overall timeout, backing off
// 2 s, 4 s, 8 s (capped) between attempts.
func (g *loadGuard) load(ctx context.Context, svc MessageService, key string, q msgcache.HistoryQuery) (*msgcache.HistoryPage, error) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	budget := g.attemptBudget(key)
	var lastErr error
	for i := 0; i < budget; i++ {
		if i > 0 {
			delay := loadBaseDelay << (i - 1)
			if delay > loadMaxDelay {
				delay = loadMaxDelay
			}
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, lastErr
			case <-t.C:
			}
		}
		page, err := svc.GetMessagesByRoom(ctx, q)
		if err == nil {
			g.resetFailures(key)
			return page, nil
		}
		lastErr = err
		g.recordFailure(key)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
