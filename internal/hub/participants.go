package hub

import (
	"sync"
	"time"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const participantsTTL = 5 * time.Minute

// participantsCache keeps recently seen participant lists so broadcasts
// after a disconnect do not each hit the room cache. Entries are evicted
// lazily on read and explicitly on cross-instance invalidation.
type participantsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]participantsEntry
}

type participantsEntry struct {
	list    []types.Participant
	expires time.Time
}

func newParticipantsCache(ttl time.Duration) *participantsCache {
	return &participantsCache{
		ttl:     ttl,
		entries: make(map[string]participantsEntry),
	}
}

func (c *participantsCache) get(roomID string) ([]types.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[roomID]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, roomID)
		return nil, false
	}
	return e.list, true
}

func (c *participantsCache) put(roomID string, list []types.Participant) {
	c.mu.Lock()
	c.entries[roomID] = participantsEntry{list: list, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *participantsCache) invalidate(roomID string) {
	c.mu.Lock()
	delete(c.entries, roomID)
	c.mu.Unlock()
}

func (c *participantsCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
