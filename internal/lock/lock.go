// Package lock provides distributed mutual exclusion over the hot tier.
// Ownership is a holder token (instanceId:epochMs:nonce) compared
// atomically by the release and renew scripts; expiry is the TTL.
//
// Mutual exclusion holds while the hot tier is reachable and clock skew
// stays below the TTL. A failed renew means ownership is already lost and
// must be treated as such immediately.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
)

const (
	keyPrefix = "distributed_lock:"

	// DefaultTTL bounds how long a crashed holder can block others.
	DefaultTTL = 30 * time.Second
	// DefaultRetries at 100ms spacing gives acquirers a 5s budget.
	DefaultRetries = 50

	retryInterval = 100 * time.Millisecond
)

type heldLock struct {
	key    string
	token  string
	ttl    time.Duration
	cancel context.CancelFunc // auto-renewal, nil when disabled
}

// Service tracks the locks this instance holds and talks to the shared key
// space. Safe for concurrent use.
type Service struct {
	store      hottier.Store
	logger     zerolog.Logger
	instanceID string

	mu   sync.Mutex
	held map[string]*heldLock

	wg sync.WaitGroup
}

func NewService(store hottier.Store, logger zerolog.Logger, instanceID string) *Service {
	return &Service{
		store:      store,
		logger:     logger,
		instanceID: instanceID,
		held:       make(map[string]*heldLock),
	}
}

func lockKey(resource string) string {
	return keyPrefix + resource
}

func (s *Service) newToken() string {
	return fmt.Sprintf("%s:%d:%s", s.instanceID, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Acquire attempts SET NX PX until it wins or the retry budget runs out.
// Zero ttl and retries select the defaults. An exhausted budget returns a
// lock-contention error.
func (s *Service) Acquire(ctx context.Context, resource string, ttl time.Duration, retries int) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retries <= 0 {
		retries = DefaultRetries
	}

	key := lockKey(resource)
	token := s.newToken()

	for attempt := 0; attempt <= retries; attempt++ {
		ok, err := s.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			s.logger.Warn().Err(err).Str("resource", resource).Msg("Lock acquire attempt failed")
		} else if ok {
			s.mu.Lock()
			s.held[resource] = &heldLock{key: key, token: token, ttl: ttl}
			s.mu.Unlock()
			monitoring.RecordLockAcquired()
			s.logger.Debug().Str("resource", resource).Dur("ttl", ttl).Msg("Distributed lock acquired")
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	monitoring.RecordLockContention()
	return false, &hottier.Error{Kind: hottier.KindLockContention, Op: "acquire",
		Err: fmt.Errorf("resource %s still held after %d retries", resource, retries)}
}

// Release deletes the key only when this instance still owns it. The local
// record is dropped either way; returns whether the remote delete happened.
func (s *Service) Release(ctx context.Context, resource string) (bool, error) {
	s.mu.Lock()
	l, ok := s.held[resource]
	if ok {
		delete(s.held, resource)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	s.stopRenewal(l)
	monitoring.RecordLockReleased()

	res, err := s.store.Eval(ctx, hottier.ScriptCompareDel, []string{l.key}, l.token)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", resource, err)
	}
	released := toInt(res) == 1
	if !released {
		s.logger.Warn().Str("resource", resource).Msg("Lock already expired or taken over at release")
	}
	return released, nil
}

// Renew extends the TTL while ownership still holds. A false return means
// the lock is lost; callers must stop relying on it.
func (s *Service) Renew(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	l, ok := s.held[resource]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		ttl = l.ttl
	}

	res, err := s.store.Eval(ctx, hottier.ScriptComparePExpire, []string{l.key}, l.token, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", resource, err)
	}
	if toInt(res) != 1 {
		// Ownership lost: drop local state so IsLockOwner stops lying.
		s.dropLock(resource)
		return false, nil
	}
	return true, nil
}

// EnableAutoRenewal renews the lock every interval until renewal fails or
// the lock is released. On failure the renewal stops and the lock expires
// on its own.
func (s *Service) EnableAutoRenewal(resource string, interval time.Duration) {
	s.mu.Lock()
	l, ok := s.held[resource]
	if !ok {
		s.mu.Unlock()
		return
	}
	if l.cancel != nil {
		// already renewing
		s.mu.Unlock()
		return
	}
	renewCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "lock.autorenew", map[string]any{"resource": resource})
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				ok, err := s.Renew(renewCtx, resource, 0)
				if err != nil || !ok {
					s.logger.Warn().Err(err).Str("resource", resource).
						Msg("Auto-renewal failed, letting lock expire")
					return
				}
			}
		}
	}()
}

// IsLockOwner compares the locally recorded token with the hot-tier value.
func (s *Service) IsLockOwner(ctx context.Context, resource string) (bool, error) {
	s.mu.Lock()
	l, ok := s.held[resource]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	val, err := s.store.Get(ctx, l.key)
	if err != nil {
		if hottier.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("islockowner %s: %w", resource, err)
	}
	return val == l.token, nil
}

// CleanupExpiredLocks drops local records whose keys no longer exist in the
// hot tier. Returns the number of entries removed.
func (s *Service) CleanupExpiredLocks(ctx context.Context) int {
	s.mu.Lock()
	resources := make([]string, 0, len(s.held))
	for r := range s.held {
		resources = append(resources, r)
	}
	s.mu.Unlock()

	cleaned := 0
	for _, resource := range resources {
		s.mu.Lock()
		l, ok := s.held[resource]
		s.mu.Unlock()
		if !ok {
			continue
		}
		exists, err := s.store.Exists(ctx, l.key)
		if err != nil {
			continue
		}
		if !exists {
			s.dropLock(resource)
			cleaned++
			s.logger.Debug().Str("resource", resource).Msg("Dropped expired lock record")
		}
	}
	return cleaned
}

// RunCleanup sweeps expired local records on each tick until the context is
// cancelled.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.CleanupExpiredLocks(ctx); n > 0 {
				s.logger.Info().Int("cleaned", n).Msg("Expired lock records cleaned up")
			}
		}
	}
}

// ActiveCount returns how many locks this instance currently records.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// ActiveResources lists the resources this instance currently records.
func (s *Service) ActiveResources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.held))
	for r := range s.held {
		out = append(out, r)
	}
	return out
}

// Shutdown releases every held lock and stops renewal goroutines.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	resources := make([]string, 0, len(s.held))
	for r := range s.held {
		resources = append(resources, r)
	}
	s.mu.Unlock()

	for _, r := range resources {
		if _, err := s.Release(ctx, r); err != nil {
			s.logger.Warn().Err(err).Str("resource", r).Msg("Failed to release lock during shutdown")
		}
	}
	s.wg.Wait()
}

// dropLock removes the local record and stops its renewal without touching
// the hot tier.
func (s *Service) dropLock(resource string) {
	s.mu.Lock()
	l, ok := s.held[resource]
	if ok {
		delete(s.held, resource)
	}
	s.mu.Unlock()
	if ok {
		s.stopRenewal(l)
		monitoring.RecordLockReleased()
	}
}

func (s *Service) stopRenewal(l *heldLock) {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
