package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/auth"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/monitoring"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

type ctxKey int

const userKey ctxKey = iota

// requireAuth validates the x-auth-token and x-session-id headers and
// stores the authenticated user on the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("x-auth-token")
		sessionID := r.Header.Get("x-session-id")
		if token == "" || sessionID == "" {
			writeError(w, http.StatusUnauthorized, auth.MsgAuthError, "AUTH_REQUIRED")
			return
		}

		user, err := s.authn.Authenticate(r.Context(), token, sessionID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, auth.FailureMessage(err), "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// userFrom returns the authenticated user set by requireAuth.
func userFrom(r *http.Request) *types.User {
	u, _ := r.Context().Value(userKey).(*types.User)
	return u
}

const (
	visitorIdle   = 10 * time.Minute
	evictInterval = 5 * time.Minute
)

// ipLimiter is a per-IP token bucket. Buckets refill at perMinute/60 per
// second with a full-window burst, and idle entries are evicted so the map
// does not grow with every client ever seen.
type ipLimiter struct {
	limit  rate.Limit
	burst  int
	logger zerolog.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perMinute int, logger zerolog.Logger) *ipLimiter {
	l := &ipLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		logger:   logger,
		visitors: make(map[string]*visitor),
	}
	go l.evictLoop()
	return l
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

func (l *ipLimiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-visitorIdle)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// middleware enforces the bucket for one endpoint group.
func (l *ipLimiter) middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(remoteIP(r)) {
				monitoring.RecordRateLimited(group)
				l.logger.Warn().Str("group", group).Str("ip", remoteIP(r)).Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests,
					"너무 많은 요청입니다. 잠시 후 다시 시도해주세요.", "RATE_LIMIT_EXCEEDED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
