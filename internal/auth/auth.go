// Package auth is the authentication boundary for realtime and HTTP
// callers: JWT verification, session validation against the hot tier, and
// the user lookup that completes a handshake. Account creation and login
// live outside this system; this package only checks what the login
// service issued.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

// Handshake failure strings. Clients display these verbatim, so they are
// part of the wire contract.
const (
	MsgAuthError      = "Authentication error"
	MsgTokenExpired   = "Token expired"
	MsgTokenInvalid   = "Invalid token"
	MsgUserNotFound   = "User not found"
	MsgSessionInvalid = "Invalid session"
)

var (
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenInvalid   = errors.New("auth: token invalid")
	ErrSessionInvalid = errors.New("auth: session invalid")
	ErrUserNotFound   = errors.New("auth: user not found")

	errMissingCredentials = errors.New("auth: missing credentials")
)

// FailureMessage maps an authentication error to its wire string.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return MsgTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return MsgTokenInvalid
	case errors.Is(err, ErrSessionInvalid):
		return MsgSessionInvalid
	case errors.Is(err, ErrUserNotFound):
		return MsgUserNotFound
	default:
		return MsgAuthError
	}
}

// Claims is the token payload issued by the login service.
type Claims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 tokens with the shared secret.
type TokenManager struct {
	secret []byte
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// Verify parses and validates a token, returning its claims.
func (m *TokenManager) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Generate issues a token for the user. Used by tooling and tests; the
// production issuer is the login service sharing the same secret.
func (m *TokenManager) Generate(userID, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// SessionKeyPrefix keys the per-user active session in the hot tier. The
// login service writes it; this system only reads and invalidates.
const SessionKeyPrefix = "session:"

// SessionService validates and revokes the single active session per user.
type SessionService interface {
	Validate(ctx context.Context, userID, sessionID string) error
	Invalidate(ctx context.Context, userID string) error
}

// HotTierSessions validates sessions by strict equality against the
// hot-tier record.
type HotTierSessions struct {
	store  hottier.Store
	logger zerolog.Logger
}

func NewHotTierSessions(store hottier.Store, logger zerolog.Logger) *HotTierSessions {
	return &HotTierSessions{
		store:  store,
		logger: logger.With().Str("component", "sessions").Logger(),
	}
}

func (s *HotTierSessions) Validate(ctx context.Context, userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return ErrSessionInvalid
	}
	stored, err := s.store.Get(ctx, SessionKeyPrefix+userID)
	if hottier.IsNotFound(err) {
		return ErrSessionInvalid
	}
	if err != nil {
		return err
	}
	if stored != sessionID {
		return ErrSessionInvalid
	}
	return nil
}

func (s *HotTierSessions) Invalidate(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	return s.store.Del(ctx, SessionKeyPrefix+userID)
}

// Authenticator runs the full handshake: token, session, user.
type Authenticator struct {
	tokens   *TokenManager
	sessions SessionService
	users    durable.UserStore
	logger   zerolog.Logger
}

func NewAuthenticator(tokens *TokenManager, sessions SessionService, users durable.UserStore, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		sessions: sessions,
		users:    users,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// Authenticate verifies the token, checks the session and resolves the
// user. Callers surface FailureMessage(err) to the client on failure.
func (a *Authenticator) Authenticate(ctx context.Context, token, sessionID string) (*types.User, error) {
	if token == "" || sessionID == "" {
		return nil, errMissingCredentials
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != "" && claims.SessionID != sessionID {
		return nil, ErrSessionInvalid
	}
	if err := a.sessions.Validate(ctx, claims.UserID, sessionID); err != nil {
		return nil, err
	}
	user, err := a.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// VerifyOwnership checks that a raw token belongs to the given user.
// Backs the force-logout event.
func (a *Authenticator) VerifyOwnership(token, userID string) error {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return err
	}
	if claims.UserID != userID {
		return ErrTokenInvalid
	}
	return nil
}
