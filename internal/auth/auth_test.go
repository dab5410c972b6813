package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

type fakeUsers struct {
	users map[string]*types.User
}

func (f *fakeUsers) GetUser(ctx context.Context, id string) (*types.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return u, nil
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("test-secret")
	token, err := m.Generate("u1", "sess-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "u1" || claims.SessionID != "sess-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenExpiry(t *testing.T) {
	m := NewTokenManager("test-secret")
	token, err := m.Generate("u1", "sess-1", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := NewTokenManager("secret-a").Generate("u1", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewTokenManager("secret-b").Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
	if _, err := NewTokenManager("secret-a").Verify("not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestSessionValidation(t *testing.T) {
	store := hottier.NewFallback()
	defer store.Close()
	ctx := context.Background()
	sessions := NewHotTierSessions(store, zerolog.Nop())

	if err := store.Set(ctx, SessionKeyPrefix+"u1", "sess-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Validate(ctx, "u1", "sess-1"); err != nil {
		t.Errorf("valid session rejected: %v", err)
	}
	if err := sessions.Validate(ctx, "u1", "sess-2"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("mismatched session: err = %v", err)
	}
	if err := sessions.Validate(ctx, "u2", "sess-1"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("unknown user: err = %v", err)
	}
	if err := sessions.Invalidate(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Validate(ctx, "u1", "sess-1"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("invalidated session: err = %v", err)
	}
}

func TestAuthenticateFlow(t *testing.T) {
	store := hottier.NewFallback()
	defer store.Close()
	ctx := context.Background()
	tokens := NewTokenManager("test-secret")
	users := &fakeUsers{users: map[string]*types.User{
		"u1": {ID: "u1", Name: "Kim", Email: "kim@example.com"},
	}}
	a := NewAuthenticator(tokens, NewHotTierSessions(store, zerolog.Nop()), users, zerolog.Nop())

	if err := store.Set(ctx, SessionKeyPrefix+"u1", "sess-1", 0); err != nil {
		t.Fatal(err)
	}
	token, err := tokens.Generate("u1", "sess-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	user, err := a.Authenticate(ctx, token, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Name != "Kim" {
		t.Errorf("user = %+v", user)
	}

	if _, err := a.Authenticate(ctx, token, "sess-other"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("session mismatch: err = %v", err)
	}
	if _, err := a.Authenticate(ctx, "", "sess-1"); err == nil {
		t.Error("missing token accepted")
	}

	// Known session, vanished account.
	ghost, err := tokens.Generate("u9", "sess-9", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, SessionKeyPrefix+"u9", "sess-9", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(ctx, ghost, "sess-9"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing user: err = %v", err)
	}
}

func TestVerifyOwnership(t *testing.T) {
	tokens := NewTokenManager("test-secret")
	a := NewAuthenticator(tokens, nil, nil, zerolog.Nop())
	token, err := tokens.Generate("u1", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.VerifyOwnership(token, "u1"); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	if err := a.VerifyOwnership(token, "u2"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("foreign token: err = %v", err)
	}
}

func TestFailureMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrTokenExpired, MsgTokenExpired},
		{ErrTokenInvalid, MsgTokenInvalid},
		{ErrSessionInvalid, MsgSessionInvalid},
		{ErrUserNotFound, MsgUserNotFound},
		{errMissingCredentials, MsgAuthError},
		{errors.New("dial tcp: refused"), MsgAuthError},
	}
	for _, tc := range cases {
		if got := FailureMessage(tc.err); got != tc.want {
			t.Errorf("FailureMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
