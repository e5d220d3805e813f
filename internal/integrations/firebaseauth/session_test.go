package firebaseauth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"qa-chat/internal/devicestore"
	"qa-chat/internal/domain"
)

type fakeAuth struct {
	mu         sync.Mutex
	cred       Credential
	err        error
	refresh    RefreshResult
	refreshErr error
	refreshes  int
	updated    string
	lookup     LookupResult
}

func (f *fakeAuth) SignUp(_ context.Context, email, _ string) (Credential, error) {
	c := f.cred
	c.Email = email
	return c, f.err
}

func (f *fakeAuth) SignInWithPassword(_ context.Context, email, _ string) (Credential, error) {
	c := f.cred
	c.Email = email
	return c, f.err
}

func (f *fakeAuth) SignInWithIdP(_ context.Context, _ IdPCredential) (Credential, error) {
	return f.cred, f.err
}

func (f *fakeAuth) UpdateProfile(_ context.Context, _, displayName string) (Credential, error) {
	f.updated = displayName
	return Credential{IDToken: "id-after-update"}, nil
}

func (f *fakeAuth) Lookup(_ context.Context, _ string) (LookupResult, error) {
	return f.lookup, nil
}

func (f *fakeAuth) Refresh(_ context.Context, _ string) (RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refresh, f.refreshErr
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func newTestSession(t *testing.T, api authAPI, kv devicestore.KV) *Session {
	t.Helper()
	s, err := NewSession(api, kv, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestNewSession_NilDeps(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewSession(nil, devicestore.NewMemory(), logger)
	require.ErrorContains(t, err, "api must not be nil")
	_, err = NewSession(&fakeAuth{}, nil, logger)
	require.ErrorContains(t, err, "device store must not be nil")
	_, err = NewSession(&fakeAuth{}, devicestore.NewMemory(), nil)
	require.ErrorContains(t, err, "logger must not be nil")
}

func TestSession_SignInNotifiesAndPersists(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	api := &fakeAuth{cred: Credential{
		LocalID:      "u1",
		IDToken:      signedToken(t, time.Now().Add(time.Hour)),
		RefreshToken: "rt",
	}}
	s := newTestSession(t, api, kv)

	var seen []*domain.User
	unsubscribe := s.OnAuthStateChanged(func(u *domain.User) { seen = append(seen, u) })
	require.Len(t, seen, 1)
	require.Nil(t, seen[0])

	u, err := s.SignIn(ctx, " a@b.c ", "pw")
	require.NoError(t, err)
	require.Equal(t, "u1", u.UID)
	require.Equal(t, "a@b.c", u.Email)

	require.Len(t, seen, 2)
	require.Equal(t, "u1", seen[1].UID)
	require.Equal(t, "u1", s.CurrentUser().UID)

	raw, ok, err := kv.Get(ctx, sessionKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, raw, `"refreshToken":"rt"`)

	unsubscribe()
	require.NoError(t, s.SignOut(ctx))
	require.Len(t, seen, 2)
	require.Nil(t, s.CurrentUser())

	_, ok, err = kv.Get(ctx, sessionKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSession_SignUpSetsDisplayName(t *testing.T) {
	api := &fakeAuth{cred: Credential{LocalID: "u1", IDToken: "id", RefreshToken: "rt"}}
	s := newTestSession(t, api, devicestore.NewMemory())

	u, err := s.SignUp(context.Background(), "a@b.c", "pw", " Ada ")
	require.NoError(t, err)
	require.Equal(t, "Ada", api.updated)
	require.Equal(t, "Ada", u.DisplayName)
}

func TestSession_SignInFailureKeepsState(t *testing.T) {
	api := &fakeAuth{err: &APIError{StatusCode: 400, Message: "INVALID_PASSWORD"}}
	s := newTestSession(t, api, devicestore.NewMemory())

	_, err := s.SignIn(context.Background(), "a@b.c", "bad")
	require.Error(t, err)
	require.Nil(t, s.CurrentUser())
}

func TestSession_IncompleteCredential(t *testing.T) {
	api := &fakeAuth{cred: Credential{LocalID: "u1"}}
	s := newTestSession(t, api, devicestore.NewMemory())

	_, err := s.SignIn(context.Background(), "a@b.c", "pw")
	require.ErrorContains(t, err, "incomplete credential")
}

func TestSession_RestoreAcrossInstances(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	api := &fakeAuth{cred: Credential{LocalID: "u1", IDToken: "id", RefreshToken: "rt"}}

	first := newTestSession(t, api, kv)
	_, err := first.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	second := newTestSession(t, api, kv)
	require.NoError(t, second.Restore(ctx))
	require.Equal(t, "u1", second.CurrentUser().UID)
}

func TestSession_RestoreDiscardsCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	require.NoError(t, kv.Set(ctx, sessionKey, "{not json"))

	s := newTestSession(t, &fakeAuth{}, kv)
	require.NoError(t, s.Restore(ctx))
	require.Nil(t, s.CurrentUser())

	_, ok, _ := kv.Get(ctx, sessionKey)
	require.False(t, ok)
}

func TestIDToken_NoSession(t *testing.T) {
	s := newTestSession(t, &fakeAuth{}, devicestore.NewMemory())
	_, err := s.IDToken(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestIDToken_FreshTokenNotRefreshed(t *testing.T) {
	ctx := context.Background()
	tok := signedToken(t, time.Now().Add(time.Hour))
	api := &fakeAuth{cred: Credential{LocalID: "u1", IDToken: tok, RefreshToken: "rt"}}
	s := newTestSession(t, api, devicestore.NewMemory())
	_, err := s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	got, err := s.IDToken(ctx)
	require.NoError(t, err)
	require.Equal(t, tok, got)
	require.Zero(t, api.refreshes)
}

func TestIDToken_RefreshesNearExpiry(t *testing.T) {
	ctx := context.Background()
	stale := signedToken(t, time.Now().Add(time.Minute))
	fresh := signedToken(t, time.Now().Add(time.Hour))
	api := &fakeAuth{
		cred:    Credential{LocalID: "u1", IDToken: stale, RefreshToken: "rt"},
		refresh: RefreshResult{IDToken: fresh, RefreshToken: "rt-2", ExpiresIn: "3600"},
	}
	kv := devicestore.NewMemory()
	s := newTestSession(t, api, kv)
	_, err := s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	got, err := s.IDToken(ctx)
	require.NoError(t, err)
	require.Equal(t, fresh, got)
	require.Equal(t, 1, api.refreshes)

	_, err = s.IDToken(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, api.refreshes)

	raw, _, _ := kv.Get(ctx, sessionKey)
	require.Contains(t, raw, "rt-2")
}

func TestIDToken_RevokedSignsOut(t *testing.T) {
	ctx := context.Background()
	api := &fakeAuth{
		cred:       Credential{LocalID: "u1", IDToken: signedToken(t, time.Now().Add(-time.Minute)), RefreshToken: "rt"},
		refreshErr: &APIError{StatusCode: 400, Message: "TOKEN_EXPIRED"},
	}
	s := newTestSession(t, api, devicestore.NewMemory())
	_, err := s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	seen := make(chan *domain.User, 4)
	s.OnAuthStateChanged(func(u *domain.User) { seen <- u })
	require.NotNil(t, <-seen)

	_, err = s.IDToken(ctx)
	require.ErrorIs(t, err, ErrNoSession)
	require.Nil(t, s.CurrentUser())

	_, ok, err := s.kv.Get(ctx, sessionKey)
	require.NoError(t, err)
	require.False(t, ok)

	select {
	case u := <-seen:
		require.Nil(t, u)
	case <-time.After(2 * time.Second):
		t.Fatal("sign-out after revocation was not delivered")
	}
}

// A listener that needs a token while the revocation is being handled must
// not block the request that triggered it.
func TestIDToken_RevocationDeliveredOffCallerStack(t *testing.T) {
	ctx := context.Background()
	api := &fakeAuth{
		cred:       Credential{LocalID: "u1", IDToken: signedToken(t, time.Now().Add(-time.Minute)), RefreshToken: "rt"},
		refreshErr: &APIError{StatusCode: 400, Message: "INVALID_REFRESH_TOKEN"},
	}
	s := newTestSession(t, api, devicestore.NewMemory())
	_, err := s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	var held sync.Mutex
	signedOut := make(chan struct{})
	s.OnAuthStateChanged(func(u *domain.User) {
		if u != nil {
			return
		}
		held.Lock()
		defer held.Unlock()
		close(signedOut)
	})

	done := make(chan error, 1)
	go func() {
		held.Lock()
		defer held.Unlock()
		_, err := s.IDToken(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNoSession)
	case <-time.After(2 * time.Second):
		t.Fatal("IDToken blocked on its own sign-out notification")
	}
	select {
	case <-signedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("sign-out was not delivered")
	}
}

func TestIDToken_TransientRefreshErrorKeepsSession(t *testing.T) {
	ctx := context.Background()
	api := &fakeAuth{
		cred:       Credential{LocalID: "u1", IDToken: signedToken(t, time.Now().Add(-time.Minute)), RefreshToken: "rt"},
		refreshErr: &APIError{StatusCode: http.StatusServiceUnavailable, Message: "UNAVAILABLE"},
	}
	s := newTestSession(t, api, devicestore.NewMemory())
	_, err := s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	_, err = s.IDToken(ctx)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoSession))
	require.NotNil(t, s.CurrentUser())
}

func TestTokenSource_BearerToken(t *testing.T) {
	ctx := context.Background()
	tok := signedToken(t, time.Now().Add(time.Hour))
	api := &fakeAuth{cred: Credential{LocalID: "u1", IDToken: tok, RefreshToken: "rt"}}
	s := newTestSession(t, api, devicestore.NewMemory())
	_, err := s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	ot, err := s.TokenSource(ctx).Token()
	require.NoError(t, err)
	require.Equal(t, tok, ot.AccessToken)
	require.Equal(t, "Bearer", ot.TokenType)
	require.True(t, ot.Valid())
}

func TestReload_UpdatesProfile(t *testing.T) {
	ctx := context.Background()
	api := &fakeAuth{cred: Credential{LocalID: "u1", IDToken: signedToken(t, time.Now().Add(time.Hour)), RefreshToken: "rt"}}
	api.lookup.Users = []LookupUser{{LocalID: "u1", Email: "a@b.c", DisplayName: "Ada"}}
	s := newTestSession(t, api, devicestore.NewMemory())
	_, err := s.SignIn(ctx, "a@b.c", "pw")
	require.NoError(t, err)

	u, err := s.Reload(ctx)
	require.NoError(t, err)
	require.Equal(t, "Ada", u.DisplayName)
	require.Equal(t, "Ada", s.CurrentUser().DisplayName)
}

func TestTokenExpiry_FallsBackToExpiresIn(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	require.Equal(t, now.Add(120*time.Second), tokenExpiry("opaque", "120", now))
	require.Equal(t, now.Add(time.Hour), tokenExpiry("opaque", "", now))

	exp := now.Add(30 * time.Minute).Truncate(time.Second)
	require.True(t, exp.Equal(tokenExpiry(signedToken(t, exp), "5", now)))
}

func TestIsFresh(t *testing.T) {
	now := time.Now()
	require.True(t, isFresh(now.Add(time.Hour), now))
	require.False(t, isFresh(now.Add(time.Minute), now))
	require.False(t, isFresh(time.Time{}, now))
}
