package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"qa-chat/internal/domain"
	"qa-chat/internal/integrations/firebaseauth"
)

type fakeAuth struct {
	user       domain.User
	err        error
	signOutErr error
	signedOut  bool
	idp        firebaseauth.IdPCredential
	name       string
}

func (f *fakeAuth) SignUp(_ context.Context, _, _, displayName string) (domain.User, error) {
	f.name = displayName
	return f.user, f.err
}

func (f *fakeAuth) SignIn(context.Context, string, string) (domain.User, error) {
	return f.user, f.err
}

func (f *fakeAuth) SignInWithIdP(_ context.Context, idp firebaseauth.IdPCredential) (domain.User, error) {
	f.idp = idp
	return f.user, f.err
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.signedOut = true
	return f.signOutErr
}

func (f *fakeAuth) CurrentUser() *domain.User {
	if f.signedOut || f.user.UID == "" {
		return nil
	}
	u := f.user
	return &u
}

type fakeProfiles struct {
	inited []domain.User
	err    error
}

func (f *fakeProfiles) InitProfile(_ context.Context, u domain.User) error {
	f.inited = append(f.inited, u)
	return f.err
}

func newAccount(t *testing.T, auth *fakeAuth, profiles *fakeProfiles) *AccountService {
	t.Helper()
	svc, err := NewAccountService(auth, profiles, testLogger())
	require.NoError(t, err)
	return svc
}

func TestAccount_RegisterInitializesProfile(t *testing.T) {
	auth := &fakeAuth{user: domain.User{UID: "u-1", Email: "ada@example.com", DisplayName: "Ada"}}
	profiles := &fakeProfiles{}
	svc := newAccount(t, auth, profiles)

	user, err := svc.Register(context.Background(), "ada@example.com", "hunter22", "Ada")
	require.NoError(t, err)
	require.Equal(t, "u-1", user.UID)
	require.Equal(t, "Ada", auth.name)
	require.Equal(t, []domain.User{user}, profiles.inited)
	require.Equal(t, "u-1", svc.Current().UID)
}

func TestAccount_InputValidation(t *testing.T) {
	svc := newAccount(t, &fakeAuth{}, &fakeProfiles{})

	_, err := svc.SignIn(context.Background(), " ", "pw")
	requireCode(t, err, ErrorInvalidInput)
	_, err = svc.Register(context.Background(), "a@b.c", "", "x")
	requireCode(t, err, ErrorInvalidInput)
	_, err = svc.SignInWithProvider(context.Background(), firebaseauth.IdPCredential{ProviderID: "google.com"})
	requireCode(t, err, ErrorInvalidInput)
}

func TestAccount_ProviderRejection(t *testing.T) {
	auth := &fakeAuth{err: &firebaseauth.APIError{StatusCode: 400, Message: "INVALID_LOGIN_CREDENTIALS"}}
	profiles := &fakeProfiles{}
	svc := newAccount(t, auth, profiles)

	_, err := svc.SignIn(context.Background(), "ada@example.com", "wrong")
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, ErrorUnauthenticated, ue.Code)
	require.Equal(t, "invalid_login_credentials", ue.Reason)
	require.Empty(t, profiles.inited)
}

func TestAccount_TransportFailureIsUpstream(t *testing.T) {
	svc := newAccount(t, &fakeAuth{err: errors.New("dial tcp: timeout")}, &fakeProfiles{})
	_, err := svc.SignIn(context.Background(), "ada@example.com", "pw")
	requireCode(t, err, ErrorUpstream)
}

func TestAccount_ProfileInitFailureKeepsUser(t *testing.T) {
	auth := &fakeAuth{user: domain.User{UID: "u-2"}}
	svc := newAccount(t, auth, &fakeProfiles{err: errors.New("permission denied")})

	user, err := svc.SignInWithProvider(context.Background(), firebaseauth.IdPCredential{ProviderID: "google.com", IDToken: "g-token"})
	requireCode(t, err, ErrorPersistence)
	require.Equal(t, "u-2", user.UID)
	require.Equal(t, "g-token", auth.idp.IDToken)
}

func TestAccount_SignOut(t *testing.T) {
	auth := &fakeAuth{user: domain.User{UID: "u-1"}}
	svc := newAccount(t, auth, &fakeProfiles{})

	require.NoError(t, svc.SignOut(context.Background()))
	require.Nil(t, svc.Current())

	auth.signOutErr = errors.New("disk full")
	requireCode(t, svc.SignOut(context.Background()), ErrorPersistence)
}
