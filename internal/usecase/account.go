package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"qa-chat/internal/domain"
	"qa-chat/internal/integrations/firebaseauth"
)

type Authenticator interface {
	SignUp(ctx context.Context, email, password, displayName string) (domain.User, error)
	SignIn(ctx context.Context, email, password string) (domain.User, error)
	SignInWithIdP(ctx context.Context, idp firebaseauth.IdPCredential) (domain.User, error)
	SignOut(ctx context.Context) error
	CurrentUser() *domain.User
}

type ProfileInitializer interface {
	InitProfile(ctx context.Context, user domain.User) error
}

// providerCoder is implemented by identity provider errors that carry a
// machine-readable code.
type providerCoder interface {
	Code() string
}

// AccountService signs users in and out and makes sure every signed-in user
// has a profile record to save transcripts into.
type AccountService struct {
	auth     Authenticator
	profiles ProfileInitializer
	logger   *slog.Logger
}

func NewAccountService(auth Authenticator, profiles ProfileInitializer, logger *slog.Logger) (*AccountService, error) {
	if auth == nil {
		return nil, errors.New("usecase: authenticator must not be nil")
	}
	if profiles == nil {
		return nil, errors.New("usecase: profile initializer must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	return &AccountService{auth: auth, profiles: profiles, logger: logger}, nil
}

// Register creates an email/password account with a display name.
func (s *AccountService) Register(ctx context.Context, email, password, username string) (domain.User, error) {
	if err := requireCredentials(email, password); err != nil {
		return domain.User{}, err
	}
	user, err := s.auth.SignUp(ctx, email, password, username)
	if err != nil {
		return domain.User{}, s.authError("sign_up", err)
	}
	return user, s.initProfile(ctx, user)
}

func (s *AccountService) SignIn(ctx context.Context, email, password string) (domain.User, error) {
	if err := requireCredentials(email, password); err != nil {
		return domain.User{}, err
	}
	user, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return domain.User{}, s.authError("sign_in", err)
	}
	return user, s.initProfile(ctx, user)
}

// SignInWithProvider exchanges an OAuth credential obtained out of band.
func (s *AccountService) SignInWithProvider(ctx context.Context, idp firebaseauth.IdPCredential) (domain.User, error) {
	if strings.TrimSpace(idp.IDToken) == "" && strings.TrimSpace(idp.AccessToken) == "" {
		return domain.User{}, newError(ErrorInvalidInput, "missing_provider_token", nil)
	}
	user, err := s.auth.SignInWithIdP(ctx, idp)
	if err != nil {
		return domain.User{}, s.authError("sign_in_with_idp", err)
	}
	return user, s.initProfile(ctx, user)
}

func (s *AccountService) SignOut(ctx context.Context) error {
	if err := s.auth.SignOut(ctx); err != nil {
		s.logger.Error("sign out failed", "err", err)
		return newError(ErrorPersistence, "sign_out", err)
	}
	return nil
}

// Current returns the signed-in user, or nil for a guest.
func (s *AccountService) Current() *domain.User {
	return s.auth.CurrentUser()
}

// initProfile runs after a successful sign-in. A failure leaves the user
// signed in but reports that transcripts cannot be saved yet.
func (s *AccountService) initProfile(ctx context.Context, user domain.User) error {
	if err := s.profiles.InitProfile(ctx, user); err != nil {
		s.logger.Error("profile initialization failed", "uid", user.UID, "err", err)
		return newError(ErrorPersistence, "profile_init_failed", err)
	}
	s.logger.Info("signed in", "uid", user.UID)
	return nil
}

func (s *AccountService) authError(op string, err error) error {
	var pc providerCoder
	if errors.As(err, &pc) && pc.Code() != "" {
		s.logger.Warn("identity provider rejected request", "op", op, "code", pc.Code())
		return newError(ErrorUnauthenticated, strings.ToLower(pc.Code()), err)
	}
	s.logger.Error("identity provider request failed", "op", op, "err", err)
	return newError(ErrorUpstream, op+"_failed", err)
}

func requireCredentials(email, password string) error {
	if strings.TrimSpace(email) == "" {
		return newError(ErrorInvalidInput, "missing_email", nil)
	}
	if password == "" {
		return newError(ErrorInvalidInput, "missing_password", nil)
	}
	return nil
}
