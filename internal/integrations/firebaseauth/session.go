// Package firebaseauth is the identity provider integration: email/password
// and OAuth sign-in over the Firebase Auth REST API, a persisted session, and
// short-lived bearer credentials for outgoing requests.
package firebaseauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"qa-chat/internal/devicestore"
	"qa-chat/internal/domain"
)

const sessionKey = "authSession"

var ErrNoSession = errors.New("firebaseauth: no active session")

// authAPI is the subset of Client used by Session.
type authAPI interface {
	SignUp(ctx context.Context, email, password string) (Credential, error)
	SignInWithPassword(ctx context.Context, email, password string) (Credential, error)
	SignInWithIdP(ctx context.Context, cred IdPCredential) (Credential, error)
	UpdateProfile(ctx context.Context, idToken, displayName string) (Credential, error)
	Lookup(ctx context.Context, idToken string) (LookupResult, error)
	Refresh(ctx context.Context, refreshToken string) (RefreshResult, error)
}

type persistedSession struct {
	User         domain.User `json:"user"`
	IDToken      string      `json:"idToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    time.Time   `json:"expiresAt"`
}

// Session holds the signed-in account, if any, and notifies listeners on
// every sign-in and sign-out.
type Session struct {
	api    authAPI
	kv     devicestore.KV
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	current   *persistedSession
	listeners map[int]func(*domain.User)
	nextID    int

	// dispatchMu orders deliveries to listeners.
	dispatchMu sync.Mutex
	refreshMu  sync.Mutex
}

func NewSession(api authAPI, kv devicestore.KV, logger *slog.Logger) (*Session, error) {
	if api == nil {
		return nil, errors.New("firebaseauth: api must not be nil")
	}
	if kv == nil {
		return nil, errors.New("firebaseauth: device store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("firebaseauth: logger must not be nil")
	}
	return &Session{
		api:       api,
		kv:        kv,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func(*domain.User)),
	}, nil
}

// Restore loads a session persisted by a previous run. A corrupt record is
// discarded.
func (s *Session) Restore(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("firebaseauth: restore: %w", err)
	}
	if !ok {
		return nil
	}
	var ps persistedSession
	if err := json.Unmarshal([]byte(raw), &ps); err != nil || ps.User.UID == "" || ps.RefreshToken == "" {
		s.logger.Warn("discarding unreadable auth session", "err", err)
		if rmErr := s.kv.Remove(ctx, sessionKey); rmErr != nil {
			return fmt.Errorf("firebaseauth: restore: %w", rmErr)
		}
		return nil
	}
	s.swap(&ps)
	s.broadcast()
	return nil
}

// CurrentUser returns the signed-in user or nil.
func (s *Session) CurrentUser() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	u := s.current.User
	return &u
}

// OnAuthStateChanged calls fn with the current user right away and again on
// every transition. The returned func unregisters fn.
func (s *Session) OnAuthStateChanged(fn func(*domain.User)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	var u *domain.User
	if s.current != nil {
		cp := s.current.User
		u = &cp
	}
	s.mu.Unlock()

	fn(u)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// SignUp registers an email/password account and sets its display name.
func (s *Session) SignUp(ctx context.Context, email, password, displayName string) (domain.User, error) {
	cred, err := s.api.SignUp(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return domain.User{}, err
	}
	if name := strings.TrimSpace(displayName); name != "" {
		updated, err := s.api.UpdateProfile(ctx, cred.IDToken, name)
		if err != nil {
			s.logger.Warn("display name update failed", "uid", cred.LocalID, "err", err)
		} else {
			cred = mergeCredential(cred, updated)
			cred.DisplayName = name
		}
	}
	return s.establish(ctx, cred)
}

// SignIn authenticates with email and password.
func (s *Session) SignIn(ctx context.Context, email, password string) (domain.User, error) {
	cred, err := s.api.SignInWithPassword(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return domain.User{}, err
	}
	return s.establish(ctx, cred)
}

// SignInWithIdP authenticates with an OAuth provider credential.
func (s *Session) SignInWithIdP(ctx context.Context, idp IdPCredential) (domain.User, error) {
	cred, err := s.api.SignInWithIdP(ctx, idp)
	if err != nil {
		return domain.User{}, err
	}
	return s.establish(ctx, cred)
}

// SignOut ends the session. Signing out without a session is a no-op.
func (s *Session) SignOut(ctx context.Context) error {
	if err := s.clear(ctx); err != nil {
		return err
	}
	s.broadcast()
	return nil
}

func (s *Session) clear(ctx context.Context) error {
	if err := s.kv.Remove(ctx, sessionKey); err != nil {
		return fmt.Errorf("firebaseauth: sign out: %w", err)
	}
	s.swap(nil)
	return nil
}

// Reload refreshes the profile fields of the signed-in user.
func (s *Session) Reload(ctx context.Context) (domain.User, error) {
	token, err := s.IDToken(ctx)
	if err != nil {
		return domain.User{}, err
	}
	res, err := s.api.Lookup(ctx, token)
	if err != nil {
		return domain.User{}, err
	}
	info := res.Users[0]

	s.mu.Lock()
	if s.current == nil || s.current.User.UID != info.LocalID {
		s.mu.Unlock()
		return domain.User{}, ErrNoSession
	}
	ps := *s.current
	s.mu.Unlock()

	ps.User.Email = info.Email
	ps.User.DisplayName = info.DisplayName
	ps.User.PhotoURL = info.PhotoURL
	if err := s.persist(ctx, &ps); err != nil {
		return domain.User{}, err
	}
	s.mu.Lock()
	s.current = &ps
	s.mu.Unlock()
	return ps.User, nil
}

// IDToken returns a bearer credential for the session, refreshing it when it
// is close to expiry.
func (s *Session) IDToken(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return "", ErrNoSession
	}
	ps := *s.current
	s.mu.Unlock()

	now := s.now()
	if isFresh(ps.ExpiresAt, now) {
		return ps.IDToken, nil
	}

	res, err := s.api.Refresh(ctx, ps.RefreshToken)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && sessionRevoked(apiErr.Code()) {
			s.logger.Warn("session revoked by provider", "uid", ps.User.UID, "code", apiErr.Code())
			if soErr := s.clear(ctx); soErr != nil {
				s.logger.Error("sign out after revocation failed", "err", soErr)
			}
			// The caller may be a store request that listeners wait on.
			go s.broadcast()
			return "", ErrNoSession
		}
		return "", err
	}

	ps.IDToken = res.IDToken
	if res.RefreshToken != "" {
		ps.RefreshToken = res.RefreshToken
	}
	ps.ExpiresAt = tokenExpiry(res.IDToken, res.ExpiresIn, now)
	if err := s.persist(ctx, &ps); err != nil {
		s.logger.Warn("persist refreshed token failed", "uid", ps.User.UID, "err", err)
	}

	s.mu.Lock()
	if s.current != nil && s.current.User.UID == ps.User.UID {
		s.current = &ps
	}
	s.mu.Unlock()
	return ps.IDToken, nil
}

// TokenSource adapts the session to oauth2 for clients such as Firestore.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, session: s}
}

type tokenSource struct {
	ctx     context.Context
	session *Session
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.session.IDToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	ts.session.mu.Lock()
	var expiry time.Time
	if ts.session.current != nil {
		expiry = ts.session.current.ExpiresAt.Add(-refreshSkew)
	}
	ts.session.mu.Unlock()
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer", Expiry: expiry}, nil
}

func (s *Session) establish(ctx context.Context, cred Credential) (domain.User, error) {
	if cred.LocalID == "" || cred.IDToken == "" || cred.RefreshToken == "" {
		return domain.User{}, errors.New("firebaseauth: incomplete credential in response")
	}
	ps := &persistedSession{
		User: domain.User{
			UID:         cred.LocalID,
			Email:       cred.Email,
			DisplayName: cred.DisplayName,
			PhotoURL:    cred.PhotoURL,
		},
		IDToken:      cred.IDToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    tokenExpiry(cred.IDToken, cred.ExpiresIn, s.now()),
	}
	if err := s.persist(ctx, ps); err != nil {
		return domain.User{}, err
	}
	s.swap(ps)
	s.broadcast()
	s.logger.Info("signed in", "uid", ps.User.UID)
	return ps.User, nil
}

func (s *Session) persist(ctx context.Context, ps *persistedSession) error {
	raw, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("firebaseauth: encode session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey, string(raw)); err != nil {
		return fmt.Errorf("firebaseauth: persist session: %w", err)
	}
	return nil
}

func (s *Session) swap(ps *persistedSession) {
	s.mu.Lock()
	s.current = ps
	s.mu.Unlock()
}

// broadcast delivers the user signed in at the time of delivery, so an
// overtaken transition never wins over a later one.
func (s *Session) broadcast() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	fns := make([]func(*domain.User), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	var u *domain.User
	if s.current != nil {
		cp := s.current.User
		u = &cp
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func mergeCredential(base, update Credential) Credential {
	if update.IDToken != "" {
		base.IDToken = update.IDToken
	}
	if update.RefreshToken != "" {
		base.RefreshToken = update.RefreshToken
	}
	if update.ExpiresIn != "" {
		base.ExpiresIn = update.ExpiresIn
	}
	if update.Email != "" {
		base.Email = update.Email
	}
	return base
}

func sessionRevoked(code string) bool {
	switch code {
	case "TOKEN_EXPIRED", "USER_DISABLED", "USER_NOT_FOUND", "INVALID_REFRESH_TOKEN":
		return true
	}
	return false
}
