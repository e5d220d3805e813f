// Package identity resolves who the chat is currently speaking for: the
// signed-in account when the identity provider has a session, otherwise a
// device-scoped guest.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"qa-chat/internal/devicestore"
	"qa-chat/internal/domain"
)

const (
	guestIDKey     = "guestId"
	storageTimeout = 5 * time.Second
)

var newUUID = func() string { return uuid.NewString() }

// SessionSource is the identity provider's view of the current session.
type SessionSource interface {
	CurrentUser() *domain.User
	OnAuthStateChanged(fn func(*domain.User)) (unsubscribe func())
}

// Resolver turns provider session transitions into identities.
type Resolver struct {
	session SessionSource
	kv      devicestore.KV
	logger  *slog.Logger

	mu        sync.Mutex
	current   domain.Identity
	resolved  bool
	subs      map[int]func(domain.Identity)
	nextID    int
	stop      func()
	ephemeral string
}

func NewResolver(session SessionSource, kv devicestore.KV, logger *slog.Logger) (*Resolver, error) {
	if session == nil {
		return nil, errors.New("identity: session must not be nil")
	}
	if kv == nil {
		return nil, errors.New("identity: device store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("identity: logger must not be nil")
	}
	return &Resolver{
		session: session,
		kv:      kv,
		logger:  logger,
		subs:    make(map[int]func(domain.Identity)),
	}, nil
}

// Subscribe delivers the current identity to fn immediately and again after
// every session transition. The provider subscription is opened on first use.
func (r *Resolver) Subscribe(fn func(domain.Identity)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	start := r.stop == nil
	if start {
		r.stop = func() {}
	}
	cur, resolved := r.current, r.resolved
	r.mu.Unlock()

	if start {
		// The provider fires synchronously with the current user, which
		// reaches fn through the broadcast.
		stop := r.session.OnAuthStateChanged(r.onAuthState)
		r.mu.Lock()
		r.stop = stop
		r.mu.Unlock()
	} else if resolved {
		fn(cur)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Current resolves the identity once, without subscribing.
func (r *Resolver) Current(ctx context.Context) domain.Identity {
	r.mu.Lock()
	if r.resolved {
		cur := r.current
		r.mu.Unlock()
		return cur
	}
	r.mu.Unlock()
	return r.resolve(ctx, r.session.CurrentUser())
}

// Close releases the provider subscription and drops every subscriber.
func (r *Resolver) Close() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.subs = make(map[int]func(domain.Identity))
	r.resolved = false
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (r *Resolver) onAuthState(user *domain.User) {
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	ident := r.resolve(ctx, user)

	r.mu.Lock()
	if r.resolved && r.current.Equal(ident) {
		r.mu.Unlock()
		return
	}
	r.current = ident
	r.resolved = true
	fns := make([]func(domain.Identity), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ident)
	}
}

func (r *Resolver) resolve(ctx context.Context, user *domain.User) domain.Identity {
	if user != nil && user.UID != "" {
		if err := r.kv.Remove(ctx, guestIDKey); err != nil {
			r.logger.Warn("erase guest id failed", "uid", user.UID, "err", err)
		}
		r.mu.Lock()
		r.ephemeral = ""
		r.mu.Unlock()
		return domain.UserIdentity(*user)
	}
	return domain.GuestIdentity(r.guestID(ctx))
}

// guestID returns the persisted guest id, creating one on first use. Storage
// failures fall back to an id that lives as long as the process.
func (r *Resolver) guestID(ctx context.Context) string {
	stored, ok, err := r.kv.Get(ctx, guestIDKey)
	if err != nil {
		r.logger.Warn("read guest id failed, using ephemeral guest", "err", err)
		return r.ephemeralID()
	}
	if ok && stored != "" {
		return stored
	}
	id := r.ephemeralID()
	if err := r.kv.Set(ctx, guestIDKey, id); err != nil {
		r.logger.Warn("persist guest id failed, using ephemeral guest", "guest_id", id, "err", err)
		return id
	}
	r.mu.Lock()
	r.ephemeral = ""
	r.mu.Unlock()
	r.logger.Info("created guest identity", "guest_id", id)
	return id
}

func (r *Resolver) ephemeralID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ephemeral == "" {
		r.ephemeral = newUUID()
	}
	return r.ephemeral
}
