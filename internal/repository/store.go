// Package repository persists transcripts: on the device for guests and in a
// remote per-user profile record for signed-in users.
package repository

import (
	"context"
	"errors"
	"fmt"

	"qa-chat/internal/domain"
)

// ErrProfileNotFound is returned by a guarded write when the user's profile
// record does not exist.
var ErrProfileNotFound = errors.New("repository: profile not found")

// Store loads, replaces and observes the transcript of one identity.
// Save replaces the whole message list; Save with no messages clears it.
type Store interface {
	Load(ctx context.Context, identity domain.Identity) (domain.Snapshot, error)
	Save(ctx context.Context, identity domain.Identity, messages []domain.Message) (domain.Snapshot, error)
	Watch(ctx context.Context, identity domain.Identity, fn func(domain.Snapshot)) (stop func(), err error)
}

// ProfileInitializer creates the remote profile record on sign-in. Existing
// messages are never overwritten.
type ProfileInitializer interface {
	InitProfile(ctx context.Context, user domain.User) error
}

// Router sends guests to the device store and signed-in users to the remote
// store.
type Router struct {
	guest  Store
	remote Store
}

func NewRouter(guest, remote Store) (*Router, error) {
	if guest == nil {
		return nil, errors.New("repository: guest store must not be nil")
	}
	if remote == nil {
		return nil, errors.New("repository: remote store must not be nil")
	}
	return &Router{guest: guest, remote: remote}, nil
}

func (r *Router) Load(ctx context.Context, identity domain.Identity) (domain.Snapshot, error) {
	s, err := r.pick(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.Load(ctx, identity)
}

func (r *Router) Save(ctx context.Context, identity domain.Identity, messages []domain.Message) (domain.Snapshot, error) {
	s, err := r.pick(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.Save(ctx, identity, messages)
}

func (r *Router) Watch(ctx context.Context, identity domain.Identity, fn func(domain.Snapshot)) (func(), error) {
	s, err := r.pick(identity)
	if err != nil {
		return nil, err
	}
	return s.Watch(ctx, identity, fn)
}

// InitProfile forwards to the remote store when it keeps profiles.
func (r *Router) InitProfile(ctx context.Context, user domain.User) error {
	if p, ok := r.remote.(ProfileInitializer); ok {
		return p.InitProfile(ctx, user)
	}
	return nil
}

func (r *Router) pick(identity domain.Identity) (Store, error) {
	switch {
	case identity.IsAuthenticated():
		return r.remote, nil
	case identity.IsGuest() && identity.GuestID != "":
		return r.guest, nil
	}
	return nil, fmt.Errorf("repository: unresolved identity %q", identity.Kind)
}

func requireUser(identity domain.Identity) (string, error) {
	if !identity.IsAuthenticated() {
		return "", errors.New("repository: identity is not authenticated")
	}
	return identity.User.UID, nil
}

// keepValid drops entries with an unknown sender or status, which can only
// come from records written by another client.
func keepValid(msgs []domain.Message) ([]domain.Message, int) {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || !m.Sender.Valid() || !m.Status.Valid() {
			continue
		}
		out = append(out, m)
	}
	return out, len(msgs) - len(out)
}

func nonNil(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	return msgs
}
