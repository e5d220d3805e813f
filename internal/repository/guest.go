package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"qa-chat/internal/devicestore"
	"qa-chat/internal/domain"
)

const guestHistoryPrefix = "chatHistory:"

// GuestStore keeps one transcript per guest id in device storage.
type GuestStore struct {
	kv     devicestore.KV
	logger *slog.Logger
}

func NewGuestStore(kv devicestore.KV, logger *slog.Logger) (*GuestStore, error) {
	if kv == nil {
		return nil, errors.New("repository: device store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("repository: logger must not be nil")
	}
	return &GuestStore{kv: kv, logger: logger}, nil
}

func guestHistoryKey(guestID string) string {
	return guestHistoryPrefix + guestID
}

// Load returns the stored transcript. A missing or unreadable slot is an
// empty transcript.
func (s *GuestStore) Load(ctx context.Context, identity domain.Identity) (domain.Snapshot, error) {
	key, err := guestKey(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: guest Load: %w", err)
	}
	if !ok || raw == "" {
		return domain.Snapshot{}, nil
	}
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.logger.Warn("unreadable guest transcript, starting empty", "guest_id", identity.GuestID, "err", err)
		return domain.Snapshot{}, nil
	}
	msgs, dropped := keepValid(msgs)
	if dropped > 0 {
		s.logger.Warn("dropped invalid guest messages", "guest_id", identity.GuestID, "count", dropped)
	}
	return domain.Snapshot{Messages: msgs}, nil
}

func (s *GuestStore) Save(ctx context.Context, identity domain.Identity, messages []domain.Message) (domain.Snapshot, error) {
	key, err := guestKey(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	raw, err := json.Marshal(nonNil(messages))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: guest Save marshal: %w", err)
	}
	if err := s.kv.Set(ctx, key, string(raw)); err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: guest Save: %w", err)
	}
	return domain.Snapshot{Messages: domain.Clone(messages)}, nil
}

// Watch delivers the stored transcript once. Device storage has no other
// writers, so nothing follows.
func (s *GuestStore) Watch(ctx context.Context, identity domain.Identity, fn func(domain.Snapshot)) (func(), error) {
	snap, err := s.Load(ctx, identity)
	if err != nil {
		return nil, err
	}
	fn(snap)
	return func() {}, nil
}

func guestKey(identity domain.Identity) (string, error) {
	if !identity.IsGuest() || identity.GuestID == "" {
		return "", errors.New("repository: identity is not a guest")
	}
	return guestHistoryKey(identity.GuestID), nil
}
