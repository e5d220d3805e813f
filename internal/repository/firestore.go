package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"qa-chat/internal/domain"
)

const defaultCollection = "users"

// profileDoc is the users/<uid> document. Field names match the documents
// written by the browser client.
type profileDoc struct {
	Email       string           `firestore:"email"`
	DisplayName string           `firestore:"displayName"`
	PhotoURL    string           `firestore:"photoURL,omitempty"`
	CreatedAt   time.Time        `firestore:"createdAt"`
	Messages    []domain.Message `firestore:"messages"`
	Version     int64            `firestore:"version"`
}

// documentAPI is the per-user document access FirestoreStore needs.
type documentAPI interface {
	get(ctx context.Context, uid string) (profileDoc, bool, error)
	// replaceMessages fails with ErrProfileNotFound when the document is
	// missing; the check and the write commit atomically.
	replaceMessages(ctx context.Context, uid string, msgs []domain.Message) (int64, error)
	initProfile(ctx context.Context, user domain.User, now time.Time) error
	// listen blocks until ctx is done, calling fn on every document change.
	listen(ctx context.Context, uid string, fn func(doc profileDoc, exists bool, err error)) error
}

// FirestoreStore keeps transcripts in the messages array of users/<uid>.
type FirestoreStore struct {
	docs   documentAPI
	logger *slog.Logger
	now    func() time.Time
}

// NewFirestoreStore uses collection (default "users") of client.
func NewFirestoreStore(client *firestore.Client, collection string, logger *slog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("repository: firestore client must not be nil")
	}
	if strings.TrimSpace(collection) == "" {
		collection = defaultCollection
	}
	return newFirestoreStore(&firestoreDocs{client: client, collection: collection}, logger)
}

func newFirestoreStore(docs documentAPI, logger *slog.Logger) (*FirestoreStore, error) {
	if docs == nil {
		return nil, errors.New("repository: documents must not be nil")
	}
	if logger == nil {
		return nil, errors.New("repository: logger must not be nil")
	}
	return &FirestoreStore{docs: docs, logger: logger, now: time.Now}, nil
}

func (s *FirestoreStore) Load(ctx context.Context, identity domain.Identity) (domain.Snapshot, error) {
	uid, err := requireUser(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	doc, exists, err := s.docs.get(ctx, uid)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: Load: %w", err)
	}
	if !exists {
		return domain.Snapshot{}, nil
	}
	return s.toSnapshot(uid, doc), nil
}

func (s *FirestoreStore) Save(ctx context.Context, identity domain.Identity, messages []domain.Message) (domain.Snapshot, error) {
	uid, err := requireUser(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	version, err := s.docs.replaceMessages(ctx, uid, nonNil(messages))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: Save: %w", err)
	}
	return domain.Snapshot{Messages: domain.Clone(messages), Version: version}, nil
}

func (s *FirestoreStore) InitProfile(ctx context.Context, user domain.User) error {
	if user.UID == "" {
		return errors.New("repository: InitProfile: uid is required")
	}
	if err := s.docs.initProfile(ctx, user, s.now().UTC()); err != nil {
		return fmt.Errorf("repository: InitProfile: %w", err)
	}
	return nil
}

// Watch streams every change of the profile document to fn until stop is
// called. A missing document is delivered as an empty transcript.
func (s *FirestoreStore) Watch(ctx context.Context, identity domain.Identity, fn func(domain.Snapshot)) (func(), error) {
	uid, err := requireUser(identity)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		err := s.docs.listen(ctx, uid, func(doc profileDoc, exists bool, err error) {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Warn("undecodable profile snapshot", "uid", uid, "err", err)
				return
			}
			if !exists {
				fn(domain.Snapshot{})
				return
			}
			fn(s.toSnapshot(uid, doc))
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error("profile listener stopped", "uid", uid, "err", err)
		}
	}()
	return cancel, nil
}

func (s *FirestoreStore) toSnapshot(uid string, doc profileDoc) domain.Snapshot {
	msgs, dropped := keepValid(doc.Messages)
	if dropped > 0 {
		s.logger.Warn("dropped invalid remote messages", "uid", uid, "count", dropped)
	}
	return domain.Snapshot{Messages: msgs, Version: doc.Version}
}

// firestoreDocs implements documentAPI over a live client.
type firestoreDocs struct {
	client     *firestore.Client
	collection string
}

func (d *firestoreDocs) ref(uid string) *firestore.DocumentRef {
	return d.client.Collection(d.collection).Doc(uid)
}

func (d *firestoreDocs) get(ctx context.Context, uid string) (profileDoc, bool, error) {
	snap, err := d.ref(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return profileDoc{}, false, nil
	}
	if err != nil {
		return profileDoc{}, false, err
	}
	var doc profileDoc
	if err := snap.DataTo(&doc); err != nil {
		return profileDoc{}, false, fmt.Errorf("decode %s: %w", snap.Ref.Path, err)
	}
	return doc, true, nil
}

func (d *firestoreDocs) replaceMessages(ctx context.Context, uid string, msgs []domain.Message) (int64, error) {
	ref := d.ref(uid)
	var version int64
	err := d.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrProfileNotFound
		}
		if err != nil {
			return err
		}
		version = 1
		if v, err := snap.DataAt("version"); err == nil {
			if n, ok := v.(int64); ok {
				version = n + 1
			}
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "messages", Value: msgs},
			{Path: "version", Value: version},
		})
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (d *firestoreDocs) initProfile(ctx context.Context, user domain.User, now time.Time) error {
	ref := d.ref(user.UID)
	return d.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		_, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return tx.Create(ref, profileDoc{
				Email:       user.Email,
				DisplayName: user.DisplayName,
				PhotoURL:    user.PhotoURL,
				CreatedAt:   now,
				Messages:    []domain.Message{},
			})
		}
		if err != nil {
			return err
		}
		fields := map[string]any{
			"email":       user.Email,
			"displayName": user.DisplayName,
		}
		if user.PhotoURL != "" {
			fields["photoURL"] = user.PhotoURL
		}
		return tx.Set(ref, fields, firestore.MergeAll)
	})
}

func (d *firestoreDocs) listen(ctx context.Context, uid string, fn func(profileDoc, bool, error)) error {
	it := d.ref(uid).Snapshots(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if status.Code(err) == codes.NotFound {
			fn(profileDoc{}, false, nil)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !snap.Exists() {
			fn(profileDoc{}, false, nil)
			continue
		}
		var doc profileDoc
		if err := snap.DataTo(&doc); err != nil {
			fn(profileDoc{}, true, err)
			continue
		}
		fn(doc, true, nil)
	}
}
