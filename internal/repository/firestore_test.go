package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"qa-chat/internal/domain"
)

// fakeDocs is an in-memory documentAPI keyed by uid.
type fakeDocs struct {
	mu      sync.Mutex
	docs    map[string]profileDoc
	getErr  error
	changes chan struct{}
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string]profileDoc), changes: make(chan struct{}, 16)}
}

func (f *fakeDocs) get(_ context.Context, uid string) (profileDoc, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return profileDoc{}, false, f.getErr
	}
	d, ok := f.docs[uid]
	return d, ok, nil
}

func (f *fakeDocs) replaceMessages(_ context.Context, uid string, msgs []domain.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[uid]
	if !ok {
		return 0, ErrProfileNotFound
	}
	d.Messages = domain.Clone(msgs)
	d.Version++
	f.docs[uid] = d
	f.notify()
	return d.Version, nil
}

func (f *fakeDocs) initProfile(_ context.Context, u domain.User, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[u.UID]
	if !ok {
		d = profileDoc{CreatedAt: now, Messages: []domain.Message{}}
	}
	d.Email = u.Email
	d.DisplayName = u.DisplayName
	f.docs[u.UID] = d
	f.notify()
	return nil
}

func (f *fakeDocs) listen(ctx context.Context, uid string, fn func(profileDoc, bool, error)) error {
	for {
		d, ok, _ := f.get(ctx, uid)
		fn(d, ok, nil)
		select {
		case <-ctx.Done():
			return nil
		case <-f.changes:
		}
	}
}

func (f *fakeDocs) notify() {
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

func mustNewFirestore(t *testing.T, docs documentAPI) *FirestoreStore {
	t.Helper()
	s, err := newFirestoreStore(docs, testLogger())
	require.NoError(t, err)
	return s
}

func TestNewFirestoreStore_Validation(t *testing.T) {
	_, err := NewFirestoreStore(nil, "users", testLogger())
	require.ErrorContains(t, err, "must not be nil")
	_, err = newFirestoreStore(nil, testLogger())
	require.ErrorContains(t, err, "documents must not be nil")
	_, err = newFirestoreStore(newFakeDocs(), nil)
	require.ErrorContains(t, err, "logger must not be nil")
}

func TestFirestoreSave_MissingProfileAborts(t *testing.T) {
	s := mustNewFirestore(t, newFakeDocs())
	_, err := s.Save(context.Background(), userIdent("u1"), sampleMessages())
	require.ErrorIs(t, err, ErrProfileNotFound)
}

func TestFirestoreSaveLoad_RoundTripAndVersion(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	s := mustNewFirestore(t, docs)
	require.NoError(t, s.InitProfile(ctx, domain.User{UID: "u1", Email: "a@b.c"}))

	snap, err := s.Save(ctx, userIdent("u1"), sampleMessages())
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Version)

	loaded, err := s.Load(ctx, userIdent("u1"))
	require.NoError(t, err)
	require.Equal(t, sampleMessages(), loaded.Messages)
	require.Equal(t, int64(1), loaded.Version)

	_, err = s.Save(ctx, userIdent("u1"), nil)
	require.NoError(t, err)
	loaded, err = s.Load(ctx, userIdent("u1"))
	require.NoError(t, err)
	require.Empty(t, loaded.Messages)
	require.Equal(t, int64(2), loaded.Version)
}

func TestFirestoreInitProfile_KeepsMessages(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	s := mustNewFirestore(t, docs)
	require.NoError(t, s.InitProfile(ctx, domain.User{UID: "u1"}))
	_, err := s.Save(ctx, userIdent("u1"), sampleMessages())
	require.NoError(t, err)

	require.NoError(t, s.InitProfile(ctx, domain.User{UID: "u1", DisplayName: "Ada"}))

	loaded, err := s.Load(ctx, userIdent("u1"))
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	require.Equal(t, "Ada", docs.docs["u1"].DisplayName)
}

func TestFirestoreLoad_Errors(t *testing.T) {
	docs := newFakeDocs()
	docs.getErr = errors.New("unavailable")
	s := mustNewFirestore(t, docs)

	_, err := s.Load(context.Background(), userIdent("u1"))
	require.ErrorContains(t, err, "repository: Load")

	_, err = s.Load(context.Background(), domain.GuestIdentity("g1"))
	require.ErrorContains(t, err, "not authenticated")
}

func TestFirestoreWatch_DeliversChanges(t *testing.T) {
	ctx := context.Background()
	docs := newFakeDocs()
	s := mustNewFirestore(t, docs)

	got := make(chan domain.Snapshot, 16)
	stop, err := s.Watch(ctx, userIdent("u1"), func(snap domain.Snapshot) { got <- snap })
	require.NoError(t, err)
	defer stop()

	first := <-got
	require.Empty(t, first.Messages)

	require.NoError(t, s.InitProfile(ctx, domain.User{UID: "u1"}))
	<-got
	_, err = s.Save(ctx, userIdent("u1"), sampleMessages())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snap := <-got:
			return len(snap.Messages) == 2 && snap.Version == 1
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

// TestFirestoreEmulator exercises the live adapter against the Firestore
// emulator when FIRESTORE_EMULATOR_HOST is set.
func TestFirestoreEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "qa-chat-test")
	require.NoError(t, err)
	defer client.Close()

	s, err := NewFirestoreStore(client, "users", testLogger())
	require.NoError(t, err)
	ident := userIdent(uuid.NewString())

	_, err = s.Save(ctx, ident, sampleMessages())
	require.ErrorIs(t, err, ErrProfileNotFound)

	require.NoError(t, s.InitProfile(ctx, *ident.User))
	snap, err := s.Save(ctx, ident, sampleMessages())
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Version)

	require.NoError(t, s.InitProfile(ctx, *ident.User))
	loaded, err := s.Load(ctx, ident)
	require.NoError(t, err)
	require.Equal(t, sampleMessages(), loaded.Messages)

	got := make(chan domain.Snapshot, 4)
	stop, err := s.Watch(ctx, ident, func(snap domain.Snapshot) { got <- snap })
	require.NoError(t, err)
	defer stop()
	select {
	case snap := <-got:
		require.Len(t, snap.Messages, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot from listener")
	}
}
