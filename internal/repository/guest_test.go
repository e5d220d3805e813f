package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"qa-chat/internal/devicestore"
	"qa-chat/internal/domain"
)

type brokenKV struct{ err error }

func (b brokenKV) Get(context.Context, string) (string, bool, error) { return "", false, b.err }
func (b brokenKV) Set(context.Context, string, string) error        { return b.err }
func (b brokenKV) Remove(context.Context, string) error             { return b.err }

func mustNewGuest(t *testing.T, kv devicestore.KV) *GuestStore {
	t.Helper()
	s, err := NewGuestStore(kv, testLogger())
	require.NoError(t, err)
	return s
}

func TestGuestStore_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	s := mustNewGuest(t, kv)
	g := domain.GuestIdentity("g1")

	snap, err := s.Load(ctx, g)
	require.NoError(t, err)
	require.Empty(t, snap.Messages)

	_, err = s.Save(ctx, g, sampleMessages())
	require.NoError(t, err)
	snap, err = s.Load(ctx, g)
	require.NoError(t, err)
	require.Equal(t, sampleMessages(), snap.Messages)

	raw, ok, _ := kv.Get(ctx, "chatHistory:g1")
	require.True(t, ok)
	require.Contains(t, raw, `"sender":"ai"`)

	_, err = s.Save(ctx, g, nil)
	require.NoError(t, err)
	snap, err = s.Load(ctx, g)
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
	raw, _, _ = kv.Get(ctx, "chatHistory:g1")
	require.Equal(t, "[]", raw)
}

func TestGuestStore_SlotsAreKeyedByGuest(t *testing.T) {
	ctx := context.Background()
	s := mustNewGuest(t, devicestore.NewMemory())

	_, err := s.Save(ctx, domain.GuestIdentity("g1"), sampleMessages())
	require.NoError(t, err)

	snap, err := s.Load(ctx, domain.GuestIdentity("g2"))
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
}

func TestGuestStore_CorruptSlotIsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	require.NoError(t, kv.Set(ctx, "chatHistory:g1", "{nope"))
	s := mustNewGuest(t, kv)

	snap, err := s.Load(ctx, domain.GuestIdentity("g1"))
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
}

func TestGuestStore_UnknownSenderIsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	require.NoError(t, kv.Set(ctx, "chatHistory:g1", `[{"id":"m1","content":"x","sender":"bot","timestamp":1,"status":"sent"}]`))
	s := mustNewGuest(t, kv)

	snap, err := s.Load(ctx, domain.GuestIdentity("g1"))
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
}

func TestGuestStore_StorageFailure(t *testing.T) {
	s := mustNewGuest(t, brokenKV{err: errors.New("disk full")})

	_, err := s.Load(context.Background(), domain.GuestIdentity("g1"))
	require.ErrorContains(t, err, "guest Load")
	_, err = s.Save(context.Background(), domain.GuestIdentity("g1"), sampleMessages())
	require.ErrorContains(t, err, "disk full")
}

func TestGuestStore_RejectsUsers(t *testing.T) {
	s := mustNewGuest(t, devicestore.NewMemory())
	_, err := s.Save(context.Background(), userIdent("u1"), nil)
	require.ErrorContains(t, err, "not a guest")
}

func TestGuestStore_WatchDeliversOnce(t *testing.T) {
	ctx := context.Background()
	s := mustNewGuest(t, devicestore.NewMemory())
	g := domain.GuestIdentity("g1")
	_, err := s.Save(ctx, g, sampleMessages())
	require.NoError(t, err)

	var got []domain.Snapshot
	stop, err := s.Watch(ctx, g, func(snap domain.Snapshot) { got = append(got, snap) })
	require.NoError(t, err)
	stop()
	require.Len(t, got, 1)
	require.Len(t, got[0].Messages, 2)
}

type recordingStore struct {
	name  string
	calls []string
}

func (r *recordingStore) Load(context.Context, domain.Identity) (domain.Snapshot, error) {
	r.calls = append(r.calls, "load")
	return domain.Snapshot{}, nil
}

func (r *recordingStore) Save(_ context.Context, _ domain.Identity, msgs []domain.Message) (domain.Snapshot, error) {
	r.calls = append(r.calls, "save")
	return domain.Snapshot{Messages: msgs}, nil
}

func (r *recordingStore) Watch(context.Context, domain.Identity, func(domain.Snapshot)) (func(), error) {
	r.calls = append(r.calls, "watch")
	return func() {}, nil
}

type initRecordingStore struct {
	recordingStore
	inited []string
}

func (r *initRecordingStore) InitProfile(_ context.Context, u domain.User) error {
	r.inited = append(r.inited, u.UID)
	return nil
}

func TestRouter_SelectsByIdentityKind(t *testing.T) {
	ctx := context.Background()
	guest := &recordingStore{name: "guest"}
	remote := &initRecordingStore{}
	r, err := NewRouter(guest, remote)
	require.NoError(t, err)

	_, err = r.Load(ctx, domain.GuestIdentity("g1"))
	require.NoError(t, err)
	_, err = r.Save(ctx, userIdent("u1"), nil)
	require.NoError(t, err)
	_, err = r.Watch(ctx, userIdent("u1"), func(domain.Snapshot) {})
	require.NoError(t, err)

	require.Equal(t, []string{"load"}, guest.calls)
	require.Equal(t, []string{"save", "watch"}, remote.calls)

	require.NoError(t, r.InitProfile(ctx, domain.User{UID: "u1"}))
	require.Equal(t, []string{"u1"}, remote.inited)

	_, err = r.Load(ctx, domain.Identity{})
	require.ErrorContains(t, err, "unresolved identity")
}

func TestRouter_InitProfileWithoutSupport(t *testing.T) {
	r, err := NewRouter(&recordingStore{}, &recordingStore{})
	require.NoError(t, err)
	require.NoError(t, r.InitProfile(context.Background(), domain.User{UID: "u1"}))
}

func TestNewRouter_NilStores(t *testing.T) {
	_, err := NewRouter(nil, &recordingStore{})
	require.ErrorContains(t, err, "guest store")
	_, err = NewRouter(&recordingStore{}, nil)
	require.ErrorContains(t, err, "remote store")
}
