package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dmitrijs2005/profilekeeper/config"
	"github.com/dmitrijs2005/profilekeeper/logging"
	"github.com/dmitrijs2005/profilekeeper/models"
	"github.com/dmitrijs2005/profilekeeper/remote"
	"github.com/dmitrijs2005/profilekeeper/signing"
	"github.com/dmitrijs2005/profilekeeper/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory stand-in for the profile store. It deduplicates
// save_entry deliveries by idempotency key, the contract the real store
// honors for queue replays.
type fakeStore struct {
	unreachable bool
	profiles    map[string]*models.Profile
	seen        map[string]bool
	deliveries  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]*models.Profile),
		seen:     make(map[string]bool),
	}
}

func (f *fakeStore) Do(ctx context.Context, operation string, payload any, result any) error {
	if f.unreachable {
		return fmt.Errorf("%w: connection refused", remote.ErrUnavailable)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrRejected, err)
	}

	switch operation {
	case OpSaveEntry:
		var p SaveEntryPayload
		if err := json.Unmarshal(b, &p); err != nil {
			return fmt.Errorf("%w: %v", remote.ErrRejected, err)
		}
		if p.Entry == nil || p.Entry.Signature == nil {
			return fmt.Errorf("%w: unsigned entry", remote.ErrRejected)
		}
		f.deliveries++
		if f.seen[p.IdempotencyKey] {
			return nil
		}
		f.seen[p.IdempotencyKey] = true

		prof, ok := f.profiles[p.UserID]
		if !ok {
			prof = &models.Profile{UserID: p.UserID}
			f.profiles[p.UserID] = prof
		}
		prof.Entries = append(prof.Entries, p.Entry)
		return nil

	case OpGetProfile:
		var p GetProfilePayload
		if err := json.Unmarshal(b, &p); err != nil {
			return fmt.Errorf("%w: %v", remote.ErrRejected, err)
		}
		prof, ok := f.profiles[p.UserID]
		if !ok {
			prof = &models.Profile{UserID: p.UserID}
		}
		if result != nil {
			rb, _ := json.Marshal(prof)
			return json.Unmarshal(rb, result)
		}
		return nil
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.unreachable {
		return fmt.Errorf("%w: connection refused", remote.ErrUnavailable)
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func setupKeeper(t *testing.T, fake remote.Client) (*Keeper, storage.Repository) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := storage.NewSQLiteRepository(db)

	cfg := &config.Config{
		HashAlgorithm:       signing.AlgorithmSHA256,
		RequestTimeout:      time.Second,
		MaxAttempts:         2,
		RetryBaseDelay:      time.Millisecond,
		OnlineCheckInterval: time.Minute,
	}
	k, err := Assemble(ctx, cfg, fake, repo, testLogger())
	require.NoError(t, err)
	return k, repo
}

func TestSaveEntry_OnlineConfirmed(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, repo := setupKeeper(t, fake)

	res, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "Learn guitar", map[string]any{"priority": "high"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Offline)
	assert.Equal(t, StateConfirmed, res.State)
	require.NotNil(t, res.Entry.Signature)
	require.NotNil(t, res.Entry.MerkleProof)

	// delivered to the store
	require.Len(t, fake.profiles["u1"].Entries, 1)
	assert.Equal(t, "Learn guitar", fake.profiles["u1"].Entries[0].Content)

	// trusted root recorded locally
	root, err := repo.Get(ctx, storage.RootKey("u1"))
	require.NoError(t, err)
	assert.NotEmpty(t, root)
}

func TestSaveEntry_OfflineQueuedThenReplayed(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)
	k.Sender().SetOnline(false)

	for i, content := range []string{"first", "second", "third"} {
		res, err := k.SaveEntry(ctx, "u1", models.EntryTypeReflection, content, nil)
		require.NoError(t, err, i)
		assert.True(t, res.Success)
		assert.True(t, res.Offline)
		assert.Equal(t, StateQueued, res.State)
	}
	assert.Zero(t, fake.deliveries)
	require.Equal(t, 3, k.Queue().Len())

	// the local cache already reflects the user's own writes
	got, err := k.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Offline)
	assert.Len(t, got.Profile.Entries, 3)

	// connectivity returns: replay delivers every mutation, in order
	k.Sender().SetOnline(true)
	require.NoError(t, k.ProcessQueue(ctx))

	assert.Zero(t, k.Queue().Len())
	entries := fake.profiles["u1"].Entries
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Content)
	assert.Equal(t, "second", entries[1].Content)
	assert.Equal(t, "third", entries[2].Content)
}

func TestProcessQueue_IdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)

	k.Sender().SetOnline(false)
	_, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "Learn guitar", nil)
	require.NoError(t, err)

	items := k.Queue().Items()
	require.Len(t, items, 1)
	redelivery := items[0].Payload

	k.Sender().SetOnline(true)
	require.NoError(t, k.ProcessQueue(ctx))
	require.Len(t, fake.profiles["u1"].Entries, 1)

	// a crash after remote success but before local removal leaves the item
	// queued; its replay must not duplicate the entry
	_, err = k.Queue().Enqueue(ctx, OpSaveEntry, redelivery)
	require.NoError(t, err)
	require.NoError(t, k.ProcessQueue(ctx))

	assert.Equal(t, 2, fake.deliveries)
	assert.Len(t, fake.profiles["u1"].Entries, 1)
}

func TestSaveEntry_UnsignablePayloadRejected(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)

	res, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "x", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)

	// rejected before signing: nothing queued, nothing cached
	assert.Zero(t, k.Queue().Len())
	assert.Zero(t, fake.deliveries)
	_, err = k.GetProfile(ctx, "u1")
	assert.NoError(t, err) // empty remote profile is fine
}

func TestSaveEntry_WriteBeforeFirstReadSeedsFromStore(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()

	// an earlier device already wrote entries for this user
	a, _ := setupKeeper(t, fake)
	for _, content := range []string{"a1", "a2"} {
		_, err := a.SaveEntry(ctx, "u1", models.EntryTypeGoal, content, nil)
		require.NoError(t, err)
	}

	// fresh install, empty local cache: the first operation is a write
	b, _ := setupKeeper(t, fake)
	res, err := b.SaveEntry(ctx, "u1", models.EntryTypeReflection, "b1", nil)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, res.State)
	require.Len(t, fake.profiles["u1"].Entries, 3)

	// the recorded checkpoint covers the full entry set, so the next fetch
	// verifies clean instead of raising a false tamper alarm
	got, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrityValid, got.Profile.Verification.IntegrityStatus)
	assert.Len(t, got.Profile.Entries, 3)
}

func TestSaveEntry_NoBaselineWithholdsTrustedRoot(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, repo := setupKeeper(t, fake)
	k.Sender().SetOnline(false)

	_, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "Learn guitar", nil)
	require.NoError(t, err)

	// offline first write: the store's existing entry set is unknown, so
	// no checkpoint is recorded until a verification establishes one
	root, err := repo.Get(ctx, storage.RootKey("u1"))
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestGetProfile_NeverDeferredToQueue(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)

	_, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "Learn guitar", nil)
	require.NoError(t, err)

	// connectivity drops mid-session: the read degrades to cache and the
	// mutation log stays free of queries
	fake.unreachable = true
	res, err := k.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Zero(t, k.Queue().Len())

	// a later write queues; replay delivers it without a stale read in the
	// way
	_, err = k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "Practice daily", nil)
	require.NoError(t, err)
	require.Equal(t, 1, k.Queue().Len())
	assert.Equal(t, OpSaveEntry, k.Queue().Items()[0].Operation)

	fake.unreachable = false
	k.Sender().SetOnline(true)
	require.NoError(t, k.ProcessQueue(ctx))
	assert.Zero(t, k.Queue().Len())
	require.Len(t, fake.profiles["u1"].Entries, 2)
}

func TestGetProfile_VerifiesAndCaches(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, repo := setupKeeper(t, fake)

	_, err := k.SaveEntry(ctx, "u1", models.EntryTypeStrength, "Patience", nil)
	require.NoError(t, err)

	res, err := k.GetProfile(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Offline)
	assert.Equal(t, models.IntegrityValid, res.Profile.Verification.IntegrityStatus)
	assert.True(t, res.Profile.Verification.IsVerified)
	assert.NotEmpty(t, res.Profile.Verification.MerkleRootHash)

	cached, err := repo.Get(ctx, storage.ProfileKey("u1"))
	require.NoError(t, err)
	assert.NotEmpty(t, cached)
}

func TestGetProfile_TamperSurfacedNotBlocking(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)

	for _, content := range []string{"a", "b", "c"} {
		_, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, content, nil)
		require.NoError(t, err)
	}

	// an entry vanishes server-side after the root was trusted
	prof := fake.profiles["u1"]
	prof.Entries = prof.Entries[:2]

	res, err := k.GetProfile(ctx, "u1")
	require.NoError(t, err)

	// access is never blocked; the finding is advisory
	assert.True(t, res.Success)
	require.NotNil(t, res.Profile)
	assert.Equal(t, models.IntegrityCompromised, res.Profile.Verification.IntegrityStatus)
	assert.False(t, res.Profile.Verification.IsVerified)
}

func TestGetProfile_UnreachableFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)

	_, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "Learn guitar", nil)
	require.NoError(t, err)
	_, err = k.GetProfile(ctx, "u1")
	require.NoError(t, err)

	fake.unreachable = true

	res, err := k.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Offline)
	require.Len(t, res.Profile.Entries, 1)
	assert.Equal(t, models.IntegrityValid, res.Profile.Verification.IntegrityStatus)
}

func TestGetProfile_NoCacheOffline(t *testing.T) {
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)
	k.Sender().SetOnline(false)

	_, err := k.GetProfile(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNoLocalProfile)
}

func TestValidateIntegrity(t *testing.T) {
	ctx := context.Background()
	fake := newFakeStore()
	k, _ := setupKeeper(t, fake)

	_, err := k.SaveEntry(ctx, "u1", models.EntryTypeGoal, "a", nil)
	require.NoError(t, err)
	res, err := k.GetProfile(ctx, "u1")
	require.NoError(t, err)

	report, err := k.ValidateIntegrity(res.Profile.Entries)
	require.NoError(t, err)
	assert.True(t, report.IsValid)

	res.Profile.Entries[0].Content = "tampered"
	report, err = k.ValidateIntegrity(res.Profile.Entries)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
}
