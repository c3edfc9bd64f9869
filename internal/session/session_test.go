package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/httputil"
	"github.com/R3E-Network/ledger_client/pkg/logger"
	"github.com/R3E-Network/ledger_client/pkg/testutil"
)

func newStore(t *testing.T, repo Repository, opts ...Option) *Store {
	t.Helper()
	return NewStore(repo, logger.NewDiscard(), opts...)
}

func TestRestore_Empty(t *testing.T) {
	store := newStore(t, NewMemoryRepository())
	store.Restore(context.Background())

	assert.True(t, store.Initialized())
	assert.False(t, store.IsAuthenticated())
}

func TestRestore_Persisted(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Set(context.Background(), Record{UserID: "7", Username: "alice", WalletAddress: "0xa"}))

	store := newStore(t, repo)
	store.Restore(context.Background())

	cur, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, "7", cur.ID)
	assert.Equal(t, "alice", cur.Username)
	assert.Equal(t, "0xa", cur.WalletAddress)
}

func TestRestore_IncompleteRecordIgnored(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Set(context.Background(), Record{UserID: "7"}))

	store := newStore(t, repo)
	store.Restore(context.Background())
	assert.False(t, store.IsAuthenticated())
	assert.True(t, store.Initialized())
}

func TestRestore_RepositoryErrorMeansNoSession(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Set(context.Background(), Record{UserID: "7", Username: "alice"}))
	repo.FailNext(errors.New("disk on fire"))

	store := newStore(t, repo)
	store.Restore(context.Background())
	assert.False(t, store.IsAuthenticated())
	assert.True(t, store.Initialized())
}

func TestLogin_PersistsAndAuthenticates(t *testing.T) {
	repo := NewMemoryRepository()
	store := newStore(t, repo)
	before := store.Generation()

	sess, err := store.Login(context.Background(), Identity{UserID: "42", Username: "bob", WalletAddress: "0xb"})
	require.NoError(t, err)
	assert.Equal(t, "42", sess.ID)
	assert.True(t, store.IsAuthenticated())
	assert.Greater(t, store.Generation(), before)

	rec, err := repo.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Record{UserID: "42", Username: "bob", WalletAddress: "0xb"}, rec)
}

func TestLogin_RequiresID(t *testing.T) {
	store := newStore(t, NewMemoryRepository())
	_, err := store.Login(context.Background(), Identity{Username: "bob"})
	assert.True(t, errors.IsValidation(err))
	assert.False(t, store.IsAuthenticated())
}

func TestLogin_PersistFailureKeepsSession(t *testing.T) {
	repo := NewMemoryRepository()
	repo.FailNext(errors.New("read-only"))
	store := newStore(t, repo)

	_, err := store.Login(context.Background(), Identity{UserID: "1", Username: "a"})
	require.NoError(t, err)
	assert.True(t, store.IsAuthenticated())
}

func TestLogout(t *testing.T) {
	repo := NewMemoryRepository()
	store := newStore(t, repo)
	_, err := store.Login(context.Background(), Identity{UserID: "1", Username: "a"})
	require.NoError(t, err)

	require.NoError(t, store.Logout(context.Background()))
	assert.False(t, store.IsAuthenticated())

	_, err = repo.Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestExpire_OnlyLiveGeneration(t *testing.T) {
	repo := NewMemoryRepository()
	store := newStore(t, repo)

	var calls int32
	store.OnExpired(func(string) { atomic.AddInt32(&calls, 1) })

	_, err := store.Login(context.Background(), Identity{UserID: "1", Username: "old"})
	require.NoError(t, err)
	oldGen := store.Generation()

	_, err = store.Login(context.Background(), Identity{UserID: "2", Username: "new"})
	require.NoError(t, err)

	assert.False(t, store.Expire(oldGen, "late 401"), "stale generation must not clear the newer session")
	cur, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, "2", cur.ID)

	assert.True(t, store.Expire(store.Generation(), "401"))
	assert.False(t, store.IsAuthenticated())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, clears := repo.Counts()
	assert.Equal(t, 1, clears)
}

func TestOnExpired_Unsubscribe(t *testing.T) {
	store := newStore(t, NewMemoryRepository())
	var calls int32
	unsubscribe := store.OnExpired(func(string) { atomic.AddInt32(&calls, 1) })
	unsubscribe()

	_, err := store.Login(context.Background(), Identity{UserID: "1", Username: "a"})
	require.NoError(t, err)
	store.Expire(store.Generation(), "401")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestConcurrent401sExpireExactlyOnce(t *testing.T) {
	const inflight = 8

	release := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(inflight)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived.Done()
		<-release
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Unauthorized"}`))
	}))
	defer server.Close()

	repo := NewMemoryRepository()
	store := newStore(t, repo)
	_, err := store.Login(context.Background(), Identity{UserID: "42", Username: "alice"})
	require.NoError(t, err)

	var recorder testutil.ExpiryRecorder
	store.OnExpired(recorder.Record)

	gw, err := httputil.New(httputil.Config{
		BaseURL:  server.URL,
		Timeout:  5 * time.Second,
		Identity: store,
		Logger:   logger.NewDiscard(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, inflight)
	for i := 0; i < inflight; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Get(context.Background(), "/balance/42")
			errs <- err
		}()
	}

	arrived.Wait()
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, errors.IsSessionExpired(err), "got %v", err)
	}
	assert.Equal(t, []string{"Unauthorized"}, recorder.Reasons())
	assert.False(t, store.IsAuthenticated())

	_, clears := repo.Counts()
	assert.Equal(t, 1, clears)
}

func TestSignedSession_Expires(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	signer, err := NewTokenSigner("s3cret", time.Hour)
	require.NoError(t, err)

	store := newStore(t, NewMemoryRepository(), WithSigner(signer), WithClock(clock))
	var expired int32
	store.OnExpired(func(string) { atomic.AddInt32(&expired, 1) })

	sess, err := store.Login(context.Background(), Identity{UserID: "9", Username: "carol"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, now.Add(time.Hour), sess.ExpiresAt)

	ident, ok := store.Identity()
	require.True(t, ok)
	assert.Equal(t, sess.Token, ident.Token)

	now = now.Add(2 * time.Hour)
	assert.False(t, store.IsAuthenticated())
	_, ok = store.Identity()
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&expired))
}

func TestNewStore_DoesNotChangeCallerSigner(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	signer, err := NewTokenSigner("s3cret", time.Hour)
	require.NoError(t, err)

	store := newStore(t, NewMemoryRepository(), WithSigner(signer), WithClock(func() time.Time { return past }))
	sess, err := store.Login(context.Background(), Identity{UserID: "9", Username: "carol"})
	require.NoError(t, err)
	assert.Equal(t, past.Add(time.Hour), sess.ExpiresAt)

	_, claims, err := signer.Issue("9", "carol")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), claims.IssuedAt.Time, time.Minute)
}

func TestSignedSession_RestoreRejectsBadTokens(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	signer, err := NewTokenSigner("s3cret", time.Hour)
	require.NoError(t, err)
	signer.now = func() time.Time { return now }

	valid, _, err := signer.Issue("9", "carol")
	require.NoError(t, err)
	other, _, err := signer.Issue("10", "dave")
	require.NoError(t, err)

	foreign, err := NewTokenSigner("another-secret", time.Hour)
	require.NoError(t, err)
	foreign.now = signer.now
	forged, _, err := foreign.Issue("9", "carol")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		at    time.Time
		ok    bool
	}{
		{"valid", valid, now.Add(time.Minute), true},
		{"missing", "", now, false},
		{"expired", valid, now.Add(2 * time.Hour), false},
		{"other user", other, now, false},
		{"wrong key", forged, now, false},
		{"garbage", "not.a.jwt", now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			require.NoError(t, repo.Set(context.Background(), Record{UserID: "9", Username: "carol", Token: tt.token}))

			at := tt.at
			store := newStore(t, repo, WithSigner(signer), WithClock(func() time.Time { return at }))
			store.Restore(context.Background())

			assert.Equal(t, tt.ok, store.IsAuthenticated())
			_, err := repo.Get(context.Background())
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errors.ErrNotFound, "rejected record must be erased")
			}
		})
	}
}
