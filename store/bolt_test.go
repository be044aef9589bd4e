package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	contentsearch "github.com/wolfeidau/content-search"
)

func newTestKV(t *testing.T) (*BoltKV, *time.Time) {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	kv, err := OpenBolt(filepath.Join(t.TempDir(), "store.db"),
		WithNoSync(true),
		WithNow(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	return kv, &now
}

func TestSetGet(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "prefs", "user-1", []byte(`{"minScore":50}`), 0))

	got, err := kv.Get(ctx, "prefs", "user-1")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"minScore":50}`), got)
}

func TestGetMissing(t *testing.T) {
	kv, _ := newTestKV(t)

	_, err := kv.Get(context.Background(), "prefs", "nope")
	require.ErrorIs(t, err, contentsearch.ErrNotFound)
}

func TestNamespaceIsolation(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "prefs", "k", []byte("a"), 0))
	require.NoError(t, kv.Set(ctx, "sessions", "k", []byte("b"), 0))

	got, err := kv.Get(ctx, "prefs", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)

	got, err = kv.Get(ctx, "sessions", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got)
}

func TestTTLExpiry(t *testing.T) {
	kv, now := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "sessions", "s1", []byte("live"), 10*time.Minute))

	_, err := kv.Get(ctx, "sessions", "s1")
	require.NoError(t, err)

	*now = now.Add(10*time.Minute + time.Second)

	_, err = kv.Get(ctx, "sessions", "s1")
	require.ErrorIs(t, err, contentsearch.ErrNotFound)

	// still gone after the clock moves back (lazy delete removed it)
	*now = now.Add(-5 * time.Minute)
	_, err = kv.Get(ctx, "sessions", "s1")
	require.ErrorIs(t, err, contentsearch.ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "prefs", "k", []byte("v"), 0))
	require.NoError(t, kv.Delete(ctx, "prefs", "k"))
	require.NoError(t, kv.Delete(ctx, "prefs", "k"))
	require.NoError(t, kv.Delete(ctx, "never-created", "k"))

	_, err := kv.Get(ctx, "prefs", "k")
	require.ErrorIs(t, err, contentsearch.ErrNotFound)
}

func TestListSkipsExpired(t *testing.T) {
	kv, now := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "sessions", "a", []byte("1"), 5*time.Minute))
	require.NoError(t, kv.Set(ctx, "sessions", "b", []byte("2"), time.Hour))
	require.NoError(t, kv.Set(ctx, "sessions", "c", []byte("3"), 0))

	*now = now.Add(30 * time.Minute)

	keys, err := kv.List(ctx, "sessions")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "c"}, keys)
}

func TestListEmptyNamespace(t *testing.T) {
	kv, _ := newTestKV(t)

	keys, err := kv.List(context.Background(), "nothing")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestLargeValueRoundTrip(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	// well above the compression threshold, and compressible
	value := bytes.Repeat([]byte("abcdefgh"), 4096)
	require.NoError(t, kv.Set(ctx, "sessions", "big", value, 0))

	got, err := kv.Get(ctx, "sessions", "big")
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestReap(t *testing.T) {
	kv, now := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "sessions", "old", []byte("1"), time.Minute))
	require.NoError(t, kv.Set(ctx, "sessions", "new", []byte("2"), time.Hour))
	require.NoError(t, kv.Set(ctx, "prefs", "old", []byte("3"), time.Minute))

	*now = now.Add(10 * time.Minute)

	deleted, err := kv.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	keys, err := kv.List(ctx, "sessions")
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, keys)
}

func TestOverwrite(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "prefs", "k", []byte("one"), 0))
	require.NoError(t, kv.Set(ctx, "prefs", "k", []byte("two"), 0))

	got, err := kv.Get(ctx, "prefs", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), got)
}
