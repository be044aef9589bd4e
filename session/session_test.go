package session

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/pipeline"
)

// fakeFetcher serves canned pages keyed by page number.
type fakeFetcher struct {
	pages       map[int]pipeline.Result
	searchCalls int
	randomCalls int
	lastOpts    contentsearch.SearchOptions
	err         error
}

func (f *fakeFetcher) Search(_ context.Context, _, _ string, opts contentsearch.SearchOptions) (pipeline.Result, error) {
	f.searchCalls++
	f.lastOpts = opts
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	res, ok := f.pages[opts.EffectivePage()]
	if !ok {
		return pipeline.Result{Page: opts.EffectivePage()}, nil
	}
	return res, nil
}

func (f *fakeFetcher) Random(ctx context.Context, userID, providerName string, opts contentsearch.SearchOptions) (pipeline.Result, error) {
	f.randomCalls++
	return f.Search(ctx, userID, providerName, opts)
}

func items(ids ...string) []contentsearch.ContentItem {
	out := make([]contentsearch.ContentItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, contentsearch.ContentItem{ID: id, Provider: "fake"})
	}
	return out
}

func newTestStore(fetcher Fetcher, opts ...StoreOption) (*Store, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]StoreOption{WithNow(func() time.Time { return now })}, opts...)
	return NewStore(fetcher, opts...), &now
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(nil)

	created := s.Create("user-1", "fake", KindSearch, "scenery", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a", "b"), Page: 1, HasMore: true,
	})
	require.Equal(t, 0, created.Cursor)

	sess, err := s.Get("user-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", sess.UserID)
	require.Equal(t, KindSearch, sess.Kind)
	require.Len(t, sess.Items, 2)

	cur, ok := sess.Current()
	require.True(t, ok)
	require.Equal(t, "a", cur.ID)
}

func TestGetAbsent(t *testing.T) {
	s, _ := newTestStore(nil)

	_, err := s.Get("user-1")
	require.ErrorIs(t, err, contentsearch.ErrSessionExpired)
}

func TestNextPrevClampNoWraparound(t *testing.T) {
	s, _ := newTestStore(nil)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a", "b", "c"), Page: 1,
	})

	// prev at the start stays at 0
	sess, err := s.Prev("user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, sess.Cursor)

	sess, err = s.Next("user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.Cursor)

	sess, err = s.Next("user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, sess.Cursor)

	// next at the end stays at the last item
	sess, err = s.Next("user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, sess.Cursor)
}

func TestCursorInvariantHolds(t *testing.T) {
	s, _ := newTestStore(nil)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a", "b", "c"), Page: 1,
	})

	moves := []func() (Session, error){
		func() (Session, error) { return s.Next("user-1", "user-1") },
		func() (Session, error) { return s.Prev("user-1", "user-1") },
		func() (Session, error) { return s.Random("user-1", "user-1") },
		func() (Session, error) { return s.UpdateCursor("user-1", "user-1", 99) },
		func() (Session, error) { return s.UpdateCursor("user-1", "user-1", -5) },
	}
	for _, move := range moves {
		sess, err := move()
		require.NoError(t, err)
		require.GreaterOrEqual(t, sess.Cursor, 0)
		require.Less(t, sess.Cursor, len(sess.Items))
	}
}

func TestRandomUsesInjectedIndex(t *testing.T) {
	s, _ := newTestStore(nil, WithIntN(func(n int) int { return n - 1 }))
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a", "b", "c"), Page: 1,
	})

	sess, err := s.Random("user-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, sess.Cursor)
}

func TestOwnershipRejectedBeforeMutation(t *testing.T) {
	s, _ := newTestStore(nil)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a", "b"), Page: 1,
	})

	_, err := s.Next("user-1", "intruder")
	require.ErrorIs(t, err, contentsearch.ErrNotSessionOwner)

	err = s.Clear("user-1", "intruder")
	require.ErrorIs(t, err, contentsearch.ErrNotSessionOwner)

	// the owner's state was not touched
	sess, err := s.Get("user-1")
	require.NoError(t, err)
	require.Equal(t, 0, sess.Cursor)
}

func TestOwnershipViolationIsLogged(t *testing.T) {
	var buf bytes.Buffer
	s, _ := newTestStore(nil, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a"), Page: 1,
	})

	_, err := s.Next("user-1", "intruder")
	require.ErrorIs(t, err, contentsearch.ErrNotSessionOwner)

	out := buf.String()
	require.Contains(t, out, "session ownership violation")
	require.Contains(t, out, "owner=user-1")
	require.Contains(t, out, "actor=intruder")
}

func TestSingleSessionPagingIsNoOp(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pipeline.Result{
		2: {Items: items("z"), Page: 2},
	}}
	s, _ := newTestStore(fetcher)
	s.Create("user-1", "fake", KindSingle, "", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("only"), Page: 1,
	})

	sess, moved, err := s.PageForward(context.Background(), "user-1", "user-1")
	require.NoError(t, err)
	require.False(t, moved)
	require.Equal(t, 1, sess.Page)
	require.Equal(t, "only", sess.Items[0].ID)
	require.Equal(t, 0, fetcher.searchCalls)
	require.Equal(t, 0, fetcher.randomCalls)
}

func TestExpiredSessionRejectsNavigation(t *testing.T) {
	s, now := newTestStore(nil, WithTTL(600*time.Second))
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a"), Page: 1,
	})

	*now = now.Add(601 * time.Second)

	_, err := s.Next("user-1", "user-1")
	require.ErrorIs(t, err, contentsearch.ErrSessionExpired)

	// the expired session is gone, not resurrected
	_, err = s.Get("user-1")
	require.ErrorIs(t, err, contentsearch.ErrSessionExpired)
}

func TestPageForwardReplacesItems(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pipeline.Result{
		2: {Items: items("d", "e"), Page: 2, HasMore: false},
	}}
	s, _ := newTestStore(fetcher)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a", "b", "c"), Page: 1, HasMore: true,
	})

	_, err := s.Next("user-1", "user-1")
	require.NoError(t, err)

	sess, moved, err := s.PageForward(context.Background(), "user-1", "user-1")
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, 2, sess.Page)
	require.Equal(t, 0, sess.Cursor)
	require.Equal(t, "d", sess.Items[0].ID)
	require.False(t, sess.HasMore)
}

func TestPageForwardEmptyPageIsNoOp(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestStore(fetcher)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a", "b"), Page: 1, HasMore: true,
	})

	sess, moved, err := s.PageForward(context.Background(), "user-1", "user-1")
	require.NoError(t, err)
	require.False(t, moved)
	require.Equal(t, 1, sess.Page)
	require.Equal(t, "a", sess.Items[0].ID)
}

func TestPageBackwardClampsAtFirstPage(t *testing.T) {
	fetcher := &fakeFetcher{}
	s, _ := newTestStore(fetcher)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a"), Page: 1, HasMore: true,
	})

	_, moved, err := s.PageBackward(context.Background(), "user-1", "user-1")
	require.NoError(t, err)
	require.False(t, moved)
	require.Equal(t, 0, fetcher.searchCalls)
}

func TestJumpToPageClamps(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pipeline.Result{
		2: {Items: items("d"), Page: 2, HasMore: false},
	}}
	s, _ := newTestStore(fetcher)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a"), Page: 1, HasMore: true,
	})

	// page 1 with hasMore: the furthest known page is 2
	sess, moved, err := s.JumpToPage(context.Background(), "user-1", "user-1", 50)
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, 2, sess.Page)
	require.Equal(t, 2, fetcher.lastOpts.EffectivePage())
}

func TestPageForwardRandomSessionRefetchesRandom(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[int]pipeline.Result{
		2: {Items: items("z"), Page: 2, HasMore: false},
	}}
	s, _ := newTestStore(fetcher)
	s.Create("user-1", "fake", KindRandom, "", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a"), Page: 1, HasMore: true,
	})

	_, moved, err := s.PageForward(context.Background(), "user-1", "user-1")
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, 1, fetcher.randomCalls)
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(nil)
	s.Create("user-1", "fake", KindSearch, "q", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a"), Page: 1,
	})

	require.NoError(t, s.Clear("user-1", "user-1"))

	_, err := s.Get("user-1")
	require.ErrorIs(t, err, contentsearch.ErrSessionExpired)
}

func TestSessionsPerUser(t *testing.T) {
	s, _ := newTestStore(nil)
	s.Create("user-1", "fake", KindSearch, "q1", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("a"), Page: 1,
	})
	s.Create("user-2", "fake", KindSearch, "q2", contentsearch.SearchOptions{}, pipeline.Result{
		Items: items("b", "c"), Page: 1,
	})

	_, err := s.Next("user-2", "user-2")
	require.NoError(t, err)

	sess, err := s.Get("user-1")
	require.NoError(t, err)
	require.Equal(t, 0, sess.Cursor)
	require.Equal(t, "q1", sess.Query)
}
