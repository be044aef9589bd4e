package pipeline

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/breaker"
	"github.com/wolfeidau/content-search/cache"
	"github.com/wolfeidau/content-search/prefs"
	"github.com/wolfeidau/content-search/provider"
	"github.com/wolfeidau/content-search/store"
)

// fakeProvider serves canned items and records how it was called.
type fakeProvider struct {
	name        string
	items       []provider.RawItem
	searchCalls int
	randomCalls int
	lastQuery   provider.Query
	searchErr   error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) BuildQuery(opts contentsearch.SearchOptions) (provider.Query, error) {
	return provider.Query{
		Expr:   opts.Query,
		Page:   opts.EffectivePage(),
		Limit:  opts.EffectiveLimit(),
		Sort:   opts.Sort,
		Random: opts.Sort == contentsearch.SortRandom,
	}, nil
}

func (f *fakeProvider) Search(_ context.Context, q provider.Query) ([]provider.RawItem, error) {
	f.searchCalls++
	f.lastQuery = q
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.items, nil
}

// randomProvider additionally has a native random endpoint.
type randomProvider struct {
	fakeProvider
}

func (r *randomProvider) Random(_ context.Context, q provider.Query) ([]provider.RawItem, error) {
	r.randomCalls++
	r.lastQuery = q
	return r.items, nil
}

// suggestProvider additionally completes tag prefixes.
type suggestProvider struct {
	fakeProvider
	suggestions  []string
	suggestCalls int
}

func (s *suggestProvider) Suggest(_ context.Context, _ string, _ int) ([]string, error) {
	s.suggestCalls++
	return s.suggestions, nil
}

// itemProvider additionally serves single items by ID.
type itemProvider struct {
	fakeProvider
	fetchCalls int
}

func (i *itemProvider) FetchItem(_ context.Context, id string) (provider.RawItem, error) {
	i.fetchCalls++
	for _, it := range i.items {
		if it.ID == id {
			return it, nil
		}
	}
	return provider.RawItem{}, contentsearch.ErrNotFound
}

func rawItem(id string, score int, tags ...string) provider.RawItem {
	return provider.RawItem{
		ID:     id,
		Tags:   tags,
		Score:  score,
		Rating: contentsearch.RatingSafe,
		Width:  1000,
		Height: 1000,
	}
}

func newTestPipeline(t *testing.T, providers ...provider.Provider) *Pipeline {
	t.Helper()

	kv, err := store.OpenBolt(filepath.Join(t.TempDir(), "prefs.db"), store.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	exec := breaker.New(cache.New(), breaker.Config{})
	return New(exec, cache.New(), prefs.NewStore(kv), providers)
}

func TestSearchFilterComposition(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{
		rawItem("1", 50, "a"),
		rawItem("2", 150, "a"),
		rawItem("3", 200, "a", "x"),
	}}
	p := newTestPipeline(t, prov)

	res, err := p.Search(context.Background(), "user-1", "fake", contentsearch.SearchOptions{
		MinScore:    contentsearch.IntPtr(100),
		ExcludeTags: []string{"x"},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "2", res.Items[0].ID)
}

func TestSearchEmptyQueryIsValid(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{rawItem("1", 10, "a")}}
	p := newTestPipeline(t, prov)

	res, err := p.Search(context.Background(), "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "", prov.lastQuery.Expr)
}

func TestSearchEmptyAfterFilterIsNotAnError(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{
		rawItem("1", 5, "a"),
		rawItem("2", 8, "a"),
	}}
	p := newTestPipeline(t, prov)

	res, err := p.Search(context.Background(), "user-1", "fake", contentsearch.SearchOptions{
		MinScore: contentsearch.IntPtr(1000),
	})
	require.NoError(t, err)
	require.Empty(t, res.Items)
	require.False(t, res.HasMore)
}

func TestSearchUnknownProvider(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.Search(context.Background(), "user-1", "nope", contentsearch.SearchOptions{})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSearchSortsByScoreDescending(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{
		rawItem("low", 10, "a"),
		rawItem("high", 300, "a"),
		rawItem("mid", 100, "a"),
	}}
	p := newTestPipeline(t, prov)

	res, err := p.Search(context.Background(), "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)

	ids := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		ids = append(ids, it.ID)
	}
	require.Equal(t, []string{"high", "mid", "low"}, ids)
}

func TestSearchHasMoreHeuristic(t *testing.T) {
	items := make([]provider.RawItem, 0, 5)
	for i := range 5 {
		items = append(items, rawItem(strconv.Itoa(i), i*10, "a"))
	}
	prov := &fakeProvider{name: "fake", items: items}
	p := newTestPipeline(t, prov)

	// raw page full: probably more
	res, err := p.Search(context.Background(), "user-1", "fake", contentsearch.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.True(t, res.HasMore)

	// raw page short: definitely last
	res, err = p.Search(context.Background(), "user-1", "fake", contentsearch.SearchOptions{Limit: 50})
	require.NoError(t, err)
	require.False(t, res.HasMore)
}

func TestSearchIdenticalQueriesServedFromCache(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{rawItem("1", 10, "a")}}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	opts := contentsearch.SearchOptions{Query: "a"}
	_, err := p.Search(ctx, "user-1", "fake", opts)
	require.NoError(t, err)
	_, err = p.Search(ctx, "user-2", "fake", opts)
	require.NoError(t, err)

	require.Equal(t, 1, prov.searchCalls)
}

func TestSearchMergesPreferences(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{
		rawItem("1", 50, "a"),
		rawItem("2", 150, "a"),
	}}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	_, err := p.prefs.SetPreferences(ctx, "user-1", prefs.Patch{MinScore: contentsearch.IntPtr(100)})
	require.NoError(t, err)

	// preference applies when the request is silent
	res, err := p.Search(ctx, "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "2", res.Items[0].ID)

	// explicit option wins over the preference
	res, err = p.Search(ctx, "user-1", "fake", contentsearch.SearchOptions{
		MinScore: contentsearch.IntPtr(0),
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
}

func TestSearchAppliesBlacklist(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{
		rawItem("1", 10, "a", "gore"),
		rawItem("2", 20, "a"),
	}}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	_, err := p.prefs.AddToBlacklist(ctx, "user-1", []string{"gore"})
	require.NoError(t, err)

	res, err := p.Search(ctx, "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "2", res.Items[0].ID)

	// other users are unaffected
	res, err = p.Search(ctx, "user-2", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
}

func TestSearchClassifiesItems(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{
		rawItem("1", 10, "ai_generated", "lowres"),
		rawItem("2", 20, "scenery"),
	}}
	p := newTestPipeline(t, prov)

	res, err := p.Search(context.Background(), "user-1", "fake", contentsearch.SearchOptions{
		ExcludeAI: contentsearch.BoolPtr(true),
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "2", res.Items[0].ID)
	require.False(t, res.Items[0].AIGenerated)
}

func TestRandomUsesNativeEndpoint(t *testing.T) {
	prov := &randomProvider{fakeProvider: fakeProvider{
		name:  "fake",
		items: []provider.RawItem{rawItem("1", 10, "a")},
	}}
	p := newTestPipeline(t, prov)

	res, err := p.Random(context.Background(), "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, 1, prov.randomCalls)
	require.Equal(t, 0, prov.searchCalls)
	require.False(t, res.HasMore)
}

func TestRandomFallsBackToRandomSort(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{rawItem("1", 10, "a")}}
	p := newTestPipeline(t, prov)

	_, err := p.Random(context.Background(), "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, prov.searchCalls)
	require.True(t, prov.lastQuery.Random)
}

func TestRandomIsNeverCached(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{rawItem("1", 10, "a")}}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	_, err := p.Random(ctx, "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	_, err = p.Random(ctx, "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, prov.searchCalls)
}

func TestRandomIgnoresCachedSearchPage(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{rawItem("1", 10, "a")}}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	// An explicit random-sort search populates the result cache under
	// the same effective query.
	_, err := p.Search(ctx, "user-1", "fake", contentsearch.SearchOptions{Sort: contentsearch.SortRandom})
	require.NoError(t, err)
	require.Equal(t, 1, prov.searchCalls)

	// A random request must still reach the provider for a fresh pick.
	_, err = p.Random(ctx, "user-1", "fake", contentsearch.SearchOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, prov.searchCalls)
}

func TestByID(t *testing.T) {
	prov := &itemProvider{fakeProvider: fakeProvider{
		name:  "fake",
		items: []provider.RawItem{rawItem("42", 10, "ai_generated")},
	}}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	item, err := p.ByID(ctx, "fake", "42")
	require.NoError(t, err)
	require.Equal(t, "42", item.ID)
	require.Equal(t, "fake", item.Provider)
	require.True(t, item.AIGenerated, "by-id items are classified")

	// repeated lookups are served from cache
	_, err = p.ByID(ctx, "fake", "42")
	require.NoError(t, err)
	require.Equal(t, 1, prov.fetchCalls)
}

func TestByIDUnknownItem(t *testing.T) {
	prov := &itemProvider{fakeProvider: fakeProvider{name: "fake"}}
	p := newTestPipeline(t, prov)

	_, err := p.ByID(context.Background(), "fake", "404")
	require.ErrorIs(t, err, contentsearch.ErrNotFound)
}

func TestByIDUnsupportedProvider(t *testing.T) {
	prov := &fakeProvider{name: "fake"}
	p := newTestPipeline(t, prov)

	_, err := p.ByID(context.Background(), "fake", "1")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestSuggestCachedPerPrefix(t *testing.T) {
	prov := &suggestProvider{
		fakeProvider: fakeProvider{name: "fake"},
		suggestions:  []string{"cake", "cat", "category"},
	}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	names, err := p.Suggest(ctx, "fake", "cat", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"cat", "category"}, names)

	_, err = p.Suggest(ctx, "fake", "cat", 10)
	require.NoError(t, err)
	require.Equal(t, 1, prov.suggestCalls)
}

func TestSuggestNarrowerPrefixServedFromSuperset(t *testing.T) {
	prov := &suggestProvider{
		fakeProvider: fakeProvider{name: "fake"},
		suggestions:  []string{"cake", "cat", "category"},
	}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	_, err := p.Suggest(ctx, "fake", "ca", 10)
	require.NoError(t, err)
	require.Equal(t, 1, prov.suggestCalls)

	// Narrowing the prefix filters the cached set locally instead of
	// refetching.
	names, err := p.Suggest(ctx, "fake", "cat", 10)
	require.NoError(t, err)
	require.Equal(t, 1, prov.suggestCalls)
	require.Equal(t, []string{"cat", "category"}, names)
}

func TestSuggestSupersetMissFetchesUpstream(t *testing.T) {
	prov := &suggestProvider{
		fakeProvider: fakeProvider{name: "fake"},
		suggestions:  []string{"cake", "cat"},
	}
	p := newTestPipeline(t, prov)
	ctx := context.Background()

	_, err := p.Suggest(ctx, "fake", "ca", 10)
	require.NoError(t, err)

	// Nothing cached matches the narrower prefix, so it goes upstream.
	_, err = p.Suggest(ctx, "fake", "caz", 10)
	require.NoError(t, err)
	require.Equal(t, 2, prov.suggestCalls)
}

func TestTrendingFallsBackToTopScores(t *testing.T) {
	prov := &fakeProvider{name: "fake", items: []provider.RawItem{
		rawItem("1", 500, "a"),
		rawItem("2", 100, "a"),
	}}
	p := newTestPipeline(t, prov)

	res, err := p.Trending(context.Background(), "user-1", "fake", 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, "1", res.Items[0].ID)
	require.Equal(t, contentsearch.SortScore, prov.lastQuery.Sort)
}

func TestProviders(t *testing.T) {
	p := newTestPipeline(t,
		&fakeProvider{name: "beta"},
		&fakeProvider{name: "alpha"},
	)

	require.Equal(t, []string{"alpha", "beta"}, p.Providers())
}
