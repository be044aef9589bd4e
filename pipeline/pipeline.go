// Package pipeline turns a free-text query plus a bag of filter options
// into normalized, filtered content items. It merges request options
// with stored preferences, builds a provider-shaped query, fetches
// through the circuit-breaking executor, then classifies and re-filters
// the results locally.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/breaker"
	"github.com/wolfeidau/content-search/cache"
	"github.com/wolfeidau/content-search/classify"
	"github.com/wolfeidau/content-search/prefs"
	"github.com/wolfeidau/content-search/provider"
	"github.com/wolfeidau/content-search/telemetry"
)

// ErrUnknownProvider is returned when a request names a provider that
// was never registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrUnsupported is returned when a provider lacks the capability an
// operation requires.
var ErrUnsupported = errors.New("operation not supported by provider")

const (
	// DefaultResultTTL is how long query results are cached.
	DefaultResultTTL = 5 * time.Minute

	// DefaultTrendingTTL is how long trending results are cached.
	// Trending moves slowly, so it outlives the result TTL.
	DefaultTrendingTTL = 15 * time.Minute

	// DefaultSuggestTTL is how long tag suggestions are cached.
	DefaultSuggestTTL = 30 * time.Minute

	suggestNamespace = "suggest"
)

// Result is one page of filtered, sorted items.
type Result struct {
	Items []contentsearch.ContentItem

	// HasMore reports whether the upstream probably has another page:
	// true iff the raw page came back full. Providers rarely expose
	// total counts, so this is a heuristic.
	HasMore bool

	// Page is the upstream page the items came from.
	Page int
}

// Pipeline executes searches across registered providers.
type Pipeline struct {
	providers   map[string]provider.Provider
	exec        *breaker.Executor
	cache       *cache.Cache
	prefs       *prefs.Store
	classifier  *classify.Classifier
	logger      *slog.Logger
	resultTTL   time.Duration
	trendingTTL time.Duration
	suggestTTL  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithResultTTL sets the cache TTL for search results.
func WithResultTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.resultTTL = d
	}
}

// WithTrendingTTL sets the cache TTL for trending results.
func WithTrendingTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.trendingTTL = d
	}
}

// WithSuggestTTL sets the cache TTL for tag suggestions.
func WithSuggestTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		p.suggestTTL = d
	}
}

// WithClassifier overrides the default tag classifier.
func WithClassifier(c *classify.Classifier) Option {
	return func(p *Pipeline) {
		p.classifier = c
	}
}

// New creates a Pipeline. The cache backs tag suggestions; query
// results are cached inside exec.
func New(exec *breaker.Executor, c *cache.Cache, prefStore *prefs.Store, providers []provider.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		providers:   make(map[string]provider.Provider, len(providers)),
		exec:        exec,
		cache:       c,
		prefs:       prefStore,
		classifier:  classify.New(classify.DefaultVocabulary()),
		logger:      slog.Default(),
		resultTTL:   DefaultResultTTL,
		trendingTTL: DefaultTrendingTTL,
		suggestTTL:  DefaultSuggestTTL,
	}
	for _, prov := range providers {
		p.providers[prov.Name()] = prov
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Providers returns the registered provider names.
func (p *Pipeline) Providers() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search runs a search for userID against the named provider. An empty
// query is valid and browses everything the merged filters admit. A
// page that empties entirely after filtering is a result, not an error.
func (p *Pipeline) Search(ctx context.Context, userID, providerName string, opts contentsearch.SearchOptions) (Result, error) {
	return p.run(ctx, userID, providerName, opts, "search")
}

// Random returns a page of random items matching the merged filters.
// Providers with a native random endpoint are asked directly; the rest
// are searched with a random sort. Random pages are never cached.
func (p *Pipeline) Random(ctx context.Context, userID, providerName string, opts contentsearch.SearchOptions) (Result, error) {
	return p.run(ctx, userID, providerName, opts, "random")
}

func (p *Pipeline) run(ctx context.Context, userID, providerName string, opts contentsearch.SearchOptions, kind string) (Result, error) {
	start := time.Now()

	prov, ok := p.providers[providerName]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	merged, excluded, err := p.merge(ctx, userID, opts)
	if err != nil {
		return Result{}, err
	}
	if kind == "random" {
		merged.Sort = contentsearch.SortRandom
	}

	q, err := prov.BuildQuery(merged)
	if err != nil {
		return Result{}, fmt.Errorf("building query: %w", err)
	}

	var (
		raw          []provider.RawItem
		fetch        breaker.Operation
		nativeRandom bool
	)
	if kind == "random" {
		if rs, isRandom := prov.(provider.RandomSearcher); isRandom {
			nativeRandom = true
			fetch = func(ctx context.Context) (any, error) {
				return rs.Random(ctx, q)
			}
		}
	}
	if fetch == nil {
		fetch = func(ctx context.Context) (any, error) {
			return prov.Search(ctx, q)
		}
	}

	key := contentsearch.KeyForQuery(providerName, q.CacheKey()).String()
	ttl := p.resultTTL
	if kind == "random" {
		// Byte-identical requests must yield fresh picks, and an earlier
		// random-sort search may have cached this exact key. The empty
		// key bypasses the cache read as well as the write.
		key, ttl = "", 0
	}
	v, err := p.exec.Do(ctx, providerName, key, ttl, fetch)
	if err != nil {
		telemetry.RecordSearch(ctx, providerName, kind, "error", time.Since(start))
		return Result{}, err
	}
	raw = v.([]provider.RawItem)

	items := p.normalize(providerName, raw, merged, excluded)

	result := Result{
		Items: items,
		// native random endpoints return a fixed-size sample, so a full
		// page says nothing about further pages
		HasMore: !nativeRandom && len(raw) == q.Limit,
		Page:    q.Page,
	}

	telemetry.RecordSearch(ctx, providerName, kind, "ok", time.Since(start))
	p.logger.Debug("search completed",
		"provider", providerName,
		"kind", kind,
		"raw", len(raw),
		"items", len(items),
		"hasMore", result.HasMore,
		"duration", time.Since(start))

	return result, nil
}

// ByID fetches a single item by its provider-native ID. The item is
// classified but never filtered: an explicit lookup returns the item
// whenever the provider has it, regardless of stored preferences.
func (p *Pipeline) ByID(ctx context.Context, providerName, id string) (contentsearch.ContentItem, error) {
	start := time.Now()

	prov, ok := p.providers[providerName]
	if !ok {
		return contentsearch.ContentItem{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	fetcher, ok := prov.(provider.ItemFetcher)
	if !ok {
		return contentsearch.ContentItem{}, fmt.Errorf("%w: %s has no item lookup", ErrUnsupported, providerName)
	}
	if strings.TrimSpace(id) == "" {
		return contentsearch.ContentItem{}, contentsearch.ErrEmptyQuery
	}

	key := contentsearch.KeyForQuery(providerName, "id|"+id).String()
	v, err := p.exec.Do(ctx, providerName, key, p.resultTTL, func(ctx context.Context) (any, error) {
		return fetcher.FetchItem(ctx, id)
	})
	if err != nil {
		telemetry.RecordSearch(ctx, providerName, "single", "error", time.Since(start))
		return contentsearch.ContentItem{}, err
	}

	item := p.toItem(providerName, v.(provider.RawItem))
	telemetry.RecordSearch(ctx, providerName, "single", "ok", time.Since(start))
	return item, nil
}

// Trending returns the provider's currently popular items, filtered
// through the user's blacklist and preferences. Providers without a
// trending endpoint fall back to a top-score search.
func (p *Pipeline) Trending(ctx context.Context, userID, providerName string, limit int) (Result, error) {
	prov, ok := p.providers[providerName]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	start := time.Now()

	ts, hasTrending := prov.(provider.TrendingSearcher)
	if !hasTrending {
		opts := contentsearch.SearchOptions{Sort: contentsearch.SortScore, Limit: limit}
		return p.Search(ctx, userID, providerName, opts)
	}

	merged, excluded, err := p.merge(ctx, userID, contentsearch.SearchOptions{Limit: limit})
	if err != nil {
		return Result{}, err
	}

	key := contentsearch.KeyForQuery(providerName, fmt.Sprintf("trending|l=%d", merged.EffectiveLimit())).String()
	v, err := p.exec.Do(ctx, providerName, key, p.trendingTTL, func(ctx context.Context) (any, error) {
		return ts.Trending(ctx, merged.EffectiveLimit())
	})
	if err != nil {
		telemetry.RecordSearch(ctx, providerName, "trending", "error", time.Since(start))
		return Result{}, err
	}
	raw := v.([]provider.RawItem)

	telemetry.RecordSearch(ctx, providerName, "trending", "ok", time.Since(start))
	return Result{
		Items: p.normalize(providerName, raw, merged, excluded),
		Page:  1,
	}, nil
}

// merge folds the user's stored preferences under the request options
// (explicit option wins) and unions their blacklist into the exclusion
// set. It returns the merged options and the full exclusion set.
func (p *Pipeline) merge(ctx context.Context, userID string, opts contentsearch.SearchOptions) (contentsearch.SearchOptions, map[string]struct{}, error) {
	pr, err := p.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return contentsearch.SearchOptions{}, nil, err
	}
	blacklist, err := p.prefs.GetBlacklist(ctx, userID)
	if err != nil {
		return contentsearch.SearchOptions{}, nil, err
	}

	if opts.Sort == contentsearch.SortDefault {
		opts.Sort = pr.DefaultSort
	}
	if opts.MinScore == nil && pr.MinScore > 0 {
		opts.MinScore = contentsearch.IntPtr(pr.MinScore)
	}
	if opts.ExcludeAI == nil && pr.ExcludeAI {
		opts.ExcludeAI = contentsearch.BoolPtr(true)
	}
	if opts.HighQualityOnly == nil && pr.HighQualityOnly {
		opts.HighQualityOnly = contentsearch.BoolPtr(true)
	}
	if opts.ExcludeLowQuality == nil && pr.ExcludeLowQuality {
		opts.ExcludeLowQuality = contentsearch.BoolPtr(true)
	}

	excluded := make(map[string]struct{}, len(opts.ExcludeTags)+len(blacklist))
	for _, t := range opts.ExcludeTags {
		excluded[t] = struct{}{}
	}
	for _, t := range blacklist {
		excluded[t] = struct{}{}
	}

	if len(blacklist) > 0 {
		opts.ExcludeTags = append(append([]string(nil), opts.ExcludeTags...), blacklist...)
	}

	return opts, excluded, nil
}

// normalize parses raw provider items into ContentItems and re-applies
// every filter locally. Providers sometimes silently ignore query
// tokens, and cached pages may predate the current preferences, so the
// server-side query is only an optimization.
func (p *Pipeline) normalize(providerName string, raw []provider.RawItem, opts contentsearch.SearchOptions, excluded map[string]struct{}) []contentsearch.ContentItem {
	items := make([]contentsearch.ContentItem, 0, len(raw))
	for _, r := range raw {
		item := p.toItem(providerName, r)
		if !p.admit(item, opts, excluded) {
			continue
		}
		items = append(items, item)
	}

	if opts.Sort == contentsearch.SortScore || opts.Sort == contentsearch.SortDefault {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Score > items[j].Score
		})
	}

	return items
}

// toItem parses one raw provider item and runs classification.
func (p *Pipeline) toItem(providerName string, r provider.RawItem) contentsearch.ContentItem {
	item := contentsearch.ContentItem{
		ID:       r.ID,
		Provider: providerName,
		Tags:     r.Tags,
		Score:    r.Score,
		Rating:   r.Rating,
		Width:    r.Width,
		Height:   r.Height,
		FileURL:  r.FileURL,
		Raw:      r.Payload,
	}
	p.classifier.Classify(&item)
	return item
}

func (p *Pipeline) admit(item contentsearch.ContentItem, opts contentsearch.SearchOptions, excluded map[string]struct{}) bool {
	if opts.Rating != contentsearch.RatingAny && item.Rating != opts.Rating {
		return false
	}
	if opts.MinScore != nil && item.Score < *opts.MinScore {
		return false
	}
	if opts.ExcludeAI != nil && *opts.ExcludeAI && item.AIGenerated {
		return false
	}
	if opts.HighQualityOnly != nil && *opts.HighQualityOnly && item.Quality != contentsearch.QualityHigh {
		return false
	}
	if opts.ExcludeLowQuality != nil && *opts.ExcludeLowQuality && item.Quality == contentsearch.QualityLow {
		return false
	}
	if opts.MinWidth > 0 && item.Width < opts.MinWidth {
		return false
	}
	if opts.MinHeight > 0 && item.Height < opts.MinHeight {
		return false
	}
	if opts.MaxWidth > 0 && item.Width > opts.MaxWidth {
		return false
	}
	if opts.MaxHeight > 0 && item.Height > opts.MaxHeight {
		return false
	}
	if opts.Media != contentsearch.MediaAny && item.Media != opts.Media {
		return false
	}
	for _, t := range item.Tags {
		if _, ok := excluded[t]; ok {
			return false
		}
	}
	for _, t := range opts.RequireTags {
		if !item.HasTag(t) {
			return false
		}
	}
	return true
}
