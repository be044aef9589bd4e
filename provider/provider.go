// Package provider defines the strategy interface implemented once per
// upstream content provider. Each provider owns its own tag-query dialect
// and response format; the pipeline consumes all of them uniformly and
// never branches on provider identity.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	contentsearch "github.com/wolfeidau/content-search"
)

// DefaultTimeout is the default timeout for upstream requests.
const DefaultTimeout = 10 * time.Second

// Query is a provider-shaped query produced by BuildQuery. Expr is in the
// provider's own dialect; Page and Limit are carried separately because
// providers differ in how they encode paging.
type Query struct {
	Expr   string
	Page   int
	Limit  int
	Sort   contentsearch.SortKey
	Random bool
}

// CacheKey returns the canonical form of the query hashed into the
// result-cache key. Two queries with equal cache keys are
// interchangeable within a cache TTL.
func (q Query) CacheKey() string {
	return fmt.Sprintf("%s|p=%d|l=%d|s=%s|r=%t", q.Expr, q.Page, q.Limit, q.Sort, q.Random)
}

// RawItem is one result as returned by a provider, before classification.
// Payload carries the provider's original JSON for the rendering
// collaborator; the engine never inspects it.
type RawItem struct {
	ID      string
	Tags    []string
	Score   int
	Rating  contentsearch.Rating
	Width   int
	Height  int
	FileURL string
	Payload json.RawMessage
}

// Provider translates merged search options into its own query dialect
// and fetches raw results. Implementations must surface failures as
// *contentsearch.UpstreamError so the resilience wrapper can classify
// them, and contentsearch.ErrNotFound for a valid query with no results.
type Provider interface {
	// Name identifies the provider; it keys circuit state and cache
	// namespaces, so it must be stable.
	Name() string

	// BuildQuery translates merged options into the provider's dialect.
	BuildQuery(opts contentsearch.SearchOptions) (Query, error)

	// Search fetches one page of raw results.
	Search(ctx context.Context, q Query) ([]RawItem, error)
}

// RandomSearcher is implemented by providers with a dedicated random
// endpoint. Providers without one are served by the pipeline's fallback:
// a regular search with the dialect's random sort token.
type RandomSearcher interface {
	Random(ctx context.Context, q Query) ([]RawItem, error)
}

// TrendingSearcher is implemented by providers exposing a trending or
// popular listing. Providers without one fall back to a high-score
// search.
type TrendingSearcher interface {
	Trending(ctx context.Context, limit int) ([]RawItem, error)
}

// ItemFetcher is implemented by providers exposing lookup of a single
// item by its native ID, serving single-item sessions.
type ItemFetcher interface {
	FetchItem(ctx context.Context, id string) (RawItem, error)
}

// Suggester is implemented by providers exposing tag autocomplete.
type Suggester interface {
	Suggest(ctx context.Context, prefix string, limit int) ([]string, error)
}
