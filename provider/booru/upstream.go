// Package booru implements the provider strategy for booru-style image
// boards: a space-separated tag query dialect over a JSON post API, with
// an HTML-only popular listing used for trending.
package booru

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/provider"
	"github.com/wolfeidau/content-search/telemetry"
)

const (
	// ProviderName keys circuit state and cache namespaces.
	ProviderName = "booru"

	// DefaultBaseURL is the default upstream endpoint.
	DefaultBaseURL = "https://danbooru.donmai.us"

	// maxResponseBytes caps how much of an upstream response is read.
	maxResponseBytes = 8 * 1024 * 1024
)

// Upstream is a client for a booru-style JSON post API.
type Upstream struct {
	baseURL string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithBaseURL sets the upstream base URL.
func WithBaseURL(u string) UpstreamOption {
	return func(up *Upstream) {
		up.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(up *Upstream) {
		up.client = client
	}
}

// NewUpstream creates a new booru client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout:   provider.DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, ProviderName),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Name implements provider.Provider.
func (u *Upstream) Name() string { return ProviderName }

// Search fetches one page of posts matching the query.
func (u *Upstream) Search(ctx context.Context, q provider.Query) ([]provider.RawItem, error) {
	expr := q.Expr
	if tok := orderToken(q.Sort); tok != "" {
		expr = strings.TrimSpace(expr + " " + tok)
	}

	params := url.Values{}
	params.Set("tags", expr)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))

	return u.fetchPosts(ctx, "/posts.json", params)
}

// Random implements provider.RandomSearcher using the dedicated random
// endpoint, which is cheaper upstream than an order:random search.
func (u *Upstream) Random(ctx context.Context, q provider.Query) ([]provider.RawItem, error) {
	params := url.Values{}
	if q.Expr != "" {
		params.Set("tags", q.Expr)
	}
	params.Set("limit", strconv.Itoa(q.Limit))

	return u.fetchPosts(ctx, "/posts/random.json", params)
}

// FetchItem implements provider.ItemFetcher via the single-post
// endpoint.
func (u *Upstream) FetchItem(ctx context.Context, id string) (provider.RawItem, error) {
	var msg json.RawMessage
	if err := u.getJSON(ctx, "/posts/"+url.PathEscape(id)+".json", nil, &msg); err != nil {
		return provider.RawItem{}, err
	}

	var p post
	if err := json.Unmarshal(msg, &p); err != nil {
		return provider.RawItem{}, &contentsearch.UpstreamError{Provider: ProviderName, Err: fmt.Errorf("decoding post: %w", err)}
	}
	return provider.RawItem{
		ID:      strconv.Itoa(p.ID),
		Tags:    strings.Fields(strings.ToLower(p.Tags)),
		Score:   p.Score,
		Rating:  parseRating(p.Rating),
		Width:   p.Width,
		Height:  p.Height,
		FileURL: p.File,
		Payload: msg,
	}, nil
}

// Suggest implements provider.Suggester via tag autocomplete.
func (u *Upstream) Suggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("search[query]", strings.ToLower(strings.TrimSpace(prefix)))
	params.Set("search[type]", "tag_query")
	params.Set("limit", strconv.Itoa(limit))

	var suggestions []tagSuggestion
	if err := u.getJSON(ctx, "/autocomplete.json", params, &suggestions); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

func (u *Upstream) fetchPosts(ctx context.Context, path string, params url.Values) ([]provider.RawItem, error) {
	// Decode to raw messages first so each item's original payload can be
	// passed through to the rendering collaborator untouched.
	var raw []json.RawMessage
	if err := u.getJSON(ctx, path, params, &raw); err != nil {
		return nil, err
	}

	items := make([]provider.RawItem, 0, len(raw))
	for _, msg := range raw {
		var p post
		if err := json.Unmarshal(msg, &p); err != nil {
			continue // skip malformed entries, keep the page usable
		}
		items = append(items, provider.RawItem{
			ID:      strconv.Itoa(p.ID),
			Tags:    strings.Fields(strings.ToLower(p.Tags)),
			Score:   p.Score,
			Rating:  parseRating(p.Rating),
			Width:   p.Width,
			Height:  p.Height,
			FileURL: p.File,
			Payload: msg,
		})
	}
	return items, nil
}

func (u *Upstream) getJSON(ctx context.Context, path string, params url.Values, v any) error {
	reqURL := u.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return classifyTransportErr(ProviderName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return contentsearch.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return &contentsearch.UpstreamError{Provider: ProviderName, Status: resp.StatusCode}
	}

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &contentsearch.UpstreamError{Provider: ProviderName, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// classifyTransportErr wraps a transport-level error so the resilience
// wrapper can distinguish timeouts from other failures.
func classifyTransportErr(name string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var nerr net.Error
	if !timeout && errors.As(err, &nerr) {
		timeout = nerr.Timeout()
	}
	return &contentsearch.UpstreamError{Provider: name, Timeout: timeout, Err: err}
}

// parseRating maps the dialect's single-letter ratings. Unknown letters
// map to questionable rather than safe.
func parseRating(r string) contentsearch.Rating {
	switch r {
	case "s", "g":
		return contentsearch.RatingSafe
	case "q":
		return contentsearch.RatingQuestionable
	case "e":
		return contentsearch.RatingExplicit
	default:
		return contentsearch.RatingQuestionable
	}
}

var _ interface {
	provider.Provider
	provider.RandomSearcher
	provider.TrendingSearcher
	provider.Suggester
	provider.ItemFetcher
} = (*Upstream)(nil)
