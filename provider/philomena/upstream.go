// Package philomena implements the provider strategy for Philomena-style
// image boards: a comma-separated AND query dialect over a JSON search
// API. The upstream has no dedicated random or trending endpoint, so the
// pipeline serves those through its search fallbacks.
package philomena

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
	ProviderName = "philomena"

	// DefaultBaseURL is the default upstream endpoint.
	DefaultBaseURL = "https://derpibooru.org"

	// maxResponseBytes caps how much of an upstream response is read.
	maxResponseBytes = 8 * 1024 * 1024
)

// Upstream is a client for a Philomena-style JSON search API.
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

// NewUpstream creates a new philomena client.
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

// Search fetches one page of images matching the query.
func (u *Upstream) Search(ctx context.Context, q provider.Query) ([]provider.RawItem, error) {
	expr := q.Expr
	if expr == "" {
		// The dialect rejects an empty query; "*" means browse-all.
		expr = "*"
	}

	params := url.Values{}
	params.Set("q", expr)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("per_page", strconv.Itoa(q.Limit))
	params.Set("sf", sortField(q))
	params.Set("sd", "desc")

	var page imagePage
	if err := u.getJSON(ctx, "/api/v1/json/search/images", params, &page); err != nil {
		return nil, err
	}

	items := make([]provider.RawItem, 0, len(page.Images))
	for _, msg := range page.Images {
		var img image
		if err := json.Unmarshal(msg, &img); err != nil {
			continue
		}
		items = append(items, provider.RawItem{
			ID:      strconv.Itoa(img.ID),
			Tags:    lowerAll(img.Tags),
			Score:   img.Score,
			Rating:  ratingFromTags(img.Tags),
			Width:   img.Width,
			Height:  img.Height,
			FileURL: img.Representations.Full,
			Payload: msg,
		})
	}
	return items, nil
}

// FetchItem implements provider.ItemFetcher via the single-image
// endpoint.
func (u *Upstream) FetchItem(ctx context.Context, id string) (provider.RawItem, error) {
	var env struct {
		Image json.RawMessage `json:"image"`
	}
	if err := u.getJSON(ctx, "/api/v1/json/images/"+url.PathEscape(id), nil, &env); err != nil {
		return provider.RawItem{}, err
	}

	var img image
	if err := json.Unmarshal(env.Image, &img); err != nil {
		return provider.RawItem{}, &contentsearch.UpstreamError{Provider: ProviderName, Err: fmt.Errorf("decoding image: %w", err)}
	}
	return provider.RawItem{
		ID:      strconv.Itoa(img.ID),
		Tags:    lowerAll(img.Tags),
		Score:   img.Score,
		Rating:  ratingFromTags(img.Tags),
		Width:   img.Width,
		Height:  img.Height,
		FileURL: img.Representations.Full,
		Payload: env.Image,
	}, nil
}

// Suggest implements provider.Suggester via the tag search endpoint.
func (u *Upstream) Suggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("q", strings.ToLower(strings.TrimSpace(prefix))+"*")
	params.Set("per_page", strconv.Itoa(limit))

	var page tagPage
	if err := u.getJSON(ctx, "/api/v1/json/search/tags", params, &page); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(page.Tags))
	for _, tag := range page.Tags {
		if tag.Name != "" {
			names = append(names, tag.Name)
		}
	}
	return names, nil
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
		timeout := errors.Is(err, context.DeadlineExceeded)
		var nerr net.Error
		if !timeout && errors.As(err, &nerr) {
			timeout = nerr.Timeout()
		}
		return &contentsearch.UpstreamError{Provider: ProviderName, Timeout: timeout, Err: err}
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

func sortField(q provider.Query) string {
	if q.Random {
		return "random"
	}
	switch q.Sort {
	case contentsearch.SortNewest:
		return "first_seen_at"
	default:
		return "score"
	}
}

// ratingFromTags derives the rating from the dialect's rating tags.
// Images carry exactly one of them in practice; absent any, the image is
// treated as questionable.
func ratingFromTags(tags []string) contentsearch.Rating {
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "safe":
			return contentsearch.RatingSafe
		case "questionable", "suggestive":
			return contentsearch.RatingQuestionable
		case "explicit":
			return contentsearch.RatingExplicit
		}
	}
	return contentsearch.RatingQuestionable
}

func lowerAll(tags []string) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = strings.ToLower(t)
	}
	return out
}

var _ interface {
	provider.Provider
	provider.Suggester
	provider.ItemFetcher
} = (*Upstream)(nil)
