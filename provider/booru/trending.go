package booru

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/provider"
	"golang.org/x/net/html"
)

// Trending implements provider.TrendingSearcher. The popular listing is
// HTML-only upstream, so the page is parsed for post previews carrying
// data attributes.
func (u *Upstream) Trending(ctx context.Context, limit int) ([]provider.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/explore/posts/popular", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(ProviderName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, contentsearch.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &contentsearch.UpstreamError{Provider: ProviderName, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &contentsearch.UpstreamError{Provider: ProviderName, Err: fmt.Errorf("reading response: %w", err)}
	}

	items, err := parsePopularHTML(body)
	if err != nil {
		return nil, &contentsearch.UpstreamError{Provider: ProviderName, Err: err}
	}

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// parsePopularHTML extracts post previews from the popular page. Each
// preview is an article element with the post's fields in data
// attributes.
func parsePopularHTML(body []byte) ([]provider.RawItem, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	var items []provider.RawItem
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "article" {
			if item, ok := parsePreview(n); ok {
				items = append(items, item)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return items, nil
}

// parsePreview extracts one post from an article element's data
// attributes. Previews without an id are ignored.
func parsePreview(n *html.Node) (provider.RawItem, bool) {
	var item provider.RawItem

	for _, attr := range n.Attr {
		switch attr.Key {
		case "data-id":
			item.ID = attr.Val
		case "data-tags":
			item.Tags = strings.Fields(strings.ToLower(html.UnescapeString(attr.Val)))
		case "data-score":
			item.Score, _ = strconv.Atoi(attr.Val)
		case "data-rating":
			item.Rating = parseRating(attr.Val)
		case "data-width":
			item.Width, _ = strconv.Atoi(attr.Val)
		case "data-height":
			item.Height, _ = strconv.Atoi(attr.Val)
		case "data-file-url":
			item.FileURL = attr.Val
		}
	}

	return item, item.ID != ""
}
