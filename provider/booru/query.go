package booru

import (
	"fmt"
	"sort"
	"strings"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/provider"
)

// BuildQuery translates merged search options into the space-separated
// booru tag dialect: bare tags are ANDed, "-tag" excludes, and metatags
// like "rating:", "score:>=" and "width:>=" filter server-side. The
// server-side tokens are an optimization only; the pipeline re-checks
// every filter locally because providers are not trusted to honour them.
func (u *Upstream) BuildQuery(opts contentsearch.SearchOptions) (provider.Query, error) {
	tokens := make([]string, 0, 8)

	for _, term := range strings.Fields(strings.ToLower(opts.Query)) {
		tokens = append(tokens, term)
	}
	for _, tag := range opts.RequireTags {
		tokens = append(tokens, normalizeTag(tag))
	}
	for _, tag := range opts.ExcludeTags {
		tokens = append(tokens, "-"+normalizeTag(tag))
	}

	if opts.Rating != contentsearch.RatingAny {
		tokens = append(tokens, "rating:"+string(opts.Rating))
	}
	if opts.MinScore != nil && *opts.MinScore > 0 {
		tokens = append(tokens, fmt.Sprintf("score:>=%d", *opts.MinScore))
	}
	if opts.MinWidth > 0 {
		tokens = append(tokens, fmt.Sprintf("width:>=%d", opts.MinWidth))
	}
	if opts.MinHeight > 0 {
		tokens = append(tokens, fmt.Sprintf("height:>=%d", opts.MinHeight))
	}
	if opts.MaxWidth > 0 {
		tokens = append(tokens, fmt.Sprintf("width:<=%d", opts.MaxWidth))
	}
	if opts.MaxHeight > 0 {
		tokens = append(tokens, fmt.Sprintf("height:<=%d", opts.MaxHeight))
	}
	if opts.ExcludeAI != nil && *opts.ExcludeAI {
		tokens = append(tokens, "-ai_generated")
	}

	switch opts.Media {
	case contentsearch.MediaVideo:
		tokens = append(tokens, "animated")
	case contentsearch.MediaGallery:
		tokens = append(tokens, "comic")
	}

	// Sorted, deduplicated tokens give a canonical expression, so two
	// requests differing only in token order share a cache entry.
	tokens = dedupe(tokens)
	sort.Strings(tokens)

	return provider.Query{
		Expr:   strings.Join(tokens, " "),
		Page:   opts.EffectivePage(),
		Limit:  opts.EffectiveLimit(),
		Sort:   opts.Sort,
		Random: opts.Sort == contentsearch.SortRandom,
	}, nil
}

// orderToken maps a sort key to the dialect's order metatag.
func orderToken(sortKey contentsearch.SortKey) string {
	switch sortKey {
	case contentsearch.SortNewest:
		return "order:id_desc"
	case contentsearch.SortRandom:
		return "order:random"
	default:
		return "order:score"
	}
}

// normalizeTag lowercases a tag and replaces interior spaces with
// underscores, the dialect's multi-word tag form.
func normalizeTag(tag string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(tag)), " ", "_")
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
