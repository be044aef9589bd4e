package philomena

import (
	"fmt"
	"sort"
	"strings"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/provider"
)

// BuildQuery translates merged search options into the comma-separated
// AND dialect: each term may contain spaces, "-term" negates, and range
// terms like "score.gte:N" filter server-side. As with every provider,
// server-side terms are an optimization; the pipeline re-checks filters
// locally.
func (u *Upstream) BuildQuery(opts contentsearch.SearchOptions) (provider.Query, error) {
	terms := make([]string, 0, 8)

	for _, part := range strings.Split(opts.Query, ",") {
		if t := strings.TrimSpace(strings.ToLower(part)); t != "" {
			terms = append(terms, t)
		}
	}
	for _, tag := range opts.RequireTags {
		if t := normalizeTerm(tag); t != "" {
			terms = append(terms, t)
		}
	}
	for _, tag := range opts.ExcludeTags {
		if t := normalizeTerm(tag); t != "" {
			terms = append(terms, "-"+t)
		}
	}

	if opts.Rating != contentsearch.RatingAny {
		terms = append(terms, string(opts.Rating))
	}
	if opts.MinScore != nil && *opts.MinScore > 0 {
		terms = append(terms, fmt.Sprintf("score.gte:%d", *opts.MinScore))
	}
	if opts.MinWidth > 0 {
		terms = append(terms, fmt.Sprintf("width.gte:%d", opts.MinWidth))
	}
	if opts.MinHeight > 0 {
		terms = append(terms, fmt.Sprintf("height.gte:%d", opts.MinHeight))
	}
	if opts.MaxWidth > 0 {
		terms = append(terms, fmt.Sprintf("width.lte:%d", opts.MaxWidth))
	}
	if opts.MaxHeight > 0 {
		terms = append(terms, fmt.Sprintf("height.lte:%d", opts.MaxHeight))
	}
	if opts.ExcludeAI != nil && *opts.ExcludeAI {
		terms = append(terms, "-ai generated")
	}

	switch opts.Media {
	case contentsearch.MediaVideo:
		terms = append(terms, "webm")
	case contentsearch.MediaGallery:
		terms = append(terms, "comic")
	}

	terms = dedupe(terms)
	sort.Strings(terms)

	return provider.Query{
		Expr:   strings.Join(terms, ", "),
		Page:   opts.EffectivePage(),
		Limit:  opts.EffectiveLimit(),
		Sort:   opts.Sort,
		Random: opts.Sort == contentsearch.SortRandom,
	}, nil
}

// normalizeTerm lowercases a tag; this dialect keeps interior spaces.
func normalizeTerm(tag string) string {
	return strings.TrimSpace(strings.ToLower(tag))
}

func dedupe(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
