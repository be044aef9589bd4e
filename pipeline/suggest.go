package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/provider"
)

// Suggest returns tag completions for a prefix, re-ranked by fuzzy
// match quality. Raw upstream suggestions are cached per provider and
// prefix, and a cached set for a shorter prefix is treated as a
// superset and filtered locally, so narrowing a prefix keystroke by
// keystroke does not refetch. Providers without a suggestion endpoint
// return no suggestions rather than an error.
func (p *Pipeline) Suggest(ctx context.Context, providerName, prefix string, limit int) ([]string, error) {
	prov, ok := p.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	prefix = strings.TrimSpace(strings.ToLower(prefix))
	if prefix == "" {
		return nil, contentsearch.ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 10
	}

	sg, hasSuggest := prov.(provider.Suggester)
	if !hasSuggest {
		return nil, nil
	}

	if names, exact, ok := p.cachedSuggestions(providerName, prefix); ok {
		if exact {
			return rerank(names, prefix, limit), nil
		}
		if out := rankMatches(names, prefix); len(out) > 0 {
			return truncate(out, limit), nil
		}
		// the superset holds nothing for the narrower prefix; ask upstream
	}

	names, err := sg.Suggest(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}

	p.cache.Set(suggestNamespace, providerName+"|"+prefix, names, p.suggestTTL)
	return rerank(names, prefix, limit), nil
}

// cachedSuggestions looks up cached upstream suggestions for the
// prefix or, failing that, for any shorter prefix of it. exact reports
// whether the hit was for the full prefix.
func (p *Pipeline) cachedSuggestions(providerName, prefix string) (names []string, exact, ok bool) {
	for q := prefix; q != ""; q = q[:len(q)-1] {
		if v, hit := p.cache.Get(suggestNamespace, providerName+"|"+q); hit {
			return v.([]string), q == prefix, true
		}
	}
	return nil, false, false
}

// rerank orders candidates by fuzzy distance to the prefix. Upstreams
// order by popularity, which buries near-exact matches for common
// prefixes; ties keep the upstream order. When nothing fuzzy-matches
// the upstream order is kept as-is.
func rerank(names []string, prefix string, limit int) []string {
	if out := rankMatches(names, prefix); len(out) > 0 {
		return truncate(out, limit)
	}
	return truncate(names, limit)
}

// rankMatches returns the candidates fuzzy-matching the prefix, best
// distance first.
func rankMatches(names []string, prefix string) []string {
	ranks := fuzzy.RankFindNormalizedFold(prefix, names)
	sort.SliceStable(ranks, func(i, j int) bool {
		return ranks[i].Distance < ranks[j].Distance
	})

	out := make([]string, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, r.Target)
	}
	return out
}

func truncate(names []string, limit int) []string {
	if len(names) > limit {
		return names[:limit]
	}
	return names
}
