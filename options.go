package contentsearch

// SortKey selects the ordering of a result page.
type SortKey string

const (
	SortScore  SortKey = "score"
	SortNewest SortKey = "newest"
	SortRandom SortKey = "random"

	// SortDefault defers to the caller's preference, falling back to
	// SortScore when no preference is set.
	SortDefault SortKey = ""
)

// Defaults applied when neither the request nor the caller's preferences
// specify a value.
const (
	DefaultLimit    = 50
	DefaultMinScore = 0
	DefaultSort     = SortScore

	// MaxLimit caps the per-page result count regardless of what the
	// caller asks for.
	MaxLimit = 100
)

// SearchOptions is an immutable value bag describing one search request.
// A fresh SearchOptions is built per request by merging caller-supplied
// values over the caller's stored preferences; an explicit value always
// wins over a preference. Pointer fields distinguish "not supplied" from
// an explicit zero.
type SearchOptions struct {
	// Query is the free-text query. An empty merged query is valid and
	// means browse-all (used by trending and random).
	Query string

	// Rating filters by audience rating. RatingAny disables the filter.
	Rating Rating

	// ExcludeAI drops content classified as AI-generated.
	ExcludeAI *bool

	// MinScore drops content scoring below the threshold.
	MinScore *int

	// HighQualityOnly keeps only content classified QualityHigh.
	HighQualityOnly *bool

	// ExcludeLowQuality drops content classified QualityLow.
	ExcludeLowQuality *bool

	// Dimension bounds. Zero means unbounded.
	MinWidth  int
	MinHeight int
	MaxWidth  int
	MaxHeight int

	// Media filters by media kind. MediaAny disables the filter.
	Media MediaKind

	// ExcludeTags are always unioned with the caller's blacklist before
	// the provider query is built.
	ExcludeTags []string

	// RequireTags must all be present on returned items.
	RequireTags []string

	// Sort orders the result page. SortDefault defers to preferences.
	Sort SortKey

	// Page is the 1-based page to fetch. Zero means page 1.
	Page int

	// Limit is the requested page size. Zero means DefaultLimit.
	Limit int
}

// EffectiveLimit returns the page size actually requested upstream,
// applying the default and the hard cap.
func (o SearchOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultLimit
	case o.Limit > MaxLimit:
		return MaxLimit
	default:
		return o.Limit
	}
}

// EffectivePage returns the 1-based page number.
func (o SearchOptions) EffectivePage() int {
	if o.Page < 1 {
		return 1
	}
	return o.Page
}

// WithPage returns a copy of the options targeting the given page.
// Shared slices are not copied; options are treated as immutable.
func (o SearchOptions) WithPage(page int) SearchOptions {
	o.Page = page
	return o
}

// BoolPtr returns a pointer to b, for populating optional fields.
func BoolPtr(b bool) *bool { return &b }

// IntPtr returns a pointer to n, for populating optional fields.
func IntPtr(n int) *int { return &n }
