// Package contentsearch provides the shared value types for the content
// search engine: normalized content items, search options, query keys and
// the error taxonomy surfaced to callers.
package contentsearch

import "encoding/json"

// Rating classifies content by audience suitability.
type Rating string

const (
	RatingSafe         Rating = "safe"
	RatingQuestionable Rating = "questionable"
	RatingExplicit     Rating = "explicit"

	// RatingAny disables rating filtering.
	RatingAny Rating = ""
)

// MediaKind identifies the media type of a content item.
type MediaKind string

const (
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaGallery MediaKind = "gallery"
	MediaText    MediaKind = "text"

	// MediaAny disables media-kind filtering.
	MediaAny MediaKind = ""
)

// Quality is a best-effort classification derived from provider tags.
// It is heuristic: tag vocabularies drift and providers mislabel content,
// so quality must never be treated as authoritative.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityNormal Quality = "normal"
	QualityHigh   Quality = "high"
)

// ContentItem is the provider-agnostic shape of a single search result.
// It is a value: immutable once created, owned by whichever session or
// cache entry holds it, with no back-reference to either.
type ContentItem struct {
	// ID is the provider-scoped identifier of the item.
	ID string `json:"id"`

	// Provider is the name of the provider the item came from.
	Provider string `json:"provider"`

	// Tags is the full tag list as reported by the provider, lowercased.
	Tags []string `json:"tags"`

	// Score is the provider's numeric score (votes, favourites).
	Score int `json:"score"`

	Rating Rating    `json:"rating"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Media  MediaKind `json:"media"`

	// FileURL is the direct URL of the media file, when the provider
	// reports one.
	FileURL string `json:"file_url,omitempty"`

	// AIGenerated is a best-effort flag derived from known AI-tool tags.
	AIGenerated bool `json:"ai_generated"`

	// Quality is a best-effort flag derived from known quality tags.
	Quality Quality `json:"quality"`

	// Raw is the opaque provider payload, passed through untouched to the
	// rendering collaborator. The engine never inspects it.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// HasTag reports whether the item carries the given tag.
// Tags are stored lowercased, so the argument must be lowercase too.
func (c ContentItem) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
