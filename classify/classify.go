// Package classify derives content attributes that upstreams do not
// report directly: whether an item is AI-generated, its quality band,
// and its media kind, all inferred from the item's tags against a
// configurable vocabulary.
package classify

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	contentsearch "github.com/wolfeidau/content-search"
)

// Vocabulary lists the tag sets the classifier matches against. All
// tags are matched case-insensitively after normalization.
type Vocabulary struct {
	AITags          []string `json:"ai_tags"`
	LowQualityTags  []string `json:"low_quality_tags"`
	HighQualityTags []string `json:"high_quality_tags"`
	VideoTags       []string `json:"video_tags"`
	GalleryTags     []string `json:"gallery_tags"`
	TextTags        []string `json:"text_tags"`
}

// DefaultVocabulary returns the built-in tag sets, covering the common
// conventions of the supported upstream dialects.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		AITags: []string{
			"ai_generated", "ai generated", "ai_art", "ai art",
			"stable_diffusion", "stable diffusion", "midjourney",
			"novelai", "nai_diffusion", "machine learning generated",
		},
		LowQualityTags: []string{
			"low_quality", "low quality", "lowres", "low res",
			"worst_quality", "jpeg_artifacts", "jpeg artifacts",
			"blurry", "bad_anatomy", "compression_artifacts",
		},
		HighQualityTags: []string{
			"high_quality", "high quality", "highres", "high res",
			"absurdres", "masterpiece", "best_quality", "featured image",
		},
		VideoTags: []string{
			"animated", "video", "webm", "mp4", "animation", "gif",
		},
		GalleryTags: []string{
			"comic", "comic_page", "multiple_images", "image_set",
		},
		TextTags: []string{
			"text_only_page", "greentext", "fanfic",
		},
	}
}

// LoadVocabulary reads a JSON vocabulary from path. Fields missing from
// the file fall back to the defaults, so a file may override only the
// sets it cares about.
func LoadVocabulary(path string) (Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("opening vocabulary: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadVocabulary(f)
}

// ReadVocabulary decodes a JSON vocabulary, filling absent fields from
// the defaults.
func ReadVocabulary(r io.Reader) (Vocabulary, error) {
	vocab := DefaultVocabulary()
	if err := json.NewDecoder(r).Decode(&vocab); err != nil {
		return Vocabulary{}, fmt.Errorf("decoding vocabulary: %w", err)
	}
	return vocab, nil
}

// Classifier answers attribute questions about tag sets. It is
// immutable after construction and safe for concurrent use.
type Classifier struct {
	ai      map[string]struct{}
	low     map[string]struct{}
	high    map[string]struct{}
	video   map[string]struct{}
	gallery map[string]struct{}
	text    map[string]struct{}
}

// New builds a Classifier from a vocabulary.
func New(vocab Vocabulary) *Classifier {
	return &Classifier{
		ai:      toSet(vocab.AITags),
		low:     toSet(vocab.LowQualityTags),
		high:    toSet(vocab.HighQualityTags),
		video:   toSet(vocab.VideoTags),
		gallery: toSet(vocab.GalleryTags),
		text:    toSet(vocab.TextTags),
	}
}

// AIGenerated reports whether any tag marks the item as AI-generated.
func (c *Classifier) AIGenerated(tags []string) bool {
	return c.anyMatch(tags, c.ai)
}

// Quality bands the item by its quality tags. Low-quality tags win over
// high-quality ones so a contradictory upstream tag set errs toward
// filtering the item out.
func (c *Classifier) Quality(tags []string) contentsearch.Quality {
	if c.anyMatch(tags, c.low) {
		return contentsearch.QualityLow
	}
	if c.anyMatch(tags, c.high) {
		return contentsearch.QualityHigh
	}
	return contentsearch.QualityNormal
}

// MediaKind derives the media kind from tags, defaulting to image.
func (c *Classifier) MediaKind(tags []string) contentsearch.MediaKind {
	if c.anyMatch(tags, c.video) {
		return contentsearch.MediaVideo
	}
	if c.anyMatch(tags, c.gallery) {
		return contentsearch.MediaGallery
	}
	if c.anyMatch(tags, c.text) {
		return contentsearch.MediaText
	}
	return contentsearch.MediaImage
}

// Classify applies all attribute checks to an item in place.
func (c *Classifier) Classify(item *contentsearch.ContentItem) {
	item.AIGenerated = c.AIGenerated(item.Tags)
	item.Quality = c.Quality(item.Tags)
	item.Media = c.MediaKind(item.Tags)
}

func (c *Classifier) anyMatch(tags []string, set map[string]struct{}) bool {
	for _, tag := range tags {
		if _, ok := set[normalize(tag)]; ok {
			return true
		}
	}
	return false
}

// normalize folds the two dialects' tag spellings together so a single
// vocabulary entry matches both "ai_generated" and "ai generated".
func normalize(tag string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), "_", " ")
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[normalize(tag)] = struct{}{}
	}
	return set
}
