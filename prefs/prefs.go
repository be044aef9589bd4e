// Package prefs persists per-user search preferences and tag
// blacklists. Both are read on every search to seed option merging and
// result filtering, and written only by explicit settings commands, so
// the store is read-mostly.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/store"
)

const (
	nsPreferences = "preferences"
	nsBlacklist   = "blacklist"
)

// Preferences are a user's default search settings, applied wherever a
// request leaves the corresponding option unset.
type Preferences struct {
	DefaultSort       contentsearch.SortKey `json:"defaultSort,omitempty"`
	MinScore          int                   `json:"minScore,omitempty"`
	ExcludeAI         bool                  `json:"excludeAI,omitempty"`
	HighQualityOnly   bool                  `json:"highQualityOnly,omitempty"`
	ExcludeLowQuality bool                  `json:"excludeLowQuality,omitempty"`
}

// DefaultPreferences returns the settings used for a user who has never
// written any.
func DefaultPreferences() Preferences {
	return Preferences{
		DefaultSort: contentsearch.DefaultSort,
		MinScore:    contentsearch.DefaultMinScore,
		ExcludeAI:   false,
	}
}

// Patch is a partial preferences update; nil fields are left unchanged.
type Patch struct {
	DefaultSort       *contentsearch.SortKey `json:"defaultSort,omitempty"`
	MinScore          *int                   `json:"minScore,omitempty"`
	ExcludeAI         *bool                  `json:"excludeAI,omitempty"`
	HighQualityOnly   *bool                  `json:"highQualityOnly,omitempty"`
	ExcludeLowQuality *bool                  `json:"excludeLowQuality,omitempty"`
}

// Store reads and writes per-user preferences and blacklists on a KV
// backend. Entries never expire; they live until explicitly reset.
type Store struct {
	kv store.KV
}

// NewStore creates a preference store on kv.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// GetPreferences returns the user's preferences, falling back to the
// defaults when none have been saved.
func (s *Store) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	raw, err := s.kv.Get(ctx, nsPreferences, userID)
	if errors.Is(err, contentsearch.ErrNotFound) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("reading preferences: %w", err)
	}

	var p Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return Preferences{}, fmt.Errorf("decoding preferences: %w", err)
	}
	return p, nil
}

// SetPreferences applies a partial update over the user's current
// preferences and returns the result.
func (s *Store) SetPreferences(ctx context.Context, userID string, patch Patch) (Preferences, error) {
	p, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return Preferences{}, err
	}

	if patch.DefaultSort != nil {
		p.DefaultSort = *patch.DefaultSort
	}
	if patch.MinScore != nil {
		p.MinScore = *patch.MinScore
	}
	if patch.ExcludeAI != nil {
		p.ExcludeAI = *patch.ExcludeAI
	}
	if patch.HighQualityOnly != nil {
		p.HighQualityOnly = *patch.HighQualityOnly
	}
	if patch.ExcludeLowQuality != nil {
		p.ExcludeLowQuality = *patch.ExcludeLowQuality
	}

	raw, err := json.Marshal(&p)
	if err != nil {
		return Preferences{}, fmt.Errorf("encoding preferences: %w", err)
	}
	if err := s.kv.Set(ctx, nsPreferences, userID, raw, 0); err != nil {
		return Preferences{}, fmt.Errorf("writing preferences: %w", err)
	}
	return p, nil
}

// ResetPreferences removes the user's saved preferences so the defaults
// apply again.
func (s *Store) ResetPreferences(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, nsPreferences, userID); err != nil {
		return fmt.Errorf("deleting preferences: %w", err)
	}
	return nil
}

// GetBlacklist returns the user's blacklisted tags, sorted.
func (s *Store) GetBlacklist(ctx context.Context, userID string) ([]string, error) {
	raw, err := s.kv.Get(ctx, nsBlacklist, userID)
	if errors.Is(err, contentsearch.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading blacklist: %w", err)
	}

	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("decoding blacklist: %w", err)
	}
	return tags, nil
}

// AddToBlacklist adds tags to the user's blacklist and returns the tags
// actually added. Adding an already-present tag is a no-op per tag.
func (s *Store) AddToBlacklist(ctx context.Context, userID string, tags []string) ([]string, error) {
	current, err := s.GetBlacklist(ctx, userID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(current))
	for _, t := range current {
		set[t] = struct{}{}
	}

	var added []string
	for _, tag := range tags {
		t := normalizeTag(tag)
		if t == "" {
			continue
		}
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		added = append(added, t)
	}
	if len(added) == 0 {
		return nil, nil
	}

	if err := s.writeBlacklist(ctx, userID, set); err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveFromBlacklist removes tags from the user's blacklist and
// returns the tags actually removed.
func (s *Store) RemoveFromBlacklist(ctx context.Context, userID string, tags []string) ([]string, error) {
	current, err := s.GetBlacklist(ctx, userID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(current))
	for _, t := range current {
		set[t] = struct{}{}
	}

	var removed []string
	for _, tag := range tags {
		t := normalizeTag(tag)
		if _, ok := set[t]; !ok {
			continue
		}
		delete(set, t)
		removed = append(removed, t)
	}
	if len(removed) == 0 {
		return nil, nil
	}

	if len(set) == 0 {
		if err := s.kv.Delete(ctx, nsBlacklist, userID); err != nil {
			return nil, fmt.Errorf("deleting blacklist: %w", err)
		}
		return removed, nil
	}
	if err := s.writeBlacklist(ctx, userID, set); err != nil {
		return nil, err
	}
	return removed, nil
}

// ClearBlacklist removes every blacklisted tag for the user.
func (s *Store) ClearBlacklist(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, nsBlacklist, userID); err != nil {
		return fmt.Errorf("deleting blacklist: %w", err)
	}
	return nil
}

func (s *Store) writeBlacklist(ctx context.Context, userID string, set map[string]struct{}) error {
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding blacklist: %w", err)
	}
	if err := s.kv.Set(ctx, nsBlacklist, userID, raw, 0); err != nil {
		return fmt.Errorf("writing blacklist: %w", err)
	}
	return nil
}

func normalizeTag(tag string) string {
	return strings.TrimSpace(strings.ToLower(tag))
}
