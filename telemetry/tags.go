// Package telemetry provides request tagging, upstream HTTP
// instrumentation and OpenTelemetry metrics for the search engine.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// providerKey is the context key for propagating the provider name to background goroutines.
	providerKey contextKey = "provider"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Provider    string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetProvider sets the provider tag for metrics and logging.
func SetProvider(r *http.Request, provider string) {
	if tags := GetTags(r); tags != nil {
		tags.Provider = provider
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// ProviderFromContext retrieves the provider from a context.
// It checks both background contexts (set by WithProviderContext) and
// request contexts (set by SetProvider via InjectTags middleware).
func ProviderFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(providerKey).(string); ok && p != "" {
		return p
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Provider
	}
	return ""
}

// WithProviderContext returns a context with the provider name stored.
// Use this to propagate the provider into goroutines that outlive the request context.
func WithProviderContext(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}
