package contentsearch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a valid query matches nothing. It is a
	// normal outcome, not a failure; callers present "no results".
	ErrNotFound = errors.New("no results")

	// ErrSessionExpired is returned when a navigation command targets a
	// session that is missing or past its expiry. The caller should
	// prompt the user to search again; expired state is never guessed.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotSessionOwner is returned when a user issues a navigation
	// command against a session they do not own. The session is left
	// untouched.
	ErrNotSessionOwner = errors.New("session belongs to another user")

	// ErrCircuitOpen is returned when a provider's circuit breaker is
	// open and no fallback is configured. Distinguishable from
	// ErrNotFound: the corrective action is "retry later", not "refine
	// your query".
	ErrCircuitOpen = errors.New("provider temporarily unavailable")

	// ErrEmptyQuery is returned by operations that require a non-empty
	// effective query.
	ErrEmptyQuery = errors.New("empty query")
)

// UpstreamError describes a failed call to a content provider with enough
// detail to classify it as retriable (network error, timeout, 5xx) or a
// rejection (4xx, malformed or unsupported query).
type UpstreamError struct {
	Provider string
	Status   int  // HTTP status, 0 for transport-level failures
	Timeout  bool // request hit its deadline
	Err      error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: upstream timeout: %v", e.Provider, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: upstream returned %d", e.Provider, e.Status)
	default:
		return fmt.Sprintf("%s: upstream failure: %v", e.Provider, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retriable reports whether the failure should count against the
// provider's circuit breaker. 4xx responses are rejections of the query
// itself and retrying the same query cannot help.
func (e *UpstreamError) Retriable() bool {
	if e.Timeout || e.Status == 0 {
		return true
	}
	return e.Status >= 500
}

// IsUpstreamRejected reports whether err is a non-retriable upstream
// rejection (the caller should adjust their query).
func IsUpstreamRejected(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && !ue.Retriable()
}

// IsUpstreamFailure reports whether err is a retriable upstream failure.
func IsUpstreamFailure(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Retriable()
}
