// Package breaker wraps upstream provider calls with a per-provider
// circuit breaker and cache-aside read/write, isolating callers from a
// failing provider and avoiding redundant upstream load for popular
// queries.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/cache"
	"github.com/wolfeidau/content-search/telemetry"
)

// Status is the circuit state for one provider.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

const (
	// DefaultFailureThreshold is the number of consecutive retriable
	// failures that opens the circuit.
	DefaultFailureThreshold = 3

	// DefaultCoolDown is how long an open circuit rejects calls before
	// allowing a half-open trial.
	DefaultCoolDown = 30 * time.Second

	// DefaultCallTimeout bounds each guarded upstream call. A timeout is
	// treated identically to a failure for circuit-state purposes.
	DefaultCallTimeout = 10 * time.Second
)

// Operation is a guarded upstream call.
type Operation func(ctx context.Context) (any, error)

// Config holds executor configuration.
type Config struct {
	// FailureThreshold opens the circuit after this many consecutive
	// retriable failures. Default: DefaultFailureThreshold.
	FailureThreshold int

	// CoolDown is how long the circuit stays open before the next call
	// becomes a half-open trial. Default: DefaultCoolDown.
	CoolDown time.Duration

	// CallTimeout bounds each attempted operation. Default:
	// DefaultCallTimeout.
	CallTimeout time.Duration

	// Logger for state transitions.
	Logger *slog.Logger
}

// state is the mutable circuit state for a single provider. Never shared
// across providers.
type state struct {
	status              Status
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// Executor guards upstream operations per provider name.
//
// Concurrency model: e.mu serialises circuit-state decisions only; the
// guarded operation itself runs outside the lock, so a slow provider
// never blocks state checks for other providers or callers.
type Executor struct {
	config Config
	cache  *cache.Cache
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

// Option configures an Executor.
type Option func(*Executor)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an Executor. The cache may be nil to disable cache-aside.
func New(c *cache.Cache, cfg Config, opts ...Option) *Executor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Executor{
		config: cfg,
		cache:  c,
		logger: cfg.Logger,
		now:    time.Now,
		states: make(map[string]*state),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type callOptions struct {
	fallback    any
	hasFallback bool
}

// CallOption configures a single Do call.
type CallOption func(*callOptions)

// WithFallback supplies the value returned when the circuit is open or
// the operation fails with a retriable error. Without a fallback those
// cases surface as errors.
func WithFallback(v any) CallOption {
	return func(o *callOptions) {
		o.fallback = v
		o.hasFallback = true
	}
}

// Do executes op guarded by provider's circuit breaker, with cache-aside
// under cacheKey. A cache hit returns immediately without consulting
// circuit state. Successful results are cached for ttl before being
// returned; failures are never cached. An empty cacheKey disables
// caching for the call.
func (e *Executor) Do(ctx context.Context, provider, cacheKey string, ttl time.Duration, op Operation, opts ...CallOption) (any, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	if e.cache != nil && cacheKey != "" {
		if v, ok := e.cache.Get(provider, cacheKey); ok {
			telemetry.RecordCacheLookup(ctx, provider, true)
			return v, nil
		}
		telemetry.RecordCacheLookup(ctx, provider, false)
	}

	trial, proceed := e.admit(ctx, provider)
	if !proceed {
		telemetry.RecordBreakerShort(ctx, provider)
		if co.hasFallback {
			return co.fallback, nil
		}
		return nil, contentsearch.ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()

	start := e.now()
	v, err := op(callCtx)
	duration := e.now().Sub(start)

	if err != nil {
		// Zero results is a normal outcome, not a provider fault; it
		// must never count against circuit health.
		if errors.Is(err, contentsearch.ErrNotFound) {
			e.settleTrial(ctx, provider, trial)
			telemetry.RecordUpstreamCall(ctx, provider, "not_found", duration)
			return nil, err
		}

		// Rejections (4xx) are the caller's problem, not the provider's
		// health; they bypass failure accounting entirely.
		if contentsearch.IsUpstreamRejected(err) {
			e.settleTrial(ctx, provider, trial)
			telemetry.RecordUpstreamCall(ctx, provider, "rejected", duration)
			return nil, err
		}

		e.recordFailure(ctx, provider, trial)
		telemetry.RecordUpstreamCall(ctx, provider, failureOutcome(err), duration)

		if co.hasFallback {
			return co.fallback, nil
		}
		return nil, err
	}

	e.recordSuccess(ctx, provider, trial)
	telemetry.RecordUpstreamCall(ctx, provider, "success", duration)

	if e.cache != nil && cacheKey != "" && ttl > 0 {
		e.cache.Set(provider, cacheKey, v, ttl)
	}
	return v, nil
}

// State returns the current circuit status for a provider.
func (e *Executor) State(provider string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(provider).status
}

// admit decides whether a call may proceed. It returns trial=true when
// the call is the single half-open probe.
func (e *Executor) admit(ctx context.Context, provider string) (trial, proceed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(provider)
	switch st.status {
	case StatusClosed:
		return false, true

	case StatusOpen:
		if e.now().Sub(st.openedAt) < e.config.CoolDown {
			return false, false
		}
		e.transitionLocked(ctx, provider, st, StatusHalfOpen)
		st.trialInFlight = true
		return true, true

	case StatusHalfOpen:
		// Exactly one trial at a time; everyone else is shorted.
		if st.trialInFlight {
			return false, false
		}
		st.trialInFlight = true
		return true, true
	}

	return false, true
}

func (e *Executor) recordSuccess(ctx context.Context, provider string, trial bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(provider)
	if trial {
		st.trialInFlight = false
	}
	st.consecutiveFailures = 0
	if st.status != StatusClosed {
		e.transitionLocked(ctx, provider, st, StatusClosed)
	}
}

func (e *Executor) recordFailure(ctx context.Context, provider string, trial bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(provider)
	if trial {
		st.trialInFlight = false
		// A failed half-open trial reopens immediately.
		st.openedAt = e.now()
		e.transitionLocked(ctx, provider, st, StatusOpen)
		return
	}

	st.consecutiveFailures++
	if st.status == StatusClosed && st.consecutiveFailures >= e.config.FailureThreshold {
		st.openedAt = e.now()
		e.transitionLocked(ctx, provider, st, StatusOpen)
	}
}

// settleTrial releases the half-open trial slot without changing state,
// used when the trial call ends in a non-retriable rejection.
func (e *Executor) settleTrial(ctx context.Context, provider string, trial bool) {
	if !trial {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateLocked(provider).trialInFlight = false
}

func (e *Executor) stateLocked(provider string) *state {
	st, ok := e.states[provider]
	if !ok {
		st = &state{status: StatusClosed}
		e.states[provider] = st
	}
	return st
}

func (e *Executor) transitionLocked(ctx context.Context, provider string, st *state, to Status) {
	from := st.status
	st.status = to
	e.logger.Info("circuit transition",
		"provider", provider,
		"from", string(from),
		"to", string(to),
		"consecutive_failures", st.consecutiveFailures,
	)
	telemetry.RecordBreakerTransition(ctx, provider, string(from), string(to))
}

func failureOutcome(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ue *contentsearch.UpstreamError
	if errors.As(err, &ue) && ue.Timeout {
		return "timeout"
	}
	return "failure"
}
