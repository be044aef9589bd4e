package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/content-search/telemetry"
)

// DefaultSweepInterval is how often the sweeper scans for expired
// sessions.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired sessions from a Store. The
// store also drops expired sessions lazily on access; the sweeper
// bounds memory held by users who simply walked away.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the sweep interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(sw *Sweeper) {
		sw.interval = d
	}
}

// WithSweepLogger sets the logger.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(sw *Sweeper) {
		sw.logger = logger
	}
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store *Store, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		store:    store,
		interval: DefaultSweepInterval,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Start begins background sweeps.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.mu.Lock()
	if sw.running || sw.stopped {
		sw.mu.Unlock()
		return
	}
	sw.running = true
	sw.mu.Unlock()

	go sw.run(ctx)
}

// Stop halts background sweeps and waits for the loop to exit.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running || sw.stopped {
		sw.mu.Unlock()
		return
	}
	sw.stopped = true
	sw.mu.Unlock()

	close(sw.stopCh)
	<-sw.doneCh
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.doneCh)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopCh:
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of sessions
// removed.
func (sw *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	deleted, remaining := sw.store.sweep()
	duration := time.Since(start)

	telemetry.RecordSessionSweep(ctx, deleted, remaining, duration)
	if deleted > 0 {
		sw.logger.Debug("swept expired sessions", "deleted", deleted, "remaining", remaining)
	}
	return deleted
}

// sweep removes every expired session and reports what changed.
func (s *Store) sweep() (deleted, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for userID, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, userID)
			deleted++
		}
	}
	return deleted, len(s.sessions)
}
