// Package session holds per-user browsing state: the current result
// list, a cursor into it, and paging metadata. Sessions are ephemeral,
// owned by exactly one user, and swept after a TTL.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/pipeline"
)

// Kind identifies what produced a session's result list.
type Kind string

const (
	KindSearch   Kind = "search"
	KindRandom   Kind = "random"
	KindSingle   Kind = "single"
	KindTrending Kind = "trending"
)

const (
	// DefaultTTL is how long a session lives after creation.
	DefaultTTL = 10 * time.Minute
)

// Session is one user's in-progress browse. Values returned by the
// store are snapshots; mutations go through the store's navigation
// methods.
type Session struct {
	UserID   string
	Provider string
	Kind     Kind
	Query    string
	Options  contentsearch.SearchOptions

	Items   []contentsearch.ContentItem
	Cursor  int
	Page    int
	HasMore bool

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Current returns the item under the cursor.
func (s *Session) Current() (contentsearch.ContentItem, bool) {
	if len(s.Items) == 0 {
		return contentsearch.ContentItem{}, false
	}
	return s.Items[s.Cursor], true
}

// KnownMaxPage is the highest page the session can justify jumping to:
// one past the current page while the upstream reports more.
func (s *Session) KnownMaxPage() int {
	if s.HasMore {
		return s.Page + 1
	}
	return s.Page
}

// Fetcher re-invokes the search pipeline for page navigation.
// *pipeline.Pipeline satisfies it.
type Fetcher interface {
	Search(ctx context.Context, userID, providerName string, opts contentsearch.SearchOptions) (pipeline.Result, error)
	Random(ctx context.Context, userID, providerName string, opts contentsearch.SearchOptions) (pipeline.Result, error)
}

// Store maps user identities to their live session. All navigation
// goes through it so ownership and expiry are checked before any
// mutation.
type Store struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	intN    func(n int) int

	mu       sync.Mutex
	sessions map[string]*Session
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithIntN sets the random index function for testing.
func WithIntN(intN func(n int) int) StoreOption {
	return func(s *Store) {
		s.intN = intN
	}
}

// NewStore creates a session store. The fetcher may be nil when page
// navigation is not needed.
func NewStore(fetcher Fetcher, opts ...StoreOption) *Store {
	s := &Store{
		fetcher:  fetcher,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
		now:      time.Now,
		intN:     rand.IntN,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new session for userID, replacing any existing one.
func (s *Store) Create(userID, providerName string, kind Kind, query string, opts contentsearch.SearchOptions, res pipeline.Result) Session {
	now := s.now()
	sess := &Session{
		UserID:    userID,
		Provider:  providerName,
		Kind:      kind,
		Query:     query,
		Options:   opts,
		Items:     res.Items,
		Cursor:    0,
		Page:      res.Page,
		HasMore:   res.HasMore,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()

	return *sess
}

// Get returns a snapshot of the user's session. An expired or absent
// session reports ErrSessionExpired; the caller must restart the
// search, never guess state.
func (s *Store) Get(userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.liveLocked(userID)
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

// Next advances the cursor, clamped to the last item. No wraparound.
func (s *Store) Next(ownerID, actorID string) (Session, error) {
	return s.moveCursor(ownerID, actorID, +1)
}

// Prev moves the cursor back, clamped to the first item.
func (s *Store) Prev(ownerID, actorID string) (Session, error) {
	return s.moveCursor(ownerID, actorID, -1)
}

func (s *Store) moveCursor(ownerID, actorID string, delta int) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ownedLocked(ownerID, actorID)
	if err != nil {
		return Session{}, err
	}
	sess.Cursor = clamp(sess.Cursor+delta, 0, len(sess.Items)-1)
	return *sess, nil
}

// Random moves the cursor to a uniformly random index.
func (s *Store) Random(ownerID, actorID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ownedLocked(ownerID, actorID)
	if err != nil {
		return Session{}, err
	}
	if n := len(sess.Items); n > 0 {
		sess.Cursor = s.intN(n)
	}
	return *sess, nil
}

// UpdateCursor sets the cursor to index, clamped into the item range.
func (s *Store) UpdateCursor(ownerID, actorID string, index int) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ownedLocked(ownerID, actorID)
	if err != nil {
		return Session{}, err
	}
	sess.Cursor = clamp(index, 0, len(sess.Items)-1)
	return *sess, nil
}

// AppendPage replaces the session's items with a freshly fetched page
// and resets the cursor.
func (s *Store) AppendPage(ownerID, actorID string, items []contentsearch.ContentItem, page int, hasMore bool) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ownedLocked(ownerID, actorID)
	if err != nil {
		return Session{}, err
	}
	sess.Items = items
	sess.Cursor = 0
	sess.Page = page
	sess.HasMore = hasMore
	return *sess, nil
}

// Clear drops the user's session.
func (s *Store) Clear(ownerID, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownedLocked(ownerID, actorID); err != nil {
		return err
	}
	delete(s.sessions, ownerID)
	return nil
}

// PageForward fetches the next page through the pipeline and replaces
// the session's items. An empty page leaves the session unchanged and
// reports moved=false.
func (s *Store) PageForward(ctx context.Context, ownerID, actorID string) (Session, bool, error) {
	return s.fetchPage(ctx, ownerID, actorID, func(sess *Session) int {
		return sess.Page + 1
	})
}

// PageBackward fetches the previous page, clamped at page 1.
func (s *Store) PageBackward(ctx context.Context, ownerID, actorID string) (Session, bool, error) {
	return s.fetchPage(ctx, ownerID, actorID, func(sess *Session) int {
		if sess.Page <= 1 {
			return sess.Page
		}
		return sess.Page - 1
	})
}

// JumpToPage fetches an explicit page, clamped into [1, KnownMaxPage].
func (s *Store) JumpToPage(ctx context.Context, ownerID, actorID string, page int) (Session, bool, error) {
	return s.fetchPage(ctx, ownerID, actorID, func(sess *Session) int {
		return clamp(page, 1, sess.KnownMaxPage())
	})
}

// fetchPage resolves the target page under the lock, runs the blocking
// pipeline call outside it, then commits the result. Two racing fetches
// for the same user resolve last-write-wins, which matches the rest of
// the store.
func (s *Store) fetchPage(ctx context.Context, ownerID, actorID string, target func(*Session) int) (Session, bool, error) {
	s.mu.Lock()
	sess, err := s.ownedLocked(ownerID, actorID)
	if err != nil {
		s.mu.Unlock()
		return Session{}, false, err
	}
	snapshot := *sess
	page := target(sess)
	s.mu.Unlock()

	if page == snapshot.Page {
		return snapshot, false, nil
	}
	if snapshot.Kind == KindSingle {
		// a single-item session has no further pages
		return snapshot, false, nil
	}
	if s.fetcher == nil {
		return snapshot, false, fmt.Errorf("no fetcher configured for page navigation")
	}

	opts := snapshot.Options.WithPage(page)

	var res pipeline.Result
	if snapshot.Kind == KindRandom {
		res, err = s.fetcher.Random(ctx, ownerID, snapshot.Provider, opts)
	} else {
		res, err = s.fetcher.Search(ctx, ownerID, snapshot.Provider, opts)
	}
	if err != nil {
		return Session{}, false, err
	}
	if len(res.Items) == 0 {
		// no further content; leave the session as it was
		return snapshot, false, nil
	}

	updated, err := s.AppendPage(ownerID, actorID, res.Items, res.Page, res.HasMore)
	if err != nil {
		return Session{}, false, err
	}
	return updated, true, nil
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// liveLocked returns the session for userID if it exists and has not
// expired. Expired sessions are removed on access.
func (s *Store) liveLocked(userID string) (*Session, error) {
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, contentsearch.ErrSessionExpired
	}
	if !s.now().Before(sess.ExpiresAt) {
		delete(s.sessions, userID)
		return nil, contentsearch.ErrSessionExpired
	}
	return sess, nil
}

// ownedLocked checks expiry and ownership before any mutation.
func (s *Store) ownedLocked(ownerID, actorID string) (*Session, error) {
	sess, err := s.liveLocked(ownerID)
	if err != nil {
		return nil, err
	}
	if actorID != sess.UserID {
		s.logger.Warn("session ownership violation",
			"owner", sess.UserID,
			"actor", actorID,
		)
		return nil, contentsearch.ErrNotSessionOwner
	}
	return sess, nil
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
