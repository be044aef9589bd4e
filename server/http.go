// Package server exposes the search engine over a JSON HTTP API. The
// chat-platform front end is a thin collaborator: it forwards the user
// identity and renders whatever comes back.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/content-search/breaker"
	"github.com/wolfeidau/content-search/cache"
	"github.com/wolfeidau/content-search/classify"
	"github.com/wolfeidau/content-search/pipeline"
	"github.com/wolfeidau/content-search/prefs"
	"github.com/wolfeidau/content-search/provider"
	"github.com/wolfeidau/content-search/provider/booru"
	"github.com/wolfeidau/content-search/provider/philomena"
	"github.com/wolfeidau/content-search/session"
	"github.com/wolfeidau/content-search/store"
	"github.com/wolfeidau/content-search/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the bbolt database file for preferences and
	// blacklists.
	StoragePath string

	// AuthToken, when set, requires Bearer authentication on every
	// endpoint except /healthz and /metrics.
	AuthToken string

	// UpstreamBooru overrides the default booru base URL.
	UpstreamBooru string

	// UpstreamPhilomena overrides the default philomena base URL.
	UpstreamPhilomena string

	// ResultTTL is how long query results are cached.
	// Default: pipeline.DefaultResultTTL.
	ResultTTL time.Duration

	// SessionTTL is how long a browsing session lives.
	// Default: session.DefaultTTL.
	SessionTTL time.Duration

	// SweepInterval is how often expired sessions are swept.
	// Default: session.DefaultSweepInterval.
	SweepInterval time.Duration

	// FailureThreshold opens a provider's circuit after this many
	// consecutive failures.
	FailureThreshold int

	// CoolDown is how long an open circuit waits before a trial call.
	CoolDown time.Duration

	// VocabularyPath optionally points at a JSON tag-vocabulary file
	// overriding the built-in classifier tag sets.
	VocabularyPath string

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the HTTP front end over the search engine.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	kv       *store.BoltKV
	exec     *breaker.Executor
	pipeline *pipeline.Pipeline
	prefs    *prefs.Store
	sessions *session.Store
	sweeper  *session.Sweeper
	results  *cache.Cache
}

// New creates a server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./content-search.db"
	}

	kv, err := store.OpenBolt(cfg.StoragePath,
		store.WithLogger(cfg.Logger.With("component", "store")),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	prefStore := prefs.NewStore(kv)

	classifier := classify.New(classify.DefaultVocabulary())
	if cfg.VocabularyPath != "" {
		vocab, err := classify.LoadVocabulary(cfg.VocabularyPath)
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("loading vocabulary: %w", err)
		}
		classifier = classify.New(vocab)
	}

	booruOpts := []booru.UpstreamOption{}
	if cfg.UpstreamBooru != "" {
		booruOpts = append(booruOpts, booru.WithBaseURL(cfg.UpstreamBooru))
	}
	philomenaOpts := []philomena.UpstreamOption{}
	if cfg.UpstreamPhilomena != "" {
		philomenaOpts = append(philomenaOpts, philomena.WithBaseURL(cfg.UpstreamPhilomena))
	}
	providers := []provider.Provider{
		booru.NewUpstream(booruOpts...),
		philomena.NewUpstream(philomenaOpts...),
	}

	results := cache.New()
	exec := breaker.New(results, breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		CoolDown:         cfg.CoolDown,
		Logger:           cfg.Logger.With("component", "breaker"),
	})

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(cfg.Logger.With("component", "pipeline")),
		pipeline.WithClassifier(classifier),
	}
	if cfg.ResultTTL > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithResultTTL(cfg.ResultTTL))
	}
	pl := pipeline.New(exec, cache.New(), prefStore, providers, pipelineOpts...)

	sessionOpts := []session.StoreOption{
		session.WithLogger(cfg.Logger.With("component", "session")),
	}
	if cfg.SessionTTL > 0 {
		sessionOpts = append(sessionOpts, session.WithTTL(cfg.SessionTTL))
	}
	sessions := session.NewStore(pl, sessionOpts...)

	sweeperOpts := []session.SweeperOption{
		session.WithSweepLogger(cfg.Logger.With("component", "sweeper")),
	}
	if cfg.SweepInterval > 0 {
		sweeperOpts = append(sweeperOpts, session.WithSweepInterval(cfg.SweepInterval))
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		kv:       kv,
		exec:     exec,
		pipeline: pl,
		prefs:    prefStore,
		sessions: sessions,
		sweeper:  session.NewSweeper(sessions, sweeperOpts...),
		results:  results,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /api/providers", s.handleProviders)

	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/random", s.handleRandom)
	mux.HandleFunc("POST /api/trending", s.handleTrending)
	mux.HandleFunc("GET /api/item/{provider}/{id}", s.handleItem)
	mux.HandleFunc("GET /api/suggest", s.handleSuggest)

	mux.HandleFunc("GET /api/session", s.handleSessionGet)
	mux.HandleFunc("POST /api/session/{action}", s.handleSessionAction)
	mux.HandleFunc("DELETE /api/session", s.handleSessionClear)

	mux.HandleFunc("GET /api/prefs", s.handlePrefsGet)
	mux.HandleFunc("PUT /api/prefs", s.handlePrefsSet)
	mux.HandleFunc("DELETE /api/prefs", s.handlePrefsReset)

	mux.HandleFunc("GET /api/blacklist", s.handleBlacklistGet)
	mux.HandleFunc("POST /api/blacklist/add", s.handleBlacklistAdd)
	mux.HandleFunc("POST /api/blacklist/remove", s.handleBlacklistRemove)
	mux.HandleFunc("DELETE /api/blacklist", s.handleBlacklistClear)
}

// loggingMiddleware logs HTTP requests with structured fields for
// analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set provider, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Provider != "" {
			attrs = append(attrs, "provider", tags.Provider)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and the session sweeper.
func (s *Server) Start() error {
	s.sweeper.Start(context.Background())

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.sweeper.Stop()

	err := s.httpServer.Shutdown(ctx)
	if cerr := s.kv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// userID resolves the acting user from the request. The chat-platform
// collaborator authenticates users itself and forwards the identity.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker for
// streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
