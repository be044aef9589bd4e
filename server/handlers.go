package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	contentsearch "github.com/wolfeidau/content-search"
	"github.com/wolfeidau/content-search/pipeline"
	"github.com/wolfeidau/content-search/prefs"
	"github.com/wolfeidau/content-search/session"
	"github.com/wolfeidau/content-search/telemetry"
)

// searchRequest is the wire shape of a search, random or trending call.
type searchRequest struct {
	Provider string `json:"provider"`

	Query             string   `json:"query,omitempty"`
	Rating            string   `json:"rating,omitempty"`
	ExcludeAI         *bool    `json:"excludeAI,omitempty"`
	MinScore          *int     `json:"minScore,omitempty"`
	HighQualityOnly   *bool    `json:"highQualityOnly,omitempty"`
	ExcludeLowQuality *bool    `json:"excludeLowQuality,omitempty"`
	MinWidth          int      `json:"minWidth,omitempty"`
	MinHeight         int      `json:"minHeight,omitempty"`
	MaxWidth          int      `json:"maxWidth,omitempty"`
	MaxHeight         int      `json:"maxHeight,omitempty"`
	Media             string   `json:"media,omitempty"`
	ExcludeTags       []string `json:"excludeTags,omitempty"`
	RequireTags       []string `json:"requireTags,omitempty"`
	Sort              string   `json:"sort,omitempty"`
	Page              int      `json:"page,omitempty"`
	Limit             int      `json:"limit,omitempty"`
}

func (req *searchRequest) options() contentsearch.SearchOptions {
	return contentsearch.SearchOptions{
		Query:             req.Query,
		Rating:            contentsearch.Rating(req.Rating),
		ExcludeAI:         req.ExcludeAI,
		MinScore:          req.MinScore,
		HighQualityOnly:   req.HighQualityOnly,
		ExcludeLowQuality: req.ExcludeLowQuality,
		MinWidth:          req.MinWidth,
		MinHeight:         req.MinHeight,
		MaxWidth:          req.MaxWidth,
		MaxHeight:         req.MaxHeight,
		Media:             contentsearch.MediaKind(req.Media),
		ExcludeTags:       req.ExcludeTags,
		RequireTags:       req.RequireTags,
		Sort:              contentsearch.SortKey(req.Sort),
		Page:              req.Page,
		Limit:             req.Limit,
	}
}

// sessionResponse is the wire shape of a browsing session. Current is
// the item under the cursor, ready to render.
type sessionResponse struct {
	Provider string                      `json:"provider"`
	Kind     string                      `json:"kind"`
	Query    string                      `json:"query,omitempty"`
	Current  *contentsearch.ContentItem  `json:"current,omitempty"`
	Items    []contentsearch.ContentItem `json:"items"`
	Cursor   int                         `json:"cursor"`
	Page     int                         `json:"page"`
	HasMore  bool                        `json:"hasMore"`
	Moved    bool                        `json:"moved"`
}

func toSessionResponse(sess session.Session, moved bool) sessionResponse {
	resp := sessionResponse{
		Provider: sess.Provider,
		Kind:     string(sess.Kind),
		Query:    sess.Query,
		Items:    sess.Items,
		Cursor:   sess.Cursor,
		Page:     sess.Page,
		HasMore:  sess.HasMore,
		Moved:    moved,
	}
	if cur, ok := sess.Current(); ok {
		resp.Current = &cur
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hits, misses := s.results.Stats()

	circuits := make(map[string]string)
	for _, name := range s.pipeline.Providers() {
		circuits[name] = string(s.exec.State(name))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cache_entries":  s.results.Len(),
		"cache_hits":     hits,
		"cache_misses":   misses,
		"sessions":       s.sessions.Len(),
		"circuit_states": circuits,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.pipeline.Providers()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.handleQuery(w, r, session.KindSearch)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	s.handleQuery(w, r, session.KindRandom)
}

// handleQuery serves search and random: run the pipeline, start a fresh
// session with the first page, return it.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, kind session.Kind) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "missing provider")
		return
	}

	telemetry.SetProvider(r, req.Provider)
	telemetry.SetEndpoint(r, string(kind))

	opts := req.options()

	var (
		res pipeline.Result
		err error
	)
	if kind == session.KindRandom {
		res, err = s.pipeline.Random(r.Context(), user, req.Provider, opts)
	} else {
		res, err = s.pipeline.Search(r.Context(), user, req.Provider, opts)
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	sess := s.sessions.Create(user, req.Provider, kind, req.Query, opts, res)
	writeJSON(w, http.StatusOK, toSessionResponse(sess, true))
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "missing provider")
		return
	}

	telemetry.SetProvider(r, req.Provider)
	telemetry.SetEndpoint(r, "trending")

	res, err := s.pipeline.Trending(r.Context(), user, req.Provider, req.Limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	sess := s.sessions.Create(user, req.Provider, session.KindTrending, "", contentsearch.SearchOptions{Limit: req.Limit}, res)
	writeJSON(w, http.StatusOK, toSessionResponse(sess, true))
}

// handleItem serves an explicit by-id lookup and starts a single-item
// session around the result.
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	providerName := r.PathValue("provider")
	telemetry.SetProvider(r, providerName)
	telemetry.SetEndpoint(r, "item")

	item, err := s.pipeline.ByID(r.Context(), providerName, r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	res := pipeline.Result{Items: []contentsearch.ContentItem{item}, Page: 1}
	sess := s.sessions.Create(user, providerName, session.KindSingle, "", contentsearch.SearchOptions{}, res)
	writeJSON(w, http.StatusOK, toSessionResponse(sess, true))
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		writeError(w, http.StatusBadRequest, "missing provider")
		return
	}
	prefix := r.URL.Query().Get("q")

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	telemetry.SetProvider(r, providerName)
	telemetry.SetEndpoint(r, "suggest")

	names, err := s.pipeline.Suggest(r.Context(), providerName, prefix, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": names})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	sess, err := s.sessions.Get(user)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess, false))
}

// sessionActionRequest carries optional parameters for navigation.
// Owner names the session's owner when the actor is interacting with a
// result set someone else started (e.g. a shared widget); it defaults
// to the actor.
type sessionActionRequest struct {
	Owner  string `json:"owner,omitempty"`
	Cursor *int   `json:"cursor,omitempty"`
	Page   int    `json:"page,omitempty"`
}

func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	actor := userID(r)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	// an empty body is fine for cursor-only actions
	var req sessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req = sessionActionRequest{}
	}
	owner := req.Owner
	if owner == "" {
		owner = actor
	}

	action := r.PathValue("action")
	telemetry.SetEndpoint(r, "session-"+action)

	var (
		sess  session.Session
		moved bool
		err   error
	)
	switch action {
	case "next":
		sess, err = s.sessions.Next(owner, actor)
		moved = err == nil
	case "prev":
		sess, err = s.sessions.Prev(owner, actor)
		moved = err == nil
	case "random":
		sess, err = s.sessions.Random(owner, actor)
		moved = err == nil
	case "cursor":
		if req.Cursor == nil {
			writeError(w, http.StatusBadRequest, "missing cursor")
			return
		}
		sess, err = s.sessions.UpdateCursor(owner, actor, *req.Cursor)
		moved = err == nil
	case "page-forward":
		sess, moved, err = s.sessions.PageForward(r.Context(), owner, actor)
	case "page-backward":
		sess, moved, err = s.sessions.PageBackward(r.Context(), owner, actor)
	case "jump":
		if req.Page < 1 {
			writeError(w, http.StatusBadRequest, "missing page")
			return
		}
		sess, moved, err = s.sessions.JumpToPage(r.Context(), owner, actor, req.Page)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess, moved))
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	if err := s.sessions.Clear(user, user); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrefsGet(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	p, err := s.prefs.GetPreferences(r.Context(), user)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePrefsSet(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	var patch prefs.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.prefs.SetPreferences(r.Context(), user, patch)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePrefsReset(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	if err := s.prefs.ResetPreferences(r.Context(), user); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tagsRequest carries the tags for blacklist add/remove.
type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleBlacklistGet(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	tags, err := s.prefs.GetBlacklist(r.Context(), user)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	s.handleBlacklistChange(w, r, s.prefs.AddToBlacklist)
}

func (s *Server) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	s.handleBlacklistChange(w, r, s.prefs.RemoveFromBlacklist)
}

func (s *Server) handleBlacklistChange(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, userID string, tags []string) ([]string, error)) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	var req tagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "missing tags")
		return
	}

	changed, err := change(r.Context(), user, req.Tags)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "count": len(changed)})
}

func (s *Server) handleBlacklistClear(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}

	if err := s.prefs.ClearBlacklist(r.Context(), user); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeFailure maps engine errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, contentsearch.ErrSessionExpired):
		status = http.StatusGone
	case errors.Is(err, contentsearch.ErrNotSessionOwner):
		status = http.StatusForbidden
	case errors.Is(err, contentsearch.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, contentsearch.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, contentsearch.ErrEmptyQuery),
		errors.Is(err, pipeline.ErrUnknownProvider),
		errors.Is(err, pipeline.ErrUnsupported):
		status = http.StatusBadRequest
	case contentsearch.IsUpstreamRejected(err):
		status = http.StatusUnprocessableEntity
	case contentsearch.IsUpstreamFailure(err):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
