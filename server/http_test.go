package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const booruPosts = `[
  {"id": 1, "tag_string": "scenery mountain", "score": 120, "rating": "s", "image_width": 1920, "image_height": 1080, "file_url": "https://cdn.example/1.jpg"},
  {"id": 2, "tag_string": "scenery gore", "score": 300, "rating": "q", "image_width": 800, "image_height": 600, "file_url": "https://cdn.example/2.jpg"}
]`

func newTestServer(t *testing.T) *Server {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/posts.json"), strings.HasPrefix(r.URL.Path, "/posts/random.json"):
			_, _ = w.Write([]byte(booruPosts))
		case r.URL.Path == "/posts/7.json":
			_, _ = w.Write([]byte(`{"id": 7, "tag_string": "scenery lake", "score": 90, "rating": "s", "image_width": 1024, "image_height": 768, "file_url": "https://cdn.example/7.jpg"}`))
		case strings.HasPrefix(r.URL.Path, "/autocomplete.json"):
			_, _ = w.Write([]byte(`[{"name": "scenery", "post_count": 1000}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	s, err := New(Config{
		StoragePath:   filepath.Join(t.TempDir(), "server.db"),
		UpstreamBooru: upstream.URL,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.kv.Close() })

	return s
}

func doJSON(t *testing.T, s *Server, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSearchCreatesSession(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"booru","query":"scenery"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "booru", resp.Provider)
	require.Equal(t, "search", resp.Kind)
	require.Len(t, resp.Items, 2)
	require.NotNil(t, resp.Current)
	// sorted by score descending
	require.Equal(t, "2", resp.Current.ID)
	require.Equal(t, 0, resp.Cursor)
}

func TestSearchRequiresUser(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/search", "", `{"provider":"booru"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchUnknownProvider(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"gopherbooru"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionNavigation(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"booru","query":"scenery"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/session/next", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Cursor)

	// clamped at the end
	rec = doJSON(t, s, http.MethodPost, "/api/session/next", "user-1", "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Cursor)
}

func TestSessionOwnership(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"booru","query":"scenery"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/session/next", "intruder", `{"owner":"user-1"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSessionExpiredOutcome(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/session", "user-1", "")
	require.Equal(t, http.StatusGone, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/session/next", "user-1", "")
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestSessionClear(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"booru"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/session", "user-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/session", "user-1", "")
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestPrefsRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/prefs", "user-1", `{"minScore": 200, "excludeAI": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/prefs", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var p map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	require.Equal(t, float64(200), p["minScore"])
	require.Equal(t, true, p["excludeAI"])

	rec = doJSON(t, s, http.MethodDelete, "/api/prefs", "user-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPrefsAffectSearch(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/prefs", "user-1", `{"minScore": 200}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"booru","query":"scenery"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "2", resp.Items[0].ID)
}

func TestBlacklistLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/blacklist/add", "user-1", `{"tags":["gore","gore"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var change map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&change))
	require.Equal(t, float64(1), change["count"])

	// blacklisted tag filters search results
	rec = doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"booru","query":"scenery"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "1", resp.Items[0].ID)

	rec = doJSON(t, s, http.MethodPost, "/api/blacklist/remove", "user-1", `{"tags":["gore","absent"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&change))
	require.Equal(t, float64(1), change["count"])

	rec = doJSON(t, s, http.MethodGet, "/api/blacklist", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"tags":[]}`, rec.Body.String())
}

func TestItemLookupCreatesSingleSession(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/item/booru/7", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "single", resp.Kind)
	require.Len(t, resp.Items, 1)
	require.NotNil(t, resp.Current)
	require.Equal(t, "7", resp.Current.ID)
	require.False(t, resp.HasMore)

	// a single-item session has nowhere to page
	rec = doJSON(t, s, http.MethodPost, "/api/session/page-forward", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Moved)
	require.Equal(t, 1, resp.Page)
}

func TestItemLookupNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/item/booru/999", "user-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSuggest(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/suggest?provider=booru&q=scen", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"suggestions":["scenery"]}`, rec.Body.String())
}

func TestSuggestEmptyPrefix(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/suggest?provider=booru", "user-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpstreamFailureMapsToBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(upstream.Close)

	s, err := New(Config{
		StoragePath:   filepath.Join(t.TempDir(), "server.db"),
		UpstreamBooru: upstream.URL,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.kv.Close() })

	rec := doJSON(t, s, http.MethodPost, "/api/search", "user-1", `{"provider":"booru","query":"x"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStats(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Contains(t, stats, "circuit_states")
	require.Contains(t, stats, "sessions")
}

func TestProviders(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/providers", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"providers":["booru","philomena"]}`, rec.Body.String())
}
