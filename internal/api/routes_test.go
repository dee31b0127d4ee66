package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andranikuz/ai-calendar/internal/config"
	"github.com/andranikuz/ai-calendar/internal/conflict"
	"github.com/andranikuz/ai-calendar/internal/gateway"
	"github.com/andranikuz/ai-calendar/internal/netmon"
	"github.com/andranikuz/ai-calendar/internal/replay"
	"github.com/andranikuz/ai-calendar/internal/store"
	syncpkg "github.com/andranikuz/ai-calendar/internal/sync"
)

type testEnv struct {
	router http.Handler
	store  *store.SQLiteStore
	ledger *conflict.Ledger
}

func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(config.StorageConfig{
		FilePath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	monitor := netmon.NewMonitor(upstreamURL+"/health", time.Minute, time.Second)

	upstream := config.UpstreamConfig{BaseURL: upstreamURL, RequestTimeout: "2s", ProbeInterval: "1m"}
	offline := config.OfflineConfig{
		CacheablePaths: []string{"/api/v1/goals", "/api/v1/events", "/api/v1/moods"},
		MaxRetries:     3,
	}

	gw, err := gateway.NewGateway(upstream, offline, st, monitor)
	require.NoError(t, err)
	replayer := replay.NewReplayer(upstream, offline, st, monitor)
	manager := syncpkg.NewManager(st, monitor, replayer, gw, 30*24*time.Hour)
	ledger := conflict.NewLedger(st)

	return &testEnv{
		router: NewHandler(manager, ledger, gw).Routes(),
		store:  st,
		ledger: ledger,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:0")
	rec := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestOfflineStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:0")
	rec := env.do(http.MethodGet, "/api/v1/offline/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status syncpkg.OfflineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.IsOnline)
	assert.Equal(t, 0, status.PendingCount)
	assert.Equal(t, syncpkg.StatusIdle, status.SyncStatus)
}

func TestConflictLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:0")

	rec := env.do(http.MethodPost, "/api/v1/sync-conflicts",
		`{"user_id":"u1","conflict_type":"time_overlap","local_event":{"id":"e1"},"google_event":{"id":"g1"},"description":"overlap"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.SyncConflict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, store.ConflictTimeOverlap, created.ConflictType)

	rec = env.do(http.MethodGet, "/api/v1/sync-conflicts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conflicts []store.SyncConflict `json:"conflicts"`
		Count     int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, created.ID, list.Conflicts[0].ID)

	// The listing speaks snake_case with plain nullable audit fields.
	body := rec.Body.String()
	assert.Contains(t, body, `"conflict_type":"time_overlap"`)
	assert.Contains(t, body, `"resolution":null`)

	rec = env.do(http.MethodPost, "/api/v1/sync-conflicts/"+created.ID+"/resolve",
		`{"action":"use_local","resolution":"kept mine","resolved_by":"u1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Second resolve conflicts with the recorded resolution.
	rec = env.do(http.MethodPost, "/api/v1/sync-conflicts/"+created.ID+"/resolve",
		`{"action":"use_local"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveUnknownConflictReturns404(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:0")
	rec := env.do(http.MethodPost, "/api/v1/sync-conflicts/missing/resolve", `{"action":"use_local"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkResolveReportsCounts(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:0")
	ctx := context.Background()

	c := &store.SyncConflict{
		UserID:       "u1",
		ConflictType: store.ConflictContentDiff,
		LocalEvent:   json.RawMessage(`{"id":"e1"}`),
		GoogleEvent:  json.RawMessage(`{"id":"g1"}`),
	}
	require.NoError(t, env.ledger.Record(ctx, c))

	rec := env.do(http.MethodPost, "/api/v1/sync-conflicts/bulk-resolve",
		`{"conflict_ids":["`+c.ID+`","missing"],"action":"use_local","resolved_by":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Successful int                   `json:"successful"`
		Failed     int                   `json:"failed"`
		Results    []conflict.BulkResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Successful)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
}

func TestConflictStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:0")
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, env.ledger.Record(ctx, &store.SyncConflict{
			UserID:       "u1",
			ConflictType: store.ConflictTimeOverlap,
			LocalEvent:   json.RawMessage(`{"id":"` + id + `"}`),
			GoogleEvent:  json.RawMessage(`{"id":"g-` + id + `"}`),
		}))
	}

	rec := env.do(http.MethodGet, "/api/v1/sync-conflicts/stats?user_id=u1&days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Stats  map[string]int `json:"stats"`
		Total  int            `json:"total"`
		Period int            `json:"period"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 7, resp.Period)
	assert.Equal(t, 2, resp.Stats["time_overlap"])
}

func TestUnmatchedPathsGoThroughGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/goals" {
			w.Write([]byte(`[{"id":"g1","user_id":"u1"}]`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	rec := env.do(http.MethodGet, "/api/v1/goals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"g1","user_id":"u1"}]`, rec.Body.String())

	// The proxied read was cached for offline use.
	cached, err := env.store.Get(context.Background(), "goals", "g1")
	require.NoError(t, err)
	require.NotNil(t, cached)
}

func TestCorsPreflight(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:0")
	rec := env.do(http.MethodOptions, "/api/v1/offline/status", "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
