package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvrelay/internal/health"
	"github.com/jmylchreest/tvrelay/internal/http/handlers"
	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/relay"
	"github.com/jmylchreest/tvrelay/internal/repository"
)

func doJSON(t *testing.T, router *chi.Mux, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestChannelHandler_CRUD(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewChannelRepository(db.DB)
	router, api := newTestRouter()
	handlers.NewChannelHandler(repo).WithLogger(discardLogger()).Register(api)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/channels", map[string]any{
		"name":       "News 24",
		"stream_url": "http://origin.example.com/news.ts",
		"format":     "ts",
		"category":   "News",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[handlers.ChannelResponse](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, "/relay/"+created.ID, created.RelayURL)

	t.Run("duplicate stream url", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/channels", map[string]any{
			"name": "Copy", "stream_url": "http://origin.example.com/news.ts",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/channels", map[string]any{
			"name": "Cam", "stream_url": "rtsp://camera/1",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/channels?category=News", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out handlers.ListChannelsOutput
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out.Body))
		assert.Equal(t, int64(1), out.Body.Total)
		require.Len(t, out.Body.Items, 1)
		assert.Equal(t, "News 24", out.Body.Items[0].Name)
		assert.False(t, out.Body.HasNext)
	})

	t.Run("get", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/api/v1/channels/"+created.ID, nil).Code)
		assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/api/v1/channels/nope", nil).Code)
		assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/api/v1/channels/"+models.NewULID().String(), nil).Code)
	})

	t.Run("update and disable", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPut, "/api/v1/channels/"+created.ID, map[string]any{
			"name": "News 24 HD", "stream_url": "http://origin.example.com/news.m3u8", "format": "hls",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		updated := decode[handlers.ChannelResponse](t, rec)
		assert.Equal(t, "News 24 HD", updated.Name)
		assert.Equal(t, "hls", updated.Format)
		assert.True(t, updated.IsActive)

		rec = doJSON(t, router, http.MethodPost, "/api/v1/channels/"+created.ID+"/active", map[string]any{"active": false})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.False(t, decode[handlers.ChannelResponse](t, rec).IsActive)
	})

	t.Run("delete", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, doJSON(t, router, http.MethodDelete, "/api/v1/channels/"+created.ID, nil).Code)
		assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/api/v1/channels/"+created.ID, nil).Code)
	})
}

// sessionJSON mirrors the fields of a session snapshot the tests inspect.
type sessionJSON struct {
	ChannelID     string `json:"channel_id"`
	ChannelName   string `json:"channel_name"`
	State         string `json:"state"`
	Available     bool   `json:"available"`
	Viewers       int    `json:"viewers"`
	ViewerDetails []struct {
		ID        string `json:"id"`
		UserAgent string `json:"user_agent"`
	} `json:"viewer_details"`
}

func TestSessionHandler(t *testing.T) {
	db := newTestDB(t)
	channels := repository.NewChannelRepository(db.DB)
	records := repository.NewHealthRecordRepository(db.DB)
	registry := newTestRegistry(t, channels, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{count: 2} })
	monitor := health.NewMonitor(health.MonitorConfig{}, health.NewProber(health.ProberConfig{}), channels, records,
		health.WithLogger(discardLogger()))

	router, api := newTestRouter()
	handlers.NewSessionHandler(registry, channels, monitor).Register(api)

	live := createChannel(t, channels, "Live", "http://origin.example.com/live.ts", true)
	idle := createChannel(t, channels, "Idle", "http://origin.example.com/idle.ts", true)

	viewer, err := registry.Attach(context.Background(), live.ID.String(), relay.ViewerInfo{UserAgent: "mpv"})
	require.NoError(t, err)
	require.NoError(t, viewer.Session().WaitReady(context.Background()))

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/relay/sessions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode[struct {
			Sessions []sessionJSON `json:"sessions"`
			Stats    struct {
				Sessions          int    `json:"sessions"`
				Viewers           int    `json:"viewers"`
				ConnectorsCreated uint64 `json:"connectors_created"`
			} `json:"stats"`
		}](t, rec)
		require.Len(t, out.Sessions, 1)
		assert.Equal(t, live.ID.String(), out.Sessions[0].ChannelID)
		assert.Equal(t, "streaming", out.Sessions[0].State)
		assert.Empty(t, out.Sessions[0].ViewerDetails)
		assert.Equal(t, 1, out.Stats.Viewers)
		assert.Equal(t, uint64(1), out.Stats.ConnectorsCreated)

		rec = doJSON(t, router, http.MethodGet, "/api/v1/relay/sessions?include_viewers=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out2 := decode[struct {
			Sessions []sessionJSON `json:"sessions"`
		}](t, rec)
		require.Len(t, out2.Sessions, 1)
		require.Len(t, out2.Sessions[0].ViewerDetails, 1)
		assert.Equal(t, "mpv", out2.Sessions[0].ViewerDetails[0].UserAgent)
	})

	t.Run("get live session", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/relay/sessions/"+live.ID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode[sessionJSON](t, rec)
		assert.Equal(t, "streaming", out.State)
		assert.True(t, out.Available)
		assert.Equal(t, 1, out.Viewers)
	})

	t.Run("channel without session is absent", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/relay/sessions/"+idle.ID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decode[sessionJSON](t, rec)
		assert.Equal(t, "absent", out.State)
		assert.False(t, out.Available)
		assert.Equal(t, "Idle", out.ChannelName)
	})

	t.Run("lookup errors", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/api/v1/relay/sessions/bad", nil).Code)
		assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/api/v1/relay/sessions/"+models.NewULID().String(), nil).Code)
	})

	t.Run("playback error report", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/relay/sessions/"+live.ID.String()+"/playback-errors", map[string]any{
			"http_status": 502,
			"code":        "media_err_network",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		out := decode[handlers.HealthRecordResponse](t, rec)
		assert.Equal(t, "offline", out.Status)
		assert.Equal(t, "viewer", out.Source)
		assert.Equal(t, 502, out.HTTPStatus)

		rec = doJSON(t, router, http.MethodPost, "/api/v1/relay/sessions/"+models.NewULID().String()+"/playback-errors", map[string]any{})
		assert.Equal(t, http.StatusNotFound, rec.Code)

		// The report never touches the session.
		assert.Equal(t, relay.StateStreaming, registry.Snapshot(live.ID.String()).State)
	})
}

func TestHealthHandler_GetHealth(t *testing.T) {
	db := newTestDB(t)
	channels := repository.NewChannelRepository(db.DB)
	registry := newTestRegistry(t, channels, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{} })

	router, api := newTestRouter()
	handlers.NewHealthHandler("1.2.3").WithDB(db).WithRelay(registry).Register(api)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[handlers.HealthResponse](t, rec)
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, "1.2.3", out.Version)
	assert.NotEmpty(t, out.Uptime)
	assert.Positive(t, out.CPU.Cores)
	assert.Positive(t, out.Memory.Goroutines)
	assert.Equal(t, "ok", out.Checks["database"])
	assert.Equal(t, "ok", out.Checks["relay"])
	require.NotNil(t, out.Relay)
	assert.Equal(t, 0, out.Relay.Sessions)

	require.NoError(t, db.Close())
	rec = doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode[handlers.HealthResponse](t, rec)
	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, "error", out.Checks["database"])
}

func TestHealthRecordHandler(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte{0x47})
	}))
	defer origin.Close()

	db := newTestDB(t)
	channels := repository.NewChannelRepository(db.DB)
	records := repository.NewHealthRecordRepository(db.DB)
	monitor := health.NewMonitor(health.MonitorConfig{Concurrency: 1},
		health.NewProber(health.ProberConfig{Timeout: 2 * time.Second}), channels, records,
		health.WithLogger(discardLogger()))

	router, api := newTestRouter()
	handlers.NewHealthRecordHandler(monitor).Register(api)

	ch := createChannel(t, channels, "Up", origin.URL+"/live.ts", true)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/health/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[health.Summary](t, rec).Unknown)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/health/probe", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run handlers.RunProbeOutput
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run.Body))
	require.NotNil(t, run.Body.Run)
	assert.Equal(t, 1, run.Body.Run.Probed)
	assert.Equal(t, 1, run.Body.Run.Online)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/health/probe", map[string]any{"channel_id": ch.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var single handlers.RunProbeOutput
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&single.Body))
	require.NotNil(t, single.Body.Record)
	assert.Equal(t, "probe", single.Body.Record.Source)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/health/probe", map[string]any{"channel_id": models.NewULID().String()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/health/channels/"+ch.ID.String()+"/records?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Records []handlers.HealthRecordResponse `json:"records"`
	}](t, rec)
	require.Len(t, listed.Records, 2)
	assert.Equal(t, "online", listed.Records[0].Status)
	assert.Equal(t, http.StatusPartialContent, listed.Records[0].HTTPStatus)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/health/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[health.Summary](t, rec)
	assert.Equal(t, 1, sum.Online)
	assert.NotNil(t, sum.LastRun)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/health/records?older_than=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(0), decode[struct {
		Removed int64 `json:"removed"`
	}](t, rec).Removed)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/health/records?older_than=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
