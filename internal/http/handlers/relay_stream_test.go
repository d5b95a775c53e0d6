package handlers_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvrelay/internal/http/handlers"
	"github.com/jmylchreest/tvrelay/internal/http/middleware"
	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/relay"
	"github.com/jmylchreest/tvrelay/internal/repository"
)

type relayFixture struct {
	router   http.Handler
	registry *relay.Registry
	repo     repository.ChannelRepository
}

func newRelayFixture(t *testing.T, cfg relay.RegistryConfig, n func() relay.Normalizer) *relayFixture {
	t.Helper()
	db := newTestDB(t)
	repo := repository.NewChannelRepository(db.DB)
	registry := newTestRegistry(t, repo, cfg, n)

	router := chi.NewRouter()
	handlers.NewRelayStreamHandler(registry, handlers.RelayStreamConfig{
		PlaylistSize:       3,
		SegmentWaitTimeout: time.Second,
	}).WithLogger(discardLogger()).RegisterChiRoutes(router)

	return &relayFixture{router: middleware.CORS()(router), registry: registry, repo: repo}
}

func (f *relayFixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// attach performs the initial request and returns the viewer's manifest URI.
func (f *relayFixture) attach(t *testing.T, channelID string) string {
	t.Helper()
	rec := f.get(t, "/relay/"+channelID)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc := rec.Header().Get("Location")
	require.NotEmpty(t, loc)
	return loc
}

func viewerID(t *testing.T, uri string) string {
	t.Helper()
	u, err := url.Parse(uri)
	require.NoError(t, err)
	id := u.Query().Get("viewer")
	require.NotEmpty(t, id)
	return id
}

func TestRelayStream_AttachManifestAndSegment(t *testing.T) {
	f := newRelayFixture(t, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{count: 4} })
	ch := createChannel(t, f.repo, "News", "http://origin.example.com/news.ts", true)
	id := ch.ID.String()

	manifestURI := f.attach(t, id)
	assert.True(t, strings.HasPrefix(manifestURI, "/relay/"+id+"?"))
	viewer := viewerID(t, manifestURI)

	rec := f.get(t, manifestURI)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, relay.ContentTypeHLSPlaylist, rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store", rec.Header().Get("Cache-Control"))

	manifest := rec.Body.String()
	assert.True(t, strings.HasPrefix(manifest, "#EXTM3U\n"))
	assert.Contains(t, manifest, "#EXT-X-TARGETDURATION:")
	require.Eventually(t, func() bool {
		return strings.Contains(f.get(t, manifestURI).Body.String(), fmt.Sprintf("/relay/%s/3.ts?viewer=%s", id, viewer))
	}, time.Second, 5*time.Millisecond)

	rec = f.get(t, fmt.Sprintf("/relay/%s/1.ts?viewer=%s", id, viewer))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.ContentTypeMPEGTS, rec.Header().Get("Content-Type"))
	assert.Equal(t, "segment-1", rec.Body.String())
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))

	// Segments are also served without a viewer id while the session lives.
	rec = f.get(t, fmt.Sprintf("/relay/%s/2.ts", id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "segment-2", rec.Body.String())

	rec = f.get(t, fmt.Sprintf("/relay/%s/99.ts?viewer=%s", id, viewer))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, fmt.Sprintf("/relay/%s/not-a-segment?viewer=%s", id, viewer))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1, f.registry.Stats().Viewers)
	assert.Equal(t, uint64(1), f.registry.Stats().ConnectorsCreated)
}

func TestRelayStream_ViewersShareOneSession(t *testing.T) {
	f := newRelayFixture(t, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{count: 1} })
	ch := createChannel(t, f.repo, "News", "http://origin.example.com/news.ts", true)

	first := viewerID(t, f.attach(t, ch.ID.String()))
	second := viewerID(t, f.attach(t, ch.ID.String()))

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, f.registry.Stats().Viewers)
	assert.Equal(t, uint64(1), f.registry.Stats().ConnectorsCreated)
}

func TestRelayStream_ExpiredSegment(t *testing.T) {
	cfg := relay.RegistryConfig{Ring: relay.SegmentRingConfig{MaxSegments: 2}}
	f := newRelayFixture(t, cfg, func() relay.Normalizer { return &fakeNormalizer{count: 5} })
	ch := createChannel(t, f.repo, "News", "http://origin.example.com/news.ts", true)
	id := ch.ID.String()

	viewer := viewerID(t, f.attach(t, id))
	session, ok := f.registry.Session(id)
	require.True(t, ok)
	require.Eventually(t, func() bool { return session.Ring().Stats().Published == 5 }, time.Second, 5*time.Millisecond)

	rec := f.get(t, fmt.Sprintf("/relay/%s/0.ts?viewer=%s", id, viewer))
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = f.get(t, fmt.Sprintf("/relay/%s/4.ts?viewer=%s", id, viewer))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRelayStream_ChannelErrors(t *testing.T) {
	f := newRelayFixture(t, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{count: 1} })
	disabled := createChannel(t, f.repo, "Off", "http://origin.example.com/off.ts", false)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unknown channel", "/relay/" + models.NewULID().String(), http.StatusNotFound},
		{"invalid channel id", "/relay/not-a-ulid", http.StatusNotFound},
		{"disabled channel", "/relay/" + disabled.ID.String(), http.StatusForbidden},
		{"segment without session", "/relay/" + disabled.ID.String() + "/0.ts", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.target)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, 0, f.registry.Stats().Sessions)
}

func TestRelayStream_FailedChannelIsUnavailable(t *testing.T) {
	cause := fmt.Errorf("%w: origin returned scrambled stream from http://secret.example.com", relay.ErrFormatPermanent)
	cfg := relay.RegistryConfig{FailureCooldown: time.Minute}
	f := newRelayFixture(t, cfg, func() relay.Normalizer { return &fakeNormalizer{err: cause} })
	ch := createChannel(t, f.repo, "Broken", "http://origin.example.com/broken.ts", true)
	id := ch.ID.String()

	manifestURI := f.attach(t, id)
	require.Eventually(t, func() bool {
		return f.registry.Snapshot(id).State == relay.StateFailed
	}, time.Second, 5*time.Millisecond)

	for _, target := range []string{manifestURI, "/relay/" + id} {
		rec := f.get(t, target)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
		assert.Equal(t, "10", rec.Header().Get("Retry-After"))
		assert.NotContains(t, rec.Body.String(), "secret")
		assert.Contains(t, rec.Body.String(), "channel unavailable")
	}
}

func TestRelayStream_FollowMode(t *testing.T) {
	f := newRelayFixture(t, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{count: 3} })
	ch := createChannel(t, f.repo, "News", "http://origin.example.com/news.ts", true)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/relay/"+ch.ID.String()+"/"+handlers.FollowStreamName, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.ContentTypeMPEGTS, rec.Header().Get("Content-Type"))
	assert.Equal(t, "segment-0segment-1segment-2", rec.Body.String())
	// The handle is released when the client goes away.
	assert.Equal(t, 0, f.registry.Stats().Viewers)
}

func TestRelayStream_HeadManifest(t *testing.T) {
	f := newRelayFixture(t, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{count: 1} })
	ch := createChannel(t, f.repo, "News", "http://origin.example.com/news.ts", true)
	manifestURI := f.attach(t, ch.ID.String())

	req := httptest.NewRequest(http.MethodHead, manifestURI, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestRelayStream_CORSPreflight(t *testing.T) {
	f := newRelayFixture(t, relay.RegistryConfig{}, func() relay.Normalizer { return &fakeNormalizer{} })

	req := httptest.NewRequest(http.MethodOptions, "/relay/"+models.NewULID().String(), nil)
	req.Header.Set("Origin", "http://player.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
	assert.Equal(t, 0, f.registry.Stats().Sessions, "preflight never attaches")
}
