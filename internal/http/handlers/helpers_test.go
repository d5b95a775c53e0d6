package handlers_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvrelay/internal/config"
	"github.com/jmylchreest/tvrelay/internal/database"
	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/relay"
	"github.com/jmylchreest/tvrelay/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", LogLevel: "silent"}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRouter() (*chi.Mux, huma.API) {
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	return router, api
}

func createChannel(t *testing.T, repo repository.ChannelRepository, name, streamURL string, active bool) *models.Channel {
	t.Helper()
	ch := &models.Channel{Name: name, StreamURL: streamURL, Format: models.FormatTS, IsActive: models.BoolPtr(active)}
	require.NoError(t, repo.Create(context.Background(), ch))
	return ch
}

// fakeNormalizer stands in for the origin: it publishes count TS segments and then holds
// the connection until the session stops. A non-nil err fails every attempt instead.
type fakeNormalizer struct {
	count int
	err   error
}

func (n *fakeNormalizer) Mode() relay.StreamMode { return relay.StreamModeTS }

func (n *fakeNormalizer) Run(ctx context.Context, sink relay.SegmentSink) error {
	if n.err != nil {
		return n.err
	}
	for i := range n.count {
		err := sink.Publish(&relay.Segment{
			Duration:    4,
			Data:        []byte(fmt.Sprintf("segment-%d", i)),
			ContentType: relay.ContentTypeMPEGTS,
			Extension:   ".ts",
		})
		if err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func newTestRegistry(t *testing.T, channels relay.ChannelLookup, cfg relay.RegistryConfig, n func() relay.Normalizer) *relay.Registry {
	t.Helper()
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Minute
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = relay.BackoffPolicy{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 2}
	}
	registry := relay.NewRegistry(cfg, channels,
		relay.WithLogger(discardLogger()),
		relay.WithNormalizerFactory(func(relay.StreamMode, string, *relay.OriginConnector, *slog.Logger) relay.Normalizer {
			return n()
		}))
	t.Cleanup(registry.Close)
	return registry
}
