package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/relay"
	"github.com/jmylchreest/tvrelay/internal/repository"
)

type notification struct {
	channelID string
	online    bool
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) NotifyHealth(channelID string, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{channelID, online})
}

func (n *recordingNotifier) snapshot() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

type monitorFixture struct {
	monitor  *Monitor
	channels repository.ChannelRepository
	records  repository.HealthRecordRepository
	notifier *recordingNotifier
	online   *models.Channel
	offline  *models.Channel
	alerts   atomic.Int32
}

func newMonitorFixture(t *testing.T, threshold int) *monitorFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Channel{}, &models.HealthRecord{}))

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(up.Close)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(down.Close)

	f := &monitorFixture{
		channels: repository.NewChannelRepository(db),
		records:  repository.NewHealthRecordRepository(db),
		notifier: &recordingNotifier{},
	}

	ctx := context.Background()
	f.online = &models.Channel{Name: "Up", StreamURL: up.URL + "/up.ts"}
	f.offline = &models.Channel{Name: "Down", StreamURL: down.URL + "/down.ts"}
	require.NoError(t, f.channels.Create(ctx, f.online))
	require.NoError(t, f.channels.Create(ctx, f.offline))

	f.monitor = NewMonitor(
		MonitorConfig{Concurrency: 2, OfflineThreshold: threshold},
		NewProber(ProberConfig{Timeout: 2 * time.Second}),
		f.channels,
		f.records,
		WithNotifier(f.notifier),
		WithAlertFunc(func(context.Context, *models.Channel, int, *models.HealthRecord) {
			f.alerts.Add(1)
		}),
	)
	return f
}

func TestMonitor_ProbeAll(t *testing.T) {
	f := newMonitorFixture(t, 3)
	ctx := context.Background()

	run, err := f.monitor.ProbeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Probed)
	assert.Equal(t, 1, run.Online)
	assert.Equal(t, 1, run.Offline)

	count, err := f.records.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	latest, err := f.records.Latest(ctx, f.offline.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "http_403", latest.ErrorCode)
	assert.Equal(t, http.StatusForbidden, latest.HTTPStatus)

	state, ok := f.monitor.Latest(f.online.ID.String())
	require.True(t, ok)
	assert.Equal(t, models.HealthOnline, state.Status)
	assert.Equal(t, 1, f.monitor.OfflineCount())

	assert.ElementsMatch(t, []notification{
		{f.online.ID.String(), true},
		{f.offline.ID.String(), false},
	}, f.notifier.snapshot())
}

func TestMonitor_RecordsAreAppendOnly(t *testing.T) {
	f := newMonitorFixture(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.monitor.ProbeAll(ctx)
		require.NoError(t, err)
	}

	records, err := f.monitor.Records(ctx, f.online.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestMonitor_AlertOnceAtThreshold(t *testing.T) {
	f := newMonitorFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.monitor.ProbeAll(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), f.alerts.Load())
	state, ok := f.monitor.Latest(f.offline.ID.String())
	require.True(t, ok)
	assert.Equal(t, 4, state.ConsecutiveOffline)
	assert.True(t, state.Alerted)

	sum, err := f.monitor.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Channels)
	assert.Equal(t, 1, sum.Online)
	assert.Equal(t, 1, sum.Offline)
	assert.Equal(t, 1, sum.Alerting)
	require.NotNil(t, sum.LastRun)
	assert.Equal(t, 2, sum.LastRun.Probed)
}

func TestMonitor_SummaryBeforeFirstRun(t *testing.T) {
	f := newMonitorFixture(t, 3)

	sum, err := f.monitor.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Unknown)
	assert.Nil(t, sum.LastRun)
}

func TestMonitor_ProbeChannel(t *testing.T) {
	f := newMonitorFixture(t, 3)
	ctx := context.Background()

	rec, err := f.monitor.ProbeChannel(ctx, f.online.ID)
	require.NoError(t, err)
	assert.True(t, rec.Online())

	_, err = f.monitor.ProbeChannel(ctx, models.NewULID())
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMonitor_InactiveChannelsSkipped(t *testing.T) {
	f := newMonitorFixture(t, 3)
	ctx := context.Background()

	_, err := f.channels.SetActive(ctx, f.offline.ID, false)
	require.NoError(t, err)

	run, err := f.monitor.ProbeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Probed)
	assert.Equal(t, 1, run.Online)
}

func TestMonitor_ProbeInProgress(t *testing.T) {
	f := newMonitorFixture(t, 3)
	f.monitor.running.Store(true)

	_, err := f.monitor.ProbeAll(context.Background())
	assert.ErrorIs(t, err, ErrProbeInProgress)
}

func TestMonitor_RecordPlaybackError(t *testing.T) {
	f := newMonitorFixture(t, 3)
	ctx := context.Background()

	rec, err := f.monitor.RecordPlaybackError(ctx, f.online.ID, PlaybackError{
		HTTPStatus: http.StatusServiceUnavailable,
		Message:    "player gave up",
	})
	require.NoError(t, err)
	assert.Equal(t, models.HealthSourceViewer, rec.Source)
	assert.Equal(t, "playback_error", rec.ErrorCode)

	// Viewer reports do not override probe state.
	_, ok := f.monitor.Latest(f.online.ID.String())
	assert.False(t, ok)

	_, err = f.monitor.RecordPlaybackError(ctx, models.NewULID(), PlaybackError{})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestMonitor_RecordSessionFailure(t *testing.T) {
	f := newMonitorFixture(t, 3)
	ctx := context.Background()

	err := &relay.OriginError{Kind: relay.ErrOriginUnreachable, StatusCode: http.StatusForbidden}
	f.monitor.RecordSessionFailure(ctx, relay.SessionStatus{
		ChannelID:     f.offline.ID.String(),
		State:         relay.StateFailed,
		LastErrorKind: relay.ErrorKind(err),
	}, err)

	latest, lerr := f.records.Latest(ctx, f.offline.ID)
	require.NoError(t, lerr)
	require.NotNil(t, latest)
	assert.Equal(t, models.HealthSourceRelay, latest.Source)
	assert.Equal(t, "relay_unreachable", latest.ErrorCode)
	assert.Equal(t, http.StatusForbidden, latest.HTTPStatus)
}

func TestMonitor_Prune(t *testing.T) {
	f := newMonitorFixture(t, 3)
	ctx := context.Background()

	old := &models.HealthRecord{
		ChannelID: f.online.ID,
		Status:    models.HealthOnline,
		CreatedAt: time.Now().Add(-10 * 24 * time.Hour),
	}
	require.NoError(t, f.records.Create(ctx, old))
	_, err := f.monitor.ProbeAll(ctx)
	require.NoError(t, err)

	removed, err := f.monitor.Prune(ctx, 7*24*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	count, err := f.records.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, maxMessageLength+10)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, truncate(string(long)), maxMessageLength)
	assert.Equal(t, "short", truncate("short"))
}
