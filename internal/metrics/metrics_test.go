package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvrelay/internal/relay"
)

func TestMetrics_RelayCounters(t *testing.T) {
	m := New()

	m.SessionStarted(relay.StreamModeTS)
	m.SessionStarted(relay.StreamModeTS)
	m.SessionStarted(relay.StreamModeHLS)
	m.SegmentPublished(relay.StreamModeTS, 1000)
	m.SegmentPublished(relay.StreamModeTS, 500)
	m.OriginFailure("unreachable")
	m.SessionFailed("protocol")
	m.ReconnectScheduled()
	m.ViewerLagged()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsStarted.WithLabelValues(relay.StreamModeTS.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsStarted.WithLabelValues(relay.StreamModeHLS.String())))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.segmentsPublished.WithLabelValues(relay.StreamModeTS.String())))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.segmentBytes.WithLabelValues(relay.StreamModeTS.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.originFailures.WithLabelValues("unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsFailed.WithLabelValues("protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewerLagTotal))
}

func TestMetrics_RegistryStats(t *testing.T) {
	m := New()
	m.SetRegistryStats(relay.RegistryStats{
		Sessions:          2,
		Viewers:           7,
		ConnectorsCreated: 3,
		ByState: map[relay.SessionState]int{
			relay.StateStreaming:    1,
			relay.StateReconnecting: 1,
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues(relay.StateStreaming.String())))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessions.WithLabelValues(relay.StateConnecting.String())))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.viewers))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.connectorsCreated))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ProbeCompleted("online", 120*time.Millisecond)

	refreshed := false
	h := m.Handler(func() {
		refreshed = true
		m.SetChannelsOffline(4)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, refreshed)
	body := rec.Body.String()
	assert.Contains(t, body, `tvrelay_health_probes_total{status="online"} 1`)
	assert.Contains(t, body, "tvrelay_channels_offline 4")
	assert.True(t, strings.Contains(body, "tvrelay_health_probe_duration_seconds_bucket"))
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	mw := RequestMiddleware(m)

	ok := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	missing := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	unavailable := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for _, h := range []http.Handler{ok, ok, missing, unavailable} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("5xx")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(http.StatusPartialContent))
	assert.Equal(t, "3xx", statusClass(http.StatusFound))
	assert.Equal(t, "4xx", statusClass(http.StatusForbidden))
	assert.Equal(t, "5xx", statusClass(http.StatusBadGateway))
}
