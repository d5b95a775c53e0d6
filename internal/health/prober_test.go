package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvrelay/internal/models"
)

func testChannel(url string) *models.Channel {
	return &models.Channel{
		BaseModel: models.BaseModel{ID: models.NewULID()},
		Name:      "Probe Test",
		StreamURL: url,
	}
}

func TestProber_Online(t *testing.T) {
	var gotRange, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 512))
	}))
	defer server.Close()

	p := NewProber(ProberConfig{RangeBytes: 512, UserAgent: "probe-test/1"})
	rec := p.Probe(context.Background(), testChannel(server.URL+"/live.ts"))

	assert.Equal(t, models.HealthOnline, rec.Status)
	assert.Equal(t, models.HealthSourceProbe, rec.Source)
	assert.Equal(t, http.StatusPartialContent, rec.HTTPStatus)
	assert.Empty(t, rec.ErrorCode)
	assert.Equal(t, "bytes=0-511", gotRange)
	assert.Equal(t, "probe-test/1", gotUA)
}

func TestProber_IgnoresRangeButReadsBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		chunk := make([]byte, 1024)
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	p := NewProber(ProberConfig{RangeBytes: 2048})
	rec := p.Probe(context.Background(), testChannel(server.URL))
	assert.True(t, rec.Online())
	assert.Equal(t, http.StatusOK, rec.HTTPStatus)
}

func TestProber_HTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
	}{
		{"forbidden", http.StatusForbidden, "http_403"},
		{"not found", http.StatusNotFound, "http_404"},
		{"server error", http.StatusBadGateway, "http_502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			rec := NewProber(ProberConfig{}).Probe(context.Background(), testChannel(server.URL))
			assert.Equal(t, models.HealthOffline, rec.Status)
			assert.Equal(t, tt.status, rec.HTTPStatus)
			assert.Equal(t, tt.code, rec.ErrorCode)
		})
	}
}

func TestProber_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := NewProber(ProberConfig{Timeout: 100 * time.Millisecond})
	rec := p.Probe(context.Background(), testChannel(server.URL))

	assert.Equal(t, models.HealthOffline, rec.Status)
	assert.Equal(t, CodeTimeout, rec.ErrorCode)
	assert.Less(t, rec.LatencyMs, int64(2000))
}

func TestProber_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	rec := NewProber(ProberConfig{Timeout: time.Second}).Probe(context.Background(), testChannel(url))
	assert.Equal(t, models.HealthOffline, rec.Status)
	assert.Equal(t, CodeUnreachable, rec.ErrorCode)
	assert.Zero(t, rec.HTTPStatus)
}

func TestProber_InvalidURL(t *testing.T) {
	rec := NewProber(ProberConfig{}).Probe(context.Background(), testChannel("rtmp://origin/live"))
	assert.Equal(t, CodeInvalidURL, rec.ErrorCode)
	assert.Equal(t, models.HealthOffline, rec.Status)
}

func TestProber_MessageOmitsCredentials(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	rec := NewProber(ProberConfig{Timeout: time.Second}).
		Probe(context.Background(), testChannel(url+"/live/?password=hunter2"))
	require.NotEmpty(t, rec.Message)
	assert.NotContains(t, rec.Message, "hunter2")
}
