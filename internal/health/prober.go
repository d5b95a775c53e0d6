// Package health probes channel origins independently of live viewing and keeps the
// append-only HealthRecord log.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/urlutil"
	"github.com/jmylchreest/tvrelay/internal/version"
)

// Probe error codes stored in HealthRecord.ErrorCode.
const (
	CodeTimeout     = "timeout"
	CodeUnreachable = "unreachable"
	CodeInvalidURL  = "invalid_url"
	CodeReadError   = "read_error"
)

// Defaults for the prober.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultRangeBytes = 4096
)

// ProberConfig configures a Prober.
type ProberConfig struct {
	// Timeout bounds the whole probe, including reading the partial body.
	Timeout time.Duration
	// RangeBytes is the size of the partial-content request.
	RangeBytes int64
	// UserAgent is sent with every probe.
	UserAgent string
}

// Prober checks channel reachability with a small partial-content request.
// It shares nothing with relay sessions.
type Prober struct {
	config ProberConfig
	client *http.Client
}

// NewProber creates a prober with its own HTTP client.
func NewProber(config ProberConfig) *Prober {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RangeBytes <= 0 {
		config.RangeBytes = DefaultRangeBytes
	}
	if config.UserAgent == "" {
		config.UserAgent = version.UserAgent()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   config.Timeout,
		ResponseHeaderTimeout: config.Timeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Prober{
		config: config,
		client: &http.Client{Transport: transport, Timeout: config.Timeout},
	}
}

// Probe performs one reachability check. The returned record is never nil; it is not persisted.
func (p *Prober) Probe(ctx context.Context, ch *models.Channel) *models.HealthRecord {
	rec := &models.HealthRecord{
		ChannelID: ch.ID,
		Status:    models.HealthOffline,
		Source:    models.HealthSourceProbe,
	}

	if err := urlutil.ValidateStreamURL(ch.StreamURL); err != nil {
		rec.ErrorCode = CodeInvalidURL
		rec.Message = err.Error()
		return rec
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ch.StreamURL, nil)
	if err != nil {
		rec.ErrorCode = CodeInvalidURL
		rec.Message = unwrapURLError(err).Error()
		return rec
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.config.RangeBytes-1))
	req.Header.Set("User-Agent", p.config.UserAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	rec.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.ErrorCode = errorCode(err)
		rec.Message = unwrapURLError(err).Error()
		return rec
	}
	defer resp.Body.Close()

	rec.HTTPStatus = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rec.ErrorCode = fmt.Sprintf("http_%d", resp.StatusCode)
		rec.Message = resp.Status
		return rec
	}

	// Servers that ignore Range still only get RangeBytes read.
	if _, err := io.CopyN(io.Discard, resp.Body, p.config.RangeBytes); err != nil && !errors.Is(err, io.EOF) {
		rec.ErrorCode = errorCode(err)
		if rec.ErrorCode == CodeUnreachable {
			rec.ErrorCode = CodeReadError
		}
		rec.Message = unwrapURLError(err).Error()
		return rec
	}

	rec.Status = models.HealthOnline
	return rec
}

func errorCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeUnreachable
}

// unwrapURLError drops the *url.Error wrapper so the request URL, which may
// carry credentials, does not end up in a stored record.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
