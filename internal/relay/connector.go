package relay

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jmylchreest/tvrelay/internal/urlutil"
	"github.com/jmylchreest/tvrelay/internal/version"
)

// ConnectorConfig configures an origin connector.
type ConnectorConfig struct {
	// ConnectTimeout bounds dial, TLS handshake and waiting for response headers.
	ConnectTimeout time.Duration
	// StallTimeout is how long an established response may go without delivering bytes.
	StallTimeout time.Duration
	// UserAgent is sent on every origin request.
	UserAgent string
}

// DefaultConnectorConfig returns the default connector timeouts.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		ConnectTimeout: DefaultConnectTimeout,
		StallTimeout:   DefaultStallTimeout,
		UserAgent:      version.UserAgent(),
	}
}

// ConnectorStats holds connector counters.
type ConnectorStats struct {
	OpenStreams int64  `json:"open_streams"`
	Requests    uint64 `json:"requests"`
	BytesRead   uint64 `json:"bytes_read"`
}

// OriginConnector owns the outbound HTTP connection of one relay session.
// Its transport allows a single connection per origin host; there is no overall request
// timeout because live streams run indefinitely.
type OriginConnector struct {
	config ConnectorConfig
	client *http.Client
	logger *slog.Logger

	openStreams atomic.Int64
	requests    atomic.Uint64
	bytesRead   atomic.Uint64
}

// NewOriginConnector creates a connector with its own transport.
func NewOriginConnector(config ConnectorConfig, logger *slog.Logger) *OriginConnector {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.StallTimeout <= 0 {
		config.StallTimeout = DefaultStallTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = version.UserAgent()
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ConnectTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       1,
		MaxIdleConnsPerHost:   1,
		// Decompression is handled in Fetch so stream bodies stay byte-exact.
		DisableCompression: true,
	}

	return &OriginConnector{
		config: config,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

// Open starts a long-lived streaming GET against rawURL. The returned stream fails with
// ErrOriginStalled when no bytes arrive for the stall timeout.
func (c *OriginConnector) Open(ctx context.Context, rawURL string) (*OriginStream, error) {
	return c.open(ctx, rawURL, "")
}

func (c *OriginConnector) open(ctx context.Context, rawURL, acceptEncoding string) (*OriginStream, error) {
	if err := urlutil.ValidateStreamURL(rawURL); err != nil {
		return nil, newOriginError(ErrOriginProtocol, rawURL, 0, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel(nil)
		return nil, newOriginError(ErrOriginProtocol, rawURL, 0, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "*/*")
	if acceptEncoding != "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	c.requests.Add(1)
	resp, err := c.client.Do(req)
	if err != nil {
		cancel(nil)
		return nil, c.classify(ctx, reqCtx, rawURL, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel(nil)
		return nil, newOriginError(ErrOriginUnreachable, rawURL, resp.StatusCode,
			fmt.Errorf("unexpected status %s", resp.Status))
	}

	s := &OriginStream{
		connector: c,
		resp:      resp,
		url:       rawURL,
		finalURL:  resp.Request.URL.String(),
		parentCtx: ctx,
		ctx:       reqCtx,
		cancel:    cancel,
		stall:     c.config.StallTimeout,
	}
	s.timer = time.AfterFunc(s.stall, func() {
		cancel(ErrOriginStalled)
	})
	c.openStreams.Add(1)
	return s, nil
}

// FetchResult is the body of a bounded origin request.
type FetchResult struct {
	Data        []byte
	ContentType string
	// URL is the final URL after redirects, used to resolve relative references.
	URL string
}

// Fetch performs a bounded GET for playlists, segments, keys and init sections.
// Bodies larger than limit fail with ErrFormat. Brotli and gzip encodings are decoded.
func (c *OriginConnector) Fetch(ctx context.Context, rawURL string, limit int64) (*FetchResult, error) {
	s, err := c.open(ctx, rawURL, "br, gzip")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	body, err := s.decoded()
	if err != nil {
		return nil, formatError(rawURL, "decoding response: %v", err)
	}

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		if serr := s.Err(); serr != nil {
			return nil, serr
		}
		return nil, newOriginError(ErrOriginUnreachable, rawURL, 0, err)
	}
	if int64(len(data)) > limit {
		return nil, formatError(rawURL, "response exceeds %d bytes", limit)
	}

	return &FetchResult{
		Data:        data,
		ContentType: s.resp.Header.Get("Content-Type"),
		URL:         s.finalURL,
	}, nil
}

// classify maps a transport error to the relay taxonomy. Cancellation of the caller's
// context is returned unchanged so shutdown is not mistaken for an origin failure.
func (c *OriginConnector) classify(parent, reqCtx context.Context, rawURL string, err error) error {
	// *url.Error repeats the unredacted URL.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if errors.Is(context.Cause(reqCtx), ErrOriginStalled) {
		return newOriginError(ErrOriginStalled, rawURL, 0, err)
	}
	if parent.Err() != nil {
		return parent.Err()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newOriginError(ErrOriginTimeout, rawURL, 0, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newOriginError(ErrOriginTimeout, rawURL, 0, err)
	}
	if strings.Contains(err.Error(), "unsupported protocol scheme") {
		return newOriginError(ErrOriginProtocol, rawURL, 0, err)
	}
	return newOriginError(ErrOriginUnreachable, rawURL, 0, err)
}

// Stats returns connector counters.
func (c *OriginConnector) Stats() ConnectorStats {
	return ConnectorStats{
		OpenStreams: c.openStreams.Load(),
		Requests:    c.requests.Load(),
		BytesRead:   c.bytesRead.Load(),
	}
}

// Close releases idle connections held by the connector's transport.
func (c *OriginConnector) Close() {
	c.client.CloseIdleConnections()
}

// OriginStream is a response body guarded by a stall detector.
type OriginStream struct {
	connector *OriginConnector
	resp      *http.Response
	url       string
	finalURL  string

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelCauseFunc
	timer     *time.Timer
	stall     time.Duration

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Read implements io.Reader. Every successful read re-arms the stall timer.
// End of stream is reported as io.EOF; transport failures are classified.
func (s *OriginStream) Read(p []byte) (int, error) {
	n, err := s.resp.Body.Read(p)
	if n > 0 {
		s.timer.Reset(s.stall)
		s.connector.bytesRead.Add(uint64(n))
	}
	if err != nil && !errors.Is(err, io.EOF) {
		err = s.connector.classify(s.parentCtx, s.ctx, s.url, err)
		s.setErr(err)
	}
	return n, err
}

func (s *OriginStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the first classified read failure, if any.
func (s *OriginStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// ContentType returns the response content type.
func (s *OriginStream) ContentType() string {
	return s.resp.Header.Get("Content-Type")
}

// URL returns the final URL after redirects.
func (s *OriginStream) URL() string {
	return s.finalURL
}

// Close stops the stall timer and closes the response body.
func (s *OriginStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.timer.Stop()
		err = s.resp.Body.Close()
		s.cancel(nil)
		s.connector.openStreams.Add(-1)
	})
	return err
}

// decoded wraps the stream with the decompressor named by Content-Encoding.
func (s *OriginStream) decoded() (io.Reader, error) {
	switch strings.ToLower(s.resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		return s, nil
	case "gzip":
		return gzip.NewReader(s)
	case "br":
		return brotli.NewReader(s), nil
	default:
		s.connector.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", s.resp.Header.Get("Content-Encoding")))
		return s, nil
	}
}
