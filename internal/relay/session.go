package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/tvrelay/internal/urlutil"
)

// ChannelSource is the channel data a session is created from. It is read once; edits to the
// channel take effect when the next session is created.
type ChannelSource struct {
	ID        string
	Name      string
	StreamURL string
	Mode      StreamMode
}

// RelaySession is the single upstream connection of one channel together with its segment ring.
type RelaySession struct {
	id          string
	channelID   string
	channelName string
	originURL   string
	mode        StreamMode
	createdAt   time.Time

	ring       *SegmentRing
	connector  *OriginConnector
	normalizer Normalizer
	policy     BackoffPolicy
	target     time.Duration
	metrics    Metrics
	logger     *slog.Logger

	mu             sync.RWMutex
	state          SessionState
	failures       int
	reconnects     int
	lastErr        error
	lastErrAt      time.Time
	// backoffHistory holds the most recent retry delays, at most MaxAttempts of them.
	backoffHistory []time.Duration
	streamingSince time.Time
	lastActivity   time.Time
	retryAt        time.Time

	assetsMu   sync.RWMutex
	assets     map[string]*Asset
	assetOrder []string
	maxAssets  int

	lagEvents atomic.Uint64

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	onFailed func(*RelaySession, error)

	// Guarded by the registry mutex.
	viewers    map[string]*ViewerHandle
	graceGen   uint64
	graceTimer *time.Timer
}

type sessionParams struct {
	source     ChannelSource
	ring       SegmentRingConfig
	connector  *OriginConnector
	normalizer Normalizer
	policy     BackoffPolicy
	target     time.Duration
	maxAssets  int
	metrics    Metrics
	logger     *slog.Logger
	onFailed   func(*RelaySession, error)
}

func newRelaySession(p sessionParams) *RelaySession {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	if p.maxAssets <= 0 {
		p.maxAssets = DefaultMaxAssets
	}
	if p.metrics == nil {
		p.metrics = noopMetrics{}
	}

	s := &RelaySession{
		id:           uuid.NewString(),
		channelID:    p.source.ID,
		channelName:  p.source.Name,
		originURL:    p.source.StreamURL,
		mode:         p.normalizer.Mode(),
		createdAt:    now,
		ring:         NewSegmentRing(p.ring),
		connector:    p.connector,
		normalizer:   p.normalizer,
		policy:       p.policy,
		target:       p.target,
		metrics:      p.metrics,
		state:        StateConnecting,
		lastActivity: now,
		assets:       make(map[string]*Asset),
		maxAssets:    p.maxAssets,
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		onFailed:     p.onFailed,
		viewers:      make(map[string]*ViewerHandle),
	}
	s.logger = p.logger.With(
		slog.String("component", "relay.session"),
		slog.String("channel_id", s.channelID),
		slog.String("session_id", s.id),
	)
	return s
}

// ID returns the session id.
func (s *RelaySession) ID() string {
	return s.id
}

// ChannelID returns the channel the session relays.
func (s *RelaySession) ChannelID() string {
	return s.channelID
}

// Mode returns the normalizer mode.
func (s *RelaySession) Mode() StreamMode {
	return s.mode
}

// State returns the current connection state.
func (s *RelaySession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ring returns the session's segment ring.
func (s *RelaySession) Ring() *SegmentRing {
	return s.ring
}

// TargetDuration returns the configured segment duration.
func (s *RelaySession) TargetDuration() time.Duration {
	return s.target
}

// Done is closed when the session's run loop has exited.
func (s *RelaySession) Done() <-chan struct{} {
	return s.done
}

func (s *RelaySession) start() {
	s.metrics.SessionStarted(s.mode)
	s.logger.Info("relay session starting",
		slog.String("mode", s.mode.String()),
		slog.String("origin", urlutil.Redact(s.originURL)))
	go s.run()
}

// run drives the connect, stream, backoff cycle until the session is stopped or fails.
func (s *RelaySession) run() {
	defer close(s.done)

	for {
		err := s.normalizer.Run(s.ctx, s)
		if s.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = newOriginError(ErrOriginUnreachable, s.originURL, 0, errors.New("normalizer stopped"))
		}

		kind := ErrorKind(err)
		s.metrics.OriginFailure(kind)

		s.mu.Lock()
		s.failures++
		attempt := s.failures
		s.lastErr = err
		s.lastErrAt = time.Now()
		permanent := IsPermanent(err)
		exhausted := s.policy.Exhausted(attempt)
		if permanent || exhausted {
			s.mu.Unlock()
			s.fail(err, permanent)
			return
		}

		delay := s.policy.Delay(attempt)
		s.backoffHistory = append(s.backoffHistory, delay)
		if limit := max(s.policy.MaxAttempts, 1); len(s.backoffHistory) > limit {
			s.backoffHistory = append(s.backoffHistory[:0:0], s.backoffHistory[len(s.backoffHistory)-limit:]...)
		}
		prev := s.state
		if prev == StateStreaming || prev == StateReconnecting {
			s.state = StateReconnecting
		}
		s.mu.Unlock()

		if s.ring.Stats().Published > 0 {
			s.ring.MarkDiscontinuity()
		}
		s.metrics.ReconnectScheduled()
		s.logger.Warn("origin failed, retrying",
			slog.String("error", err.Error()),
			slog.String("kind", kind),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.policy.MaxAttempts),
			slog.Duration("delay", delay))

		if !s.sleep(delay) {
			return
		}
	}
}

// sleep waits for the backoff delay. A health signal received during the wait cuts it short;
// signals from before the wait are discarded. It reports false when the session was stopped.
func (s *RelaySession) sleep(d time.Duration) bool {
	select {
	case <-s.wake:
	default:
	}
	s.mu.Lock()
	s.retryAt = time.Now().Add(d)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.retryAt = time.Time{}
		s.mu.Unlock()
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	case <-s.wake:
		s.logger.Info("origin reported online, retrying early")
		return true
	}
}

func (s *RelaySession) fail(err error, permanent bool) {
	s.mu.Lock()
	s.state = StateFailed
	history := append([]time.Duration(nil), s.backoffHistory...)
	s.mu.Unlock()

	s.ring.Close(fmt.Errorf("%w: %w", ErrChannelUnavailable, err))
	s.connector.Close()
	s.metrics.SessionFailed(ErrorKind(err))
	s.logger.Error("relay session failed",
		slog.String("error", err.Error()),
		slog.Bool("permanent", permanent),
		slog.Any("backoff", history))

	if s.onFailed != nil {
		s.onFailed(s, err)
	}
}

// RetryAt returns when the pending backoff ends, if the session is waiting in one.
func (s *RelaySession) RetryAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryAt, !s.retryAt.IsZero()
}

// wakeUp interrupts a pending backoff. It does nothing unless the session is waiting in one.
func (s *RelaySession) wakeUp() {
	if _, waiting := s.RetryAt(); !waiting {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop tears the session down and waits for the run loop to exit.
func (s *RelaySession) stop() {
	s.cancel()
	<-s.done
	s.ring.Close(ErrChannelUnavailable)
	s.ring.Release()
	s.connector.Close()

	s.assetsMu.Lock()
	s.assets = make(map[string]*Asset)
	s.assetOrder = nil
	s.assetsMu.Unlock()

	s.logger.Info("relay session stopped",
		slog.Duration("lifetime", time.Since(s.createdAt).Round(time.Second)))
}

// Publish implements SegmentSink. The first segment after a (re)connect moves the session to
// streaming and resets the retry budget.
func (s *RelaySession) Publish(seg *Segment) error {
	if _, err := s.ring.Publish(seg); err != nil {
		return err
	}
	s.metrics.SegmentPublished(s.mode, seg.Size())

	now := time.Now()
	s.mu.Lock()
	s.lastActivity = now
	prev := s.state
	if prev != StateStreaming {
		s.state = StateStreaming
		s.streamingSince = now
		s.failures = 0
		if prev == StateReconnecting {
			s.reconnects++
		}
	}
	s.mu.Unlock()

	if prev != StateStreaming {
		s.logger.Info("relay session streaming", slog.String("from", prev.String()))
	}
	return nil
}

// PutAsset implements SegmentSink. The oldest assets are dropped beyond the limit.
func (s *RelaySession) PutAsset(a *Asset) {
	s.assetsMu.Lock()
	defer s.assetsMu.Unlock()

	if _, ok := s.assets[a.ID]; !ok {
		s.assetOrder = append(s.assetOrder, a.ID)
	}
	s.assets[a.ID] = a
	for len(s.assetOrder) > s.maxAssets {
		delete(s.assets, s.assetOrder[0])
		s.assetOrder = s.assetOrder[1:]
	}
}

// HasAsset implements SegmentSink.
func (s *RelaySession) HasAsset(id string) bool {
	s.assetsMu.RLock()
	defer s.assetsMu.RUnlock()
	_, ok := s.assets[id]
	return ok
}

// Asset returns a stored key or init section.
func (s *RelaySession) Asset(id string) (*Asset, bool) {
	s.assetsMu.RLock()
	defer s.assetsMu.RUnlock()
	a, ok := s.assets[id]
	return a, ok
}

// WaitReady blocks until the first segment is available, the session fails, or ctx is done.
func (s *RelaySession) WaitReady(ctx context.Context) error {
	_, next := s.ring.Window()
	if next > 0 {
		return nil
	}
	return s.ring.Wait(ctx, 0)
}

// WritePlaylist renders the newest size segments as a live media playlist. lagged adds a
// leading discontinuity for a viewer that was skipped ahead.
func (s *RelaySession) WritePlaylist(w io.Writer, size int, lagged bool, uri func(string) string) error {
	if err := s.ring.Err(); err != nil && s.ring.Len() == 0 {
		return err
	}
	segs, discSeq := s.ring.PlaylistWindow(size)
	return RenderPlaylist(w, PlaylistOptions{
		Segments:              segs,
		DiscontinuitySequence: discSeq,
		MinTargetDuration:     s.target.Seconds(),
		LeadingDiscontinuity:  lagged,
		URI:                   uri,
		Asset:                 s.Asset,
	})
}

func (s *RelaySession) recordLag() {
	s.lagEvents.Add(1)
	s.metrics.ViewerLagged()
}

// SessionStatus is a point-in-time view of a session for operational dashboards.
type SessionStatus struct {
	ChannelID           string           `json:"channel_id"`
	ChannelName         string           `json:"channel_name,omitempty"`
	SessionID           string           `json:"session_id,omitempty"`
	State               SessionState     `json:"state"`
	Available           bool             `json:"available"`
	Mode                string           `json:"mode,omitempty"`
	OriginURL           string           `json:"origin_url,omitempty"`
	Viewers             int              `json:"viewers"`
	CreatedAt           *time.Time       `json:"created_at,omitempty"`
	StreamingSince      *time.Time       `json:"streaming_since,omitempty"`
	UptimeSeconds       float64          `json:"uptime_seconds"`
	LastActivity        *time.Time       `json:"last_activity,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Reconnects          int              `json:"reconnects"`
	LastError           string           `json:"last_error,omitempty"`
	LastErrorKind       string           `json:"last_error_kind,omitempty"`
	LastErrorAt         *time.Time       `json:"last_error_at,omitempty"`
	BackoffHistory      []string         `json:"backoff_history,omitempty"`
	NextRetryAt         *time.Time       `json:"next_retry_at,omitempty"`
	LagEvents           uint64           `json:"lag_events"`
	Buffer              SegmentRingStats `json:"buffer"`
	Connector           ConnectorStats   `json:"connector"`
	ViewerDetails       []ViewerStatus   `json:"viewer_details,omitempty"`
}

// BackoffDelays returns the recorded backoff delays.
func (s *RelaySession) BackoffDelays() []time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]time.Duration(nil), s.backoffHistory...)
}

// status builds a snapshot. viewers is collected by the registry under its lock.
func (s *RelaySession) status(viewers []ViewerStatus) SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	created := s.createdAt
	activity := s.lastActivity
	st := SessionStatus{
		ChannelID:           s.channelID,
		ChannelName:         s.channelName,
		SessionID:           s.id,
		State:               s.state,
		Available:           s.state.Available(),
		Mode:                s.mode.String(),
		OriginURL:           urlutil.Redact(s.originURL),
		Viewers:             len(viewers),
		CreatedAt:           &created,
		LastActivity:        &activity,
		ConsecutiveFailures: s.failures,
		Reconnects:          s.reconnects,
		LagEvents:           s.lagEvents.Load(),
		Buffer:              s.ring.Stats(),
		Connector:           s.connector.Stats(),
		ViewerDetails:       viewers,
	}
	if s.state == StateStreaming {
		since := s.streamingSince
		st.StreamingSince = &since
		st.UptimeSeconds = time.Since(since).Seconds()
	}
	if s.lastErr != nil {
		at := s.lastErrAt
		st.LastError = s.lastErr.Error()
		st.LastErrorKind = ErrorKind(s.lastErr)
		st.LastErrorAt = &at
	}
	for _, d := range s.backoffHistory {
		st.BackoffHistory = append(st.BackoffHistory, d.String())
	}
	if !s.retryAt.IsZero() {
		at := s.retryAt
		st.NextRetryAt = &at
	}
	return st
}
