package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/tvrelay/internal/models"
)

// RegistryConfig holds configuration for the session registry.
type RegistryConfig struct {
	Connector  ConnectorConfig
	Normalizer NormalizerConfig
	Ring       SegmentRingConfig
	Backoff    BackoffPolicy

	// GracePeriod is how long a session with no viewers is kept before teardown.
	GracePeriod time.Duration
	// FailureCooldown rejects attaches to a failed channel for this long. Zero retries at once.
	FailureCooldown time.Duration
	// ViewerIdleTimeout detaches viewers that have not been seen for this long.
	ViewerIdleTimeout time.Duration
	// ReapInterval is how often idle viewers are checked.
	ReapInterval time.Duration
	// MaxSessions limits concurrent sessions. Zero is unlimited.
	MaxSessions int
	// MaxAssets limits the keys and init sections held per session.
	MaxAssets int
}

// DefaultRegistryConfig returns sensible defaults for the registry.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Connector:         DefaultConnectorConfig(),
		Normalizer:        DefaultNormalizerConfig(),
		Ring:              DefaultSegmentRingConfig(),
		Backoff:           DefaultBackoffPolicy(),
		GracePeriod:       DefaultGracePeriod,
		ViewerIdleTimeout: DefaultViewerIdleTimeout,
		ReapInterval:      DefaultReapInterval,
		MaxAssets:         DefaultMaxAssets,
	}
}

// ChannelLookup resolves channel records. The channel repository satisfies it.
type ChannelLookup interface {
	GetByID(ctx context.Context, id models.ULID) (*models.Channel, error)
}

// SessionFailedFunc is called once a session reaches the failed state.
type SessionFailedFunc func(ctx context.Context, status SessionStatus, err error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNormalizerFactory overrides how normalizers are built.
func WithNormalizerFactory(f NormalizerFactory) RegistryOption {
	return func(r *Registry) {
		r.factory = f
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithOnSessionFailed registers a hook for failed sessions.
func WithOnSessionFailed(f SessionFailedFunc) RegistryOption {
	return func(r *Registry) {
		r.onFailed = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.base = l
		}
	}
}

// Registry is the single owner of relay sessions. Attach, detach and the teardown decision
// are serialized on one mutex so a channel never has more than one session.
type Registry struct {
	config   RegistryConfig
	channels ChannelLookup
	factory  NormalizerFactory
	metrics  Metrics
	onFailed SessionFailedFunc
	base     *slog.Logger
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*RelaySession
	pending  map[string]*pendingSession
	failed   map[string]failedSession
	viewers  map[string]*ViewerHandle
	closed   bool

	connectorsCreated atomic.Uint64
	sessionsFailed    atomic.Uint64
}

// pendingSession lets concurrent attaches wait for the one channel lookup in flight.
type pendingSession struct {
	done chan struct{}
	err  error
}

type failedSession struct {
	at     time.Time
	status SessionStatus
}

// NewRegistry creates a session registry.
func NewRegistry(config RegistryConfig, channels ChannelLookup, opts ...RegistryOption) *Registry {
	d := DefaultRegistryConfig()
	if config.Backoff.Base <= 0 {
		config.Backoff.Base = d.Backoff.Base
	}
	if config.Backoff.Max <= 0 {
		config.Backoff.Max = d.Backoff.Max
	}
	if config.Backoff.MaxAttempts <= 0 {
		config.Backoff.MaxAttempts = d.Backoff.MaxAttempts
	}
	if config.GracePeriod < 0 {
		config.GracePeriod = 0
	}
	if config.ViewerIdleTimeout <= 0 {
		config.ViewerIdleTimeout = d.ViewerIdleTimeout
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = d.ReapInterval
	}

	r := &Registry{
		config:   config,
		channels: channels,
		metrics:  noopMetrics{},
		base:     slog.Default(),
		sessions: make(map[string]*RelaySession),
		pending:  make(map[string]*pendingSession),
		failed:   make(map[string]failedSession),
		viewers:  make(map[string]*ViewerHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = NewNormalizerFactory(config.Normalizer)
	}
	r.logger = r.base.With(slog.String("component", "relay.registry"))
	return r
}

// Attach returns a viewer handle for channelID, creating the channel's session if none exists.
func (r *Registry) Attach(ctx context.Context, channelID string, info ViewerInfo) (*ViewerHandle, error) {
	id, err := models.ParseULID(channelID)
	if err != nil {
		return nil, ErrChannelNotFound
	}
	channelID = id.String()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}

		if s := r.sessions[channelID]; s != nil {
			h := r.attachLocked(s, info)
			r.mu.Unlock()
			return h, nil
		}

		if p := r.pending[channelID]; p != nil {
			r.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The creator's own cancellation is not a verdict on the channel.
			if p.err != nil && !errors.Is(p.err, context.Canceled) && !errors.Is(p.err, context.DeadlineExceeded) {
				return nil, p.err
			}
			continue
		}

		if f, ok := r.failed[channelID]; ok && r.config.FailureCooldown > 0 && time.Since(f.at) < r.config.FailureCooldown {
			r.mu.Unlock()
			return nil, ErrChannelUnavailable
		}
		if r.config.MaxSessions > 0 && len(r.sessions)+len(r.pending) >= r.config.MaxSessions {
			r.mu.Unlock()
			return nil, ErrSessionLimit
		}

		p := &pendingSession{done: make(chan struct{})}
		r.pending[channelID] = p
		r.mu.Unlock()

		src, err := r.resolve(ctx, id)

		r.mu.Lock()
		delete(r.pending, channelID)
		if err == nil && r.closed {
			err = ErrRegistryClosed
		}
		if err != nil {
			p.err = err
			close(p.done)
			r.mu.Unlock()
			return nil, err
		}

		s := r.newSessionLocked(src)
		h := r.attachLocked(s, info)
		close(p.done)
		r.mu.Unlock()
		return h, nil
	}
}

// resolve reads the channel record. It runs outside the registry lock.
func (r *Registry) resolve(ctx context.Context, id models.ULID) (ChannelSource, error) {
	ch, err := r.channels.GetByID(ctx, id)
	if err != nil {
		return ChannelSource{}, fmt.Errorf("looking up channel: %w", err)
	}
	if ch == nil {
		return ChannelSource{}, ErrChannelNotFound
	}
	if !ch.Active() {
		return ChannelSource{}, ErrChannelInactive
	}
	return ChannelSource{
		ID:        id.String(),
		Name:      ch.Name,
		StreamURL: ch.StreamURL,
		Mode:      SelectMode(ParseStreamMode(string(ch.Format)), ch.StreamURL),
	}, nil
}

// newSessionLocked creates and starts a session. Caller holds r.mu.
func (r *Registry) newSessionLocked(src ChannelSource) *RelaySession {
	logger := r.base.With(
		slog.String("component", "relay.origin"),
		slog.String("channel_id", src.ID))
	connector := NewOriginConnector(r.config.Connector, logger)
	r.connectorsCreated.Add(1)

	s := newRelaySession(sessionParams{
		source:     src,
		ring:       r.config.Ring,
		connector:  connector,
		normalizer: r.factory(src.Mode, src.StreamURL, connector, logger),
		policy:     r.config.Backoff,
		target:     r.config.Normalizer.SegmentDuration,
		maxAssets:  r.config.MaxAssets,
		metrics:    r.metrics,
		logger:     r.base,
		onFailed:   r.sessionFailed,
	})
	if s.target <= 0 {
		s.target = DefaultSegmentDuration
	}

	r.sessions[src.ID] = s
	delete(r.failed, src.ID)
	s.start()
	return s
}

// attachLocked adds a viewer and cancels any pending teardown. Caller holds r.mu.
func (r *Registry) attachLocked(s *RelaySession, info ViewerInfo) *ViewerHandle {
	h := newViewerHandle(r, s, info)
	s.viewers[h.id] = h
	r.viewers[h.id] = h

	s.graceGen++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
		r.logger.Debug("viewer re-attached during grace period", slog.String("channel_id", s.channelID))
	}

	r.logger.Debug("viewer attached",
		slog.String("channel_id", s.channelID),
		slog.String("viewer_id", h.id),
		slog.Int("viewers", len(s.viewers)))
	return h
}

// Detach releases a viewer handle. It is idempotent.
func (r *Registry) Detach(h *ViewerHandle) {
	if h != nil {
		h.Detach()
	}
}

// release is called once per handle by ViewerHandle.Detach.
func (r *Registry) release(h *ViewerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := h.session
	delete(r.viewers, h.id)
	if _, ok := s.viewers[h.id]; !ok {
		return
	}
	delete(s.viewers, h.id)

	r.logger.Debug("viewer detached",
		slog.String("channel_id", s.channelID),
		slog.String("viewer_id", h.id),
		slog.Int("viewers", len(s.viewers)))

	if len(s.viewers) > 0 || r.sessions[s.channelID] != s {
		return
	}
	r.scheduleTeardownLocked(s)
}

// scheduleTeardownLocked arms the grace timer. A later attach bumps the generation, which
// invalidates the pending teardown. Caller holds r.mu.
func (r *Registry) scheduleTeardownLocked(s *RelaySession) {
	s.graceGen++
	gen := s.graceGen
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(r.config.GracePeriod, func() {
		r.expire(s, gen)
	})
	r.logger.Debug("last viewer left, grace period started",
		slog.String("channel_id", s.channelID),
		slog.Duration("grace_period", r.config.GracePeriod))
}

func (r *Registry) expire(s *RelaySession, gen uint64) {
	r.mu.Lock()
	if s.graceGen != gen || len(s.viewers) > 0 || r.sessions[s.channelID] != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.channelID)
	s.graceTimer = nil
	r.mu.Unlock()

	r.logger.Info("grace period elapsed, tearing down session", slog.String("channel_id", s.channelID))
	s.stop()
}

// sessionFailed removes a failed session. Its viewers keep their handles and see
// ErrChannelUnavailable until they detach.
func (r *Registry) sessionFailed(s *RelaySession, err error) {
	r.mu.Lock()
	viewers := r.viewerStatusesLocked(s)
	status := s.status(viewers)
	if r.sessions[s.channelID] == s {
		delete(r.sessions, s.channelID)
		r.failed[s.channelID] = failedSession{at: time.Now(), status: status}
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceGen++
	r.mu.Unlock()

	r.sessionsFailed.Add(1)
	if r.onFailed != nil {
		r.onFailed(context.Background(), status, err)
	}
}

// canonicalID normalizes the case of a ULID channel id.
func canonicalID(channelID string) string {
	if id, err := models.ParseULID(channelID); err == nil {
		return id.String()
	}
	return channelID
}

// Viewer returns an attached viewer by id.
func (r *Registry) Viewer(id string) (*ViewerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.viewers[id]
	return h, ok
}

// Session returns the live session for a channel.
func (r *Registry) Session(channelID string) (*RelaySession, bool) {
	channelID = canonicalID(channelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

func (r *Registry) viewerStatusesLocked(s *RelaySession) []ViewerStatus {
	out := make([]ViewerStatus, 0, len(s.viewers))
	for _, h := range s.viewers {
		out = append(out, h.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttachedAt.Before(out[j].AttachedAt) })
	return out
}

// Snapshot returns the status of one channel. Channels without a session report absent;
// a channel whose last session failed reports failed until the next attach.
func (r *Registry) Snapshot(channelID string) SessionStatus {
	channelID = canonicalID(channelID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[channelID]; ok {
		return s.status(r.viewerStatusesLocked(s))
	}
	if f, ok := r.failed[channelID]; ok {
		return f.status
	}
	return SessionStatus{ChannelID: channelID, State: StateAbsent}
}

// Snapshots returns the status of every live or failed session, ordered by channel id.
func (r *Registry) Snapshots() []SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionStatus, 0, len(r.sessions)+len(r.failed))
	for _, s := range r.sessions {
		out = append(out, s.status(r.viewerStatusesLocked(s)))
	}
	for id, f := range r.failed {
		if _, live := r.sessions[id]; !live {
			out = append(out, f.status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// RegistryStats holds registry counters.
type RegistryStats struct {
	Sessions          int                  `json:"sessions"`
	Viewers           int                  `json:"viewers"`
	ByState           map[SessionState]int `json:"by_state"`
	ConnectorsCreated uint64               `json:"connectors_created"`
	SessionsFailed    uint64               `json:"sessions_failed"`
}

// Stats returns registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RegistryStats{
		Sessions:          len(r.sessions),
		Viewers:           len(r.viewers),
		ByState:           make(map[SessionState]int),
		ConnectorsCreated: r.connectorsCreated.Load(),
		SessionsFailed:    r.sessionsFailed.Load(),
	}
	for _, s := range r.sessions {
		st.ByState[s.State()]++
	}
	return st
}

// NotifyHealth forwards a probe outcome. An online signal wakes a session waiting in backoff;
// nothing is ever created or restarted.
func (r *Registry) NotifyHealth(channelID string, online bool) {
	if !online {
		return
	}
	channelID = canonicalID(channelID)
	r.mu.Lock()
	s, ok := r.sessions[channelID]
	r.mu.Unlock()
	if ok {
		s.wakeUp()
	}
}

// Start runs the idle viewer reaper until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(time.Now())
		}
	}
}

// reapIdle detaches viewers not seen within the idle timeout.
func (r *Registry) reapIdle(now time.Time) int {
	r.mu.Lock()
	var idle []*ViewerHandle
	for _, h := range r.viewers {
		if h.info.Persistent {
			continue
		}
		if now.Sub(h.LastSeen()) > r.config.ViewerIdleTimeout {
			idle = append(idle, h)
		}
	}
	r.mu.Unlock()

	for _, h := range idle {
		r.logger.Debug("detaching idle viewer",
			slog.String("channel_id", h.channelID),
			slog.String("viewer_id", h.id))
		h.Detach()
	}
	return len(idle)
}

// Close stops every session. Attaches fail with ErrRegistryClosed afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*RelaySession, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.graceGen++
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *RelaySession) {
			defer wg.Done()
			s.stop()
		}(s)
	}
	wg.Wait()
	r.logger.Info("relay registry closed", slog.Int("sessions", len(sessions)))
}
