package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/relay"
	"github.com/jmylchreest/tvrelay/internal/repository"
)

var (
	// ErrProbeInProgress is returned when a full probe run is already running.
	ErrProbeInProgress = errors.New("health probe already in progress")

	// ErrChannelNotFound is returned when probing or reporting for an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")
)

const (
	defaultConcurrency      = 4
	defaultOfflineThreshold = 3
	maxMessageLength        = 1024
	persistTimeout          = 5 * time.Second
)

// ChannelSource lists the channels to probe. The channel repository satisfies it.
type ChannelSource interface {
	GetActive(ctx context.Context) ([]*models.Channel, error)
	GetByID(ctx context.Context, id models.ULID) (*models.Channel, error)
}

// Notifier receives probe outcomes. The relay registry satisfies it; it never creates sessions.
type Notifier interface {
	NotifyHealth(channelID string, online bool)
}

// Metrics receives probe outcomes. internal/metrics provides the prometheus implementation.
type Metrics interface {
	ProbeCompleted(status string, latency time.Duration)
}

// AlertFunc is called once when a channel crosses the offline threshold.
type AlertFunc func(ctx context.Context, ch *models.Channel, consecutive int, rec *models.HealthRecord)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Concurrency bounds parallel probes in one run.
	Concurrency int
	// OfflineThreshold is the number of consecutive offline probes that raises an alert.
	OfflineThreshold int
}

// ChannelHealth is the latest known health of one channel.
type ChannelHealth struct {
	ChannelID          string              `json:"channel_id"`
	Status             models.HealthStatus `json:"status"`
	ConsecutiveOffline int                 `json:"consecutive_offline"`
	Alerted            bool                `json:"alerted"`
	LastCheck          time.Time           `json:"last_check"`
	LatencyMs          int64               `json:"latency_ms"`
	ErrorCode          string              `json:"error_code,omitempty"`
}

// RunSummary describes one ProbeAll run.
type RunSummary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Probed    int           `json:"probed"`
	Online    int           `json:"online"`
	Offline   int           `json:"offline"`
}

// Summary aggregates the latest health of every active channel.
type Summary struct {
	Channels int         `json:"channels"`
	Online   int         `json:"online"`
	Offline  int         `json:"offline"`
	Unknown  int         `json:"unknown"`
	Alerting int         `json:"alerting"`
	LastRun  *RunSummary `json:"last_run,omitempty"`
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithNotifier forwards probe outcomes to n.
func WithNotifier(n Notifier) MonitorOption {
	return func(m *Monitor) { m.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// WithAlertFunc sets the offline alert hook.
func WithAlertFunc(f AlertFunc) MonitorOption {
	return func(m *Monitor) { m.alert = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// Monitor runs probes across channels and maintains the HealthRecord log.
type Monitor struct {
	config   MonitorConfig
	prober   *Prober
	channels ChannelSource
	records  repository.HealthRecordRepository
	notifier Notifier
	metrics  Metrics
	alert    AlertFunc
	logger   *slog.Logger

	latest  *xsync.MapOf[string, ChannelHealth]
	running atomic.Bool

	mu      sync.Mutex
	lastRun *RunSummary
}

// NewMonitor creates a health monitor.
func NewMonitor(config MonitorConfig, prober *Prober, channels ChannelSource, records repository.HealthRecordRepository, opts ...MonitorOption) *Monitor {
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.OfflineThreshold <= 0 {
		config.OfflineThreshold = defaultOfflineThreshold
	}
	m := &Monitor{
		config:   config,
		prober:   prober,
		channels: channels,
		records:  records,
		logger:   slog.Default(),
		latest:   xsync.NewMapOf[string, ChannelHealth](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "health.monitor"))
	return m
}

// ProbeAll probes every active channel with bounded concurrency.
func (m *Monitor) ProbeAll(ctx context.Context) (RunSummary, error) {
	if !m.running.CompareAndSwap(false, true) {
		return RunSummary{}, ErrProbeInProgress
	}
	defer m.running.Store(false)

	run := RunSummary{StartedAt: time.Now()}
	channels, err := m.channels.GetActive(ctx)
	if err != nil {
		return run, fmt.Errorf("listing channels: %w", err)
	}

	var online, offline atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for _, ch := range channels {
		g.Go(func() error {
			rec := m.prober.Probe(gctx, ch)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := m.observe(gctx, ch, rec); err != nil {
				return err
			}
			if rec.Online() {
				online.Add(1)
			} else {
				offline.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	run.Online = int(online.Load())
	run.Offline = int(offline.Load())
	run.Probed = run.Online + run.Offline
	run.Duration = time.Since(run.StartedAt)

	m.mu.Lock()
	m.lastRun = &run
	m.mu.Unlock()

	if err != nil {
		return run, fmt.Errorf("probing channels: %w", err)
	}
	m.logger.InfoContext(ctx, "health probe run completed",
		slog.Int("probed", run.Probed),
		slog.Int("online", run.Online),
		slog.Int("offline", run.Offline),
		slog.Duration("duration", run.Duration))
	return run, nil
}

// ProbeChannel probes one channel now and records the outcome.
func (m *Monitor) ProbeChannel(ctx context.Context, id models.ULID) (*models.HealthRecord, error) {
	ch, err := m.channels.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up channel: %w", err)
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}

	rec := m.prober.Probe(ctx, ch)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.observe(ctx, ch, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// observe persists a probe record and updates the latest-status table.
func (m *Monitor) observe(ctx context.Context, ch *models.Channel, rec *models.HealthRecord) error {
	rec.Message = truncate(rec.Message)
	if err := m.records.Create(ctx, rec); err != nil {
		return fmt.Errorf("recording health of %s: %w", ch.ID, err)
	}

	if m.metrics != nil {
		m.metrics.ProbeCompleted(string(rec.Status), time.Duration(rec.LatencyMs)*time.Millisecond)
	}

	id := ch.ID.String()
	var crossed bool
	state, _ := m.latest.Compute(id, func(old ChannelHealth, _ bool) (ChannelHealth, bool) {
		next := ChannelHealth{
			ChannelID: id,
			Status:    rec.Status,
			LastCheck: rec.CreatedAt,
			LatencyMs: rec.LatencyMs,
			ErrorCode: rec.ErrorCode,
		}
		if !rec.Online() {
			next.ConsecutiveOffline = old.ConsecutiveOffline + 1
			next.Alerted = old.Alerted
			if !next.Alerted && next.ConsecutiveOffline >= m.config.OfflineThreshold {
				next.Alerted = true
				crossed = true
			}
		}
		return next, false
	})

	logger := m.logger.With(slog.String("channel_id", id), slog.String("channel", ch.Name))
	if rec.Online() {
		logger.DebugContext(ctx, "channel online", slog.Int64("latency_ms", rec.LatencyMs))
	} else {
		logger.DebugContext(ctx, "channel offline",
			slog.String("error_code", rec.ErrorCode),
			slog.Int("consecutive", state.ConsecutiveOffline))
	}

	if crossed {
		logger.WarnContext(ctx, "channel offline threshold reached",
			slog.Int("consecutive", state.ConsecutiveOffline),
			slog.String("error_code", rec.ErrorCode))
		if m.alert != nil {
			m.alert(ctx, ch, state.ConsecutiveOffline, rec)
		}
	}

	if m.notifier != nil {
		m.notifier.NotifyHealth(id, rec.Online())
	}
	return nil
}

// Latest returns the latest known health of a channel.
func (m *Monitor) Latest(channelID string) (ChannelHealth, bool) {
	return m.latest.Load(channelID)
}

// Summary aggregates the latest status of every active channel. Channels not probed since
// start are read from the record log.
func (m *Monitor) Summary(ctx context.Context) (Summary, error) {
	channels, err := m.channels.GetActive(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing channels: %w", err)
	}

	sum := Summary{Channels: len(channels)}
	for _, ch := range channels {
		state, ok := m.latest.Load(ch.ID.String())
		if !ok {
			rec, err := m.records.Latest(ctx, ch.ID)
			if err != nil {
				return Summary{}, err
			}
			if rec == nil {
				sum.Unknown++
				continue
			}
			state = ChannelHealth{ChannelID: ch.ID.String(), Status: rec.Status, LastCheck: rec.CreatedAt}
		}
		if state.Status == models.HealthOnline {
			sum.Online++
		} else {
			sum.Offline++
		}
		if state.Alerted {
			sum.Alerting++
		}
	}

	m.mu.Lock()
	if m.lastRun != nil {
		run := *m.lastRun
		sum.LastRun = &run
	}
	m.mu.Unlock()
	return sum, nil
}

// OfflineCount returns the number of channels whose latest probe was offline.
func (m *Monitor) OfflineCount() int {
	n := 0
	m.latest.Range(func(_ string, state ChannelHealth) bool {
		if state.Status == models.HealthOffline {
			n++
		}
		return true
	})
	return n
}

// Records returns the newest records for a channel.
func (m *Monitor) Records(ctx context.Context, channelID models.ULID, limit int) ([]*models.HealthRecord, error) {
	return m.records.ListByChannel(ctx, channelID, limit)
}

// PlaybackError is a viewer-reported playback failure.
type PlaybackError struct {
	HTTPStatus int
	Code       string
	Message    string
}

// RecordPlaybackError appends a viewer-reported offline record. It does not change the
// probe-driven status of the channel.
func (m *Monitor) RecordPlaybackError(ctx context.Context, channelID models.ULID, report PlaybackError) (*models.HealthRecord, error) {
	ch, err := m.channels.GetByID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("looking up channel: %w", err)
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}

	code := report.Code
	if code == "" {
		code = "playback_error"
	}
	rec := &models.HealthRecord{
		ChannelID:  ch.ID,
		Status:     models.HealthOffline,
		Source:     models.HealthSourceViewer,
		HTTPStatus: report.HTTPStatus,
		ErrorCode:  truncateCode(code),
		Message:    truncate(report.Message),
	}
	if err := m.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording playback error: %w", err)
	}
	m.logger.InfoContext(ctx, "viewer reported playback error",
		slog.String("channel_id", ch.ID.String()),
		slog.String("error_code", rec.ErrorCode))
	return rec, nil
}

// RecordSessionFailure appends a relay-sourced offline record for a session that failed.
// Its signature matches relay.SessionFailedFunc.
func (m *Monitor) RecordSessionFailure(ctx context.Context, status relay.SessionStatus, err error) {
	id, perr := models.ParseULID(status.ChannelID)
	if perr != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	code := status.LastErrorKind
	if code == "" {
		code = relay.ErrorKind(err)
	}
	rec := &models.HealthRecord{
		ChannelID: id,
		Status:    models.HealthOffline,
		Source:    models.HealthSourceRelay,
		ErrorCode: truncateCode("relay_" + code),
	}
	if err != nil {
		rec.Message = truncate(err.Error())
	}
	var oe *relay.OriginError
	if errors.As(err, &oe) {
		rec.HTTPStatus = oe.StatusCode
	}

	if cerr := m.records.Create(ctx, rec); cerr != nil {
		m.logger.ErrorContext(ctx, "failed to record session failure",
			slog.String("channel_id", status.ChannelID),
			slog.Any("error", cerr))
	}
}

// Prune deletes records older than the retention period, optionally for one channel only.
func (m *Monitor) Prune(ctx context.Context, olderThan time.Duration, channelID *models.ULID) (int64, error) {
	removed, err := m.records.DeleteOlderThan(ctx, time.Now().Add(-olderThan), channelID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.InfoContext(ctx, "pruned health records",
			slog.Int64("removed", removed),
			slog.Duration("older_than", olderThan))
	}
	return removed, nil
}

func truncate(s string) string {
	if len(s) <= maxMessageLength {
		return s
	}
	return s[:maxMessageLength]
}

func truncateCode(s string) string {
	const maxCode = 64
	if len(s) <= maxCode {
		return s
	}
	return s[:maxCode]
}

var _ relay.SessionFailedFunc = (*Monitor)(nil).RecordSessionFailure
