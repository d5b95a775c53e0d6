package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/tvrelay/internal/config"
	"github.com/jmylchreest/tvrelay/internal/database"
	"github.com/jmylchreest/tvrelay/internal/health"
	internalhttp "github.com/jmylchreest/tvrelay/internal/http"
	"github.com/jmylchreest/tvrelay/internal/http/handlers"
	"github.com/jmylchreest/tvrelay/internal/metrics"
	"github.com/jmylchreest/tvrelay/internal/models"
	"github.com/jmylchreest/tvrelay/internal/relay"
	"github.com/jmylchreest/tvrelay/internal/repository"
	"github.com/jmylchreest/tvrelay/internal/scheduler"
	"github.com/jmylchreest/tvrelay/internal/version"
)

// Scheduled task names.
const (
	taskHealthProbe = "health-probe"
	taskHealthPrune = "health-prune"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tvrelay server",
	Long: `Start the tvrelay HTTP server.

The server provides:
- Viewer routes at /relay/{channel_id} (HLS manifest) and /relay/{channel_id}/{segment_id}
- REST API for channels, relay sessions and channel health under /api/v1
- Liveness at /health and Prometheus metrics at /metrics
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database-driver", "sqlite", "Database driver (sqlite, postgres, mysql)")
	serveCmd.Flags().String("database", "tvrelay.db", "Database DSN or sqlite file path")
	serveCmd.Flags().Bool("no-health", false, "Disable scheduled health probes")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.driver", serveCmd.Flags().Lookup("database-driver"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
}

// store bundles the database and its repositories.
type store struct {
	db       *database.DB
	channels repository.ChannelRepository
	records  repository.HealthRecordRepository
}

// openStore connects to the database and migrates the schema.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*store, error) {
	db, err := database.New(cfg, logger.With(slog.String("component", "database")))
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &store{
		db:       db,
		channels: repository.NewChannelRepository(db.DB),
		records:  repository.NewHealthRecordRepository(db.DB),
	}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

// registryConfig maps relay settings onto the session registry.
func registryConfig(cfg config.RelayConfig) relay.RegistryConfig {
	rc := relay.DefaultRegistryConfig()
	rc.Connector.ConnectTimeout = cfg.ConnectTimeout
	rc.Connector.StallTimeout = cfg.StallTimeout
	if cfg.UserAgent != "" {
		rc.Connector.UserAgent = cfg.UserAgent
	}
	rc.Normalizer.SegmentDuration = cfg.SegmentDuration
	rc.Normalizer.StallTimeout = cfg.StallTimeout
	rc.Ring = relay.SegmentRingConfig{
		MaxSegments: cfg.BufferSegments,
		MaxBytes:    cfg.BufferMaxBytes.Bytes(),
	}
	rc.Backoff = relay.BackoffPolicy{
		Base:        cfg.BackoffBase,
		Max:         cfg.BackoffMax,
		MaxAttempts: cfg.MaxAttempts,
	}
	rc.GracePeriod = cfg.GracePeriod
	rc.FailureCooldown = cfg.FailureCooldown
	rc.ViewerIdleTimeout = cfg.ViewerIdleTimeout
	rc.MaxSessions = cfg.MaxSessions
	return rc
}

// newMonitor builds the health monitor over the store.
func newMonitor(cfg config.HealthConfig, st *store, logger *slog.Logger, opts ...health.MonitorOption) *health.Monitor {
	prober := health.NewProber(health.ProberConfig{
		Timeout:    cfg.Timeout,
		RangeBytes: cfg.RangeBytes,
	})
	opts = append(opts, health.WithLogger(logger))
	return health.NewMonitor(health.MonitorConfig{
		Concurrency:      cfg.Concurrency,
		OfflineThreshold: cfg.OfflineThreshold,
	}, prober, st.channels, st.records, opts...)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noHealth, _ := cmd.Flags().GetBool("no-health"); noHealth {
		cfg.Health.Enabled = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}()

	var (
		registryOpts []relay.RegistryOption
		monitorOpts  []health.MonitorOption
		extra        []func(http.Handler) http.Handler
		mt           *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		mt = metrics.New()
		registryOpts = append(registryOpts, relay.WithMetrics(mt))
		monitorOpts = append(monitorOpts, health.WithMetrics(mt))
		extra = append(extra, metrics.RequestMiddleware(mt))
	}

	// The monitor records relay failures and the registry receives probe outcomes, so the
	// failure hook is bound after both exist.
	var monitor *health.Monitor
	registryOpts = append(registryOpts,
		relay.WithLogger(logger),
		relay.WithOnSessionFailed(func(ctx context.Context, status relay.SessionStatus, err error) {
			monitor.RecordSessionFailure(ctx, status, err)
		}),
	)
	registry := relay.NewRegistry(registryConfig(cfg.Relay), st.channels, registryOpts...)
	defer registry.Close()

	monitor = newMonitor(cfg.Health, st, logger, append(monitorOpts,
		health.WithNotifier(registry),
		health.WithAlertFunc(func(ctx context.Context, ch *models.Channel, consecutive int, rec *models.HealthRecord) {
			logger.WarnContext(ctx, "channel offline",
				slog.String("channel_id", ch.ID.String()),
				slog.String("channel_name", ch.Name),
				slog.Int("consecutive_failures", consecutive),
				slog.String("error_code", rec.ErrorCode))
		}),
	)...)

	sched := scheduler.NewScheduler().WithLogger(logger)
	if cfg.Health.Enabled {
		if err := sched.Add(taskHealthProbe, cfg.Health.Schedule, func(ctx context.Context) error {
			_, err := monitor.ProbeAll(ctx)
			if errors.Is(err, health.ErrProbeInProgress) {
				return nil
			}
			return err
		}); err != nil {
			return fmt.Errorf("scheduling health probes: %w", err)
		}
	}
	if cfg.Health.Retention.Duration() > 0 {
		if err := sched.Add(taskHealthPrune, cfg.Health.PruneSchedule, func(ctx context.Context) error {
			_, err := monitor.Prune(ctx, cfg.Health.Retention.Duration(), nil)
			return err
		}); err != nil {
			return fmt.Errorf("scheduling health record pruning: %w", err)
		}
	}

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}, logger, version.Version, extra...)

	handlers.NewHealthHandler(version.Version).
		WithDB(st.db).
		WithRelay(registry).
		Register(server.API())
	handlers.NewChannelHandler(st.channels).Register(server.API())
	handlers.NewSessionHandler(registry, st.channels, monitor).Register(server.API())
	handlers.NewHealthRecordHandler(monitor).Register(server.API())
	handlers.NewRelayStreamHandler(registry, handlers.RelayStreamConfig{
		PlaylistSize:       cfg.Relay.PlaylistSize,
		SegmentWaitTimeout: cfg.Relay.SegmentWaitTimeout,
	}).WithLogger(logger).RegisterChiRoutes(server.Router())

	if mt != nil {
		server.Router().Method(http.MethodGet, cfg.Metrics.Path, mt.Handler(func() {
			mt.SetRegistryStats(registry.Stats())
			mt.SetChannelsOffline(monitor.OfflineCount())
		}))
	}

	logger.Info("starting tvrelay server",
		slog.String("address", server.Address()),
		slog.String("version", version.Version),
		slog.String("database", cfg.Database.Driver),
		slog.Bool("health_probes", cfg.Health.Enabled),
		slog.Bool("metrics", cfg.Metrics.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
