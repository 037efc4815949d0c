package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/flowsched/internal/analytics"
	"github.com/djlord-it/flowsched/internal/api"
	"github.com/djlord-it/flowsched/internal/circuitbreaker"
	"github.com/djlord-it/flowsched/internal/condition"
	"github.com/djlord-it/flowsched/internal/config"
	"github.com/djlord-it/flowsched/internal/cron"
	"github.com/djlord-it/flowsched/internal/dispatcher"
	"github.com/djlord-it/flowsched/internal/domain"
	"github.com/djlord-it/flowsched/internal/flowindex"
	"github.com/djlord-it/flowsched/internal/flowrepo"
	"github.com/djlord-it/flowsched/internal/lifecycle"
	"github.com/djlord-it/flowsched/internal/logging"
	"github.com/djlord-it/flowsched/internal/metrics"
	"github.com/djlord-it/flowsched/internal/notify"
	"github.com/djlord-it/flowsched/internal/reconciler"
	"github.com/djlord-it/flowsched/internal/scheduler"
	"github.com/djlord-it/flowsched/internal/store/sqlstore"
	"github.com/djlord-it/flowsched/internal/transport/channel"
)

const (
	busBuffer       = 100
	analyticsWindow = time.Minute

	executorStatusAttempts = 5
	executorStatusDelay    = 200 * time.Millisecond
)

// defaultSchedulerID is the hostname plus a short random suffix, so two
// processes on one host never share a lease owner.
func defaultSchedulerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "flowsched"
	}
	return host + "-" + uuid.NewString()[:8]
}

func runServe(ctx context.Context, cfg config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return invalidConfig(err)
	}
	if cfg.SchedulerID == "" {
		cfg.SchedulerID = defaultSchedulerID()
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return invalidConfig(err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("scheduler_id", cfg.SchedulerID))

	logConfigWarnings(logger, cfg)

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	dialect, err := sqlstore.DialectFor(cfg.DatabaseDriver)
	if err != nil {
		return invalidConfig(err)
	}
	db, err := sqlstore.Open(ctx, dialect, cfg.DatabaseURL, sqlstore.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		BusyTimeout:  cfg.DBOpTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := sqlstore.Migrate(ctx, db, dialect, logger)
	if err != nil {
		return err
	}
	logger.Info("database ready",
		zap.String("driver", dialect.Name),
		zap.Int("migrations_applied", applied),
		zap.Int("max_open_conns", cfg.DBMaxOpenConns))
	store := sqlstore.New(db, dialect)

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	} else {
		logger.Info("metrics disabled")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup; notifications and analytics will retry",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
	}

	repo := flowrepo.NewDir(cfg.FlowsDir, logger)
	index := flowindex.New(flowindex.Config{
		RefreshInterval: cfg.FlowsRefreshInterval,
		DefaultCatchUp:  domain.CatchUpPolicy(cfg.CatchUpPolicy),
	}, repo, cron.NewParser(), logger).WithMetrics(sink)

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return err
	}

	var components []lifecycle.Component

	var creator dispatcher.ExecutionCreator
	switch cfg.ExecutionMode {
	case "channel":
		bus := channel.NewBus(busBuffer, channel.WithMetrics(sink), channel.WithLogger(logger))
		creator = bus
		components = append(components, lifecycle.Component{
			Name: "executor",
			Run: func(ctx context.Context) error {
				bus.Consume(ctx, embeddedExecutor(store, logger))
				return nil
			},
		})
	default:
		creator = dispatcher.NewWebhookCreator(cfg.ExecutionURL, cfg.ExecutionSecret, &http.Client{})
	}

	breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	disp := dispatcher.New(creator, logger).
		WithTimeout(cfg.DispatchTimeout).
		WithCircuitBreaker(breaker).
		WithMetrics(sink)
	if redisClient != nil {
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient, logger), domain.AnalyticsConfig{
			Enabled:   true,
			Window:    analyticsWindow,
			Retention: cfg.AnalyticsRetention,
		})
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.OwnerID = cfg.SchedulerID
	schedCfg.TickInterval = cfg.TickInterval
	schedCfg.LeaseDuration = cfg.LeaseDuration
	schedCfg.RenewInterval = cfg.LeaseRenewInterval
	schedCfg.Workers = cfg.SchedulerWorkers
	schedCfg.BatchSize = cfg.SchedulerBatchSize
	schedCfg.StoreTimeout = cfg.DBOpTimeout
	schedCfg.IndexMaxStaleness = cfg.FlowsRefreshInterval

	sched := scheduler.New(schedCfg, store, index, evaluator, disp, logger).WithMetrics(sink)
	if cfg.ClockSource == "database" {
		sched = sched.WithDatabaseClock(store)
	}

	if cfg.ReconcileEnabled {
		recon := reconciler.New(reconciler.Config{Interval: cfg.ReconcileInterval}, store, index, logger).
			WithMetrics(sink)
		components = append(components, lifecycle.Component{
			Name: "reconciler",
			Run: func(ctx context.Context) error {
				recon.Run(ctx)
				return nil
			},
		})
	}
	if cfg.FlowsWatch {
		watcher := flowrepo.NewWatcher(cfg.FlowsDir, index.Notify, logger)
		components = append(components, lifecycle.Component{Name: "flow-watcher", Run: watcher.Run})
	}
	if redisClient != nil {
		sub := notify.NewSubscriber(redisClient, cfg.NotifyChannel, index, logger)
		components = append(components, lifecycle.Component{Name: "notify-subscriber", Run: sub.Run})
	}

	svc := lifecycle.New(sched, index, logger, components...)

	apiHandler := api.NewHandler(store, index, logger).
		WithHealthChecker(store).
		WithScheduler(svc).
		WithBreakers(breaker).
		WithMaxSnapshotAge(3 * cfg.FlowsRefreshInterval)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listen := func(name string, srv *http.Server) {
		go func() {
			logger.Info(name+" server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(name+" server error", zap.Error(err))
			}
		}()
	}
	listen("http", httpServer)
	if metricsServer != nil {
		listen("metrics", metricsServer)
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("started",
		zap.String("execution_mode", cfg.ExecutionMode),
		zap.Duration("tick", cfg.TickInterval),
		zap.Duration("lease", cfg.LeaseDuration),
		zap.String("flows_dir", cfg.FlowsDir))

	stopped := make(chan error, 1)
	go func() { stopped <- svc.AwaitTermination(context.Background()) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		svc.Stop()
		// In-flight triggers finish their dispatch and commit or release.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.LeaseDuration)
		if err := svc.AwaitTermination(drainCtx); err != nil {
			logger.Error("scheduler did not stop cleanly", zap.Error(err))
			runErr = err
		}
		cancel()
	case runErr = <-stopped:
		if runErr != nil {
			logger.Error("scheduler stopped", zap.Error(runErr))
		}
	}

	shutdown := func(name string, srv *http.Server) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(name+" server shutdown error", zap.Error(err))
		}
	}
	shutdown("http", httpServer)
	if metricsServer != nil {
		shutdown("metrics", metricsServer)
	}

	logger.Info("stopped")
	return runErr
}

// embeddedExecutor runs executions created in channel mode. There is no
// engine behind it: each execution is logged and reported as succeeded so
// execution_status conditions see a terminal state.
func embeddedExecutor(store *sqlstore.Store, logger *zap.Logger) func(context.Context, channel.Execution) {
	logger = logger.Named("executor")
	return func(ctx context.Context, e channel.Execution) {
		logger.Info("execution started",
			zap.String("execution_id", e.ID),
			zap.Stringer("trigger", e.Request.Trigger),
			zap.Time("scheduled_at", e.Request.ScheduledAt))

		// The fire is committed after Create returns, so the row may not
		// carry this execution id yet.
		for attempt := 0; attempt < executorStatusAttempts; attempt++ {
			ok, err := store.UpdateExecutionStatus(ctx, e.ID, domain.ExecutionStatusSuccess, time.Now().UTC())
			if err != nil {
				logger.Warn("record execution status failed", zap.String("execution_id", e.ID), zap.Error(err))
				return
			}
			if ok {
				logger.Debug("execution finished", zap.String("execution_id", e.ID))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(executorStatusDelay):
			}
		}
		logger.Debug("execution finished before its fire was recorded", zap.String("execution_id", e.ID))
	}
}
