package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/seoulquant/collector/config"
	"github.com/seoulquant/collector/internal/adapters/collector"
	"github.com/seoulquant/collector/internal/adapters/reaper"
	"github.com/seoulquant/collector/internal/adapters/runner"
	"github.com/seoulquant/collector/internal/adapters/scheduler"
	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/job"
	"github.com/seoulquant/collector/internal/domain/model"
	"github.com/seoulquant/collector/internal/domain/schedule"
	ophttp "github.com/seoulquant/collector/internal/http"
	"github.com/seoulquant/collector/internal/observability/notify/pagerduty"
	"github.com/seoulquant/collector/internal/observability/notify/slack"
	"github.com/seoulquant/collector/internal/observability/statsd"
	"github.com/seoulquant/collector/internal/service"
	"github.com/seoulquant/collector/internal/service/failurenotifier"
)

// ServiceDeps carries the shared infrastructure for service wiring.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// Services is the fully wired application: trigger engine, runner pool,
// reaper, and ops server, ready to Run.
type Services struct {
	cfg       *config.AppConfig
	logger    *slog.Logger
	metrics   *statsd.Client
	engine    *schedule.Engine
	runner    *runner.Runner
	scheduler *scheduler.Runner
	reaper    *reaper.Runner
	ops       *ophttp.Server
}

// NewServices wires repositories, adapters, and services from configuration.
// Any configuration fault surfaces here and is fatal.
func NewServices(deps *ServiceDeps) (*Services, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metricsClient, err := buildMetrics(cfg, logger)
	if err != nil {
		return nil, err
	}

	runRepo := data.NewRunRepo(deps.DB)
	symbolRepo := data.NewSymbolRepo(deps.DB)
	priceRepo := data.NewPriceRepo(deps.DB)

	var cache *data.SymbolCache
	if deps.RedisClient != nil {
		cache = data.NewSymbolCache(deps.RedisClient, cfg.Redis.CacheTTL)
	}

	collectors, err := buildCollectors(cfg)
	if err != nil {
		return nil, err
	}

	var cacheDep service.SymbolCache
	if cache != nil {
		cacheDep = cache
	}
	collectSvc, err := service.NewCollectService(service.CollectOptions{
		Collectors:  collectors,
		Symbols:     symbolRepo,
		Prices:      priceRepo,
		Cache:       cacheDep,
		Logger:      logger.With("component", "collect_service"),
		Timeframe:   model.Timeframe(cfg.Collector.Timeframe),
		DaysBack:    cfg.Collector.DaysBack,
		SymbolLimit: cfg.Collector.SymbolLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("build collect service: %w", err)
	}

	registry := service.NewRegistry(collectSvc)

	jobs, err := service.LoadJobsFile(cfg.Scheduler.JobsFile)
	if err != nil {
		return nil, err
	}
	if err := registry.ValidateJobs(jobs); err != nil {
		return nil, err
	}

	notifier := buildNotifier(cfg, logger)

	leasePolicy, err := job.NewLeasePolicy(cfg.Runner.LeaseGrace, 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("build lease policy: %w", err)
	}

	runnerSvc, err := runner.NewRunner(runner.Options{
		Runs:            runRepo,
		Registry:        registry,
		Lease:           leasePolicy,
		Backoff:         job.NewBackoff(cfg.Runner.BackoffBase, cfg.Runner.BackoffMax, cfg.Runner.BackoffJitter),
		Workers:         cfg.Runner.Workers,
		QueueSize:       cfg.Runner.QueueSize,
		Logger:          logger.With("component", "runner"),
		Metrics:         metricsClient,
		FailureNotifier: notifier,
	})
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}

	engine, err := schedule.NewEngine(schedule.EngineOptions{
		Jobs:       jobs,
		Dispatcher: runnerSvc,
		Logger:     logger.With("component", "trigger_engine"),
	})
	if err != nil {
		return nil, fmt.Errorf("build trigger engine: %w", err)
	}

	schedRunner, err := scheduler.NewRunner(scheduler.RunnerOptions{
		Engine:   engine,
		Interval: cfg.Scheduler.TickInterval,
		Logger:   logger.With("component", "scheduler"),
		Metrics:  metricsClient,
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	var reaperRunner *reaper.Runner
	if cfg.Reaper.Enabled {
		reaperRunner, err = reaper.NewRunner(reaper.RunnerOptions{
			Store:    runRepo,
			Interval: cfg.Reaper.Interval,
			Logger:   logger.With("component", "reaper"),
			Metrics:  metricsClient,
		})
		if err != nil {
			return nil, fmt.Errorf("build reaper: %w", err)
		}
	}

	var cachePinger ophttp.Pinger
	if cache != nil {
		cachePinger = cache
	}
	ops, err := ophttp.NewServer(ophttp.ServerOptions{
		Config:          cfg.HTTP,
		Engine:          engine,
		Dispatcher:      runnerSvc,
		Runs:            runRepo,
		DB:              deps.DB,
		Cache:           cachePinger,
		Heartbeat:       schedRunner.Heartbeat(),
		HeartbeatMaxAge: cfg.Scheduler.HeartbeatMaxAge,
		Logger:          logger.With("component", "ops_http"),
	})
	if err != nil {
		return nil, fmt.Errorf("build ops server: %w", err)
	}

	return &Services{
		cfg:       cfg,
		logger:    logger,
		metrics:   metricsClient,
		engine:    engine,
		runner:    runnerSvc,
		scheduler: schedRunner,
		reaper:    reaperRunner,
		ops:       ops,
	}, nil
}

// Run starts every service and blocks until a signal arrives or a service
// fails, then shuts the rest down.
func (s *Services) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runner.Start(ctx) })
	g.Go(func() error { return s.scheduler.Run(ctx) })
	g.Go(func() error { return s.ops.Run(ctx) })
	if s.reaper != nil {
		g.Go(func() error { return s.reaper.Run(ctx) })
	}

	err := g.Wait()
	if s.metrics != nil {
		if closeErr := s.metrics.Close(); closeErr != nil {
			s.logger.Error("close metrics client failed", "error", closeErr)
		}
	}
	if err != nil && ctx.Err() != nil {
		// A signal-triggered shutdown is a clean exit.
		s.logger.Info("shutdown complete")
		return nil
	}
	return err
}

func buildMetrics(cfg *config.AppConfig, logger *slog.Logger) (*statsd.Client, error) {
	if !cfg.Observability.Metrics.IsEnabled() {
		return nil, nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Observability.Metrics.StatsdAddress,
		Prefix:  cfg.Observability.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build statsd client: %w", err)
	}
	return client, nil
}

func buildCollectors(cfg *config.AppConfig) ([]collector.Collector, error) {
	var collectors []collector.Collector
	if cfg.Collector.Upbit.Enabled {
		collectors = append(collectors, collector.NewUpbit(collector.UpbitConfig{
			BaseURL: cfg.Collector.Upbit.BaseURL,
			Timeout: cfg.Collector.HTTPTimeout,
			RPS:     cfg.Collector.Upbit.RPS,
		}))
	}
	if cfg.Collector.KIS.Enabled {
		collectors = append(collectors, collector.NewKIS(collector.KISConfig{
			BaseURL:   cfg.Collector.KIS.BaseURL,
			AppKey:    cfg.Collector.KIS.AppKey,
			AppSecret: cfg.Collector.KIS.AppSecret,
			Markets:   cfg.Collector.KIS.Markets,
			Timeout:   cfg.Collector.HTTPTimeout,
			RPS:       cfg.Collector.KIS.RPS,
		}))
	}
	if len(collectors) == 0 {
		return nil, fmt.Errorf("no exchange collectors enabled")
	}
	return collectors, nil
}

func buildNotifier(cfg *config.AppConfig, logger *slog.Logger) *failurenotifier.Service {
	notifCfg := cfg.Observability.Notifications
	if !notifCfg.Enabled {
		return nil
	}

	var sinks []failurenotifier.SinkRegistration
	if notifCfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: notifCfg.Slack.WebhookURL,
			Channel:    notifCfg.Slack.Channel,
			Username:   notifCfg.Slack.Username,
			Timeout:    notifCfg.Timeout,
			RetryLimit: notifCfg.RetryLimit,
		})
		if err != nil {
			logger.Warn("slack sink disabled", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}
	if notifCfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: notifCfg.PagerDuty.RoutingKey,
			Source:     notifCfg.PagerDuty.Source,
			Component:  notifCfg.PagerDuty.Component,
			Timeout:    notifCfg.Timeout,
			RetryLimit: notifCfg.RetryLimit,
		})
		if err != nil {
			logger.Warn("pagerduty sink disabled", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}
	if len(sinks) == 0 {
		return nil
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: logger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}
