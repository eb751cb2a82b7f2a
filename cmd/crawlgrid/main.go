package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crawlgrid/crawlgrid/internal/agent"
	"github.com/crawlgrid/crawlgrid/internal/agent/browser"
	"github.com/crawlgrid/crawlgrid/internal/agent/httpagent"
	"github.com/crawlgrid/crawlgrid/internal/api"
	"github.com/crawlgrid/crawlgrid/internal/clock/system"
	"github.com/crawlgrid/crawlgrid/internal/config"
	"github.com/crawlgrid/crawlgrid/internal/crawl"
	"github.com/crawlgrid/crawlgrid/internal/dispatcher"
	"github.com/crawlgrid/crawlgrid/internal/hash/sha256"
	"github.com/crawlgrid/crawlgrid/internal/health"
	"github.com/crawlgrid/crawlgrid/internal/id/uuid"
	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/outbox"
	"github.com/crawlgrid/crawlgrid/internal/progress"
	"github.com/crawlgrid/crawlgrid/internal/progress/sinks"
	memorypublisher "github.com/crawlgrid/crawlgrid/internal/publisher/memory"
	pubsubpublisher "github.com/crawlgrid/crawlgrid/internal/publisher/pubsub"
	"github.com/crawlgrid/crawlgrid/internal/provider"
	"github.com/crawlgrid/crawlgrid/internal/proxy"
	"github.com/crawlgrid/crawlgrid/internal/quota"
	"github.com/crawlgrid/crawlgrid/internal/scheduler"
	"github.com/crawlgrid/crawlgrid/internal/storage"
	"github.com/crawlgrid/crawlgrid/internal/store/postgres"
	"github.com/crawlgrid/crawlgrid/internal/worker"
)

const retryScanBatch = 50

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	pool, err := postgres.NewPool(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	jobStore := postgres.NewJobStore(pool)
	resultStore := postgres.NewResultStore(pool)
	agentStore := postgres.NewAgentStore(pool)
	outboxStore := postgres.NewOutboxStore(pool)
	templateStore := postgres.NewTemplateStore(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			logger.Warn("close redis failed", zap.Error(cerr))
		}
	}()

	// Outbox events leave through Pub/Sub when configured, otherwise they
	// stay in the in-memory publisher (local development).
	var publisher outbox.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		ps, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		defer func() {
			if cerr := ps.Close(); cerr != nil {
				logger.Warn("close pubsub publisher failed", zap.Error(cerr))
			}
		}()
		publisher = ps
	} else {
		logger.Info("pubsub not configured, using in-memory publisher")
		publisher = memorypublisher.New()
	}

	events := outbox.New(outboxStore, publisher, idGen, clock, outbox.Config{
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
		ClaimLease:   time.Duration(cfg.Outbox.ClaimLeaseSec) * time.Second,
		PollInterval: time.Duration(cfg.Outbox.PollIntervalSec) * time.Second,
	}, logger.Named("outbox"))

	quotaSvc := quota.New(
		quota.NewRedisCache(rdb),
		quota.NewHTTPAuthority(cfg.Quota.AuthorityURL, clock),
		events,
		idGen,
		clock,
		quota.Config{CacheTTL: time.Duration(cfg.Quota.CacheTTLMin) * time.Minute},
		logger.Named("quota"),
	)

	var blobs crawl.BlobStore
	if cfg.Storage.GCSBucket != "" {
		gcs, err := storage.NewGCSStore(ctx, cfg.Storage.GCSBucket, logger.Named("storage"))
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		defer func() {
			if cerr := gcs.Close(); cerr != nil {
				logger.Warn("close gcs client failed", zap.Error(cerr))
			}
		}()
		blobs = gcs
	} else {
		logger.Info("gcs bucket not configured, using in-memory blob store")
		blobs = storage.NewMemoryStore()
	}

	var rotator *proxy.Rotator
	if cfg.Proxy.Enabled {
		rotator = proxy.NewRotator(cfg.Proxy.Endpoints, logger.Named("proxy"))
	}
	providerClient, err := provider.NewClient(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		Locale:            cfg.Provider.Locale,
		UserAgent:         cfg.Worker.UserAgent,
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
		MaxRetries:        cfg.Provider.MaxRetries,
		RetryBaseDelay:    time.Duration(cfg.Provider.RetryBaseDelayMs) * time.Millisecond,
		RequestDelay:      time.Duration(cfg.Provider.RequestDelayMs) * time.Millisecond,
		ProxyRegion:       cfg.Provider.ProxyRegion,
	}, rotator, logger.Named("provider"))
	if err != nil {
		return fmt.Errorf("init provider client: %w", err)
	}

	fetchTimeout := time.Duration(cfg.Worker.FetchTimeoutS) * time.Second
	httpAgent := httpagent.New(httpagent.Config{
		UserAgent: cfg.Worker.UserAgent,
		Timeout:   fetchTimeout,
	}, clock)
	providerAgent := agent.NewProviderAgent(providerClient, clock)
	mobileAgent := agent.NewMobileAgent(cfg.Mobile.BridgeURL, clock)

	probes := []crawl.Agent{providerAgent}
	if cfg.Browser.Enabled {
		browserAgent, err := browser.New(browser.Config{
			MaxParallel:       cfg.Browser.MaxParallel,
			UserAgent:         cfg.Worker.UserAgent,
			NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		}, clock)
		if err != nil {
			logger.Warn("browser agent init failed", zap.Error(err))
		} else {
			defer browserAgent.Close()
			probes = append(probes, browserAgent)
		}
	}
	factory := agent.NewFactory(mobileAgent, providerAgent, probes, templateStore, logger.Named("agents"))

	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLog(logger.Named("progress")),
		sinks.NewPrometheus(),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("close progress hub failed", zap.Error(cerr))
		}
	}()

	sched := scheduler.New(jobStore, clock, hub, scheduler.Config{
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		RetryMaxDelay:  cfg.RetryMaxDelay(),
	}, logger.Named("scheduler"))

	monitor := health.New(agentStore, jobStore, clock, health.Config{}, logger.Named("health"))

	workerCfg := worker.Config{
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		BlobPrefix:   cfg.Storage.Prefix,
		ContentType:  cfg.Storage.ContentType,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			sched,
			factory,
			httpAgent,
			quotaSvc,
			resultStore,
			blobs,
			hasher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(workers)

	apiServer := api.NewServer(sched, resultStore, monitor, quotaSvc, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", dispatch.Size()))
		dispatch.Run(ctx)
	}()
	go events.Run(ctx)
	go sched.RunRetryLoop(ctx, time.Duration(cfg.Scheduler.RetryScanSec)*time.Second, retryScanBatch)
	go monitor.Run(ctx)
	go heartbeatLoop(ctx, monitor, dispatch, logger)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// heartbeatLoop reports this instance's liveness for the agent health view.
func heartbeatLoop(ctx context.Context, monitor *health.Monitor, dispatch *dispatcher.Dispatcher, logger *zap.Logger) {
	instanceID, err := uuid.New().NewID()
	if err != nil {
		logger.Error("generate instance id failed", zap.Error(err))
		return
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "crawlgrid"
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := monitor.Heartbeat(hbCtx, instanceID, hostname, dispatch.Size()); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
			cancel()
		}
	}
}
