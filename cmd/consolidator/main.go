// Package main is the entry point for the consolidation engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/consolidator/internal/algorithm"
	"github.com/limiquantix/consolidator/internal/cloud"
	"github.com/limiquantix/consolidator/internal/cloud/memory"
	"github.com/limiquantix/consolidator/internal/cloud/nova"
	"github.com/limiquantix/consolidator/internal/cluster"
	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
	"github.com/limiquantix/consolidator/internal/global"
	"github.com/limiquantix/consolidator/internal/local"
	"github.com/limiquantix/consolidator/internal/metrics"
	"github.com/limiquantix/consolidator/internal/orchestrator"
	"github.com/limiquantix/consolidator/internal/power"
	"github.com/limiquantix/consolidator/internal/repository/etcd"
	memrepo "github.com/limiquantix/consolidator/internal/repository/memory"
	"github.com/limiquantix/consolidator/internal/repository/postgres"
	"github.com/limiquantix/consolidator/internal/repository/redis"
	"github.com/limiquantix/consolidator/internal/server"
	"github.com/limiquantix/consolidator/internal/services/alert"
	"github.com/limiquantix/consolidator/internal/services/auth"
	"github.com/limiquantix/consolidator/internal/services/history"
	"github.com/limiquantix/consolidator/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a password for auth.admin_password_hash and exit")
	issueToken := flag.String("issue-token", "", "Print an agent token for the given subject and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("Consolidator")
		fmt.Println("Version:", version)
		fmt.Println("Commit:", commit)
		fmt.Println("Build Date:", buildDate)
		os.Exit(0)
	}

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := auth.NewJWTManager(cfg.Auth).Generate(*issueToken, auth.RoleAgent, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token.AccessToken)
		os.Exit(0)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting consolidator",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("cloud_driver", cfg.Cloud.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Consolidator failed", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// run wires every component and blocks until ctx is cancelled or one of
// them fails.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	platform, source, err := newPlatform(ctx, cfg.Cloud, logger)
	if err != nil {
		return err
	}

	var serverOpts []server.ServerOption

	// Optional backends
	var etcdClient *etcd.Client
	if cfg.Etcd.Enabled {
		etcdClient, err = etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		defer etcdClient.Close()
		serverOpts = append(serverOpts, server.WithHealthCheck("etcd", etcdClient))
	}

	var historyRepo interface {
		history.Repository
		alert.Repository
	}
	if cfg.Database.Enabled {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		historyRepo = postgres.NewHistoryRepository(db, logger)
		serverOpts = append(serverOpts, server.WithHealthCheck("postgres", db))
	} else {
		historyRepo = memrepo.NewHistoryRepository()
	}

	var external events.Publisher
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		external = redisClient
		serverOpts = append(serverOpts, server.WithHealthCheck("redis", redisClient))
	}

	// Cluster state
	initial := domain.NewClusterState()
	if etcdClient != nil {
		loaded, err := etcdClient.LoadState(ctx)
		switch {
		case err == nil:
			initial = loaded
			logger.Info("Restored cluster state", zap.Uint64("generation", loaded.Generation))
		case errors.Is(err, etcd.ErrKeyNotFound):
		default:
			return fmt.Errorf("failed to restore cluster state: %w", err)
		}
	}
	store := cluster.NewStore(initial, logger)
	store.OnChange(m.ObserveState)

	bus := events.NewBus(external, logger)
	historySvc := history.NewService(historyRepo, logger)
	alertSvc := alert.NewService(historyRepo, bus, m, logger)

	tstore := telemetry.NewStore(cfg.Telemetry.WindowSize, logger)
	collector := telemetry.NewCollector(tstore, source, cfg.Cloud.Memory.SampleInterval, m, logger)

	powerCtl := power.NewController(cfg.Power, store, platform, historySvc, alertSvc, bus, m, logger)
	orch := orchestrator.New(cfg.Orchestrator, store, platform, powerCtl, historySvc, bus, m, logger)

	selector, err := algorithm.NewVMSelector(cfg.Algorithms.SelectionSpec())
	if err != nil {
		return fmt.Errorf("selection strategy: %w", err)
	}
	placer, err := algorithm.NewPlacementPlanner(cfg.Algorithms.PlacementSpec())
	if err != nil {
		return fmt.Errorf("placement strategy: %w", err)
	}
	planner := global.NewPlanner(selector, placer, cfg.Algorithms.Placement.Threshold, tstore)

	var leader global.LeaderChecker
	if etcdClient != nil {
		hostname, _ := os.Hostname()
		leader = etcdClient.Campaign(ctx, fmt.Sprintf("%s-%d", hostname, os.Getpid()))
	}

	manager := global.NewManager(
		cfg.Global,
		max(cfg.Algorithms.Placement.Window, 1),
		store,
		planner,
		orch,
		powerCtl,
		platform,
		tstore,
		alertSvc,
		bus,
		leader,
		m,
		logger,
	)

	var requester local.Requester = manager
	if cfg.Local.GlobalManagerURL != "" {
		requester = local.NewHTTPRequester(cfg.Local.GlobalManagerURL, cfg.Local.Token, 10*time.Second)
	}
	supervisor := local.NewSupervisor(cfg.Local, cfg.Algorithms, cfg.Telemetry.Interval, store, tstore, requester, historySvc, logger)

	jwtManager := auth.NewJWTManager(cfg.Auth)
	authSvc := auth.NewService(cfg.Auth, jwtManager, logger)
	serverOpts = append(serverOpts,
		server.WithAuth(authSvc),
		server.WithSamples(collector),
		server.WithState(store),
		server.WithPlans(orch),
		server.WithAlerts(alertSvc),
		server.WithMigrations(historySvc),
		server.WithEvents(bus),
		server.WithMetrics(registry),
	)
	if cfg.Global.Enabled {
		serverOpts = append(serverOpts, server.WithRequests(manager))
	}
	srv := server.New(cfg, jwtManager, logger, serverOpts...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		manager.Run(ctx)
		return nil
	})
	g.Go(func() error {
		supervisor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		historySvc.RunCleaner(ctx, cfg.History.Retention, cfg.History.CleanupInterval)
		return nil
	})
	if source != nil {
		g.Go(func() error {
			collector.Run(ctx)
			return nil
		})
	}
	if redisClient != nil {
		g.Go(func() error { return redisClient.SubscribeSamples(ctx, collector.Ingest) })
	}
	if etcdClient != nil {
		mirror := etcdClient.NewStateMirror()
		store.OnChange(mirror.Observe)
		mirror.Observe(store.Snapshot())
		g.Go(func() error {
			mirror.Run(ctx)
			return nil
		})
	}

	err = g.Wait()
	orch.Wait()
	manager.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newPlatform builds the configured cloud driver. The simulator doubles as
// the telemetry source; real clouds push samples over HTTP or Redis.
func newPlatform(ctx context.Context, cfg config.CloudConfig, logger *zap.Logger) (cloud.Platform, telemetry.SampleSource, error) {
	switch cfg.Driver {
	case "memory":
		sim := memory.New(cfg.Memory.MigrationDuration, logger)
		if cfg.Memory.SeedDemo {
			sim.SeedDemo()
		}
		return sim, sim, nil
	case "nova":
		driver, err := nova.New(ctx, cfg.Nova, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nova: %w", err)
		}
		return driver, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cloud driver %q", cfg.Driver)
	}
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" && cfg.Output != "stdout" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
