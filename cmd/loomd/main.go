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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rom8726/loom"
	"github.com/rom8726/loom/api"
	"github.com/rom8726/loom/plugins/engine/audit"
	"github.com/rom8726/loom/plugins/engine/metrics"
	"github.com/rom8726/loom/plugins/engine/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := loom.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := loom.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("loomd stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *loom.Config, logger *zap.Logger) error {
	backend, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	locker, closeLocker, err := openLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	registry := loom.NewRegistry(
		loom.WithRegistryMemory(loom.NewInMemoryVectorStore(logger)),
		loom.WithRegistryLogger(logger),
	)
	if err := registerWorkflows(registry); err != nil {
		return err
	}

	pool := loom.NewWorkpool(registry,
		loom.WithWorkpoolLogger(logger),
		loom.WithWorkpoolParallelism(cfg.Engine.MaxParallelism),
		loom.WithWorkpoolRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		loom.WithWorkpoolDefaultRetry(cfg.Engine.StepRetry),
		loom.WithWorkpoolMaxBackoff(cfg.Engine.MaxBackoff),
	)

	promRegistry := prometheus.NewRegistry()
	metricsPlugin := metrics.New(metrics.NewPrometheusCollector(promRegistry), metrics.WithGatherer(promRegistry))

	pluginManager := loom.NewPluginManager(logger)
	pluginManager.Register(metricsPlugin)
	pluginManager.Register(telemetry.New(otel.Tracer("loomd")))
	pluginManager.Register(audit.New(audit.NewZapWriter(logger)))

	engine := loom.NewEngine(pool,
		loom.WithEngineStore(backend.store),
		loom.WithEngineTxManager(backend.txManager),
		loom.WithEngineRunLocker(locker),
		loom.WithEnginePluginManager(pluginManager),
		loom.WithEngineLogger(logger),
		loom.WithEngineConfigRetry(cfg.Engine.ConfigFetch),
	)

	if err := engine.UpdateSettings(ctx, cfg.Settings()); err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}

	client := loom.NewClient(engine, registry, loom.WithClientLogLevel(cfg.Log.Level))
	server := api.NewServer(client, loom.NewMonitor(backend.store),
		api.WithServerPlugins(metricsPlugin),
		api.WithServerLogger(logger),
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Mux(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
		if err := pool.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop workpool: %w", err)
		}

		return nil
	})

	return group.Wait()
}

type backend struct {
	store     loom.Store
	txManager loom.TxManager
	close     func()
}

func openBackend(ctx context.Context, cfg loom.StoreConfig, logger *zap.Logger) (*backend, error) {
	logger = logger.With(zap.String("backend", string(cfg.Backend)))

	switch cfg.Backend {
	case loom.StoreBackendSQLite:
		store, err := loom.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("store opened", zap.String("path", cfg.SQLitePath))

		return &backend{
			store:     store,
			txManager: loom.NewSQLiteTxManager(store.DB()),
			close:     func() { _ = store.Close() },
		}, nil

	case loom.StoreBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := loom.RunMigrations(ctx, pool, cfg.PostgresSchema); err != nil {
			pool.Close()

			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("store opened", zap.String("schema", cfg.PostgresSchema))

		return &backend{
			store:     loom.NewPostgresStore(pool, loom.WithPostgresSchema(cfg.PostgresSchema)),
			txManager: loom.NewPostgresTxManager(pool),
			close:     pool.Close,
		}, nil

	case loom.StoreBackendMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		store := loom.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err := store.Migrate(ctx); err != nil {
			_ = client.Disconnect(context.Background())

			return nil, fmt.Errorf("migrate mongo: %w", err)
		}
		logger.Info("store opened", zap.String("database", cfg.MongoDatabase))

		return &backend{
			store:     store,
			txManager: loom.NewMongoTxManager(client),
			close:     func() { _ = client.Disconnect(context.Background()) },
		}, nil

	default:
		store := loom.NewMemoryStore()
		logger.Info("store opened")

		return &backend{
			store:     store,
			txManager: loom.NewMemoryTxManager(store),
			close:     func() {},
		}, nil
	}
}

func openLocker(ctx context.Context, cfg loom.RedisConfig, logger *zap.Logger) (loom.RunLocker, func(), error) {
	if cfg.Addr == "" {
		return loom.NewMemoryRunLocker(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	locker := loom.NewRedisRunLocker(client,
		loom.WithRedisLockTTL(cfg.LockTTL),
		loom.WithRedisLockLogger(logger),
	)

	return locker, func() { _ = client.Close() }, nil
}
