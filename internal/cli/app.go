package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-exec/internal/breaker"
	"github.com/ChuLiYu/beaver-exec/internal/controller"
	"github.com/ChuLiYu/beaver-exec/internal/executor"
	"github.com/ChuLiYu/beaver-exec/internal/idempotent"
	"github.com/ChuLiYu/beaver-exec/internal/jobmanager"
	"github.com/ChuLiYu/beaver-exec/internal/metrics"
	"github.com/ChuLiYu/beaver-exec/internal/registry"
	"github.com/ChuLiYu/beaver-exec/internal/server"
	"github.com/ChuLiYu/beaver-exec/internal/snapshot"
	"github.com/ChuLiYu/beaver-exec/internal/storage/gormstore"
	"github.com/ChuLiYu/beaver-exec/internal/storage/memory"
	"github.com/ChuLiYu/beaver-exec/internal/storage/redisstore"
	"github.com/ChuLiYu/beaver-exec/internal/storage/wal"
	"github.com/ChuLiYu/beaver-exec/internal/worker"
	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// app 由配置組裝出的完整系統
//
// 組裝順序：
//  1. metrics registry → breaker service（狀態監聽器寫入 gauge 與健康狀態）
//  2. workflow 儲存 → coordinator
//  3. 冪等快取 / guard（redis 儲存時加上分散式鎖）
//  4. processor registry → dispatcher 中介層鏈
//  5. WAL → job manager → controller → gRPC server
type app struct {
	cfg    *Config
	logger *zap.Logger

	registry   *prometheus.Registry
	metrics    *metrics.Prometheus
	breakers   *breaker.Service
	store      workflow.Store
	workflows  *workflow.Coordinator
	cache      *idempotent.Cache[types.TaskResult]
	processors *executor.Registry
	dispatcher *executor.Dispatcher
	wal        *wal.WAL
	jobs       *jobmanager.JobManager
	controller *controller.Controller
	grpc       *server.Server
	closeStore func()
}

func newApp(ctx context.Context, cfg *Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewPrometheus(a.registry)

	breakerOpts := []breaker.Option{
		breaker.WithDefaultConfig(cfg.Breaker.Default),
		breaker.WithLogger(logger.Named("breaker")),
		breaker.WithListener(a.metrics.BreakerStateChanged),
		breaker.WithListener(func(name string, from, to breaker.State) {
			if a.grpc != nil {
				a.grpc.BreakerListener()(name, from, to)
			}
		}),
	}
	for name, o := range cfg.Breaker.Overrides {
		breakerOpts = append(breakerOpts, breaker.WithConfig(name, o))
	}
	a.breakers = breaker.NewService(breakerOpts...)

	var redisClient *redis.Client
	a.store, redisClient, a.closeStore, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.workflows = workflow.NewCoordinator(a.store,
		workflow.WithMaxAttempts(cfg.Workflow.MaxAttempts),
		workflow.WithLogger(logger.Named("workflow")))

	a.cache = idempotent.New[types.TaskResult](
		idempotent.WithCapacity(cfg.Idempotent.Capacity),
		idempotent.WithTTL(cfg.Idempotent.TTL),
		idempotent.WithLogger(logger.Named("idempotent")))
	guardOpts := []idempotent.GuardOption{
		idempotent.WithInFlightWait(cfg.Idempotent.InFlightWait),
		idempotent.WithGuardLogger(logger.Named("idempotent")),
	}
	if redisClient != nil {
		locker := idempotent.NewRedisLocker(redisClient, cfg.Storage.Redis.Prefix+"idem:", cfg.Idempotent.LockExpiry, 0)
		guardOpts = append(guardOpts, idempotent.WithLocker(locker))
	}
	guard := idempotent.NewGuard(a.cache, guardOpts...)

	a.processors = executor.NewRegistry(
		registry.WithCapacity(cfg.Registry.Capacity),
		registry.WithShards(cfg.Registry.Shards),
		registry.WithTTL(cfg.Registry.TTL),
		registry.WithLogger(logger.Named("registry")))
	if err := worker.RegisterBuiltins(a.processors); err != nil {
		return nil, fmt.Errorf("failed to register builtin processors: %w", err)
	}

	var jobOpts []jobmanager.Option
	if cfg.WAL.Path != "" {
		a.wal, err = wal.NewWAL(cfg.WAL.Path,
			wal.WithSyncOnAppend(cfg.WAL.Sync),
			wal.WithBufferSize(cfg.WAL.BufferSize),
			wal.WithFlushInterval(cfg.WAL.FlushInterval),
			wal.WithLogger(logger.Named("wal")))
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL %s: %w", cfg.WAL.Path, err)
		}
		jobOpts = append(jobOpts, jobmanager.WithJournal(a.wal))
	}
	a.jobs = jobmanager.NewJobManager(jobOpts...)
	a.dispatcher = executor.NewDispatcher(a.processors, []executor.Middleware{
		executor.Recover(logger.Named("executor")),
		executor.Metrics(a.metrics, logger.Named("metrics"), nil),
		executor.Idempotent(guard),
		executor.Retry(cfg.Retry, a.metrics, controller.RetryRecorder(a.jobs)),
		executor.Breaker(a.breakers),
	}, executor.WithLogger(logger.Named("executor")))

	ctrlOpts := []controller.Option{
		controller.WithLogger(logger.Named("controller")),
		controller.WithStatsRecorder(a.metrics),
		controller.WithWorkflows(a.workflows),
	}
	if cfg.Snapshot.Path != "" {
		ctrlOpts = append(ctrlOpts, controller.WithSnapshot(
			snapshot.NewManager(cfg.Snapshot.Path, snapshot.WithBackups(cfg.Snapshot.Backups))))
	}
	if a.wal != nil {
		ctrlOpts = append(ctrlOpts, controller.WithChangeLog(a.wal))
	}
	a.controller = controller.NewController(cfg.Controller(), a.jobs, a.dispatcher, ctrlOpts...)
	for _, def := range cfg.Workflow.Definitions {
		if err := a.controller.RegisterWorkflow(def); err != nil {
			return nil, fmt.Errorf("failed to register workflow %s: %w", def.ID, err)
		}
	}

	if cfg.GRPC.Enabled {
		a.grpc = server.NewServer(a.breakers, a.controller, server.WithLogger(logger.Named("server")))
	}
	return a, nil
}

// openStore 依 storage.driver 開啟工作流程儲存；redis 時同時回傳 client 供分散式鎖使用
func openStore(ctx context.Context, cfg *Config, logger *zap.Logger) (workflow.Store, *redis.Client, func(), error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return memory.New(), nil, func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect redis %s: %w", cfg.Storage.Redis.Addr, err)
		}
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", zap.Error(err))
			}
		}
		return redisstore.New(client, cfg.Storage.Redis.Prefix), client, closer, nil

	case "mysql", "sqlite":
		db, err := gormstore.Open(cfg.Storage.Driver, cfg.Storage.DSN, logger.Named("gorm"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open %s: %w", cfg.Storage.Driver, err)
		}
		closer := func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		store, err := gormstore.New(ctx, db)
		if err != nil {
			closer()
			return nil, nil, nil, err
		}
		return store, nil, closer, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
}

// run 啟動 controller 與各伺服器，直到 ctx 取消或任一伺服器失敗
//
// initial 在快照恢復之後才加入，恢復不會覆蓋它們。
func (a *app) run(ctx context.Context, initial []types.Job) error {
	if err := a.controller.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if len(initial) > 0 {
		if err := a.controller.EnqueueJobs(initial); err != nil {
			a.controller.Stop()
			return fmt.Errorf("failed to enqueue jobs: %w", err)
		}
		a.logger.Info("jobs enqueued", zap.Int("count", len(initial)))
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Metrics.Enabled {
		srv := metrics.NewServer(a.cfg.Metrics.Addr, a.registry)
		g.Go(func() error {
			a.logger.Info("metrics server listening", zap.String("addr", a.cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	if a.grpc != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			a.controller.Stop()
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
		}
		g.Go(func() error { return a.grpc.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			a.grpc.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("received shutdown signal, stopping gracefully")
		a.controller.Stop()
		return nil
	})

	a.logger.Info("system started",
		zap.Int("workers", a.cfg.Worker.WorkerCount),
		zap.String("storage", a.cfg.Storage.Driver))
	return g.Wait()
}

// close 釋放背景資源；controller 已停止時重複呼叫 Stop 無副作用
func (a *app) close() {
	if a.controller != nil {
		a.controller.Stop()
	}
	if a.wal != nil {
		if err := a.wal.Close(); err != nil {
			a.logger.Warn("failed to close WAL", zap.Error(err))
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.processors != nil {
		a.processors.Shutdown()
	}
	if a.closeStore != nil {
		a.closeStore()
	}
}
