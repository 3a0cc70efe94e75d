// ============================================================================
// Beaver-Exec 整合測試 - 系統組裝
// ============================================================================
//
// Package: test/integration
// 文件: system_test.go
// 功能: 以真實元件組裝完整的執行系統（不經過 CLI）
//
// 組裝內容:
//   - breaker.Service + metrics.Prometheus（獨立 registry）
//   - idempotent Cache / Guard
//   - processor registry + 內建處理器
//   - 完整中介層鏈: Recover → Metrics → Idempotent → Breaker → Retry
//   - JobManager + WAL + Snapshot + Controller
//
// 同一個 dir 可以重複組裝，用來模擬程序重啟。
//
// ============================================================================

package integration

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/breaker"
	"github.com/ChuLiYu/beaver-exec/internal/controller"
	"github.com/ChuLiYu/beaver-exec/internal/executor"
	"github.com/ChuLiYu/beaver-exec/internal/idempotent"
	"github.com/ChuLiYu/beaver-exec/internal/jobmanager"
	"github.com/ChuLiYu/beaver-exec/internal/metrics"
	"github.com/ChuLiYu/beaver-exec/internal/registry"
	"github.com/ChuLiYu/beaver-exec/internal/snapshot"
	"github.com/ChuLiYu/beaver-exec/internal/storage/wal"
	"github.com/ChuLiYu/beaver-exec/internal/worker"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

type system struct {
	ctrl     *controller.Controller
	jobs     *jobmanager.JobManager
	breakers *breaker.Service
	registry *prometheus.Registry
	wal      *wal.WAL
	cleanup  []func()
}

type systemConfig struct {
	workers          int
	snapshotInterval time.Duration
	breaker          breaker.Config
}

func defaultSystemConfig() systemConfig {
	return systemConfig{
		workers:          4,
		snapshotInterval: time.Hour,
		breaker: breaker.Config{
			FailureRateThreshold:          90,
			MinimumNumberOfCalls:          1000,
			WaitDurationInOpenState:       time.Second,
			PermittedCallsInHalfOpenState: 1,
		},
	}
}

// newSystem 在 dir 中組裝並啟動系統，t 結束時停止
func newSystem(t testing.TB, dir string, cfg systemConfig) *system {
	t.Helper()
	logger := zap.NewNop()
	s := &system{registry: prometheus.NewRegistry()}

	prom := metrics.NewPrometheus(s.registry)
	s.breakers = breaker.NewService(
		breaker.WithDefaultConfig(cfg.breaker),
		breaker.WithLogger(logger),
		breaker.WithListener(prom.BreakerStateChanged))

	cache := idempotent.New[types.TaskResult](idempotent.WithLogger(logger))
	s.cleanup = append(s.cleanup, cache.Close)
	guard := idempotent.NewGuard(cache, idempotent.WithGuardLogger(logger))

	processors := executor.NewRegistry(registry.WithTTL(0), registry.WithLogger(logger))
	s.cleanup = append(s.cleanup, processors.Shutdown)
	require.NoError(t, worker.RegisterBuiltins(processors))

	var err error
	s.wal, err = wal.NewWAL(filepath.Join(dir, "jobs.wal"), wal.WithLogger(logger))
	require.NoError(t, err)
	s.jobs = jobmanager.NewJobManager(jobmanager.WithJournal(s.wal))

	retry := executor.RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	dispatcher := executor.NewDispatcher(processors, []executor.Middleware{
		executor.Recover(logger),
		executor.Metrics(prom, logger, nil),
		executor.Idempotent(guard),
		executor.Retry(retry, prom, controller.RetryRecorder(s.jobs)),
		executor.Breaker(s.breakers),
	}, executor.WithLogger(logger))

	s.ctrl = controller.NewController(controller.Config{
		WorkerCount:      cfg.workers,
		QueueSize:        100,
		TaskTimeout:      5 * time.Second,
		DispatchInterval: time.Millisecond,
		TimeoutInterval:  50 * time.Millisecond,
		SnapshotInterval: cfg.snapshotInterval,
	}, s.jobs, dispatcher,
		controller.WithLogger(logger),
		controller.WithStatsRecorder(prom),
		controller.WithSnapshot(snapshot.NewManager(filepath.Join(dir, "jobs.snapshot"))),
		controller.WithChangeLog(s.wal))
	require.NoError(t, s.ctrl.Start())

	t.Cleanup(s.stop)
	return s
}

// stop 停止 controller 並釋放資源，可重複呼叫
func (s *system) stop() {
	s.ctrl.Stop()
	_ = s.wal.Close()
	for _, fn := range s.cleanup {
		fn()
	}
	s.cleanup = nil
}

// finished 已進入終態的任務數
func (s *system) finished() int {
	stats := s.jobs.Stats()
	return stats[types.StatusSucceeded] + stats[types.StatusFailed] + stats[types.StatusTerminated]
}

func (s *system) waitFinished(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return s.finished() >= n }, timeout, 10*time.Millisecond,
		"only %d of %d jobs finished", s.finished(), n)
}

// generateJobs 生成 simulate 任務，failureRate 為百分比
func generateJobs(prefix string, count, failureRate int) []types.Job {
	jobs := make([]types.Job, count)
	for i := 0; i < count; i++ {
		jobs[i] = types.Job{
			ID:        types.JobID(fmt.Sprintf("%s-%d", prefix, i)),
			Processor: "simulate",
			Payload: map[string]interface{}{
				"max_delay_ms": 10,
				"failure_rate": failureRate,
				"key":          i,
			},
		}
	}
	return jobs
}
