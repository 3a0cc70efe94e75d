// ============================================================================
// Beaver-Exec 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調任務表、Worker Pool、快照與工作流程保留期清理
//
// 架構設計:
//   - JobManager: 任務狀態機（PENDING → SCHEDULING → RUNNING → 終態）
//   - WorkerPool: 透過 Dispatcher 實際執行任務
//   - Snapshot: 定期保存任務表，啟動時恢復
//   - ChangeLog: 快照之後的任務變更（WAL），啟動時重放，快照後壓縮
//   - Workflow Coordinator: 節點任務結束時推進 DAG（見 workflows.go），並定期刪除超過保留期的實例
//
// 核心循環:
//   1. Dispatch Loop  - 取出 PENDING 任務，轉為 RUNNING 後提交給 Worker Pool
//   2. Result Loop    - 接收 TaskResult，轉入 SUCCEEDED / FAILED，工作流程節點任務推進所屬實例
//   3. Timeout Loop   - 將超過截止時間的 RUNNING 任務標記為 FAILED，並更新統計
//   4. Snapshot Loop  - 定期寫入快照（設定快照管理器時）
//   5. Retention Loop - 定期清理工作流程實例（設定協調器時）
//
// 崩潰恢復:
//   啟動時載入快照，再重放 ChangeLog 中序號大於快照 LastSeq 的變更；快照中的 SCHEDULING / RUNNING 任務在崩潰時沒有完成，
//   轉換表不允許它們回到 PENDING，因此標記為 FAILED（LastError 記錄原因）。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/executor"
	"github.com/ChuLiYu/beaver-exec/internal/jobmanager"
	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/internal/snapshot"
	"github.com/ChuLiYu/beaver-exec/internal/worker"
	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// 恢復時標記中斷任務使用的原因
const interruptedReason = "interrupted by restart"

var (
	// ErrStopped Controller 已停止
	ErrStopped = errors.New("controller stopped")
	// ErrAlreadyStarted Controller 已啟動
	ErrAlreadyStarted = errors.New("controller already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount       int           `yaml:"worker_count"`
	QueueSize         int           `yaml:"queue_size"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
	TimeoutInterval   time.Duration `yaml:"timeout_interval"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	WorkflowRetention time.Duration `yaml:"workflow_retention"`
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		WorkerCount:       4,
		QueueSize:         100,
		TaskTimeout:       30 * time.Second,
		DispatchInterval:  100 * time.Millisecond,
		TimeoutInterval:   time.Second,
		SnapshotInterval:  30 * time.Second,
		RetentionInterval: 10 * time.Minute,
		WorkflowRetention: 7 * 24 * time.Hour,
	}
}

// WithDefaults 以 def 補齊零值欄位
func (c Config) WithDefaults(def Config) Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = def.WorkerCount
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = def.DispatchInterval
	}
	if c.TimeoutInterval <= 0 {
		c.TimeoutInterval = def.TimeoutInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = def.RetentionInterval
	}
	if c.WorkflowRetention <= 0 {
		c.WorkflowRetention = def.WorkflowRetention
	}
	return c
}

// StatsRecorder 接收各狀態任務數量（例如 metrics.Prometheus）
type StatsRecorder interface {
	UpdateJobStats(counts map[types.JobStatus]int)
}

// ChangeLog 任務變更紀錄（例如 wal.WAL）
type ChangeLog interface {
	Changes(after uint64) ([]jobmanager.Change, error)
	Compact(upTo uint64) (int, error)
}

// Controller 核心控制器
type Controller struct {
	config     Config
	jobManager *jobmanager.JobManager
	pool       *worker.Pool
	snapshot   *snapshot.Manager
	changes    ChangeLog
	workflows  *workflow.Coordinator
	stats      StatsRecorder
	clock      clockwork.Clock
	logger     *zap.Logger

	defMu       sync.RWMutex
	definitions map[string]*types.WorkflowDefinition

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
}

// Option Controller 選項
type Option func(*Controller)

// WithSnapshot 啟用快照恢復與定期快照
func WithSnapshot(m *snapshot.Manager) Option {
	return func(c *Controller) { c.snapshot = m }
}

// WithChangeLog 啟動時重放 l，每次快照後壓縮
//
// l 必須同時以 jobmanager.WithJournal 接上 JobManager，否則重放不到新的變更。
func WithChangeLog(l ChangeLog) Option {
	return func(c *Controller) { c.changes = l }
}

// WithWorkflows 啟用工作流程執行與保留期清理；定義以 RegisterWorkflow 登記
func WithWorkflows(coord *workflow.Coordinator) Option {
	return func(c *Controller) { c.workflows = coord }
}

// WithStatsRecorder 定期回報任務統計
func WithStatsRecorder(r StatsRecorder) Option {
	return func(c *Controller) { c.stats = r }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// NewController 建立新的 Controller 實例
func NewController(config Config, jm *jobmanager.JobManager, d worker.Dispatcher, opts ...Option) *Controller {
	config = config.WithDefaults(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:     config,
		jobManager: jm,
		clock:      clockwork.NewRealClock(),
		ctx:        ctx,
		cancel:     cancel,

		definitions: make(map[string]*types.WorkflowDefinition),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrGlobal(c.logger, "controller")
	c.pool = worker.NewPool(d, config.QueueSize, c.logger.Named("worker"))
	return c
}

// RetryRecorder 回傳把 RETRYING 結果記錄到任務表的 executor.RetryObserver
func RetryRecorder(jm *jobmanager.JobManager) executor.RetryObserver {
	return func(task executor.Task, r types.TaskResult) {
		if task.JobID == "" {
			return
		}
		_, _ = jm.Complete(task.JobID, r)
	}
}

// ============================================================================
// 啟動與恢復
// ============================================================================

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot → 重放變更 → 標記中斷任務
//  2. 啟動 Worker Pool 和所有循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = c.clock.Now()

	if err := c.recover(); err != nil {
		return err
	}

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.goLoop("dispatch", c.config.DispatchInterval, c.dispatchPending)
	c.goLoop("timeout", c.config.TimeoutInterval, c.tick)
	if c.snapshot != nil {
		c.goLoop("snapshot", c.config.SnapshotInterval, func() {
			if err := c.takeSnapshot(); err != nil {
				c.logger.Error("failed to take snapshot", zap.Error(err))
			}
		})
	}
	if c.workflows != nil {
		c.goLoop("retention", c.config.RetentionInterval, c.purgeWorkflows)
	}
	c.loopWg.Add(1)
	go c.resultLoop()

	c.started = true
	c.logger.Info("controller started", zap.Int("workers", c.config.WorkerCount))
	return nil
}

func (c *Controller) recover() error {
	if c.snapshot == nil && c.changes == nil {
		return nil
	}
	start := c.clock.Now()
	jobs := 0
	if c.snapshot != nil {
		data, err := c.snapshot.Load()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		if err := c.jobManager.Restore(data); err != nil {
			return fmt.Errorf("failed to restore state: %w", err)
		}
		jobs = len(data.Jobs)
	}

	replayed := 0
	if c.changes != nil {
		changes, err := c.changes.Changes(c.jobManager.LastSeq())
		if err != nil {
			return fmt.Errorf("failed to read change log: %w", err)
		}
		if replayed, err = c.jobManager.Apply(changes); err != nil {
			return fmt.Errorf("failed to replay change log: %w", err)
		}
	}

	interrupted := 0
	for _, status := range []types.JobStatus{types.StatusScheduling, types.StatusRunning} {
		for _, id := range c.jobManager.JobsInStatus(status) {
			job, err := c.jobManager.Transition(id, types.StatusFailed, interruptedReason)
			if err != nil {
				c.logger.Error("failed to mark interrupted job", zap.String("job_id", string(id)), zap.Error(err))
				continue
			}
			c.finishWorkflowStep(job, nil)
			interrupted++
		}
	}

	c.logger.Info("recovery completed",
		zap.Duration("duration", c.clock.Since(start)),
		zap.Int("snapshot_jobs", jobs),
		zap.Int("replayed", replayed),
		zap.Int("interrupted", interrupted))
	return nil
}

// ============================================================================
// 核心循環
// ============================================================================

// goLoop 以固定間隔執行 fn，直到 Controller 停止
func (c *Controller) goLoop(name string, interval time.Duration, fn func()) {
	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		ticker := c.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				c.logger.Debug("loop stopped", zap.String("loop", name))
				return
			case <-ticker.Chan():
				fn()
			}
		}
	}()
}

// dispatchPending 提交所有待處理任務；Worker Pool 緩衝滿時在此阻塞
func (c *Controller) dispatchPending() {
	for c.ctx.Err() == nil {
		job := c.jobManager.PopPending()
		if job == nil {
			return
		}

		deadline := c.clock.Now().Add(c.config.TaskTimeout + c.config.TimeoutInterval)
		running, err := c.jobManager.MarkRunning(job.ID, deadline)
		if err != nil {
			// 取出後到標記前被終止
			c.logger.Debug("skip dispatch", zap.String("job_id", string(job.ID)), zap.Error(err))
			continue
		}

		task := worker.Task{
			Task: executor.Task{
				JobID:         running.ID,
				Processor:     running.Processor,
				Version:       running.Version,
				Payload:       running.Payload,
				IdempotentKey: running.IdemKey,
				Attempt:       running.Attempt - 1,
			},
			Timeout: running.Timeout,
		}
		if task.Timeout <= 0 {
			task.Timeout = c.config.TaskTimeout
		}

		if err := c.pool.Submit(c.ctx, task); err != nil {
			if !errors.Is(err, worker.ErrPoolClosed) && !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to submit task", zap.String("job_id", string(job.ID)), zap.Error(err))
			}
			return
		}
	}
}

// resultLoop 處理 Worker 執行結果，直到 Pool 關閉
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			c.logger.Debug("result loop stopped")
			return
		}
		c.handleResult(result)
	}
}

func (c *Controller) handleResult(result worker.Result) {
	job, err := c.jobManager.Complete(result.JobID, result.Result)
	if err != nil {
		// 逾時或被終止的任務會晚到結果
		c.logger.Debug("result ignored",
			zap.String("job_id", string(result.JobID)),
			zap.String("result", string(result.Result.Status())),
			zap.Error(err))
		return
	}
	c.finishWorkflowStep(job, result.Result.Output().Map())
	if job.Status == types.StatusFailed {
		c.logger.Warn("job failed",
			zap.String("job_id", string(job.ID)),
			zap.Int("attempt", job.Attempt),
			zap.String("error", job.LastError))
		return
	}
	c.logger.Debug("job finished",
		zap.String("job_id", string(job.ID)),
		zap.String("status", string(job.Status)),
		zap.Bool("idempotent_hit", result.Result.IdempotentHit()),
		zap.Duration("duration", result.Result.Duration()))
}

// tick 處理逾時任務並回報統計
func (c *Controller) tick() {
	for _, id := range c.jobManager.GetExpiredJobs(c.clock.Now()) {
		job, err := c.jobManager.Transition(id, types.StatusFailed, "deadline exceeded")
		if err != nil {
			continue
		}
		c.finishWorkflowStep(job, nil)
		c.logger.Warn("job timed out", zap.String("job_id", string(id)))
	}
	if c.stats != nil {
		c.stats.UpdateJobStats(c.jobManager.Stats())
	}
}

func (c *Controller) purgeWorkflows() {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.RetentionInterval)
	defer cancel()
	if _, err := c.workflows.PurgeExpired(ctx, c.config.WorkflowRetention); err != nil {
		c.logger.Error("failed to purge workflow instances", zap.Error(err))
	}
}

// takeSnapshot 執行快照操作
func (c *Controller) takeSnapshot() error {
	start := c.clock.Now()
	data := c.jobManager.Snapshot()
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	compacted := 0
	if c.changes != nil {
		n, err := c.changes.Compact(data.LastSeq)
		if err != nil {
			// 快照已寫入，未壓縮的變更在重放時會被略過
			c.logger.Warn("failed to compact change log", zap.Error(err))
		}
		compacted = n
	}
	c.logger.Debug("snapshot taken",
		zap.Duration("duration", c.clock.Since(start)),
		zap.Int("jobs", len(data.Jobs)),
		zap.Uint64("last_seq", data.LastSeq),
		zap.Int("compacted", compacted))
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// EnqueueJobs 批次加入任務，遇到第一個錯誤即停止
func (c *Controller) EnqueueJobs(jobs []types.Job) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	for _, job := range jobs {
		if err := c.jobManager.Enqueue(job); err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
	}
	return nil
}

// Terminate 終止任務；已在執行的任務結果到達時會被忽略
func (c *Controller) Terminate(id types.JobID, reason string) error {
	job, err := c.jobManager.Terminate(id, reason)
	if err != nil {
		return err
	}
	c.finishWorkflowStep(job, nil)
	return nil
}

// Resume 恢復暫停的任務
func (c *Controller) Resume(id types.JobID) error {
	_, err := c.jobManager.Resume(id)
	return err
}

// GetJob 取得任務
func (c *Controller) GetJob(id types.JobID) (*types.Job, bool) {
	return c.jobManager.GetJob(id)
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	startTime := c.startTime
	c.mu.Unlock()

	status := map[string]interface{}{
		"workers": c.config.WorkerCount,
	}
	if !startTime.IsZero() {
		status["uptime"] = c.clock.Since(startTime).Round(time.Second).String()
	}
	for s, n := range c.jobManager.Stats() {
		status[strings.ToLower(string(s))] = n
	}
	return status
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. 取消 context → 所有定時循環退出，阻塞中的 Submit 返回
//  2. pool.Stop()  → 執行中的任務收到取消，resultLoop 退出
//  3. loopWg.Wait() → 等待所有循環退出
//  4. 最後一次快照
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.logger.Info("stopping controller")
	c.cancel()
	c.pool.Stop()
	c.loopWg.Wait()

	if started && c.snapshot != nil {
		if err := c.takeSnapshot(); err != nil {
			c.logger.Error("failed to take final snapshot", zap.Error(err))
		}
	}
	c.logger.Info("controller stopped")
}
