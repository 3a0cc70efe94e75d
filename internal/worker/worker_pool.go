// ============================================================================
// Beaver-Exec Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ Dispatcher ──→ resultCh
//   │  │Worker 2│←── taskCh ──→ Dispatcher ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh（緩衝滿時阻塞，形成背壓）
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 stopCh、取消執行中任務，等待所有 Worker 退出
//
// 關閉語義:
//   taskCh 與 resultCh 永遠不關閉，停止訊號只透過 stopCh 傳遞，
//   因此 Submit 與 Stop 並發時不會向已關閉的 channel 發送。
//   Stop 後仍在 taskCh 中的任務會被丟棄，由 Controller 在恢復時處理。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	dispatcher Dispatcher
	logger     *zap.Logger

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - d: 實際執行任務的分派器
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(d Dispatcher, bufferSize int, logger *zap.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		dispatcher: d,
		logger:     log.OrGlobal(logger, "worker"),
		workers:    make([]*Worker, 0),
		taskCh:     make(chan Task, bufferSize),
		resultCh:   make(chan Result, bufferSize),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.dispatcher, p.taskCh, p.resultCh, p.stopCh, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(p.ctx)
		}(w)
	}

	p.started = true
	p.logger.Info("worker pool started", zap.Int("workers", workerCount))
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 緩衝滿時阻塞，直到有空位、ctx 取消或 Pool 停止。
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果，Pool 停止後回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Results 結果通道（唯讀），搭配 Done 在 select 中使用
func (p *Pool) Results() <-chan Result { return p.resultCh }

// Done Pool 停止時關閉
func (p *Pool) Done() <-chan struct{} { return p.stopCh }

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 stopCh
//  2. 取消 Pool context，執行中的任務收到取消
//  3. 等待所有 Worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	if !started {
		return
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped", zap.Int("queued_tasks_dropped", len(p.taskCh)))
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
