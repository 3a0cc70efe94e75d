// ============================================================================
// Beaver-Exec 執行器 - 以中介層串接韌性元件
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 依處理器名稱查找處理器並執行一次任務，產生 TaskResult
//
// 呼叫鏈:
//   Dispatch(task)
//      ↓ Recover    捕捉處理器 panic，轉為 FAILED
//      ↓ Metrics    記錄執行次數、結果、延遲、冪等命中
//      ↓ Idempotent 以冪等鍵去重，只快取成功結果
//      ↓ Retry      FAILED 結果以指數退避重試，每次重試發出 RETRYING；熔斷拒絕時停止
//      ↓ Breaker    依處理器名稱熔斷，每次嘗試各記錄一次；OPEN 時直接失敗
//      ↓ invoke     registry.Find → Processor.Process
//
// 結果狀態:
//   - 處理器回傳 nil error       → SUCCESS
//   - 處理器回傳 error           → FAILED
//   - context 取消或逾時         → CANCELLED
//   - 找不到處理器               → FAILED（ErrProcessorNotFound）
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/internal/registry"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// ErrProcessorNotFound 註冊表中沒有對應的處理器
var ErrProcessorNotFound = errors.New("processor not found")

// Task 一次執行請求
type Task struct {
	JobID         types.JobID
	Processor     string
	Version       string
	Payload       map[string]interface{}
	IdempotentKey string
	Attempt       int
}

// Processor 任務處理器，output 會成為 TaskResult 的輸出
type Processor interface {
	Process(ctx context.Context, task Task) (map[string]interface{}, error)
}

// ProcessorFunc 讓一般函數實作 Processor
type ProcessorFunc func(ctx context.Context, task Task) (map[string]interface{}, error)

func (f ProcessorFunc) Process(ctx context.Context, task Task) (map[string]interface{}, error) {
	return f(ctx, task)
}

// Registry 處理器註冊表
type Registry = registry.Registry[Processor]

// NewRegistry 建立處理器註冊表
func NewRegistry(opts ...registry.Option) *Registry {
	return registry.New[Processor](opts...)
}

// Handler 執行一次任務並回傳結果；失敗以結果狀態表示，不回傳 error
type Handler func(ctx context.Context, task Task) types.TaskResult

// Middleware 包裝 Handler
type Middleware func(next Handler) Handler

// Chain 依序套用中介層，第一個中介層位於最外層
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// Dispatcher 任務分派器
type Dispatcher struct {
	registry *Registry
	handler  Handler
	clock    clockwork.Clock
	logger   *zap.Logger
}

// DispatcherOption Dispatcher 選項
type DispatcherOption func(*Dispatcher)

func WithClock(clock clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher 建立分派器，mws 依序包裝處理器呼叫
func NewDispatcher(reg *Registry, mws []Middleware, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.OrGlobal(d.logger, "executor")
	d.handler = Chain(d.invoke, mws...)
	return d
}

// Registry 分派器使用的註冊表
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch 執行任務，永遠回傳一個結果
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) types.TaskResult {
	if err := ctx.Err(); err != nil {
		return types.CancelledResult(err)
	}
	return d.handler(ctx, task)
}

// invoke 查找並呼叫處理器，是呼叫鏈的最內層
func (d *Dispatcher) invoke(ctx context.Context, task Task) types.TaskResult {
	start := d.clock.Now()

	p, ok := d.registry.Find(task.Processor, task.Version)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrProcessorNotFound, registry.Key(task.Processor, task.Version))
		d.logger.Warn("processor lookup failed", zap.String("job_id", string(task.JobID)), zap.Error(err))
		return types.NewResult(types.TaskFailed).StartTime(start).Error(err).Build()
	}

	output, err := p.Process(ctx, task)
	elapsed := d.clock.Since(start)

	switch {
	case err == nil:
		return types.NewResult(types.TaskSuccess).PutAll(output).Build().WithTiming(start, elapsed)
	case ctx.Err() != nil:
		return types.CancelledResult(ctx.Err()).WithTiming(start, elapsed)
	default:
		return types.NewResult(types.TaskFailed).PutAll(output).Error(err).Build().WithTiming(start, elapsed)
	}
}
