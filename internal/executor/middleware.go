package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/breaker"
	"github.com/ChuLiYu/beaver-exec/internal/idempotent"
	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/internal/metrics"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// ErrProcessorPanic 處理器 panic 後產生的錯誤
var ErrProcessorPanic = errors.New("processor panicked")

// unsuccessful 把非成功的結果包成 error，讓 Guard 與熔斷器把它視為失敗
type unsuccessful struct {
	result types.TaskResult
}

func (u *unsuccessful) Error() string {
	return fmt.Sprintf("task %s: %s", u.result.Status(), u.result.ErrorMessage())
}

func unwrapResult(err error) (types.TaskResult, bool) {
	var u *unsuccessful
	if errors.As(err, &u) {
		return u.result, true
	}
	return types.TaskResult{}, false
}

// Recover 捕捉呼叫鏈內的 panic，轉為 FAILED 結果
func Recover(logger *zap.Logger) Middleware {
	logger = log.OrGlobal(logger, "executor")
	return func(next Handler) Handler {
		return func(ctx context.Context, task Task) (result types.TaskResult) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("processor panicked",
						zap.String("job_id", string(task.JobID)),
						zap.String("processor", task.Processor),
						zap.Any("panic", p),
						zap.Stack("stack"))
					result = types.FailedResult(fmt.Errorf("%w: %v", ErrProcessorPanic, p))
				}
			}()
			return next(ctx, task)
		}
	}
}

// Metrics 記錄執行、結果與延遲；收集器的 panic 不會影響任務
//
// clock 為 nil 時使用真實時間。
func Metrics(collector metrics.Collector, logger *zap.Logger, clock clockwork.Clock) Middleware {
	c := metrics.Safe(collector, logger)
	hits, _ := c.(metrics.HitRecorder)
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, task Task) types.TaskResult {
			c.RecordExecution(task.Processor)
			start := clock.Now()
			r := next(ctx, task)
			c.RecordLatency(task.Processor, clock.Since(start))
			c.RecordResult(task.Processor, r.Status())
			if r.IdempotentHit() && hits != nil {
				hits.RecordIdempotentHit(task.Processor)
			}
			return r
		}
	}
}

// Idempotent 以 Task.IdempotentKey 去重，沒有冪等鍵的任務直接執行
//
// 只有 SUCCESS 結果會寫入快取；命中時回傳的結果帶有 IdempotentHit 標記。
func Idempotent(guard *idempotent.Guard[types.TaskResult]) Middleware {
	return func(next Handler) Handler {
		if guard == nil {
			return next
		}
		return func(ctx context.Context, task Task) types.TaskResult {
			if task.IdempotentKey == "" {
				return next(ctx, task)
			}
			r, hit, err := guard.Do(ctx, task.IdempotentKey, func(ctx context.Context) (types.TaskResult, error) {
				r := next(ctx, task)
				if !r.IsSuccess() {
					return r, &unsuccessful{result: r}
				}
				return r, nil
			})
			if err != nil {
				if r, ok := unwrapResult(err); ok {
					return r
				}
				if ctx.Err() != nil {
					return types.CancelledResult(err)
				}
				return types.NewResult(types.TaskFailed).Error(err).IdempotentKey(task.IdempotentKey).Build()
			}
			if hit {
				return r.WithIdempotentHit(task.IdempotentKey)
			}
			return r
		}
	}
}

// BreakerName 任務使用的熔斷器名稱
func BreakerName(task Task) string { return "processor." + task.Processor }

// Breaker 以處理器名稱熔斷；FAILED 記為失敗，CANCELLED 不計入也不佔用試探名額
func Breaker(svc *breaker.Service) Middleware {
	return func(next Handler) Handler {
		if svc == nil {
			return next
		}
		return func(ctx context.Context, task Task) types.TaskResult {
			r, err := breaker.Execute(ctx, svc, BreakerName(task), func(ctx context.Context) (types.TaskResult, error) {
				r := next(ctx, task)
				switch r.Status() {
				case types.TaskFailed:
					return r, &unsuccessful{result: r}
				case types.TaskCancelled:
					return r, breaker.Ignore(&unsuccessful{result: r})
				}
				return r, nil
			})
			if err != nil {
				if r, ok := unwrapResult(err); ok {
					return r
				}
				return types.FailedResult(err)
			}
			return r
		}
	}
}

// RetryConfig 重試設定
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
}

// DefaultRetryConfig 預設重試 2 次，退避 100ms 起、最多 2s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// RetryObserver 每次決定重試時收到一個 RETRYING 結果
type RetryObserver func(task Task, result types.TaskResult)

// Retry FAILED 結果以指數退避重試，最多 MaxRetries 次
//
// Retry 位於 Breaker 外層，每次嘗試都經過熔斷器；熔斷器拒絕的結果不重試。
// 重試期間 context 取消時回傳 CANCELLED。
func Retry(cfg RetryConfig, collector metrics.Collector, observer RetryObserver) Middleware {
	c := metrics.Safe(collector, nil)
	return func(next Handler) Handler {
		if cfg.MaxRetries <= 0 {
			return next
		}
		return func(ctx context.Context, task Task) types.TaskResult {
			var (
				last    types.TaskResult
				retries int
			)
			attempt := task

			op := func() error {
				last = next(ctx, attempt)
				if last.Status() != types.TaskFailed {
					return nil
				}
				if breaker.IsOpen(last.Err()) {
					return backoff.Permanent(last.Err())
				}
				return &unsuccessful{result: last}
			}
			notify := func(_ error, wait time.Duration) {
				retries++
				attempt.Attempt++
				if observer != nil {
					observer(task, types.NewResult(types.TaskRetrying).
						StartTime(last.StartTime()).
						Duration(last.Duration()).
						Error(last.Err()).
						ErrorMessage(last.ErrorMessage()).
						Put("retry", retries).
						Put("backoff", wait.String()).
						Build())
				}
			}

			err := backoff.RetryNotify(op, newRetryBackOff(ctx, cfg), notify)
			if retries > 0 {
				c.RecordRetries(task.Processor, retries)
			}
			if err != nil && ctx.Err() != nil && last.Status() == types.TaskFailed {
				return types.CancelledResult(ctx.Err())
			}
			return last
		}
	}
}

func newRetryBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		exp.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		exp.MaxInterval = cfg.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries)), ctx)
}
