// ============================================================================
// Beaver-Exec 工作流程協調器 - 樂觀並發控制
// ============================================================================
//
// Package: internal/workflow
// 文件: coordinator.go
// 功能: 讓多個執行者並發推進同一個 DAG 實例的活躍節點與共享 context，
//       不使用分散式鎖，也不會遺失更新
//
// 樂觀重試循環:
//   1. 讀取最新實例
//   2. 在拷貝上套用修改（Mutation）
//   3. 以讀到的版本做條件寫入
//   4. 版本不符 → 退避後回到 1，直到成功或達到嘗試上限
//
//   Mutation 每次都在最新狀態上重新計算，因此必須是純函數：
//   只依賴傳入的實例，不能累積外部副作用。
//
// 狀態轉換:
//   實例狀態沿用 JobStatus 的轉換表；EndTime 只在第一次進入終態時設定。
//
// ============================================================================

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

const (
	DefaultMaxAttempts     = 10
	DefaultInitialInterval = 10 * time.Millisecond
	DefaultMaxInterval     = time.Second
)

// Mutation 在實例拷貝上套用修改；回傳錯誤會中止重試
type Mutation func(inst *types.WorkflowInstance) error

// Coordinator 工作流程實例協調器
type Coordinator struct {
	store  Store
	clock  clockwork.Clock
	logger *zap.Logger

	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option Coordinator 選項
type Option func(*Coordinator)

// WithMaxAttempts 條件寫入的嘗試上限，0 表示不限（只受 context 限制）
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) { c.maxAttempts = n }
}

// WithBackoff 退避的起始與最大間隔
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Coordinator) {
		c.initialInterval = initial
		c.maxInterval = max
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		clock:           clockwork.NewRealClock(),
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	c.logger = log.OrGlobal(c.logger, "workflow")
	return c
}

// Start 建立並啟動實例：PENDING → SCHEDULING → RUNNING，活躍節點為 entryNodes
func (c *Coordinator) Start(ctx context.Context, definitionID string, entryNodes []string, vars map[string]interface{}) (*types.WorkflowInstance, error) {
	inst := &types.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		Status:       types.StatusPending,
		ActiveNodes:  types.NodeSet(entryNodes...),
		Context:      make(map[string]interface{}, len(vars)),
		StartTime:    c.clock.Now(),
	}
	for k, v := range vars {
		inst.Context[k] = v
	}
	if err := c.store.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("create workflow instance: %w", err)
	}
	c.logger.Info("workflow instance created",
		zap.String("id", inst.ID),
		zap.String("definition", definitionID),
		zap.Strings("entry", inst.ActiveNodeList()))

	if _, err := c.UpdateStatus(ctx, inst.ID, types.StatusScheduling, ""); err != nil {
		return nil, err
	}
	return c.UpdateStatus(ctx, inst.ID, types.StatusRunning, "")
}

// Get 讀取實例
func (c *Coordinator) Get(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return c.store.Get(ctx, id)
}

// Update 以樂觀重試套用 mutate，回傳寫入後的實例
func (c *Coordinator) Update(ctx context.Context, id string, mutate Mutation) (*types.WorkflowInstance, error) {
	var (
		result    *types.WorkflowInstance
		conflicts int
	)

	op := func() error {
		current, err := c.store.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return backoff.Permanent(err)
		}
		next.Version = current.Version

		ok, err := c.store.CompareAndSwap(ctx, next)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			conflicts++
			return ErrConcurrentModification
		}
		result = next
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("workflow write conflict, retrying",
			zap.String("id", id), zap.Int("conflicts", conflicts), zap.Duration("backoff", wait))
	}

	err := backoff.RetryNotify(op, c.newBackOff(ctx), notify)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrConcurrentModification):
		c.logger.Warn("workflow update abandoned", zap.String("id", id), zap.Int("conflicts", conflicts))
		return nil, &ConflictError{ID: id, Attempts: conflicts}
	default:
		return nil, err
	}
}

func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialInterval
	exp.MaxInterval = c.maxInterval
	exp.MaxElapsedTime = 0
	exp.Clock = c.clock
	exp.Reset()

	var b backoff.BackOff = exp
	if c.maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.maxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// UpdateStatus 依 JobStatus 轉換表變更實例狀態
//
// 進入終態時設定 EndTime（僅第一次）；errMsg 非空時記錄為 ErrorMessage。
func (c *Coordinator) UpdateStatus(ctx context.Context, id string, to types.JobStatus, errMsg string) (*types.WorkflowInstance, error) {
	inst, err := c.Update(ctx, id, func(inst *types.WorkflowInstance) error {
		if err := types.ValidateTransition("workflow "+inst.ID, inst.Status, to); err != nil {
			return err
		}
		applyStatus(inst, to, errMsg, c.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("workflow status changed", zap.String("id", id), zap.String("status", string(to)))
	return inst, nil
}

func applyStatus(inst *types.WorkflowInstance, to types.JobStatus, errMsg string, now time.Time) {
	inst.Status = to
	if errMsg != "" {
		inst.ErrorMessage = errMsg
	}
	if to.IsTerminal() && inst.EndTime == nil {
		inst.EndTime = &now
	}
}

// CompleteNode 節點完成：從活躍集合移除 node，加入 next，並把 output 合併進 context
//
// 活躍集合因此清空時，實例轉為 SUCCEEDED。node 不在活躍集合中時回傳 ErrNodeNotActive，
// 代表另一個執行者已經處理過它。
func (c *Coordinator) CompleteNode(ctx context.Context, id, node string, next []string, output map[string]interface{}) (*types.WorkflowInstance, error) {
	return c.Update(ctx, id, func(inst *types.WorkflowInstance) error {
		if inst.Status != types.StatusRunning {
			return fmt.Errorf("%w: workflow %s is %s", ErrNotRunning, inst.ID, inst.Status)
		}
		if _, ok := inst.ActiveNodes[node]; !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotActive, node)
		}
		delete(inst.ActiveNodes, node)
		for _, n := range next {
			inst.ActiveNodes[n] = struct{}{}
		}
		for k, v := range output {
			inst.Context[k] = v
		}
		if len(inst.ActiveNodes) == 0 {
			applyStatus(inst, types.StatusSucceeded, "", c.clock.Now())
		}
		return nil
	})
}

// Advance 依定義推進：完成 node，啟動所有已就緒的後繼節點，回傳寫入後的實例與新啟動的節點
//
// 就緒判斷在每次重試的最新狀態上重新計算，匯合節點只會被啟動一次。
func (c *Coordinator) Advance(ctx context.Context, id string, def *types.WorkflowDefinition, node string, output map[string]interface{}) (*types.WorkflowInstance, []string, error) {
	var started []string
	inst, err := c.Update(ctx, id, func(inst *types.WorkflowInstance) error {
		if inst.Status != types.StatusRunning {
			return fmt.Errorf("%w: workflow %s is %s", ErrNotRunning, inst.ID, inst.Status)
		}
		if _, ok := inst.ActiveNodes[node]; !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotActive, node)
		}
		delete(inst.ActiveNodes, node)
		started = def.Ready(node, inst.ActiveNodes)
		for _, n := range started {
			inst.ActiveNodes[n] = struct{}{}
		}
		for k, v := range output {
			inst.Context[k] = v
		}
		if len(inst.ActiveNodes) == 0 {
			applyStatus(inst, types.StatusSucceeded, "", c.clock.Now())
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inst, started, nil
}

// FailNode 節點失敗：實例轉為 FAILED 並記錄原因
func (c *Coordinator) FailNode(ctx context.Context, id, node string, cause error) (*types.WorkflowInstance, error) {
	msg := node
	if cause != nil {
		msg = node + ": " + cause.Error()
	}
	return c.Update(ctx, id, func(inst *types.WorkflowInstance) error {
		if err := types.ValidateTransition("workflow "+inst.ID, inst.Status, types.StatusFailed); err != nil {
			return err
		}
		delete(inst.ActiveNodes, node)
		applyStatus(inst, types.StatusFailed, msg, c.clock.Now())
		return nil
	})
}

// SetContext 寫入共享 context 中的單一值
func (c *Coordinator) SetContext(ctx context.Context, id, key string, value interface{}) (*types.WorkflowInstance, error) {
	return c.Update(ctx, id, func(inst *types.WorkflowInstance) error {
		inst.Context[key] = value
		return nil
	})
}

// PurgeExpired 刪除結束時間早於 now - retention 的實例
func (c *Coordinator) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	n, err := c.store.DeleteExpired(ctx, c.clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("expired workflow instances purged", zap.Int("count", n))
	}
	return n, nil
}
