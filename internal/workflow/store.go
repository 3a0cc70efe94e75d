package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

var (
	// ErrConcurrentModification 條件寫入時版本已被其他執行者改變
	ErrConcurrentModification = errors.New("workflow instance was modified concurrently")

	ErrNotFound      = errors.New("workflow instance not found")
	ErrAlreadyExists = errors.New("workflow instance already exists")
)

// Store 工作流程實例的持久化介面
//
// 所有修改都必須經過 CompareAndSwap：只有在儲存中的版本等於 inst.Version 時才寫入，
// 寫入成功後儲存中的版本與 inst.Version 都變為 inst.Version+1。
// 版本不符時回傳 (false, nil)，不是錯誤。
type Store interface {
	Create(ctx context.Context, inst *types.WorkflowInstance) error
	Get(ctx context.Context, id string) (*types.WorkflowInstance, error)
	CompareAndSwap(ctx context.Context, inst *types.WorkflowInstance) (bool, error)
	// DeleteExpired 刪除 EndTime 早於 before 的實例，回傳刪除數量
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// ConflictError 重試次數用盡仍無法寫入
type ConflictError struct {
	ID       string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workflow %s: gave up after %d conflicting writes", e.ID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

var (
	// ErrNodeNotActive 節點不在活躍集合中
	ErrNodeNotActive = errors.New("node is not active")
	// ErrNotRunning 實例不在 RUNNING 狀態
	ErrNotRunning = errors.New("workflow instance is not running")
)
