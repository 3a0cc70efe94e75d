package types

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition 狀態轉換不在合法轉換表中
var ErrIllegalTransition = errors.New("illegal state transition")

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending    JobStatus = "PENDING"    // 待處理：任務已建立但尚未排程
	StatusScheduling JobStatus = "SCHEDULING" // 排程中：已被取出，等待分派給 worker
	StatusRunning    JobStatus = "RUNNING"    // 執行中
	StatusSucceeded  JobStatus = "SUCCEEDED"  // 成功（終態）
	StatusFailed     JobStatus = "FAILED"     // 失敗（終態）
	StatusTerminated JobStatus = "TERMINATED" // 被終止（終態）
	StatusPaused     JobStatus = "PAUSED"     // 暫停
)

// transitions 合法轉換表，未列出的邊一律拒絕
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusScheduling, StatusTerminated},
	StatusScheduling: {StatusRunning, StatusFailed, StatusTerminated},
	StatusRunning:    {StatusSucceeded, StatusFailed, StatusTerminated},
	StatusPaused:     {StatusPending, StatusTerminated},
}

// AllStatuses 回傳所有狀態，順序固定
func AllStatuses() []JobStatus {
	return []JobStatus{
		StatusPending, StatusScheduling, StatusRunning,
		StatusSucceeded, StatusFailed, StatusTerminated, StatusPaused,
	}
}

// IsTerminal 是否為終態
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// IsValid 是否為已定義的狀態
func (s JobStatus) IsValid() bool {
	for _, v := range AllStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransitionTo 判斷是否可以從 s 轉換到 target
//
// 這是狀態轉換的唯一判斷依據：
//   - 終態不允許任何轉換
//   - 未列在轉換表中的邊一律回傳 false
//
// 呼叫端必須在持久化新狀態前檢查，false 代表轉換錯誤而不是 no-op。
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// ValidateTransition 檢查轉換，非法時回傳 *TransitionError
func ValidateTransition(entity string, from, to JobStatus) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return &TransitionError{Entity: entity, From: from, To: to}
}

// TransitionError 非法狀態轉換錯誤，可用 errors.Is(err, ErrIllegalTransition) 判斷
type TransitionError struct {
	Entity string
	From   JobStatus
	To     JobStatus
}

func (e *TransitionError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
	}
	return fmt.Sprintf("%s: %s %s -> %s", ErrIllegalTransition, e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
