// ============================================================================
// Beaver-Exec 熔斷器 - 單一資源的狀態機
// ============================================================================
//
// Package: internal/breaker
// 文件: breaker.go
// 功能: 以 CLOSED / OPEN / HALF_OPEN 三態保護單一資源，避免故障擴散
//
// 狀態轉換:
//   CLOSED (初始)
//      ↓ totalCalls ≥ minimumNumberOfCalls 且失敗率 ≥ 門檻
//   OPEN (拒絕所有請求，記錄 openTime)
//      ↓ now - openTime ≥ waitDurationInOpenState 後的下一次請求
//   HALF_OPEN (最多放行 permittedCallsInHalfOpenState 個試探請求)
//      ├─ 任一成功 → CLOSED（計數器歸零）
//      └─ 任一失敗 → OPEN（重新記錄 openTime）
//
// 並發安全:
//   - state 是 atomic.Int32，所有轉換都透過 CompareAndSwap 完成
//   - 兩個 goroutine 同時嘗試 OPEN → HALF_OPEN 時只有一個會成功
//   - 計數器皆為 atomic.Int64，不使用互斥鎖
//   - 失敗率只在 CLOSED 狀態下評估
//
// 計時:
//   waitDurationInOpenState 在下一次請求時才檢查，不需要背景 goroutine。
//
// ============================================================================

package breaker

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// State 熔斷器狀態
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// transitionFunc 狀態轉換成功後的回呼
type transitionFunc func(name string, from, to State)

// CircuitBreaker 單一資源的熔斷器
type CircuitBreaker struct {
	name  string
	cfg   Config
	clock clockwork.Clock

	state         atomic.Int32
	totalCalls    atomic.Int64
	failedCalls   atomic.Int64
	halfOpenCalls atomic.Int64
	openTime      atomic.Int64 // UnixNano，僅在 OPEN 狀態下有意義

	onTransition transitionFunc
}

func newCircuitBreaker(name string, cfg Config, clock clockwork.Clock, fn transitionFunc) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		cfg:          cfg,
		clock:        clock,
		onTransition: fn,
	}
}

// Name 資源名稱
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config 生效中的配置
func (cb *CircuitBreaker) Config() Config { return cb.cfg }

// State 目前狀態（純讀取）
func (cb *CircuitBreaker) State() State { return State(cb.state.Load()) }

// AllowRequest 判斷是否放行一次請求
//
// OPEN 狀態下，等待時間到期後的第一個請求以 CAS 將狀態推進到 HALF_OPEN，
// 之後和所有 HALF_OPEN 請求一樣，依原子遞增的計數器決定是否放行。
func (cb *CircuitBreaker) AllowRequest() bool {
	switch cb.State() {
	case StateClosed:
		return true

	case StateOpen:
		opened := time.Unix(0, cb.openTime.Load())
		if cb.clock.Now().Sub(opened) < cb.cfg.WaitDurationInOpenState {
			return false
		}
		// halfOpenCalls 已在進入 OPEN 時歸零，這裡不可再歸零，
		// 否則會抹掉其他 goroutine 已取得的試探名額
		cb.transition(StateOpen, StateHalfOpen)
		return cb.admitHalfOpen()

	case StateHalfOpen:
		return cb.admitHalfOpen()
	}
	return false
}

func (cb *CircuitBreaker) admitHalfOpen() bool {
	return cb.halfOpenCalls.Add(1) <= cb.cfg.PermittedCallsInHalfOpenState
}

// RecordSuccess 記錄一次成功呼叫
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateHalfOpen:
		if cb.transition(StateHalfOpen, StateClosed) {
			cb.resetCounters()
		}
	case StateClosed:
		cb.totalCalls.Add(1)
		cb.evaluate()
	}
	// OPEN 狀態下的結果來自開啟前放行的請求，忽略
}

// Release 放棄一次已放行請求的結果，不影響計數
//
// HALF_OPEN 狀態下歸還試探名額；CLOSED 狀態下什麼都不做。
func (cb *CircuitBreaker) Release() {
	if cb.State() != StateHalfOpen {
		return
	}
	for {
		n := cb.halfOpenCalls.Load()
		if n <= 0 {
			return
		}
		if cb.halfOpenCalls.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// RecordFailure 記錄一次失敗呼叫
func (cb *CircuitBreaker) RecordFailure() {
	switch cb.State() {
	case StateHalfOpen:
		cb.trip(StateHalfOpen)
	case StateClosed:
		// 先增加 total 再增加 failed，讀取時先讀 failed，確保 failed ≤ total
		cb.totalCalls.Add(1)
		cb.failedCalls.Add(1)
		cb.evaluate()
	}
}

// evaluate 在 CLOSED 狀態下檢查失敗率
func (cb *CircuitBreaker) evaluate() {
	if cb.State() != StateClosed {
		return
	}
	failed := cb.failedCalls.Load()
	total := cb.totalCalls.Load()
	if total < cb.cfg.MinimumNumberOfCalls || total == 0 {
		return
	}
	if float64(failed)/float64(total)*100 >= cb.cfg.FailureRateThreshold {
		cb.trip(StateClosed)
	}
}

// trip 從 from 轉換到 OPEN
//
// openTime 必須在狀態對外可見前寫入，否則其他 goroutine 可能讀到舊的 openTime
// 而立即進入 HALF_OPEN。
func (cb *CircuitBreaker) trip(from State) {
	cb.openTime.Store(cb.clock.Now().UnixNano())
	if cb.transition(from, StateOpen) {
		cb.halfOpenCalls.Store(0)
	}
}

func (cb *CircuitBreaker) transition(from, to State) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cb.onTransition != nil {
		cb.onTransition(cb.name, from, to)
	}
	return true
}

func (cb *CircuitBreaker) resetCounters() {
	cb.failedCalls.Store(0)
	cb.totalCalls.Store(0)
	cb.halfOpenCalls.Store(0)
}

// reset 強制回到 CLOSED 並清空計數器
func (cb *CircuitBreaker) reset() {
	prev := State(cb.state.Swap(int32(StateClosed)))
	cb.resetCounters()
	cb.openTime.Store(0)
	if prev != StateClosed && cb.onTransition != nil {
		cb.onTransition(cb.name, prev, StateClosed)
	}
}

// Snapshot 熔斷器的唯讀快照
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	TotalCalls    int64     `json:"total_calls"`
	FailedCalls   int64     `json:"failed_calls"`
	HalfOpenCalls int64     `json:"half_open_calls"`
	OpenTime      time.Time `json:"open_time,omitempty"`
}

// FailureRate 失敗率（百分比），沒有呼叫時為 0
func (s Snapshot) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls) * 100
}

// Snapshot 取得目前計數
func (cb *CircuitBreaker) Snapshot() Snapshot {
	failed := cb.failedCalls.Load()
	total := cb.totalCalls.Load()
	if failed > total {
		// 與 reset 交錯時可能短暫出現
		failed = total
	}
	snap := Snapshot{
		Name:          cb.name,
		State:         cb.State(),
		TotalCalls:    total,
		FailedCalls:   failed,
		HalfOpenCalls: cb.halfOpenCalls.Load(),
	}
	if snap.State == StateOpen || snap.State == StateHalfOpen {
		if ot := cb.openTime.Load(); ot != 0 {
			snap.OpenTime = time.Unix(0, ot)
		}
	}
	return snap
}
