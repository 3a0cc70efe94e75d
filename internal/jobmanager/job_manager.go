// ============================================================================
// Beaver-Exec 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務的完整生命週期，所有狀態變更都經過 JobStatus 轉換表
//
// 任務狀態轉換 (State Machine):
//   PAUSED ──Resume()──┐
//                      ↓
//   PENDING (待處理) ──PopPending()──→ SCHEDULING (排程中)
//                                         ↓ MarkRunning()
//                                      RUNNING (執行中)
//                                         ↓ Complete()
//                          SUCCEEDED / FAILED / TERMINATED (終態)
//
//   非終態都可以透過 Terminate() 進入 TERMINATED。
//   轉換表以外的邊回傳 types.ErrIllegalTransition，狀態不變。
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，單一真實來源
//   queue []JobID       - PENDING 任務的 FIFO 佇列
//
//   佇列中的 ID 可能已被終止；PopPending 取出時略過非 PENDING 的項目，
//   因此終止任務不需要在佇列中搜尋。
//
// Write-Ahead 變更紀錄:
//   每次變更先在拷貝上計算新狀態，取得遞增的序號後寫入 Journal，
//   寫入成功才替換 jobs 中的任務。Journal 失敗時狀態與序號都不變。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構，Journal 在寫鎖內呼叫，紀錄順序即序號順序
//   - 對外回傳的 Job 都是拷貝，呼叫者修改不影響內部狀態
//
// 快照支持:
//   - Snapshot() - 序列化當前所有任務狀態與最後序號
//   - Restore()  - 從快照恢復任務狀態，PENDING 任務依建立時間重建佇列
//   - Apply()    - 重放快照之後的變更紀錄
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務 ID 為空
	ErrEmptyJobID = errors.New("job id is empty")
	// 新任務只能以 PENDING 或 PAUSED 建立
	ErrInvalidInitialStatus = errors.New("job must start as PENDING or PAUSED")
	// 快照中含有未知狀態
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	// 變更紀錄寫入失敗
	ErrJournal = errors.New("failed to record job change")
)

// Op 變更類型
type Op string

const (
	OpEnqueue    Op = "ENQUEUE"
	OpTransition Op = "TRANSITION"
	OpRetry      Op = "RETRY"
)

// Change 一筆任務變更，Job 為變更後的完整狀態
type Change struct {
	Seq uint64
	Op  Op
	Job *types.Job
}

// Journal 接收任務變更（例如 WAL），在 JobManager 寫鎖內同步呼叫
type Journal interface {
	Record(c Change) error
}

// JobManager 任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job // 所有任務的統一儲存
	queue   []types.JobID              // 待處理佇列
	seq     uint64                     // 最後一筆變更的序號
	journal Journal
	clock   clockwork.Clock
}

// Option JobManager 選項
type Option func(*JobManager)

// WithClock 指定時間來源（測試用）
func WithClock(clock clockwork.Clock) Option {
	return func(jm *JobManager) { jm.clock = clock }
}

// WithJournal 每筆變更在生效前寫入 j
func WithJournal(j Journal) Option {
	return func(jm *JobManager) { jm.journal = j }
}

// NewJobManager 建立新的任務管理器實例
//
// 使用範例：
//
//	jm := NewJobManager()
//	err := jm.Enqueue(types.Job{ID: "task-001", Processor: "resize"})
func NewJobManager(opts ...Option) *JobManager {
	jm := &JobManager{
		jobs:  make(map[types.JobID]*types.Job),
		queue: make([]types.JobID, 0),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

func (jm *JobManager) nowMs() int64 {
	return jm.clock.Now().UnixMilli()
}

// commitLocked 記錄變更後替換任務，呼叫者必須持有寫鎖
func (jm *JobManager) commitLocked(op Op, next *types.Job) error {
	seq := jm.seq + 1
	if jm.journal != nil {
		if err := jm.journal.Record(Change{Seq: seq, Op: op, Job: next.Clone()}); err != nil {
			return fmt.Errorf("%w: job %s: %v", ErrJournal, next.ID, err)
		}
	}
	jm.seq = seq
	jm.jobs[next.ID] = next
	return nil
}

// Enqueue 將新任務加入系統
//
// job.Status 為空或 PENDING 時進入待處理佇列；PAUSED 時只保存，等待 Resume。
func (jm *JobManager) Enqueue(job types.Job) error {
	if job.ID == "" {
		return ErrEmptyJobID
	}
	switch job.Status {
	case "":
		job.Status = types.StatusPending
	case types.StatusPending, types.StatusPaused:
	default:
		return ErrInvalidInitialStatus
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	now := jm.nowMs()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.EndedAt = 0
	job.Deadline = nil

	if err := jm.commitLocked(OpEnqueue, job.Clone()); err != nil {
		return err
	}
	if job.Status == types.StatusPending {
		jm.queue = append(jm.queue, job.ID)
	}
	return nil
}

// PopPending 取出下一個待處理任務並轉為 SCHEDULING
//
// 返回值：
//   - *types.Job: 任務拷貝，沒有待處理任務或紀錄失敗時為 nil
func (jm *JobManager) PopPending() *types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]

		job, ok := jm.jobs[id]
		if !ok || job.Status != types.StatusPending {
			continue
		}
		next := job.Clone()
		next.Status = types.StatusScheduling
		next.UpdatedAt = jm.nowMs()
		if err := jm.commitLocked(OpTransition, next); err != nil {
			// 放回佇列頭，下一次再試
			jm.queue = append([]types.JobID{id}, jm.queue...)
			return nil
		}
		return next.Clone()
	}
	return nil
}

// nextState 在 job 的拷貝上套用轉換，不修改 job
func (jm *JobManager) nextState(job *types.Job, to types.JobStatus, errMsg string) (*types.Job, error) {
	if err := types.ValidateTransition("job "+string(job.ID), job.Status, to); err != nil {
		return nil, err
	}
	now := jm.nowMs()
	next := job.Clone()
	next.Status = to
	next.UpdatedAt = now
	if errMsg != "" {
		next.LastError = errMsg
	}
	if to != types.StatusRunning {
		next.Deadline = nil
	}
	if to.IsTerminal() && next.EndedAt == 0 {
		next.EndedAt = now
	}
	return next, nil
}

// transitionLocked 依轉換表變更狀態，呼叫者必須持有寫鎖
func (jm *JobManager) transitionLocked(id types.JobID, to types.JobStatus, errMsg string, mutate func(*types.Job)) (*types.Job, error) {
	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	next, err := jm.nextState(job, to, errMsg)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(next)
	}
	if err := jm.commitLocked(OpTransition, next); err != nil {
		return nil, err
	}
	if to == types.StatusPending {
		jm.queue = append(jm.queue, id)
	}
	return next.Clone(), nil
}

// Transition 將任務轉換到 to
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - types.ErrIllegalTransition: 轉換不在轉換表中（包含從終態出發）
//   - ErrJournal: 變更紀錄失敗，狀態不變
func (jm *JobManager) Transition(id types.JobID, to types.JobStatus, errMsg string) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.transitionLocked(id, to, errMsg, nil)
}

// MarkRunning SCHEDULING → RUNNING，遞增執行次數並設定截止時間
func (jm *JobManager) MarkRunning(id types.JobID, deadline time.Time) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	d := deadline.UnixMilli()
	return jm.transitionLocked(id, types.StatusRunning, "", func(next *types.Job) {
		next.Attempt++
		next.Deadline = &d
	})
}

// Complete 依執行結果將 RUNNING 任務轉入終態
//
// SUCCESS → SUCCEEDED，FAILED / CANCELLED → FAILED；
// RETRYING 不是最終結果，只更新 LastError。
func (jm *JobManager) Complete(id types.JobID, result types.TaskResult) (*types.Job, error) {
	if result.Status() == types.TaskRetrying {
		return jm.RecordRetry(id, result.ErrorMessage())
	}
	to := types.StatusFailed
	if result.IsSuccess() {
		to = types.StatusSucceeded
	}
	return jm.Transition(id, to, result.ErrorMessage())
}

// RecordRetry 記錄一次執行層重試，狀態不變
func (jm *JobManager) RecordRetry(id types.JobID, errMsg string) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return nil, fmt.Errorf("%w: job %s is %s", types.ErrIllegalTransition, id, job.Status)
	}
	next := job.Clone()
	next.Attempt++
	next.LastError = errMsg
	next.UpdatedAt = jm.nowMs()
	if err := jm.commitLocked(OpRetry, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// Resume PAUSED → PENDING
func (jm *JobManager) Resume(id types.JobID) (*types.Job, error) {
	return jm.Transition(id, types.StatusPending, "")
}

// Terminate 將非終態任務轉為 TERMINATED
func (jm *JobManager) Terminate(id types.JobID, reason string) (*types.Job, error) {
	return jm.Transition(id, types.StatusTerminated, reason)
}

// GetExpiredJobs 取得截止時間早於 now 的 RUNNING 任務
func (jm *JobManager) GetExpiredJobs(now time.Time) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var expired []types.JobID
	nowMs := now.UnixMilli()
	for id, job := range jm.jobs {
		if job.Status == types.StatusRunning && job.Deadline != nil && *job.Deadline < nowMs {
			expired = append(expired, id)
		}
	}
	return expired
}

// JobsInStatus 取得指定狀態的所有任務 ID（排序）
func (jm *JobManager) JobsInStatus(status types.JobStatus) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var ids []types.JobID
	for id, job := range jm.jobs {
		if job.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats 各狀態的任務數量，每個狀態都會出現在結果中
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.JobStatus]int, len(types.AllStatuses()))
	for _, s := range types.AllStatuses() {
		stats[s] = 0
	}
	for _, job := range jm.jobs {
		stats[job.Status]++
	}
	return stats
}

// PendingLen 佇列長度（可能包含已終止但尚未被略過的項目）
func (jm *JobManager) PendingLen() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.queue)
}

// LastSeq 最後一筆變更的序號
func (jm *JobManager) LastSeq() uint64 {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.seq
}

// GetJob 取得任務拷貝
func (jm *JobManager) GetJob(id types.JobID) (*types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝），LastSeq 與任務狀態一致
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobs[id] = job.Clone()
	}
	return types.SnapshotData{
		Jobs:      jobs,
		SchemaVer: types.SnapshotSchemaVersion,
		TakenAt:   jm.nowMs(),
		LastSeq:   jm.seq,
	}
}

// Restore 以快照取代目前狀態
//
// PENDING 任務依 (CreatedAt, ID) 排序後重建佇列，確保恢復後 FIFO 順序穩定。
// 狀態不合法的任務會讓整個恢復失敗，原狀態保持不變。
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jobs := make(map[types.JobID]*types.Job, len(data.Jobs))
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		if !job.Status.IsValid() {
			return fmt.Errorf("%w: job %s has unknown status %q", ErrInvalidSnapshot, id, job.Status)
		}
		cp := job.Clone()
		cp.ID = id
		jobs[id] = cp
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = jobs
	jm.seq = data.LastSeq
	jm.rebuildQueueLocked()
	return nil
}

// Apply 依序號重放變更，序號不大於目前序號的變更略過
//
// 重放不會寫入 Journal。返回值為實際套用的變更數。
func (jm *JobManager) Apply(changes []Change) (int, error) {
	for _, c := range changes {
		if c.Job == nil || c.Job.ID == "" {
			return 0, fmt.Errorf("%w: change %d has no job", ErrInvalidSnapshot, c.Seq)
		}
		if !c.Job.Status.IsValid() {
			return 0, fmt.Errorf("%w: change %d has unknown status %q", ErrInvalidSnapshot, c.Seq, c.Job.Status)
		}
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	applied := 0
	for _, c := range changes {
		if c.Seq <= jm.seq {
			continue
		}
		jm.jobs[c.Job.ID] = c.Job.Clone()
		jm.seq = c.Seq
		applied++
	}
	if applied > 0 {
		jm.rebuildQueueLocked()
	}
	return applied, nil
}

func (jm *JobManager) rebuildQueueLocked() {
	var pending []*types.Job
	for _, job := range jm.jobs {
		if job.Status == types.StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt != pending[j].CreatedAt {
			return pending[i].CreatedAt < pending[j].CreatedAt
		}
		return pending[i].ID < pending[j].ID
	})
	queue := make([]types.JobID, 0, len(pending))
	for _, job := range pending {
		queue = append(queue, job.ID)
	}
	jm.queue = queue
}
