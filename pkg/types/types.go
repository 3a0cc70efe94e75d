// Package types 定義了 beaver-exec 執行核心共用的領域模型
package types

import (
	"encoding/json"
	"sort"
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// Job 任務結構，代表排程器中的一個工作單元
type Job struct {
	// 識別與資料
	ID        JobID                  `json:"id"`                  // 任務唯一識別碼
	Processor string                 `json:"processor"`           // 處理器名稱（對應 ProcessorRegistry）
	Version   string                 `json:"version,omitempty"`   // 處理器版本，空字串代表 default
	Payload   map[string]interface{} `json:"payload"`             // 任務執行所需的資料載荷
	IdemKey   string                 `json:"idem_key,omitempty"`  // 冪等鍵，空字串代表不做去重

	// 狀態追蹤
	Status  JobStatus `json:"status"`  // 任務當前狀態
	Attempt int       `json:"attempt"` // 已執行次數

	// 時間管理（Unix 毫秒時間戳）
	Timeout   time.Duration `json:"timeout"`              // 單次執行超時時間
	CreatedAt int64         `json:"created_at"`           // 任務建立時間
	UpdatedAt int64         `json:"updated_at"`           // 任務最後更新時間
	Deadline  *int64        `json:"deadline,omitempty"`   // RUNNING 狀態的截止時間
	EndedAt   int64         `json:"ended_at,omitempty"`   // 進入終態的時間，只設定一次
	LastError string        `json:"last_error,omitempty"` // 最近一次失敗原因

	Workflow *WorkflowStep `json:"workflow,omitempty"` // 屬於工作流程節點時不為 nil
}

// WorkflowStep 任務對應的工作流程實例與節點
type WorkflowStep struct {
	InstanceID   string `json:"instance_id"`
	DefinitionID string `json:"definition_id"`
	Node         string `json:"node"`
}

// Clone 複製任務，Payload 只做一層拷貝
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	if j.Deadline != nil {
		d := *j.Deadline
		cp.Deadline = &d
	}
	if j.Workflow != nil {
		step := *j.Workflow
		cp.Workflow = &step
	}
	return &cp
}

// SnapshotSchemaVersion 目前的快照資料結構版本
const SnapshotSchemaVersion = 2

// SnapshotData 快照資料，用於 JobManager 狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	TakenAt   int64          `json:"taken_at"`   // 快照建立時間（Unix 毫秒）
	LastSeq   uint64         `json:"last_seq"`   // 快照包含的最後一個變更序號，恢復時只重放之後的 WAL 事件
}

// WorkflowInstance DAG 工作流程的執行實例
//
// ActiveNodes 與 Context 只能透過帶版本檢查的 compare-and-swap 修改，
// Version 由儲存層在每次成功寫入後遞增。
type WorkflowInstance struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	Status       JobStatus              `json:"status"`
	ActiveNodes  map[string]struct{}    `json:"-"`
	Context      map[string]interface{} `json:"context"`
	Version      int64                  `json:"version"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ActiveNodeList 回傳排序後的活躍節點列表，方便序列化與比較
func (w *WorkflowInstance) ActiveNodeList() []string {
	nodes := make([]string, 0, len(w.ActiveNodes))
	for n := range w.ActiveNodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// NodeSet 由節點列表建立集合
func NodeSet(nodes ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return set
}

// Clone 深拷貝實例（Context 只做一層拷貝）
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	cp := *w
	cp.ActiveNodes = make(map[string]struct{}, len(w.ActiveNodes))
	for n := range w.ActiveNodes {
		cp.ActiveNodes[n] = struct{}{}
	}
	cp.Context = make(map[string]interface{}, len(w.Context))
	for k, v := range w.Context {
		cp.Context[k] = v
	}
	if w.EndTime != nil {
		t := *w.EndTime
		cp.EndTime = &t
	}
	return &cp
}

type workflowInstanceJSON WorkflowInstance

// MarshalJSON ActiveNodes 以排序後的陣列輸出
func (w WorkflowInstance) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		workflowInstanceJSON
		ActiveNodes []string `json:"active_nodes"`
	}{workflowInstanceJSON(w), w.ActiveNodeList()})
}

func (w *WorkflowInstance) UnmarshalJSON(data []byte) error {
	var aux struct {
		*workflowInstanceJSON
		ActiveNodes []string `json:"active_nodes"`
	}
	aux.workflowInstanceJSON = (*workflowInstanceJSON)(w)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	w.ActiveNodes = NodeSet(aux.ActiveNodes...)
	return nil
}
