package types

import (
	"sort"
	"time"
)

// TaskStatus 單次執行嘗試的結果狀態
type TaskStatus string

const (
	TaskSuccess   TaskStatus = "SUCCESS"
	TaskFailed    TaskStatus = "FAILED"
	TaskRetrying  TaskStatus = "RETRYING"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Output 依插入順序保存的唯讀輸出表
//
// 建立後不再修改，所有讀取方法都回傳拷貝或單一值。
type Output struct {
	keys   []string
	values map[string]interface{}
}

// Len 輸出項目數量
func (o Output) Len() int { return len(o.keys) }

// Keys 依插入順序回傳所有鍵（拷貝）
func (o Output) Keys() []string {
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	return keys
}

// Get 讀取單一值
func (o Output) Get(key string) (interface{}, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Map 回傳一般 map 的拷貝
func (o Output) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(o.values))
	for k, v := range o.values {
		m[k] = v
	}
	return m
}

// TaskResult 描述一次任務執行嘗試的結果，建構後不可變
//
// 只能透過 ResultBuilder 建立；WithTiming / WithIdempotentHit
// 都回傳新的實例，原實例保持不變。
type TaskResult struct {
	status        TaskStatus
	startTime     time.Time
	duration      time.Duration
	errorMessage  string
	err           error
	output        Output
	idempotentKey string
	idempotentHit bool
}

func (r TaskResult) Status() TaskStatus      { return r.status }
func (r TaskResult) StartTime() time.Time    { return r.startTime }
func (r TaskResult) Duration() time.Duration { return r.duration }
func (r TaskResult) ErrorMessage() string    { return r.errorMessage }
func (r TaskResult) Err() error              { return r.err }
func (r TaskResult) Output() Output          { return r.output }
func (r TaskResult) IdempotentKey() string   { return r.idempotentKey }
func (r TaskResult) IdempotentHit() bool     { return r.idempotentHit }

// IsSuccess 當且僅當狀態為 SUCCESS
func (r TaskResult) IsSuccess() bool { return r.status == TaskSuccess }

// WithTiming 回傳帶有執行時間資訊的新結果
func (r TaskResult) WithTiming(start time.Time, duration time.Duration) TaskResult {
	cp := r
	cp.startTime = start
	cp.duration = duration
	return cp
}

// WithIdempotentHit 回傳標記為冪等命中的新結果
func (r TaskResult) WithIdempotentHit(key string) TaskResult {
	cp := r
	cp.idempotentKey = key
	cp.idempotentHit = true
	return cp
}

// ============================================================================
// Builder
// ============================================================================

// ResultBuilder TaskResult 建構器，不可並發使用
type ResultBuilder struct {
	r      TaskResult
	keys   []string
	values map[string]interface{}
}

// NewResult 以指定狀態開始建構結果
func NewResult(status TaskStatus) *ResultBuilder {
	return &ResultBuilder{
		r:      TaskResult{status: status},
		values: make(map[string]interface{}),
	}
}

func (b *ResultBuilder) Status(s TaskStatus) *ResultBuilder {
	b.r.status = s
	return b
}

func (b *ResultBuilder) StartTime(t time.Time) *ResultBuilder {
	b.r.startTime = t
	return b
}

func (b *ResultBuilder) Duration(d time.Duration) *ResultBuilder {
	b.r.duration = d
	return b
}

// Error 設定錯誤，若尚未設定錯誤訊息則使用 err.Error()
func (b *ResultBuilder) Error(err error) *ResultBuilder {
	b.r.err = err
	if err != nil && b.r.errorMessage == "" {
		b.r.errorMessage = err.Error()
	}
	return b
}

func (b *ResultBuilder) ErrorMessage(msg string) *ResultBuilder {
	b.r.errorMessage = msg
	return b
}

// Put 追加一筆輸出；重複的鍵覆蓋值但保留原順序
func (b *ResultBuilder) Put(key string, value interface{}) *ResultBuilder {
	if _, exists := b.values[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
	return b
}

// PutAll 追加整個 map，鍵依字典序加入以確保順序穩定
func (b *ResultBuilder) PutAll(m map[string]interface{}) *ResultBuilder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.Put(k, m[k])
	}
	return b
}

func (b *ResultBuilder) IdempotentKey(key string) *ResultBuilder {
	b.r.idempotentKey = key
	return b
}

func (b *ResultBuilder) IdempotentHit(hit bool) *ResultBuilder {
	b.r.idempotentHit = hit
	return b
}

// Build 產生不可變的 TaskResult，輸出表為防禦性拷貝
func (b *ResultBuilder) Build() TaskResult {
	r := b.r
	keys := make([]string, len(b.keys))
	copy(keys, b.keys)
	values := make(map[string]interface{}, len(b.values))
	for k, v := range b.values {
		values[k] = v
	}
	r.output = Output{keys: keys, values: values}
	return r
}

// SuccessResult 成功結果的快捷建構
func SuccessResult(output map[string]interface{}) TaskResult {
	return NewResult(TaskSuccess).PutAll(output).Build()
}

// FailedResult 失敗結果的快捷建構
func FailedResult(err error) TaskResult {
	return NewResult(TaskFailed).Error(err).Build()
}

// CancelledResult 取消結果的快捷建構
func CancelledResult(err error) TaskResult {
	return NewResult(TaskCancelled).Error(err).Build()
}
