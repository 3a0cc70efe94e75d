// ============================================================================
// Beaver-Exec 冪等快取 - TTL + 容量上限的結果快取
// ============================================================================
//
// Package: internal/idempotent
// 文件: cache.go
// 功能: 以冪等鍵保存已完成的執行結果，讓重複或重試的請求直接取得結果
//
// 設計要點:
//   - 儲存使用 sync.Map，讀寫不需要全域鎖
//   - 每個 entry 帶有 atomic 存取戳記，取自單調遞增的全域 atomic 計數器
//     touch 只是一次 atomic Store，不需要任何鎖
//   - 存取順序保存在以戳記排序的最小堆（evictMu 保護），Put 時推入一筆
//   - 堆是惰性更新的：touch 不碰堆，淘汰時若堆頂的戳記已過時就以新戳記重新推入，
//     已被覆寫或刪除的項目直接丟棄；每次淘汰為 O(log n)
//   - 堆中過時項目超過 2 × capacity 時依現有 entry 重建
//   - 背景 sweeper 定期清除過期 entry，間隔為 max(1s, min(ttl, 60s))
//
// LRU 順序為 best-effort：高並發下戳記順序不一定與實際存取順序完全一致，
// 但容量上限最終一定成立。
//
// ============================================================================

package idempotent

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
)

const (
	// DefaultTTL ttl ≤ 0 時使用
	DefaultTTL = 30 * time.Minute

	// DefaultCapacity capacity ≤ 0 時使用
	DefaultCapacity = 10000

	minSweepInterval = time.Second
	maxSweepInterval = 60 * time.Second
)

type entry[V any] struct {
	value    V
	expireAt time.Time
	stamp    atomic.Int64
}

// stampRef 堆中的一筆存取紀錄，stamp 可能已落後於 e 的最新戳記
type stampRef[V any] struct {
	stamp int64
	key   string
	e     *entry[V]
}

type stampHeap[V any] []stampRef[V]

func (h stampHeap[V]) Len() int           { return len(h) }
func (h stampHeap[V]) Less(i, j int) bool { return h[i].stamp < h[j].stamp }
func (h stampHeap[V]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stampHeap[V]) Push(x any)        { *h = append(*h, x.(stampRef[V])) }
func (h *stampHeap[V]) Pop() any {
	old := *h
	n := len(old)
	ref := old[n-1]
	old[n-1] = stampRef[V]{}
	*h = old[:n-1]
	return ref
}

// Cache 冪等結果快取
type Cache[V any] struct {
	items    sync.Map // string -> *entry[V]
	size     atomic.Int64
	counter  atomic.Int64
	evictMu  sync.Mutex
	order    stampHeap[V] // evictMu 保護
	ttl      time.Duration
	capacity int
	clock    clockwork.Clock
	logger   *zap.Logger

	evictions atomic.Int64
	expired   atomic.Int64

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Option Cache 選項
type Option func(*options)

type options struct {
	ttl      time.Duration
	capacity int
	clock    clockwork.Clock
	logger   *zap.Logger
}

func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithCapacity(capacity int) Option {
	return func(o *options) { o.capacity = capacity }
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New 建立快取並啟動背景 sweeper，使用完畢必須呼叫 Close
func New[V any](opts ...Option) *Cache[V] {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}

	c := &Cache[V]{
		ttl:      o.ttl,
		capacity: o.capacity,
		clock:    o.clock,
		logger:   log.OrGlobal(o.logger, "idempotent"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.sweepLoop(SweepInterval(c.ttl))
	return c
}

// SweepInterval 背景清理間隔 max(1s, min(ttl, 60s))
func SweepInterval(ttl time.Duration) time.Duration {
	d := ttl
	if d > maxSweepInterval {
		d = maxSweepInterval
	}
	if d < minSweepInterval {
		d = minSweepInterval
	}
	return d
}

// TTL 生效中的存活時間
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// Capacity 容量上限
func (c *Cache[V]) Capacity() int { return c.capacity }

// Get 讀取 key；不存在或已過期時回傳 false，過期 entry 會立即移除
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := c.items.Load(key)
	if !ok {
		return zero, false
	}
	e := v.(*entry[V])
	if !c.clock.Now().Before(e.expireAt) {
		c.deleteEntry(key, e)
		c.expired.Add(1)
		return zero, false
	}
	c.touch(e)
	return e.value, true
}

// Put 寫入或覆寫 key，expireAt = now + ttl，隨後執行容量淘汰
func (c *Cache[V]) Put(key string, value V) {
	e := &entry[V]{value: value, expireAt: c.clock.Now().Add(c.ttl)}
	c.touch(e)
	if _, loaded := c.items.Swap(key, e); !loaded {
		c.size.Add(1)
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	heap.Push(&c.order, stampRef[V]{stamp: e.stamp.Load(), key: key, e: e})
	c.evictLocked()
	if len(c.order) > 2*c.capacity {
		c.rebuildLocked()
	}
}

// Remove 刪除 key，回傳 key 是否存在
func (c *Cache[V]) Remove(key string) bool {
	if _, loaded := c.items.LoadAndDelete(key); loaded {
		c.size.Add(-1)
		return true
	}
	return false
}

// Size 目前 entry 數量（含尚未被清除的過期 entry）
func (c *Cache[V]) Size() int {
	return int(c.size.Load())
}

// Stats 淘汰與過期計數
type Stats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

func (c *Cache[V]) Stats() Stats {
	return Stats{
		Size:      c.Size(),
		Capacity:  c.capacity,
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

// Close 停止 sweeper 並清空儲存，可重複呼叫
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		c.items.Range(func(k, v any) bool {
			c.deleteEntry(k.(string), v.(*entry[V]))
			return true
		})
		c.evictMu.Lock()
		c.order = nil
		c.evictMu.Unlock()
	})
}

func (c *Cache[V]) touch(e *entry[V]) {
	e.stamp.Store(c.counter.Add(1))
}

// deleteEntry 僅在 key 仍指向 e 時刪除，避免誤刪並發寫入的新值
func (c *Cache[V]) deleteEntry(key string, e *entry[V]) bool {
	if c.items.CompareAndDelete(key, e) {
		c.size.Add(-1)
		return true
	}
	return false
}

// evictLocked 彈出戳記最小的 entry 直到 size ≤ capacity
func (c *Cache[V]) evictLocked() {
	for c.size.Load() > int64(c.capacity) && len(c.order) > 0 {
		ref := heap.Pop(&c.order).(stampRef[V])
		cur, ok := c.items.Load(ref.key)
		if !ok || cur.(*entry[V]) != ref.e {
			continue
		}
		if s := ref.e.stamp.Load(); s != ref.stamp {
			// 推入後被存取過，依最新戳記重新排序
			ref.stamp = s
			heap.Push(&c.order, ref)
			continue
		}
		if c.deleteEntry(ref.key, ref.e) {
			c.evictions.Add(1)
			c.logger.Debug("idempotent entry evicted", zap.String("key", ref.key))
		}
	}
}

// rebuildLocked 丟棄過時紀錄，依現有 entry 重建堆
func (c *Cache[V]) rebuildLocked() {
	order := make(stampHeap[V], 0, c.Size())
	c.items.Range(func(k, v any) bool {
		e := v.(*entry[V])
		order = append(order, stampRef[V]{stamp: e.stamp.Load(), key: k.(string), e: e})
		return true
	})
	heap.Init(&order)
	c.order = order
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	defer close(c.doneCh)
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.Chan():
			c.safeSweep()
		}
	}
}

// safeSweep sweep 中的 panic 不能讓背景 goroutine 終止整個程序
func (c *Cache[V]) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("idempotent sweep panicked", zap.Any("panic", r))
		}
	}()
	if n := c.sweep(); n > 0 {
		c.logger.Debug("idempotent sweep", zap.Int("expired", n), zap.Int("size", c.Size()))
	}
}

// sweep 清除所有已過期 entry，回傳清除數量
func (c *Cache[V]) sweep() int {
	now := c.clock.Now()
	removed := 0
	c.items.Range(func(k, v any) bool {
		e := v.(*entry[V])
		if !now.Before(e.expireAt) && c.deleteEntry(k.(string), e) {
			removed++
		}
		return true
	})
	c.expired.Add(int64(removed))
	return removed
}
