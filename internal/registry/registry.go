// ============================================================================
// Beaver-Exec 處理器註冊表 - 有界、具版本的名稱 → 處理器目錄
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 以「名稱 + 版本」查找任務處理器
//
// 鍵格式:
//   strings.ToLower(name) + ":" + version，版本預設為 "default"
//   名稱與版本都必須符合 ^[a-zA-Z0-9_.-]+$
//
// 儲存結構:
//   所有註冊存放在單一 hashicorp LRU，容量即總上限，未滿時不會淘汰任何處理器。
//   - 讀取（Find）只經過 LRU 自身的鎖
//   - 寫入（Register / Unregister）另外持有以 xxhash 選出的鍵鎖（lock stripe），
//     確保同一個鍵的「檢查重複 + 寫入」是原子的，不同鍵互不阻塞
//   - 註冊 ID 由全域 atomic 計數器產生，跨 goroutine 嚴格遞增
//
// 淘汰:
//   - 超過容量時淘汰最久未使用的處理器
//   - 設定 TTL 時，處理器在註冊後 TTL 到期即失效；到期以注入的 clock 判斷，
//     在查找、列舉與統計時移除，不使用背景 goroutine
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
)

const (
	// DefaultVersion 未指定版本時使用
	DefaultVersion = "default"

	DefaultCapacity = 200
	DefaultShards   = 8 // 鍵鎖數量
	DefaultTTL      = 24 * time.Hour
)

var (
	ErrInvalidName  = errors.New("invalid processor name")
	ErrNilProcessor = errors.New("processor is nil")
	ErrDuplicate    = errors.New("processor already registered")
	ErrShutdown     = errors.New("registry is shut down")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ProcessorInfo 註冊資訊
type ProcessorInfo[P any] struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	Processor        P         `json:"-"`
	RegistrationID   int64     `json:"registration_id"`
	RegistrationTime time.Time `json:"registration_time"`
}

// Key 註冊鍵
func (i *ProcessorInfo[P]) Key() string { return Key(i.Name, i.Version) }

// Key 組合註冊鍵，空版本視為 DefaultVersion
func Key(name, version string) string {
	if version == "" {
		version = DefaultVersion
	}
	return strings.ToLower(name) + ":" + version
}

// Registry 處理器註冊表
type Registry[P any] struct {
	entries *lru.Cache[string, *ProcessorInfo[P]]
	locks   []sync.Mutex
	// removing 記錄由 Unregister 主動移除的項目，淘汰回呼據此區分主動移除與淘汰
	removing sync.Map // *ProcessorInfo[P] -> struct{}
	ttl      time.Duration
	nextID   atomic.Int64
	closed   atomic.Bool
	clock    clockwork.Clock
	logger   *zap.Logger

	totalRegistered   atomic.Int64
	totalUnregistered atomic.Int64
	hits              atomic.Int64
	misses            atomic.Int64
	evictions         atomic.Int64
}

// Option Registry 選項
type Option func(*options)

type options struct {
	capacity int
	shards   int
	ttl      time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
}

// WithCapacity 總容量上限
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithShards 寫入用鍵鎖的數量
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithTTL 註冊後的存活時間，0 表示永不過期
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New 建立註冊表
func New[P any](opts ...Option) *Registry[P] {
	o := options{
		capacity: DefaultCapacity,
		shards:   DefaultShards,
		ttl:      DefaultTTL,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}
	if o.shards <= 0 {
		o.shards = DefaultShards
	}
	if o.ttl < 0 {
		o.ttl = 0
	}

	r := &Registry[P]{
		locks:  make([]sync.Mutex, o.shards),
		ttl:    o.ttl,
		clock:  o.clock,
		logger: log.OrGlobal(o.logger, "registry"),
	}
	// 容量為正時 NewWithEvict 不會失敗
	r.entries, _ = lru.NewWithEvict[string, *ProcessorInfo[P]](o.capacity, r.onEvict)
	return r
}

func (r *Registry[P]) onEvict(key string, info *ProcessorInfo[P]) {
	if _, ok := r.removing.LoadAndDelete(info); ok || r.closed.Load() {
		return
	}
	r.evictions.Add(1)
	r.logger.Debug("processor evicted", zap.String("key", key), zap.Int64("registration_id", info.RegistrationID))
}

func (r *Registry[P]) lockFor(key string) *sync.Mutex {
	return &r.locks[xxhash.Sum64String(key)%uint64(len(r.locks))]
}

func (r *Registry[P]) expired(info *ProcessorInfo[P]) bool {
	return r.ttl > 0 && !r.clock.Now().Before(info.RegistrationTime.Add(r.ttl))
}

// expire 在鍵鎖保護下移除已到期的 info；同一鍵已被重新註冊時不動作
func (r *Registry[P]) expire(key string, info *ProcessorInfo[P]) {
	mu := r.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if cur, ok := r.entries.Peek(key); ok && cur == info {
		r.entries.Remove(key)
	}
}

// live 列出所有未到期的註冊，順帶移除已到期者
func (r *Registry[P]) live() []*ProcessorInfo[P] {
	var out []*ProcessorInfo[P]
	for _, key := range r.entries.Keys() {
		info, ok := r.entries.Peek(key)
		if !ok {
			continue
		}
		if r.expired(info) {
			r.expire(key, info)
			continue
		}
		out = append(out, info)
	}
	return out
}

// RegisterOption 註冊選項
type RegisterOption func(*registerOptions)

type registerOptions struct {
	version   string
	overwrite bool
}

// WithVersion 指定版本
func WithVersion(v string) RegisterOption {
	return func(o *registerOptions) { o.version = v }
}

// WithOverwrite 允許覆寫相同鍵的既有註冊
func WithOverwrite() RegisterOption {
	return func(o *registerOptions) { o.overwrite = true }
}

func validate(kind, s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%w: %s %q must match %s", ErrInvalidName, kind, s, namePattern)
	}
	return nil
}

// isNil 也涵蓋以介面包裝的 nil 指標或 nil 函數
func isNil(p any) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// Register 註冊處理器
//
// 相同鍵已存在且未指定 WithOverwrite 時回傳 ErrDuplicate。
// 覆寫會產生新的註冊 ID。
func (r *Registry[P]) Register(name string, processor P, opts ...RegisterOption) (*ProcessorInfo[P], error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}
	o := registerOptions{version: DefaultVersion}
	for _, opt := range opts {
		opt(&o)
	}
	if o.version == "" {
		o.version = DefaultVersion
	}
	if err := validate("name", name); err != nil {
		return nil, err
	}
	if err := validate("version", o.version); err != nil {
		return nil, err
	}
	if isNil(processor) {
		return nil, ErrNilProcessor
	}

	key := Key(name, o.version)
	mu := r.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok := r.entries.Peek(key); ok {
		if r.expired(existing) {
			// 以新註冊取代到期項目，LRU 不會為覆寫觸發回呼
			r.evictions.Add(1)
		} else if !o.overwrite {
			return nil, fmt.Errorf("%w: %s (registration %d)", ErrDuplicate, key, existing.RegistrationID)
		}
	}

	info := &ProcessorInfo[P]{
		Name:             name,
		Version:          o.version,
		Processor:        processor,
		RegistrationID:   r.nextID.Add(1),
		RegistrationTime: r.clock.Now(),
	}
	r.entries.Add(key, info)
	r.totalRegistered.Add(1)

	r.logger.Info("processor registered",
		zap.String("key", key),
		zap.Int64("registration_id", info.RegistrationID),
		zap.Bool("overwrite", o.overwrite))
	return info, nil
}

// FindInfo 查找註冊資訊，version 為空時使用 DefaultVersion
func (r *Registry[P]) FindInfo(name, version string) (*ProcessorInfo[P], bool) {
	key := Key(name, version)
	info, ok := r.entries.Get(key)
	if ok && r.expired(info) {
		r.expire(key, info)
		ok = false
	}
	if !ok {
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return info, true
}

// Find 查找處理器
func (r *Registry[P]) Find(name, version string) (P, bool) {
	info, ok := r.FindInfo(name, version)
	if !ok {
		var zero P
		return zero, false
	}
	return info.Processor, true
}

// FindAllVersions 以鍵前綴掃描 name 的所有版本，回傳 鍵 → 註冊資訊
func (r *Registry[P]) FindAllVersions(name string) map[string]*ProcessorInfo[P] {
	prefix := strings.ToLower(name) + ":"
	out := make(map[string]*ProcessorInfo[P])
	for _, info := range r.live() {
		if key := info.Key(); strings.HasPrefix(key, prefix) {
			out[key] = info
		}
	}
	return out
}

// Unregister 移除註冊，回傳是否存在
func (r *Registry[P]) Unregister(name, version string) bool {
	key := Key(name, version)
	mu := r.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	info, ok := r.entries.Peek(key)
	if !ok {
		return false
	}
	r.removing.Store(info, struct{}{})
	removed := r.entries.Remove(key)
	r.removing.Delete(info)
	if !removed {
		return false
	}
	r.totalUnregistered.Add(1)
	r.logger.Info("processor unregistered", zap.String("key", key))
	return true
}

// List 所有有效的註冊，依鍵排序
func (r *Registry[P]) List() []*ProcessorInfo[P] {
	out := r.live()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Stats 註冊表統計
type Stats struct {
	Registered        int     `json:"registered"`
	TotalRegistered   int64   `json:"total_registered"`
	TotalUnregistered int64   `json:"total_unregistered"`
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Evictions         int64   `json:"evictions"`
	HitRate           float64 `json:"hit_rate"`
}

func (r *Registry[P]) Stats() Stats {
	st := Stats{
		TotalRegistered:   r.totalRegistered.Load(),
		TotalUnregistered: r.totalUnregistered.Load(),
		Hits:              r.hits.Load(),
		Misses:            r.misses.Load(),
		Evictions:         r.evictions.Load(),
	}
	st.Registered = len(r.live())
	if lookups := st.Hits + st.Misses; lookups > 0 {
		st.HitRate = float64(st.Hits) / float64(lookups)
	}
	return st
}

// Shutdown 清空所有註冊並拒絕後續註冊，可重複呼叫
func (r *Registry[P]) Shutdown() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.entries.Purge()
	r.logger.Info("registry shut down")
}
