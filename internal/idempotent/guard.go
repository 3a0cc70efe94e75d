package idempotent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
)

// DefaultInFlightWait 等待進行中重複請求的預設上限
const DefaultInFlightWait = 30 * time.Second

// ErrInFlight 相同冪等鍵的請求仍在執行，且等待逾時
var ErrInFlight = errors.New("idempotent request still in flight")

// Guard 以冪等鍵去重執行
//
// 快取命中時直接回傳；同一個鍵同時只有一個呼叫者（leader）會執行 fn，
// 其餘呼叫者在該鍵的通知 channel 上等待有限時間，結束後重新檢查快取。
// 等待計時使用快取的 clock。設定 Locker 時，leader 在執行前還會取得跨程序的鎖。
type Guard[V any] struct {
	cache  *Cache[V]
	locker Locker
	wait   time.Duration
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// GuardOption Guard 選項
type GuardOption func(*guardOptions)

type guardOptions struct {
	locker Locker
	wait   time.Duration
	logger *zap.Logger
}

// WithLocker 設定跨程序鎖
func WithLocker(l Locker) GuardOption {
	return func(o *guardOptions) { o.locker = l }
}

// WithInFlightWait 設定等待進行中請求的上限
func WithInFlightWait(d time.Duration) GuardOption {
	return func(o *guardOptions) { o.wait = d }
}

func WithGuardLogger(logger *zap.Logger) GuardOption {
	return func(o *guardOptions) { o.logger = logger }
}

func NewGuard[V any](cache *Cache[V], opts ...GuardOption) *Guard[V] {
	o := guardOptions{wait: DefaultInFlightWait}
	for _, opt := range opts {
		opt(&o)
	}
	if o.wait <= 0 {
		o.wait = DefaultInFlightWait
	}
	return &Guard[V]{
		cache:    cache,
		locker:   o.locker,
		wait:     o.wait,
		clock:    cache.clock,
		logger:   log.OrGlobal(o.logger, "idempotent"),
		inflight: make(map[string]chan struct{}),
	}
}

// Cache 底層快取
func (g *Guard[V]) Cache() *Cache[V] { return g.cache }

// Do 以 key 去重執行 fn
//
// 回傳值 hit 表示結果來自快取。只有 fn 成功（err == nil）時結果才會被快取，
// 失敗的 leader 結束後，等待者會重新競爭執行權。
func (g *Guard[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, hit bool, err error) {
	for {
		if cached, ok := g.cache.Get(key); ok {
			return cached, true, nil
		}

		done, leader := g.acquire(key)
		if leader {
			return g.lead(ctx, key, done, fn)
		}

		if err := g.await(ctx, key, done); err != nil {
			// 逾時前結果可能已由其他程序寫入
			if errors.Is(err, ErrInFlight) {
				if cached, ok := g.cache.Get(key); ok {
					return cached, true, nil
				}
			}
			return v, false, err
		}
	}
}

// acquire 成為 key 的 leader，或取得現任 leader 的通知 channel
func (g *Guard[V]) acquire(key string) (chan struct{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.inflight[key]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	g.inflight[key] = ch
	return ch, true
}

func (g *Guard[V]) release(key string, done chan struct{}) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
	close(done)
}

func (g *Guard[V]) await(ctx context.Context, key string, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(g.wait):
		g.logger.Warn("idempotent wait timed out", zap.String("key", key), zap.Duration("wait", g.wait))
		return fmt.Errorf("%w: key %q", ErrInFlight, key)
	}
}

func (g *Guard[V]) lead(ctx context.Context, key string, done chan struct{}, fn func(context.Context) (V, error)) (v V, hit bool, err error) {
	defer g.release(key, done)

	if g.locker != nil {
		unlock, lerr := g.locker.Lock(ctx, key)
		if lerr != nil {
			return v, false, fmt.Errorf("%w: key %q: %v", ErrInFlight, key, lerr)
		}
		defer func() {
			if uerr := unlock(context.Background()); uerr != nil {
				g.logger.Warn("release idempotent lock failed", zap.String("key", key), zap.Error(uerr))
			}
		}()
	}

	// 前一個 leader 可能在我們檢查快取與取得執行權之間完成
	if cached, ok := g.cache.Get(key); ok {
		return cached, true, nil
	}

	v, err = fn(ctx)
	if err != nil {
		return v, false, err
	}
	g.cache.Put(key, v)
	return v, false, nil
}
