package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/log"
)

// StateListener 狀態轉換通知，於轉換成功的 goroutine 上同步呼叫
type StateListener func(name string, from, to State)

// Service 以名稱管理熔斷器
//
// 熔斷器在第一次使用時建立，存放於 sync.Map，不同名稱之間互不阻塞。
type Service struct {
	breakers  sync.Map // name -> *CircuitBreaker
	defaults  Config
	overrides map[string]Config
	clock     clockwork.Clock
	logger    *zap.Logger
	listeners []StateListener
}

// Option Service 選項
type Option func(*Service)

// WithDefaultConfig 設定共用的預設配置
func WithDefaultConfig(cfg Config) Option {
	return func(s *Service) { s.defaults = cfg.WithDefaults(DefaultConfig()) }
}

// WithConfig 為指定名稱設定覆寫配置，零值欄位沿用預設
func WithConfig(name string, cfg Config) Option {
	return func(s *Service) { s.overrides[name] = cfg }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithListener 註冊狀態轉換監聽器
func WithListener(l StateListener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// NewService 建立熔斷器服務
func NewService(opts ...Option) *Service {
	s := &Service{
		defaults:  DefaultConfig(),
		overrides: make(map[string]Config),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrGlobal(s.logger, "breaker")
	return s
}

// ConfigFor 回傳 name 生效的配置
func (s *Service) ConfigFor(name string) Config {
	if cfg, ok := s.overrides[name]; ok {
		return cfg.WithDefaults(s.defaults)
	}
	return s.defaults
}

// Breaker 取得或建立指定名稱的熔斷器
func (s *Service) Breaker(name string) *CircuitBreaker {
	if v, ok := s.breakers.Load(name); ok {
		return v.(*CircuitBreaker)
	}
	cb := newCircuitBreaker(name, s.ConfigFor(name), s.clock, s.notify)
	actual, loaded := s.breakers.LoadOrStore(name, cb)
	if !loaded {
		s.logger.Debug("circuit breaker created", zap.String("name", name))
	}
	return actual.(*CircuitBreaker)
}

// State 查詢狀態，未知名稱視為 CLOSED 且不會建立熔斷器
func (s *Service) State(name string) State {
	if v, ok := s.breakers.Load(name); ok {
		return v.(*CircuitBreaker).State()
	}
	return StateClosed
}

// Reset 強制將熔斷器設回 CLOSED；名稱不存在時不做任何事
func (s *Service) Reset(name string) {
	if v, ok := s.breakers.Load(name); ok {
		v.(*CircuitBreaker).reset()
		s.logger.Info("circuit breaker reset", zap.String("name", name))
	}
}

// Snapshots 依名稱排序的所有熔斷器快照
func (s *Service) Snapshots() []Snapshot {
	var out []Snapshot
	s.breakers.Range(func(_, v any) bool {
		out = append(out, v.(*CircuitBreaker).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run 非泛型版本的 Execute
func (s *Service) Run(ctx context.Context, name string, op func(context.Context) error) error {
	_, err := Execute(ctx, s, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (s *Service) notify(name string, from, to State) {
	fields := []zap.Field{zap.String("name", name), zap.Stringer("from", from), zap.Stringer("to", to)}
	if to == StateOpen {
		s.logger.Warn("circuit breaker opened", fields...)
	} else {
		s.logger.Info("circuit breaker state changed", fields...)
	}
	for _, l := range s.listeners {
		s.callListener(l, name, from, to)
	}
}

func (s *Service) callListener(l StateListener, name string, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("breaker state listener panicked", zap.String("name", name), zap.Any("panic", r))
		}
	}()
	l(name, from, to)
}

// ============================================================================
// 泛型執行入口（Go 方法不支援型別參數，因此為套件層級函數）
// ============================================================================

// Execute 透過名為 name 的熔斷器執行 op
//
// 被拒絕時回傳 *OpenError（errors.Is(err, ErrCircuitOpen) 為 true）且不呼叫 op。
// op 回傳錯誤或 panic 都記為失敗，panic 會繼續向上傳遞；
// 以 Ignore 包裝的錯誤不記錄結果，只歸還放行名額。
func Execute[T any](ctx context.Context, s *Service, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	cb := s.Breaker(name)
	if !cb.AllowRequest() {
		return zero, &OpenError{Name: name, State: cb.State()}
	}

	returned := false
	defer func() {
		if !returned {
			if r := recover(); r != nil {
				cb.RecordFailure()
				panic(r)
			}
		}
	}()

	v, err := op(ctx)
	returned = true
	if errors.Is(err, ErrIgnored) {
		cb.Release()
		return v, err
	}
	if err != nil {
		cb.RecordFailure()
		return v, err
	}
	cb.RecordSuccess()
	return v, nil
}

// ExecuteWithFallback 與 Execute 相同，但在被拒絕或 op 失敗時改呼叫 fallback
//
// fallback 收到的錯誤為拒絕錯誤或 op 的原始錯誤。
func ExecuteWithFallback[T any](
	ctx context.Context,
	s *Service,
	name string,
	op func(context.Context) (T, error),
	fallback func(context.Context, error) (T, error),
) (T, error) {
	v, err := Execute(ctx, s, name, op)
	if err == nil {
		return v, nil
	}
	if fallback == nil {
		return v, err
	}
	s.logger.Debug("circuit breaker fallback", zap.String("name", name), zap.Error(err))
	return fallback(ctx, err)
}
