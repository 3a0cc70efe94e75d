package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append([]Option{WithDefaultConfig(cfg), WithClock(clock), WithLogger(zap.NewNop())}, opts...)
	return NewService(opts...), clock
}

func succeed(context.Context) (string, error) { return "ok", nil }
func failing(context.Context) (string, error) { return "", errBoom }

// tripOpen 以連續失敗讓熔斷器進入 OPEN
func tripOpen(t *testing.T, s *Service, name string) {
	t.Helper()
	cfg := s.ConfigFor(name)
	for i := int64(0); i < cfg.MinimumNumberOfCalls; i++ {
		_, _ = Execute(context.Background(), s, name, failing)
	}
	require.Equal(t, StateOpen, s.State(name))
}

func TestDatabaseScenario(t *testing.T) {
	s, clock := newTestService(t, Config{
		FailureRateThreshold:          50,
		MinimumNumberOfCalls:          10,
		WaitDurationInOpenState:       60 * time.Second,
		PermittedCallsInHalfOpenState: 5,
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := Execute(ctx, s, "db", succeed)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := Execute(ctx, s, "db", failing)
		require.ErrorIs(t, err, errBoom)
	}
	// 9 次呼叫尚未達到最小呼叫數
	assert.Equal(t, StateClosed, s.State("db"))

	_, err := Execute(ctx, s, "db", failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, s.State("db"))

	invoked := false
	_, err = Execute(ctx, s, "db", func(context.Context) (string, error) {
		invoked = true
		return "", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "db", openErr.Name)
	assert.Equal(t, StateOpen, openErr.State)

	clock.Advance(60 * time.Second)

	var during State
	v, err := Execute(ctx, s, "db", func(context.Context) (string, error) {
		during = s.State("db")
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", v)
	assert.Equal(t, StateHalfOpen, during)
	assert.Equal(t, StateClosed, s.State("db"))

	snap := s.Breaker("db").Snapshot()
	assert.Zero(t, snap.TotalCalls)
	assert.Zero(t, snap.FailedCalls)
	assert.Zero(t, snap.HalfOpenCalls)
}

func TestClosedBelowThresholdStaysClosed(t *testing.T) {
	s, _ := newTestService(t, Config{FailureRateThreshold: 50, MinimumNumberOfCalls: 10})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = Execute(ctx, s, "api", succeed)
	}
	for i := 0; i < 4; i++ {
		_, _ = Execute(ctx, s, "api", failing)
	}

	assert.Equal(t, StateClosed, s.State("api"))
	snap := s.Breaker("api").Snapshot()
	assert.Equal(t, int64(10), snap.TotalCalls)
	assert.Equal(t, int64(4), snap.FailedCalls)
	assert.InDelta(t, 40.0, snap.FailureRate(), 0.001)
}

func TestOpenRejectsUntilWaitElapsed(t *testing.T) {
	s, clock := newTestService(t, Config{MinimumNumberOfCalls: 2, WaitDurationInOpenState: time.Minute})
	tripOpen(t, s, "svc")

	cb := s.Breaker("svc")
	clock.Advance(time.Minute - time.Nanosecond)
	assert.False(t, cb.AllowRequest())
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Nanosecond)
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenAdmitsPermittedCalls(t *testing.T) {
	s, clock := newTestService(t, Config{
		MinimumNumberOfCalls:          2,
		WaitDurationInOpenState:       time.Second,
		PermittedCallsInHalfOpenState: 3,
	})
	tripOpen(t, s, "svc")
	clock.Advance(time.Second)

	cb := s.Breaker("svc")
	for i := 0; i < 3; i++ {
		assert.True(t, cb.AllowRequest(), "call %d", i+1)
	}
	assert.False(t, cb.AllowRequest())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	s, clock := newTestService(t, Config{MinimumNumberOfCalls: 2, WaitDurationInOpenState: 10 * time.Second})
	tripOpen(t, s, "svc")
	clock.Advance(10 * time.Second)

	_, err := Execute(context.Background(), s, "svc", failing)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, s.State("svc"))

	// openTime 重新記錄，需要再等完整的等待時間
	clock.Advance(5 * time.Second)
	_, err = Execute(context.Background(), s, "svc", succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(5 * time.Second)
	_, err = Execute(context.Background(), s, "svc", succeed)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, s.State("svc"))
}

func ignored(context.Context) (string, error) { return "", Ignore(context.Canceled) }

func TestIgnoredOutcomeInClosedIsNotCounted(t *testing.T) {
	s, _ := newTestService(t, Config{MinimumNumberOfCalls: 2, WaitDurationInOpenState: time.Second})

	_, err := Execute(context.Background(), s, "svc", ignored)
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrIgnored)

	snap := s.Breaker("svc").Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.TotalCalls)
	assert.Zero(t, snap.FailedCalls)
}

func TestIgnoredOutcomeInHalfOpenReturnsSlot(t *testing.T) {
	s, clock := newTestService(t, Config{
		MinimumNumberOfCalls:          2,
		WaitDurationInOpenState:       time.Second,
		PermittedCallsInHalfOpenState: 1,
	})
	tripOpen(t, s, "svc")
	clock.Advance(time.Second)

	_, err := Execute(context.Background(), s, "svc", ignored)
	require.ErrorIs(t, err, ErrIgnored)
	snap := s.Breaker("svc").Snapshot()
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Zero(t, snap.HalfOpenCalls)

	_, err = Execute(context.Background(), s, "svc", succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State("svc"))
}

func TestReleaseDoesNotGoNegative(t *testing.T) {
	s, clock := newTestService(t, Config{MinimumNumberOfCalls: 2, WaitDurationInOpenState: time.Second})
	tripOpen(t, s, "svc")
	clock.Advance(time.Second)

	cb := s.Breaker("svc")
	require.True(t, cb.AllowRequest())
	cb.Release()
	cb.Release()
	assert.Zero(t, cb.Snapshot().HalfOpenCalls)
}

func TestIgnoreNil(t *testing.T) {
	assert.NoError(t, Ignore(nil))
}

func TestConcurrentHalfOpenTransitionHasSingleWinner(t *testing.T) {
	var toHalfOpen atomic.Int32
	listener := func(_ string, from, to State) {
		if from == StateOpen && to == StateHalfOpen {
			toHalfOpen.Add(1)
		}
	}
	s, clock := newTestService(t, Config{
		MinimumNumberOfCalls:          2,
		WaitDurationInOpenState:       time.Second,
		PermittedCallsInHalfOpenState: 5,
	}, WithListener(listener))
	tripOpen(t, s, "svc")
	clock.Advance(time.Second)

	cb := s.Breaker("svc")
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if cb.AllowRequest() {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), toHalfOpen.Load())
	assert.Equal(t, int32(5), admitted.Load())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestExecuteWithFallback(t *testing.T) {
	s, _ := newTestService(t, Config{MinimumNumberOfCalls: 2})
	ctx := context.Background()

	var seen []error
	fallback := func(_ context.Context, err error) (string, error) {
		seen = append(seen, err)
		return "cached", nil
	}

	v, err := ExecuteWithFallback(ctx, s, "rpc", failing, fallback)
	require.NoError(t, err)
	assert.Equal(t, "cached", v)

	// 兩種入口記錄在同一個熔斷器上
	_, _ = Execute(ctx, s, "rpc", failing)
	assert.Equal(t, StateOpen, s.State("rpc"))

	v, err = ExecuteWithFallback(ctx, s, "rpc", succeed, fallback)
	require.NoError(t, err)
	assert.Equal(t, "cached", v)

	require.Len(t, seen, 2)
	assert.ErrorIs(t, seen[0], errBoom)
	assert.ErrorIs(t, seen[1], ErrCircuitOpen)

	v, err = ExecuteWithFallback(ctx, s, "other", succeed, fallback)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Len(t, seen, 2)
}

func TestExecuteWithNilFallbackReturnsError(t *testing.T) {
	s, _ := newTestService(t, DefaultConfig())
	_, err := ExecuteWithFallback[string](context.Background(), s, "x", failing, nil)
	assert.ErrorIs(t, err, errBoom)
}

func TestStateOfUnknownNameDoesNotCreate(t *testing.T) {
	s, _ := newTestService(t, DefaultConfig())
	assert.Equal(t, StateClosed, s.State("ghost"))
	assert.Empty(t, s.Snapshots())

	s.Reset("ghost")
	assert.Empty(t, s.Snapshots())
}

func TestReset(t *testing.T) {
	var transitions []string
	s, _ := newTestService(t, Config{MinimumNumberOfCalls: 2}, WithListener(func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))
	tripOpen(t, s, "svc")

	s.Reset("svc")
	assert.Equal(t, StateClosed, s.State("svc"))
	assert.Zero(t, s.Breaker("svc").Snapshot().TotalCalls)
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)

	_, err := Execute(context.Background(), s, "svc", succeed)
	assert.NoError(t, err)
}

func TestPerNameOverride(t *testing.T) {
	s, _ := newTestService(t, DefaultConfig(), WithConfig("fragile", Config{MinimumNumberOfCalls: 1}))

	cfg := s.ConfigFor("fragile")
	assert.Equal(t, int64(1), cfg.MinimumNumberOfCalls)
	assert.Equal(t, DefaultConfig().WaitDurationInOpenState, cfg.WaitDurationInOpenState)

	_, _ = Execute(context.Background(), s, "fragile", failing)
	assert.Equal(t, StateOpen, s.State("fragile"))

	_, _ = Execute(context.Background(), s, "sturdy", failing)
	assert.Equal(t, StateClosed, s.State("sturdy"))
}

func TestListenerPanicIsContained(t *testing.T) {
	s, _ := newTestService(t, Config{MinimumNumberOfCalls: 1}, WithListener(func(string, State, State) {
		panic("listener")
	}))

	assert.NotPanics(t, func() {
		_, _ = Execute(context.Background(), s, "svc", failing)
	})
	assert.Equal(t, StateOpen, s.State("svc"))
}

func TestPanicCountsAsFailure(t *testing.T) {
	s, _ := newTestService(t, Config{MinimumNumberOfCalls: 1})

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = s.Run(context.Background(), "svc", func(context.Context) error { panic("kaboom") })
	})
	assert.Equal(t, StateOpen, s.State("svc"))
}

func TestRun(t *testing.T) {
	s, _ := newTestService(t, DefaultConfig())
	assert.NoError(t, s.Run(context.Background(), "svc", func(context.Context) error { return nil }))
	assert.ErrorIs(t, s.Run(context.Background(), "svc", func(context.Context) error { return errBoom }), errBoom)
}

func TestSnapshotsSorted(t *testing.T) {
	s, _ := newTestService(t, DefaultConfig())
	for _, name := range []string{"c", "a", "b"} {
		s.Breaker(name)
	}
	snaps := s.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, "c", snaps[2].Name)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero threshold", Config{FailureRateThreshold: 0, MinimumNumberOfCalls: 1, WaitDurationInOpenState: time.Second, PermittedCallsInHalfOpenState: 1}},
		{"threshold over 100", Config{FailureRateThreshold: 101, MinimumNumberOfCalls: 1, WaitDurationInOpenState: time.Second, PermittedCallsInHalfOpenState: 1}},
		{"no minimum", Config{FailureRateThreshold: 50, MinimumNumberOfCalls: 0, WaitDurationInOpenState: time.Second, PermittedCallsInHalfOpenState: 1}},
		{"no wait", Config{FailureRateThreshold: 50, MinimumNumberOfCalls: 1, WaitDurationInOpenState: 0, PermittedCallsInHalfOpenState: 1}},
		{"no half-open calls", Config{FailureRateThreshold: 50, MinimumNumberOfCalls: 1, WaitDurationInOpenState: time.Second, PermittedCallsInHalfOpenState: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
