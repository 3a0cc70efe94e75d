package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/storage/memory"
	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

func newTestCoordinator(t *testing.T, store workflow.Store, opts ...workflow.Option) (*workflow.Coordinator, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append([]workflow.Option{
		workflow.WithClock(clock),
		workflow.WithLogger(zap.NewNop()),
		workflow.WithBackoff(time.Millisecond, 5*time.Millisecond),
	}, opts...)
	return workflow.NewCoordinator(store, opts...), clock
}

func TestStartCreatesRunningInstance(t *testing.T) {
	c, clock := newTestCoordinator(t, memory.New())

	inst, err := c.Start(context.Background(), "etl", []string{"extract"}, map[string]interface{}{"date": "2024-01-01"})
	require.NoError(t, err)

	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, types.StatusRunning, inst.Status)
	assert.Equal(t, []string{"extract"}, inst.ActiveNodeList())
	assert.Equal(t, "2024-01-01", inst.Context["date"])
	assert.Equal(t, int64(2), inst.Version)
	assert.True(t, inst.StartTime.Equal(clock.Now()))
	assert.Nil(t, inst.EndTime)
}

func TestCompleteNodeAdvancesFrontier(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCoordinator(t, memory.New())
	inst, err := c.Start(ctx, "etl", []string{"extract"}, nil)
	require.NoError(t, err)

	inst, err = c.CompleteNode(ctx, inst.ID, "extract", []string{"transform", "validate"}, map[string]interface{}{"rows": 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"transform", "validate"}, inst.ActiveNodeList())
	assert.Equal(t, 10, inst.Context["rows"])
	assert.Equal(t, types.StatusRunning, inst.Status)

	_, err = c.CompleteNode(ctx, inst.ID, "transform", nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	inst, err = c.CompleteNode(ctx, inst.ID, "validate", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, inst.ActiveNodes)
	assert.Equal(t, types.StatusSucceeded, inst.Status)
	require.NotNil(t, inst.EndTime)
	assert.True(t, inst.EndTime.Equal(clock.Now()))
}

func TestCompleteNodeRejectsInactiveNode(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, memory.New())
	inst, err := c.Start(ctx, "etl", []string{"a"}, nil)
	require.NoError(t, err)

	_, err = c.CompleteNode(ctx, inst.ID, "b", nil, nil)
	assert.ErrorIs(t, err, workflow.ErrNodeNotActive)
}

func diamondDefinition() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID: "etl",
		Nodes: map[string]types.WorkflowNode{
			"extract": {Processor: "echo", Next: []string{"clean", "enrich"}},
			"clean":   {Processor: "echo", Next: []string{"load"}},
			"enrich":  {Processor: "echo", Next: []string{"load"}},
			"load":    {Processor: "echo"},
		},
	}
}

func TestAdvanceStartsJoinOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, memory.New())
	def := diamondDefinition()
	inst, err := c.Start(ctx, def.ID, def.EntryNodes(), nil)
	require.NoError(t, err)

	inst, started, err := c.Advance(ctx, inst.ID, def, "extract", map[string]interface{}{"rows": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"clean", "enrich"}, started)
	assert.Equal(t, []string{"clean", "enrich"}, inst.ActiveNodeList())

	_, started, err = c.Advance(ctx, inst.ID, def, "enrich", nil)
	require.NoError(t, err)
	assert.Empty(t, started)

	inst, started, err = c.Advance(ctx, inst.ID, def, "clean", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"load"}, started)
	assert.Equal(t, types.StatusRunning, inst.Status)

	inst, started, err = c.Advance(ctx, inst.ID, def, "load", map[string]interface{}{"loaded": true})
	require.NoError(t, err)
	assert.Empty(t, started)
	assert.Equal(t, types.StatusSucceeded, inst.Status)
	assert.Equal(t, 3, inst.Context["rows"])
	assert.Equal(t, true, inst.Context["loaded"])
}

func TestAdvanceRejectsFinishedInstance(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, memory.New())
	def := diamondDefinition()
	inst, err := c.Start(ctx, def.ID, def.EntryNodes(), nil)
	require.NoError(t, err)

	_, _, err = c.Advance(ctx, inst.ID, def, "load", nil)
	assert.ErrorIs(t, err, workflow.ErrNodeNotActive)

	_, err = c.FailNode(ctx, inst.ID, "extract", errors.New("bad input"))
	require.NoError(t, err)
	_, _, err = c.Advance(ctx, inst.ID, def, "extract", nil)
	assert.ErrorIs(t, err, workflow.ErrNotRunning)
}

func TestEndTimeSetOnce(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCoordinator(t, memory.New())
	inst, err := c.Start(ctx, "etl", []string{"a"}, nil)
	require.NoError(t, err)

	failed, err := c.FailNode(ctx, inst.ID, "a", errors.New("disk full"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, "a: disk full", failed.ErrorMessage)
	require.NotNil(t, failed.EndTime)
	firstEnd := *failed.EndTime

	clock.Advance(time.Hour)
	_, err = c.UpdateStatus(ctx, inst.ID, types.StatusTerminated, "")
	assert.ErrorIs(t, err, types.ErrIllegalTransition)

	got, err := c.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.EndTime.Equal(firstEnd))
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestUpdateStatusRejectsIllegalEdge(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c, _ := newTestCoordinator(t, store)
	inst, err := c.Start(ctx, "etl", []string{"a"}, nil)
	require.NoError(t, err)

	_, err = c.UpdateStatus(ctx, inst.ID, types.StatusPending, "")
	var te *types.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, types.StatusRunning, te.From)
	assert.Equal(t, types.StatusPending, te.To)

	got, err := c.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Version, got.Version)
}

func TestConcurrentNodeCompletionLosesNoUpdates(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, memory.New(), workflow.WithMaxAttempts(0))

	const n = 20
	nodes := make([]string, n)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("n%d", i)
	}
	inst, err := c.Start(ctx, "fanout", nodes, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			_, err := c.CompleteNode(ctx, inst.ID, node, nil, map[string]interface{}{node: true})
			assert.NoError(t, err)
		}(node)
	}
	wg.Wait()

	got, err := c.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveNodes)
	assert.Len(t, got.Context, n)
	assert.Equal(t, types.StatusSucceeded, got.Status)
	assert.Equal(t, int64(2+n), got.Version)
}

// conflictingStore 在前 conflicts 次條件寫入前插入一次競爭寫入
type conflictingStore struct {
	workflow.Store
	conflicts int
	calls     atomic.Int32
}

func (s *conflictingStore) CompareAndSwap(ctx context.Context, inst *types.WorkflowInstance) (bool, error) {
	if int(s.calls.Add(1)) <= s.conflicts {
		rival, err := s.Store.Get(ctx, inst.ID)
		if err != nil {
			return false, err
		}
		rival.Context[fmt.Sprintf("rival%d", s.calls.Load())] = true
		if _, err := s.Store.CompareAndSwap(ctx, rival); err != nil {
			return false, err
		}
	}
	return s.Store.CompareAndSwap(ctx, inst)
}

func TestMutationIsRecomputedOnFreshState(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	c, _ := newTestCoordinator(t, base)
	inst, err := c.Start(ctx, "etl", []string{"a"}, nil)
	require.NoError(t, err)

	store := &conflictingStore{Store: base, conflicts: 2}
	c2, _ := newTestCoordinator(t, store)

	got, err := c2.SetContext(ctx, inst.ID, "mine", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, 1, got.Context["mine"])
	assert.Equal(t, true, got.Context["rival1"])
	assert.Equal(t, true, got.Context["rival2"])
}

type alwaysConflicting struct {
	workflow.Store
	calls atomic.Int32
}

func (s *alwaysConflicting) CompareAndSwap(context.Context, *types.WorkflowInstance) (bool, error) {
	s.calls.Add(1)
	return false, nil
}

func TestConflictRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	c, _ := newTestCoordinator(t, base)
	inst, err := c.Start(ctx, "etl", []string{"a"}, nil)
	require.NoError(t, err)

	store := &alwaysConflicting{Store: base}
	c2, _ := newTestCoordinator(t, store, workflow.WithMaxAttempts(4))

	_, err = c2.SetContext(ctx, inst.ID, "k", "v")
	assert.ErrorIs(t, err, workflow.ErrConcurrentModification)
	var ce *workflow.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4, ce.Attempts)
	assert.Equal(t, int32(4), store.calls.Load())
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	base := memory.New()
	c, _ := newTestCoordinator(t, base)
	inst, err := c.Start(context.Background(), "etl", []string{"a"}, nil)
	require.NoError(t, err)

	c2, _ := newTestCoordinator(t, &alwaysConflicting{Store: base}, workflow.WithMaxAttempts(0))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = c2.SetContext(ctx, inst.ID, "k", "v")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnknownInstance(t *testing.T) {
	c, _ := newTestCoordinator(t, memory.New())
	_, err := c.SetContext(context.Background(), "nope", "k", "v")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c, clock := newTestCoordinator(t, store)

	done, err := c.Start(ctx, "etl", []string{"a"}, nil)
	require.NoError(t, err)
	_, err = c.CompleteNode(ctx, done.ID, "a", nil, nil)
	require.NoError(t, err)

	_, err = c.Start(ctx, "etl", []string{"a"}, nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	n, err := c.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(31 * time.Minute)
	n, err = c.PurgeExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}
