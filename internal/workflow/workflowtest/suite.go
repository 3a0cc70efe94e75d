// Package workflowtest 提供 workflow.Store 實作共用的合約測試
package workflowtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-exec/internal/workflow"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// NewInstance 建立 RUNNING 狀態的測試實例
func NewInstance(id string, nodes ...string) *types.WorkflowInstance {
	return &types.WorkflowInstance{
		ID:           id,
		DefinitionID: "def",
		Status:       types.StatusRunning,
		ActiveNodes:  types.NodeSet(nodes...),
		Context:      map[string]interface{}{"seed": "x"},
		StartTime:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// RunStoreTests 對 newStore 建立的儲存執行合約測試
func RunStoreTests(t *testing.T, newStore func(t *testing.T) workflow.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, NewInstance("wf-1", "a", "b")))
		assert.ErrorIs(t, s.Create(ctx, NewInstance("wf-1")), workflow.ErrAlreadyExists)

		got, err := s.Get(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got.ActiveNodeList())
		assert.Equal(t, "x", got.Context["seed"])
		assert.Equal(t, types.StatusRunning, got.Status)
		assert.Zero(t, got.Version)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewInstance("wf-2", "a")))

		inst, err := s.Get(ctx, "wf-2")
		require.NoError(t, err)
		inst.ActiveNodes = types.NodeSet("b")
		inst.Context["out"] = "1"

		ok, err := s.CompareAndSwap(ctx, inst)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), inst.Version)

		// 舊版本寫入必須失敗
		stale, err := s.Get(ctx, "wf-2")
		require.NoError(t, err)
		stale.Version = 0
		stale.ActiveNodes = types.NodeSet("lost")
		ok, err = s.CompareAndSwap(ctx, stale)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "wf-2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, []string{"b"}, got.ActiveNodeList())
		assert.Equal(t, "1", got.Context["out"])

		_, err = s.CompareAndSwap(ctx, NewInstance("missing"))
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("ReturnedInstancesAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewInstance("wf-3", "a")))

		got, err := s.Get(ctx, "wf-3")
		require.NoError(t, err)
		got.ActiveNodes["mutated"] = struct{}{}

		again, err := s.Get(ctx, "wf-3")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, again.ActiveNodeList())
	})

	t.Run("ConcurrentWritersHaveOneWinnerPerVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewInstance("wf-4")))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inst := NewInstance("wf-4", "x")
				ok, err := s.CompareAndSwap(ctx, inst)
				if assert.NoError(t, err) && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

		old := NewInstance("old")
		oldEnd := base.Add(-2 * time.Hour)
		old.Status, old.EndTime = types.StatusSucceeded, &oldEnd

		recent := NewInstance("recent")
		recentEnd := base.Add(-time.Minute)
		recent.Status, recent.EndTime = types.StatusFailed, &recentEnd

		running := NewInstance("running", "a")

		for _, inst := range []*types.WorkflowInstance{old, recent, running} {
			require.NoError(t, s.Create(ctx, inst))
		}

		n, err := s.DeleteExpired(ctx, base.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
		_, err = s.Get(ctx, "recent")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "running")
		assert.NoError(t, err)
	})

	t.Run("EndTimeSurvivesUpdate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, NewInstance("wf-5", "a")))

		inst, err := s.Get(ctx, "wf-5")
		require.NoError(t, err)
		end := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		inst.Status, inst.EndTime, inst.ErrorMessage = types.StatusFailed, &end, "boom"
		ok, err := s.CompareAndSwap(ctx, inst)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Get(ctx, "wf-5")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, got.Status)
		assert.Equal(t, "boom", got.ErrorMessage)
		require.NotNil(t, got.EndTime)
		assert.True(t, end.Equal(*got.EndTime))
	})
}
