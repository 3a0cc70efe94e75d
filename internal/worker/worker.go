// ============================================================================
// Beaver-Exec Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks through the dispatcher, each Worker
//           runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (or exit when the pool stops)
//   2. Dispatch the task with a per-task timeout context
//   3. Send the TaskResult to resultCh
//
// Timeout Control:
//   Each task gets its own context derived from the pool context:
//   - Task.Timeout > 0 wraps it with context.WithTimeout
//   - Pool.Stop() cancels the pool context, in-flight tasks observe CANCELLED
//
// ============================================================================

package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/executor"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// Dispatcher executes one task and always returns a result
type Dispatcher interface {
	Dispatch(ctx context.Context, task executor.Task) types.TaskResult
}

// Worker represents a work execution unit
type Worker struct {
	id         int
	dispatcher Dispatcher
	taskCh     <-chan Task
	resultCh   chan<- Result
	stopCh     <-chan struct{}
	logger     *zap.Logger
}

func newWorker(id int, d Dispatcher, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, logger *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		dispatcher: d,
		taskCh:     taskCh,
		resultCh:   resultCh,
		stopCh:     stopCh,
		logger:     logger.With(zap.Int("worker", id)),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			w.process(ctx, task)
		}
	}
}

func (w *Worker) process(ctx context.Context, task Task) {
	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	r := w.dispatcher.Dispatch(taskCtx, task.Task)
	cancel()

	result := Result{JobID: task.JobID, WorkerID: w.id, Result: r}
	select {
	case w.resultCh <- result:
	case <-w.stopCh:
		w.logger.Warn("result dropped during shutdown",
			zap.String("job_id", string(task.JobID)),
			zap.String("status", string(r.Status())))
	}
}
