package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestJobManager() (*JobManager, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewJobManager(WithClock(clock)), clock
}

func newTestJob(id string) types.Job {
	return types.Job{
		ID:        types.JobID(id),
		Processor: "echo",
		Payload:   map[string]interface{}{"test": "data"},
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %v, got nil", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

func assertJobStatus(t *testing.T, jm *JobManager, jobID types.JobID, want types.JobStatus) {
	t.Helper()
	job, ok := jm.GetJob(jobID)
	if !ok {
		t.Fatalf("job %s not found", jobID)
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", jobID, job.Status, want)
	}
}

// runToRunning 建立任務並推進到 RUNNING
func runToRunning(t *testing.T, jm *JobManager, id string) {
	t.Helper()
	assertNoError(t, jm.Enqueue(newTestJob(id)))
	job := jm.PopPending()
	if job == nil || job.ID != types.JobID(id) {
		t.Fatalf("expected to pop %s, got %+v", id, job)
	}
	_, err := jm.MarkRunning(job.ID, time.Now().Add(time.Minute))
	assertNoError(t, err)
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestEnqueue(t *testing.T) {
	jm, clock := newTestJobManager()

	assertNoError(t, jm.Enqueue(newTestJob("job-1")))
	assertJobStatus(t, jm, "job-1", types.StatusPending)

	job, _ := jm.GetJob("job-1")
	if job.CreatedAt != clock.Now().UnixMilli() {
		t.Errorf("CreatedAt: got %d, want %d", job.CreatedAt, clock.Now().UnixMilli())
	}
	if jm.PendingLen() != 1 {
		t.Errorf("queue length: got %d, want 1", jm.PendingLen())
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	jm, _ := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))
	assertError(t, jm.Enqueue(newTestJob("job-1")), ErrDuplicateJob)
}

func TestEnqueueValidation(t *testing.T) {
	jm, _ := newTestJobManager()
	assertError(t, jm.Enqueue(types.Job{}), ErrEmptyJobID)

	running := newTestJob("job-1")
	running.Status = types.StatusRunning
	assertError(t, jm.Enqueue(running), ErrInvalidInitialStatus)
}

func TestPopPendingFIFO(t *testing.T) {
	jm, _ := newTestJobManager()
	for i := 0; i < 3; i++ {
		assertNoError(t, jm.Enqueue(newTestJob(fmt.Sprintf("job-%d", i))))
	}

	for i := 0; i < 3; i++ {
		job := jm.PopPending()
		want := types.JobID(fmt.Sprintf("job-%d", i))
		if job == nil || job.ID != want {
			t.Fatalf("pop %d: got %+v, want %s", i, job, want)
		}
		if job.Status != types.StatusScheduling {
			t.Errorf("popped job status: got %s, want SCHEDULING", job.Status)
		}
	}
	if job := jm.PopPending(); job != nil {
		t.Errorf("expected empty queue, got %s", job.ID)
	}
}

func TestPopPendingSkipsTerminated(t *testing.T) {
	jm, _ := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("a")))
	assertNoError(t, jm.Enqueue(newTestJob("b")))

	_, err := jm.Terminate("a", "cancelled by operator")
	assertNoError(t, err)

	job := jm.PopPending()
	if job == nil || job.ID != "b" {
		t.Fatalf("expected b, got %+v", job)
	}
}

func TestHappyPath(t *testing.T) {
	jm, clock := newTestJobManager()
	runToRunning(t, jm, "job-1")

	job, _ := jm.GetJob("job-1")
	if job.Attempt != 1 {
		t.Errorf("attempt: got %d, want 1", job.Attempt)
	}
	if job.Deadline == nil {
		t.Fatal("deadline not set for RUNNING job")
	}

	clock.Advance(time.Second)
	job, err := jm.Complete("job-1", types.SuccessResult(nil))
	assertNoError(t, err)
	if job.Status != types.StatusSucceeded {
		t.Errorf("status: got %s, want SUCCEEDED", job.Status)
	}
	if job.EndedAt != clock.Now().UnixMilli() {
		t.Errorf("EndedAt: got %d, want %d", job.EndedAt, clock.Now().UnixMilli())
	}
	if job.Deadline != nil {
		t.Error("deadline should be cleared after leaving RUNNING")
	}
}

func TestCompleteFailure(t *testing.T) {
	jm, _ := newTestJobManager()
	runToRunning(t, jm, "job-1")

	job, err := jm.Complete("job-1", types.FailedResult(errors.New("disk full")))
	assertNoError(t, err)
	if job.Status != types.StatusFailed || job.LastError != "disk full" {
		t.Errorf("got status %s / error %q", job.Status, job.LastError)
	}

	runToRunning(t, jm, "job-2")
	job, err = jm.Complete("job-2", types.CancelledResult(errors.New("context deadline exceeded")))
	assertNoError(t, err)
	if job.Status != types.StatusFailed {
		t.Errorf("cancelled attempt: got %s, want FAILED", job.Status)
	}
}

func TestCompleteRetryingKeepsRunning(t *testing.T) {
	jm, _ := newTestJobManager()
	runToRunning(t, jm, "job-1")

	retrying := types.NewResult(types.TaskRetrying).ErrorMessage("503").Build()
	job, err := jm.Complete("job-1", retrying)
	assertNoError(t, err)
	if job.Status != types.StatusRunning {
		t.Errorf("status: got %s, want RUNNING", job.Status)
	}
	if job.Attempt != 2 || job.LastError != "503" {
		t.Errorf("attempt/error: got %d/%q", job.Attempt, job.LastError)
	}
}

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, jm *JobManager)
		to    types.JobStatus
	}{
		{"pending to running", func(t *testing.T, jm *JobManager) {
			assertNoError(t, jm.Enqueue(newTestJob("j")))
		}, types.StatusRunning},
		{"pending to succeeded", func(t *testing.T, jm *JobManager) {
			assertNoError(t, jm.Enqueue(newTestJob("j")))
		}, types.StatusSucceeded},
		{"running to pending", func(t *testing.T, jm *JobManager) {
			runToRunning(t, jm, "j")
		}, types.StatusPending},
		{"running to paused", func(t *testing.T, jm *JobManager) {
			runToRunning(t, jm, "j")
		}, types.StatusPaused},
		{"succeeded to terminated", func(t *testing.T, jm *JobManager) {
			runToRunning(t, jm, "j")
			_, err := jm.Complete("j", types.SuccessResult(nil))
			assertNoError(t, err)
		}, types.StatusTerminated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm, _ := newTestJobManager()
			tt.setup(t, jm)
			before, _ := jm.GetJob("j")

			_, err := jm.Transition("j", tt.to, "")
			assertError(t, err, types.ErrIllegalTransition)
			assertJobStatus(t, jm, "j", before.Status)
		})
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	jm, _ := newTestJobManager()
	_, err := jm.Transition("missing", types.StatusTerminated, "")
	assertError(t, err, ErrJobNotFound)
}

func TestPausedJobs(t *testing.T) {
	jm, _ := newTestJobManager()
	job := newTestJob("job-1")
	job.Status = types.StatusPaused
	assertNoError(t, jm.Enqueue(job))

	if popped := jm.PopPending(); popped != nil {
		t.Fatalf("paused job must not be dispatched, got %s", popped.ID)
	}

	_, err := jm.Resume("job-1")
	assertNoError(t, err)
	assertJobStatus(t, jm, "job-1", types.StatusPending)

	popped := jm.PopPending()
	if popped == nil || popped.ID != "job-1" {
		t.Fatalf("resumed job not dispatched: %+v", popped)
	}

	_, err = jm.Resume("job-1")
	assertError(t, err, types.ErrIllegalTransition)
}

func TestEndedAtSetOnce(t *testing.T) {
	jm, clock := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))
	job, err := jm.Terminate("job-1", "operator")
	assertNoError(t, err)
	first := job.EndedAt

	clock.Advance(time.Hour)
	_, err = jm.Terminate("job-1", "again")
	assertError(t, err, types.ErrIllegalTransition)

	job, _ = jm.GetJob("job-1")
	if job.EndedAt != first {
		t.Errorf("EndedAt changed: %d -> %d", first, job.EndedAt)
	}
	if job.LastError != "operator" {
		t.Errorf("LastError: got %q", job.LastError)
	}
}

func TestGetExpiredJobs(t *testing.T) {
	jm, _ := newTestJobManager()
	now := time.Now()

	assertNoError(t, jm.Enqueue(newTestJob("late")))
	jm.PopPending()
	_, err := jm.MarkRunning("late", now.Add(-time.Second))
	assertNoError(t, err)

	runToRunning(t, jm, "fresh")

	expired := jm.GetExpiredJobs(now)
	if len(expired) != 1 || expired[0] != "late" {
		t.Errorf("expired: got %v, want [late]", expired)
	}
}

func TestStats(t *testing.T) {
	jm, _ := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("p")))
	runToRunning(t, jm, "r")
	paused := newTestJob("z")
	paused.Status = types.StatusPaused
	assertNoError(t, jm.Enqueue(paused))

	stats := jm.Stats()
	if len(stats) != len(types.AllStatuses()) {
		t.Errorf("stats should list every status, got %v", stats)
	}
	if stats[types.StatusPending] != 1 || stats[types.StatusRunning] != 1 || stats[types.StatusPaused] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
	if got := jm.JobsInStatus(types.StatusRunning); len(got) != 1 || got[0] != "r" {
		t.Errorf("JobsInStatus(RUNNING): %v", got)
	}
}

func TestReturnedJobsAreCopies(t *testing.T) {
	jm, _ := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))

	job, _ := jm.GetJob("job-1")
	job.Status = types.StatusSucceeded
	job.Payload["test"] = "mutated"

	assertJobStatus(t, jm, "job-1", types.StatusPending)
	again, _ := jm.GetJob("job-1")
	if again.Payload["test"] != "data" {
		t.Errorf("payload leaked: %v", again.Payload)
	}
}

// ============================================================================
// Snapshot Tests
// ============================================================================

func TestSnapshotRestore(t *testing.T) {
	jm, clock := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("first")))
	clock.Advance(time.Millisecond)
	assertNoError(t, jm.Enqueue(newTestJob("second")))
	runToRunning(t, jm, "third")

	data := jm.Snapshot()
	if data.SchemaVer != types.SnapshotSchemaVersion || len(data.Jobs) != 3 {
		t.Fatalf("snapshot: ver=%d jobs=%d", data.SchemaVer, len(data.Jobs))
	}

	restored, _ := newTestJobManager()
	assertNoError(t, restored.Restore(data))

	assertJobStatus(t, restored, "third", types.StatusRunning)
	if job := restored.PopPending(); job == nil || job.ID != "first" {
		t.Fatalf("expected first after restore, got %+v", job)
	}
	if job := restored.PopPending(); job == nil || job.ID != "second" {
		t.Fatalf("expected second after restore, got %+v", job)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	jm, _ := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))

	data := jm.Snapshot()
	_, err := jm.Terminate("job-1", "")
	assertNoError(t, err)

	if data.Jobs["job-1"].Status != types.StatusPending {
		t.Errorf("snapshot mutated: %s", data.Jobs["job-1"].Status)
	}
}

func TestRestoreRejectsUnknownStatus(t *testing.T) {
	jm, _ := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("keep")))

	err := jm.Restore(types.SnapshotData{Jobs: map[types.JobID]*types.Job{
		"bad": {ID: "bad", Status: "IN_FLIGHT"},
	}})
	assertError(t, err, ErrInvalidSnapshot)
	assertJobStatus(t, jm, "keep", types.StatusPending)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentPopPending(t *testing.T) {
	jm, _ := newTestJobManager()
	const n = 200
	for i := 0; i < n; i++ {
		assertNoError(t, jm.Enqueue(newTestJob(fmt.Sprintf("job-%d", i))))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[types.JobID]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job := jm.PopPending()
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("popped %d distinct jobs, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("job %s popped %d times", id, count)
		}
	}
}

func TestConcurrentTerminalTransitionHasOneWinner(t *testing.T) {
	jm, _ := newTestJobManager()
	runToRunning(t, jm, "job-1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	targets := []types.JobStatus{types.StatusSucceeded, types.StatusFailed, types.StatusTerminated}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(to types.JobStatus) {
			defer wg.Done()
			if _, err := jm.Transition("job-1", to, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("terminal transition winners: got %d, want 1", wins)
	}
}

// ============================================================================
// Journal Tests
// ============================================================================

type memJournal struct {
	mu      sync.Mutex
	changes []Change
	failOn  int // 第 n 次呼叫失敗，0 表示不失敗
	calls   int
}

func (j *memJournal) Record(c Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if j.failOn != 0 && j.calls == j.failOn {
		return errors.New("disk full")
	}
	j.changes = append(j.changes, c)
	return nil
}

func TestJournalRecordsEveryChange(t *testing.T) {
	journal := &memJournal{}
	jm := NewJobManager(WithClock(clockwork.NewFakeClock()), WithJournal(journal))

	runToRunning(t, jm, "job-1")
	_, err := jm.RecordRetry("job-1", "flaky")
	assertNoError(t, err)
	_, err = jm.Complete("job-1", types.SuccessResult(nil))
	assertNoError(t, err)

	wantOps := []Op{OpEnqueue, OpTransition, OpTransition, OpRetry, OpTransition}
	if len(journal.changes) != len(wantOps) {
		t.Fatalf("journal changes: got %d, want %d", len(journal.changes), len(wantOps))
	}
	for i, c := range journal.changes {
		if c.Seq != uint64(i+1) {
			t.Errorf("change %d: seq %d", i, c.Seq)
		}
		if c.Op != wantOps[i] {
			t.Errorf("change %d: op %s, want %s", i, c.Op, wantOps[i])
		}
	}
	if last := journal.changes[len(journal.changes)-1].Job; last.Status != types.StatusSucceeded || last.Attempt != 2 {
		t.Errorf("last change: status=%s attempt=%d", last.Status, last.Attempt)
	}
	if jm.LastSeq() != 5 {
		t.Errorf("last seq: got %d, want 5", jm.LastSeq())
	}
}

func TestJournalReceivesCopies(t *testing.T) {
	journal := &memJournal{}
	jm := NewJobManager(WithJournal(journal))
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))

	journal.changes[0].Job.Status = types.StatusFailed
	assertJobStatus(t, jm, "job-1", types.StatusPending)
}

func TestJournalFailureKeepsState(t *testing.T) {
	journal := &memJournal{failOn: 3}
	jm := NewJobManager(WithJournal(journal))
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))
	if job := jm.PopPending(); job == nil {
		t.Fatal("expected job")
	}

	_, err := jm.MarkRunning("job-1", time.Now().Add(time.Minute))
	assertError(t, err, ErrJournal)
	job, _ := jm.GetJob("job-1")
	if job.Status != types.StatusScheduling || job.Attempt != 0 || job.Deadline != nil {
		t.Errorf("state changed after journal failure: %+v", job)
	}
	if jm.LastSeq() != 2 {
		t.Errorf("seq advanced after journal failure: %d", jm.LastSeq())
	}

	// 下一次呼叫成功，序號接續
	_, err = jm.MarkRunning("job-1", time.Now().Add(time.Minute))
	assertNoError(t, err)
	if jm.LastSeq() != 3 {
		t.Errorf("last seq: got %d, want 3", jm.LastSeq())
	}
}

func TestPopPendingRequeuesOnJournalFailure(t *testing.T) {
	journal := &memJournal{failOn: 3}
	jm := NewJobManager(WithJournal(journal))
	assertNoError(t, jm.Enqueue(newTestJob("first")))
	assertNoError(t, jm.Enqueue(newTestJob("second")))

	if job := jm.PopPending(); job != nil {
		t.Fatalf("expected nil on journal failure, got %s", job.ID)
	}
	if job := jm.PopPending(); job == nil || job.ID != "first" {
		t.Fatalf("expected first to be retried, got %+v", job)
	}
}

func TestSnapshotCarriesLastSeq(t *testing.T) {
	jm, _ := newTestJobManager()
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))
	assertNoError(t, jm.Enqueue(newTestJob("job-2")))

	data := jm.Snapshot()
	if data.LastSeq != 2 {
		t.Fatalf("snapshot last seq: got %d, want 2", data.LastSeq)
	}

	restored, _ := newTestJobManager()
	assertNoError(t, restored.Restore(data))
	if restored.LastSeq() != 2 {
		t.Errorf("restored last seq: got %d, want 2", restored.LastSeq())
	}
}

func TestApplyReplaysChangesAfterSnapshot(t *testing.T) {
	journal := &memJournal{}
	jm := NewJobManager(WithClock(clockwork.NewFakeClock()), WithJournal(journal))
	assertNoError(t, jm.Enqueue(newTestJob("job-1")))
	assertNoError(t, jm.Enqueue(newTestJob("job-2")))
	data := jm.Snapshot()

	assertNoError(t, jm.Enqueue(newTestJob("job-3")))
	job := jm.PopPending()
	if job == nil || job.ID != "job-1" {
		t.Fatalf("expected job-1, got %+v", job)
	}
	_, err := jm.MarkRunning(job.ID, time.Now().Add(time.Minute))
	assertNoError(t, err)
	_, err = jm.Terminate("job-2", "cancelled by operator")
	assertNoError(t, err)

	restored, _ := newTestJobManager()
	assertNoError(t, restored.Restore(data))
	applied, err := restored.Apply(journal.changes)
	assertNoError(t, err)
	// job-1、job-2 的 ENQUEUE 已在快照中
	if applied != len(journal.changes)-2 {
		t.Errorf("applied: got %d, want %d", applied, len(journal.changes)-2)
	}
	if restored.LastSeq() != jm.LastSeq() {
		t.Errorf("last seq: got %d, want %d", restored.LastSeq(), jm.LastSeq())
	}
	assertJobStatus(t, restored, "job-1", types.StatusRunning)
	assertJobStatus(t, restored, "job-2", types.StatusTerminated)

	// job-2 已終止，佇列只剩 job-3
	if job := restored.PopPending(); job == nil || job.ID != "job-3" {
		t.Fatalf("expected job-3, got %+v", job)
	}
	if job := restored.PopPending(); job != nil {
		t.Fatalf("expected empty queue, got %s", job.ID)
	}

	// 重複套用不會改變狀態
	applied, err = restored.Apply(journal.changes)
	assertNoError(t, err)
	if applied != 0 {
		t.Errorf("second apply: got %d, want 0", applied)
	}
}

func TestApplyRejectsInvalidChange(t *testing.T) {
	jm, _ := newTestJobManager()
	_, err := jm.Apply([]Change{{Seq: 1, Op: OpEnqueue, Job: &types.Job{ID: "bad", Status: "IN_FLIGHT"}}})
	assertError(t, err, ErrInvalidSnapshot)
	_, err = jm.Apply([]Change{{Seq: 1, Op: OpEnqueue}})
	assertError(t, err, ErrInvalidSnapshot)
	if jm.LastSeq() != 0 {
		t.Errorf("seq changed: %d", jm.LastSeq())
	}
}
