package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-exec/internal/jobmanager"
	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the on-disk record of a job table change
// ============================================================================

// EventType defines WAL event types, one per jobmanager.Op
type EventType string

const (
	EventEnqueue    EventType = EventType(jobmanager.OpEnqueue)    // Job created (PENDING or PAUSED)
	EventTransition EventType = EventType(jobmanager.OpTransition) // Job moved along the status table
	EventRetry      EventType = EventType(jobmanager.OpRetry)      // Execution-level retry recorded
)

// Event represents a WAL event record, one JSON line per event
type Event struct {
	Seq       uint64          `json:"seq"`       // Change sequence number (strictly increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Job       json.RawMessage `json:"job"`       // Full job state after the change
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// NewEvent encodes a change into an event with its checksum set
func NewEvent(c jobmanager.Change, timestamp int64) (Event, error) {
	if c.Job == nil {
		return Event{}, fmt.Errorf("wal: change %d has no job", c.Seq)
	}
	raw, err := json.Marshal(c.Job)
	if err != nil {
		return Event{}, fmt.Errorf("wal: failed to encode job %s: %w", c.Job.ID, err)
	}
	ev := Event{
		Seq:       c.Seq,
		Type:      EventType(c.Op),
		JobID:     c.Job.ID,
		Timestamp: timestamp,
		Job:       raw,
	}
	ev.Checksum = CalculateChecksum(ev)
	return ev, nil
}

// Change decodes the event back into a job change
func (e Event) Change() (jobmanager.Change, error) {
	var job types.Job
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return jobmanager.Change{}, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: err}
	}
	if job.ID != e.JobID {
		return jobmanager.Change{}, &CorruptionError{
			Seq:    e.Seq,
			Offset: -1,
			Cause:  fmt.Errorf("job id %q does not match event job id %q", job.ID, e.JobID),
		}
	}
	return jobmanager.Change{Seq: e.Seq, Op: jobmanager.Op(e.Type), Job: &job}, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay; a non-nil error aborts the replay
type EventHandler func(event Event) error
