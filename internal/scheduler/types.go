// Package scheduler fires autonomous agent runs on persisted
// schedules.
package scheduler

import (
	"time"
)

// Task is the definition of a scheduled agent action.
type Task struct {
	ID        string    `json:"id"` // UUIDv7
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Schedule  Schedule  `json:"schedule"`
	Payload   Payload   `json:"payload"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule defines when a task runs.
type Schedule struct {
	Kind  ScheduleKind `json:"kind"`
	At    *time.Time   `json:"at,omitempty"`    // one-shot
	Every *Duration    `json:"every,omitempty"` // recurring
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
)

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Payload defines what happens when a task fires.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Message string      `json:"message,omitempty"` // for wake tasks
}

// PayloadKind identifies the payload type.
type PayloadKind string

const (
	// PayloadWake runs the agent loop with Message as the user turn.
	PayloadWake PayloadKind = "wake"

	// PayloadMemorySync forces a memory index rebuild.
	PayloadMemorySync PayloadKind = "memory_sync"
)

// Execution records one run of a task.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // single-flight guard declined the run
)

// NextRun calculates the next execution time after the given moment.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false // one-shot already passed

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	default:
		return time.Time{}, false
	}
}
