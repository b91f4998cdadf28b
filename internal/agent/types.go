// Package agent holds the worker contract and the four concrete
// workers: the companion (primary, owns the pool and delegation), the
// coder, the researcher, and the reporter. Workers accept typed tasks
// and return typed results; a busy worker is never handed a second task
// directly - the companion queues for it.
package agent

import (
	"context"
	"time"
)

// Priority of a task.
type Priority int

const (
	// PriorityLow is for background work and speculative tasks.
	PriorityLow Priority = 0

	// PriorityNormal is for regular user requests.
	PriorityNormal Priority = 1

	// PriorityHigh is for explicitly urgent user requests.
	PriorityHigh Priority = 2

	// PriorityCritical is the floor while deadline mode is active.
	PriorityCritical Priority = 3
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Task is one unit of work handed to a worker.
type Task struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Input string `json:"input"`

	// Params carries structured fields specific to the task type
	// (language and code for the coder, deadline id for the reporter).
	Params map[string]string `json:"params,omitempty"`

	Priority Priority   `json:"priority"`
	Deadline *time.Time `json:"deadline,omitempty"`

	// DelegatedBy records provenance across delegation hops. Set once by
	// the first delegator and never overwritten on forwarding.
	DelegatedBy string `json:"delegated_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Result is what a worker hands back.
type Result struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output"`
	Artifacts []string      `json:"artifacts,omitempty"`
	NextSteps []string      `json:"next_steps,omitempty"`
	Err       string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Status of a worker. Only an idle worker accepts new work.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusThinking  Status = "thinking"
	StatusExecuting Status = "executing"
	StatusWaiting   Status = "waiting"
	StatusError     Status = "error"
)

// Worker is the contract every specialist satisfies.
type Worker interface {
	Name() string
	Status() Status
	Execute(ctx context.Context, task Task) (*Result, error)

	// SetDeadlineMode is broadcast by the companion when a due date
	// arrives or clears. Workers adjust their posture, not their queue.
	SetDeadlineMode(active bool)
}

// BusyError reports a task handed to a non-idle worker.
type BusyError struct {
	Worker string
	Status Status
}

func (e *BusyError) Error() string {
	return "agent: worker " + e.Worker + " is " + string(e.Status)
}

// NotFoundError reports delegation to an unregistered worker.
type NotFoundError struct {
	Worker string
}

func (e *NotFoundError) Error() string {
	return "agent: unknown worker: " + e.Worker
}
