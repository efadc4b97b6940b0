package api

import (
	"maps"
	"time"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the statuses from which an execution can still move.
var ActiveStatuses = []Status{StatusRunning, StatusWaiting}

// A waiting execution resumes by moving back to running before its next node
// runs. failed → running is only taken when an operator redrives the job that
// failed it.
var validTransitions = map[Status][]Status{
	StatusRunning: {StatusRunning, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaiting: {StatusRunning, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusRunning},
}

// Terminal reports whether the runtime stops advancing executions in s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether s → next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Execution is one run of a Definition for a subject.
type Execution struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	OrganizationID    string         `json:"organization_id,omitempty"`
	SubjectRef        string         `json:"subject_ref"`
	CurrentNodeID     string         `json:"current_node_id"`
	Status            Status         `json:"status"`
	Context           map[string]any `json:"context"`

	// ResumeAt is set while the execution is waiting on a delayed job.
	ResumeAt *time.Time `json:"resume_at,omitempty"`

	LastError    string    `json:"last_error,omitempty"`
	FailedNodeID string    `json:"failed_node_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy whose context can be mutated independently.
// Nested values are shared.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Context = maps.Clone(e.Context)
	if out.Context == nil {
		out.Context = map[string]any{}
	}
	if e.ResumeAt != nil {
		t := *e.ResumeAt
		out.ResumeAt = &t
	}
	return &out
}

// MergeContext applies patch on top of the execution context; patch keys
// overwrite existing keys.
func (e *Execution) MergeContext(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if e.Context == nil {
		e.Context = make(map[string]any, len(patch))
	}
	maps.Copy(e.Context, patch)
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	DefinitionID string
	SubjectRef   string
	Statuses     []Status

	// UpdatedBefore restricts results to executions not touched since then.
	UpdatedBefore time.Time
	Limit         int
}

// Matches reports whether e passes the filter, ignoring Limit.
func (f ExecutionFilter) Matches(e *Execution) bool {
	if f.DefinitionID != "" && e.DefinitionID != f.DefinitionID {
		return false
	}
	if f.SubjectRef != "" && e.SubjectRef != f.SubjectRef {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && !e.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// StepStatus is the result of one node invocation attempt.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// StepExecution is an append-only audit entry for one node invocation.
type StepExecution struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	NodeID      string     `json:"node_id"`
	NodeType    NodeType   `json:"node_type"`
	Status      StepStatus `json:"status"`
	Branch      string     `json:"branch,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempt     int        `json:"attempt"`
	CreatedAt   time.Time  `json:"created_at"`
}
