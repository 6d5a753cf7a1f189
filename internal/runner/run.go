package runner

import (
	"context"
	"time"

	"git.home.luguber.info/inful/docflow/internal/config"
	"git.home.luguber.info/inful/docflow/internal/trigger"
	"git.home.luguber.info/inful/docflow/internal/workflow"
)

// Status represents the current status of a run.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusSuperseded Status = "superseded"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSuperseded:
		return true
	}
	return false
}

// StepStatus represents the outcome of a single step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
	StepAborted   StepStatus = "aborted" // not reached because an earlier step failed
)

// StepResult records one step's execution inside a run.
type StepResult struct {
	Job      string        `json:"job"`
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Log      string        `json:"log,omitempty"`
}

// Run represents a single workflow run.
type Run struct {
	ID               string            `json:"id"`
	Workflow         *workflow.Workflow `json:"-"`
	WorkflowName     string            `json:"workflow"`
	Repo             config.Repository `json:"-"`
	RepoName         string            `json:"repository"`
	Event            trigger.Event     `json:"event"`
	Group            string            `json:"concurrency_group"`
	CancelInProgress bool              `json:"-"`

	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
	FailedStep  string        `json:"failed_step,omitempty"`
	Steps       []StepResult  `json:"steps,omitempty"`

	cancel context.CancelFunc
}

// ExprContext builds the expression context workflow conditions see for
// this run.
func (r *Run) ExprContext() workflow.ExprContext {
	return workflow.ExprContext{
		Workflow:   r.WorkflowName,
		Ref:        r.Event.Ref,
		EventName:  string(r.Event.Type),
		Repository: r.Event.Repository,
		SHA:        r.Event.After,
	}
}

// Cancel aborts the run if it is currently executing.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}
