package runstore

import (
	"context"
	"time"

	"git.home.luguber.info/inful/docflow/internal/runner"
)

// RunRecord is the persisted form of a finished (or in-flight) run.
type RunRecord struct {
	ID          string              `json:"id"`
	Workflow    string              `json:"workflow"`
	Repository  string              `json:"repository"`
	EventType   string              `json:"event"`
	Ref         string              `json:"ref"`
	Group       string              `json:"concurrency_group"`
	Status      string              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Duration    time.Duration       `json:"duration,omitempty"`
	Error       string              `json:"error,omitempty"`
	FailedStep  string              `json:"failed_step,omitempty"`
	Steps       []runner.StepResult `json:"steps,omitempty"`
}

// FromRun converts a run into its persisted record.
func FromRun(r *runner.Run) RunRecord {
	return RunRecord{
		ID:          r.ID,
		Workflow:    r.WorkflowName,
		Repository:  r.RepoName,
		EventType:   string(r.Event.Type),
		Ref:         r.Event.Ref,
		Group:       r.Group,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Duration:    r.Duration,
		Error:       r.Error,
		FailedStep:  r.FailedStep,
		Steps:       r.Steps,
	}
}

// Store persists run history.
type Store interface {
	Save(ctx context.Context, rec RunRecord) error
	Get(ctx context.Context, id string) (*RunRecord, error)
	List(ctx context.Context, limit int) ([]RunRecord, error)
	ListByWorkflow(ctx context.Context, workflow string, limit int) ([]RunRecord, error)
	Close() error
}
