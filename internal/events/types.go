package events

import (
	"time"

	"git.home.luguber.info/inful/docflow/internal/trigger"
)

// EventReceived carries a normalized repository event from an ingress point
// (webhook, dispatch API, scheduler) to the orchestrator, which evaluates
// workflow triggers against it.
type EventReceived struct {
	Event      trigger.Event
	Source     string // "webhook", "dispatch", "schedule", "cli"
	ReceivedAt time.Time
}

// RunQueued is emitted when a workflow matched an event and a run was
// admitted to the queue.
type RunQueued struct {
	RunID    string
	Workflow string
	Group    string
	Event    trigger.Event
	QueuedAt time.Time
}

// RunStarted is emitted when a worker picks up a run and its concurrency
// group slot is held.
type RunStarted struct {
	RunID     string
	Workflow  string
	Group     string
	StartedAt time.Time
}

// RunFinished is emitted when a run reaches a terminal status.
type RunFinished struct {
	RunID      string
	Workflow   string
	Group      string
	Status     string // completed|failed|cancelled|superseded
	FailedStep string
	Duration   time.Duration
	FinishedAt time.Time
}
