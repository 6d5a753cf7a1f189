package trigger

import (
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the repository events that can start a run.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventDispatch    EventType = "workflow_dispatch"
	EventSchedule    EventType = "schedule"
)

// Event is a normalized repository event, independent of the forge that
// delivered it.
type Event struct {
	Type       EventType
	Repository string // full name, e.g. "example/csplotter"
	Ref        string // fully qualified, e.g. refs/heads/main
	Branch     string // branch component of Ref for pushes
	BaseBranch string // pull_request target branch
	Before     string // previous commit SHA (push)
	After      string // new commit SHA (push) / head SHA (pull_request)
	Changed    []string
	ReceivedAt time.Time
}

// NewPushEvent builds a push event for the given branch and changed files.
func NewPushEvent(repository, branch, before, after string, changed []string) Event {
	return Event{
		Type:       EventPush,
		Repository: repository,
		Ref:        "refs/heads/" + branch,
		Branch:     branch,
		Before:     before,
		After:      after,
		Changed:    changed,
		ReceivedAt: time.Now(),
	}
}

// NewDispatchEvent builds a manual dispatch event against a branch.
func NewDispatchEvent(repository, branch string) Event {
	return Event{
		Type:       EventDispatch,
		Repository: repository,
		Ref:        "refs/heads/" + branch,
		Branch:     branch,
		ReceivedAt: time.Now(),
	}
}

// BranchFromRef extracts the branch name from a fully qualified ref.
func BranchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// Validate checks the event carries enough information to be matched.
func (e Event) Validate() error {
	switch e.Type {
	case EventPush:
		if e.Branch == "" {
			return fmt.Errorf("push event has no branch")
		}
	case EventPullRequest:
		if e.BaseBranch == "" {
			return fmt.Errorf("pull_request event has no base branch")
		}
	case EventDispatch, EventSchedule:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Repository == "" {
		return fmt.Errorf("event has no repository")
	}
	return nil
}
