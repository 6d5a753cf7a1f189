package daemon

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docflow/internal/events"
	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/runner"
	"git.home.luguber.info/inful/docflow/internal/runstore"
	"git.home.luguber.info/inful/docflow/internal/trigger"
	"git.home.luguber.info/inful/docflow/internal/workflow"
)

// startOrchestrator consumes normalized repository events and turns
// matching ones into queued runs.
func (d *Daemon) startOrchestrator() {
	ch, unsub := events.Subscribe[events.EventReceived](d.bus, 64)
	d.workers.Go(func() {
		defer unsub()
		for ev := range ch {
			d.handleEvent(ev)
		}
	})
}

// startPersister saves every finished run to the history store.
func (d *Daemon) startPersister() {
	ch, unsub := events.Subscribe[events.RunFinished](d.bus, 64)
	d.workers.Go(func() {
		defer unsub()
		for ev := range ch {
			d.persistRun(ev.RunID)
		}
	})
}

func (d *Daemon) persistRun(runID string) {
	for _, run := range d.queue.History() {
		if run.ID != runID {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := d.store.Save(ctx, runstore.FromRun(run))
		cancel()
		if err != nil {
			slog.Warn("Failed to persist run", logfields.RunID(runID), logfields.Error(err))
		}
		return
	}
	slog.Debug("Finished run not in history, skipping persist", logfields.RunID(runID))
}

// handleEvent evaluates an incoming event against every workflow of the
// repositories it belongs to.
func (d *Daemon) handleEvent(received events.EventReceived) {
	ev := received.Event
	d.recorder.IncEventReceived(string(ev.Type))

	slog.Info("Event received",
		logfields.Event(string(ev.Type)),
		logfields.Repository(ev.Repository),
		logfields.Ref(ev.Ref),
		slog.String("source", received.Source))

	matched := false
	for _, rw := range d.reposFor(ev.Repository) {
		rev := d.resolveChanged(rw, ev)
		for _, wf := range rw.workflows {
			decision, err := trigger.Matches(wf, rev)
			if err != nil {
				slog.Error("Trigger evaluation failed",
					logfields.Workflow(wf.Name), logfields.Error(err))
				continue
			}
			d.recorder.IncTriggerMatch(wf.Name, decision.Matched)
			if !decision.Matched {
				slog.Debug("Workflow not triggered",
					logfields.Workflow(wf.Name), slog.String("reason", decision.Reason))
				continue
			}
			matched = true
			d.enqueueRun(rw, wf, rev)
		}
	}

	if !matched {
		slog.Debug("Event matched no workflows",
			logfields.Event(string(ev.Type)), logfields.Repository(ev.Repository))
	}
}

// resolveChanged fills in the event's changed-file list for pull requests.
// Forge pull_request hooks carry no per-file change list, so a path-filtered
// workflow would otherwise never see the paths it filters on. The set is
// computed by diffing the merge base of base...head in the repository.
func (d *Daemon) resolveChanged(rw repoWorkflows, ev trigger.Event) trigger.Event {
	if ev.Type != trigger.EventPullRequest || len(ev.Changed) > 0 || ev.After == "" {
		return ev
	}

	needed := false
	for _, wf := range rw.workflows {
		if wf.On.PullRequest != nil && len(wf.On.PullRequest.Paths) > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return ev
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	changed, err := d.git.ChangedFiles(ctx, rw.repo, ev.BaseBranch, ev.After)
	if err != nil {
		slog.Warn("Failed to resolve changed files for pull request",
			logfields.Repository(rw.repo.Name), logfields.Error(err))
		return ev
	}
	ev.Changed = changed
	return ev
}

// reposFor selects the configured repositories an event applies to. The
// event's repository is a forge full name ("owner/name"); config entries
// match on their short name or a full-name suffix.
func (d *Daemon) reposFor(repository string) []repoWorkflows {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if repository == "" {
		return d.repos
	}

	var out []repoWorkflows
	for _, rw := range d.repos {
		if rw.repo.Name == repository || strings.HasSuffix(repository, "/"+rw.repo.Name) {
			out = append(out, rw)
		}
	}
	return out
}

func (d *Daemon) enqueueRun(rw repoWorkflows, wf *workflow.Workflow, ev trigger.Event) {
	ec := workflow.ExprContext{
		Workflow:   wf.Name,
		Ref:        ev.Ref,
		EventName:  string(ev.Type),
		Repository: ev.Repository,
		SHA:        ev.After,
	}
	group, cancelInProgress, err := wf.ConcurrencyGroup(ec)
	if err != nil {
		slog.Error("Concurrency group evaluation failed",
			logfields.Workflow(wf.Name), logfields.Error(err))
		return
	}

	run := &runner.Run{
		ID:               uuid.NewString(),
		Workflow:         wf,
		WorkflowName:     wf.Name,
		Repo:             rw.repo,
		RepoName:         rw.repo.Name,
		Event:            ev,
		Group:            group,
		CancelInProgress: cancelInProgress,
		Status:           runner.StatusQueued,
		CreatedAt:        time.Now(),
	}

	if err := d.queue.Enqueue(run); err != nil {
		slog.Error("Failed to enqueue run",
			logfields.RunID(run.ID), logfields.Workflow(wf.Name), logfields.Error(err))
		return
	}
	d.recorder.SetQueueLength(d.queue.Length())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = d.bus.Publish(ctx, events.RunQueued{
		RunID:    run.ID,
		Workflow: wf.Name,
		Group:    group,
		Event:    ev,
		QueuedAt: run.CreatedAt,
	})

	slog.Info("Run queued",
		logfields.RunID(run.ID),
		logfields.Workflow(wf.Name),
		logfields.Group(group),
		logfields.Repository(rw.repo.Name))
}
