package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docflow/internal/concurrency"
	"git.home.luguber.info/inful/docflow/internal/events"
	"git.home.luguber.info/inful/docflow/internal/trigger"
	"git.home.luguber.info/inful/docflow/internal/workflow"
	"git.home.luguber.info/inful/docflow/internal/workspace"
)

func blockingWorkflow(release <-chan struct{}) (*workflow.Workflow, Registry) {
	reg := Registry{}
	reg.Register(&fakeStep{name: "wait", fn: func(ctx context.Context, _ *StepContext) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})

	wf := &workflow.Workflow{
		Name: "blocking",
		Jobs: map[string]workflow.Job{
			"docs": {Steps: []workflow.Step{{Name: "wait", Uses: "wait"}}},
		},
	}
	return wf, reg
}

func queuedRun(id, group string, wf *workflow.Workflow, cancelInProgress bool) *Run {
	return &Run{
		ID:               id,
		Workflow:         wf,
		WorkflowName:     wf.Name,
		RepoName:         "csplotter",
		Event:            trigger.NewPushEvent("example/csplotter", "main", "a", "b", nil),
		Group:            group,
		CancelInProgress: cancelInProgress,
		CreatedAt:        time.Now(),
	}
}

func waitForAnyFinished(t *testing.T, ch <-chan events.RunFinished) events.RunFinished {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a finished run")
		return events.RunFinished{}
	}
}

func waitForFinished(t *testing.T, ch <-chan events.RunFinished, runID string) events.RunFinished {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.RunID == runID {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for run %s to finish", runID)
		}
	}
}

func TestQueue_RunCompletesAndEntersHistory(t *testing.T) {
	release := make(chan struct{})
	wf, reg := blockingWorkflow(release)

	bus := events.NewBus()
	defer bus.Close()
	finished, unsub := events.Subscribe[events.RunFinished](bus, 10)
	defer unsub()

	q := NewQueue(10, 2, NewExecutor(workspace.NewManager(t.TempDir()), reg, nil), concurrency.NewManager(), bus, nil)
	ctx := t.Context()
	q.Start(ctx)
	defer q.Stop(context.Background())

	run := queuedRun("run-1", "g1", wf, false)
	require.NoError(t, q.Enqueue(run))
	close(release)

	ev := waitForFinished(t, finished, "run-1")
	require.Equal(t, string(StatusCompleted), ev.Status)

	history := q.History()
	require.Len(t, history, 1)
	require.Equal(t, StatusCompleted, history[0].Status)
	require.NotNil(t, history[0].CompletedAt)
}

func TestQueue_QueuedRunSupersededByNewer(t *testing.T) {
	release := make(chan struct{})
	wf, reg := blockingWorkflow(release)

	bus := events.NewBus()
	defer bus.Close()
	finished, unsub := events.Subscribe[events.RunFinished](bus, 10)
	defer unsub()

	// Three workers so all runs are picked up while the group is held.
	q := NewQueue(10, 3, NewExecutor(workspace.NewManager(t.TempDir()), reg, nil), concurrency.NewManager(), bus, nil)
	ctx := t.Context()
	q.Start(ctx)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(queuedRun("run-1", "g1", wf, false)))

	// Wait until run-1 holds the group before queueing the rest.
	require.Eventually(t, func() bool {
		return len(q.ActiveRuns()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Enqueue(queuedRun("run-2", "g1", wf, false)))
	require.NoError(t, q.Enqueue(queuedRun("run-3", "g1", wf, false)))

	// The group keeps a single pending slot: one of the two queued runs
	// is superseded before the active run ever finishes.
	first := waitForAnyFinished(t, finished)
	require.Equal(t, string(StatusSuperseded), first.Status)
	require.Contains(t, []string{"run-2", "run-3"}, first.RunID)

	close(release)
	outcomes := map[string]string{first.RunID: first.Status}
	for len(outcomes) < 3 {
		ev := waitForAnyFinished(t, finished)
		outcomes[ev.RunID] = ev.Status
	}
	require.Equal(t, string(StatusCompleted), outcomes["run-1"])
	superseded, completed := 0, 0
	for _, status := range outcomes {
		switch status {
		case string(StatusSuperseded):
			superseded++
		case string(StatusCompleted):
			completed++
		}
	}
	require.Equal(t, 1, superseded)
	require.Equal(t, 2, completed)
}

func TestQueue_CancelInProgressCancelsActiveRun(t *testing.T) {
	release := make(chan struct{})
	wf, reg := blockingWorkflow(release)

	bus := events.NewBus()
	defer bus.Close()
	finished, unsub := events.Subscribe[events.RunFinished](bus, 10)
	defer unsub()

	q := NewQueue(10, 2, NewExecutor(workspace.NewManager(t.TempDir()), reg, nil), concurrency.NewManager(), bus, nil)
	ctx := t.Context()
	q.Start(ctx)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(queuedRun("run-1", "g1", wf, false)))
	require.Eventually(t, func() bool {
		return len(q.ActiveRuns()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Enqueue(queuedRun("run-2", "g1", wf, true)))

	require.Equal(t, string(StatusCancelled), waitForFinished(t, finished, "run-1").Status)
	close(release)
	require.Equal(t, string(StatusCompleted), waitForFinished(t, finished, "run-2").Status)
}

func TestQueue_RunsInDifferentGroupsExecuteConcurrently(t *testing.T) {
	release := make(chan struct{})
	wf, reg := blockingWorkflow(release)

	bus := events.NewBus()
	defer bus.Close()

	q := NewQueue(10, 2, NewExecutor(workspace.NewManager(t.TempDir()), reg, nil), concurrency.NewManager(), bus, nil)
	ctx := t.Context()
	q.Start(ctx)
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(queuedRun("run-1", "g1", wf, false)))
	require.NoError(t, q.Enqueue(queuedRun("run-2", "g2", wf, false)))

	require.Eventually(t, func() bool {
		return len(q.ActiveRuns()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	close(release)
}

func TestStop_PendingRunNeverStarts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	wf, reg := blockingWorkflow(release)

	bus := events.NewBus()
	defer bus.Close()
	finished, unsub := events.Subscribe[events.RunFinished](bus, 10)
	defer unsub()

	q := NewQueue(10, 2, NewExecutor(workspace.NewManager(t.TempDir()), reg, nil), concurrency.NewManager(), bus, nil)
	q.Start(t.Context())

	require.NoError(t, q.Enqueue(queuedRun("run-1", "g1", wf, false)))
	require.Eventually(t, func() bool {
		return len(q.ActiveRuns()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Enqueue(queuedRun("run-2", "g1", wf, false)))
	require.Eventually(t, func() bool {
		return q.Length() == 0
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Stop(stopCtx)

	// Neither the active run nor the one waiting in the group may survive
	// the shutdown; the pending run in particular must never execute.
	outcomes := make(map[string]string, 2)
	for range 2 {
		ev := waitForAnyFinished(t, finished)
		outcomes[ev.RunID] = ev.Status
	}
	require.Equal(t, string(StatusCancelled), outcomes["run-1"])
	require.Equal(t, string(StatusCancelled), outcomes["run-2"])
}

func TestQueue_EnqueueRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	wf, reg := blockingWorkflow(release)

	q := NewQueue(1, 1, NewExecutor(workspace.NewManager(t.TempDir()), reg, nil), concurrency.NewManager(), nil, nil)
	// Not started: runs stay in the channel.

	require.NoError(t, q.Enqueue(queuedRun("run-1", "g1", wf, false)))
	err := q.Enqueue(queuedRun("run-2", "g1", wf, false))
	require.Error(t, err)
	require.Contains(t, err.Error(), "full")
}

func TestQueue_EnqueueValidatesRun(t *testing.T) {
	q := NewQueue(1, 1, nil, concurrency.NewManager(), nil, nil)
	require.Error(t, q.Enqueue(nil))
	require.Error(t, q.Enqueue(&Run{}))
}
