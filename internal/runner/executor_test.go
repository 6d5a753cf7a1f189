package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docflow/internal/metrics"
	"git.home.luguber.info/inful/docflow/internal/trigger"
	"git.home.luguber.info/inful/docflow/internal/workflow"
	"git.home.luguber.info/inful/docflow/internal/workspace"
)

// fakeStep is a builtin step backed by a function, for exercising the
// executor without git or python on the host.
type fakeStep struct {
	name string
	fn   func(ctx context.Context, sc *StepContext) error
}

func (f *fakeStep) Name() string { return f.name }

func (f *fakeStep) Execute(ctx context.Context, sc *StepContext) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, sc)
}

func newTestExecutor(t *testing.T, reg Registry) *Executor {
	t.Helper()
	return NewExecutor(workspace.NewManager(t.TempDir()), reg, nil)
}

func newTestRun(wf *workflow.Workflow, ev trigger.Event) *Run {
	return &Run{
		ID:           "run-test",
		Workflow:     wf,
		WorkflowName: wf.Name,
		RepoName:     "csplotter",
		Event:        ev,
		Status:       StatusRunning,
		CreatedAt:    time.Now(),
	}
}

func mainPushEvent() trigger.Event {
	return trigger.NewPushEvent("example/csplotter", "main", "old", "new", []string{"src/plot.py"})
}

func stepStatuses(run *Run) map[string]StepStatus {
	out := make(map[string]StepStatus, len(run.Steps))
	for _, s := range run.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestExecute_FailFastWithinJob(t *testing.T) {
	reg := Registry{}
	reg.Register(&fakeStep{name: "ok"})
	reg.Register(&fakeStep{name: "boom", fn: func(context.Context, *StepContext) error {
		return errors.New("step exploded")
	}})

	wf := &workflow.Workflow{
		Name: "failing",
		Jobs: map[string]workflow.Job{
			"docs": {Steps: []workflow.Step{
				{Name: "first", Uses: "ok"},
				{Name: "second", Uses: "boom"},
				{Name: "third", Uses: "ok"},
			}},
		},
	}

	run := newTestRun(wf, mainPushEvent())
	err := newTestExecutor(t, reg).Execute(context.Background(), run)
	require.Error(t, err)

	statuses := stepStatuses(run)
	require.Equal(t, StepCompleted, statuses["first"])
	require.Equal(t, StepFailed, statuses["second"])
	require.Equal(t, StepAborted, statuses["third"])
	require.Equal(t, "second", run.FailedStep)
}

func TestExecute_DeployStepOnlyRunsOnMain(t *testing.T) {
	deployed := false
	reg := Registry{}
	reg.Register(&fakeStep{name: "ok"})
	reg.Register(&fakeStep{name: "deploy", fn: func(context.Context, *StepContext) error {
		deployed = true
		return nil
	}})

	wf := &workflow.Workflow{
		Name: "publish",
		Jobs: map[string]workflow.Job{
			"docs": {Steps: []workflow.Step{
				{Name: "build", Uses: "ok"},
				{Name: "deploy", Uses: "deploy", If: "github.ref == 'refs/heads/main'"},
			}},
		},
	}

	run := newTestRun(wf, trigger.NewPushEvent("example/csplotter", "dev", "a", "b", []string{"src/plot.py"}))
	require.NoError(t, newTestExecutor(t, reg).Execute(context.Background(), run))
	require.False(t, deployed)
	require.Equal(t, StepSkipped, stepStatuses(run)["deploy"])

	run = newTestRun(wf, mainPushEvent())
	require.NoError(t, newTestExecutor(t, reg).Execute(context.Background(), run))
	require.True(t, deployed)
	require.Equal(t, StepCompleted, stepStatuses(run)["deploy"])
}

func TestExecute_NeedsBlockedOnFailedDependency(t *testing.T) {
	reg := Registry{}
	reg.Register(&fakeStep{name: "ok"})
	reg.Register(&fakeStep{name: "boom", fn: func(context.Context, *StepContext) error {
		return errors.New("build failed")
	}})

	wf := &workflow.Workflow{
		Name: "pipeline",
		Jobs: map[string]workflow.Job{
			"build":  {Steps: []workflow.Step{{Name: "compile", Uses: "boom"}}},
			"deploy": {Needs: []string{"build"}, Steps: []workflow.Step{{Name: "publish", Uses: "ok"}}},
			"lint":   {Steps: []workflow.Step{{Name: "lint", Uses: "ok"}}},
		},
	}

	run := newTestRun(wf, mainPushEvent())
	err := newTestExecutor(t, reg).Execute(context.Background(), run)
	require.Error(t, err)

	statuses := stepStatuses(run)
	require.Equal(t, StepFailed, statuses["compile"])
	require.Equal(t, StepAborted, statuses["publish"])
	// Independent jobs still run.
	require.Equal(t, StepCompleted, statuses["lint"])
}

func TestExecute_JobConditionSkipsWholeJobAndDependents(t *testing.T) {
	reg := Registry{}
	reg.Register(&fakeStep{name: "ok"})

	wf := &workflow.Workflow{
		Name: "conditional",
		Jobs: map[string]workflow.Job{
			"gate": {
				If:    "github.event_name == 'pull_request'",
				Steps: []workflow.Step{{Name: "check", Uses: "ok"}},
			},
			"after": {
				Needs: []string{"gate"},
				Steps: []workflow.Step{{Name: "follow", Uses: "ok"}},
			},
		},
	}

	run := newTestRun(wf, mainPushEvent())
	require.NoError(t, newTestExecutor(t, reg).Execute(context.Background(), run))

	statuses := stepStatuses(run)
	require.Equal(t, StepSkipped, statuses["check"])
	require.Equal(t, StepAborted, statuses["follow"])
}

func TestExecute_ShellStepSeesRunEnvironment(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "shell",
		Jobs: map[string]workflow.Job{
			"docs": {Steps: []workflow.Step{
				{Name: "check env", Run: `test "$DOCFLOW_EVENT" = push && test "$DOCFLOW_REF" = refs/heads/main`},
			}},
		},
	}

	run := newTestRun(wf, mainPushEvent())
	require.NoError(t, newTestExecutor(t, Registry{}).Execute(context.Background(), run))
	require.Equal(t, StepCompleted, run.Steps[0].Status)
}

func TestExecute_ShellFailureCapturesOutput(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "shell",
		Jobs: map[string]workflow.Job{
			"docs": {Steps: []workflow.Step{
				{Name: "fail loudly", Run: "echo doom; exit 3"},
			}},
		},
	}

	run := newTestRun(wf, mainPushEvent())
	err := newTestExecutor(t, Registry{}).Execute(context.Background(), run)
	require.Error(t, err)
	require.Contains(t, run.Steps[0].Error, "status 3")
	require.Contains(t, run.Steps[0].Log, "doom")
}

func TestExecute_CancelledContextStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reg := Registry{}
	reg.Register(&fakeStep{name: "slow", fn: func(ctx context.Context, _ *StepContext) error {
		cancel()
		return ctx.Err()
	}})
	reg.Register(&fakeStep{name: "ok"})

	wf := &workflow.Workflow{
		Name: "cancelled",
		Jobs: map[string]workflow.Job{
			"docs": {Steps: []workflow.Step{
				{Name: "slow", Uses: "slow"},
				{Name: "never", Uses: "ok"},
			}},
		},
	}

	run := newTestRun(wf, mainPushEvent())
	err := newTestExecutor(t, reg).Execute(ctx, run)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StepCancelled, run.Steps[0].Status)
	require.Len(t, run.Steps, 1)
}

// stepDurationRecorder captures which steps reported a duration.
type stepDurationRecorder struct {
	metrics.NoopRecorder
	mu    sync.Mutex
	steps []string
}

func (r *stepDurationRecorder) ObserveStepDuration(step string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func TestExecute_RecordsStepDurations(t *testing.T) {
	reg := Registry{}
	reg.Register(&fakeStep{name: "ok"})
	reg.Register(&fakeStep{name: "boom", fn: func(context.Context, *StepContext) error {
		return errors.New("step exploded")
	}})

	wf := &workflow.Workflow{
		Name: "observed",
		Jobs: map[string]workflow.Job{
			"docs": {Steps: []workflow.Step{
				{Name: "first", Uses: "ok"},
				{Name: "second", Uses: "boom"},
				{Name: "third", Uses: "ok"},
			}},
		},
	}

	rec := &stepDurationRecorder{}
	e := NewExecutor(workspace.NewManager(t.TempDir()), reg, rec)

	run := newTestRun(wf, mainPushEvent())
	require.Error(t, e.Execute(context.Background(), run))

	// Only steps that actually ran report a duration; the aborted third
	// step does not.
	require.Equal(t, []string{"first", "second"}, rec.steps)
}

func TestBoundedBuffer_Truncates(t *testing.T) {
	b := newBoundedBuffer(8)
	_, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, "01234567\n[output truncated]", b.String())
}
