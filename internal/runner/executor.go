package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/metrics"
	"git.home.luguber.info/inful/docflow/internal/workflow"
	"git.home.luguber.info/inful/docflow/internal/workspace"
)

// maxStepLogBytes bounds the captured output kept per step.
const maxStepLogBytes = 64 * 1024

// Executor runs a workflow run to completion inside an isolated workspace.
type Executor struct {
	workspaces *workspace.Manager
	registry   Registry
	recorder   metrics.Recorder
}

// NewExecutor creates an executor using the given workspace manager and
// builtin step registry. A nil recorder disables step metrics.
func NewExecutor(workspaces *workspace.Manager, registry Registry, recorder metrics.Recorder) *Executor {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Executor{workspaces: workspaces, registry: registry, recorder: recorder}
}

// Execute runs all jobs of the run's workflow in dependency order. Within a
// job, steps run sequentially and a failing step aborts the remaining steps
// of that job. Jobs depending on a failed job are aborted; independent jobs
// still run.
func (e *Executor) Execute(ctx context.Context, run *Run) error {
	workDir, err := e.workspaces.RunDir(run.ID)
	if err != nil {
		return err
	}
	defer func() {
		if cleanupErr := e.workspaces.Cleanup(run.ID); cleanupErr != nil {
			slog.Warn("Failed to cleanup run workspace", logfields.RunID(run.ID), logfields.Error(cleanupErr))
		}
	}()

	order, err := run.Workflow.JobOrder()
	if err != nil {
		return err
	}

	ec := run.ExprContext()
	sc := &StepContext{
		RunID:   run.ID,
		WorkDir: workDir,
		Repo:    run.Repo,
		Event:   run.Event,
		Expr:    ec,
	}

	failed := make(map[string]bool, len(order))
	skippedJobs := make(map[string]bool, len(order))
	var runErr error

	for _, jobName := range order {
		job := run.Workflow.Jobs[jobName]

		if blocked, blocker := needsBlocked(job, failed, skippedJobs); blocked {
			e.recordJobAborted(run, jobName, job, fmt.Sprintf("needs %q which did not complete", blocker))
			failed[jobName] = true
			continue
		}

		ok, condErr := workflow.EvalCondition(job.If, ec)
		if condErr != nil {
			e.recordJobAborted(run, jobName, job, condErr.Error())
			failed[jobName] = true
			runErr = errors.Join(runErr, fmt.Errorf("job %s: %w", jobName, condErr))
			continue
		}
		if !ok {
			skippedJobs[jobName] = true
			for _, step := range job.Steps {
				run.Steps = append(run.Steps, StepResult{Job: jobName, Name: step.DisplayName(), Status: StepSkipped})
			}
			slog.Info("Job skipped by condition", logfields.RunID(run.ID), logfields.Job(jobName))
			continue
		}

		if jobErr := e.executeJob(ctx, run, jobName, job, sc); jobErr != nil {
			failed[jobName] = true
			runErr = errors.Join(runErr, jobErr)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	return runErr
}

// executeJob runs a single job's steps sequentially, fail-fast.
func (e *Executor) executeJob(ctx context.Context, run *Run, jobName string, job workflow.Job, sc *StepContext) error {
	slog.Info("Job started", logfields.RunID(run.ID), logfields.Job(jobName))

	aborted := false
	var jobErr error

	for _, step := range job.Steps {
		result := StepResult{Job: jobName, Name: step.DisplayName()}

		if aborted {
			result.Status = StepAborted
			run.Steps = append(run.Steps, result)
			continue
		}

		ok, condErr := workflow.EvalCondition(step.If, sc.Expr)
		if condErr != nil {
			result.Status = StepFailed
			result.Error = condErr.Error()
			run.Steps = append(run.Steps, result)
			run.FailedStep = result.Name
			aborted = true
			jobErr = fmt.Errorf("step %q condition: %w", result.Name, condErr)
			continue
		}
		if !ok {
			result.Status = StepSkipped
			run.Steps = append(run.Steps, result)
			slog.Debug("Step skipped by condition",
				logfields.RunID(run.ID), logfields.Job(jobName), logfields.Step(result.Name))
			continue
		}

		start := time.Now()
		stepErr := e.executeStep(ctx, run, job, step, sc, &result)
		result.Duration = time.Since(start)
		e.recorder.ObserveStepDuration(result.Name, result.Duration)

		if stepErr != nil {
			if ctx.Err() != nil {
				result.Status = StepCancelled
				run.Steps = append(run.Steps, result)
				return ctx.Err()
			}
			result.Status = StepFailed
			result.Error = stepErr.Error()
			run.Steps = append(run.Steps, result)
			run.FailedStep = result.Name
			aborted = true
			jobErr = fmt.Errorf("step %q: %w", result.Name, stepErr)
			slog.Error("Step failed",
				logfields.RunID(run.ID), logfields.Job(jobName),
				logfields.Step(result.Name), logfields.Error(stepErr))
			continue
		}

		result.Status = StepCompleted
		run.Steps = append(run.Steps, result)
		slog.Info("Step completed",
			logfields.RunID(run.ID), logfields.Job(jobName),
			logfields.Step(result.Name),
			logfields.DurationMS(float64(result.Duration.Milliseconds())))
	}

	if jobErr != nil {
		return jobErr
	}
	slog.Info("Job completed", logfields.RunID(run.ID), logfields.Job(jobName))
	return nil
}

func (e *Executor) executeStep(ctx context.Context, run *Run, job workflow.Job, step workflow.Step, sc *StepContext, result *StepResult) error {
	logBuf := newBoundedBuffer(maxStepLogBytes)
	defer func() { result.Log = logBuf.String() }()

	env, err := mergeEnv(run, job, step, sc)
	if err != nil {
		return err
	}

	stepCtx := *sc
	stepCtx.Env = env
	stepCtx.Output = logBuf

	if step.Uses != "" {
		with, err := interpolateMap(step.With, sc.Expr)
		if err != nil {
			return err
		}
		stepCtx.With = with

		builtin, err := e.registry.Lookup(step.Uses)
		if err != nil {
			return err
		}
		if err := builtin.Execute(ctx, &stepCtx); err != nil {
			return err
		}
		// Builtins can establish the checkout directory for later steps.
		if stepCtx.RepoDir != "" {
			sc.RepoDir = stepCtx.RepoDir
		}
		return nil
	}

	command, err := workflow.Interpolate(step.Run, sc.Expr)
	if err != nil {
		return err
	}
	return runShell(ctx, command, &stepCtx)
}

// runShell executes a "run:" step through the shell with the step's merged
// environment, cwd at the checkout when one exists.
func runShell(ctx context.Context, command string, sc *StepContext) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = sc.RepoDir
	if cmd.Dir == "" {
		cmd.Dir = sc.WorkDir
	}
	cmd.Env = append(os.Environ(), sc.Env...)
	// Tools installed by builtins (setup-python) live on the run's tool path.
	if binDir := filepath.Join(sc.WorkDir, "bin"); dirExists(binDir) {
		cmd.Env = append(cmd.Env, "PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	cmd.Stdout = sc.Output
	cmd.Stderr = sc.Output

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command exited with status %d", exitErr.ExitCode())
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func (e *Executor) recordJobAborted(run *Run, jobName string, job workflow.Job, reason string) {
	for _, step := range job.Steps {
		run.Steps = append(run.Steps, StepResult{
			Job:    jobName,
			Name:   step.DisplayName(),
			Status: StepAborted,
			Error:  reason,
		})
	}
	slog.Warn("Job aborted", logfields.RunID(run.ID), logfields.Job(jobName), slog.String("reason", reason))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func needsBlocked(job workflow.Job, failed, skipped map[string]bool) (bool, string) {
	for _, dep := range job.Needs {
		if failed[dep] || skipped[dep] {
			return true, dep
		}
	}
	return false, ""
}

// mergeEnv layers workflow, job, and step env on top of the run's ambient
// variables, with expression interpolation applied to the values.
func mergeEnv(run *Run, job workflow.Job, step workflow.Step, sc *StepContext) ([]string, error) {
	ec := sc.Expr
	env := []string{
		"DOCFLOW_RUN_ID=" + run.ID,
		"DOCFLOW_WORKFLOW=" + run.WorkflowName,
		"DOCFLOW_REF=" + run.Event.Ref,
		"DOCFLOW_EVENT=" + string(run.Event.Type),
		"DOCFLOW_REPOSITORY=" + run.Event.Repository,
		"DOCFLOW_SHA=" + run.Event.After,
		"DOCFLOW_WORKSPACE=" + sc.WorkDir,
	}

	for _, layer := range []map[string]string{run.Workflow.Env, job.Env, step.Env} {
		for k, v := range layer {
			expanded, err := workflow.Interpolate(v, ec)
			if err != nil {
				return nil, fmt.Errorf("env %s: %w", k, err)
			}
			env = append(env, k+"="+expanded)
		}
	}
	return env, nil
}

func interpolateMap(in map[string]string, ec workflow.ExprContext) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		expanded, err := workflow.Interpolate(v, ec)
		if err != nil {
			return nil, fmt.Errorf("with %s: %w", k, err)
		}
		out[k] = expanded
	}
	return out, nil
}

// boundedBuffer keeps only the first maxBytes of written output, noting
// truncation.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(maxBytes int) *boundedBuffer {
	return &boundedBuffer{max: maxBytes}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
