package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/docflow/internal/config"
	"git.home.luguber.info/inful/docflow/internal/daemon"
	"git.home.luguber.info/inful/docflow/internal/git"
	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/retry"
	"git.home.luguber.info/inful/docflow/internal/runner"
	"git.home.luguber.info/inful/docflow/internal/steps"
	"git.home.luguber.info/inful/docflow/internal/trigger"
	"git.home.luguber.info/inful/docflow/internal/version"
	"git.home.luguber.info/inful/docflow/internal/workflow"
	"git.home.luguber.info/inful/docflow/internal/workspace"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct {
		Repository string   `short:"r" required:"" help:"Configured repository name"`
		Workflow   string   `short:"w" help:"Workflow file to run (defaults to the repository's first workflow)"`
		Event      string   `short:"e" help:"Event type to simulate" default:"workflow_dispatch" enum:"push,pull_request,workflow_dispatch"`
		Branch     string   `short:"b" help:"Branch the event refers to (defaults to the repository's branch)"`
		Changed    []string `help:"Changed file paths for a simulated push event"`
	} `cmd:"" help:"Execute a workflow once against a synthetic event and print the result"`

	Daemon struct{} `cmd:"" help:"Run the docflow service: webhooks, scheduler and run queue"`

	Validate struct {
		Files []string `arg:"" help:"Workflow files to validate"`
	} `cmd:"" help:"Validate workflow files without running them"`

	Dispatch struct {
		Repository string `short:"r" required:"" help:"Configured repository name"`
		Branch     string `short:"b" help:"Branch to run against"`
		Addr       string `help:"Admin API base URL of a running daemon" default:"http://localhost:8091"`
	} `cmd:"" help:"Trigger workflow_dispatch on a running daemon"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	setupLogging()

	var err error
	switch ctx.Command() {
	case "run":
		err = runOnce()
	case "daemon":
		err = runDaemon()
	case "validate <files>":
		err = runValidate(CLI.Validate.Files)
	case "dispatch":
		err = runDispatch()
	case "init":
		err = config.Init(CLI.Config, CLI.Init.Force)
	case "version":
		fmt.Printf("docflow %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	default:
		err = fmt.Errorf("unknown command: %s", ctx.Command())
	}

	if err != nil {
		slog.Error("Command failed", logfields.Error(err))
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// configureLogging reapplies logging settings from the loaded config.
// The --verbose flag always wins.
func configureLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runDaemon() error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	configureLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg, CLI.Config)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	slog.Info("Daemon running, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("Shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	return nil
}

// runOnce executes one workflow end to end in the foreground, bypassing
// the queue. Useful for trying a workflow before wiring up webhooks.
func runOnce() error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	configureLogging(cfg)

	var repo *config.Repository
	for i := range cfg.Repositories {
		if cfg.Repositories[i].Name == CLI.Run.Repository {
			repo = &cfg.Repositories[i]
			break
		}
	}
	if repo == nil {
		return fmt.Errorf("repository %q is not configured", CLI.Run.Repository)
	}

	wfPath := CLI.Run.Workflow
	if wfPath == "" {
		wfPath = repo.Workflows[0]
	}
	wf, err := workflow.Load(wfPath)
	if err != nil {
		return err
	}

	branch := CLI.Run.Branch
	if branch == "" {
		branch = repo.Branch
	}

	var ev trigger.Event
	switch CLI.Run.Event {
	case "push":
		ev = trigger.NewPushEvent(repo.Name, branch, "", "", CLI.Run.Changed)
	case "pull_request":
		ev = trigger.Event{
			Type:       trigger.EventPullRequest,
			Repository: repo.Name,
			Ref:        "refs/heads/" + branch,
			Branch:     branch,
			BaseBranch: branch,
			Changed:    CLI.Run.Changed,
			ReceivedAt: time.Now(),
		}
	default:
		ev = trigger.NewDispatchEvent(repo.Name, branch)
	}

	decision, err := trigger.Matches(wf, ev)
	if err != nil {
		return err
	}
	if !decision.Matched {
		return fmt.Errorf("event %s does not trigger workflow %q: %s", ev.Type, wf.Name, decision.Reason)
	}

	group, _, err := wf.ConcurrencyGroup(workflow.ExprContext{
		Workflow:   wf.Name,
		Ref:        ev.Ref,
		EventName:  string(ev.Type),
		Repository: ev.Repository,
	})
	if err != nil {
		return err
	}

	run := &runner.Run{
		ID:           uuid.NewString(),
		Workflow:     wf,
		WorkflowName: wf.Name,
		Repo:         *repo,
		RepoName:     repo.Name,
		Event:        ev,
		Group:        group,
		Status:       runner.StatusRunning,
		CreatedAt:    time.Now(),
	}

	gitClient := git.NewClient(retry.FromConfig(cfg.Retry))
	workspaces := workspace.NewManager("")
	executor := runner.NewExecutor(workspaces, steps.DefaultRegistry(gitClient), nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	execErr := executor.Execute(ctx, run)
	printRunResult(run)
	if execErr != nil {
		return fmt.Errorf("run failed: %w", execErr)
	}
	return nil
}

func printRunResult(run *runner.Run) {
	fmt.Printf("\nRun %s (%s)\n", run.ID, run.WorkflowName)
	for _, step := range run.Steps {
		marker := "ok"
		switch step.Status {
		case runner.StepFailed:
			marker = "FAILED"
		case runner.StepSkipped:
			marker = "skipped"
		case runner.StepCancelled:
			marker = "cancelled"
		case runner.StepAborted:
			marker = "aborted"
		}
		fmt.Printf("  [%s] %s / %s (%s)\n", marker, step.Job, step.Name, step.Duration.Round(time.Millisecond))
		if step.Error != "" {
			fmt.Printf("        %s\n", step.Error)
		}
	}
}

func runValidate(files []string) error {
	failed := false
	for _, path := range files {
		wf, err := workflow.Load(path)
		if err != nil {
			fmt.Printf("%s: INVALID: %v\n", path, err)
			failed = true
			continue
		}
		order, err := wf.JobOrder()
		if err != nil {
			fmt.Printf("%s: INVALID: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: OK (workflow %q, jobs: %v)\n", path, wf.Name, order)
	}
	if failed {
		return fmt.Errorf("one or more workflow files are invalid")
	}
	return nil
}

func runDispatch() error {
	payload, err := json.Marshal(map[string]string{
		"repository": CLI.Dispatch.Repository,
		"branch":     CLI.Dispatch.Branch,
	})
	if err != nil {
		return err
	}

	url := CLI.Dispatch.Addr + "/api/dispatch"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach daemon at %s: %w", CLI.Dispatch.Addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("dispatch rejected (%d): %s", resp.StatusCode, body["error"])
	}

	fmt.Printf("Dispatched %s on branch %s\n", body["repository"], body["branch"])
	return nil
}
