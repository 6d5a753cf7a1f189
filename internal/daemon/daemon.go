// Package daemon wires the docflow service: webhook and admin HTTP
// listeners, the event bus, trigger evaluation, the run queue, run
// history persistence and the periodic scheduler.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/docflow/internal/concurrency"
	"git.home.luguber.info/inful/docflow/internal/config"
	"git.home.luguber.info/inful/docflow/internal/events"
	"git.home.luguber.info/inful/docflow/internal/git"
	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/metrics"
	"git.home.luguber.info/inful/docflow/internal/natspub"
	"git.home.luguber.info/inful/docflow/internal/retry"
	"git.home.luguber.info/inful/docflow/internal/runner"
	"git.home.luguber.info/inful/docflow/internal/runstore"
	"git.home.luguber.info/inful/docflow/internal/steps"
	"git.home.luguber.info/inful/docflow/internal/workflow"
	"git.home.luguber.info/inful/docflow/internal/workspace"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// repoWorkflows pairs a repository with its loaded workflow definitions.
type repoWorkflows struct {
	repo      config.Repository
	workflows []*workflow.Workflow
}

// Daemon is the long-running docflow service.
type Daemon struct {
	configFilePath string
	status         atomic.Value // Status
	startTime      time.Time

	mu    sync.RWMutex
	cfg   *config.Config
	repos []repoWorkflows

	bus       *events.Bus
	git       *git.Client
	groups    *concurrency.Manager
	queue     *runner.Queue
	store     runstore.Store
	recorder  metrics.Recorder
	promRec   *metrics.PrometheusRecorder
	publisher *natspub.Publisher
	scheduler *Scheduler
	watcher   *ConfigWatcher
	http      *HTTPServer
	fileLock  *flock.Flock

	workers   WorkerGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a daemon from the given configuration. When configFilePath
// is non-empty the file is watched and the daemon reloads on changes.
func New(cfg *config.Config, configFilePath string) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	d := &Daemon{
		configFilePath: configFilePath,
		cfg:            cfg,
		bus:            events.NewBus(),
		groups:         concurrency.NewManager(),
		recorder:       metrics.NoopRecorder{},
	}
	d.status.Store(StatusStopped)

	if cfg.Metrics.Enabled {
		d.promRec = metrics.NewPrometheusRecorder(prom.NewRegistry())
		d.recorder = d.promRec
	}

	d.git = git.NewClient(retry.FromConfig(cfg.Retry))
	workspaces := workspace.NewManager(filepath.Join(cfg.DataDir, "runs"))
	executor := runner.NewExecutor(workspaces, steps.DefaultRegistry(d.git), d.recorder)
	d.queue = runner.NewQueue(cfg.Runner.QueueSize, cfg.Runner.Workers, executor, d.groups, d.bus, d.recorder)

	store, err := runstore.NewSQLiteStore(filepath.Join(cfg.DataDir, "runs.db"))
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	d.store = store

	if cfg.NATS != nil && cfg.NATS.Enabled {
		pub, err := natspub.New(cfg.NATS)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("initialize nats publisher: %w", err)
		}
		d.publisher = pub
	}

	d.http = NewHTTPServer(d)

	if cfg.Schedule != nil && cfg.Schedule.Enabled {
		sched, err := NewScheduler(d.bus, d.Repositories)
		if err != nil {
			return nil, err
		}
		if err := sched.SchedulePeriodicSync(cfg.Schedule.Interval); err != nil {
			return nil, err
		}
		d.scheduler = sched
	}

	return d, nil
}

// Start brings the daemon up. It fails if another instance already holds
// the data directory lock.
func (d *Daemon) Start(ctx context.Context) error {
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	cfg := d.Config()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("create data directory: %w", err)
	}

	d.fileLock = flock.New(filepath.Join(cfg.DataDir, "docflow.lock"))
	locked, err := d.fileLock.TryLock()
	if err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		d.status.Store(StatusError)
		return fmt.Errorf("another docflow instance holds %s", d.fileLock.Path())
	}

	if err := d.loadWorkflows(cfg); err != nil {
		d.status.Store(StatusError)
		return err
	}

	d.runCtx, d.runCancel = context.WithCancel(context.Background())

	d.queue.Start(d.runCtx)
	d.startOrchestrator()
	d.startPersister()

	if d.publisher != nil {
		d.publisher.Attach(d.bus)
	}

	if d.scheduler != nil {
		d.scheduler.Start()
	}

	if d.configFilePath != "" {
		watcher, err := NewConfigWatcher(d.configFilePath, d)
		if err != nil {
			d.status.Store(StatusError)
			return err
		}
		if err := watcher.Start(d.runCtx); err != nil {
			d.status.Store(StatusError)
			return err
		}
		d.watcher = watcher
	}

	if err := d.http.Start(d.runCtx); err != nil {
		d.status.Store(StatusError)
		return err
	}

	d.status.Store(StatusRunning)
	slog.Info("Daemon started",
		slog.String("webhook_addr", cfg.Server.WebhookAddr),
		slog.String("admin_addr", cfg.Server.AdminAddr))
	return nil
}

// Stop shuts the daemon down, bounded by ctx.
func (d *Daemon) Stop(ctx context.Context) error {
	d.status.Store(StatusStopping)
	slog.Info("Stopping daemon")

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil {
			slog.Warn("Scheduler shutdown error", logfields.Error(err))
		}
	}
	if d.http != nil {
		d.http.Stop(ctx)
	}

	d.queue.Stop(ctx)
	if d.runCancel != nil {
		d.runCancel()
	}

	d.bus.Close()
	if err := d.workers.StopAndWait(ctx); err != nil {
		slog.Warn("Workers did not stop in time", logfields.Error(err))
	}

	if d.publisher != nil {
		d.publisher.Close()
	}
	if err := d.store.Close(); err != nil {
		slog.Warn("Run store close error", logfields.Error(err))
	}
	if d.fileLock != nil {
		if err := d.fileLock.Unlock(); err != nil {
			slog.Warn("Instance lock release error", logfields.Error(err))
		}
	}

	d.status.Store(StatusStopped)
	slog.Info("Daemon stopped")
	return nil
}

// Reload re-reads the configuration file and swaps in the repository and
// workflow set. Listener addresses and runner sizing require a restart.
func (d *Daemon) Reload() error {
	if d.configFilePath == "" {
		return fmt.Errorf("no config file to reload")
	}

	cfg, err := config.Load(d.configFilePath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	if err := d.loadWorkflows(cfg); err != nil {
		return err
	}

	d.mu.Lock()
	d.cfg.Repositories = cfg.Repositories
	d.mu.Unlock()

	slog.Info("Configuration reloaded", slog.Int("repositories", len(cfg.Repositories)))
	return nil
}

// loadWorkflows parses every configured workflow file and validates it
// before the set is swapped in. A single broken file rejects the reload.
func (d *Daemon) loadWorkflows(cfg *config.Config) error {
	repos := make([]repoWorkflows, 0, len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		rw := repoWorkflows{repo: repo}
		for _, path := range repo.Workflows {
			wf, err := workflow.Load(path)
			if err != nil {
				return fmt.Errorf("repository %s: %w", repo.Name, err)
			}
			rw.workflows = append(rw.workflows, wf)
		}
		repos = append(repos, rw)
	}

	d.mu.Lock()
	d.repos = repos
	d.mu.Unlock()

	total := 0
	for _, rw := range repos {
		total += len(rw.workflows)
	}
	slog.Info("Workflows loaded",
		slog.Int("repositories", len(repos)), slog.Int("workflows", total))
	return nil
}

// Config returns the current configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Repositories returns the currently configured repositories.
func (d *Daemon) Repositories() []config.Repository {
	d.mu.RLock()
	defer d.mu.RUnlock()
	repos := make([]config.Repository, 0, len(d.repos))
	for _, rw := range d.repos {
		repos = append(repos, rw.repo)
	}
	return repos
}

// GetStatus returns the daemon's lifecycle state.
func (d *Daemon) GetStatus() Status {
	return d.status.Load().(Status)
}

// StartTime returns when the daemon was started.
func (d *Daemon) StartTime() time.Time {
	return d.startTime
}

// Bus exposes the event bus for ingress points.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Queue exposes the run queue for status queries.
func (d *Daemon) Queue() *runner.Queue { return d.queue }

// Store exposes run history.
func (d *Daemon) Store() runstore.Store { return d.store }
