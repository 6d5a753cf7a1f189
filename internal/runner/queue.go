package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/docflow/internal/concurrency"
	"git.home.luguber.info/inful/docflow/internal/events"
	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/metrics"
)

// Queue manages queued workflow runs and the workers that execute them.
type Queue struct {
	runs        chan *Run
	workers     int
	maxSize     int
	mu          sync.RWMutex
	active      map[string]*Run
	history     []*Run
	historySize int
	stopChan    chan struct{}
	wg          sync.WaitGroup

	executor *Executor
	groups   *concurrency.Manager
	bus      *events.Bus
	recorder metrics.Recorder
}

// NewQueue creates a run queue with the specified size and worker count.
func NewQueue(maxSize, workers int, executor *Executor, groups *concurrency.Manager, bus *events.Bus, recorder metrics.Recorder) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if workers <= 0 {
		workers = 2
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	return &Queue{
		runs:        make(chan *Run, maxSize),
		workers:     workers,
		maxSize:     maxSize,
		active:      make(map[string]*Run),
		history:     make([]*Run, 0),
		historySize: 50, // Keep last 50 finished runs in memory
		stopChan:    make(chan struct{}),
		executor:    executor,
		groups:      groups,
		bus:         bus,
		recorder:    recorder,
	}
}

// Start begins processing runs with the configured number of workers.
func (q *Queue) Start(ctx context.Context) {
	slog.Info("Starting run queue", slog.Int("workers", q.workers), slog.Int("max_size", q.maxSize))

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop gracefully shuts down the queue, cancelling active and pending runs.
func (q *Queue) Stop(ctx context.Context) {
	slog.Info("Stopping run queue")

	close(q.stopChan)

	q.mu.Lock()
	for _, run := range q.active {
		run.Cancel()
	}
	q.mu.Unlock()

	// Runs waiting in a concurrency group would otherwise be promoted when
	// the cancelled active run releases, and start executing mid-shutdown.
	q.groups.Shutdown()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Run queue stop timed out waiting for workers")
	}
	slog.Info("Run queue stopped")
}

// Enqueue adds a run to the queue.
func (q *Queue) Enqueue(run *Run) error {
	if run == nil {
		return fmt.Errorf("run cannot be nil")
	}
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}

	run.Status = StatusQueued

	select {
	case q.runs <- run:
		q.recorder.SetQueueLength(len(q.runs))
		slog.Info("Run enqueued",
			logfields.RunID(run.ID),
			logfields.Workflow(run.WorkflowName),
			logfields.Group(run.Group),
			logfields.Event(string(run.Event.Type)))
		return nil
	default:
		return fmt.Errorf("run queue is full")
	}
}

// Length returns the current queue length.
func (q *Queue) Length() int {
	return len(q.runs)
}

// ActiveRuns returns a copy of currently executing runs.
func (q *Queue) ActiveRuns() []*Run {
	q.mu.RLock()
	defer q.mu.RUnlock()

	active := make([]*Run, 0, len(q.active))
	for _, run := range q.active {
		active = append(active, run)
	}
	return active
}

// History returns recently finished runs, newest last.
func (q *Queue) History() []*Run {
	q.mu.RLock()
	defer q.mu.RUnlock()

	history := make([]*Run, len(q.history))
	copy(history, q.history)
	return history
}

// worker processes runs from the queue.
func (q *Queue) worker(ctx context.Context, workerID string) {
	defer q.wg.Done()

	slog.Debug("Run worker started", slog.String("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Run worker stopped by context", slog.String("worker_id", workerID))
			return
		case <-q.stopChan:
			slog.Debug("Run worker stopped by stop signal", slog.String("worker_id", workerID))
			return
		case run := <-q.runs:
			if run != nil {
				q.recorder.SetQueueLength(len(q.runs))
				q.processRun(ctx, run, workerID)
			}
		}
	}
}

// processRun admits a run into its concurrency group and executes it.
func (q *Queue) processRun(ctx context.Context, run *Run, workerID string) {
	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	defer cancel()

	ticket := q.groups.Acquire(run.ID, run.Group, run.CancelInProgress, cancel)

	select {
	case <-ticket.Superseded():
		q.finishRun(ctx, run, StatusSuperseded, nil)
		return
	case <-runCtx.Done():
		q.finishRun(ctx, run, StatusCancelled, runCtx.Err())
		q.groups.Release(run.ID, run.Group)
		return
	case <-ticket.Started():
	}
	defer q.groups.Release(run.ID, run.Group)

	startTime := time.Now()
	run.StartedAt = &startTime
	run.Status = StatusRunning

	q.mu.Lock()
	q.active[run.ID] = run
	q.mu.Unlock()
	q.recorder.SetActiveRuns(q.activeCount())

	slog.Info("Run started",
		logfields.RunID(run.ID),
		logfields.Workflow(run.WorkflowName),
		slog.String("worker", workerID))

	if q.bus != nil {
		_ = q.bus.Publish(ctx, events.RunStarted{
			RunID:     run.ID,
			Workflow:  run.WorkflowName,
			Group:     run.Group,
			StartedAt: startTime,
		})
	}

	err := q.executor.Execute(runCtx, run)

	switch {
	case err == nil:
		q.finishRun(ctx, run, StatusCompleted, nil)
	case runCtx.Err() != nil:
		q.finishRun(ctx, run, StatusCancelled, runCtx.Err())
	default:
		q.finishRun(ctx, run, StatusFailed, err)
	}
}

// finishRun records terminal state, history, metrics, and the RunFinished event.
func (q *Queue) finishRun(ctx context.Context, run *Run, status Status, err error) {
	endTime := time.Now()
	run.CompletedAt = &endTime
	if run.StartedAt != nil {
		run.Duration = endTime.Sub(*run.StartedAt)
	}
	run.Status = status
	if err != nil {
		run.Error = err.Error()
	}

	q.mu.Lock()
	delete(q.active, run.ID)
	q.addToHistory(run)
	q.mu.Unlock()
	q.recorder.SetActiveRuns(q.activeCount())
	q.recorder.IncRunOutcome(string(status))
	if run.Duration > 0 {
		q.recorder.ObserveRunDuration(run.Duration)
	}

	switch status {
	case StatusCompleted:
		slog.Info("Run completed",
			logfields.RunID(run.ID),
			logfields.Workflow(run.WorkflowName),
			slog.Duration("duration", run.Duration))
	case StatusSuperseded:
		slog.Info("Run superseded",
			logfields.RunID(run.ID),
			logfields.Workflow(run.WorkflowName),
			logfields.Group(run.Group))
	case StatusCancelled:
		slog.Info("Run cancelled",
			logfields.RunID(run.ID),
			logfields.Workflow(run.WorkflowName))
	default:
		slog.Error("Run failed",
			logfields.RunID(run.ID),
			logfields.Workflow(run.WorkflowName),
			logfields.Step(run.FailedStep),
			logfields.Error(err))
	}

	if q.bus != nil {
		_ = q.bus.Publish(ctx, events.RunFinished{
			RunID:      run.ID,
			Workflow:   run.WorkflowName,
			Group:      run.Group,
			Status:     string(status),
			FailedStep: run.FailedStep,
			Duration:   run.Duration,
			FinishedAt: endTime,
		})
	}
}

func (q *Queue) activeCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.active)
}

// addToHistory adds a finished run to the history, maintaining the size limit.
func (q *Queue) addToHistory(run *Run) {
	q.history = append(q.history, run)

	if len(q.history) > q.historySize {
		copy(q.history, q.history[len(q.history)-q.historySize:])
		q.history = q.history[:q.historySize]
	}
}
