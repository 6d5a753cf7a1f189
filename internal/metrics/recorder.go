package metrics

import "time"

// Recorder defines observability hooks for run and step metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. The
// NoopRecorder allows optional injection.
type Recorder interface {
	ObserveRunDuration(d time.Duration)
	ObserveStepDuration(step string, d time.Duration)
	IncRunOutcome(outcome string) // outcome: completed|failed|cancelled|superseded
	IncEventReceived(eventType string)
	IncTriggerMatch(workflow string, matched bool)
	SetQueueLength(n int)
	SetActiveRuns(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveRunDuration(time.Duration)          {}
func (NoopRecorder) ObserveStepDuration(string, time.Duration) {}
func (NoopRecorder) IncRunOutcome(string)                      {}
func (NoopRecorder) IncEventReceived(string)                   {}
func (NoopRecorder) IncTriggerMatch(string, bool)              {}
func (NoopRecorder) SetQueueLength(int)                        {}
func (NoopRecorder) SetActiveRuns(int)                         {}
