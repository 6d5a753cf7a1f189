package workflow

import (
	"fmt"
	"os"

	"github.com/dominikbraun/graph"
	"gopkg.in/yaml.v3"
)

// Builtins lists the step implementations the runner ships with. Kept here
// so validation can reject unknown "uses:" references at load time instead
// of mid-run.
var Builtins = map[string]bool{
	"checkout":     true,
	"setup-python": true,
	"deploy-pages": true,
}

// Load reads and validates a workflow definition from a file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", path, err)
	}
	wf.Source = path

	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", path, err)
	}

	return &wf, nil
}

// Validate checks structural invariants of the workflow definition.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if w.On.Push == nil && w.On.PullRequest == nil && w.On.WorkflowDispatch == nil {
		return fmt.Errorf("workflow %q declares no triggers", w.Name)
	}
	if len(w.Jobs) == 0 {
		return fmt.Errorf("workflow %q has no jobs", w.Name)
	}

	for jobName, job := range w.Jobs {
		if len(job.Steps) == 0 {
			return fmt.Errorf("job %q has no steps", jobName)
		}
		for _, dep := range job.Needs {
			if _, ok := w.Jobs[dep]; !ok {
				return fmt.Errorf("job %q needs unknown job %q", jobName, dep)
			}
		}
		seenIDs := make(map[string]bool)
		for i, step := range job.Steps {
			if step.Run == "" && step.Uses == "" {
				return fmt.Errorf("job %q step %d has neither run nor uses", jobName, i)
			}
			if step.Run != "" && step.Uses != "" {
				return fmt.Errorf("job %q step %d has both run and uses", jobName, i)
			}
			if step.Uses != "" && !Builtins[step.Uses] {
				return fmt.Errorf("job %q step %d uses unknown builtin %q", jobName, i, step.Uses)
			}
			if step.ID != "" {
				if seenIDs[step.ID] {
					return fmt.Errorf("job %q has duplicate step id %q", jobName, step.ID)
				}
				seenIDs[step.ID] = true
			}
		}
	}

	// Cyclic needs are detected by the ordering pass.
	if _, err := w.JobOrder(); err != nil {
		return err
	}

	return nil
}

// JobOrder returns job names in dependency order: every job appears after
// all jobs it needs.
func (w *Workflow) JobOrder() ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	for name := range w.Jobs {
		if err := g.AddVertex(name); err != nil {
			return nil, fmt.Errorf("add job %q: %w", name, err)
		}
	}
	for name, job := range w.Jobs {
		for _, dep := range job.Needs {
			if err := g.AddEdge(dep, name); err != nil {
				return nil, fmt.Errorf("workflow %q: job dependency %s -> %s: %w", w.Name, dep, name, err)
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("workflow %q: order jobs: %w", w.Name, err)
	}
	return order, nil
}
