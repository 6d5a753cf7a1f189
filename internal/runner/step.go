package runner

import (
	"context"
	"fmt"
	"io"

	"git.home.luguber.info/inful/docflow/internal/config"
	"git.home.luguber.info/inful/docflow/internal/trigger"
	"git.home.luguber.info/inful/docflow/internal/workflow"
)

// StepContext carries everything a builtin step needs to execute.
type StepContext struct {
	RunID   string
	WorkDir string // run workspace root
	RepoDir string // checkout directory inside the workspace
	Repo    config.Repository
	Event   trigger.Event
	Expr    workflow.ExprContext
	Env     []string          // merged workflow/job/step environment, KEY=VALUE form
	With    map[string]string // step "with" inputs
	Output  io.Writer         // step log sink
}

// Input returns a with-value, falling back to def when absent.
func (sc *StepContext) Input(key, def string) string {
	if v, ok := sc.With[key]; ok && v != "" {
		return v
	}
	return def
}

// BuiltinStep is a step implementation referenced by "uses:" in a workflow.
type BuiltinStep interface {
	Name() string
	Execute(ctx context.Context, sc *StepContext) error
}

// Registry maps builtin names to implementations.
type Registry map[string]BuiltinStep

// Register adds a step, replacing any previous registration of the name.
func (r Registry) Register(s BuiltinStep) { r[s.Name()] = s }

// Lookup resolves a builtin by name.
func (r Registry) Lookup(name string) (BuiltinStep, error) {
	s, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin step %q", name)
	}
	return s, nil
}
