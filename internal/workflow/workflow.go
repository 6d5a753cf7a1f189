package workflow

import (
	"fmt"
)

// Workflow is a parsed workflow definition.
//
// The model mirrors the hosted-CI vocabulary the definitions are written in:
// trigger filters under "on", a concurrency group, and named jobs holding a
// sequence of steps.
type Workflow struct {
	Name        string         `yaml:"name"`
	On          Triggers       `yaml:"on"`
	Concurrency *Concurrency   `yaml:"concurrency,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Jobs        map[string]Job `yaml:"jobs"`

	// Source is the path the workflow was loaded from. Informational only.
	Source string `yaml:"-"`
}

// Triggers describes the events a workflow reacts to.
type Triggers struct {
	Push             *BranchPathFilter `yaml:"push,omitempty"`
	PullRequest      *BranchPathFilter `yaml:"pull_request,omitempty"`
	WorkflowDispatch *DispatchTrigger  `yaml:"workflow_dispatch,omitempty"`
}

// BranchPathFilter filters push and pull_request events by branch and changed paths.
// Empty slices mean "match any".
type BranchPathFilter struct {
	Branches []string `yaml:"branches,omitempty"`
	Paths    []string `yaml:"paths,omitempty"`
}

// DispatchTrigger marks a workflow as manually dispatchable. It carries no
// filters; a dispatch event always matches.
type DispatchTrigger struct{}

// Concurrency serializes runs sharing a group key.
type Concurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress,omitempty"`
}

// Job is a named group of sequential steps.
type Job struct {
	Needs []string          `yaml:"needs,omitempty"`
	If    string            `yaml:"if,omitempty"`
	Env   map[string]string `yaml:"env,omitempty"`
	Steps []Step            `yaml:"steps"`
}

// Step is a single unit of work inside a job. Exactly one of Run or Uses
// must be set.
type Step struct {
	Name string            `yaml:"name,omitempty"`
	ID   string            `yaml:"id,omitempty"`
	If   string            `yaml:"if,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	Run  string            `yaml:"run,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// DisplayName returns the configured name or a synthesized one.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	return "run"
}

// ConcurrencyGroup resolves the workflow's concurrency group key for the
// given context. Workflows without an explicit concurrency section get the
// default group "<workflow>-<ref>", which serializes runs per branch the
// same way the explicit key in the shipped definitions does.
func (w *Workflow) ConcurrencyGroup(ec ExprContext) (string, bool, error) {
	if w.Concurrency == nil {
		return fmt.Sprintf("%s-%s", Slug(w.Name), ec.Ref), false, nil
	}
	group, err := Interpolate(w.Concurrency.Group, ec)
	if err != nil {
		return "", false, fmt.Errorf("resolve concurrency group: %w", err)
	}
	if group == "" {
		group = fmt.Sprintf("%s-%s", Slug(w.Name), ec.Ref)
	}
	return group, w.Concurrency.CancelInProgress, nil
}
