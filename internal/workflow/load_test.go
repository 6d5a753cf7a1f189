package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const publishDocsYAML = `
name: Publish API docs
on:
  push:
    branches: [main]
    paths: ["src/**.py"]
  workflow_dispatch: {}
concurrency:
  group: ${{ github.workflow }}-${{ github.ref }}
  cancel-in-progress: false
jobs:
  docs:
    steps:
      - name: Checkout
        uses: checkout
      - name: Build API docs
        run: pdoc3 --html --force --output-dir docs ./src/csplotter
      - name: Deploy to pages
        if: github.ref == 'refs/heads/main'
        uses: deploy-pages
`

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesTriggersConcurrencyAndSteps(t *testing.T) {
	wf, err := Load(writeWorkflow(t, publishDocsYAML))
	require.NoError(t, err)

	require.Equal(t, "Publish API docs", wf.Name)
	require.NotNil(t, wf.On.Push)
	require.Equal(t, []string{"main"}, wf.On.Push.Branches)
	require.Equal(t, []string{"src/**.py"}, wf.On.Push.Paths)
	require.NotNil(t, wf.On.WorkflowDispatch)
	require.Nil(t, wf.On.PullRequest)

	require.NotNil(t, wf.Concurrency)
	require.Equal(t, "${{ github.workflow }}-${{ github.ref }}", wf.Concurrency.Group)
	require.False(t, wf.Concurrency.CancelInProgress)

	require.Len(t, wf.Jobs, 1)
	steps := wf.Jobs["docs"].Steps
	require.Len(t, steps, 3)
	require.Equal(t, "checkout", steps[0].Uses)
	require.Equal(t, "github.ref == 'refs/heads/main'", steps[2].If)
}

func TestLoad_RejectsWorkflowWithoutTriggers(t *testing.T) {
	_, err := Load(writeWorkflow(t, `
name: no triggers
jobs:
  build:
    steps:
      - run: "true"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "trigger")
}

func TestValidate_RejectsStepWithRunAndUses(t *testing.T) {
	_, err := Load(writeWorkflow(t, `
name: bad step
on:
  workflow_dispatch: {}
jobs:
  build:
    steps:
      - uses: checkout
        run: "true"
`))
	require.Error(t, err)
}

func TestValidate_RejectsUnknownBuiltin(t *testing.T) {
	_, err := Load(writeWorkflow(t, `
name: bad builtin
on:
  workflow_dispatch: {}
jobs:
  build:
    steps:
      - uses: setup-node
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "setup-node")
}

func TestValidate_RejectsUnknownNeeds(t *testing.T) {
	_, err := Load(writeWorkflow(t, `
name: bad needs
on:
  workflow_dispatch: {}
jobs:
  build:
    needs: [missing]
    steps:
      - run: "true"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestJobOrder_RespectsNeeds(t *testing.T) {
	wf, err := Load(writeWorkflow(t, `
name: ordered
on:
  workflow_dispatch: {}
jobs:
  deploy:
    needs: [build]
    steps:
      - run: "true"
  build:
    needs: [prepare]
    steps:
      - run: "true"
  prepare:
    steps:
      - run: "true"
`))
	require.NoError(t, err)

	order, err := wf.JobOrder()
	require.NoError(t, err)
	require.Equal(t, []string{"prepare", "build", "deploy"}, order)
}

func TestJobOrder_DetectsCycle(t *testing.T) {
	wf := &Workflow{
		Name: "cycle",
		On:   Triggers{WorkflowDispatch: &DispatchTrigger{}},
		Jobs: map[string]Job{
			"a": {Needs: []string{"b"}, Steps: []Step{{Run: "true"}}},
			"b": {Needs: []string{"a"}, Steps: []Step{{Run: "true"}}},
		},
	}

	_, err := wf.JobOrder()
	require.Error(t, err)
}
