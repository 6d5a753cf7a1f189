package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testCtx = ExprContext{
	Workflow:   "Publish API docs",
	Ref:        "refs/heads/main",
	EventName:  "push",
	Repository: "example/csplotter",
	SHA:        "abc123",
}

func TestInterpolate_SubstitutesContextValues(t *testing.T) {
	got, err := Interpolate("${{ github.workflow }}-${{ github.ref }}", testCtx)
	require.NoError(t, err)
	require.Equal(t, "Publish API docs-refs/heads/main", got)
}

func TestInterpolate_LeavesPlainTextAlone(t *testing.T) {
	got, err := Interpolate("no expressions here", testCtx)
	require.NoError(t, err)
	require.Equal(t, "no expressions here", got)
}

func TestInterpolate_UnknownContextKeyFails(t *testing.T) {
	_, err := Interpolate("${{ github.bogus }}", testCtx)
	require.Error(t, err)
}

func TestEvalCondition(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"github.ref == 'refs/heads/main'", true},
		{"github.ref == 'refs/heads/dev'", false},
		{"github.ref != 'refs/heads/dev'", true},
		{"${{ github.event_name == 'push' }}", true},
		{"github.event_name == 'push' && github.ref == 'refs/heads/main'", true},
		{"github.event_name == 'pull_request' || github.ref == 'refs/heads/main'", true},
		{"!(github.ref == 'refs/heads/main')", false},
		{"(github.ref == 'refs/heads/dev' || github.ref == 'refs/heads/main') && github.event_name == 'push'", true},
	}

	for _, tc := range cases {
		got, err := EvalCondition(tc.expr, testCtx)
		require.NoError(t, err, "expr: %s", tc.expr)
		require.Equal(t, tc.want, got, "expr: %s", tc.expr)
	}
}

func TestEvalCondition_MalformedExpression(t *testing.T) {
	_, err := EvalCondition("github.ref ==", testCtx)
	require.Error(t, err)

	_, err = EvalCondition("(github.ref == 'refs/heads/main'", testCtx)
	require.Error(t, err)
}

func TestConcurrencyGroup_DefaultsToSlugAndRef(t *testing.T) {
	wf := &Workflow{Name: "Publish API docs"}
	group, cancel, err := wf.ConcurrencyGroup(testCtx)
	require.NoError(t, err)
	require.False(t, cancel)
	require.Equal(t, "publish-api-docs-refs/heads/main", group)
}

func TestConcurrencyGroup_EvaluatesExpression(t *testing.T) {
	wf := &Workflow{
		Name: "Publish API docs",
		Concurrency: &Concurrency{
			Group:            "${{ github.workflow }}-${{ github.ref }}",
			CancelInProgress: true,
		},
	}
	group, cancel, err := wf.ConcurrencyGroup(testCtx)
	require.NoError(t, err)
	require.True(t, cancel)
	require.Equal(t, "Publish API docs-refs/heads/main", group)
}

func TestSlug(t *testing.T) {
	require.Equal(t, "publish-api-docs", Slug("Publish API docs"))
	require.Equal(t, "cafe-docs", Slug("Café Docs"))
	require.Equal(t, "a-b-c", Slug("a  b---c"))
	require.Equal(t, "", Slug("  "))
}
