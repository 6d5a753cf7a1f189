package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docflow/internal/trigger"
)

const githubPushPayload = `{
	"ref": "refs/heads/main",
	"before": "0000000000000000000000000000000000000001",
	"after": "0000000000000000000000000000000000000002",
	"repository": {"full_name": "example/csplotter"},
	"commits": [
		{"added": ["src/csplotter/new.py"], "modified": ["src/csplotter/plot.py"], "removed": []},
		{"added": [], "modified": ["src/csplotter/plot.py", "README.md"], "removed": ["old.py"]}
	]
}`

func TestDetectForge(t *testing.T) {
	r := httptest.NewRequest("POST", "/hooks", nil)
	r.Header.Set("X-GitHub-Event", "push")
	require.Equal(t, ForgeGitHub, DetectForge(r))

	r = httptest.NewRequest("POST", "/hooks", nil)
	r.Header.Set("X-Gitlab-Event", "Push Hook")
	require.Equal(t, ForgeGitLab, DetectForge(r))

	r = httptest.NewRequest("POST", "/hooks", nil)
	require.Equal(t, ForgeUnknown, DetectForge(r))
}

func TestVerifySignature(t *testing.T) {
	secret := "s3cret"
	body := []byte(githubPushPayload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	require.NoError(t, VerifySignature(secret, sig, body))
	require.Error(t, VerifySignature(secret, "sha256=deadbeef", body))
	require.Error(t, VerifySignature(secret, "", body))

	// Empty secret disables verification.
	require.NoError(t, VerifySignature("", "", body))
}

func TestParse_GitHubPush(t *testing.T) {
	ev, err := Parse(ForgeGitHub, "push", []byte(githubPushPayload))
	require.NoError(t, err)

	require.Equal(t, trigger.EventPush, ev.Type)
	require.Equal(t, "example/csplotter", ev.Repository)
	require.Equal(t, "refs/heads/main", ev.Ref)
	require.Equal(t, "main", ev.Branch)
	require.Equal(t, "0000000000000000000000000000000000000002", ev.After)
	require.ElementsMatch(t,
		[]string{"src/csplotter/new.py", "src/csplotter/plot.py", "README.md", "old.py"},
		ev.Changed)
}

func TestParse_GitHubPushTagRefRejected(t *testing.T) {
	_, err := Parse(ForgeGitHub, "push", []byte(`{"ref": "refs/tags/v1.0.0", "repository": {"full_name": "example/csplotter"}}`))
	require.Error(t, err)
}

func TestParse_GitHubPullRequest(t *testing.T) {
	payload := `{
		"repository": {"full_name": "example/csplotter"},
		"pull_request": {
			"base": {"ref": "main"},
			"head": {"ref": "fix-docs", "sha": "abc123"}
		}
	}`
	ev, err := Parse(ForgeGitHub, "pull_request", []byte(payload))
	require.NoError(t, err)

	require.Equal(t, trigger.EventPullRequest, ev.Type)
	require.Equal(t, "main", ev.BaseBranch)
	require.Equal(t, "fix-docs", ev.Branch)
	require.Equal(t, "refs/heads/fix-docs", ev.Ref)
	require.Equal(t, "abc123", ev.After)
}

func TestParse_GitLabPush(t *testing.T) {
	payload := `{
		"ref": "refs/heads/main",
		"before": "a",
		"after": "b",
		"project": {"path_with_namespace": "example/csplotter"},
		"commits": [{"added": [], "modified": ["src/plot.py"], "removed": []}]
	}`
	ev, err := Parse(ForgeGitLab, "Push Hook", []byte(payload))
	require.NoError(t, err)

	require.Equal(t, trigger.EventPush, ev.Type)
	require.Equal(t, "example/csplotter", ev.Repository)
	require.Equal(t, []string{"src/plot.py"}, ev.Changed)
}

func TestParse_UnsupportedKind(t *testing.T) {
	_, err := Parse(ForgeGitHub, "issues", []byte(`{}`))
	require.Error(t, err)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse(ForgeGitHub, "push", []byte("not json"))
	require.Error(t, err)
}
