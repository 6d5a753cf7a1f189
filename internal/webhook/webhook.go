package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"git.home.luguber.info/inful/docflow/internal/trigger"
)

// ForgeType identifies the webhook sender.
type ForgeType string

const (
	ForgeGitHub  ForgeType = "github"
	ForgeGitLab  ForgeType = "gitlab"
	ForgeForgejo ForgeType = "forgejo"
	ForgeUnknown ForgeType = "unknown"
)

// DetectForge detects the forge type from request headers and user agent.
func DetectForge(r *http.Request) ForgeType {
	userAgent := strings.ToLower(r.UserAgent())

	if strings.Contains(userAgent, "github") || r.Header.Get("X-GitHub-Event") != "" {
		return ForgeGitHub
	}
	if strings.Contains(userAgent, "gitlab") || r.Header.Get("X-Gitlab-Event") != "" {
		return ForgeGitLab
	}
	if strings.Contains(userAgent, "forgejo") || strings.Contains(userAgent, "gitea") ||
		r.Header.Get("X-Forgejo-Event") != "" || r.Header.Get("X-Gitea-Event") != "" {
		return ForgeForgejo
	}

	return ForgeUnknown
}

// VerifySignature checks a GitHub-style HMAC-SHA256 signature header against
// the shared secret. An empty secret disables verification.
func VerifySignature(secret string, signatureHeader string, body []byte) error {
	if secret == "" {
		return nil
	}
	sig := strings.TrimPrefix(signatureHeader, "sha256=")
	if sig == "" {
		return fmt.Errorf("missing webhook signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}

// Parse converts a raw webhook payload into a normalized trigger event.
// The kind is the forge's event header value ("push", "pull_request", ...).
func Parse(forge ForgeType, kind string, body []byte) (trigger.Event, error) {
	if !gjson.ValidBytes(body) {
		return trigger.Event{}, fmt.Errorf("invalid JSON payload")
	}

	switch forge {
	case ForgeGitHub, ForgeForgejo:
		// Forgejo/Gitea payloads follow the GitHub shape for the fields we read.
		switch kind {
		case "push":
			return parseGitHubPush(body)
		case "pull_request":
			return parseGitHubPullRequest(body)
		}
		return trigger.Event{}, fmt.Errorf("unsupported %s event %q", forge, kind)
	case ForgeGitLab:
		switch kind {
		case "Push Hook", "push":
			return parseGitLabPush(body)
		case "Merge Request Hook", "merge_request":
			return parseGitLabMergeRequest(body)
		}
		return trigger.Event{}, fmt.Errorf("unsupported gitlab event %q", kind)
	}
	return trigger.Event{}, fmt.Errorf("unknown forge type")
}

func parseGitHubPush(body []byte) (trigger.Event, error) {
	ref := gjson.GetBytes(body, "ref").String()
	if !strings.HasPrefix(ref, "refs/heads/") {
		return trigger.Event{}, fmt.Errorf("push ref %q is not a branch", ref)
	}

	ev := trigger.Event{
		Type:       trigger.EventPush,
		Repository: gjson.GetBytes(body, "repository.full_name").String(),
		Ref:        ref,
		Branch:     trigger.BranchFromRef(ref),
		Before:     gjson.GetBytes(body, "before").String(),
		After:      gjson.GetBytes(body, "after").String(),
		Changed:    changedFromCommits(body),
		ReceivedAt: time.Now(),
	}
	return ev, ev.Validate()
}

func parseGitHubPullRequest(body []byte) (trigger.Event, error) {
	ev := trigger.Event{
		Type:       trigger.EventPullRequest,
		Repository: gjson.GetBytes(body, "repository.full_name").String(),
		BaseBranch: gjson.GetBytes(body, "pull_request.base.ref").String(),
		Ref:        gjson.GetBytes(body, "pull_request.head.ref").String(),
		After:      gjson.GetBytes(body, "pull_request.head.sha").String(),
		Changed:    changedFromCommits(body),
		ReceivedAt: time.Now(),
	}
	if ev.Ref != "" && !strings.HasPrefix(ev.Ref, "refs/") {
		ev.Branch = ev.Ref
		ev.Ref = "refs/heads/" + ev.Ref
	}
	return ev, ev.Validate()
}

func parseGitLabPush(body []byte) (trigger.Event, error) {
	ref := gjson.GetBytes(body, "ref").String()
	if !strings.HasPrefix(ref, "refs/heads/") {
		return trigger.Event{}, fmt.Errorf("push ref %q is not a branch", ref)
	}

	ev := trigger.Event{
		Type:       trigger.EventPush,
		Repository: gjson.GetBytes(body, "project.path_with_namespace").String(),
		Ref:        ref,
		Branch:     trigger.BranchFromRef(ref),
		Before:     gjson.GetBytes(body, "before").String(),
		After:      gjson.GetBytes(body, "after").String(),
		Changed:    changedFromCommits(body),
		ReceivedAt: time.Now(),
	}
	return ev, ev.Validate()
}

func parseGitLabMergeRequest(body []byte) (trigger.Event, error) {
	branch := gjson.GetBytes(body, "object_attributes.source_branch").String()
	ev := trigger.Event{
		Type:       trigger.EventPullRequest,
		Repository: gjson.GetBytes(body, "project.path_with_namespace").String(),
		BaseBranch: gjson.GetBytes(body, "object_attributes.target_branch").String(),
		Branch:     branch,
		Ref:        "refs/heads/" + branch,
		After:      gjson.GetBytes(body, "object_attributes.last_commit.id").String(),
		ReceivedAt: time.Now(),
	}
	return ev, ev.Validate()
}

// changedFromCommits collects the union of added/modified/removed paths
// across all commits in a push payload.
func changedFromCommits(body []byte) []string {
	seen := make(map[string]bool)
	var changed []string
	add := func(r gjson.Result) {
		for _, p := range r.Array() {
			path := p.String()
			if path != "" && !seen[path] {
				seen[path] = true
				changed = append(changed, path)
			}
		}
	}

	for _, commit := range gjson.GetBytes(body, "commits").Array() {
		add(commit.Get("added"))
		add(commit.Get("modified"))
		add(commit.Get("removed"))
	}
	return changed
}
