package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/docflow/internal/workflow"
)

// Decision explains why a workflow did or did not match an event.
type Decision struct {
	Matched bool
	Reason  string
}

// Matches reports whether the workflow's triggers accept the event.
//
// Push events match when the branch passes the branch filter and at least
// one changed path passes the path filter. Pull requests match against the
// base branch with the same path filter. Dispatch events match whenever the
// workflow declares workflow_dispatch; schedule events are accepted for any
// workflow, since the scheduler only fires for configured repositories.
func Matches(wf *workflow.Workflow, ev Event) (Decision, error) {
	if err := ev.Validate(); err != nil {
		return Decision{}, err
	}

	switch ev.Type {
	case EventPush:
		if wf.On.Push == nil {
			return Decision{Reason: "no push trigger"}, nil
		}
		return matchBranchPaths(wf.On.Push, ev.Branch, ev.Changed)
	case EventPullRequest:
		if wf.On.PullRequest == nil {
			return Decision{Reason: "no pull_request trigger"}, nil
		}
		return matchBranchPaths(wf.On.PullRequest, ev.BaseBranch, ev.Changed)
	case EventDispatch:
		if wf.On.WorkflowDispatch == nil {
			return Decision{Reason: "no workflow_dispatch trigger"}, nil
		}
		return Decision{Matched: true, Reason: "manual dispatch"}, nil
	case EventSchedule:
		return Decision{Matched: true, Reason: "scheduled"}, nil
	}
	return Decision{Reason: "unknown event"}, nil
}

func matchBranchPaths(f *workflow.BranchPathFilter, branch string, changed []string) (Decision, error) {
	okBranch, err := anyGlobMatch(f.Branches, []string{branch}, false)
	if err != nil {
		return Decision{}, err
	}
	if !okBranch {
		return Decision{Reason: fmt.Sprintf("branch %q not in filter", branch)}, nil
	}

	okPath, err := anyGlobMatch(f.Paths, changed, true)
	if err != nil {
		return Decision{}, err
	}
	if !okPath {
		return Decision{Reason: "no changed path matches the path filter"}, nil
	}

	return Decision{Matched: true, Reason: "filters satisfied"}, nil
}

// anyGlobMatch reports whether any candidate matches any pattern. An empty
// pattern list matches everything. With pathMode, "**" crosses directory
// boundaries while a single "*" does not.
func anyGlobMatch(patterns, candidates []string, pathMode bool) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, pat := range patterns {
		rx, err := regexp.Compile(globToRegex(pat, pathMode))
		if err != nil {
			return false, fmt.Errorf("compile glob %s: %w", pat, err)
		}
		for _, c := range candidates {
			if rx.MatchString(c) {
				return true, nil
			}
		}
	}
	return false, nil
}

// globToRegex converts a shell-style glob to an anchored regex string.
// In path mode "**" matches across separators and "*" stops at them.
func globToRegex(glob string, pathMode bool) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if pathMode {
				if i+1 < len(glob) && glob[i+1] == '*' {
					b.WriteString(".*")
					i++
					continue
				}
				b.WriteString("[^/]*")
				continue
			}
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return b.String()
}
