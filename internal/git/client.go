package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"

	"git.home.luguber.info/inful/docflow/internal/config"
	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/retry"
)

// Client handles Git operations for run checkouts and pages publication.
type Client struct {
	policy retry.Policy
}

// NewClient creates a git client using the given retry policy for
// transient transport failures.
func NewClient(policy retry.Policy) *Client {
	return &Client{policy: policy}
}

// CloneAtRef clones the repository's branch into dest and positions the
// worktree at sha when one is given. The destination is replaced if it
// already exists.
func (c *Client) CloneAtRef(ctx context.Context, repo config.Repository, branch, sha, dest string) error {
	if branch == "" {
		branch = repo.Branch
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clear checkout directory: %w", err)
	}

	auth, err := authMethod(repo.Auth)
	if err != nil {
		return fmt.Errorf("failed to setup authentication: %w", err)
	}

	cloneOptions := &git.CloneOptions{
		URL:           repo.URL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	}

	var repository *git.Repository
	err = c.withRetry(ctx, "clone", func() error {
		var cloneErr error
		repository, cloneErr = git.PlainCloneContext(ctx, dest, false, cloneOptions)
		return cloneErr
	})
	if err != nil {
		return fmt.Errorf("failed to clone repository %s: %w", repo.URL, err)
	}

	if sha != "" {
		worktree, err := repository.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree: %w", err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(sha)}); err != nil {
			return fmt.Errorf("failed to checkout %s: %w", sha, err)
		}
	}

	head, err := repository.Head()
	if err == nil {
		slog.Info("Repository checked out",
			logfields.Repository(repo.Name),
			slog.String("branch", branch),
			slog.String("commit", shortHash(head.Hash().String())),
			logfields.Path(dest))
	}

	return nil
}

// PublishDir replaces the contents of the repository's pages branch with
// srcDir and pushes the resulting commit. A missing pages branch is created
// from scratch.
func (c *Client) PublishDir(ctx context.Context, repo config.Repository, branch, srcDir, workDir, message string) (string, error) {
	auth, err := authMethod(repo.Auth)
	if err != nil {
		return "", fmt.Errorf("failed to setup authentication: %w", err)
	}

	if err := os.RemoveAll(workDir); err != nil {
		return "", fmt.Errorf("failed to clear publish directory: %w", err)
	}

	repository, err := c.clonePagesBranch(ctx, repo, branch, workDir, auth)
	if err != nil {
		return "", err
	}

	worktree, err := repository.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := replaceWorktree(workDir, srcDir); err != nil {
		return "", err
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage pages content: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read worktree status: %w", err)
	}
	if status.IsClean() {
		slog.Info("Pages branch already up to date", logfields.Repository(repo.Name), slog.String("branch", branch))
		return "", nil
	}

	commit, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "docflow",
			Email: "docflow@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit pages content: %w", err)
	}

	refSpec := gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = c.withRetry(ctx, "push", func() error {
		pushErr := repository.PushContext(ctx, &git.PushOptions{
			RemoteName: "origin",
			RefSpecs:   []gitcfg.RefSpec{refSpec},
			Auth:       auth,
		})
		if errors.Is(pushErr, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return pushErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to push pages branch %s: %w", branch, err)
	}

	slog.Info("Pages branch published",
		logfields.Repository(repo.Name),
		slog.String("branch", branch),
		slog.String("commit", shortHash(commit.String())))
	return commit.String(), nil
}

// clonePagesBranch clones the pages branch, or initializes a fresh branch
// when the remote doesn't have it yet.
func (c *Client) clonePagesBranch(ctx context.Context, repo config.Repository, branch, workDir string, auth transport.AuthMethod) (*git.Repository, error) {
	cloneOptions := &git.CloneOptions{
		URL:           repo.URL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	}

	var repository *git.Repository
	err := c.withRetry(ctx, "clone", func() error {
		var cloneErr error
		repository, cloneErr = git.PlainCloneContext(ctx, workDir, false, cloneOptions)
		if cloneErr != nil && isMissingBranch(cloneErr) {
			return nil // handled below
		}
		return cloneErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone pages branch %s: %w", branch, err)
	}
	if repository != nil {
		return repository, nil
	}

	// The branch doesn't exist yet. Start it from an empty repository so the
	// first publish creates it.
	slog.Info("Pages branch missing, creating", logfields.Repository(repo.Name), slog.String("branch", branch))
	repository, initErr := git.PlainInit(workDir, false)
	if initErr != nil {
		return nil, fmt.Errorf("failed to init pages repository: %w", initErr)
	}
	if _, remoteErr := repository.CreateRemote(&gitcfg.RemoteConfig{
		Name: "origin",
		URLs: []string{repo.URL},
	}); remoteErr != nil {
		return nil, fmt.Errorf("failed to add origin remote: %w", remoteErr)
	}

	headRef := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if refErr := repository.Storer.SetReference(headRef); refErr != nil {
		return nil, fmt.Errorf("failed to point HEAD at %s: %w", branch, refErr)
	}

	return repository, nil
}

// ChangedFiles lists the paths touched between the base branch and headSHA,
// diffed from their merge base. Forges deliver pull_request hooks without a
// per-file change list, so path filters need this to evaluate PR events.
func (c *Client) ChangedFiles(ctx context.Context, repo config.Repository, base, headSHA string) ([]string, error) {
	if base == "" || headSHA == "" {
		return nil, fmt.Errorf("changed files need a base branch and head commit")
	}

	auth, err := authMethod(repo.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to setup authentication: %w", err)
	}

	var repository *git.Repository
	err = c.withRetry(ctx, "fetch", func() error {
		var cloneErr error
		repository, cloneErr = git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
			URL:  repo.URL,
			Auth: auth,
		})
		return cloneErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch repository %s: %w", repo.URL, err)
	}

	baseRef, err := repository.Reference(plumbing.NewRemoteReferenceName("origin", base), true)
	if err != nil {
		baseRef, err = repository.Reference(plumbing.NewBranchReferenceName(base), true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}

	baseCommit, err := repository.CommitObject(baseRef.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read base commit: %w", err)
	}
	headCommit, err := repository.CommitObject(plumbing.NewHash(headSHA))
	if err != nil {
		return nil, fmt.Errorf("failed to read head commit %s: %w", headSHA, err)
	}

	from := baseCommit
	if ancestors, mbErr := baseCommit.MergeBase(headCommit); mbErr == nil && len(ancestors) > 0 {
		from = ancestors[0]
	}

	fromTree, err := from.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read base tree: %w", err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read head tree: %w", err)
	}

	diff, err := object.DiffTreeWithOptions(ctx, fromTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s...%s: %w", base, shortHash(headSHA), err)
	}

	seen := make(map[string]struct{}, len(diff))
	for _, change := range diff {
		for _, name := range []string{change.From.Name, change.To.Name} {
			if name != "" {
				seen[name] = struct{}{}
			}
		}
	}
	changed := make([]string, 0, len(seen))
	for name := range seen {
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed, nil
}

// withRetry runs op, retrying transient failures per the client policy.
func (c *Client) withRetry(ctx context.Context, opName string, op func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt >= c.policy.MaxRetries {
			return lastErr
		}

		delay := c.policy.Delay(attempt + 1)
		slog.Warn("Transient git failure, retrying",
			slog.String("op", opName),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			logfields.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// replaceWorktree removes everything except .git from workDir and copies
// srcDir's contents in.
func replaceWorktree(workDir, srcDir string) error {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return fmt.Errorf("failed to read publish directory: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(workDir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}

	return copyTree(srcDir, workDir)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// authMethod creates authentication based on config.
func authMethod(auth *config.AuthConfig) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}
	switch auth.Type {
	case "none", "":
		return nil, nil // No authentication needed for public repositories

	case "ssh":
		keyPath := auth.KeyPath
		if keyPath == "" {
			keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
		}
		publicKeys, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key from %s: %w", keyPath, err)
		}
		return publicKeys, nil

	case "token":
		if auth.Token == "" {
			return nil, fmt.Errorf("token authentication requires a token")
		}
		return &http.BasicAuth{
			Username: "token", // GitHub/GitLab use "token" as username
			Password: auth.Token,
		}, nil

	case "basic":
		if auth.Username == "" || auth.Password == "" {
			return nil, fmt.Errorf("basic authentication requires username and password")
		}
		return &http.BasicAuth{
			Username: auth.Username,
			Password: auth.Password,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported authentication type: %s", auth.Type)
	}
}

func isMissingBranch(err error) bool {
	if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, git.ErrRepositoryNotExists) {
		return true
	}
	var noMatch git.NoMatchingRefSpecError
	if errors.As(err, &noMatch) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "couldn't find remote ref") ||
		strings.Contains(msg, "reference not found") ||
		strings.Contains(msg, "remote repository is empty")
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
