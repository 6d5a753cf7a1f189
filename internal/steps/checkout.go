package steps

import (
	"context"
	"fmt"
	"path/filepath"

	"git.home.luguber.info/inful/docflow/internal/git"
	"git.home.luguber.info/inful/docflow/internal/runner"
)

// Checkout clones the run's repository at the event's ref into the run
// workspace. Later steps execute with the checkout as their working
// directory.
type Checkout struct {
	client *git.Client
}

// NewCheckout creates the checkout builtin.
func NewCheckout(client *git.Client) *Checkout {
	return &Checkout{client: client}
}

func (s *Checkout) Name() string { return "checkout" }

func (s *Checkout) Execute(ctx context.Context, sc *runner.StepContext) error {
	branch := sc.Event.Branch
	if branch == "" {
		branch = sc.Repo.Branch
	}
	dest := filepath.Join(sc.WorkDir, sc.Input("path", "checkout"))

	if err := s.client.CloneAtRef(ctx, sc.Repo, branch, sc.Event.After, dest); err != nil {
		return err
	}

	sc.RepoDir = dest
	fmt.Fprintf(sc.Output, "checked out %s@%s to %s\n", sc.Repo.Name, branch, dest)
	return nil
}
