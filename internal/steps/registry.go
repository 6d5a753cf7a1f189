package steps

import (
	"git.home.luguber.info/inful/docflow/internal/git"
	"git.home.luguber.info/inful/docflow/internal/runner"
)

// DefaultRegistry returns the builtin steps the runner ships with.
func DefaultRegistry(client *git.Client) runner.Registry {
	r := make(runner.Registry)
	r.Register(NewCheckout(client))
	r.Register(NewSetupPython())
	r.Register(NewDeployPages(client))
	return r
}
