package steps

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yuin/goldmark"

	"git.home.luguber.info/inful/docflow/internal/git"
	"git.home.luguber.info/inful/docflow/internal/runner"
)

// DeployPages publishes a generated documentation tree to the repository's
// pages branch. The generated output is verified before anything is pushed;
// structurally empty output fails the step instead of wiping the site.
type DeployPages struct {
	client *git.Client
}

// NewDeployPages creates the deploy-pages builtin.
func NewDeployPages(client *git.Client) *DeployPages {
	return &DeployPages{client: client}
}

func (s *DeployPages) Name() string { return "deploy-pages" }

func (s *DeployPages) Execute(ctx context.Context, sc *runner.StepContext) error {
	if sc.RepoDir == "" {
		return fmt.Errorf("deploy-pages requires a checkout step before it")
	}

	srcDir := sc.Input("dir", "docs")
	if !filepath.IsAbs(srcDir) {
		srcDir = filepath.Join(sc.RepoDir, srcDir)
	}
	branch := sc.Input("branch", "gh-pages")
	message := sc.Input("commit-message", fmt.Sprintf("docs: publish %s run %s", sc.Expr.Workflow, sc.RunID))

	if info, err := os.Stat(srcDir); err != nil || !info.IsDir() {
		return fmt.Errorf("generated documentation directory %s does not exist", srcDir)
	}

	if err := s.ensureIndex(srcDir, sc); err != nil {
		return err
	}

	report, err := VerifySite(ctx, srcDir)
	if err != nil {
		return fmt.Errorf("generated site failed verification: %w", err)
	}
	fmt.Fprintf(sc.Output, "verified %d pages, %d internal links\n", report.Pages, report.InternalLinks)

	workDir := filepath.Join(sc.WorkDir, "pages")
	commit, err := s.client.PublishDir(ctx, sc.Repo, branch, srcDir, workDir, message)
	if err != nil {
		return err
	}
	if commit == "" {
		fmt.Fprintln(sc.Output, "pages branch already up to date")
		return nil
	}
	fmt.Fprintf(sc.Output, "published to %s as %s\n", branch, commit)
	return nil
}

// ensureIndex renders an index.html from the repository README when the
// generator didn't produce one, so the published site always has a root page.
func (s *DeployPages) ensureIndex(srcDir string, sc *runner.StepContext) error {
	indexPath := filepath.Join(srcDir, "index.html")
	if _, err := os.Stat(indexPath); err == nil {
		return nil
	}

	var readme []byte
	for _, name := range []string{"README.md", "Readme.md", "readme.md"} {
		data, err := os.ReadFile(filepath.Join(sc.RepoDir, name))
		if err == nil {
			readme = data
			break
		}
	}
	if readme == nil {
		// Nothing to render; verification decides whether the site is usable.
		return nil
	}

	var body bytes.Buffer
	if err := goldmark.Convert(readme, &body); err != nil {
		return fmt.Errorf("failed to render README index: %w", err)
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body>
%s
</body>
</html>
`, sc.Repo.Name, body.String())

	if err := os.WriteFile(indexPath, []byte(page), 0o644); err != nil {
		return fmt.Errorf("failed to write index.html: %w", err)
	}
	fmt.Fprintln(sc.Output, "rendered index.html from README")
	return nil
}
