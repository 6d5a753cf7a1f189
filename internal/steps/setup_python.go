package steps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/docflow/internal/runner"
)

// SetupPython resolves a pinned Python interpreter on the runner host and
// exposes it (plus pip) on the run's tool path, so that later "run:" steps
// pick up the pinned version.
type SetupPython struct{}

// NewSetupPython creates the setup-python builtin.
func NewSetupPython() *SetupPython { return &SetupPython{} }

func (s *SetupPython) Name() string { return "setup-python" }

func (s *SetupPython) Execute(_ context.Context, sc *runner.StepContext) error {
	version := sc.Input("python-version", "3")

	interpreter, err := resolveInterpreter(version)
	if err != nil {
		return err
	}

	binDir := filepath.Join(sc.WorkDir, "bin")
	if err := os.MkdirAll(binDir, 0o750); err != nil {
		return fmt.Errorf("failed to create tool path: %w", err)
	}

	for _, alias := range []string{"python", "python3"} {
		link := filepath.Join(binDir, alias)
		_ = os.Remove(link)
		if err := os.Symlink(interpreter, link); err != nil {
			return fmt.Errorf("failed to link %s: %w", alias, err)
		}
	}

	// pip rides along with the interpreter when available.
	if pip, lookErr := exec.LookPath("pip" + version); lookErr == nil {
		link := filepath.Join(binDir, "pip")
		_ = os.Remove(link)
		if err := os.Symlink(pip, link); err != nil {
			return fmt.Errorf("failed to link pip: %w", err)
		}
	}

	fmt.Fprintf(sc.Output, "using %s for python %s\n", interpreter, version)
	return nil
}

// resolveInterpreter finds a python binary matching the requested version.
// "3.9" prefers python3.9; a bare major version accepts any python3.
func resolveInterpreter(version string) (string, error) {
	candidates := []string{"python" + version}
	if strings.Count(version, ".") > 0 {
		major, _, _ := strings.Cut(version, ".")
		candidates = append(candidates, "python"+major)
	}
	candidates = append(candidates, "python3", "python")

	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		if matchesVersion(path, version) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python %s interpreter found on host", version)
}

// matchesVersion checks `python --version` output against the requested pin.
func matchesVersion(interpreter, version string) bool {
	out, err := exec.Command(interpreter, "--version").CombinedOutput()
	if err != nil {
		return false
	}
	// Output form: "Python 3.9.18"
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return false
	}
	return fields[1] == version || strings.HasPrefix(fields[1], version+".")
}
