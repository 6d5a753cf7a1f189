package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/docflow/internal/logfields"
)

// Manager provides per-run workspace directories under a shared base.
// Each run gets an isolated directory that is removed when the run ends.
type Manager struct {
	baseDir string
}

// NewManager creates a workspace manager rooted at baseDir. An empty baseDir
// falls back to the system temp directory.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "docflow")
	}
	return &Manager{baseDir: baseDir}
}

// Base returns the workspace root.
func (m *Manager) Base() string { return m.baseDir }

// RunDir creates and returns the workspace directory for a run.
func (m *Manager) RunDir(runID string) (string, error) {
	dir := filepath.Join(m.baseDir, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create run workspace: %w", err)
	}
	slog.Debug("Run workspace created", logfields.RunID(runID), logfields.Path(dir))
	return dir, nil
}

// Cleanup removes a run's workspace directory.
func (m *Manager) Cleanup(runID string) error {
	dir := filepath.Join(m.baseDir, runID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove run workspace: %w", err)
	}
	slog.Debug("Run workspace removed", logfields.RunID(runID), logfields.Path(dir))
	return nil
}
