package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
data_dir: ./data
repositories:
  - url: https://github.com/example/csplotter.git
    name: csplotter
    workflows: [workflows/publish-docs.yaml]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, ":8090", cfg.Server.WebhookAddr)
	require.Equal(t, ":8091", cfg.Server.AdminAddr)
	require.Equal(t, 2, cfg.Runner.Workers)
	require.Equal(t, 100, cfg.Runner.QueueSize)
	require.Equal(t, "main", cfg.Repositories[0].Branch)
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "hunter2")
	cfg, err := Load(writeConfig(t, minimalConfig+`
server:
  webhook_secret: ${TEST_WEBHOOK_SECRET}
`))
	require.NoError(t, err)
	require.Equal(t, "hunter2", cfg.Server.WebhookSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestValidate_RejectsRepositoryWithoutName(t *testing.T) {
	_, err := Load(writeConfig(t, `
data_dir: ./data
repositories:
  - url: https://github.com/example/csplotter.git
    workflows: [wf.yaml]
`))
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateRepositoryNames(t *testing.T) {
	_, err := Load(writeConfig(t, `
data_dir: ./data
repositories:
  - url: https://a.example/x.git
    name: docs
    workflows: [a.yaml]
  - url: https://b.example/y.git
    name: docs
    workflows: [b.yaml]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestValidate_RejectsRepositoryWithoutWorkflows(t *testing.T) {
	_, err := Load(writeConfig(t, `
data_dir: ./data
repositories:
  - url: https://a.example/x.git
    name: docs
    workflows: []
`))
	require.Error(t, err)
}

func TestValidate_RejectsUnknownAuthType(t *testing.T) {
	_, err := Load(writeConfig(t, `
data_dir: ./data
repositories:
  - url: https://a.example/x.git
    name: docs
    workflows: [a.yaml]
    auth:
      type: kerberos
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth")
}

func TestInit_WritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Init(path, false))

	// Init references env placeholders; set them so Load validates.
	t.Setenv("DOCFLOW_WEBHOOK_SECRET", "s")
	t.Setenv("GITHUB_TOKEN", "t")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Repositories)

	require.Error(t, Init(path, false))
	require.NoError(t, Init(path, true))
}
