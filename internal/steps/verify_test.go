package steps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestVerifySite_AcceptsWellFormedOutput(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"index.html": `<html><head><title>csplotter</title></head>
			<body><a href="csplotter.html">module</a></body></html>`,
		"csplotter.html": `<html><head><title>csplotter.plot</title></head>
			<body><p>API documentation</p><a href="index.html">back</a>
			<a href="https://example.com">external</a></body></html>`,
	})

	report, err := VerifySite(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 2, report.Pages)
	require.Equal(t, 2, report.InternalLinks)
}

func TestVerifySite_FindsNestedPages(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"api/sub/page.html": `<html><head><title>sub</title></head><body>text</body></html>`,
	})

	report, err := VerifySite(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pages)
}

func TestVerifySite_RejectsEmptyTree(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"style.css": "body { color: black }",
	})

	_, err := VerifySite(context.Background(), dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no HTML pages")
}

func TestVerifySite_RejectsBlankPage(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"good.html":  `<html><head><title>ok</title></head><body>fine</body></html>`,
		"empty.html": "",
	})

	_, err := VerifySite(context.Background(), dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty.html")
}
