package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", ".cdprc"), []byte("{}"), 0o644))

	assert.Equal(t, filepath.Join(root, "a", ".cdprc"), FindUp(".cdprc", deep))
	assert.Equal(t, "", FindUp(".does-not-exist-anywhere", deep))
}

func TestFindBrowserFromEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))

	t.Setenv(BrowserEnvVar, p)
	got, err := FindBrowser()
	require.NoError(t, err)
	assert.Equal(t, p, got)

	t.Setenv(BrowserEnvVar, filepath.Join(t.TempDir(), "missing"))
	_, err = FindBrowser()
	require.Error(t, err)
}

func TestFindBrowserOnPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "chromium")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))

	t.Setenv(BrowserEnvVar, "")
	t.Setenv("PATH", dir)
	got, err := FindBrowser()
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
