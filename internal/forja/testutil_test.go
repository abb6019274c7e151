package forja

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTestEnv points every global path at a fresh temp tree and returns its
// root. The previous values are restored when the test finishes.
func setupTestEnv(t *testing.T) string {
	t.Helper()

	prev := struct {
		rootDir, repoDir, sourcesDir, workDir, stagingDir, binDir, logDir, installed string
		userExec, rootExec                                                          *Executor
	}{rootDir, RepoDir, SourcesDir, WorkDir, StagingDir, BinDir, LogDir, Installed, UserExec, RootExec}

	base := t.TempDir()
	rootDir = filepath.Join(base, "root")
	RepoDir = filepath.Join(base, "repo")
	SourcesDir = filepath.Join(base, "sources")
	WorkDir = filepath.Join(base, "work")
	StagingDir = filepath.Join(base, "staging")
	BinDir = filepath.Join(base, "bin")
	LogDir = filepath.Join(base, "logs")
	Installed = filepath.Join(rootDir, "var/db/forja/installed")

	for _, dir := range []string{rootDir, RepoDir, SourcesDir, WorkDir, BinDir, LogDir, Installed} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	// Tests never elevate; both executors run as the current user.
	UserExec = NewExecutor(context.Background())
	RootExec = NewExecutor(context.Background())

	t.Cleanup(func() {
		rootDir = prev.rootDir
		RepoDir = prev.repoDir
		SourcesDir = prev.sourcesDir
		WorkDir = prev.workDir
		StagingDir = prev.stagingDir
		BinDir = prev.binDir
		LogDir = prev.logDir
		Installed = prev.installed
		UserExec = prev.userExec
		RootExec = prev.rootExec
	})

	return base
}

// writeRecipe creates <RepoDir>/<category>/<name>/recipe with the given
// content and returns the recipe directory.
func writeRecipe(t *testing.T, category, name, content string) string {
	t.Helper()
	dir := filepath.Join(RepoDir, category, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, recipeFileName), []byte(content), 0o644))
	return dir
}

// writeScript drops an executable script into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// treePaths returns the sorted manifest-style path list of a directory tree.
func treePaths(t *testing.T, root string) []string {
	t.Helper()
	paths, err := generateManifest(root)
	require.NoError(t, err)
	return paths
}
