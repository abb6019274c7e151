package forja

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helloRecipe writes a recipe with custom build/install scripts that stage
// a tiny tree, plus its source archive, and returns the recipe directory.
func helloRecipe(t *testing.T, extra string) string {
	t.Helper()
	dir := writeRecipe(t, "core", "hello", `
name = hello
version = 1.0
source = hello-1.0.tar.gz
strip = no
`+extra)
	writeScript(t, dir, customBuildFileName, `
test -f configure || exit 1
echo built > built.txt
`)
	writeScript(t, dir, customInstallFileName, `
mkdir -p "$FORJA_STAGING/usr/bin" || exit 1
printf hi > "$FORJA_STAGING/usr/bin/hello" || exit 1
chmod 755 "$FORJA_STAGING/usr/bin/hello"
`)
	makeArchive(t, SourcesDir, "hello-1.0.tar.gz")
	return dir
}

func TestBuildDependencyGating(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	cfg := &Config{Values: map[string]string{}, DefaultStrip: true}

	dir := writeRecipe(t, "core", "needy", `
name = needy
version = 1.0
source = needy-1.0.tar.gz
depends = ghost zlib
`)

	err := pkgBuild(dir, db, cfg, UserExec)

	var unmet *UnmetDependenciesError
	require.ErrorAs(t, err, &unmet)
	assert.Equal(t, "needy", unmet.Name)
	assert.Equal(t, []string{"ghost", "zlib"}, unmet.Missing)

	// The precheck fires before any source work: nothing extracted or staged.
	entries, err := os.ReadDir(WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoDirExists(t, StagingDir)
}

func TestBuildDeployRoundTrip(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	cfg := &Config{Values: map[string]string{}, DefaultStrip: true}

	dir := helloRecipe(t, "")
	require.NoError(t, pkgBuild(dir, db, cfg, UserExec))

	// Deployed into the target root.
	data, err := os.ReadFile(filepath.Join(rootDir, "usr", "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	// Archive and digest land in BinDir.
	assert.FileExists(t, filepath.Join(BinDir, "hello-1.0.tar.zst"))
	assert.FileExists(t, filepath.Join(BinDir, "hello-1.0.tar.zst.b3"))

	// State store reflects the install.
	assert.True(t, db.IsInstalled("hello"))
	manifest, err := db.ReadManifest("hello")
	require.NoError(t, err)
	assert.Contains(t, manifest, "/usr/bin/hello")

	ver, _ := db.Get("hello", keyVersion)
	assert.Equal(t, "1.0", ver)
	cat, _ := db.Get("hello", keyCategory)
	assert.Equal(t, "core", cat)

	// Build log retained.
	assert.FileExists(t, filepath.Join(LogDir, "hello.log"))
}

func TestBuildIdempotentPathSet(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	cfg := &Config{Values: map[string]string{}, DefaultStrip: true}

	dir := helloRecipe(t, "")

	require.NoError(t, pkgBuild(dir, db, cfg, UserExec))
	first, err := db.ReadManifest("hello")
	require.NoError(t, err)

	require.NoError(t, pkgBuild(dir, db, cfg, UserExec))
	second, err := db.ReadManifest("hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestInstallRemoveRoundTrip(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	cfg := &Config{Values: map[string]string{}, DefaultStrip: true}

	hookMarker := filepath.Join(t.TempDir(), "hook-ran")
	dir := helloRecipe(t, "post_remove = cleanup\n")
	writeScript(t, dir, "cleanup", `printf "$1" > `+hookMarker+"\n")

	require.NoError(t, pkgBuild(dir, db, cfg, UserExec))
	require.FileExists(t, filepath.Join(rootDir, "usr", "bin", "hello"))

	// The hook was copied into the record at build time, so removal works
	// even after the recipe directory is gone.
	require.NoError(t, os.RemoveAll(dir))

	require.NoError(t, pkgRemove("hello", db, RootExec))

	assert.NoFileExists(t, filepath.Join(rootDir, "usr", "bin", "hello"))
	assert.NoDirExists(t, filepath.Join(rootDir, "usr", "bin"),
		"empty directories are removed children-first")
	assert.False(t, db.IsInstalled("hello"))
	_, err := db.ReadManifest("hello")
	require.ErrorIs(t, err, errManifestMissing)

	// Post-remove hook ran with the logical name as argument.
	data, err := os.ReadFile(hookMarker)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRemoveNotInstalledIsNoOp(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	require.NoError(t, pkgRemove("ghost", db, RootExec))
}

func TestRemoveManifestMissing(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)

	// Installed marker without a manifest signals state corruption.
	require.NoError(t, db.MarkInstalled("broken", "broken"))
	err := pkgRemove("broken", db, RootExec)
	require.ErrorIs(t, err, errManifestMissing)
}

func TestRemoveLeavesNonEmptyDirs(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)

	shared := filepath.Join(rootDir, "opt", "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "mine"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "other-package-file"), []byte("y"), 0o644))

	require.NoError(t, db.WriteManifest("pkg", []string{"/opt/", "/opt/shared/", "/opt/shared/mine"}))
	require.NoError(t, db.MarkInstalled("pkg", "pkg"))

	require.NoError(t, pkgRemove("pkg", db, RootExec))

	assert.NoFileExists(t, filepath.Join(shared, "mine"))
	assert.FileExists(t, filepath.Join(shared, "other-package-file"))
	assert.DirExists(t, shared, "non-empty directories are left behind")
}

func TestToolchainPhaseStopsAtStaging(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	cfg := &Config{Values: map[string]string{}, DefaultStrip: true}

	rootBefore := treePaths(t, rootDir)

	dir := helloRecipe(t, "phase = toolchain\n")
	require.NoError(t, pkgBuild(dir, db, cfg, UserExec))

	// Marked installed, but no archive and no target-root change.
	assert.True(t, db.IsInstalled("hello"))
	entries, err := os.ReadDir(BinDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "toolchain builds produce no package archive")

	rootAfter := treePaths(t, rootDir)
	var filtered []string
	for _, p := range rootAfter {
		if !contains(rootBefore, p) && !isStateDBPath(p) {
			filtered = append(filtered, p)
		}
	}
	assert.Empty(t, filtered, "target root file-set unchanged outside the state store")

	// The staged tree is the result; the recorded manifest claims no
	// target-root paths.
	assert.FileExists(t, filepath.Join(StagingDir, "usr", "bin", "hello"))
	manifest, err := db.ReadManifest("hello")
	require.NoError(t, err)
	assert.Empty(t, manifest)
}

func TestRemoveToolchainPackageLeavesTargetRoot(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	cfg := &Config{Values: map[string]string{}, DefaultStrip: true}

	// A regular package owns /usr/bin/hello in the target root.
	require.NoError(t, pkgBuild(helloRecipe(t, ""), db, cfg, UserExec))
	deployed := filepath.Join(rootDir, "usr", "bin", "hello")
	require.FileExists(t, deployed)

	// A toolchain recipe stages the same path but deploys nothing.
	passDir := writeRecipe(t, "core", "hello-pass1", `
name = hello-pass1
version = 1.0
source = hello-pass1-1.0.tar.gz
phase = toolchain
strip = no
`)
	writeScript(t, passDir, customBuildFileName, "true\n")
	writeScript(t, passDir, customInstallFileName, `
mkdir -p "$FORJA_STAGING/usr/bin" || exit 1
printf pass1 > "$FORJA_STAGING/usr/bin/hello"
`)
	makeArchive(t, SourcesDir, "hello-pass1-1.0.tar.gz")
	require.NoError(t, pkgBuild(passDir, db, cfg, UserExec))

	// Removing the toolchain package must not touch files another
	// package deployed.
	require.NoError(t, pkgRemove("hello-pass1", db, RootExec))
	assert.False(t, db.IsInstalled("hello-pass1"))
	data, err := os.ReadFile(deployed)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestDeployRunsUnderRootExecutor(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)

	staging := filepath.Join(t.TempDir(), "staging")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "usr", "bin", "tool"), []byte("bin"), 0o755))

	// The build-side executor is dead; only the root executor can run
	// commands. Deployment must still land in the target root.
	canceledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	buildExec := &Executor{Context: canceledCtx}

	bctx := &buildContext{
		recipe:  testRecipe("tool"),
		staging: staging,
	}
	require.NoError(t, packageAndDeploy(bctx, db, buildExec))
	assert.FileExists(t, filepath.Join(rootDir, "usr", "bin", "tool"))
	assert.True(t, db.IsInstalled("tool"))
}

func TestConfigureSkipIsLogged(t *testing.T) {
	setupTestEnv(t)

	logFile, err := os.CreateTemp(t.TempDir(), "build-*.log")
	require.NoError(t, err)
	defer logFile.Close()

	recipe := testRecipe("plain")
	recipe.Configure = "./configure"

	bctx := &buildContext{
		recipe:  recipe,
		srcDir:  t.TempDir(), // no configure script
		logFile: logFile,
	}
	require.NoError(t, runConfigure(bctx, UserExec))

	data, err := os.ReadFile(logFile.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "no configure script found")
}

func TestBuildFailureReportsLog(t *testing.T) {
	setupTestEnv(t)
	db := newStateDB(Installed)
	cfg := &Config{Values: map[string]string{}, DefaultStrip: true}

	dir := writeRecipe(t, "core", "broken", `
name = broken
version = 1.0
source = broken-1.0.tar.gz
strip = no
`)
	writeScript(t, dir, customBuildFileName, "echo doomed\nexit 3\n")
	makeArchive(t, SourcesDir, "broken-1.0.tar.gz")

	err := pkgBuild(dir, db, cfg, UserExec)
	require.ErrorIs(t, err, errBuildFailed)
	assert.Contains(t, err.Error(), LogDir)
	assert.False(t, db.IsInstalled("broken"))
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func isStateDBPath(p string) bool {
	return p == "/var/" || p == "/var/db/" || strings.HasPrefix(p, "/var/db/forja/")
}
