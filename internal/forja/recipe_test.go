package forja

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRecipeDefaults(t *testing.T) {
	setupTestEnv(t)

	dir := writeRecipe(t, "core", "zlib", `
# compression library
name = zlib
version = 1.3.1
source = zlib-1.3.1.tar.gz
`)

	r, err := loadRecipe(dir)
	require.NoError(t, err)

	assert.Equal(t, "zlib", r.Name)
	assert.Equal(t, "1.3.1", r.Version)
	assert.Equal(t, "zlib", r.Artifact, "artifact defaults to the logical name")
	assert.Equal(t, "core", r.Category, "category falls back to the repo layout")
	assert.Equal(t, "./configure", r.Configure)
	assert.Equal(t, "make", r.Make)
	assert.True(t, r.Strip)
	assert.Empty(t, r.Phase)
	assert.Empty(t, r.Patches)
	assert.Empty(t, r.Depends)
	assert.False(t, r.HasCustomBuild)
	assert.False(t, r.HasCustomInstall)
}

func TestLoadRecipeOverrides(t *testing.T) {
	setupTestEnv(t)

	dir := writeRecipe(t, "toolchain", "gcc-pass1", `
name = gcc
version = 14.2.0
artifact = gcc-pass1
category = bootstrap
phase = toolchain
source = https://example.org/gcc-14.2.0.tar.xz
patches = gcc-pure64.patch gcc-fixinc.patch
depends = binutils mpfr gmp
subdir = gcc-14.2.0
configure_args = --disable-nls --without-headers
strip = no
post_remove = cleanup.sh
`)
	writeScript(t, dir, customBuildFileName, "exit 0\n")
	writeScript(t, dir, customInstallFileName, "exit 0\n")

	r, err := loadRecipe(dir)
	require.NoError(t, err)

	assert.Equal(t, "gcc", r.Name)
	assert.Equal(t, "gcc-pass1", r.Artifact, "artifact override wins")
	assert.Equal(t, "bootstrap", r.Category)
	assert.Equal(t, phaseToolchain, r.Phase)
	assert.Equal(t, []string{"gcc-pure64.patch", "gcc-fixinc.patch"}, r.Patches)
	assert.Equal(t, []string{"binutils", "gmp", "mpfr"}, r.Depends, "depends are sorted")
	assert.Equal(t, "gcc-14.2.0", r.Subdir)
	assert.False(t, r.Strip)
	assert.True(t, r.HasCustomBuild)
	assert.True(t, r.HasCustomInstall)
}

func TestLoadRecipeInvalid(t *testing.T) {
	setupTestEnv(t)

	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "version = 1.0\nsource = a.tar.gz\n"},
		{"missing version", "name = foo\nsource = a.tar.gz\n"},
		{"malformed line", "name = foo\nversion 1.0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeRecipe(t, "core", "broken-"+tt.name, tt.content)
			_, err := loadRecipe(dir)
			require.ErrorIs(t, err, errInvalidRecipe)
		})
	}
}

func TestLoadRecipeMissingFile(t *testing.T) {
	setupTestEnv(t)
	_, err := loadRecipe(filepath.Join(RepoDir, "nonexistent"))
	require.ErrorIs(t, err, errInvalidRecipe)
}

func TestLoadRecipePerformsNoWrites(t *testing.T) {
	setupTestEnv(t)

	dir := writeRecipe(t, "core", "bad", "source = a.tar.gz\n")
	before := treePaths(t, RepoDir)

	_, err := loadRecipe(dir)
	require.ErrorIs(t, err, errInvalidRecipe)

	assert.Equal(t, before, treePaths(t, RepoDir))
}

func TestFindRecipeDir(t *testing.T) {
	setupTestEnv(t)

	dir := writeRecipe(t, "core", "zlib", "name = zlib\nversion = 1.3\nsource = z.tar.gz\n")

	got, err := findRecipeDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	got, err = findRecipeDir("core/zlib")
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	got, err = findRecipeDir("zlib")
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = findRecipeDir("no-such-package")
	require.ErrorIs(t, err, errInvalidRecipe)
}

func TestFindAllRecipes(t *testing.T) {
	setupTestEnv(t)

	writeRecipe(t, "core", "zlib", "name = zlib\nversion = 1.3\nsource = z.tar.gz\n")
	writeRecipe(t, "core", "bash", "name = bash\nversion = 5.2\nsource = b.tar.gz\n")
	writeRecipe(t, "extra", "vim", "name = vim\nversion = 9.1\nsource = v.tar.gz\n")
	// A directory without a recipe file is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(RepoDir, "core", "empty"), 0o755))

	recipes, err := findAllRecipes()
	require.NoError(t, err)
	require.Len(t, recipes, 3)
	assert.Equal(t, "bash", recipes[0].Name)
	assert.Equal(t, "vim", recipes[2].Name, "pass order is sorted by name")
}
