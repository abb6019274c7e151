package forja

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Recipe is the parsed, validated form of one package descriptor.
// Immutable once loaded.
type Recipe struct {
	Name     string
	Version  string
	Category string
	Phase    string // "toolchain" marks bootstrap builds that are never packaged/deployed
	Artifact string // defaults to Name
	Source   string // URL or filename relative to SourcesDir
	Patches  []string
	Depends  []string
	Subdir   string // extracted subdirectory override

	Configure     string
	ConfigureArgs string
	Make          string
	MakeArgs      string
	InstallArgs   string
	Strip         bool
	PostRemove    string

	// Custom build/install scripts next to the recipe file. Detected by
	// stat only; loading a recipe never executes anything.
	HasCustomBuild   bool
	HasCustomInstall bool

	Dir string // directory the descriptor was loaded from
}

const (
	phaseToolchain = "toolchain"

	recipeFileName        = "recipe"
	customBuildFileName   = "build"
	customInstallFileName = "install"
)

// loadRecipe parses <dir>/recipe into a Recipe, applying defaults for every
// optional field. Missing name or version is an invalid recipe.
func loadRecipe(dir string) (*Recipe, error) {
	path := filepath.Join(dir, recipeFileName)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", errInvalidRecipe, path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %s:%d: not a key=value assignment", errInvalidRecipe, path, lineNo)
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errInvalidRecipe, path, err)
	}

	r := &Recipe{
		Name:          values["name"],
		Version:       values["version"],
		Category:      values["category"],
		Phase:         values["phase"],
		Artifact:      values["artifact"],
		Source:        values["source"],
		Subdir:        values["subdir"],
		Configure:     values["configure"],
		ConfigureArgs: values["configure_args"],
		Make:          values["make"],
		MakeArgs:      values["make_args"],
		InstallArgs:   values["install_args"],
		PostRemove:    values["post_remove"],
		Strip:         true,
		Dir:           dir,
	}

	if r.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing name", errInvalidRecipe, path)
	}
	if r.Version == "" {
		return nil, fmt.Errorf("%w: %s: missing version", errInvalidRecipe, path)
	}

	if r.Artifact == "" {
		r.Artifact = r.Name
	}
	if r.Category == "" {
		// Grouping tag falls back to the repo layout: <repo>/<category>/<name>.
		r.Category = filepath.Base(filepath.Dir(dir))
	}
	if r.Configure == "" {
		r.Configure = "./configure"
	}
	if r.Make == "" {
		r.Make = "make"
	}
	if v, ok := values["strip"]; ok && (v == "0" || strings.EqualFold(v, "no") || strings.EqualFold(v, "false")) {
		r.Strip = false
	}

	r.Patches = strings.Fields(values["patches"])
	r.Depends = strings.Fields(values["depends"])
	sort.Strings(r.Depends)

	r.HasCustomBuild = isExecutable(filepath.Join(dir, customBuildFileName))
	r.HasCustomInstall = isExecutable(filepath.Join(dir, customInstallFileName))

	return r, nil
}

// findRecipeDir resolves a CLI argument to a recipe directory: an existing
// path is used directly, otherwise it is looked up under the repository root
// as <repo>/<category>/<name> or <repo>/<name>.
func findRecipeDir(arg string) (string, error) {
	if fileExists(filepath.Join(arg, recipeFileName)) {
		return arg, nil
	}
	if RepoDir != "" {
		candidate := filepath.Join(RepoDir, arg)
		if fileExists(filepath.Join(candidate, recipeFileName)) {
			return candidate, nil
		}
		matches, _ := filepath.Glob(filepath.Join(RepoDir, "*", arg, recipeFileName))
		if len(matches) > 0 {
			sort.Strings(matches)
			return filepath.Dir(matches[0]), nil
		}
	}
	return "", fmt.Errorf("%w: no recipe for %q under %s", errInvalidRecipe, arg, RepoDir)
}

// findAllRecipes walks the repository root and loads every directory that
// contains a recipe file, sorted by logical name for a fixed pass order.
func findAllRecipes() ([]*Recipe, error) {
	if RepoDir == "" {
		return nil, fmt.Errorf("%w: FORJA_REPO is not set", errInvalidRecipe)
	}
	matches, err := filepath.Glob(filepath.Join(RepoDir, "*", "*", recipeFileName))
	if err != nil {
		return nil, err
	}
	flat, err := filepath.Glob(filepath.Join(RepoDir, "*", recipeFileName))
	if err != nil {
		return nil, err
	}
	matches = append(matches, flat...)

	var recipes []*Recipe
	seen := make(map[string]bool)
	for _, m := range matches {
		r, err := loadRecipe(filepath.Dir(m))
		if err != nil {
			return nil, err
		}
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		recipes = append(recipes, r)
	}
	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Name < recipes[j].Name })
	return recipes, nil
}
