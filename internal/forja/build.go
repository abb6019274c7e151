package forja

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// buildContext holds everything scoped to one build invocation. Never
// persisted; torn down at the end of the build unless KeepWork is set.
type buildContext struct {
	recipe  *Recipe
	workDir string // per-build extraction/work tree
	srcDir  string // resolved source root inside workDir
	staging string // shared staged-install tree, wiped before install
	logPath string
	logFile *os.File
}

// workSuffix derives a short unique suffix for the work directory.
func workSuffix(r *Recipe) string {
	h := blake3.New(32, nil)
	fmt.Fprintf(h, "%s-%s-%d", r.Name, r.Version, time.Now().UnixNano())
	return fmt.Sprintf("%x", h.Sum(nil))[:8]
}

// pkgBuild runs the full pipeline for one recipe directory: dependency
// precheck, fetch, extract, patch, build, staged install, strip, manifest
// snapshot, then packaging and deployment (or neither, for toolchain-phase
// recipes). Every stage failure is fatal to this single build.
func pkgBuild(recipeDir string, db *StateDB, cfg *Config, execCtx *Executor) error {
	recipe, err := loadRecipe(recipeDir)
	if err != nil {
		return err
	}
	return buildRecipe(recipe, db, cfg, execCtx)
}

func buildRecipe(recipe *Recipe, db *StateDB, cfg *Config, execCtx *Executor) error {
	// --- Stage 0: dependency precheck, before any source work ---
	var missing []string
	for _, dep := range recipe.Depends {
		if !db.IsInstalled(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &UnmetDependenciesError{Name: recipe.Name, Missing: missing}
	}

	colArrow.Print("-> ")
	cPrintf(colSuccess, "Building %s %s\n", recipe.Name, recipe.Version)

	bctx := &buildContext{
		recipe:  recipe,
		workDir: filepath.Join(WorkDir, fmt.Sprintf("%s-%s", recipe.Artifact, workSuffix(recipe))),
		staging: StagingDir,
	}
	if err := os.MkdirAll(bctx.workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	if err := os.MkdirAll(LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	bctx.logPath = filepath.Join(LogDir, recipe.Artifact+".log")
	logFile, err := os.OpenFile(bctx.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open build log: %w", err)
	}
	bctx.logFile = logFile
	defer bctx.logFile.Close()
	fmt.Fprintf(bctx.logFile, "=== %s %s (%s) %s ===\n",
		recipe.Name, recipe.Version, recipe.Artifact, time.Now().Format(time.RFC3339))

	if err := runPipeline(bctx, db, cfg, execCtx); err != nil {
		cPrintf(colError, "Build of %s failed, log retained at %s\n", recipe.Name, bctx.logPath)
		tailLog(bctx.logPath)
		return err
	}

	// Partial trees survive failures for debugging; only a fully successful
	// build removes its work dir.
	if !KeepWork {
		if err := os.RemoveAll(bctx.workDir); err != nil {
			cmd := exec.Command("rm", "-rf", bctx.workDir)
			_ = RootExec.Run(cmd)
		}
	}

	colArrow.Print("-> ")
	cPrintf(colSuccess, "%s %s installed\n", recipe.Name, recipe.Version)
	return nil
}

func runPipeline(bctx *buildContext, db *StateDB, cfg *Config, execCtx *Executor) error {
	recipe := bctx.recipe

	// --- Fetch ---
	archivePath, err := resolveSource(recipe.Source, bctx.logFile)
	if err != nil {
		return err
	}

	// --- Extract ---
	extractDir := filepath.Join(bctx.workDir, "src")
	if err := extractArchive(archivePath, extractDir, bctx.logFile); err != nil {
		return err
	}
	bctx.srcDir, err = sourceRoot(extractDir, recipe.Subdir)
	if err != nil {
		return err
	}

	// --- Patch ---
	if err := applyPatches(recipe, bctx.srcDir, bctx.logFile); err != nil {
		return err
	}

	// --- Staging must start empty: wipe and recreate before the install step ---
	if err := resetStaging(bctx.staging); err != nil {
		return err
	}

	// --- Configure + compile ---
	if recipe.HasCustomBuild {
		script := filepath.Join(recipe.Dir, customBuildFileName)
		if err := runBuildCommand(bctx, execCtx, script, ""); err != nil {
			return fmt.Errorf("%w: %s: custom build script: %v (see %s)", errBuildFailed, recipe.Name, err, bctx.logPath)
		}
	} else {
		if err := runConfigure(bctx, execCtx); err != nil {
			return fmt.Errorf("%w: %s: configure: %v (see %s)", errBuildFailed, recipe.Name, err, bctx.logPath)
		}
		makeCmd := strings.TrimSpace(recipe.Make + " " + recipe.MakeArgs)
		if err := runBuildCommand(bctx, execCtx, "", makeCmd); err != nil {
			return fmt.Errorf("%w: %s: %s: %v (see %s)", errBuildFailed, recipe.Name, recipe.Make, err, bctx.logPath)
		}
	}

	// --- Stage install ---
	if recipe.HasCustomInstall {
		script := filepath.Join(recipe.Dir, customInstallFileName)
		if err := runBuildCommand(bctx, execCtx, script, ""); err != nil {
			return fmt.Errorf("%w: %s: custom install script: %v (see %s)", errBuildFailed, recipe.Name, err, bctx.logPath)
		}
	} else {
		installArgs := recipe.InstallArgs
		if installArgs == "" {
			installArgs = "install"
		}
		installCmd := fmt.Sprintf("%s %s DESTDIR=%s", recipe.Make, installArgs, bctx.staging)
		if err := runBuildCommand(bctx, execCtx, "", installCmd); err != nil {
			return fmt.Errorf("%w: %s: install: %v (see %s)", errBuildFailed, recipe.Name, err, bctx.logPath)
		}
	}

	// --- Strip (best-effort) ---
	if recipe.Strip && cfg.DefaultStrip {
		_ = stripStaged(bctx.staging, execCtx)
	}

	// --- Staged manifest snapshot, kept next to the build log ---
	stagedManifest, err := generateManifest(bctx.staging)
	if err != nil {
		return err
	}
	if err := writeManifestFile(filepath.Join(LogDir, recipe.Artifact+".staged-manifest"), stagedManifest); err != nil {
		debugf("Warning: failed to write staged manifest: %v\n", err)
	}

	// --- Record shared metadata ---
	if err := recordMetadata(db, recipe); err != nil {
		return err
	}

	// --- Phase branch ---
	if recipe.Phase == phaseToolchain {
		// Toolchain builds stop at staging: nothing reaches the target
		// root, so the recorded manifest is empty and a later remove
		// touches no target-root paths. The staged file list is kept
		// next to the build log.
		if err := db.WriteManifest(recipe.Name, nil); err != nil {
			return err
		}
		return db.MarkInstalled(recipe.Name, recipe.Artifact)
	}

	return packageAndDeploy(bctx, db, execCtx)
}

func recordMetadata(db *StateDB, recipe *Recipe) error {
	if err := db.Set(recipe.Name, keyVersion, recipe.Version); err != nil {
		return err
	}
	if err := db.Set(recipe.Name, keyCategory, recipe.Category); err != nil {
		return err
	}
	if len(recipe.Depends) > 0 {
		if err := db.Set(recipe.Name, keyDepends, strings.Join(recipe.Depends, " ")); err != nil {
			return err
		}
	}
	if recipe.PostRemove != "" {
		hook := recipe.PostRemove
		if !filepath.IsAbs(hook) {
			hook = filepath.Join(recipe.Dir, hook)
		}
		// A private copy in the record keeps removal working after the
		// recipe directory moves or disappears.
		stored := filepath.Join(db.recordDir(recipe.Name), "post-remove.hook")
		if err := copyFile(hook, stored); err != nil {
			return fmt.Errorf("failed to store post-remove hook: %w", err)
		}
		if err := db.Set(recipe.Name, keyPostRemove, stored); err != nil {
			return err
		}
	}
	return nil
}

// resetStaging wipes and recreates the shared staging tree so no build sees
// leftovers from the previous one.
func resetStaging(staging string) error {
	if err := os.RemoveAll(staging); err != nil {
		cmd := exec.Command("rm", "-rf", staging)
		if rerr := RootExec.Run(cmd); rerr != nil {
			return fmt.Errorf("failed to wipe staging dir %s: %w", staging, err)
		}
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to recreate staging dir: %w", err)
	}
	return nil
}

// runConfigure invokes the recipe's configure command from the source root.
// The default in-tree ./configure is skipped when absent (plain-Makefile
// sources); an explicit configure command always runs. Scripts without the
// executable bit are interpreted via sh.
func runConfigure(bctx *buildContext, execCtx *Executor) error {
	recipe := bctx.recipe
	cmdStr := strings.TrimSpace(recipe.Configure + " " + recipe.ConfigureArgs)

	if recipe.Configure == "./configure" {
		script := filepath.Join(bctx.srcDir, "configure")
		if !fileExists(script) {
			// Expected for plain-Makefile sources, but worth a visible
			// trace when the archive is simply broken.
			cPrintf(colInfo, "No configure script in %s, skipping configure step\n", bctx.srcDir)
			if bctx.logFile != nil {
				fmt.Fprintf(bctx.logFile, "no configure script found in %s, configure step skipped\n", bctx.srcDir)
			}
			return nil
		}
		if !isExecutable(script) {
			cmdStr = strings.TrimSpace("sh configure " + recipe.ConfigureArgs)
		}
	}

	return runBuildCommand(bctx, execCtx, "", cmdStr)
}

// runBuildCommand executes either an external script or a shell command
// string from the source root, with the staging directory exposed through
// the environment and all output appended to the build log.
func runBuildCommand(bctx *buildContext, execCtx *Executor, script, cmdStr string) error {
	var cmd *exec.Cmd
	if script != "" {
		cmd = exec.Command(script)
	} else {
		cmd = exec.Command("sh", "-c", cmdStr)
	}
	cmd.Dir = bctx.srcDir
	cmd.Env = buildEnv(bctx)
	cmd.Stdout = bctx.logFile
	cmd.Stderr = bctx.logFile

	if script != "" {
		fmt.Fprintf(bctx.logFile, "+ %s\n", script)
	} else {
		fmt.Fprintf(bctx.logFile, "+ %s\n", cmdStr)
	}
	return execCtx.Run(cmd)
}

// buildEnv assembles the build environment: the caller's environment plus
// the pipeline's variables, appended in sorted order for determinism.
func buildEnv(bctx *buildContext) []string {
	extra := map[string]string{
		"DESTDIR":       bctx.staging,
		"FORJA_NAME":    bctx.recipe.Name,
		"FORJA_VERSION": bctx.recipe.Version,
		"FORJA_STAGING": bctx.staging,
		"FORJA_SRC":     bctx.srcDir,
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// tailLog echoes the end of a build log to the terminal.
func tailLog(logPath string) {
	cmd := exec.Command("tail", "-n", "20", logPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	_ = cmd.Run()
}
