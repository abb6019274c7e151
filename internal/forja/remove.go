package forja

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Directories that must survive any removal, no matter what a manifest says.
var protectedDirs = map[string]bool{
	"/":     true,
	"/bin":  true,
	"/boot": true,
	"/dev":  true,
	"/etc":  true,
	"/lib":  true,
	"/proc": true,
	"/root": true,
	"/sbin": true,
	"/sys":  true,
	"/usr":  true,
	"/var":  true,
}

// pkgRemove reverses an installation: walks the recorded manifest in reverse
// order (children before the directories that contain them), removes what is
// present, runs the post-removal hook, and clears the install marker.
func pkgRemove(name string, db *StateDB, execCtx *Executor) error {
	if !db.IsInstalled(name) {
		cPrintf(colWarn, "Package %s is not installed, nothing to do\n", name)
		return nil
	}

	manifest, err := db.ReadManifest(name)
	if err != nil {
		return err
	}

	warnReverseDepends(name, db)

	colArrow.Print("-> ")
	cPrintf(colSuccess, "Removing %s\n", name)

	// Reverse order: manifests are sorted lexically, so walking backwards
	// visits every file before its parent directory.
	for i := len(manifest) - 1; i >= 0; i-- {
		entry := manifest[i]
		target := manifestFilePath(rootDir, entry)

		if protectedDirs[filepath.Clean("/"+strings.TrimPrefix(target, rootDir))] {
			continue
		}

		info, err := os.Lstat(target)
		if err != nil {
			continue // already gone
		}

		if strings.HasSuffix(entry, "/") || info.IsDir() {
			// Directories only when already empty; siblings from other
			// packages keep them alive.
			if err := os.Remove(target); err != nil {
				if os.IsPermission(err) {
					cmd := exec.Command("rmdir", target)
					cmd.Stderr = io.Discard
					_ = execCtx.Run(cmd)
				}
			}
			continue
		}

		if err := os.Remove(target); err != nil {
			if os.IsPermission(err) {
				cmd := exec.Command("rm", "-f", target)
				if rerr := execCtx.Run(cmd); rerr != nil {
					return fmt.Errorf("failed to remove %s: %w", target, rerr)
				}
				continue
			}
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
	}

	runPostRemoveHook(name, db)

	if err := db.MarkUninstalled(name); err != nil {
		return err
	}

	colArrow.Print("-> ")
	cPrintf(colSuccess, "%s removed\n", name)
	return nil
}

// runPostRemoveHook invokes the recorded post-removal hook with the logical
// name as argument. Hook failures are logged and swallowed.
func runPostRemoveHook(name string, db *StateDB) {
	hook, ok := db.Get(name, keyPostRemove)
	if !ok || hook == "" {
		return
	}
	if !isExecutable(hook) {
		debugf("post-remove hook %s not executable, skipping\n", hook)
		return
	}
	cmd := exec.Command(hook, name)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		cPrintf(colWarn, "post-remove hook for %s failed: %v\n", name, err)
	}
}

// warnReverseDepends scans the other installed records for dependencies on
// name. Removal proceeds regardless; the warning is informational.
func warnReverseDepends(name string, db *StateDB) {
	installed, err := db.ListInstalled()
	if err != nil {
		return
	}
	var dependents []string
	for _, other := range installed {
		if other == name {
			continue
		}
		deps, ok := db.Get(other, keyDepends)
		if !ok {
			continue
		}
		for _, dep := range strings.Fields(deps) {
			if dep == name {
				dependents = append(dependents, other)
				break
			}
		}
	}
	if len(dependents) > 0 {
		cPrintf(colWarn, "Warning: %s is required by: %s\n", name, strings.Join(dependents, ", "))
	}
}
