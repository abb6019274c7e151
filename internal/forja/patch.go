package forja

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// applyPatches applies the recipe's patch list in order against sourceDir,
// each as a unified diff with one leading path component stripped. The first
// failure aborts the rest; a recipe is either fully patched or failed.
func applyPatches(recipe *Recipe, sourceDir string, logWriter io.Writer) error {
	if len(recipe.Patches) == 0 {
		return nil
	}

	if _, err := exec.LookPath("patch"); err != nil {
		return fmt.Errorf("%w: patch", errToolMissing)
	}

	for _, name := range recipe.Patches {
		patchPath, err := resolvePatch(name, recipe.Dir)
		if err != nil {
			return err
		}

		debugf("Applying %s\n", patchPath)
		f, err := os.Open(patchPath)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errPatchNotFound, patchPath, err)
		}

		cmd := exec.Command("patch", "-p1")
		cmd.Dir = sourceDir
		cmd.Stdin = f
		cmd.Stdout = logWriter
		cmd.Stderr = logWriter
		err = cmd.Run()
		f.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errPatchRejected, name, err)
		}
	}
	return nil
}

// resolvePatch looks a patch name up in the sources directory, then in the
// recipe directory, then as a literal path.
func resolvePatch(name, recipeDir string) (string, error) {
	candidates := []string{
		filepath.Join(SourcesDir, name),
		filepath.Join(recipeDir, name),
		name,
	}
	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errPatchNotFound, name)
}
