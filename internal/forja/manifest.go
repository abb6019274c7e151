package forja

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// generateManifest walks a staged tree and returns every file, symlink, and
// directory path it contains, rewritten as absolute target-root paths
// (leading "/", directories with a trailing "/"), sorted lexically so two
// builds of the same tree produce the same manifest.
func generateManifest(stagedDir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(stagedDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stagedDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		entry := "/" + filepath.ToSlash(rel)
		if d.IsDir() {
			entry += "/"
		}
		paths = append(paths, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk staged tree %s: %w", stagedDir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// manifestFilePath resolves a manifest entry against a target root.
func manifestFilePath(root, entry string) string {
	return filepath.Join(root, strings.TrimSuffix(entry, "/"))
}

// writeManifestFile writes a manifest path list to an arbitrary file,
// used for the diagnostic staged manifest kept next to the build log.
func writeManifestFile(path string, entries []string) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
