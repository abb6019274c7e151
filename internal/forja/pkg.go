package forja

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// packageAndDeploy archives the staged tree, extracts the archive over the
// target root, records the actual-target manifest, and marks the package
// installed. A deploy failure leaves the package not marked installed; a
// half-deployed target root is possible and is a known limitation.
func packageAndDeploy(bctx *buildContext, db *StateDB, execCtx *Executor) error {
	recipe := bctx.recipe

	tarballPath, err := createPackageTarball(recipe.Artifact, recipe.Version, bctx.staging, execCtx)
	if err != nil {
		return fmt.Errorf("%w: %s: packaging: %v", errDeployFailed, recipe.Name, err)
	}
	colArrow.Print("-> ")
	cPrintf(colSuccess, "Package created: %s\n", tarballPath)

	if err := writeDigest(tarballPath); err != nil {
		debugf("Warning: failed to write package digest: %v\n", err)
	}

	// Deployment writes into the target root and must go through the
	// elevated executor; the build-side executor stays unprivileged.
	if err := deployTarball(tarballPath, rootDir, RootExec); err != nil {
		return fmt.Errorf("%w: %s: %v", errDeployFailed, recipe.Name, err)
	}

	// The manifest persisted is what actually landed in the target root:
	// the archive's own entry list, not the pre-packaging staged snapshot.
	manifest, err := listTarballPaths(tarballPath)
	if err != nil {
		return fmt.Errorf("%w: %s: reading back archive: %v", errDeployFailed, recipe.Name, err)
	}
	if err := db.WriteManifest(recipe.Name, manifest); err != nil {
		return err
	}
	return db.MarkInstalled(recipe.Name, recipe.Artifact)
}

// deployTarball extracts a package archive over the target root. The deploy
// phase is the critical section for signal handling: an interrupt here would
// leave a half-written root.
func deployTarball(tarballPath, targetRoot string, execCtx *Executor) error {
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := os.MkdirAll(targetRoot, 0o755); err != nil {
		cmd := exec.Command("mkdir", "-p", targetRoot)
		if rerr := RootExec.Run(cmd); rerr != nil {
			return fmt.Errorf("failed to create target root %s: %w", targetRoot, err)
		}
	}
	return unpackTarball(tarballPath, targetRoot, execCtx)
}

// listTarballPaths returns the archive's entries as manifest paths: leading
// "/", directories with a trailing "/", sorted.
func listTarballPaths(tarballPath string) ([]string, error) {
	f, err := os.Open(tarballPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var paths []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(filepath.Clean(hdr.Name), "./")
		name = strings.TrimPrefix(name, "/")
		if name == "" || name == "." {
			continue
		}
		entry := "/" + name
		if hdr.Typeflag == tar.TypeDir {
			entry += "/"
		}
		paths = append(paths, entry)
	}
	sort.Strings(paths)
	return paths, nil
}

// writeDigest writes a BLAKE3 digest file next to the package archive.
func writeDigest(tarballPath string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	digest := fmt.Sprintf("%x  %s\n", h.Sum(nil), filepath.Base(tarballPath))
	return os.WriteFile(tarballPath+".b3", []byte(digest), 0o644)
}
