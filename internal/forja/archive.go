package forja

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

type archiveFormat int

const (
	formatTarGz archiveFormat = iota
	formatTarBz2
	formatTarXz
	formatTarZst
	formatTar
	formatZip
)

// detectFormat dispatches on file extension only. Content sniffing is out;
// a mislabeled archive fails at read time instead.
func detectFormat(path string) (archiveFormat, error) {
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		return formatTarGz, nil
	case strings.HasSuffix(path, ".tar.bz2"):
		return formatTarBz2, nil
	case strings.HasSuffix(path, ".tar.xz"):
		return formatTarXz, nil
	case strings.HasSuffix(path, ".tar.zst"):
		return formatTarZst, nil
	case strings.HasSuffix(path, ".tar"):
		return formatTar, nil
	case strings.HasSuffix(path, ".zip"):
		return formatZip, nil
	default:
		return 0, fmt.Errorf("%w: %s", errUnsupportedFormat, filepath.Base(path))
	}
}

// extractArchive extracts an archive into dest. The top-level layout of the
// archive is preserved; the build pipeline picks the source root afterwards
// (see sourceRoot). System tar is preferred for speed, with pure-Go readers
// as the fallback.
func extractArchive(archivePath, dest string, logWriter io.Writer) error {
	format, err := detectFormat(archivePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction dir %s: %w", dest, err)
	}

	if format == formatZip {
		return unzipGo(archivePath, dest)
	}

	if logWriter == nil {
		logWriter = os.Stderr
	}

	if _, err := exec.LookPath("tar"); err == nil {
		cmd := exec.Command("tar", "xf", archivePath, "-C", dest)
		cmd.Stdout = logWriter
		cmd.Stderr = logWriter
		if err := cmd.Run(); err == nil {
			debugf("Used system tar for %s\n", archivePath)
			return nil
		}
		debugf("system tar failed on %s, using internal extraction\n", archivePath)
	}

	return extractTarGo(archivePath, dest, format)
}

// extractTarGo extracts a tar archive (with possible compression) using the
// pure-Go readers, handling PAX headers and preserving timestamps.
func extractTarGo(archivePath, dest string, format archiveFormat) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case formatTarGz:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", archivePath, err)
		}
		defer gz.Close()
		r = gz
	case formatTarBz2:
		r = bzip2.NewReader(f)
	case formatTarXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", archivePath, err)
		}
		r = xzr
	case formatTarZst:
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", archivePath, err)
		}
		defer zst.Close()
		r = zst
	case formatTar:
		// No compression
	default:
		return fmt.Errorf("%w: %s", errUnsupportedFormat, filepath.Base(archivePath))
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", archivePath, err)
			}
			continue
		}

		targetPath := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(targetPath, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
			_ = os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime)
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			_ = os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime)
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(targetPath, hdr.Uid, hdr.Gid)
			}
			atime := unix.Timeval{
				Sec:  hdr.AccessTime.Unix(),
				Usec: int64(hdr.AccessTime.Nanosecond() / 1000),
			}
			mtime := unix.Timeval{
				Sec:  hdr.ModTime.Unix(),
				Usec: int64(hdr.ModTime.Nanosecond() / 1000),
			}
			if err := unix.Lutimes(targetPath, []unix.Timeval{atime, mtime}); err != nil {
				debugf("Warning: failed to set times for symlink %s: %v (continuing)\n", targetPath, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}

func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath := filepath.Join(dest, f.Name)

		// Prevent zip-slip path traversal.
		if !strings.HasPrefix(fpath, dest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, os.ModePerm); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// sourceRoot picks the directory the build runs in after extraction: the
// recipe's subdir override when it exists, otherwise the single top-level
// entry (first lexical entry if the archive produced several).
func sourceRoot(extractDir, subdirOverride string) (string, error) {
	if subdirOverride != "" {
		candidate := filepath.Join(extractDir, subdirOverride)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		// Flat archive; build in the extraction dir itself.
		return extractDir, nil
	}
	sort.Strings(dirs)
	return filepath.Join(extractDir, dirs[0]), nil
}

// haveSystemZstdTar reports whether tar --zstd can work here; GNU tar
// shells out to the zstd binary for that flag.
func haveSystemZstdTar() bool {
	if _, err := exec.LookPath("tar"); err != nil {
		return false
	}
	_, err := exec.LookPath("zstd")
	return err == nil
}

// createPackageTarball archives outputDir into BinDir as <artifact>-<version>.tar.zst
// rooted at /. Entries are root-owned regardless of the invoking user: system
// tar gets --owner/--group flags, the pure-Go fallback forces the header fields.
func createPackageTarball(artifact, version, outputDir string, execCtx *Executor) (string, error) {
	if err := os.MkdirAll(BinDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create package dir: %w", err)
	}

	tarballPath := filepath.Join(BinDir, fmt.Sprintf("%s-%s.tar.zst", artifact, version))

	// --- Try system tar first ---
	if haveSystemZstdTar() {
		args := []string{"--zstd", "-cf", tarballPath, "-C", outputDir,
			"--owner=0", "--group=0", "--numeric-owner", "."}
		tarCmd := exec.Command("tar", args...)
		debugf("Creating package tarball with system tar: %s\n", tarballPath)
		if err := execCtx.Run(tarCmd); err == nil {
			return tarballPath, nil
		}
		// fall through to internal if tar fails
	}

	debugf("Falling back to internal tar+zstd for %s\n", tarballPath)

	outFile, err := os.Create(tarballPath)
	if err != nil {
		return "", fmt.Errorf("failed to create tarball file: %w", err)
	}
	defer outFile.Close()

	zw, err := zstd.NewWriter(outFile)
	if err != nil {
		return "", fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	err = filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}

		if rel == "." {
			hdr.Name = "./"
			hdr.Mode = 0o755
		} else {
			hdr.Name = rel
		}

		// Package archives must be portably root-owned.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if rel == "." || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to add files to tarball: %w", err)
	}
	return tarballPath, nil
}

// unpackTarball extracts a .tar.zst package over dest via system tar, with
// the pure-Go reader only when tar is not installed. A system tar failure
// here is a real deploy failure (bad permissions, full disk) and must not
// be retried as the invoking user.
func unpackTarball(tarballPath, dest string, execCtx *Executor) error {
	if !haveSystemZstdTar() {
		return unpackTarballFallback(tarballPath, dest)
	}
	cmd := exec.Command("tar", "--zstd", "-xf", tarballPath, "-C", dest)
	return execCtx.Run(cmd)
}

// unpackTarballFallback extracts a .tar.zst into dest using pure-Go.
func unpackTarballFallback(tarballPath, dest string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return fmt.Errorf("open tarball: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		target := filepath.Join(dest, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(target, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
			if os.Geteuid() == 0 {
				_ = os.Chown(target, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(target, hdr.Uid, hdr.Gid)
			}
		}
	}
	return nil
}
