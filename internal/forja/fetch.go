package forja

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Default handshake timeout is 10s; some upstream source hosts are slow.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

// resolveSource turns a recipe source reference into a local archive path.
// URL references are downloaded into the sources directory unless a file of
// the same basename is already cached; anything else is a filename relative
// to the sources directory. Downloader output is copied to logWriter when
// one is given.
func resolveSource(source string, logWriter io.Writer) (string, error) {
	if source == "" {
		return "", fmt.Errorf("%w: recipe has no source", errSourceNotFound)
	}

	if isURL(source) {
		dest := filepath.Join(SourcesDir, filepath.Base(source))
		if fileExists(dest) {
			debugf("Source %s already cached\n", dest)
			return dest, nil
		}
		if err := downloadFile(source, dest, logWriter); err != nil {
			return "", err
		}
		return dest, nil
	}

	local := source
	if !filepath.IsAbs(local) {
		local = filepath.Join(SourcesDir, source)
	}
	if !fileExists(local) {
		return "", fmt.Errorf("%w: %s", errSourceNotFound, local)
	}
	return local, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "ftp://")
}

// downloadFile downloads a URL into the sources cache. Tries curl, then
// wget, then a native Go HTTP client with bounded retries. A flock around
// the destination keeps concurrent invocations from clobbering each other;
// the lock file is cleaned up whether or not the download succeeded.
func downloadFile(url, destFile string, logWriter io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create sources directory: %w", err)
	}

	lockPath := destFile + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Blocks while another process downloads the same file.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire download lock: %w", err)
	}
	defer func() {
		_ = unix.Flock(int(lFile.Fd()), unix.LOCK_UN)
		_ = os.Remove(lockPath)
	}()

	// Double check now that we hold the lock; another invocation may have
	// finished the download while we waited.
	if fileExists(destFile) {
		debugf("File %s appeared after acquiring lock, skipping download\n", destFile)
		return nil
	}

	colArrow.Print("-> ")
	cPrintf(colSuccess, "Downloading %s\n", url)

	toolOut := io.Writer(os.Stdout)
	toolErr := io.Writer(os.Stderr)
	curlArgs := []string{"-L", "--fail", "-#", "-o", destFile, url}
	if logWriter != nil {
		toolOut = logWriter
		toolErr = logWriter
		// No terminal progress meter when output lands in a build log.
		curlArgs = []string{"-L", "--fail", "-sS", "-o", destFile, url}
	}

	// --- Primary choice: curl ---
	if _, err := exec.LookPath("curl"); err == nil {
		cmd := exec.Command("curl", curlArgs...)
		cmd.Stdout = toolOut
		cmd.Stderr = toolErr
		if err := cmd.Run(); err == nil {
			return nil
		}
		debugf("curl failed, falling back to wget\n")
	} else {
		debugf("curl not found, trying wget\n")
	}

	// --- Fallback 1: wget ---
	if _, err := exec.LookPath("wget"); err == nil {
		cmd := exec.Command("wget", "-nv", "-O", destFile, url)
		cmd.Stdout = toolOut
		cmd.Stderr = toolErr
		if err := cmd.Run(); err == nil {
			return nil
		}
		debugf("wget failed, falling back to native Go HTTP client\n")
	} else {
		debugf("wget not found, using native Go HTTP client\n")
	}

	// --- Fallback 2: native Go HTTP client with bounded retries ---
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	err = backoff.Retry(func() error {
		return httpDownload(url, destFile)
	}, policy)
	if err != nil {
		_ = os.Remove(destFile)
		return fmt.Errorf("%w: %s: %v", errDownloadFailed, url, err)
	}
	return nil
}

func httpDownload(url, destFile string) error {
	resp, err := newHTTPClient().Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client errors do not heal on retry.
			return backoff.Permanent(err)
		}
		return err
	}

	out, err := os.Create(destFile)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer out.Close()

	var w io.Writer = out
	if resp.ContentLength > 0 {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return err
	}
	return out.Close()
}
