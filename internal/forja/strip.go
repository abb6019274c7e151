package forja

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// stripStaged strips debug symbols from every executable ELF file under the
// staged tree. Stripping is an optimization: any failure to classify or
// strip a given file is a warning, never a build failure.
func stripStaged(stagedDir string, buildExec *Executor) error {
	if _, err := exec.LookPath("strip"); err != nil {
		debugf("strip not found, skipping symbol stripping\n")
		return nil
	}
	if _, err := exec.LookPath("file"); err != nil {
		debugf("file not found, skipping symbol stripping\n")
		return nil
	}

	colArrow.Print("-> ")
	cPrintln(colSuccess, "Stripping executables")

	// --- PHASE 1: discover executable ELF files via find + file ---
	shellCommand := fmt.Sprintf(
		"find %s -type f \\( -perm /u+x -o -perm /g+x -o -perm /o+x \\) -exec sh -c 'file -0 {} 2>/dev/null | grep -q ELF && printf \"%%s\\n\" {}' \\;",
		stagedDir,
	)

	var findOutput bytes.Buffer
	findCmd := exec.Command("sh", "-c", shellCommand)
	findCmd.Stdout = &findOutput
	findCmd.Stderr = io.Discard

	if err := buildExec.Run(findCmd); err != nil {
		debugf("Warning: ELF discovery failed: %v. Skipping stripping.\n", err)
		return nil
	}

	pathsRaw := strings.TrimSpace(findOutput.String())
	if pathsRaw == "" {
		debugf("No stripable ELF files found\n")
		return nil
	}
	paths := strings.Split(pathsRaw, "\n")

	// --- PHASE 2: strip concurrently, bounded ---
	var wg sync.WaitGroup
	maxConcurrency := runtime.GOMAXPROCS(0) * 4
	if maxConcurrency < 8 {
		maxConcurrency = 8
	}
	concurrencyLimit := make(chan struct{}, maxConcurrency)

	var failedMu sync.Mutex
	var failed int

	for _, path := range paths {
		if path == "" {
			continue
		}

		wg.Add(1)
		concurrencyLimit <- struct{}{}

		go func(p string) {
			defer wg.Done()
			defer func() { <-concurrencyLimit }()

			chmodWriteCmd := exec.Command("chmod", "u+w", p)
			chmodWriteCmd.Stderr = io.Discard
			if err := buildExec.Run(chmodWriteCmd); err != nil {
				debugf("Warning: failed to chmod +w %s: %v. Skipping strip for this file.\n", p, err)
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				return
			}

			debugf("  -> Stripping %s\n", p)
			stripCmd := exec.Command("strip", p)
			stripCmd.Stderr = io.Discard
			if err := buildExec.Run(stripCmd); err != nil {
				debugf("Warning: failed to strip %s: %v. Continuing with other files.\n", p, err)
				failedMu.Lock()
				failed++
				failedMu.Unlock()
			}
		}(path)
	}

	wg.Wait()

	if failed > 0 {
		debugf("Warning: %d file(s) failed to strip. Continuing.\n", failed)
	}
	return nil
}
