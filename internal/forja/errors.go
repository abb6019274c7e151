package forja

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced to the CLI. Stage failures wrap one of these with %w
// so callers can classify with errors.Is without parsing messages.
var (
	errInvalidRecipe     = errors.New("invalid recipe")
	errSourceNotFound    = errors.New("source not found")
	errDownloadFailed    = errors.New("download failed")
	errUnsupportedFormat = errors.New("unsupported archive format")
	errToolMissing       = errors.New("required tool missing")
	errPatchNotFound     = errors.New("patch not found")
	errPatchRejected     = errors.New("patch rejected")
	errBuildFailed       = errors.New("build failed")
	errDeployFailed      = errors.New("deploy failed")
	errManifestMissing   = errors.New("manifest missing")
)

// UnmetDependenciesError aborts a build before any source work happens.
type UnmetDependenciesError struct {
	Name    string
	Missing []string
}

func (e *UnmetDependenciesError) Error() string {
	return fmt.Sprintf("%s: unmet dependencies: %s", e.Name, strings.Join(e.Missing, ", "))
}

// UnresolvedRecipe is one queue leftover after rebuild-all reaches fixpoint.
type UnresolvedRecipe struct {
	Name    string
	Missing []string
}

// UnresolvedError reports every recipe the scheduler could not build,
// with the dependency names that kept it queued. Cycles show up here as
// recipes whose missing deps are themselves unresolved.
type UnresolvedError struct {
	Remaining []UnresolvedRecipe
}

func (e *UnresolvedError) Error() string {
	var b strings.Builder
	b.WriteString("unresolved recipes:")
	for _, r := range e.Remaining {
		fmt.Fprintf(&b, "\n  %s (waiting on: %s)", r.Name, strings.Join(r.Missing, ", "))
	}
	return b.String()
}
