package forja

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// StateDB is the persistent per-package metadata store. One directory per
// logical name, one file per key. Writes go through writeKeyAtomic so a
// partially written record is never visible.
type StateDB struct {
	Dir string
}

const (
	keyArtifact   = "artifact"
	keyCategory   = "category"
	keyVersion    = "version"
	keyInstalled  = "installed"
	keyManifest   = "manifest"
	keyPostRemove = "post-remove"
	keyDepends    = "depends"
)

func newStateDB(dir string) *StateDB {
	return &StateDB{Dir: dir}
}

func (db *StateDB) recordDir(name string) string {
	return filepath.Join(db.Dir, name)
}

// Get returns the stored value for a key, or "" and false when absent.
func (db *StateDB) Get(name, key string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(db.recordDir(name), key))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(data), "\n"), true
}

// Set replaces the value of one key within the name's record.
func (db *StateDB) Set(name, key, value string) error {
	return db.writeKeyAtomic(name, key, value+"\n")
}

// writeKeyAtomic writes to a temp file in the record directory and renames
// it into place. rename(2) within one directory is atomic on POSIX.
func (db *StateDB) writeKeyAtomic(name, key, content string) error {
	dir := db.recordDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record dir for %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, "."+key+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, key)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// MarkInstalled writes the installation timestamp and the resolved artifact id.
func (db *StateDB) MarkInstalled(name, artifact string) error {
	if err := db.Set(name, keyArtifact, artifact); err != nil {
		return err
	}
	return db.Set(name, keyInstalled, time.Now().Format(time.RFC3339))
}

// MarkUninstalled deletes the install marker and the manifest. Other keys
// are retained so `info` stays useful after removal; the next rebuild
// overwrites them.
func (db *StateDB) MarkUninstalled(name string) error {
	dir := db.recordDir(name)
	for _, key := range []string{keyInstalled, keyManifest} {
		if err := os.Remove(filepath.Join(dir, key)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (db *StateDB) IsInstalled(name string) bool {
	return fileExists(filepath.Join(db.recordDir(name), keyInstalled))
}

// ListInstalled returns the sorted logical names with an install marker.
func (db *StateDB) ListInstalled() ([]string, error) {
	entries, err := os.ReadDir(db.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && db.IsInstalled(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// WriteManifest persists the ordered path list for a name, one absolute
// path per line.
func (db *StateDB) WriteManifest(name string, paths []string) error {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return db.writeKeyAtomic(name, keyManifest, b.String())
}

// ReadManifest returns the recorded path list, or errManifestMissing when
// no manifest is on record.
func (db *StateDB) ReadManifest(name string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(db.recordDir(name), keyManifest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no manifest recorded for %s", errManifestMissing, name)
		}
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// ClearRecord removes the whole record directory for a name.
func (db *StateDB) ClearRecord(name string) error {
	return os.RemoveAll(db.recordDir(name))
}

// Records returns every logical name with a record directory, installed
// or not, sorted.
func (db *StateDB) Records() ([]string, error) {
	entries, err := os.ReadDir(db.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
