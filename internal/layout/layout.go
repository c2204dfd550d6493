// Package layout owns the on-disk names of every file under one artifact
// directory D and the only primitive allowed to write the tracked ones:
// write-to-temp-then-rename. The pattern is lifted straight from the
// teacher's daemon registry writer (internal/daemon/registry.go in the
// reference tree): create a sibling *.tmp in the same directory, Write,
// Sync, Close, then os.Rename over the final path so readers never observe
// a partial file.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// InternalDirName is the coordination subdirectory under every artifact
// directory D.
const InternalDirName = ".kiln"

// Dir is an artifact directory D. It is a thin value type: everything it
// names may or may not exist yet on disk.
type Dir struct {
	Root string
}

// New wraps an existing path. It does not touch the filesystem.
func New(path string) Dir { return Dir{Root: path} }

// Path returns D itself.
func (d Dir) Path() string { return d.Root }

// Internal returns D/.kiln.
func (d Dir) Internal() string { return filepath.Join(d.Root, InternalDirName) }

// StatePath returns D/.kiln/state.json.
func (d Dir) StatePath() string { return filepath.Join(d.Internal(), "state.json") }

// EventsPath returns D/.kiln/events.jsonl.
func (d Dir) EventsPath() string { return filepath.Join(d.Internal(), "events.jsonl") }

// SuccessMarkerPath returns D/.kiln/SUCCESS.json.
func (d Dir) SuccessMarkerPath() string { return filepath.Join(d.Internal(), "SUCCESS.json") }

// MetadataPath returns D/.kiln/metadata.json.
func (d Dir) MetadataPath() string { return filepath.Join(d.Internal(), "metadata.json") }

// MigrationPath returns D/.kiln/migration.json.
func (d Dir) MigrationPath() string { return filepath.Join(d.Internal(), "migration.json") }

// StateLockPath returns D/.kiln/.state.lock.
func (d Dir) StateLockPath() string { return filepath.Join(d.Internal(), ".state.lock") }

// ComputeLockPath returns D/.kiln/.compute.lock.
func (d Dir) ComputeLockPath() string { return filepath.Join(d.Internal(), ".compute.lock") }

// SubmitLockPath returns D/.kiln/.submit.lock.
func (d Dir) SubmitLockPath() string { return filepath.Join(d.Internal(), ".submit.lock") }

// EnsureInternal creates D and D/.kiln if missing. Safe to call repeatedly;
// this is the "D is created lazily on first access" lifecycle rule.
func (d Dir) EnsureInternal() error {
	if err := os.MkdirAll(d.Internal(), 0o750); err != nil {
		return fmt.Errorf("ensure internal dir %s: %w", d.Internal(), err)
	}
	return nil
}

// ArtifactDirPath builds <root>/<namespace>/<hash>, where namespace is a
// slash-separated module+class name as described in the data model.
func ArtifactDirPath(root, namespace, hash string) string {
	return filepath.Join(root, filepath.FromSlash(namespace), hash)
}

// WriteAtomic writes data to path via a sibling temp file plus rename, the
// only way any tracked file under D may be written. fsync is not required
// for correctness (atomic rename is what forbids partial reads) but is
// performed anyway for durability, matching the teacher's writer.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	cleanup = false

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file onto %s: %w", path, err)
	}
	return nil
}

// ReadFile reads path, reporting ok=false (no error) when it does not exist
// so callers can apply the documented default instead of treating a cold
// directory as an error.
func ReadFile(path string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return data, true, nil
}

// Exists reports whether path exists, treating any stat error other than
// not-exist as false too (callers that need the error should stat directly).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
